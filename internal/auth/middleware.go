package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/parachute-dev/parachute/internal/config"
)

type contextKey struct{}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	KeyName string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the caller identity, if the request authenticated.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Service decides whether a request may pass, per the configured mode.
type Service struct {
	mode   config.AuthMode
	keys   *KeyStore
	jwt    *JWTService
	logger *slog.Logger
}

func NewService(mode config.AuthMode, keys *KeyStore, jwtSecret string, tokenExpiry time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var jwtSvc *JWTService
	if strings.TrimSpace(jwtSecret) != "" {
		jwtSvc = NewJWTService(jwtSecret, tokenExpiry)
	}
	return &Service{mode: mode, keys: keys, jwt: jwtSvc, logger: logger.With("component", "auth")}
}

// GenerateSecret returns a random hex string suitable as a JWT secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Login exchanges a valid API key for a JWT.
func (s *Service) Login(apiKey string) (string, error) {
	name, err := s.keys.Verify(apiKey)
	if err != nil {
		return "", err
	}
	if s.jwt == nil {
		return "", ErrInvalidToken
	}
	return s.jwt.Generate(name)
}

// Middleware enforces the auth mode: disabled passes everything, remote
// exempts loopback peers, always challenges everyone. Credentials are an
// x-api-key header or a Bearer JWT.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.mode == config.AuthDisabled {
			next.ServeHTTP(w, r)
			return
		}
		if s.mode == config.AuthRemote && isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		if key := extractAPIKey(r); key != "" {
			name, err := s.keys.Verify(key)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{KeyName: name})))
				return
			}
			s.logger.Warn("api key rejected", "remote", r.RemoteAddr)
		}

		if token := extractBearer(r); token != "" {
			// The Bearer slot carries either a raw API key or an
			// operator JWT.
			if strings.HasPrefix(token, keyPrefix) {
				if name, err := s.keys.Verify(token); err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{KeyName: name})))
					return
				}
			} else if s.jwt != nil {
				if name, err := s.jwt.Validate(token); err == nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{KeyName: name})))
					return
				}
			}
			s.logger.Warn("bearer token rejected", "remote", r.RemoteAddr)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing or invalid credentials"}}`))
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func extractAPIKey(r *http.Request) string {
	for _, header := range []string{"x-api-key", "api-key"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	// SSE consumers (EventSource) cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) >= 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}
