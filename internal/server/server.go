// Package server exposes the HTTP and SSE surface: chat turns, stream
// attachment, permission decisions, session and pairing management, and
// the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parachute-dev/parachute/internal/auth"
	"github.com/parachute-dev/parachute/internal/channels"
	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/orchestrator"
	"github.com/parachute-dev/parachute/internal/pairing"
	"github.com/parachute-dev/parachute/internal/permissions"
	"github.com/parachute-dev/parachute/internal/sandbox"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/pkg/models"
)

// Config carries the listen address.
type Config struct {
	Host string
	Port int
}

// TurnRunner starts and aborts conversational turns. Implemented by
// the orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (string, error)
	Abort(sessionID string) bool
}

// Deps are the collaborators the handlers dispatch into. Auth, Boxes,
// and ConnectorHealth may be nil.
type Deps struct {
	Orchestrator TurnRunner
	Streams      *stream.Manager
	Permissions  *permissions.Registry
	Store        sessions.Store
	Pairing      *pairing.Store
	Auth         *auth.Service
	Boxes        *sandbox.Manager
	Metrics      *observability.Metrics

	// ConnectorHealth reports bot connector health for /api/health.
	ConnectorHealth func() []channels.Health

	// PairingResolved is notified after an operator approves or denies
	// a pairing request, so connectors can message the user.
	PairingResolved func(models.PairingRequest)
}

// Server is the HTTP front end.
type Server struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	mux       *http.ServeMux
	http      *http.Server
	listener  net.Listener
	startTime time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "server"),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := http.NewServeMux()
	api.HandleFunc("/api/chat", s.handleChat)
	api.HandleFunc("/api/chat/", s.handleChatScoped)
	api.HandleFunc("/api/sessions", s.handleSessionList)
	api.HandleFunc("/api/sessions/", s.handleSessionScoped)
	api.HandleFunc("/api/pairing", s.handlePairingList)
	api.HandleFunc("/api/pairing/", s.handlePairingScoped)
	api.HandleFunc("/api/health", s.handleHealth)

	var apiHandler http.Handler = api
	if s.deps.Auth != nil {
		apiHandler = s.deps.Auth.Middleware(api)
	}
	s.mux.Handle("/api/", s.instrument(apiHandler))

	// Login exchanges a key for a token, so it sits outside the
	// credential check.
	s.mux.Handle("/api/auth/login", s.instrument(http.HandlerFunc(s.handleLogin)))

	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Handler exposes the routed mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ActiveStreams int               `json:"active_streams"`
	Connectors    []channels.Health `json:"connectors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.deps.Streams != nil {
		resp.ActiveStreams = len(s.deps.Streams.ActiveStreams())
	}
	if s.deps.ConnectorHealth != nil {
		resp.Connectors = s.deps.ConnectorHealth()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
