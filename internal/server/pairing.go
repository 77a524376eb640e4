package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/parachute-dev/parachute/internal/pairing"
	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/pkg/models"
)

type pairingApproveRequest struct {
	Trust string `json:"trust_level,omitempty" jsonschema:"enum=,enum=sandboxed,enum=direct"`
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

// handlePairingList handles GET /api/pairing, returning pending
// requests.
func (s *Server) handlePairingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	if s.deps.Pairing == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"requests": []models.PairingRequest{}})
		return
	}
	pending, err := s.deps.Pairing.Pending()
	if err != nil {
		s.writeError(w, perrors.Internal("list pairing requests", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

// handlePairingScoped routes POST /api/pairing/{id}/(approve|deny).
func (s *Server) handlePairingScoped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if s.deps.Pairing == nil {
		s.notFound(w, "pairing is not configured")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/pairing/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.notFound(w, "pairing request ID required")
		return
	}

	var (
		resolved models.PairingRequest
		err      error
	)
	switch action {
	case "approve":
		var req pairingApproveRequest
		if err := decodeValid(r, pairingApproveSchema, &req); err != nil {
			s.writeError(w, err)
			return
		}
		trust := models.TrustLevel(req.Trust)
		if !trust.Valid() {
			trust = models.TrustSandboxed
		}
		resolved, err = s.deps.Pairing.Approve(id, trust)
	case "deny":
		resolved, err = s.deps.Pairing.Deny(id)
	default:
		s.notFound(w, "unknown pairing action")
		return
	}

	if err != nil {
		if errors.Is(err, pairing.ErrNotFound) {
			s.notFound(w, "pairing request "+id)
			return
		}
		s.writeError(w, perrors.Internal("resolve pairing request", err))
		return
	}
	if s.deps.PairingResolved != nil {
		go s.deps.PairingResolved(resolved)
	}
	s.writeJSON(w, http.StatusOK, resolved)
}

// handleLogin exchanges an API key for a short-lived operator JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if s.deps.Auth == nil {
		s.writeError(w, perrors.Unauthorized("authentication is not configured", nil))
		return
	}
	var req loginRequest
	if err := decodeValid(r, loginSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.deps.Auth.Login(req.APIKey)
	if err != nil {
		s.writeError(w, perrors.Unauthorized("invalid api key", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
