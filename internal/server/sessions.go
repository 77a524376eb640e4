package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/pkg/models"
)

type sessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

type grantRequest struct {
	RequestID string `json:"requestId"`
	Pattern   string `json:"pattern,omitempty"`
}

type denyRequest struct {
	RequestID string `json:"requestId"`
}

type sessionConfigPatch struct {
	Title      *string `json:"title,omitempty"`
	Model      *string `json:"model,omitempty"`
	Trust      *string `json:"trust_level,omitempty" jsonschema:"enum=sandboxed,enum=direct"`
	EnvSlug    *string `json:"env_slug,omitempty"`
	WorkingDir *string `json:"working_dir,omitempty"`
}

// handleSessionList handles GET /api/sessions with source, module,
// archived, limit, and offset query filters.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	filter := sessions.ListFilter{
		Source: models.SessionSource(r.URL.Query().Get("source")),
		Module: r.URL.Query().Get("module"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("archived"); raw != "" {
		archived := raw == "true" || raw == "1"
		filter.Archived = &archived
	}
	if filter.Limit < 1 || filter.Limit > 200 {
		filter.Limit = 50
	}

	list, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, perrors.Internal("list sessions", err))
		return
	}
	s.writeJSON(w, http.StatusOK, sessionListResponse{Sessions: list, Total: len(list)})
}

// handleSessionScoped routes /api/sessions/{id} and its subresources.
func (s *Server) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.notFound(w, "session ID required")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleSessionGet(w, r, id)
		case http.MethodDelete:
			s.handleSessionDelete(w, r, id)
		default:
			s.methodNotAllowed(w)
		}
	case "archive":
		s.handleSessionArchived(w, r, id, true, false)
	case "unarchive":
		s.handleSessionArchived(w, r, id, false, false)
	case "activate":
		s.handleSessionArchived(w, r, id, false, true)
	case "metadata":
		s.handleSessionMetadata(w, r, id)
	case "config":
		s.handleSessionConfig(w, r, id)
	case "permissions/grant":
		s.handleGrant(w, r, id)
	case "permissions/deny":
		s.handleDeny(w, r, id)
	default:
		s.notFound(w, "unknown session action")
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.notFound(w, "session "+id)
			return
		}
		s.writeError(w, perrors.Internal("load session", err))
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleSessionDelete removes the row and the session's container and
// sandbox home, if any.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, id string) {
	if s.deps.Streams.HasActiveStream(id) {
		s.writeError(w, perrors.Conflict("session has an active stream", nil))
		return
	}
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.notFound(w, "session "+id)
			return
		}
		s.writeError(w, perrors.Internal("delete session", err))
		return
	}
	if s.deps.Boxes != nil {
		if err := s.deps.Boxes.DeleteSessionContainer(r.Context(), id); err != nil {
			s.logger.Warn("failed to remove session container", "session_id", id, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionArchived(w http.ResponseWriter, r *http.Request, id string, archived, touch bool) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if err := s.deps.Store.SetArchived(r.Context(), id, archived); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.notFound(w, "session "+id)
			return
		}
		s.writeError(w, perrors.Internal("update session", err))
		return
	}
	if touch {
		if err := s.deps.Store.Touch(r.Context(), id, time.Now().UTC(), false); err != nil {
			s.logger.Warn("failed to touch session", "session_id", id, "error", err)
		}
	}
	status := "active"
	if archived {
		status = "archived"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleSessionMetadata(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var patch map[string]any
	if err := decodeValid(r, nil, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Store.MergeMetadata(r.Context(), id, patch); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.notFound(w, "session "+id)
			return
		}
		s.writeError(w, perrors.Internal("merge metadata", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var patch sessionConfigPatch
	if err := decodeValid(r, sessionPatchSchema, &patch); err != nil {
		s.writeError(w, err)
		return
	}

	session, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.notFound(w, "session "+id)
			return
		}
		s.writeError(w, perrors.Internal("load session", err))
		return
	}

	if patch.Title != nil {
		session.Title = *patch.Title
		session.TitleSource = models.TitleByUser
	}
	if patch.Model != nil {
		session.Model = *patch.Model
	}
	if patch.Trust != nil {
		trust := models.TrustLevel(*patch.Trust)
		if !trust.Valid() {
			s.writeError(w, perrors.Protocol("invalid trust level", nil))
			return
		}
		session.Trust = trust
	}
	if patch.EnvSlug != nil {
		session.EnvSlug = *patch.EnvSlug
	}
	if patch.WorkingDir != nil {
		session.WorkingDir = *patch.WorkingDir
	}

	if err := s.deps.Store.Update(r.Context(), session); err != nil {
		s.writeError(w, perrors.Internal("save session", err))
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleGrant resolves a pending permission request in the affirmative,
// optionally widening the session's glob allowances.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req grantRequest
	if err := decodeValid(r, grantSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.deps.Permissions.Grant(id, req.RequestID, req.Pattern) {
		s.notFound(w, "no pending permission request")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req denyRequest
	if err := decodeValid(r, denySchema, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.deps.Permissions.Deny(id, req.RequestID) {
		s.notFound(w, "no pending permission request")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}
