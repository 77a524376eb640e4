package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/parachute-dev/parachute/internal/orchestrator"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/pkg/models"
)

type chatRequest struct {
	Message          string   `json:"message"`
	SessionID        string   `json:"sessionId,omitempty"`
	Module           string   `json:"module,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	Contexts         []string `json:"contexts,omitempty"`
	RecoveryMode     string   `json:"recoveryMode,omitempty" jsonschema:"enum=,enum=fresh,enum=context"`
	Attachments      []string `json:"attachments,omitempty"`
}

type answerRequest struct {
	RequestID string            `json:"request_id"`
	Answers   map[string]string `json:"answers"`
}

// handleChat starts a turn and streams its events back as SSE.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req chatRequest
	if err := decodeValid(r, chatSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	streamID, err := s.deps.Orchestrator.Run(r.Context(), orchestrator.Request{
		SessionID:    req.SessionID,
		Message:      req.Message,
		Source:       models.SourceWeb,
		Module:       req.Module,
		SystemPrompt: req.SystemPrompt,
		WorkingDir:   req.WorkingDirectory,
		Contexts:     req.Contexts,
		Recovery:     orchestrator.RecoveryMode(req.RecoveryMode),
		Attachments:  req.Attachments,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, cancel, err := s.deps.Streams.Subscribe(streamID, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()
	s.streamTo(w, r, events)
}

// handleChatScoped routes /api/chat/{id}/(abort|stream-status|join|answer).
func (s *Server) handleChatScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.notFound(w, "session ID required")
		return
	}

	switch action {
	case "abort":
		s.handleAbort(w, r, id)
	case "stream-status":
		s.handleStreamStatus(w, r, id)
	case "join":
		s.handleJoin(w, r, id)
	case "answer":
		s.handleAnswer(w, r, id)
	default:
		s.notFound(w, "unknown chat action")
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if !s.deps.Orchestrator.Abort(id) {
		s.notFound(w, "no active stream for session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

type streamStatusResponse struct {
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId"`
	Info      *stream.Info `json:"info,omitempty"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	resp := streamStatusResponse{SessionID: id}
	if info, ok := s.deps.Streams.StreamInfo(id); ok {
		resp.Active = info.Active
		resp.Info = &info
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleJoin attaches a second client to a live stream, replaying the
// buffered events first.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	events, cancel, err := s.deps.Streams.Subscribe(id, true)
	if err != nil {
		if errors.Is(err, stream.ErrNoStream) {
			s.notFound(w, "no stream for session")
			return
		}
		s.writeError(w, err)
		return
	}
	defer cancel()
	s.streamTo(w, r, events)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req answerRequest
	if err := decodeValid(r, answerSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.deps.Permissions.Answer(id, req.RequestID, req.Answers) {
		s.notFound(w, "no pending question for request")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}
