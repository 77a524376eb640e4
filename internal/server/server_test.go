package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parachute-dev/parachute/internal/orchestrator"
	"github.com/parachute-dev/parachute/internal/permissions"
	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/pkg/models"
)

var errNotFoundSession = perrors.NotFound("session nope", nil)

type fakeRunner struct {
	runFunc   func(ctx context.Context, req orchestrator.Request) (string, error)
	abortFunc func(id string) bool
	lastReq   orchestrator.Request
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (string, error) {
	f.lastReq = req
	if f.runFunc != nil {
		return f.runFunc(ctx, req)
	}
	return req.SessionID, nil
}

func (f *fakeRunner) Abort(id string) bool {
	if f.abortFunc != nil {
		return f.abortFunc(id)
	}
	return false
}

type fixture struct {
	server  *Server
	runner  *fakeRunner
	store   sessions.Store
	streams *stream.Manager
	perms   *permissions.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		runner:  &fakeRunner{},
		store:   sessions.NewMemoryStore(),
		streams: stream.NewManager(logger),
		perms:   permissions.NewRegistry(),
	}
	f.server = New(Config{}, Deps{
		Orchestrator: f.runner,
		Streams:      f.streams,
		Permissions:  f.perms,
		Store:        f.store,
	}, logger)
	t.Cleanup(func() { f.store.Close() })
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// startStream runs a live stream under id whose terminal fires when
// finish is called.
func (f *fixture) startStream(t *testing.T, id string) (emit func(models.StreamEvent), finish func()) {
	t.Helper()
	source := make(chan models.StreamEvent, 16)
	if err := f.streams.StartStream(id, source, func() {}); err != nil {
		t.Fatal(err)
	}
	return func(ev models.StreamEvent) { source <- ev },
		func() {
			source <- models.StreamEvent{Type: models.EventDone}
			close(source)
		}
}

func TestChatStreamsEvents(t *testing.T) {
	f := newFixture(t)
	f.runner.runFunc = func(ctx context.Context, req orchestrator.Request) (string, error) {
		source := make(chan models.StreamEvent, 4)
		source <- models.StreamEvent{Type: models.EventText, Text: "hello"}
		source <- models.StreamEvent{Type: models.EventDone, Result: "hello"}
		close(source)
		if err := f.streams.StartStream("sess-1", source, func() {}); err != nil {
			return "", err
		}
		return "sess-1", nil
	}

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"hello"`) || !strings.Contains(body, `"done"`) {
		t.Fatalf("body = %q", body)
	}
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("frame %q lacks data prefix", frame)
		}
	}
}

func TestChatValidationFailure(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/chat", `{"message":123}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "PROTOCOL_ERROR" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestChatRunErrorMapsStatus(t *testing.T) {
	f := newFixture(t)
	f.runner.runFunc = func(context.Context, orchestrator.Request) (string, error) {
		return "", errNotFoundSession
	}
	rec := f.do(t, http.MethodPost, "/api/chat", `{"message":"hi","sessionId":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	f.runner.abortFunc = func(id string) bool { return id == "sess-1" }

	if rec := f.do(t, http.MethodPost, "/api/chat/sess-1/abort", ""); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/chat/other/abort", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestStreamStatus(t *testing.T) {
	f := newFixture(t)
	_, finish := f.startStream(t, "sess-1")
	defer finish()

	rec := f.do(t, http.MethodGet, "/api/chat/sess-1/stream-status", "")
	var resp streamStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Active {
		t.Fatal("expected active stream")
	}

	rec = f.do(t, http.MethodGet, "/api/chat/ghost/stream-status", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Active {
		t.Fatal("ghost stream reported active")
	}
}

func TestJoinReplaysBuffer(t *testing.T) {
	f := newFixture(t)
	emit, finish := f.startStream(t, "sess-1")
	emit(models.StreamEvent{Type: models.EventText, Text: "earlier"})
	// Let the pump buffer the event before joining.
	time.Sleep(20 * time.Millisecond)
	finish()

	rec := f.do(t, http.MethodGet, "/api/chat/sess-1/join", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "earlier") {
		t.Fatalf("replay missing, body = %q", rec.Body.String())
	}
}

func TestJoinMissingStream(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/chat/ghost/join", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Create(ctx, &models.Session{ID: "sess-1", Source: models.SourceWeb, Trust: models.TrustSandboxed}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/api/sessions", "")
	var list sessionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Fatalf("total = %d", list.Total)
	}

	if rec := f.do(t, http.MethodPost, "/api/sessions/sess-1/archive", ""); rec.Code != http.StatusOK {
		t.Fatalf("archive code = %d", rec.Code)
	}
	s, err := f.store.Get(ctx, "sess-1")
	if err != nil || !s.Archived {
		t.Fatalf("archived = %v err = %v", s != nil && s.Archived, err)
	}

	if rec := f.do(t, http.MethodPost, "/api/sessions/sess-1/activate", ""); rec.Code != http.StatusOK {
		t.Fatalf("activate code = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/sessions/sess-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete code = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/sessions/sess-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete code = %d", rec.Code)
	}
}

func TestSessionConfigPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Create(ctx, &models.Session{ID: "sess-1", Trust: models.TrustSandboxed}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPatch, "/api/sessions/sess-1/config", `{"title":"Renamed","trust_level":"direct"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	s, err := f.store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Title != "Renamed" || s.TitleSource != models.TitleByUser {
		t.Fatalf("title = %q source = %q", s.Title, s.TitleSource)
	}
	if s.Trust != models.TrustDirect {
		t.Fatalf("trust = %q", s.Trust)
	}

	rec = f.do(t, http.MethodPatch, "/api/sessions/sess-1/config", `{"trust_level":"root"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid trust code = %d", rec.Code)
	}
}

func TestDeleteActiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Create(ctx, &models.Session{ID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	_, finish := f.startStream(t, "sess-1")
	defer finish()

	if rec := f.do(t, http.MethodDelete, "/api/sessions/sess-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestAnswerRouting(t *testing.T) {
	f := newFixture(t)
	// No handler registered for the session.
	rec := f.do(t, http.MethodPost, "/api/chat/sess-1/answer", `{"request_id":"r1","answers":{"q":"a"}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}
