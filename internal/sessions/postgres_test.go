package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/parachute-dev/parachute/pkg/models"
)

// preparePatterns mirrors the statement order in prepareStatements.
var preparePatterns = []string{
	"INSERT INTO sessions",
	"SELECT .+ FROM sessions WHERE id",
	"UPDATE sessions SET",
	"DELETE FROM sessions",
	"UPDATE sessions SET last_accessed",
	"UPDATE sessions SET archived",
	"SELECT .+ FROM sessions\\s+WHERE bot_platform",
	"SELECT id FROM sessions",
}

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	for _, pattern := range preparePatterns {
		mock.ExpectPrepare(pattern)
	}
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		t.Fatalf("prepare statements: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func testSessionColumns() []string {
	return []string{
		"id", "title", "title_source", "module", "source", "created_at",
		"last_accessed", "archived", "message_count", "working_dir", "model",
		"trust_level", "bot_platform", "bot_chat_id", "bot_chat_type",
		"env_slug", "metadata",
	}
}

func sessionRow(id string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(testSessionColumns()).AddRow(
		id, "Groceries", "llm", "", "telegram", now, now,
		false, 3, "Projects", "", "sandboxed",
		"telegram", "chat-9", "dm", "", []byte(`{"k":"v"}`),
	)
}

func TestPostgresCreate(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			"sess-1", "", "", "", "web",
			sqlmock.AnyArg(), sqlmock.AnyArg(), // created_at, last_accessed
			false, 0, "", "", "sandboxed",
			"", "", "", "", []byte("{}"),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	err := store.Create(context.Background(), &models.Session{
		ID:           "sess-1",
		Source:       models.SourceWeb,
		Trust:        models.TrustSandboxed,
		CreatedAt:    now,
		LastAccessed: now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresGetScansBotLink(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id").
		WithArgs("sess-2").
		WillReturnRows(sessionRow("sess-2"))

	session, err := store.Get(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.BotLink == nil || session.BotLink.ChatID != "chat-9" {
		t.Fatalf("bot link = %+v", session.BotLink)
	}
	if session.Metadata["k"] != "v" {
		t.Fatalf("metadata = %v", session.Metadata)
	}
}

func TestPostgresUpdateMissingRow(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("UPDATE sessions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &models.Session{ID: "gone", Trust: models.TrustSandboxed})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresListAppliesFilters(t *testing.T) {
	store, mock := setupMockStore(t)

	archived := false
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE 1=1 AND source = .+ AND archived = .+ ORDER BY last_accessed DESC LIMIT").
		WithArgs("telegram", false, 10).
		WillReturnRows(sessionRow("sess-3"))

	list, err := store.List(context.Background(), ListFilter{
		Source:   models.SourceTelegram,
		Archived: &archived,
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "sess-3" {
		t.Fatalf("list = %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresTouchCountsMessage(t *testing.T) {
	store, mock := setupMockStore(t)

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE sessions SET last_accessed").
		WithArgs(at, 1, "sess-4").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Touch(context.Background(), "sess-4", at, true); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresMergeMetadataTransaction(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT metadata FROM sessions WHERE id = .+ FOR UPDATE").
		WithArgs("sess-5").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow([]byte(`{"keep":"old"}`)))
	mock.ExpectExec("UPDATE sessions SET metadata").
		WithArgs(sqlmock.AnyArg(), "sess-5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MergeMetadata(context.Background(), "sess-5", map[string]any{"new": "value"})
	if err != nil {
		t.Fatalf("MergeMetadata: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresActiveSessionIDs(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT id FROM sessions WHERE archived = FALSE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := store.ActiveSessionIDs(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessionIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v", ids)
	}
}
