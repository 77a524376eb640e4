package sessions

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openRawSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openRawSQLite(t)

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}

	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("first Up applied nothing")
	}

	again, err := migrator.Up(ctx, 0)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Up applied %v, want none", again)
	}

	// The sessions table exists after Up.
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("sessions table missing after Up: %v", err)
	}
}

func TestMigratorStatusAndDown(t *testing.T) {
	ctx := context.Background()
	db := openRawSQLite(t)

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("Up: %v", err)
	}

	applied, pending, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(applied) == 0 || len(pending) != 0 {
		t.Errorf("status = %d applied, %d pending", len(applied), len(pending))
	}

	rolled, err := migrator.Down(ctx, len(applied))
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if len(rolled) != len(applied) {
		t.Errorf("rolled back %d, want %d", len(rolled), len(applied))
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err == nil {
		t.Error("sessions table still present after Down")
	}
}

func TestLoadMigrationsUnknownDialect(t *testing.T) {
	db := openRawSQLite(t)
	if _, err := NewMigrator(db, Dialect("oracle")); err == nil {
		t.Error("expected error for unknown dialect")
	}
}
