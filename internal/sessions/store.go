// Package sessions persists conversation handles and their metadata.
// SQLite is the default backend for local vaults; Postgres is available
// for shared deployments, and the in-memory store backs tests.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
)

// ErrNotFound is returned when a session ID has no row.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Source   models.SessionSource
	Module   string
	Archived *bool
	Limit    int
	Offset   int
}

// Store is the interface for session persistence. Sessions are archived
// or deleted only through explicit calls; nothing in this package
// removes rows on its own.
type Store interface {
	// Create inserts a new session. The caller sets the ID.
	Create(ctx context.Context, session *models.Session) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update replaces every mutable column from the given session.
	Update(ctx context.Context, session *models.Session) error

	// Delete removes the row. Deleting a missing session is ErrNotFound.
	Delete(ctx context.Context, id string) error

	// List returns sessions most recently accessed first.
	List(ctx context.Context, filter ListFilter) ([]*models.Session, error)

	// Touch bumps last_accessed, incrementing the message count when
	// countMessage is set. Called once per completed turn.
	Touch(ctx context.Context, id string, at time.Time, countMessage bool) error

	// MergeMetadata merges patch into the stored metadata in a single
	// transaction. A nil value removes the key.
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error

	// SetArchived flips the archived flag. Archiving an already archived
	// session is a no-op, not an error.
	SetArchived(ctx context.Context, id string, archived bool) error

	// FindByBotChat resolves the session linked to a platform chat, or
	// ErrNotFound when the chat has never been paired.
	FindByBotChat(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error)

	// ActiveSessionIDs lists IDs of non-archived sessions. Used by
	// sandbox reconciliation to decide which containers may live.
	ActiveSessionIDs(ctx context.Context) ([]string, error)

	Close() error
}
