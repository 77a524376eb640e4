// Package channels connects chat platforms to the turn pipeline. Each
// platform implements Adapter; a supervisor per adapter owns its
// lifecycle, reconnection, and health surface, while the manager routes
// messages through pairing and into turns.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
)

// IncomingMessage is one normalized message arriving from a platform.
type IncomingMessage struct {
	Platform    models.ChannelType
	UserID      string
	DisplayName string
	ChatID      string
	Text        string
	IsGroup     bool

	// Mentioned is set when the bot was addressed directly in a group.
	Mentioned bool

	// Attachments are vault-relative paths the adapter already saved
	// through the media pipeline.
	Attachments []string
}

// OutgoingMessage is a reply chunk to deliver to a platform chat.
type OutgoingMessage struct {
	ChatID string
	Text   string
}

// Adapter is the platform-specific half of a connector.
type Adapter interface {
	// Platform identifies the adapter for routing and logging.
	Platform() models.ChannelType

	// Start connects and blocks until the connection drops or ctx
	// ends, returning the cause. The supervisor restarts it with
	// backoff.
	Start(ctx context.Context) error

	// Stop releases the platform connection.
	Stop(ctx context.Context) error

	// Send delivers one message chunk to a chat.
	Send(ctx context.Context, out *OutgoingMessage) error

	// Messages yields inbound messages across restarts of Start.
	Messages() <-chan *IncomingMessage
}

// ErrAuth classifies failures that re-trying cannot fix: bad tokens,
// rejected logins, revoked bots. The supervisor fails fast on these.
var ErrAuth = errors.New("authentication failed")

// AuthError wraps err so the supervisor skips reconnection.
func AuthError(err error) error {
	if err == nil {
		return ErrAuth
	}
	return &authError{err: err}
}

type authError struct{ err error }

func (e *authError) Error() string { return "authentication failed: " + e.err.Error() }
func (e *authError) Unwrap() error { return e.err }
func (e *authError) Is(target error) bool {
	return target == ErrAuth
}

// IsAuthError reports whether the failure is auth-class.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// State is a supervisor lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// validTransitions is the supervisor state machine. Anything else is
// logged and ignored.
var validTransitions = map[State][]State{
	StateStopped:      {StateRunning},
	StateRunning:      {StateReconnecting, StateFailed, StateStopped},
	StateReconnecting: {StateRunning, StateFailed, StateStopped},
	StateFailed:       {StateStopped, StateRunning},
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Health is the per-connector health surface exposed on the API. Error
// strings are sanitized before they get here.
type Health struct {
	Platform            models.ChannelType `json:"platform"`
	State               State              `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	LastErrorAt         time.Time          `json:"last_error_at,omitzero"`
	StartedAt           time.Time          `json:"started_at,omitzero"`
	LastMessageAt       time.Time          `json:"last_message_at,omitzero"`
	ReconnectAttempts   int                `json:"reconnect_attempts"`
	AllowedUsers        int                `json:"allowed_users"`
}
