package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parachute-dev/parachute/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing
// and throwaway runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.LastAccessed.IsZero() {
		clone.LastAccessed = clone.CreatedAt
	}
	// Reflect generated fields back to caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.LastAccessed = clone.LastAccessed
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if filter.Source != "" && session.Source != filter.Source {
			continue
		}
		if filter.Module != "" && session.Module != filter.Module {
			continue
		}
		if filter.Archived != nil && session.Archived != *filter.Archived {
			continue
		}
		out = append(out, cloneSession(session))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})

	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time, countMessage bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.LastAccessed = at
	if countMessage {
		session.MessageCount++
	}
	return nil
}

func (m *MemoryStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	for key, value := range patch {
		if value == nil {
			delete(session.Metadata, key)
			continue
		}
		session.Metadata[key] = deepCloneValue(value)
	}
	return nil
}

func (m *MemoryStore) SetArchived(ctx context.Context, id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Archived = archived
	return nil
}

func (m *MemoryStore) FindByBotChat(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.Session
	for _, session := range m.sessions {
		if session.Archived || session.BotLink == nil {
			continue
		}
		if session.BotLink.Platform != platform || session.BotLink.ChatID != chatID {
			continue
		}
		if best == nil || session.LastAccessed.After(best.LastAccessed) {
			best = session
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneSession(best), nil
}

func (m *MemoryStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, session := range m.sessions {
		if !session.Archived {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

// deepCloneValue recursively clones a value, handling nested maps and slices.
func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		// Primitives are safe to copy by value.
		return v
	}
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	if session.BotLink != nil {
		link := *session.BotLink
		clone.BotLink = &link
	}
	return &clone
}
