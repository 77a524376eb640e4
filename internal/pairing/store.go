// Package pairing persists operator-approval requests for unknown bot
// users. The store is a single JSON file inside the vault's dot
// directory, written atomically; reads prune expired requests in place.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

const (
	// IDLength is the length of the approval code shown to the operator.
	IDLength = 8

	// RequestTTL bounds how long a pairing request stays actionable.
	RequestTTL = 24 * time.Hour
)

var ErrNotFound = errors.New("pairing request not found")

// state is the on-disk document.
type state struct {
	Requests []models.PairingRequest         `json:"requests"`
	Allow    map[models.ChannelType][]string `json:"allow"`
}

// Store is the pairing request and allowlist store. Safe for concurrent
// use; every mutation rewrites the file atomically.
type Store struct {
	path string
	now  func() time.Time
	rand io.Reader
	mu   sync.Mutex
}

func NewStore(vlt *vault.Vault) *Store {
	return &Store{
		path: vlt.PairingPath(),
		now:  time.Now,
		rand: rand.Reader,
	}
}

// Allowed reports whether a platform user has been approved.
func (s *Store) Allowed(platform models.ChannelType, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	for _, id := range st.Allow[platform] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// AllowedCount returns how many users are approved for a platform.
func (s *Store) AllowedCount(platform models.ChannelType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	return len(st.Allow[platform]), nil
}

// GetOrCreate returns the pending request for a platform user, creating
// one when none exists. The second return reports whether a new request
// was created.
func (s *Store) GetOrCreate(platform models.ChannelType, userID, displayName, chatID string) (models.PairingRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.PairingRequest{}, false, errors.New("user id is required")
	}

	st, err := s.loadLocked()
	if err != nil {
		return models.PairingRequest{}, false, err
	}
	for _, req := range st.Requests {
		if req.Platform == platform && req.UserID == userID && req.Status == models.PairingPending {
			return req, false, nil
		}
	}

	id, err := s.generateID(st)
	if err != nil {
		return models.PairingRequest{}, false, err
	}
	req := models.PairingRequest{
		ID:          id,
		Platform:    platform,
		UserID:      userID,
		DisplayName: strings.TrimSpace(displayName),
		ChatID:      chatID,
		Status:      models.PairingPending,
		CreatedAt:   s.now().UTC(),
	}
	st.Requests = append(st.Requests, req)
	if err := s.saveLocked(st); err != nil {
		return models.PairingRequest{}, false, err
	}
	return req, true, nil
}

// AttachSession links the session created for a pending user so the
// connector can flip it out of pending_initialization on approval.
func (s *Store) AttachSession(id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i := range st.Requests {
		if normalizeID(st.Requests[i].ID) == normalizeID(id) {
			st.Requests[i].SessionID = sessionID
			return s.saveLocked(st)
		}
	}
	return ErrNotFound
}

// Pending returns unresolved requests, oldest first.
func (s *Store) Pending() ([]models.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	var out []models.PairingRequest
	for _, req := range st.Requests {
		if req.Status == models.PairingPending {
			out = append(out, req)
		}
	}
	return out, nil
}

// Get returns a request by ID.
func (s *Store) Get(id string) (models.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return models.PairingRequest{}, err
	}
	for _, req := range st.Requests {
		if normalizeID(req.ID) == normalizeID(id) {
			return req, nil
		}
	}
	return models.PairingRequest{}, ErrNotFound
}

// Approve resolves a pending request, records the granted trust level,
// and adds the user to the platform allowlist.
func (s *Store) Approve(id string, trust models.TrustLevel) (models.PairingRequest, error) {
	return s.resolve(id, models.PairingApproved, trust)
}

// Deny resolves a pending request without granting access.
func (s *Store) Deny(id string) (models.PairingRequest, error) {
	return s.resolve(id, models.PairingDenied, "")
}

func (s *Store) resolve(id string, status models.PairingStatus, trust models.TrustLevel) (models.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return models.PairingRequest{}, err
	}

	for i := range st.Requests {
		req := &st.Requests[i]
		if normalizeID(req.ID) != normalizeID(id) {
			continue
		}
		if req.Status != models.PairingPending {
			return models.PairingRequest{}, ErrNotFound
		}
		now := s.now().UTC()
		req.Status = status
		req.ResolvedAt = &now
		if status == models.PairingApproved {
			req.Trust = trust
			if st.Allow == nil {
				st.Allow = make(map[models.ChannelType][]string)
			}
			st.Allow[req.Platform] = appendUnique(st.Allow[req.Platform], req.UserID)
		}
		if err := s.saveLocked(st); err != nil {
			return models.PairingRequest{}, err
		}
		return *req, nil
	}
	return models.PairingRequest{}, ErrNotFound
}

// ExpireStale denies pending requests older than RequestTTL. Returns how
// many were expired; the jobs runner calls this hourly.
func (s *Store) ExpireStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	expired := 0
	for i := range st.Requests {
		req := &st.Requests[i]
		if req.Status == models.PairingPending && now.Sub(req.CreatedAt) > RequestTTL {
			req.Status = models.PairingDenied
			resolved := now
			req.ResolvedAt = &resolved
			expired++
		}
	}
	if expired > 0 {
		if err := s.saveLocked(st); err != nil {
			return 0, err
		}
	}
	return expired, nil
}

func (s *Store) loadLocked() (*state, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &state{Allow: make(map[models.ChannelType][]string)}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return &state{Allow: make(map[models.ChannelType][]string)}, nil
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Allow == nil {
		st.Allow = make(map[models.ChannelType][]string)
	}
	return &st, nil
}

func (s *Store) saveLocked(st *state) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func (s *Store) generateID(st *state) (string, error) {
	existing := make(map[string]struct{}, len(st.Requests))
	for _, req := range st.Requests {
		existing[req.ID] = struct{}{}
	}
	for i := 0; i < 20; i++ {
		id, err := randomID(s.rand, IDLength)
		if err != nil {
			return "", err
		}
		if _, ok := existing[id]; ok {
			continue
		}
		return id, nil
	}
	return "", errors.New("failed to generate unique pairing id")
}

// randomID draws from an alphabet with no look-alike characters since
// operators read these codes out of chat messages.
func randomID(r io.Reader, length int) (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(out), nil
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
