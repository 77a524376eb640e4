// Package auth guards the HTTP API with static keys and short-lived
// JWTs. Keys are stored hashed; the plaintext is shown exactly once at
// creation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyExists  = errors.New("key name already exists")
)

const keyPrefix = "pk-"

// StoredKey is one hashed API key on disk.
type StoredKey struct {
	Name      string    `json:"name"`
	Hash      string    `json:"hash"` // hex sha256 of the plaintext
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// KeyStore is the JSON key file, mode 0600.
type KeyStore struct {
	path string
	mu   sync.Mutex
}

func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path}
}

// Create mints a new key under the given name and returns the plaintext.
// The plaintext is never persisted.
func (s *KeyStore) Create(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("key name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if k.Name == name {
			return "", ErrKeyExists
		}
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	plaintext := keyPrefix + hex.EncodeToString(buf)
	keys = append(keys, StoredKey{
		Name:      name,
		Hash:      hashKey(plaintext),
		CreatedAt: time.Now().UTC(),
	})
	if err := s.saveLocked(keys); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Import stores the hash of an operator-provided plaintext under name.
// Used when a key is minted elsewhere and pasted in.
func (s *KeyStore) Import(name, plaintext string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("key name is required")
	}
	plaintext = strings.TrimSpace(plaintext)
	if !strings.HasPrefix(plaintext, keyPrefix) {
		return fmt.Errorf("api keys start with %q", keyPrefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Name == name {
			return ErrKeyExists
		}
	}
	keys = append(keys, StoredKey{
		Name:      name,
		Hash:      hashKey(plaintext),
		CreatedAt: time.Now().UTC(),
	})
	return s.saveLocked(keys)
}

// Verify checks a presented key in constant time and returns the key
// name on success.
func (s *KeyStore) Verify(presented string) (string, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return "", ErrInvalidKey
	}
	presentedHash := []byte(hashKey(presented))

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	matched := -1
	for i := range keys {
		if subtle.ConstantTimeCompare(presentedHash, []byte(keys[i].Hash)) == 1 {
			matched = i
		}
	}
	if matched == -1 {
		return "", ErrInvalidKey
	}
	keys[matched].LastUsed = time.Now().UTC()
	// Best effort; a failed timestamp write must not fail auth.
	_ = s.saveLocked(keys)
	return keys[matched].Name, nil
}

// Revoke removes a key by name.
func (s *KeyStore) Revoke(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i, k := range keys {
		if k.Name == name {
			return s.saveLocked(append(keys[:i], keys[i+1:]...))
		}
	}
	return fmt.Errorf("no key named %q", name)
}

// List returns stored keys without hashes.
func (s *KeyStore) List() ([]StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]StoredKey, len(keys))
	for i, k := range keys {
		k.Hash = ""
		out[i] = k
	}
	return out, nil
}

// Count reports how many keys exist.
func (s *KeyStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *KeyStore) loadLocked() ([]StoredKey, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var keys []StoredKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *KeyStore) saveLocked(keys []StoredKey) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
