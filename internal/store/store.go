// Package store is the durable key-value store for session data that must
// survive a restart: the bearer token and the remembered login identifier.
//
// Every operation is best effort. Backend failures are logged and the call
// falls back to an in-memory copy, so callers never see a panic or a hang.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amirk1998/authsession/pkg/errors"
)

// Well-known keys
const (
	KeyToken                = "auth_token"
	KeyRememberedIdentifier = "auth_remembered_identifier"
)

// DefaultTimeout bounds a single backend call
const DefaultTimeout = 500 * time.Millisecond

// Backend is a durable key-value store.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// overlay holds writes the backend rejected; it shadows the backend until a
// later write for the same key succeeds.
type overlay struct {
	value   string
	deleted bool
}

type Store struct {
	backend Backend
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	fallback map[string]overlay
}

// New wraps backend. A nil backend keeps everything in memory.
func New(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		backend:  backend,
		timeout:  DefaultTimeout,
		log:      slog.Default().With("component", "credential_store"),
		fallback: make(map[string]overlay),
	}
}

// SetTimeout changes the per-call backend timeout
func (s *Store) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Get returns the value for key, or false when absent or unreadable
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	if o, ok := s.fallback[key]; ok {
		s.mu.Unlock()
		if o.deleted {
			return "", false
		}
		return o.value, true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.Warn("credential read failed", "key", key, "error", err)
		return "", false
	}
	return value, ok
}

// Set stores value under key. On backend failure the value is kept in memory
// for the rest of the process and a *errors.StorageError is returned.
func (s *Store) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.backend.Set(ctx, key, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.log.Warn("credential write failed, keeping value in memory", "key", key, "error", err)
		s.fallback[key] = overlay{value: value}
		return &errors.StorageError{Op: "set", Key: key, Err: errors.ErrStorageUnavailable}
	}

	delete(s.fallback, key)
	return nil
}

// Remove deletes key. A backend failure still hides the key for this process.
func (s *Store) Remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.backend.Delete(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.log.Warn("credential delete failed, hiding value in memory", "key", key, "error", err)
		s.fallback[key] = overlay{deleted: true}
		return
	}

	delete(s.fallback, key)
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
