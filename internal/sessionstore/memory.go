package sessionstore

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
)

// MemoryStore keeps credentials in memory. Used in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	creds   whatsapp.Credentials
	saves   int
	deletes int

	// DeleteErr, when set, is returned by Delete and the credentials are kept.
	DeleteErr error
}

// NewMemoryStore creates a store preloaded with creds (nil for none).
func NewMemoryStore(creds whatsapp.Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

func (s *MemoryStore) Load(_ context.Context) (whatsapp.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *MemoryStore) Save(_ context.Context, creds whatsapp.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.saves++
	return nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.creds = nil
	return nil
}

// SetDeleteErr changes the injected delete failure.
func (s *MemoryStore) SetDeleteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteErr = err
}

// Present reports whether credentials are stored.
func (s *MemoryStore) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds != nil
}

// Saves returns the number of Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Deletes returns the number of Delete calls.
func (s *MemoryStore) Deletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}
