// Package memory implements an in-process session store. It backs
// standalone runs and tests; nothing survives the process, which matches
// the engine's guarantee floor (best-effort durability only).
package memory

import (
	"context"
	"sync"

	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
)

// Store is a thread-safe in-memory session.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]session.Record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]session.Record)}
}

// Save persists the record, last-write-wins.
func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.RegistrationID == "" {
		return shared.NewDomainError("session", "Save", shared.ErrEmptyValue,
			"record requires a registration id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RegistrationID] = *rec
	return nil
}

// Load returns the stored record or shared.ErrNotFound.
func (s *Store) Load(ctx context.Context, registrationID string) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[registrationID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copy := rec
	return &copy, nil
}

// Clear removes the record; clearing an absent record is a no-op.
func (s *Store) Clear(ctx context.Context, registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, registrationID)
	return nil
}
