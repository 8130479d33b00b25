package merchant

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Persister mirrors the current credential to durable storage.
type Persister interface {
	// Load returns the stored record, or nil when nothing is stored.
	Load(ctx context.Context) (*Record, error)
	// Save stores record, replacing any previous credential.
	Save(ctx context.Context, record *Record) error
	// Clear removes the stored credential.
	Clear(ctx context.Context) error
}

// Watcher is implemented by persisters that can report external changes.
type Watcher interface {
	// Watch calls onChange whenever the stored credential may have changed,
	// until ctx is cancelled.
	Watch(ctx context.Context, onChange func()) error
}

// CredentialStore holds the process-wide credential and mirrors writes to an optional Persister.
// Reads never block on persistence.
type CredentialStore struct {
	mu        sync.RWMutex
	record    *Record
	writeMu   sync.Mutex
	persister Persister
}

// NewCredentialStore creates an empty store. persister may be nil for an in-memory store.
func NewCredentialStore(persister Persister) *CredentialStore {
	return &CredentialStore{persister: persister}
}

// Load replaces the in-memory record with the persisted one.
// An incomplete persisted record is ignored.
func (s *CredentialStore) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if record != nil && !record.Complete() {
		log.Debug("ignoring incomplete persisted credential")
		record = nil
	}
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current record, or nil.
func (s *CredentialStore) Get() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone()
}

// HasValidTokens reports whether the current record is complete and unexpired at now.
func (s *CredentialStore) HasValidTokens(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.HasValidTokens(now)
}

// Set replaces the current record and persists it. Incomplete records are rejected
// without touching the store. A persistence failure is returned after the in-memory
// record has been updated.
func (s *CredentialStore) Set(ctx context.Context, record *Record) error {
	if !record.Complete() {
		return NewAuthenticationError(ErrIncompleteCredential, nil)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.record = record.Clone()
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, record); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Clear removes the current record from memory and from the persister.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.record = nil
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.Clear(ctx); err != nil {
		return fmt.Errorf("clear persisted credential: %w", err)
	}
	return nil
}

// Persister returns the backing persister, or nil.
func (s *CredentialStore) Persister() Persister {
	return s.persister
}
