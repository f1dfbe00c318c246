package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Store persists session records. Every mutating method must be atomic
// with respect to concurrent callers on the same session.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// Touch moves LastActivityAt forward to at; it never moves it back.
	// Terminated sessions are not touched and report ErrNotFound.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	// IncrementRefresh adds one refresh attempt, touches the session and
	// returns the new attempt count.
	IncrementRefresh(ctx context.Context, id uuid.UUID, at time.Time) (int, error)
	// Terminate marks the session ended. It reports true only for the
	// call that performed the transition.
	Terminate(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error)
}

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[uuid.UUID]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.TerminatedAt != nil {
		return ErrNotFound
	}
	if at.After(rec.LastActivityAt) {
		rec.LastActivityAt = at
	}
	return nil
}

func (s *MemoryStore) IncrementRefresh(_ context.Context, id uuid.UUID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.TerminatedAt != nil {
		return 0, ErrNotFound
	}
	rec.RefreshAttempts++
	if at.After(rec.LastActivityAt) {
		rec.LastActivityAt = at
	}
	return rec.RefreshAttempts, nil
}

func (s *MemoryStore) Terminate(_ context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.TerminatedAt != nil {
		return false, nil
	}
	t := at
	rec.TerminatedAt = &t
	rec.TerminationReason = reason
	return true, nil
}
