package scheduling

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DayKey identifies one practitioner's calendar day within a tenant.
// It is the unit of mutual exclusion for reservations.
type DayKey struct {
	TenantID       string
	PractitionerID uuid.UUID
	Date           time.Time
}

func (k DayKey) String() string {
	return k.TenantID + "/" + k.PractitionerID.String() + "/" + k.Date.Format(DateLayout)
}

// DayTx is the view of the store inside WithinDays. Reads observe the
// transaction's own inserts.
type DayTx interface {
	// Slots returns the blocking slots of the key's day ordered by start.
	Slots(ctx context.Context, key DayKey) ([]*Slot, error)
	Insert(ctx context.Context, s *Slot) error
}

// ListQuery filters List. Nil filters match everything in the tenant.
type ListQuery struct {
	TenantID       string
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Date           *time.Time
	Limit          int
	Offset         int
}

// Store persists slots. WithinDays runs fn while holding an exclusive
// lock on every key; locks are taken in sorted key order so concurrent
// callers with overlapping key sets cannot deadlock. If fn returns an
// error nothing it inserted is kept.
type Store interface {
	WithinDays(ctx context.Context, keys []DayKey, fn func(tx DayTx) error) error
	Get(ctx context.Context, id uuid.UUID) (*Slot, error)
	List(ctx context.Context, q ListQuery) ([]*Slot, int, error)
	// Transition sets the slot's status to to when its current status is
	// one of from, as a single atomic step. It returns the slot as stored
	// afterwards and whether the status changed.
	Transition(ctx context.Context, id uuid.UUID, to Status, from ...Status) (*Slot, bool, error)
}

func sortedKeys(keys []DayKey) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s := k.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*Slot
	locks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[uuid.UUID]*Slot),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) dayLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *MemoryStore) WithinDays(ctx context.Context, keys []DayKey, fn func(tx DayTx) error) error {
	names := sortedKeys(keys)
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.dayLock(names[j]).Unlock()
			}
			return err
		}
		s.dayLock(name).Lock()
	}
	defer func() {
		for i := len(names) - 1; i >= 0; i-- {
			s.dayLock(names[i]).Unlock()
		}
	}()

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range tx.staged {
		s.slots[sl.ID] = sl
	}
	return nil
}

type memTx struct {
	store  *MemoryStore
	staged []*Slot
}

func (tx *memTx) Slots(_ context.Context, key DayKey) ([]*Slot, error) {
	match := func(sl *Slot) bool {
		return sl.TenantID == key.TenantID && sl.PractitionerID == key.PractitionerID &&
			day(sl.Date).Equal(day(key.Date)) && sl.Status.Blocking()
	}

	var out []*Slot
	tx.store.mu.Lock()
	for _, sl := range tx.store.slots {
		if match(sl) {
			cp := *sl
			out = append(out, &cp)
		}
	}
	tx.store.mu.Unlock()
	for _, sl := range tx.staged {
		if match(sl) {
			cp := *sl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (tx *memTx) Insert(_ context.Context, sl *Slot) error {
	cp := *sl
	tx.staged = append(tx.staged, &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sl
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, q ListQuery) ([]*Slot, int, error) {
	s.mu.Lock()
	var all []*Slot
	for _, sl := range s.slots {
		if sl.TenantID != q.TenantID {
			continue
		}
		if q.PractitionerID != nil && sl.PractitionerID != *q.PractitionerID {
			continue
		}
		if q.PatientID != nil && sl.PatientID != *q.PatientID {
			continue
		}
		if q.Date != nil && !day(sl.Date).Equal(day(*q.Date)) {
			continue
		}
		cp := *sl
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.Before(all[j].Date)
		}
		return all[i].Start < all[j].Start
	})

	total := len(all)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}
	return all[q.Offset:end], total, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, to Status, from ...Status) (*Slot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	moved := slices.Contains(from, sl.Status)
	if moved {
		sl.Status = to
	}
	cp := *sl
	return &cp, moved, nil
}
