package clinicalsession

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository does not filter by tenant. Callers run the tenant guard
// against the returned session before using it.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// Update writes the clinical fields only; ownership, tenant and
	// co-signature are fixed at creation or by Cosign.
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Cosign records the signature once. It reports false when the
	// session was already co-signed.
	Cosign(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error)
	ListByPatient(ctx context.Context, tenantID string, patientID uuid.UUID, limit, offset int) ([]*Session, int, error)
	AddPainPoint(ctx context.Context, p *PainPoint) error
	PainPoints(ctx context.Context, sessionID uuid.UUID) ([]*PainPoint, error)
}

type MemoryRepo struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Session
	points   map[uuid.UUID][]PainPoint
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[uuid.UUID]Session), points: make(map[uuid.UUID][]PainPoint)}
}

func (m *MemoryRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepo) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Type, cur.Date, cur.Notes = s.Type, s.Date, s.Notes
	cur.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = cur
	*s = cur
	return nil
}

func (m *MemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.points, id)
	return nil
}

func (m *MemoryRepo) Cosign(_ context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.CosignedAt != nil {
		return false, nil
	}
	s.CosignedBy, s.CosignedAt = &by, &at
	s.UpdatedAt = at
	m.sessions[id] = s
	return true, nil
}

func (m *MemoryRepo) ListByPatient(_ context.Context, tenantID string, patientID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	m.mu.RLock()
	var all []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.PatientID == patientID {
			cp := s
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.After(all[j].Date)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepo) AddPainPoint(_ context.Context, p *PainPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[p.SessionID]; !ok {
		return ErrNotFound
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	m.points[p.SessionID] = append(m.points[p.SessionID], *p)
	return nil
}

func (m *MemoryRepo) PainPoints(_ context.Context, sessionID uuid.UUID) ([]*PainPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PainPoint, 0, len(m.points[sessionID]))
	for _, p := range m.points[sessionID] {
		cp := p
		out = append(out, &cp)
	}
	return out, nil
}
