package patient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository does not filter by tenant. Callers run the tenant guard
// against the returned record before using it.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	// Archive marks the patient inactive. It reports false when the
	// patient was already archived.
	Archive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Patient, int, error)
}

type MemoryRepo struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{patients: make(map[uuid.UUID]Patient)}
}

func (m *MemoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.TenantID = cur.TenantID
	p.CreatedAt = cur.CreatedAt
	p.Active, p.ArchivedAt = cur.Active, cur.ArchivedAt
	p.UpdatedAt = time.Now().UTC()
	m.patients[p.ID] = *p
	return nil
}

func (m *MemoryRepo) Archive(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.ArchivedAt != nil {
		return false, nil
	}
	p.Active = false
	p.ArchivedAt = &at
	p.UpdatedAt = at
	m.patients[id] = p
	return true, nil
}

func (m *MemoryRepo) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*Patient, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Patient
	for _, p := range m.patients {
		if p.TenantID == tenantID {
			cp := p
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastName != all[j].LastName {
			return all[i].LastName < all[j].LastName
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
