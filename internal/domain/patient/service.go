package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careguard/internal/domain/scheduling"
)

// exportPageSize bounds how many appointments one export pulls per query.
const exportPageSize = 200

type Service struct {
	repo  Repository
	slots scheduling.Store
	now   func() time.Time
}

func NewService(repo Repository, slots scheduling.Store) *Service {
	return &Service{repo: repo, slots: slots, now: func() time.Time { return time.Now().UTC() }}
}

// CreatePatient stores p under tenantID. The tenant always comes from
// the caller's principal, never from the request body.
func (s *Service) CreatePatient(ctx context.Context, tenantID string, p *Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.ID = uuid.Nil
	p.TenantID = tenantID
	p.Active = true
	p.ArchivedAt = nil
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, p)
}

// ArchivePatient is idempotent; archiving twice keeps the first timestamp.
func (s *Service) ArchivePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if _, err := s.repo.Archive(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, tenantID string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.ListByTenant(ctx, tenantID, limit, offset)
}

// Export is the data-portability bundle for one patient.
type Export struct {
	Patient      *Patient          `json:"patient"`
	Appointments []*scheduling.Slot `json:"appointments"`
	ExportedAt   time.Time         `json:"exported_at"`
	Format       string            `json:"format"`
}

// ExportPatient gathers the patient record and every appointment booked
// for them within the patient's own tenant.
func (s *Service) ExportPatient(ctx context.Context, id uuid.UUID) (*Export, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Export{Patient: p, Appointments: []*scheduling.Slot{}, ExportedAt: s.now(), Format: "json"}
	if s.slots == nil {
		return out, nil
	}
	pid := p.ID
	for offset := 0; ; offset += exportPageSize {
		page, total, err := s.slots.List(ctx, scheduling.ListQuery{
			TenantID:  p.TenantID,
			PatientID: &pid,
			Limit:     exportPageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, fmt.Errorf("patient: export appointments: %w", err)
		}
		out.Appointments = append(out.Appointments, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	return out, nil
}
