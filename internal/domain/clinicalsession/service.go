package clinicalsession

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSession stores s. Tenant, patient and owner are set by the caller
// from the authorized request; signature fields always start empty.
func (svc *Service) CreateSession(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.ID = uuid.Nil
	s.CosignedBy, s.CosignedAt = nil, nil
	return svc.repo.Create(ctx, s)
}

func (svc *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return svc.repo.GetByID(ctx, id)
}

func (svc *Service) UpdateSession(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return svc.repo.Update(ctx, s)
}

func (svc *Service) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return svc.repo.Delete(ctx, id)
}

// Cosign signs off a trainee's session. Signing twice keeps the first
// signature.
func (svc *Service) Cosign(ctx context.Context, id uuid.UUID, by string) (*Session, error) {
	s, err := svc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.RequiresCosign {
		return nil, ErrCosignNotRequired
	}
	if _, err := svc.repo.Cosign(ctx, id, by, svc.now()); err != nil {
		return nil, err
	}
	return svc.repo.GetByID(ctx, id)
}

func (svc *Service) ListForPatient(ctx context.Context, tenantID string, patientID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	return svc.repo.ListByPatient(ctx, tenantID, patientID, limit, offset)
}

// AddPainPoint charts p on session s. The point inherits the session's
// tenant.
func (svc *Service) AddPainPoint(ctx context.Context, s *Session, p *PainPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.ID = uuid.Nil
	p.SessionID = s.ID
	p.TenantID = s.TenantID
	return svc.repo.AddPainPoint(ctx, p)
}

func (svc *Service) PainPoints(ctx context.Context, sessionID uuid.UUID) ([]*PainPoint, error) {
	return svc.repo.PainPoints(ctx, sessionID)
}
