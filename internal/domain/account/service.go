package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careguard/internal/domain/patient"
	"github.com/ehr/careguard/internal/platform/auth"
)

// PatientLookup resolves the patient record a patient account links to.
type PatientLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Service struct {
	repo     Repository
	patients PatientLookup
	now      func() time.Time
}

func NewService(repo Repository, patients PatientLookup) *Service {
	return &Service{repo: repo, patients: patients, now: func() time.Time { return time.Now().UTC() }}
}

// NewAccount is the input for CreateAccount.
type NewAccount struct {
	TenantID  string
	Email     string
	Password  string
	Name      string
	Role      string
	PatientID *uuid.UUID
}

func (s *Service) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	role, err := auth.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, fmt.Errorf("account: tenant is required")
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEmail, in.Email)
	}

	if role == auth.RolePatient {
		if in.PatientID == nil {
			return nil, ErrPatientLink
		}
		if s.patients != nil {
			p, err := s.patients.GetByID(ctx, *in.PatientID)
			if err != nil {
				return nil, fmt.Errorf("account: linked patient: %w", err)
			}
			if d := auth.AssertSameTenant(in.TenantID, p.TenantID); !d.Allowed {
				return nil, fmt.Errorf("%w: linked patient belongs to another tenant", ErrPatientLink)
			}
		}
	} else {
		in.PatientID = nil
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	a := &Account{
		TenantID:     in.TenantID,
		Email:        strings.ToLower(addr.Address),
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Role:         role,
		PatientID:    in.PatientID,
		Active:       true,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate checks email and password. Unknown emails and wrong
// passwords both return auth.ErrBadCredentials after one bcrypt
// comparison.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	a, err := s.repo.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hash := ""
	if a != nil {
		hash = a.PasswordHash
	}
	if err := auth.CheckPassword(hash, password); err != nil {
		return nil, auth.ErrBadCredentials
	}
	if !a.Active {
		return nil, ErrInactive
	}
	if !a.Role.Valid() {
		return nil, fmt.Errorf("account %s: %w: %q", a.ID, auth.ErrUnknownRole, a.Role)
	}
	if err := s.repo.TouchLogin(ctx, a.ID, s.now()); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}
