package account

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careguard/internal/platform/auth"
)

var (
	ErrNotFound     = errors.New("account not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInactive     = errors.New("account disabled")
	ErrPatientLink  = errors.New("patient accounts must link a patient record")
	ErrInvalidEmail = errors.New("invalid email")
)

// Account is a login. Patient accounts carry the patient record they
// are allowed to see as their own data.
type Account struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Role         auth.Role  `json:"role"`
	PatientID    *uuid.UUID `json:"patient_id,omitempty"`
	Active       bool       `json:"active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Principal builds the request principal for a session opened by a.
func (a *Account) Principal() auth.Principal {
	p := auth.Principal{ID: a.ID.String(), Role: a.Role, TenantID: a.TenantID}
	if a.PatientID != nil {
		p.PatientID = a.PatientID.String()
	}
	return p
}
