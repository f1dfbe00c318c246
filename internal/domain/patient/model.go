package patient

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

// FieldError reports a single invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Patient maps to the patients table.
type Patient struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       string     `json:"tenant_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Email          *string    `json:"email,omitempty"`
	Phone          *string    `json:"phone,omitempty"`
	PractitionerID *uuid.UUID `json:"practitioner_id,omitempty"`
	Active         bool       `json:"active"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the fields a caller supplies on create and update.
func (p *Patient) Validate() error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.FirstName == "" {
		return &FieldError{Field: "first_name", Message: "is required"}
	}
	if p.LastName == "" {
		return &FieldError{Field: "last_name", Message: "is required"}
	}
	if p.BirthDate != nil && p.BirthDate.After(time.Now()) {
		return &FieldError{Field: "birth_date", Message: "must not be in the future"}
	}
	if p.Email != nil && *p.Email != "" {
		if _, err := mail.ParseAddress(*p.Email); err != nil {
			return &FieldError{Field: "email", Message: "is not a valid address"}
		}
	}
	return nil
}
