package clinicalsession

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("clinical session not found")
	ErrCosignNotRequired = errors.New("session does not need a co-signature")
)

// FieldError reports a single invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Type string

const (
	TypeEvaluation   Type = "evaluation"
	TypeTreatment    Type = "treatment"
	TypeReassessment Type = "reassessment"
	TypeDischarge    Type = "discharge"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEvaluation, TypeTreatment, TypeReassessment, TypeDischarge:
		return true
	}
	return false
}

// MaxPainIntensity is the top of the 0-10 numeric pain scale.
const MaxPainIntensity = 10

const maxRegionLen = 100

// Session is one treatment encounter. CreatedBy owns the record; sessions
// written by trainees stay unsigned until a practitioner co-signs them.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       string     `json:"tenant_id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	Type           Type       `json:"session_type"`
	Date           time.Time  `json:"session_date"`
	Notes          string     `json:"notes"`
	CreatedBy      string     `json:"created_by"`
	RequiresCosign bool       `json:"requires_cosign"`
	CosignedBy     *string    `json:"cosigned_by,omitempty"`
	CosignedAt     *time.Time `json:"cosigned_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *Session) Validate() error {
	if s.PatientID == uuid.Nil {
		return &FieldError{Field: "patient_id", Message: "is required"}
	}
	if !s.Type.Valid() {
		return &FieldError{Field: "session_type", Message: "must be evaluation, treatment, reassessment or discharge"}
	}
	if s.Date.IsZero() {
		return &FieldError{Field: "session_date", Message: "is required"}
	}
	return nil
}

type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PainPoint is one marked region on a session's body map.
type PainPoint struct {
	ID            uuid.UUID    `json:"id"`
	SessionID     uuid.UUID    `json:"session_id"`
	TenantID      string       `json:"tenant_id"`
	BodyRegion    string       `json:"body_region"`
	PainIntensity int          `json:"pain_intensity"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	RecordedBy    string       `json:"recorded_by"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (p *PainPoint) Validate() error {
	p.BodyRegion = strings.TrimSpace(p.BodyRegion)
	if p.BodyRegion == "" {
		return &FieldError{Field: "body_region", Message: "is required"}
	}
	if len(p.BodyRegion) > maxRegionLen {
		return &FieldError{Field: "body_region", Message: fmt.Sprintf("must be at most %d characters", maxRegionLen)}
	}
	if p.PainIntensity < 0 || p.PainIntensity > MaxPainIntensity {
		return &FieldError{Field: "pain_intensity", Message: fmt.Sprintf("must be between 0 and %d", MaxPainIntensity)}
	}
	return nil
}
