// Package session tracks server-side login sessions: inactivity
// timeouts, refresh limits and idempotent termination.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careguard/internal/platform/auth"
)

type State string

const (
	StateValid      State = "valid"
	StateNearExpiry State = "near_expiry"
	StateExpired    State = "expired"
	StateInvalid    State = "invalid"
)

// Active reports whether requests may proceed under this state.
func (s State) Active() bool {
	return s == StateValid || s == StateNearExpiry
}

// Termination reasons stored on the record.
const (
	ReasonTimeout         = "timeout"
	ReasonLogout          = "logout"
	ReasonMaxRefresh      = "max_refresh_attempts"
	ReasonPrincipalChange = "principal_mismatch"
)

// Record is the persisted session. LastActivityAt only moves forward.
type Record struct {
	ID                uuid.UUID     `json:"id"`
	PrincipalID       string        `json:"principal_id"`
	Role              auth.Role     `json:"role"`
	TenantID          string        `json:"tenant_id"`
	PatientID         string        `json:"patient_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	Timeout           time.Duration `json:"-"`
	RefreshAttempts   int           `json:"refresh_attempts"`
	TerminatedAt      *time.Time    `json:"terminated_at,omitempty"`
	TerminationReason string        `json:"termination_reason,omitempty"`
}

// Principal returns the identity bound to the session.
func (r *Record) Principal() auth.Principal {
	return auth.Principal{
		ID:        r.PrincipalID,
		Role:      r.Role,
		TenantID:  r.TenantID,
		PatientID: r.PatientID,
		SessionID: r.ID.String(),
	}
}

// Policy holds the per-role timeout budgets and refresh rules.
type Policy struct {
	Budgets            map[auth.Role]time.Duration
	RefreshThreshold   time.Duration
	MaxRefreshAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Budgets: map[auth.Role]time.Duration{
			auth.RoleAdmin:        30 * time.Minute,
			auth.RolePractitioner: 30 * time.Minute,
			auth.RoleTrainee:      30 * time.Minute,
			auth.RolePatient:      7 * 24 * time.Hour,
		},
		RefreshThreshold:   5 * time.Minute,
		MaxRefreshAttempts: 12,
	}
}

// Budget returns the inactivity timeout for role.
func (p Policy) Budget(role auth.Role) (time.Duration, error) {
	d, ok := p.Budgets[role]
	if !ok || d <= 0 {
		return 0, fmt.Errorf("session: no timeout budget for role %q", role)
	}
	return d, nil
}

func (p Policy) Validate() error {
	for _, r := range auth.Roles {
		if _, err := p.Budget(r); err != nil {
			return err
		}
	}
	if p.RefreshThreshold <= 0 {
		return fmt.Errorf("session: refresh threshold must be positive")
	}
	if p.MaxRefreshAttempts <= 0 {
		return fmt.Errorf("session: max refresh attempts must be positive")
	}
	return nil
}

// Verdict is the result of evaluating a session at an instant.
type Verdict struct {
	State         State         `json:"state"`
	ShouldRefresh bool          `json:"should_refresh"`
	ShouldLogout  bool          `json:"should_logout"`
	Remaining     time.Duration `json:"-"`
	Reason        string        `json:"reason,omitempty"`
}

// Evaluate classifies rec at now. It never mutates rec.
//
// A session is expired once now - LastActivityAt >= timeout. It is near
// expiry once the remaining budget drops below RefreshThreshold.
func (p Policy) Evaluate(rec *Record, now time.Time) Verdict {
	if rec == nil {
		return Verdict{State: StateInvalid, ShouldLogout: true, Reason: "not_found"}
	}
	if rec.TerminatedAt != nil {
		return Verdict{State: StateInvalid, ShouldLogout: true, Reason: rec.TerminationReason}
	}
	if rec.RefreshAttempts > p.MaxRefreshAttempts {
		return Verdict{State: StateInvalid, ShouldLogout: true, Reason: ReasonMaxRefresh}
	}

	timeout := rec.Timeout
	if timeout <= 0 {
		var err error
		if timeout, err = p.Budget(rec.Role); err != nil {
			return Verdict{State: StateInvalid, ShouldLogout: true, Reason: "unknown_role"}
		}
	}

	elapsed := now.Sub(rec.LastActivityAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= timeout {
		return Verdict{State: StateExpired, ShouldLogout: true, Reason: ReasonTimeout}
	}

	remaining := timeout - elapsed
	if remaining < p.RefreshThreshold {
		return Verdict{State: StateNearExpiry, ShouldRefresh: true, Remaining: remaining}
	}
	return Verdict{State: StateValid, Remaining: remaining}
}
