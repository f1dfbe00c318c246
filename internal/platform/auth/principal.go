package auth

import (
	"context"
	"errors"
	"fmt"
)

// Role is the single role a principal acts under for a request.
type Role string

const (
	RoleAdmin        Role = "admin"
	RolePractitioner Role = "practitioner"
	RoleTrainee      Role = "trainee"
	RolePatient      Role = "patient"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleAdmin, RolePractitioner, RoleTrainee, RolePatient}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePractitioner, RoleTrainee, RolePatient:
		return true
	}
	return false
}

// ParseRole converts s into a Role, rejecting anything unknown.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

var (
	ErrUnknownRole     = errors.New("unknown role")
	ErrUnknownResource = errors.New("unknown resource")
	ErrUnknownAction   = errors.New("unknown action")
)

// Principal is the authenticated caller of a single request. It is
// built from verified token claims and then confirmed against the
// session record; it is never read from unverified input.
type Principal struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	TenantID  string `json:"tenant_id"`
	PatientID string `json:"patient_id,omitempty"`
	SessionID string `json:"-"`
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal stored by the bearer
// middleware. ok is false for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
