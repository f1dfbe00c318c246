package access

import (
	"context"
	"errors"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/session"
)

// ErrTargetNotFound is returned by a TargetLoader when the record does
// not exist.
var ErrTargetNotFound = errors.New("target not found")

// Kind is the terminal outcome of one operation.
type Kind string

const (
	KindAllowed         Kind = "allowed"
	KindReserved        Kind = "reserved"
	KindSeries          Kind = "series"
	KindConflict        Kind = "conflict"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindInvalid         Kind = "invalid"
	KindFailed          Kind = "failed"
)

// Machine-readable error codes returned to clients.
const (
	CodeUnauthorized            = "unauthorized"
	CodeSessionExpired          = "session_expired"
	CodeSessionInvalid          = "session_invalid"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeCrossTenant             = "cross_tenant"
	CodeNotOwnData              = "not_own_data"
	CodeNotFound                = "not_found"
	CodeSchedulingConflict      = "scheduling_conflict"
	CodeInternal                = "internal_error"
)

// Target is the record an operation acts on, reduced to the facts the
// tenant guard and the permission predicates need. Record carries the
// loaded value for the handler.
type Target struct {
	ID        string
	TenantID  string
	PatientID string
	OwnerID   string
	Record    any
}

// TargetLoader fetches the operation's target record.
type TargetLoader func(ctx context.Context) (*Target, error)

// ScheduleWrite is the reservation a scheduling operation asks for.
// Recurrence nil means a single slot. Practitioner loads the owner of the
// calendar being booked; it must share the caller's tenant.
type ScheduleWrite struct {
	Request      scheduling.Request
	Recurrence   *scheduling.Recurrence
	Practitioner TargetLoader
}

// Operation describes one inbound request.
type Operation struct {
	Name     string
	Resource auth.Resource
	Action   auth.Action
	// Context holds facts known before any record is loaded.
	Context auth.AccessContext
	Target  TargetLoader
	// Schedule is set for scheduling writes.
	Schedule *ScheduleWrite
	// PatientData marks operations that read or change patient data.
	// Allowed outcomes of such operations are audited too.
	PatientData bool
}

// Outcome is the single result the HTTP layer maps to a response.
type Outcome struct {
	Kind        Kind
	Code        string
	Message     string
	Stage       string
	Principal   *auth.Principal
	Session     *session.Record
	Verdict     session.Verdict
	Decision    auth.Decision
	Target      *Target
	Reservation *scheduling.Outcome
	Series      *scheduling.SeriesResult
	// Audited reports whether the audit sink accepted the event for this
	// outcome.
	Audited bool
	Err     error
}

// OK reports whether the operation may proceed or has completed.
func (o Outcome) OK() bool {
	switch o.Kind {
	case KindAllowed, KindReserved, KindSeries:
		return true
	}
	return false
}

// denyCode maps a permission deny reason to the client-facing code.
func denyCode(r auth.DenyReason) string {
	switch r {
	case auth.ReasonCrossTenant:
		return CodeCrossTenant
	case auth.ReasonNotOwnData:
		return CodeNotOwnData
	default:
		return CodeInsufficientPermissions
	}
}

func denyMessage(r auth.DenyReason) string {
	switch r {
	case auth.ReasonCrossTenant:
		return "the record belongs to another organization"
	case auth.ReasonNotOwnData:
		return "patients may only access their own records"
	case auth.ReasonMissingContext:
		return "the request lacks the context needed to authorize it"
	case auth.ReasonNotOwner:
		return "only the record owner may perform this action"
	default:
		return "your role does not permit this action"
	}
}
