package scheduling

import (
	"errors"
	"fmt"
)

// RuleError is a request rejected by a scheduling rule. Store and
// transport failures are never RuleErrors.
type RuleError struct {
	Code    string
	Field   string
	Message string
}

func (e *RuleError) Error() string {
	return e.Message
}

var (
	ErrInvalidAppointmentType = &RuleError{Code: "invalid_appointment_type", Field: "appointment_type", Message: "unknown appointment type"}
	ErrInvalidDuration        = &RuleError{Code: "invalid_duration", Field: "duration_minutes", Message: "duration must be between 15 and 240 minutes"}
	ErrInvalidStart           = &RuleError{Code: "invalid_start_time", Field: "start_time", Message: "start time must be within the day"}
	ErrCrossesMidnight        = &RuleError{Code: "crosses_midnight", Field: "duration_minutes", Message: "appointment may not run past midnight"}
	ErrLocationRequired       = &RuleError{Code: "location_required", Field: "location", Message: "home visits require a location"}
	ErrInvalidMode            = &RuleError{Code: "invalid_conflict_mode", Field: "conflict_mode", Message: "unknown conflict mode"}
	ErrOutsideBusinessHours   = &RuleError{Code: "outside_business_hours", Field: "start_time", Message: "appointment falls outside business hours"}
	ErrClosedWeekday          = &RuleError{Code: "closed_weekday", Field: "date", Message: "the clinic is closed on this weekday"}
	ErrInvalidRecurrence      = &RuleError{Code: "invalid_recurrence", Field: "recurrence", Message: "recurrence needs a daily, weekly or monthly pattern and 1 to 52 occurrences"}
	ErrInvalidTransition      = &RuleError{Code: "invalid_status_transition", Field: "status", Message: "appointment can no longer be cancelled"}
	ErrMissingParticipant     = &RuleError{Code: "missing_participant", Field: "practitioner_id", Message: "practitioner and patient are required"}
	ErrUnknownPractitioner    = &RuleError{Code: "unknown_practitioner", Field: "practitioner_id", Message: "practitioner does not exist"}
)

var ErrNotFound = errors.New("appointment not found")

// AsRuleError extracts the rule violation wrapped in err, if any.
func AsRuleError(err error) (*RuleError, bool) {
	var re *RuleError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func ruleErrorf(base *RuleError, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{base}, args...)...)
}
