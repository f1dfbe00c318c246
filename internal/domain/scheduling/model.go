package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for appointment dates.
const DateLayout = "2006-01-02"

// MinutesPerDay bounds every slot: nothing may run past midnight.
const MinutesPerDay = 24 * 60

// Clock is a wall-clock time of day in minutes after midnight. It is
// encoded as "HH:MM".
type Clock int

// ParseClock parses "HH:MM". "24:00" is accepted as an end-of-day bound.
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q: out of range", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseDate parses a YYYY-MM-DD date into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return d, nil
}

// day truncates t to UTC midnight of its calendar date.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type AppointmentType string

const (
	TypeInitialConsultation AppointmentType = "initial_consultation"
	TypeFollowup            AppointmentType = "followup"
	TypeEvaluation          AppointmentType = "evaluation"
	TypeReassessment        AppointmentType = "reassessment"
	TypeGroupSession        AppointmentType = "group_session"
	TypeEmergency           AppointmentType = "emergency"
	TypeHomeVisit           AppointmentType = "home_visit"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeInitialConsultation, TypeFollowup, TypeEvaluation, TypeReassessment,
		TypeGroupSession, TypeEmergency, TypeHomeVisit:
		return true
	}
	return false
}

// SlotType decides which scheduling rules apply to a slot.
type SlotType string

const (
	SlotOrdinary  SlotType = "ordinary"
	SlotEmergency SlotType = "emergency"
	SlotHomeVisit SlotType = "home_visit"
)

func (t AppointmentType) SlotType() SlotType {
	switch t {
	case TypeEmergency:
		return SlotEmergency
	case TypeHomeVisit:
		return SlotHomeVisit
	}
	return SlotOrdinary
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// Blocking reports whether a slot with this status occupies its window.
func (s Status) Blocking() bool {
	return s != StatusCancelled
}

// ConflictMode selects how a conflicting request is answered.
type ConflictMode string

const (
	ModePrevent            ConflictMode = "prevent"
	ModeSuggestAlternative ConflictMode = "suggest_alternative"
	// ModeAllow is accepted for compatibility and answered like
	// ModeSuggestAlternative: overlapping reservations are never stored.
	ModeAllow ConflictMode = "allow"
)

func (m ConflictMode) Valid() bool {
	return m == ModePrevent || m == ModeSuggestAlternative || m == ModeAllow
}

// Slot is a reserved appointment on one practitioner's calendar. It
// occupies the half-open window [Start, Start+DurationMinutes).
type Slot struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        string          `json:"tenant_id"`
	PractitionerID  uuid.UUID       `json:"practitioner_id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	Date            time.Time       `json:"-"`
	Start           Clock           `json:"start_time"`
	DurationMinutes int             `json:"duration_minutes"`
	AppointmentType AppointmentType `json:"appointment_type"`
	SlotType        SlotType        `json:"slot_type"`
	Status          Status          `json:"status"`
	Location        string          `json:"location,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedBy       string          `json:"created_by"`
	RequiresCosign  bool            `json:"requires_cosign"`
	SeriesID        *uuid.UUID      `json:"series_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (s *Slot) End() Clock {
	return s.Start + Clock(s.DurationMinutes)
}

// Overlaps reports whether the two windows intersect on the same date.
// Back-to-back slots (one ends exactly when the other starts) do not.
func (s *Slot) Overlaps(o *Slot) bool {
	if !day(s.Date).Equal(day(o.Date)) {
		return false
	}
	return s.Start < o.End() && o.Start < s.End()
}

func (s Slot) MarshalJSON() ([]byte, error) {
	type alias Slot
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
		End  Clock  `json:"end_time"`
	}{alias(s), s.Date.Format(DateLayout), s.End()})
}
