package scheduling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careguard/internal/platform/telemetry"
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 240
)

// Request proposes a single slot.
type Request struct {
	TenantID        string
	PractitionerID  uuid.UUID
	PatientID       uuid.UUID
	Date            time.Time
	Start           Clock
	DurationMinutes int
	AppointmentType AppointmentType
	Location        string
	Notes           string
	Mode            ConflictMode
	CreatedBy       string
	RequiresCosign  bool
	SeriesID        *uuid.UUID
}

// Validate checks the rules that do not depend on the calendar or on
// other slots.
func (r Request) Validate() error {
	if r.PractitionerID == uuid.Nil || r.PatientID == uuid.Nil {
		return ErrMissingParticipant
	}
	if !r.AppointmentType.Valid() {
		return ruleErrorf(ErrInvalidAppointmentType, "%q", r.AppointmentType)
	}
	if r.DurationMinutes < MinDurationMinutes || r.DurationMinutes > MaxDurationMinutes {
		return ruleErrorf(ErrInvalidDuration, "got %d", r.DurationMinutes)
	}
	if r.Start < 0 || r.Start >= MinutesPerDay {
		return ErrInvalidStart
	}
	if int(r.Start)+r.DurationMinutes > MinutesPerDay {
		return ErrCrossesMidnight
	}
	if r.AppointmentType.SlotType() == SlotHomeVisit && r.Location == "" {
		return ErrLocationRequired
	}
	if r.Mode != "" && !r.Mode.Valid() {
		return ruleErrorf(ErrInvalidMode, "%q", r.Mode)
	}
	return nil
}

func (r Request) key() DayKey {
	return DayKey{TenantID: r.TenantID, PractitionerID: r.PractitionerID, Date: day(r.Date)}
}

func (r Request) slot(now time.Time) *Slot {
	return &Slot{
		ID:              uuid.New(),
		TenantID:        r.TenantID,
		PractitionerID:  r.PractitionerID,
		PatientID:       r.PatientID,
		Date:            day(r.Date),
		Start:           r.Start,
		DurationMinutes: r.DurationMinutes,
		AppointmentType: r.AppointmentType,
		SlotType:        r.AppointmentType.SlotType(),
		Status:          StatusScheduled,
		Location:        r.Location,
		Notes:           r.Notes,
		CreatedBy:       r.CreatedBy,
		RequiresCosign:  r.RequiresCosign,
		SeriesID:        r.SeriesID,
		CreatedAt:       now,
	}
}

// Conflict describes why a proposal was refused. Existing is kept for
// server-side logging; only its time window is rendered to clients.
type Conflict struct {
	Existing    *Slot
	Suggestions []Clock
}

func (c *Conflict) MarshalJSON() ([]byte, error) {
	type window struct {
		Start Clock `json:"start_time"`
		End   Clock `json:"end_time"`
	}
	suggestions := c.Suggestions
	if suggestions == nil {
		suggestions = []Clock{}
	}
	return json.Marshal(struct {
		Existing    window  `json:"existing"`
		Suggestions []Clock `json:"suggestions"`
	}{window{c.Existing.Start, c.Existing.End()}, suggestions})
}

// Outcome is exactly one of Reserved or Conflict.
type Outcome struct {
	Reserved *Slot     `json:"reserved,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

func (o Outcome) IsConflict() bool {
	return o.Conflict != nil
}

type Options struct {
	MaxSuggestions int
	StepMinutes    int
}

func DefaultOptions() Options {
	return Options{MaxSuggestions: 3, StepMinutes: 15}
}

// Resolver enforces the no-overlap invariant per practitioner day and
// proposes alternatives when a request collides.
type Resolver struct {
	store    Store
	calendar Calendar
	opts     Options
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func NewResolver(store Store, calendar Calendar, opts Options, metrics *telemetry.Metrics) *Resolver {
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = DefaultOptions().MaxSuggestions
	}
	if opts.StepMinutes <= 0 {
		opts.StepMinutes = DefaultOptions().StepMinutes
	}
	return &Resolver{
		store:    store,
		calendar: calendar,
		opts:     opts,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for read paths.
func (r *Resolver) Store() Store {
	return r.store
}

// gate applies the calendar rules. Emergency and home visit slots are
// exempt from operating hours.
func (r *Resolver) gate(req Request) (OperatingHours, error) {
	hours := r.calendar.HoursFor(req.TenantID)
	if req.AppointmentType.SlotType() == SlotOrdinary {
		if err := hours.Admits(req.Date, req.Start, req.DurationMinutes); err != nil {
			return nil, err
		}
	}
	return hours, nil
}

// CheckAndReserve atomically checks req against the practitioner's
// existing slots and stores it if nothing blocking overlaps. Two
// concurrent calls for overlapping windows never both reserve.
func (r *Resolver) CheckAndReserve(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		r.metrics.Reservation("rejected")
		return Outcome{}, err
	}
	hours, err := r.gate(req)
	if err != nil {
		r.metrics.Reservation("rejected")
		return Outcome{}, err
	}

	var out Outcome
	err = r.store.WithinDays(ctx, []DayKey{req.key()}, func(tx DayTx) error {
		var err error
		out, err = r.reserve(ctx, tx, req, hours)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	r.observe(out)
	return out, nil
}

func (r *Resolver) reserve(ctx context.Context, tx DayTx, req Request, hours OperatingHours) (Outcome, error) {
	existing, err := tx.Slots(ctx, req.key())
	if err != nil {
		return Outcome{}, err
	}
	candidate := req.slot(r.now())
	for _, e := range existing {
		if e.Status.Blocking() && candidate.Overlaps(e) {
			c := &Conflict{Existing: e}
			if req.Mode != ModePrevent {
				c.Suggestions = suggest(existing, req, hours, r.opts)
			}
			return Outcome{Conflict: c}, nil
		}
	}
	if err := tx.Insert(ctx, candidate); err != nil {
		return Outcome{}, err
	}
	return Outcome{Reserved: candidate}, nil
}

func (r *Resolver) observe(out Outcome) {
	if out.IsConflict() {
		r.metrics.Reservation("conflict")
		return
	}
	r.metrics.Reservation("reserved")
}

// Cancel releases a slot. Completed and no-show appointments are final.
func (r *Resolver) Cancel(ctx context.Context, id uuid.UUID) (*Slot, error) {
	sl, moved, err := r.store.Transition(ctx, id, StatusCancelled, StatusScheduled, StatusConfirmed)
	if err != nil {
		return nil, err
	}
	if !moved && sl.Status != StatusCancelled {
		return nil, ruleErrorf(ErrInvalidTransition, "status is %s", sl.Status)
	}
	return sl, nil
}
