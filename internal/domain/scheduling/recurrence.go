package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Pattern string

const (
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
)

const MaxOccurrences = 52

// Recurrence repeats a request. In all-or-nothing mode either every
// instance is reserved or none is.
type Recurrence struct {
	Pattern      Pattern `json:"pattern"`
	Count        int     `json:"count"`
	AllOrNothing bool    `json:"all_or_nothing"`
}

func (r Recurrence) Validate() error {
	switch r.Pattern {
	case PatternDaily, PatternWeekly, PatternMonthly:
	default:
		return ruleErrorf(ErrInvalidRecurrence, "pattern %q", r.Pattern)
	}
	if r.Count < 1 || r.Count > MaxOccurrences {
		return ruleErrorf(ErrInvalidRecurrence, "count %d", r.Count)
	}
	return nil
}

// Occurrences yields the dates of a series one at a time.
type Occurrences struct {
	first   time.Time
	pattern Pattern
	count   int
	i       int
}

func (r Recurrence) Occurrences(first time.Time) *Occurrences {
	return &Occurrences{first: day(first), pattern: r.Pattern, count: r.Count}
}

// Next returns the next date, or false once the series is exhausted.
func (o *Occurrences) Next() (time.Time, bool) {
	if o.i >= o.count {
		return time.Time{}, false
	}
	var d time.Time
	switch o.pattern {
	case PatternDaily:
		d = o.first.AddDate(0, 0, o.i)
	case PatternWeekly:
		d = o.first.AddDate(0, 0, 7*o.i)
	case PatternMonthly:
		d = addMonthsClamped(o.first, o.i)
	default:
		return time.Time{}, false
	}
	o.i++
	return d, true
}

// addMonthsClamped moves t forward n months, landing on the last day of
// the target month when t's day does not exist there.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, time.UTC)
}

type InstanceStatus string

const (
	InstanceReserved   InstanceStatus = "reserved"
	InstanceConflict   InstanceStatus = "conflict"
	InstanceRejected   InstanceStatus = "rejected"
	InstanceRolledBack InstanceStatus = "rolled_back"
)

// InstanceOutcome is the result for one date of a series.
type InstanceOutcome struct {
	Date     time.Time
	Status   InstanceStatus
	Slot     *Slot
	Conflict *Conflict
	Err      error
}

func (o InstanceOutcome) MarshalJSON() ([]byte, error) {
	v := struct {
		Date        string    `json:"date"`
		Status      string    `json:"status"`
		Appointment *Slot     `json:"appointment,omitempty"`
		Conflict    *Conflict `json:"conflict,omitempty"`
		ErrorCode   string    `json:"error_code,omitempty"`
		Error       string    `json:"error,omitempty"`
	}{
		Date:        o.Date.Format(DateLayout),
		Status:      string(o.Status),
		Appointment: o.Slot,
		Conflict:    o.Conflict,
	}
	if re, ok := AsRuleError(o.Err); ok {
		v.ErrorCode = re.Code
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}

// SeriesResult reports every instance of a recurring request in date order.
type SeriesResult struct {
	SeriesID     uuid.UUID         `json:"series_id"`
	AllOrNothing bool              `json:"all_or_nothing"`
	Instances    []InstanceOutcome `json:"instances"`
}

func (s SeriesResult) Reserved() int {
	n := 0
	for _, i := range s.Instances {
		if i.Status == InstanceReserved {
			n++
		}
	}
	return n
}

// FirstConflict returns the earliest conflicting instance, if any.
func (s SeriesResult) FirstConflict() *InstanceOutcome {
	for i := range s.Instances {
		if s.Instances[i].Status == InstanceConflict {
			return &s.Instances[i]
		}
	}
	return nil
}

var errSeriesAborted = errors.New("series aborted")

// ReserveSeries reserves req on every date of rec starting at req.Date.
// Rule violations of individual dates are reported per instance; only
// store failures are returned as errors.
func (r *Resolver) ReserveSeries(ctx context.Context, req Request, rec Recurrence) (SeriesResult, error) {
	if err := rec.Validate(); err != nil {
		return SeriesResult{}, err
	}
	if err := req.Validate(); err != nil {
		return SeriesResult{}, err
	}

	seriesID := uuid.New()
	req.SeriesID = &seriesID
	res := SeriesResult{SeriesID: seriesID, AllOrNothing: rec.AllOrNothing}

	var reqs []Request
	occ := rec.Occurrences(req.Date)
	for d, ok := occ.Next(); ok; d, ok = occ.Next() {
		inst := req
		inst.Date = d
		reqs = append(reqs, inst)
	}

	if !rec.AllOrNothing {
		for _, inst := range reqs {
			out, err := r.CheckAndReserve(ctx, inst)
			if _, ok := AsRuleError(err); ok {
				res.Instances = append(res.Instances, InstanceOutcome{Date: inst.Date, Status: InstanceRejected, Err: err})
				continue
			}
			if err != nil {
				return res, err
			}
			res.Instances = append(res.Instances, instanceFrom(inst.Date, out))
		}
		return res, nil
	}

	return r.reserveAll(ctx, reqs, res)
}

func (r *Resolver) reserveAll(ctx context.Context, reqs []Request, res SeriesResult) (SeriesResult, error) {
	res.Instances = make([]InstanceOutcome, len(reqs))
	hours := make([]OperatingHours, len(reqs))
	rejected := false
	for i, inst := range reqs {
		res.Instances[i] = InstanceOutcome{Date: inst.Date, Status: InstanceRolledBack}
		h, err := r.gate(inst)
		if err != nil {
			res.Instances[i] = InstanceOutcome{Date: inst.Date, Status: InstanceRejected, Err: err}
			rejected = true
			continue
		}
		hours[i] = h
	}
	if rejected {
		r.metrics.Reservation("rejected")
		return res, nil
	}

	keys := make([]DayKey, len(reqs))
	for i, inst := range reqs {
		keys[i] = inst.key()
	}

	reserved := make([]*Slot, len(reqs))
	err := r.store.WithinDays(ctx, keys, func(tx DayTx) error {
		failed := false
		for i, inst := range reqs {
			out, err := r.reserve(ctx, tx, inst, hours[i])
			if err != nil {
				return err
			}
			if out.IsConflict() {
				res.Instances[i] = instanceFrom(inst.Date, out)
				failed = true
				continue
			}
			reserved[i] = out.Reserved
		}
		if failed {
			return errSeriesAborted
		}
		return nil
	})
	if errors.Is(err, errSeriesAborted) {
		r.metrics.Reservation("conflict")
		return res, nil
	}
	if err != nil {
		return SeriesResult{}, err
	}

	for i, sl := range reserved {
		res.Instances[i] = InstanceOutcome{Date: reqs[i].Date, Status: InstanceReserved, Slot: sl}
	}
	r.metrics.Reservation("reserved")
	return res, nil
}

func instanceFrom(date time.Time, out Outcome) InstanceOutcome {
	if out.IsConflict() {
		return InstanceOutcome{Date: date, Status: InstanceConflict, Conflict: out.Conflict}
	}
	return InstanceOutcome{Date: date, Status: InstanceReserved, Slot: out.Reserved}
}
