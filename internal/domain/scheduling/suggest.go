package scheduling

// suggest scans forward from the requested start in fixed steps and
// returns up to opts.MaxSuggestions start times of the requested
// duration that overlap nothing in existing. Candidates stay inside the
// weekday's window; emergencies, and home visits on a closed weekday,
// may use the whole day.
func suggest(existing []*Slot, req Request, hours OperatingHours, opts Options) []Clock {
	open, closing := Clock(0), Clock(MinutesPerDay)
	w, ok := hours[req.Date.Weekday()]
	switch req.AppointmentType.SlotType() {
	case SlotOrdinary:
		if !ok {
			return nil
		}
		open, closing = w.Open, w.Close
	case SlotHomeVisit:
		if ok {
			open, closing = w.Open, w.Close
		}
	}

	cur := req.Start
	if cur < open {
		cur = open
	}
	dur := Clock(req.DurationMinutes)
	step := Clock(opts.StepMinutes)

	var out []Clock
	for ; cur+dur <= closing && len(out) < opts.MaxSuggestions; cur += step {
		cand := &Slot{Date: req.Date, Start: cur, DurationMinutes: req.DurationMinutes}
		free := true
		for _, e := range existing {
			if e.Status.Blocking() && cand.Overlaps(e) {
				free = false
				break
			}
		}
		if free {
			out = append(out, cur)
		}
	}
	return out
}
