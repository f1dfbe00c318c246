package scheduling

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Window is an opening period [Open, Close).
type Window struct {
	Open  Clock
	Close Clock
}

func (w Window) String() string {
	return w.Open.String() + "-" + w.Close.String()
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	open, closing, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: want HH:MM-HH:MM", s)
	}
	o, err := ParseClock(open)
	if err != nil {
		return Window{}, err
	}
	c, err := ParseClock(closing)
	if err != nil {
		return Window{}, err
	}
	if c <= o {
		return Window{}, fmt.Errorf("invalid window %q: close must be after open", s)
	}
	return Window{Open: o, Close: c}, nil
}

// OperatingHours holds one window per open weekday. A missing weekday
// is closed.
type OperatingHours map[time.Weekday]Window

// DefaultOperatingHours is Monday to Saturday 08:00-18:00. Sunday is
// closed.
func DefaultOperatingHours() OperatingHours {
	day := Window{Open: 8 * 60, Close: 18 * 60}
	return OperatingHours{
		time.Monday:    day,
		time.Tuesday:   day,
		time.Wednesday: day,
		time.Thursday:  day,
		time.Friday:    day,
		time.Saturday:  day,
	}
}

// Admits checks that [start, start+minutes) on date lies inside the
// window for date's weekday.
func (h OperatingHours) Admits(date time.Time, start Clock, minutes int) error {
	w, ok := h[date.Weekday()]
	if !ok {
		return ruleErrorf(ErrClosedWeekday, "%s", date.Weekday())
	}
	end := start + Clock(minutes)
	if start < w.Open || end > w.Close {
		return ruleErrorf(ErrOutsideBusinessHours, "%s-%s not within %s", start, end, w)
	}
	return nil
}

// Calendar resolves the operating hours of a tenant.
type Calendar interface {
	HoursFor(tenantID string) OperatingHours
}

// StaticCalendar is a fixed calendar with optional per-tenant overrides.
type StaticCalendar struct {
	Default OperatingHours
	Tenants map[string]OperatingHours
}

func NewStaticCalendar() *StaticCalendar {
	return &StaticCalendar{Default: DefaultOperatingHours(), Tenants: map[string]OperatingHours{}}
}

func (c *StaticCalendar) HoursFor(tenantID string) OperatingHours {
	if h, ok := c.Tenants[tenantID]; ok {
		return h
	}
	return c.Default
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

type calendarFile struct {
	Default map[string]string            `toml:"default"`
	Tenants map[string]map[string]string `toml:"tenants"`
}

// LoadCalendar reads a TOML calendar file:
//
//	[default]
//	monday = "08:00-18:00"
//	sunday = "closed"
//
//	[tenants.clinic_north]
//	saturday = "09:00-13:00"
//
// Tenant tables override individual weekdays of the default.
func LoadCalendar(path string) (*StaticCalendar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	return ParseCalendar(string(b))
}

func ParseCalendar(data string) (*StaticCalendar, error) {
	var f calendarFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode calendar: unknown keys %v", undecoded)
	}

	cal := NewStaticCalendar()
	if f.Default != nil {
		if err := applyDays(cal.Default, f.Default); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
	}
	for tenant, days := range f.Tenants {
		h := make(OperatingHours, len(cal.Default))
		for d, w := range cal.Default {
			h[d] = w
		}
		if err := applyDays(h, days); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
		cal.Tenants[tenant] = h
	}
	return cal, nil
}

func applyDays(h OperatingHours, days map[string]string) error {
	for name, spec := range days {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("unknown weekday %q", name)
		}
		if strings.EqualFold(strings.TrimSpace(spec), "closed") {
			delete(h, wd)
			continue
		}
		w, err := ParseWindow(spec)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		h[wd] = w
	}
	return nil
}
