package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event kinds written by the access, session and sanitizer layers.
const (
	KindAccessGranted      = "access_granted"
	KindAccessDenied       = "access_denied"
	KindAuthFailure        = "auth_failure"
	KindSchedulingConflict = "scheduling_conflict"
	KindAppointmentBooked  = "appointment_reserved"
	KindSessionStarted     = "session_started"
	KindSessionRefreshed   = "session_refreshed"
	KindSessionTimeout     = "session_timeout"
	KindUserLogout         = "user_logout"
	KindSessionTerminated  = "session_terminated"
	KindSuspiciousInput    = "suspicious_input"
)

// Outcome values for Event.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Event is one append-only audit record. Payload must never carry
// credentials or clinical free text.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Outcome   string         `json:"outcome"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	TargetID  string         `json:"target_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	RemoteIP  string         `json:"remote_ip,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives audit events. Record may be called concurrently.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Record(ctx context.Context, e Event) error {
	return f(ctx, e)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable event identifier.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// stamp fills the fields every sink expects to be present.
func stamp(ctx context.Context, e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = NewID(e.Timestamp)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.RemoteIP == "" {
		e.RemoteIP = RemoteIPFromContext(ctx)
	}
	return e
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	e = stamp(ctx, e)

	var ev *zerolog.Event
	if e.Outcome == OutcomeSuccess {
		ev = s.logger.Info()
	} else {
		ev = s.logger.Warn()
	}
	ev = ev.
		Str("event_id", e.ID).
		Str("kind", e.Kind).
		Str("outcome", e.Outcome).
		Str("tenant_id", e.TenantID).
		Str("actor_id", e.ActorID).
		Str("actor_role", e.ActorRole).
		Str("request_id", e.RequestID).
		Time("event_time", e.Timestamp)
	if e.Resource != "" {
		ev = ev.Str("resource", e.Resource).Str("action", e.Action)
	}
	if e.TargetID != "" {
		ev = ev.Str("target_id", e.TargetID)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.RemoteIP != "" {
		ev = ev.Str("remote_ip", e.RemoteIP)
	}
	if len(e.Payload) > 0 {
		ev = ev.Interface("payload", e.Payload)
	}
	ev.Msg("audit")
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	e = stamp(ctx, e)
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory. Used in tests and local runs
// without a database.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent Record calls return err. Events are still kept.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MemorySink) Record(ctx context.Context, e Event) error {
	e = stamp(ctx, e)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfKind returns the recorded events with the given kind, oldest first.
func (s *MemorySink) OfKind(kind string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
