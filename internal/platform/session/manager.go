package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/telemetry"
)

// ErrRefreshRejected is returned by Refresh when the session is no
// longer active or has used up its refresh attempts.
var ErrRefreshRejected = errors.New("session refresh rejected")

// Manager applies Policy to stored sessions and writes the lifecycle
// audit trail. Only the caller that actually terminates a session
// records the termination event.
type Manager struct {
	store   Store
	policy  Policy
	sink    audit.Sink
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(store Store, policy Policy, sink audit.Sink, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		policy: policy,
		sink:   sink,
		logger: logger.With().Str("component", "session").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Start opens a session for p and returns the stored record.
func (m *Manager) Start(ctx context.Context, p auth.Principal) (*Record, error) {
	budget, err := m.policy.Budget(p.Role)
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := &Record{
		ID:             uuid.New(),
		PrincipalID:    p.ID,
		Role:           p.Role,
		TenantID:       p.TenantID,
		PatientID:      p.PatientID,
		CreatedAt:      now,
		LastActivityAt: now,
		Timeout:        budget,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	m.record(ctx, rec, audit.KindSessionStarted, "", nil)
	return rec, nil
}

// Check evaluates the session for an incoming request. Active sessions
// have their activity timestamp advanced; expired or exhausted ones are
// terminated. A missing session yields StateInvalid with a nil error.
func (m *Manager) Check(ctx context.Context, id uuid.UUID) (*Record, Verdict, error) {
	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, m.policy.Evaluate(nil, m.now()), nil
	}
	if err != nil {
		return nil, Verdict{}, err
	}

	now := m.now()
	v := m.policy.Evaluate(rec, now)
	if !v.State.Active() {
		if err := m.end(ctx, rec, v, now); err != nil {
			return nil, Verdict{}, err
		}
		return rec, v, nil
	}

	// A session terminated after the read above is not revived.
	err = m.store.Touch(ctx, id, now)
	if errors.Is(err, ErrNotFound) {
		if rec, err = m.store.Get(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, Verdict{}, err
		}
		if rec == nil || rec.TerminatedAt == nil {
			return rec, Verdict{State: StateInvalid, ShouldLogout: true, Reason: "terminated"}, nil
		}
		return rec, m.policy.Evaluate(rec, now), nil
	}
	if err != nil {
		return nil, Verdict{}, fmt.Errorf("session: touch: %w", err)
	}
	if now.After(rec.LastActivityAt) {
		rec.LastActivityAt = now
	}
	return rec, v, nil
}

// Refresh extends an active session by resetting its inactivity window.
// Once MaxRefreshAttempts is exceeded the session is terminated with
// reason max_refresh_attempts.
func (m *Manager) Refresh(ctx context.Context, id uuid.UUID) (*Record, Verdict, error) {
	rec, v, err := m.Check(ctx, id)
	if err != nil {
		return nil, Verdict{}, err
	}
	if !v.State.Active() {
		return rec, v, ErrRefreshRejected
	}

	now := m.now()
	n, err := m.store.IncrementRefresh(ctx, id, now)
	if errors.Is(err, ErrNotFound) {
		return rec, Verdict{State: StateInvalid, ShouldLogout: true, Reason: "terminated"}, ErrRefreshRejected
	}
	if err != nil {
		return nil, Verdict{}, err
	}
	rec.RefreshAttempts = n

	v = m.policy.Evaluate(rec, now)
	if !v.State.Active() {
		if err := m.end(ctx, rec, v, now); err != nil {
			return nil, Verdict{}, err
		}
		return rec, v, ErrRefreshRejected
	}

	m.record(ctx, rec, audit.KindSessionRefreshed, "", map[string]any{"refresh_attempts": n})
	return rec, v, nil
}

// Logout terminates the session. Repeated calls are no-ops.
func (m *Manager) Logout(ctx context.Context, id uuid.UUID) error {
	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ok, err := m.store.Terminate(ctx, id, m.now(), ReasonLogout)
	if err != nil {
		return err
	}
	if ok {
		m.record(ctx, rec, audit.KindUserLogout, ReasonLogout, nil)
	}
	return nil
}

// Revoke terminates the session because the presented credentials no
// longer match it.
func (m *Manager) Revoke(ctx context.Context, rec *Record, reason string) error {
	ok, err := m.store.Terminate(ctx, rec.ID, m.now(), reason)
	if err != nil {
		return err
	}
	if ok {
		m.record(ctx, rec, audit.KindSessionTerminated, reason, nil)
	}
	return nil
}

func (m *Manager) end(ctx context.Context, rec *Record, v Verdict, now time.Time) error {
	if rec.TerminatedAt != nil {
		return nil
	}
	reason := v.Reason
	ok, err := m.store.Terminate(ctx, rec.ID, now, reason)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	kind := audit.KindSessionTerminated
	if v.State == StateExpired {
		kind = audit.KindSessionTimeout
	}
	m.record(ctx, rec, kind, reason, map[string]any{
		"last_activity_at": rec.LastActivityAt,
		"refresh_attempts": rec.RefreshAttempts,
	})
	t := now
	rec.TerminatedAt = &t
	rec.TerminationReason = reason
	return nil
}

func (m *Manager) record(ctx context.Context, rec *Record, kind, reason string, payload map[string]any) {
	m.metrics.SessionEvent(kind)
	if m.sink == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	if kind == audit.KindSessionTimeout || kind == audit.KindSessionTerminated {
		outcome = audit.OutcomeDenied
	}
	err := m.sink.Record(ctx, audit.Event{
		Kind:      kind,
		Outcome:   outcome,
		TenantID:  rec.TenantID,
		ActorID:   rec.PrincipalID,
		ActorRole: string(rec.Role),
		TargetID:  rec.ID.String(),
		Reason:    reason,
		Payload:   payload,
	})
	if err != nil {
		m.metrics.AuditFailure()
		m.logger.Error().Err(err).Str("kind", kind).Str("session_id", rec.ID.String()).Msg("audit write failed")
	}
}
