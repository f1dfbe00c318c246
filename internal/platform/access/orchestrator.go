// Package access runs every protected operation through the same
// sequence: session check, static grant, tenant isolation, contextual
// permission and, for scheduling writes, conflict-checked reservation.
// The first stage to refuse ends the evaluation.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/session"
	"github.com/ehr/careguard/internal/platform/telemetry"
)

// Stage names used in outcomes, logs and metrics.
const (
	StageSession    = "session"
	StageGrant      = "grant"
	StageTarget     = "target"
	StageTenant     = "tenant"
	StagePermission = "permission"
	StageSchedule   = "schedule"
)

type Sessions interface {
	Check(ctx context.Context, id uuid.UUID) (*session.Record, session.Verdict, error)
	Revoke(ctx context.Context, rec *session.Record, reason string) error
}

type Decider interface {
	Grant(role auth.Role, res auth.Resource, act auth.Action) (auth.Decision, error)
	Decide(p auth.Principal, res auth.Resource, act auth.Action, ac auth.AccessContext) (auth.Decision, error)
}

type Scheduler interface {
	CheckAndReserve(ctx context.Context, req scheduling.Request) (scheduling.Outcome, error)
	ReserveSeries(ctx context.Context, req scheduling.Request, rec scheduling.Recurrence) (scheduling.SeriesResult, error)
}

type Orchestrator struct {
	sessions  Sessions
	engine    Decider
	scheduler Scheduler
	sink      audit.Sink
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewOrchestrator(sessions Sessions, engine Decider, scheduler Scheduler, sink audit.Sink, metrics *telemetry.Metrics, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		engine:    engine,
		scheduler: scheduler,
		sink:      sink,
		metrics:   metrics,
		logger:    logger.With().Str("component", "access").Logger(),
	}
}

// Authorize evaluates op for the caller described by claimed, the
// principal taken from a verified bearer token. The session record is
// authoritative: claims that disagree with it revoke the session.
func (o *Orchestrator) Authorize(ctx context.Context, claimed auth.Principal, op Operation) Outcome {
	p, rec, v, stop := o.checkSession(ctx, claimed, op)
	if stop != nil {
		return o.finish(ctx, op, *stop)
	}
	out := Outcome{Principal: &p, Session: rec, Verdict: v}

	d, err := o.engine.Grant(p.Role, op.Resource, op.Action)
	if err != nil {
		return o.finish(ctx, op, o.failed(out, StageGrant, err))
	}
	if !d.Allowed {
		return o.finish(ctx, op, forbidden(out, StageGrant, d))
	}

	ac := op.Context
	if op.Target != nil {
		t, err := op.Target(ctx)
		if errors.Is(err, ErrTargetNotFound) {
			out.Kind, out.Stage, out.Code, out.Message = KindNotFound, StageTarget, CodeNotFound, "record not found"
			return o.finish(ctx, op, out)
		}
		if err != nil {
			return o.finish(ctx, op, o.failed(out, StageTarget, err))
		}
		if g := auth.AssertSameTenant(p.TenantID, t.TenantID); !g.Allowed {
			out.Target = &Target{ID: t.ID, TenantID: t.TenantID}
			return o.finish(ctx, op, forbidden(out, StageTenant, g))
		}
		out.Target = t
		ac.TenantID = t.TenantID
		if t.PatientID != "" {
			ac.TargetPatientID = t.PatientID
		}
		if t.OwnerID != "" {
			ac.TargetOwnerID = t.OwnerID
		}
	}
	if op.Schedule != nil {
		if stop := o.checkPractitioner(ctx, p, op.Schedule, out); stop != nil {
			return o.finish(ctx, op, *stop)
		}
		ac.AppointmentType = string(op.Schedule.Request.AppointmentType)
		if ac.TargetPatientID == "" {
			ac.TargetPatientID = op.Schedule.Request.PatientID.String()
		}
	}

	d, err = o.engine.Decide(p, op.Resource, op.Action, ac)
	if err != nil {
		return o.finish(ctx, op, o.failed(out, StagePermission, err))
	}
	out.Decision = d
	if !d.Allowed {
		return o.finish(ctx, op, forbidden(out, StagePermission, d))
	}

	if op.Schedule == nil {
		out.Kind, out.Stage = KindAllowed, StagePermission
		return o.finish(ctx, op, out)
	}
	return o.finish(ctx, op, o.schedule(ctx, p, op.Schedule, out))
}

// Authenticate runs only the session stage. It serves operations on the
// caller's own session, which need no resource grant.
func (o *Orchestrator) Authenticate(ctx context.Context, claimed auth.Principal, name string) Outcome {
	op := Operation{Name: name}
	p, rec, v, stop := o.checkSession(ctx, claimed, op)
	if stop != nil {
		return o.finish(ctx, op, *stop)
	}
	return o.finish(ctx, op, Outcome{Kind: KindAllowed, Stage: StageSession, Principal: &p, Session: rec, Verdict: v})
}

func (o *Orchestrator) checkSession(ctx context.Context, claimed auth.Principal, op Operation) (auth.Principal, *session.Record, session.Verdict, *Outcome) {
	deny := func(code, reason string, v session.Verdict) *Outcome {
		msg := "authentication required"
		if code == CodeSessionExpired {
			msg = "session expired, please sign in again"
		}
		return &Outcome{
			Kind:     KindUnauthenticated,
			Stage:    StageSession,
			Code:     code,
			Message:  msg,
			Verdict:  v,
			Decision: auth.Deny(auth.DenyReason(reason), StageSession),
		}
	}

	id, err := uuid.Parse(claimed.SessionID)
	if err != nil {
		return auth.Principal{}, nil, session.Verdict{}, deny(CodeUnauthorized, "malformed_session", session.Verdict{State: session.StateInvalid})
	}
	rec, v, err := o.sessions.Check(ctx, id)
	if err != nil {
		out := o.failed(Outcome{}, StageSession, err)
		return auth.Principal{}, nil, v, &out
	}
	if !v.State.Active() {
		code := CodeSessionInvalid
		if v.State == session.StateExpired {
			code = CodeSessionExpired
		}
		out := deny(code, v.Reason, v)
		out.Session = rec
		return auth.Principal{}, rec, v, out
	}

	bound := rec.Principal()
	if bound.ID != claimed.ID || bound.TenantID != claimed.TenantID ||
		bound.Role != claimed.Role || bound.PatientID != claimed.PatientID {
		if err := o.sessions.Revoke(ctx, rec, session.ReasonPrincipalChange); err != nil {
			o.logger.Error().Err(err).Str("session_id", rec.ID.String()).Msg("revoke mismatched session")
		}
		out := deny(CodeSessionInvalid, session.ReasonPrincipalChange, session.Verdict{State: session.StateInvalid, ShouldLogout: true})
		out.Session = rec
		return auth.Principal{}, rec, v, out
	}
	return bound, rec, v, nil
}

// checkPractitioner resolves the calendar owner of a scheduling write.
// Unknown practitioners are invalid input; one in another tenant is a
// cross-tenant denial like any other target.
func (o *Orchestrator) checkPractitioner(ctx context.Context, p auth.Principal, w *ScheduleWrite, out Outcome) *Outcome {
	if w.Practitioner == nil {
		res := forbidden(out, StageTenant, auth.Deny(auth.ReasonMissingContext, StageTenant))
		return &res
	}
	t, err := w.Practitioner(ctx)
	if errors.Is(err, ErrTargetNotFound) {
		re := scheduling.ErrUnknownPractitioner
		out.Kind, out.Stage, out.Code, out.Message = KindInvalid, StageTarget, re.Code, re.Message
		out.Err = fmt.Errorf("%w: %s", re, w.Request.PractitionerID)
		return &out
	}
	if err != nil {
		res := o.failed(out, StageTarget, err)
		return &res
	}
	if g := auth.AssertSameTenant(p.TenantID, t.TenantID); !g.Allowed {
		out.Target = &Target{ID: t.ID, TenantID: t.TenantID}
		res := forbidden(out, StageTenant, g)
		return &res
	}
	return nil
}

func (o *Orchestrator) schedule(ctx context.Context, p auth.Principal, w *ScheduleWrite, out Outcome) Outcome {
	out.Stage = StageSchedule
	req := w.Request
	req.TenantID = p.TenantID
	req.CreatedBy = p.ID
	req.RequiresCosign = p.Role == auth.RoleTrainee

	if w.Recurrence != nil {
		res, err := o.scheduler.ReserveSeries(ctx, req, *w.Recurrence)
		if err != nil {
			return o.scheduleError(out, err)
		}
		out.Series = &res
		switch {
		case res.Reserved() > 0:
			out.Kind = KindSeries
		case res.FirstConflict() != nil:
			out.Kind, out.Code, out.Message = KindConflict, CodeSchedulingConflict, "no instance of the series could be reserved"
		default:
			out.Kind = KindInvalid
			out.Err = firstInstanceError(res)
			if re, ok := scheduling.AsRuleError(out.Err); ok {
				out.Code, out.Message = re.Code, re.Message
			}
		}
		return out
	}

	res, err := o.scheduler.CheckAndReserve(ctx, req)
	if err != nil {
		return o.scheduleError(out, err)
	}
	out.Reservation = &res
	if res.IsConflict() {
		out.Kind, out.Code, out.Message = KindConflict, CodeSchedulingConflict, "the requested time overlaps an existing appointment"
		return out
	}
	out.Kind = KindReserved
	return out
}

func (o *Orchestrator) scheduleError(out Outcome, err error) Outcome {
	if re, ok := scheduling.AsRuleError(err); ok {
		out.Kind, out.Code, out.Message, out.Err = KindInvalid, re.Code, re.Message, err
		return out
	}
	return o.failed(out, StageSchedule, err)
}

func firstInstanceError(res scheduling.SeriesResult) error {
	for _, inst := range res.Instances {
		if inst.Err != nil {
			return inst.Err
		}
	}
	return nil
}

func forbidden(out Outcome, stage string, d auth.Decision) Outcome {
	out.Kind = KindForbidden
	out.Stage = stage
	out.Decision = d
	out.Code = denyCode(d.Reason)
	out.Message = denyMessage(d.Reason)
	return out
}

func (o *Orchestrator) failed(out Outcome, stage string, err error) Outcome {
	out.Kind = KindFailed
	out.Stage = stage
	out.Code = CodeInternal
	out.Message = "internal server error"
	out.Err = err
	return out
}

// finish audits, logs and counts the outcome.
func (o *Orchestrator) finish(ctx context.Context, op Operation, out Outcome) Outcome {
	o.metrics.Decision(out.Stage, string(out.Kind), out.Code)

	if e, ok := o.auditEvent(op, out); ok {
		out.Audited = o.write(ctx, e)
	}

	switch out.Kind {
	case KindUnauthenticated, KindForbidden:
		o.logEvent(ctx, o.logger.Warn(), op, out).Msg("access denied")
	case KindFailed:
		o.logEvent(ctx, o.logger.Error().Err(out.Err), op, out).Msg("access evaluation failed")
	case KindConflict:
		o.logEvent(ctx, o.logger.Info(), op, out).Msg("scheduling conflict")
	}
	return out
}

func (o *Orchestrator) logEvent(ctx context.Context, ev *zerolog.Event, op Operation, out Outcome) *zerolog.Event {
	ev = ev.Str("request_id", audit.RequestIDFromContext(ctx)).
		Str("operation", op.Name).
		Str("stage", out.Stage).
		Str("code", out.Code)
	if out.Decision.Reason != "" {
		ev = ev.Str("reason", string(out.Decision.Reason))
	}
	if out.Principal != nil {
		ev = ev.Str("actor_id", out.Principal.ID).Str("tenant_id", out.Principal.TenantID)
	}
	return ev
}

// auditEvent builds the audit record for out. Denials and conflicts are
// always recorded; allowed outcomes only when they touch patient data.
func (o *Orchestrator) auditEvent(op Operation, out Outcome) (audit.Event, bool) {
	e := audit.Event{
		Resource: string(op.Resource),
		Action:   string(op.Action),
		Payload:  map[string]any{"operation": op.Name, "stage": out.Stage},
	}
	if out.Principal != nil {
		e.TenantID = out.Principal.TenantID
		e.ActorID = out.Principal.ID
		e.ActorRole = string(out.Principal.Role)
	} else if out.Session != nil {
		e.TenantID = out.Session.TenantID
		e.ActorID = out.Session.PrincipalID
		e.ActorRole = string(out.Session.Role)
	}
	if out.Target != nil {
		e.TargetID = out.Target.ID
		if out.Target.TenantID != e.TenantID {
			e.Payload["target_tenant_id"] = out.Target.TenantID
		}
	}
	if out.Decision.Rule != "" {
		e.Payload["rule"] = out.Decision.Rule
	}

	switch out.Kind {
	case KindUnauthenticated:
		e.Kind, e.Outcome, e.Reason = audit.KindAuthFailure, audit.OutcomeDenied, string(out.Decision.Reason)
	case KindForbidden:
		e.Kind, e.Outcome, e.Reason = audit.KindAccessDenied, audit.OutcomeDenied, string(out.Decision.Reason)
	case KindFailed:
		e.Kind, e.Outcome, e.Reason = audit.KindAccessDenied, audit.OutcomeFailure, out.Code
		e.Payload["error"] = fmt.Sprint(out.Err)
	case KindConflict:
		e.Kind, e.Outcome, e.Reason = audit.KindSchedulingConflict, audit.OutcomeDenied, CodeSchedulingConflict
		conflictPayload(e.Payload, out)
	case KindReserved:
		e.Kind, e.Outcome = audit.KindAppointmentBooked, audit.OutcomeSuccess
		e.TargetID = out.Reservation.Reserved.ID.String()
		e.Payload["patient_id"] = out.Reservation.Reserved.PatientID.String()
	case KindSeries:
		e.Kind, e.Outcome = audit.KindAppointmentBooked, audit.OutcomeSuccess
		e.TargetID = out.Series.SeriesID.String()
		e.Payload["reserved"] = out.Series.Reserved()
		e.Payload["instances"] = len(out.Series.Instances)
	case KindAllowed:
		if !op.PatientData {
			return e, false
		}
		e.Kind, e.Outcome = audit.KindAccessGranted, audit.OutcomeSuccess
	default:
		return e, false
	}
	return e, true
}

func conflictPayload(payload map[string]any, out Outcome) {
	if out.Reservation != nil && out.Reservation.Conflict != nil {
		c := out.Reservation.Conflict
		payload["existing_id"] = c.Existing.ID.String()
		payload["existing_start"] = c.Existing.Start.String()
		payload["suggestions"] = len(c.Suggestions)
	}
	if out.Series != nil {
		payload["series_id"] = out.Series.SeriesID.String()
		payload["instances"] = len(out.Series.Instances)
	}
}

func (o *Orchestrator) write(ctx context.Context, e audit.Event) bool {
	if o.sink == nil {
		return false
	}
	if err := o.sink.Record(ctx, e); err != nil {
		o.metrics.AuditFailure()
		o.logger.Error().Err(err).Str("kind", e.Kind).Msg("audit write failed")
		return false
	}
	return true
}
