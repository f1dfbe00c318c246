package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/session"
	"github.com/ehr/careguard/internal/platform/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Manager
	slots    *scheduling.MemoryStore
	sink     *audit.MemorySink
	clock    *fakeClock
	metrics  *telemetry.Metrics
}

// 2025-09-20 is a Saturday; the default calendar is open 08:00-18:00.
var (
	saturday = time.Date(2025, 9, 20, 0, 0, 0, 0, time.UTC)
	sunday   = time.Date(2025, 9, 21, 0, 0, 0, 0, time.UTC)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	sink := audit.NewMemorySink()
	clock := &fakeClock{now: time.Date(2025, 9, 19, 9, 0, 0, 0, time.UTC)}
	metrics := telemetry.NewMetrics()
	mgr := session.NewManager(session.NewMemoryStore(), session.DefaultPolicy(), sink, zerolog.Nop(),
		session.WithClock(clock.Now), session.WithMetrics(metrics))

	slots := scheduling.NewMemoryStore()
	resolver := scheduling.NewResolver(slots, scheduling.NewStaticCalendar(), scheduling.DefaultOptions(), metrics)

	orch := NewOrchestrator(mgr, auth.NewDefaultPermissionEngine(), resolver, sink, metrics, zerolog.Nop())
	return &harness{orch: orch, sessions: mgr, slots: slots, sink: sink, clock: clock, metrics: metrics}
}

// login opens a session for p and returns the principal as the bearer
// middleware would present it.
func (h *harness) login(t *testing.T, p auth.Principal) auth.Principal {
	t.Helper()
	rec, err := h.sessions.Start(context.Background(), p)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	p.SessionID = rec.ID.String()
	return p
}

func practitionerOf(tenant string) auth.Principal {
	return auth.Principal{ID: uuid.NewString(), Role: auth.RolePractitioner, TenantID: tenant}
}

// bookOp books req on the calendar of a practitioner in tenant.
func bookOp(tenant string, req scheduling.Request) Operation {
	return Operation{
		Name:     "appointments.create",
		Resource: auth.ResourceAppointments,
		Action:   auth.ActionCreate,
		Schedule: &ScheduleWrite{
			Request:      req,
			Practitioner: calendarOwner(req.PractitionerID.String(), tenant),
		},
		PatientData: true,
	}
}

func calendarOwner(id, tenant string) TargetLoader {
	return func(context.Context) (*Target, error) {
		return &Target{ID: id, TenantID: tenant, OwnerID: id}, nil
	}
}

func slotRequest(practitionerID uuid.UUID, typ scheduling.AppointmentType, date time.Time, start scheduling.Clock) scheduling.Request {
	return scheduling.Request{
		PractitionerID:  practitionerID,
		PatientID:       uuid.New(),
		Date:            date,
		Start:           start,
		DurationMinutes: 60,
		AppointmentType: typ,
	}
}

func patientTarget(id, tenant, patientID string) TargetLoader {
	return func(context.Context) (*Target, error) {
		return &Target{ID: id, TenantID: tenant, PatientID: patientID}, nil
	}
}

func readPatientOp(target TargetLoader) Operation {
	return Operation{
		Name:        "patients.read",
		Resource:    auth.ResourcePatients,
		Action:      auth.ActionRead,
		Target:      target,
		PatientData: true,
	}
}

func TestAuthorize_ScheduleConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.login(t, practitionerOf("clinic_t"))
	pracID := uuid.New()

	first := h.orch.Authorize(ctx, p, bookOp("clinic_t", slotRequest(pracID, scheduling.TypeFollowup, saturday, 14*60+30)))
	if first.Kind != KindReserved {
		t.Fatalf("expected reservation, got %s (%s: %v)", first.Kind, first.Code, first.Err)
	}
	if first.Reservation.Reserved.TenantID != "clinic_t" || first.Reservation.Reserved.CreatedBy != p.ID {
		t.Errorf("expected tenant and creator from the principal, got %+v", first.Reservation.Reserved)
	}

	second := h.orch.Authorize(ctx, p, bookOp("clinic_t", slotRequest(pracID, scheduling.TypeFollowup, saturday, 14*60+30)))
	if second.Kind != KindConflict || second.Code != CodeSchedulingConflict {
		t.Fatalf("expected conflict, got %s", second.Kind)
	}
	c := second.Reservation.Conflict
	if c.Existing.ID != first.Reservation.Reserved.ID {
		t.Error("expected the existing slot in the conflict")
	}
	if len(c.Suggestions) == 0 {
		t.Error("expected at least one suggestion")
	}
	if !second.Audited {
		t.Error("expected conflict to be audited")
	}
	events := h.sink.OfKind(audit.KindSchedulingConflict)
	if len(events) != 1 || events[0].ActorID != p.ID || events[0].TenantID != "clinic_t" {
		t.Errorf("unexpected conflict audit %+v", events)
	}
}

func TestAuthorize_TraineeAppointmentTypes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tr := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RoleTrainee, TenantID: "clinic_t"})

	denied := h.orch.Authorize(ctx, tr, bookOp("clinic_t", slotRequest(uuid.New(), scheduling.TypeInitialConsultation, saturday, 9*60)))
	if denied.Kind != KindForbidden || denied.Decision.Reason != auth.ReasonNoGrant {
		t.Fatalf("expected no_grant, got %s %v", denied.Kind, denied.Decision)
	}
	if denied.Code != CodeInsufficientPermissions {
		t.Errorf("expected insufficient_permissions, got %s", denied.Code)
	}
	if denied.Stage != StagePermission {
		t.Errorf("expected permission stage, got %s", denied.Stage)
	}

	allowed := h.orch.Authorize(ctx, tr, bookOp("clinic_t", slotRequest(uuid.New(), scheduling.TypeFollowup, saturday, 9*60)))
	if allowed.Kind != KindReserved {
		t.Fatalf("expected reservation, got %s (%s)", allowed.Kind, allowed.Code)
	}
	if !allowed.Reservation.Reserved.RequiresCosign {
		t.Error("expected trainee booking to require co-signature")
	}
}

func TestAuthorize_AdminCrossTenant(t *testing.T) {
	h := newHarness(t)
	adm := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RoleAdmin, TenantID: "clinic_a"})
	target := uuid.NewString()

	out := h.orch.Authorize(context.Background(), adm, readPatientOp(patientTarget(target, "clinic_b", target)))
	if out.Kind != KindForbidden || out.Code != CodeCrossTenant {
		t.Fatalf("expected cross_tenant, got %s %s", out.Kind, out.Code)
	}
	if out.Stage != StageTenant {
		t.Errorf("expected tenant stage, got %s", out.Stage)
	}
	if out.Target == nil || out.Target.Record != nil {
		t.Error("expected no record to be handed back on a cross-tenant denial")
	}
	events := h.sink.OfKind(audit.KindAccessDenied)
	if len(events) != 1 || events[0].TargetID != target || events[0].Reason != string(auth.ReasonCrossTenant) {
		t.Errorf("unexpected denial audit %+v", events)
	}
	if events[0].Payload["target_tenant_id"] != "clinic_b" {
		t.Error("expected target tenant in audit payload")
	}
}

func TestAuthorize_EmergencyOnSunday(t *testing.T) {
	h := newHarness(t)
	p := h.login(t, practitionerOf("clinic_t"))

	out := h.orch.Authorize(context.Background(), p, bookOp("clinic_t", slotRequest(uuid.New(), scheduling.TypeEmergency, sunday, 22*60)))
	if out.Kind != KindReserved {
		t.Fatalf("expected reservation, got %s (%s: %v)", out.Kind, out.Code, out.Err)
	}
	if out.Reservation.Reserved.SlotType != scheduling.SlotEmergency {
		t.Errorf("expected emergency slot, got %s", out.Reservation.Reserved.SlotType)
	}

	ordinary := h.orch.Authorize(context.Background(), p, bookOp("clinic_t", slotRequest(uuid.New(), scheduling.TypeFollowup, sunday, 10*60)))
	if ordinary.Kind != KindInvalid || ordinary.Code != "closed_weekday" {
		t.Errorf("expected closed_weekday, got %s %s", ordinary.Kind, ordinary.Code)
	}
}

func TestAuthorize_SessionBudgets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	patientID := uuid.NewString()

	prac := h.login(t, practitionerOf("clinic_a"))
	pat := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RolePatient, TenantID: "clinic_a", PatientID: patientID})

	h.clock.Advance(30 * time.Minute)

	out := h.orch.Authorize(ctx, prac, readPatientOp(patientTarget(patientID, "clinic_a", patientID)))
	if out.Kind != KindUnauthenticated || out.Code != CodeSessionExpired {
		t.Fatalf("expected expired session, got %s %s", out.Kind, out.Code)
	}
	if len(h.sink.OfKind(audit.KindSessionTimeout)) != 1 {
		t.Error("expected one session_timeout event")
	}
	if len(h.sink.OfKind(audit.KindAuthFailure)) != 1 {
		t.Error("expected the rejected request to be audited")
	}

	again := h.orch.Authorize(ctx, prac, readPatientOp(patientTarget(patientID, "clinic_a", patientID)))
	if again.Kind != KindUnauthenticated || again.Code != CodeSessionInvalid {
		t.Errorf("expected terminated session to stay invalid, got %s %s", again.Kind, again.Code)
	}

	ok := h.orch.Authorize(ctx, pat, readPatientOp(patientTarget(patientID, "clinic_a", patientID)))
	if ok.Kind != KindAllowed {
		t.Fatalf("expected patient session to remain valid, got %s %s", ok.Kind, ok.Code)
	}
	if ok.Verdict.State != session.StateValid {
		t.Errorf("expected valid verdict, got %s", ok.Verdict.State)
	}
	if !ok.Audited || len(h.sink.OfKind(audit.KindAccessGranted)) != 1 {
		t.Error("expected patient data access to be audited")
	}
}

func TestAuthorize_PatientOwnData(t *testing.T) {
	h := newHarness(t)
	mine := uuid.NewString()
	pat := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RolePatient, TenantID: "clinic_a", PatientID: mine})

	other := uuid.NewString()
	out := h.orch.Authorize(context.Background(), pat, readPatientOp(patientTarget(other, "clinic_a", other)))
	if out.Kind != KindForbidden || out.Code != CodeNotOwnData {
		t.Fatalf("expected not_own_data, got %s %s", out.Kind, out.Code)
	}

	// Booking for someone else is refused before the resolver runs.
	req := slotRequest(uuid.New(), scheduling.TypeFollowup, saturday, 9*60)
	booked := h.orch.Authorize(context.Background(), pat, bookOp("clinic_a", req))
	if booked.Kind != KindForbidden || booked.Code != CodeNotOwnData {
		t.Fatalf("expected not_own_data for foreign booking, got %s %s", booked.Kind, booked.Code)
	}
	_, total, _ := h.slots.List(context.Background(), scheduling.ListQuery{TenantID: "clinic_a"})
	if total != 0 {
		t.Error("expected nothing reserved")
	}
}

func TestAuthorize_ClaimsMustMatchSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.login(t, practitionerOf("clinic_a"))

	forged := p
	forged.Role = auth.RoleAdmin
	out := h.orch.Authorize(ctx, forged, readPatientOp(patientTarget("x", "clinic_a", "x")))
	if out.Kind != KindUnauthenticated || out.Decision.Reason != session.ReasonPrincipalChange {
		t.Fatalf("expected principal mismatch, got %s %v", out.Kind, out.Decision)
	}
	if len(h.sink.OfKind(audit.KindSessionTerminated)) != 1 {
		t.Error("expected the session to be revoked")
	}

	after := h.orch.Authorize(ctx, p, readPatientOp(patientTarget("x", "clinic_a", "x")))
	if after.Kind != KindUnauthenticated {
		t.Errorf("expected revoked session to be rejected, got %s", after.Kind)
	}
}

func TestAuthorize_MalformedSession(t *testing.T) {
	h := newHarness(t)
	p := practitionerOf("clinic_a")
	p.SessionID = "not-a-uuid"
	out := h.orch.Authorize(context.Background(), p, readPatientOp(patientTarget("x", "clinic_a", "x")))
	if out.Kind != KindUnauthenticated || out.Code != CodeUnauthorized {
		t.Errorf("expected unauthorized, got %s %s", out.Kind, out.Code)
	}

	p.SessionID = uuid.NewString()
	out = h.orch.Authorize(context.Background(), p, readPatientOp(patientTarget("x", "clinic_a", "x")))
	if out.Kind != KindUnauthenticated || out.Code != CodeSessionInvalid {
		t.Errorf("expected unknown session to be invalid, got %s %s", out.Kind, out.Code)
	}
}

func TestAuthorize_GrantStageSkipsTargetLoad(t *testing.T) {
	h := newHarness(t)
	tr := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RoleTrainee, TenantID: "clinic_a"})

	loaded := false
	out := h.orch.Authorize(context.Background(), tr, Operation{
		Name:     "patients.archive",
		Resource: auth.ResourcePatients,
		Action:   auth.ActionArchive,
		Target: func(context.Context) (*Target, error) {
			loaded = true
			return &Target{ID: "x", TenantID: "clinic_a"}, nil
		},
		PatientData: true,
	})
	if out.Kind != KindForbidden || out.Stage != StageGrant {
		t.Fatalf("expected grant-stage denial, got %s at %s", out.Kind, out.Stage)
	}
	if loaded {
		t.Error("expected target not to be loaded after a grant denial")
	}
}

func TestAuthorize_TargetNotFound(t *testing.T) {
	h := newHarness(t)
	p := h.login(t, practitionerOf("clinic_a"))
	out := h.orch.Authorize(context.Background(), p, readPatientOp(func(context.Context) (*Target, error) {
		return nil, ErrTargetNotFound
	}))
	if out.Kind != KindNotFound || out.Code != CodeNotFound {
		t.Errorf("expected not_found, got %s %s", out.Kind, out.Code)
	}
}

func TestAuthorize_Failures(t *testing.T) {
	h := newHarness(t)
	p := h.login(t, practitionerOf("clinic_a"))

	out := h.orch.Authorize(context.Background(), p, Operation{Name: "bogus", Resource: "invoices", Action: auth.ActionRead})
	if out.Kind != KindFailed || out.Code != CodeInternal || !errors.Is(out.Err, auth.ErrUnknownResource) {
		t.Errorf("expected config fault, got %s %s %v", out.Kind, out.Code, out.Err)
	}

	boom := errors.New("connection reset")
	out = h.orch.Authorize(context.Background(), p, readPatientOp(func(context.Context) (*Target, error) {
		return nil, boom
	}))
	if out.Kind != KindFailed || !errors.Is(out.Err, boom) {
		t.Errorf("expected store failure, got %s %v", out.Kind, out.Err)
	}
	if out.Message == boom.Error() {
		t.Error("expected internal detail to stay out of the client message")
	}
}

func TestAuthorize_AuditFailureStillAnswers(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	p := h.login(t, practitionerOf("clinic_a"))
	h.sink.FailWith(errors.New("disk full"))

	out := h.orch.Authorize(context.Background(), p, readPatientOp(patientTarget(id, "clinic_a", id)))
	if out.Kind != KindAllowed {
		t.Fatalf("expected allow, got %s", out.Kind)
	}
	if out.Audited {
		t.Error("expected Audited=false when the sink fails")
	}
}

func TestAuthorize_NonPatientDataNotAudited(t *testing.T) {
	h := newHarness(t)
	p := h.login(t, practitionerOf("clinic_a"))
	before := len(h.sink.Events())

	out := h.orch.Authorize(context.Background(), p, Operation{Name: "users.read", Resource: auth.ResourceUsers, Action: auth.ActionRead})
	if out.Kind != KindAllowed {
		t.Fatalf("expected allow, got %s", out.Kind)
	}
	if out.Audited || len(h.sink.Events()) != before {
		t.Error("expected no audit event for a non-patient read")
	}
}

func TestAuthorize_PractitionerTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.login(t, practitionerOf("clinic_a"))
	req := slotRequest(uuid.New(), scheduling.TypeFollowup, saturday, 9*60)

	foreign := h.orch.Authorize(ctx, p, bookOp("clinic_b", req))
	if foreign.Kind != KindForbidden || foreign.Code != CodeCrossTenant || foreign.Stage != StageTenant {
		t.Fatalf("expected cross_tenant at the tenant stage, got %s %s %s", foreign.Kind, foreign.Code, foreign.Stage)
	}
	events := h.sink.OfKind(audit.KindAccessDenied)
	if len(events) != 1 || events[0].TargetID != req.PractitionerID.String() || events[0].Payload["target_tenant_id"] != "clinic_b" {
		t.Errorf("unexpected denial audit %+v", events)
	}

	op := bookOp("clinic_a", req)
	op.Schedule.Practitioner = func(context.Context) (*Target, error) { return nil, ErrTargetNotFound }
	unknown := h.orch.Authorize(ctx, p, op)
	if unknown.Kind != KindInvalid || unknown.Code != "unknown_practitioner" {
		t.Fatalf("expected unknown_practitioner, got %s %s", unknown.Kind, unknown.Code)
	}
	if re, ok := scheduling.AsRuleError(unknown.Err); !ok || re.Field != "practitioner_id" {
		t.Errorf("expected a practitioner_id rule error, got %v", unknown.Err)
	}

	op.Schedule.Practitioner = nil
	if out := h.orch.Authorize(ctx, p, op); out.Kind != KindForbidden || out.Decision.Reason != auth.ReasonMissingContext {
		t.Errorf("expected a booking without a practitioner loader to be refused, got %s %v", out.Kind, out.Decision)
	}

	_, total, _ := h.slots.List(ctx, scheduling.ListQuery{TenantID: "clinic_a"})
	if total != 0 {
		t.Errorf("expected nothing reserved, got %d", total)
	}
	if out := h.orch.Authorize(ctx, p, bookOp("clinic_a", req)); out.Kind != KindReserved {
		t.Errorf("same-tenant practitioner should book, got %s %s", out.Kind, out.Code)
	}
}

func TestAuthorize_Series(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.login(t, practitionerOf("clinic_t"))
	pracID := uuid.New()
	monday := time.Date(2025, 9, 22, 0, 0, 0, 0, time.UTC)

	blocker := slotRequest(pracID, scheduling.TypeFollowup, monday.AddDate(0, 0, 7), 10*60)
	if out := h.orch.Authorize(ctx, p, bookOp("clinic_t", blocker)); out.Kind != KindReserved {
		t.Fatalf("blocker: %s", out.Kind)
	}

	op := bookOp("clinic_t", slotRequest(pracID, scheduling.TypeFollowup, monday, 10*60))
	op.Schedule.Recurrence = &scheduling.Recurrence{Pattern: scheduling.PatternWeekly, Count: 3}
	out := h.orch.Authorize(ctx, p, op)
	if out.Kind != KindSeries || out.Series.Reserved() != 2 {
		t.Fatalf("expected partial series, got %s", out.Kind)
	}

	op.Schedule.Recurrence = &scheduling.Recurrence{Pattern: scheduling.PatternWeekly, Count: 3, AllOrNothing: true}
	op.Schedule.Request.Start = 10 * 60
	out = h.orch.Authorize(ctx, p, op)
	if out.Kind != KindConflict || out.Series == nil || out.Series.Reserved() != 0 {
		t.Fatalf("expected all-or-nothing series to conflict, got %s", out.Kind)
	}

	op.Schedule.Recurrence = &scheduling.Recurrence{Pattern: scheduling.PatternWeekly, Count: 99}
	out = h.orch.Authorize(ctx, p, op)
	if out.Kind != KindInvalid || out.Code != "invalid_recurrence" {
		t.Errorf("expected invalid_recurrence, got %s %s", out.Kind, out.Code)
	}
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	p := h.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RolePatient, TenantID: "clinic_t", PatientID: uuid.NewString()})

	out := h.orch.Authenticate(context.Background(), p, "auth.profile")
	if out.Kind != KindAllowed || out.Principal == nil || out.Principal.ID != p.ID {
		t.Fatalf("expected allowed outcome for %s, got %+v", p.ID, out)
	}
	if out.Audited {
		t.Error("session-only checks should not be audited when allowed")
	}

	h.clock.Advance(8 * 24 * time.Hour)
	out = h.orch.Authenticate(context.Background(), p, "auth.profile")
	if out.Kind != KindUnauthenticated || out.Code != CodeSessionExpired {
		t.Fatalf("expected session_expired, got %s/%s", out.Kind, out.Code)
	}
}
