package clinicalsession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/domain/patient"
	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/internal/platform/session"
)

type fixture struct {
	h        *Handler
	e        *echo.Echo
	svc      *Service
	patients *patient.Service
	sessions *session.Manager
	sink     *audit.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := audit.NewMemorySink()
	mgr := session.NewManager(session.NewMemoryStore(), session.DefaultPolicy(), sink, zerolog.Nop())
	slots := scheduling.NewMemoryStore()
	resolver := scheduling.NewResolver(slots, scheduling.NewStaticCalendar(), scheduling.DefaultOptions(), nil)
	patients := patient.NewService(patient.NewMemoryRepo(), slots)
	svc := NewService(NewMemoryRepo())
	orch := access.NewOrchestrator(mgr, auth.NewDefaultPermissionEngine(), resolver, sink, nil, zerolog.Nop())
	return &fixture{
		h:        NewHandler(svc, patients, orch),
		e:        echo.New(),
		svc:      svc,
		patients: patients,
		sessions: mgr,
		sink:     sink,
	}
}

func (f *fixture) login(t *testing.T, role auth.Role, tenant string) auth.Principal {
	t.Helper()
	p := auth.Principal{ID: uuid.NewString(), Role: role, TenantID: tenant}
	if role == auth.RolePatient {
		p.PatientID = f.patient(t, tenant).String()
	}
	rec, err := f.sessions.Start(context.Background(), p)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	p.SessionID = rec.ID.String()
	return p
}

func (f *fixture) patient(t *testing.T, tenant string) uuid.UUID {
	t.Helper()
	p := &patient.Patient{FirstName: "Rui", LastName: "Matos"}
	if err := f.patients.CreatePatient(context.Background(), tenant, p); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return p.ID
}

func (f *fixture) context(method, body string, p auth.Principal, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

// create writes an evaluation session for patientID as p.
func (f *fixture) create(t *testing.T, p auth.Principal, patientID uuid.UUID) *Session {
	t.Helper()
	body := `{"patient_id":"` + patientID.String() + `","session_type":"evaluation","session_date":"2025-09-14T10:00:00Z"}`
	c, rec := f.context(http.MethodPost, body, p, "")
	if err := f.h.CreateSession(c); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var s Session
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &s
}

func apiError(t *testing.T, err error) *middleware.APIError {
	t.Helper()
	var apiErr *middleware.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T (%v)", err, err)
	}
	return apiErr
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	pid := f.patient(t, "clinic_a")
	doc := f.login(t, auth.RolePractitioner, "clinic_a")

	s := f.create(t, doc, pid)
	if s.TenantID != "clinic_a" || s.CreatedBy != doc.ID || s.RequiresCosign {
		t.Errorf("unexpected session %+v", s)
	}
	if !s.Date.Equal(time.Date(2025, 9, 14, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("session_date = %v", s.Date)
	}

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad patient", `{"patient_id":"nope","session_type":"evaluation","session_date":"2025-09-14"}`, "patient_id"},
		{"unknown type", `{"patient_id":"` + pid.String() + `","session_type":"massage","session_date":"2025-09-14"}`, "session_type"},
		{"missing date", `{"patient_id":"` + pid.String() + `","session_type":"treatment"}`, "session_date"},
		{"bad date", `{"patient_id":"` + pid.String() + `","session_type":"treatment","session_date":"14/09/2025"}`, "session_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := f.context(http.MethodPost, tt.body, doc, "")
			apiErr := apiError(t, f.h.CreateSession(c))
			if apiErr.Status != http.StatusBadRequest || len(apiErr.Details) != 1 || apiErr.Details[0].Field != tt.field {
				t.Errorf("expected 400 on %s, got %d %+v", tt.field, apiErr.Status, apiErr.Details)
			}
		})
	}

	c, _ := f.context(http.MethodPost, `{"patient_id":"`+uuid.NewString()+`","session_type":"evaluation","session_date":"2025-09-14"}`, doc, "")
	if apiErr := apiError(t, f.h.CreateSession(c)); apiErr.Status != http.StatusNotFound {
		t.Errorf("unknown patient: expected 404, got %d", apiErr.Status)
	}
}

func TestAddPainPoint(t *testing.T) {
	f := newFixture(t)
	doc := f.login(t, auth.RolePractitioner, "clinic_a")
	s := f.create(t, doc, f.patient(t, "clinic_a"))

	body := `{"body_region":"Lower Back","pain_intensity":7,"coordinates":{"x":100,"y":200},"notes":"Sharp pain after exercise"}`
	c, rec := f.context(http.MethodPost, body, doc, s.ID.String())
	if err := f.h.AddPainPoint(c); err != nil {
		t.Fatalf("add pain point: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got PainPoint
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.BodyRegion != "Lower Back" || got.PainIntensity != 7 || got.Coordinates == nil || got.Coordinates.Y != 200 {
		t.Errorf("unexpected pain point %s", rec.Body.String())
	}
	if got.SessionID != s.ID || got.TenantID != "clinic_a" || got.RecordedBy != doc.ID {
		t.Errorf("pain point not bound to its session: %+v", got)
	}

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"below scale", `{"body_region":"Upper Back","pain_intensity":-1}`, "pain_intensity"},
		{"above scale", `{"body_region":"Neck","pain_intensity":11}`, "pain_intensity"},
		{"missing region", `{"pain_intensity":5}`, "body_region"},
		{"blank region", `{"body_region":"   ","pain_intensity":5}`, "body_region"},
		{"missing intensity", `{"body_region":"Left Knee"}`, "pain_intensity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := f.context(http.MethodPost, tt.body, doc, s.ID.String())
			apiErr := apiError(t, f.h.AddPainPoint(c))
			if apiErr.Status != http.StatusBadRequest || apiErr.Details[0].Field != tt.field {
				t.Errorf("expected 400 on %s, got %d %+v", tt.field, apiErr.Status, apiErr.Details)
			}
		})
	}

	for _, edge := range []string{`{"body_region":"Neck","pain_intensity":0}`, `{"body_region":"Neck","pain_intensity":10}`} {
		c, _ := f.context(http.MethodPost, edge, doc, s.ID.String())
		if err := f.h.AddPainPoint(c); err != nil {
			t.Errorf("%s: %v", edge, err)
		}
	}

	c, rec = f.context(http.MethodGet, "", doc, s.ID.String())
	if err := f.h.ListPainPoints(c); err != nil {
		t.Fatalf("list pain points: %v", err)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 3 {
		t.Errorf("expected 3 pain points, got %d", list.Total)
	}
}

func TestUpdateSession_Ownership(t *testing.T) {
	f := newFixture(t)
	pid := f.patient(t, "clinic_a")
	author := f.login(t, auth.RoleTrainee, "clinic_a")
	other := f.login(t, auth.RoleTrainee, "clinic_a")
	supervisor := f.login(t, auth.RolePractitioner, "clinic_a")

	s := f.create(t, author, pid)
	if !s.RequiresCosign {
		t.Fatal("trainee sessions need a co-signature")
	}
	update := `{"session_type":"treatment","session_date":"2025-09-14T11:00:00Z","notes":"progressing"}`

	c, rec := f.context(http.MethodPut, update, author, s.ID.String())
	if err := f.h.UpdateSession(c); err != nil {
		t.Fatalf("author update: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"session_type":"treatment"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = f.context(http.MethodPut, `{"session_type":"discharge","session_date":"2025-09-14"}`, other, s.ID.String())
	apiErr := apiError(t, f.h.UpdateSession(c))
	if apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for another trainee, got %d", apiErr.Status)
	}
	denied := f.sink.OfKind(audit.KindAccessDenied)
	if len(denied) != 1 || denied[0].Reason != string(auth.ReasonNotOwner) || denied[0].ActorID != other.ID {
		t.Errorf("unexpected denial audit %+v", denied)
	}
	if got, _ := f.svc.GetSession(context.Background(), s.ID); got.Type != TypeTreatment {
		t.Errorf("foreign update must not change the session, got %s", got.Type)
	}

	c, _ = f.context(http.MethodPut, update, supervisor, s.ID.String())
	if err := f.h.UpdateSession(c); err != nil {
		t.Errorf("supervising practitioner should update trainee sessions: %v", err)
	}

	c, _ = f.context(http.MethodPost, "", author, s.ID.String())
	if apiErr := apiError(t, f.h.CosignSession(c)); apiErr.Status != http.StatusForbidden {
		t.Errorf("trainees cannot co-sign, got %d", apiErr.Status)
	}
	c, rec = f.context(http.MethodPost, "", supervisor, s.ID.String())
	if err := f.h.CosignSession(c); err != nil {
		t.Fatalf("cosign: %v", err)
	}
	var signed Session
	json.Unmarshal(rec.Body.Bytes(), &signed)
	if signed.CosignedBy == nil || *signed.CosignedBy != supervisor.ID || signed.CosignedAt == nil {
		t.Errorf("expected co-signature by %s, got %+v", supervisor.ID, signed)
	}

	c, _ = f.context(http.MethodDelete, "", author, s.ID.String())
	if apiErr := apiError(t, f.h.DeleteSession(c)); apiErr.Status != http.StatusForbidden {
		t.Errorf("trainees cannot delete sessions, got %d", apiErr.Status)
	}
	c, rec = f.context(http.MethodDelete, "", supervisor, s.ID.String())
	if err := f.h.DeleteSession(c); err != nil || rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %v", rec.Code, err)
	}
	c, _ = f.context(http.MethodGet, "", supervisor, s.ID.String())
	if apiErr := apiError(t, f.h.GetSession(c)); apiErr.Status != http.StatusNotFound {
		t.Errorf("deleted session: expected 404, got %d", apiErr.Status)
	}
}

func TestCosign_NotRequired(t *testing.T) {
	f := newFixture(t)
	doc := f.login(t, auth.RolePractitioner, "clinic_a")
	s := f.create(t, doc, f.patient(t, "clinic_a"))

	c, _ := f.context(http.MethodPost, "", doc, s.ID.String())
	if apiErr := apiError(t, f.h.CosignSession(c)); apiErr.Status != http.StatusConflict || apiErr.Code != "cosign_not_required" {
		t.Errorf("expected 409 cosign_not_required, got %d %s", apiErr.Status, apiErr.Code)
	}
}

func TestSessions_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	pid := f.patient(t, "clinic_a")
	doc := f.login(t, auth.RolePractitioner, "clinic_a")
	outsider := f.login(t, auth.RolePractitioner, "clinic_b")
	s := f.create(t, doc, pid)

	checks := []struct {
		name string
		call func() error
	}{
		{"read", func() error {
			c, _ := f.context(http.MethodGet, "", outsider, s.ID.String())
			return f.h.GetSession(c)
		}},
		{"update", func() error {
			c, _ := f.context(http.MethodPut, `{"session_type":"treatment","session_date":"2025-09-14"}`, outsider, s.ID.String())
			return f.h.UpdateSession(c)
		}},
		{"pain point", func() error {
			c, _ := f.context(http.MethodPost, `{"body_region":"Neck","pain_intensity":3}`, outsider, s.ID.String())
			return f.h.AddPainPoint(c)
		}},
		{"body map", func() error {
			c, _ := f.context(http.MethodGet, "", outsider, s.ID.String())
			return f.h.ListPainPoints(c)
		}},
		{"create for foreign patient", func() error {
			body := `{"patient_id":"` + pid.String() + `","session_type":"evaluation","session_date":"2025-09-14"}`
			c, _ := f.context(http.MethodPost, body, outsider, "")
			return f.h.CreateSession(c)
		}},
	}
	for _, tt := range checks {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := apiError(t, tt.call())
			if apiErr.Status != http.StatusForbidden || apiErr.Code != access.CodeCrossTenant {
				t.Errorf("expected 403 cross_tenant, got %d %s", apiErr.Status, apiErr.Code)
			}
		})
	}
	if n := len(f.sink.OfKind(audit.KindAccessDenied)); n != len(checks) {
		t.Errorf("expected %d audited denials, got %d", len(checks), n)
	}
	if points, _ := f.svc.PainPoints(context.Background(), s.ID); len(points) != 0 {
		t.Errorf("foreign pain point was stored: %+v", points)
	}

	c, rec := f.context(http.MethodGet, "", outsider, "")
	c.QueryParams().Set("patient_id", pid.String())
	if err := f.h.ListSessions(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 0 {
		t.Errorf("another tenant's sessions leaked into the list: %d", page.Total)
	}
}

func TestSessions_PatientAccess(t *testing.T) {
	f := newFixture(t)
	doc := f.login(t, auth.RolePractitioner, "clinic_a")
	pat := f.login(t, auth.RolePatient, "clinic_a")
	mine := f.create(t, doc, uuid.MustParse(pat.PatientID))
	theirs := f.create(t, doc, f.patient(t, "clinic_a"))

	c, _ := f.context(http.MethodGet, "", pat, mine.ID.String())
	if err := f.h.GetSession(c); err != nil {
		t.Errorf("patients read their own sessions: %v", err)
	}
	c, _ = f.context(http.MethodGet, "", pat, theirs.ID.String())
	if apiErr := apiError(t, f.h.GetSession(c)); apiErr.Code != access.CodeNotOwnData {
		t.Errorf("expected not_own_data, got %s", apiErr.Code)
	}
	c, _ = f.context(http.MethodPost, `{"body_region":"Neck","pain_intensity":3}`, pat, mine.ID.String())
	if apiErr := apiError(t, f.h.AddPainPoint(c)); apiErr.Code != access.CodeInsufficientPermissions {
		t.Errorf("patients only read body maps, got %s", apiErr.Code)
	}

	c, rec := f.context(http.MethodGet, "", pat, "")
	if err := f.h.ListSessions(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("patients list their own sessions by default, got %d", page.Total)
	}
}
