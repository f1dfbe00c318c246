package patient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/internal/platform/session"
)

type handlerFixture struct {
	h        *Handler
	e        *echo.Echo
	svc      *Service
	sessions *session.Manager
	sink     *audit.MemorySink
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	sink := audit.NewMemorySink()
	mgr := session.NewManager(session.NewMemoryStore(), session.DefaultPolicy(), sink, zerolog.Nop())
	svc, slots := newTestService()
	resolver := scheduling.NewResolver(slots, scheduling.NewStaticCalendar(), scheduling.DefaultOptions(), nil)
	orch := access.NewOrchestrator(mgr, auth.NewDefaultPermissionEngine(), resolver, sink, nil, zerolog.Nop())
	return &handlerFixture{h: NewHandler(svc, orch), e: echo.New(), svc: svc, sessions: mgr, sink: sink}
}

func (f *handlerFixture) login(t *testing.T, p auth.Principal) auth.Principal {
	t.Helper()
	rec, err := f.sessions.Start(context.Background(), p)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	p.SessionID = rec.ID.String()
	return p
}

func (f *handlerFixture) context(method, target, body string, p auth.Principal, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
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

func (f *handlerFixture) seed(t *testing.T, tenant string) *Patient {
	t.Helper()
	p := &Patient{FirstName: "Rui", LastName: "Costa"}
	if err := f.svc.CreatePatient(context.Background(), tenant, p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func apiError(t *testing.T, err error) *middleware.APIError {
	t.Helper()
	var apiErr *middleware.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T (%v)", err, err)
	}
	return apiErr
}

func practitioner(tenant string) auth.Principal {
	return auth.Principal{ID: uuid.NewString(), Role: auth.RolePractitioner, TenantID: tenant}
}

func TestHandler_CreatePatient(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.login(t, practitioner("clinic_a"))

	c, rec := f.context(http.MethodPost, "/api/v1/patients", `{"first_name":"Ana","last_name":"Souza","birth_date":"1990-04-02","tenant_id":"clinic_b"}`, p, "")
	if err := f.h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TenantID != "clinic_a" {
		t.Errorf("expected tenant from principal, got %q", got.TenantID)
	}
	if loc := rec.Header().Get(echo.HeaderLocation); loc != "/api/v1/patients/"+got.ID.String() {
		t.Errorf("unexpected Location %q", loc)
	}
	if rec.Header().Get(middleware.AuditedHeader) != "true" {
		t.Error("expected X-Audit-Logged: true")
	}
	if n := len(f.sink.OfKind(audit.KindAccessGranted)); n != 1 {
		t.Errorf("expected 1 access_granted event, got %d", n)
	}
}

func TestHandler_CreatePatient_Validation(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.login(t, practitioner("clinic_a"))

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing first name", `{"last_name":"Souza"}`, "first_name"},
		{"bad birth date", `{"first_name":"Ana","last_name":"Souza","birth_date":"02/04/1990"}`, "birth_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := f.context(http.MethodPost, "/api/v1/patients", tt.body, p, "")
			apiErr := apiError(t, f.h.CreatePatient(c))
			if apiErr.Status != http.StatusBadRequest || apiErr.Code != "validation_failed" {
				t.Fatalf("expected 400 validation_failed, got %d %s", apiErr.Status, apiErr.Code)
			}
			if len(apiErr.Details) != 1 || apiErr.Details[0].Field != tt.field {
				t.Errorf("expected detail for %s, got %+v", tt.field, apiErr.Details)
			}
		})
	}
}

func TestHandler_GetPatient_CrossTenant(t *testing.T) {
	f := newHandlerFixture(t)
	other := f.seed(t, "clinic_b")
	p := f.login(t, practitioner("clinic_a"))

	c, rec := f.context(http.MethodGet, "/", "", p, other.ID.String())
	apiErr := apiError(t, f.h.GetPatient(c))
	if apiErr.Status != http.StatusForbidden || apiErr.Code != access.CodeCrossTenant {
		t.Fatalf("expected 403 cross_tenant, got %d %s", apiErr.Status, apiErr.Code)
	}
	if rec.Header().Get(middleware.AuditedHeader) != "true" {
		t.Error("denials must be audited")
	}
	denied := f.sink.OfKind(audit.KindAccessDenied)
	if len(denied) != 1 || denied[0].Reason != string(auth.ReasonCrossTenant) {
		t.Fatalf("expected one cross_tenant denial, got %+v", denied)
	}
	if denied[0].TargetID != other.ID.String() {
		t.Errorf("expected target %s, got %s", other.ID, denied[0].TargetID)
	}
}

func TestHandler_PatientOwnData(t *testing.T) {
	f := newHandlerFixture(t)
	mine := f.seed(t, "clinic_a")
	theirs := f.seed(t, "clinic_a")
	p := f.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RolePatient, TenantID: "clinic_a", PatientID: mine.ID.String()})

	c, rec := f.context(http.MethodGet, "/", "", p, mine.ID.String())
	if err := f.h.GetPatient(c); err != nil {
		t.Fatalf("own record: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = f.context(http.MethodGet, "/", "", p, theirs.ID.String())
	if apiErr := apiError(t, f.h.GetPatient(c)); apiErr.Code != access.CodeNotOwnData {
		t.Errorf("expected not_own_data, got %s", apiErr.Code)
	}

	c, _ = f.context(http.MethodGet, "/api/v1/patients", "", p, "")
	if apiErr := apiError(t, f.h.ListPatients(c)); apiErr.Status != http.StatusForbidden {
		t.Errorf("patients may not list the tenant, got %d", apiErr.Status)
	}

	c, rec = f.context(http.MethodGet, "/", "", p, mine.ID.String())
	if err := f.h.ExportPatient(c); err != nil {
		t.Fatalf("export own record: %v", err)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), mine.ID.String()) {
		t.Errorf("unexpected Content-Disposition %q", rec.Header().Get(echo.HeaderContentDisposition))
	}
}

func TestHandler_UpdatePatient(t *testing.T) {
	f := newHandlerFixture(t)
	existing := f.seed(t, "clinic_a")

	trainee := f.login(t, auth.Principal{ID: uuid.NewString(), Role: auth.RoleTrainee, TenantID: "clinic_a"})
	c, _ := f.context(http.MethodPut, "/", `{"first_name":"X","last_name":"Y"}`, trainee, existing.ID.String())
	if apiErr := apiError(t, f.h.UpdatePatient(c)); apiErr.Code != access.CodeInsufficientPermissions {
		t.Fatalf("expected insufficient_permissions, got %s", apiErr.Code)
	}

	p := f.login(t, practitioner("clinic_a"))
	c, rec := f.context(http.MethodPut, "/", `{"first_name":"Rui","last_name":"Almeida"}`, p, existing.ID.String())
	if err := f.h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got, _ := f.svc.GetPatient(context.Background(), existing.ID)
	if got.LastName != "Almeida" || got.TenantID != "clinic_a" {
		t.Errorf("unexpected stored patient %+v", got)
	}
}

func TestHandler_ArchivePatient(t *testing.T) {
	f := newHandlerFixture(t)
	existing := f.seed(t, "clinic_a")
	p := f.login(t, practitioner("clinic_a"))

	for i := 0; i < 2; i++ {
		c, rec := f.context(http.MethodPost, "/", "", p, existing.ID.String())
		if err := f.h.ArchivePatient(c); err != nil {
			t.Fatalf("archive #%d: %v", i+1, err)
		}
		var got Patient
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got.Active || got.ArchivedAt == nil {
			t.Errorf("archive #%d: expected archived patient, got %+v", i+1, got)
		}
	}
}

func TestHandler_ListPatients(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "clinic_a")
	f.seed(t, "clinic_a")
	f.seed(t, "clinic_b")
	p := f.login(t, practitioner("clinic_a"))

	c, rec := f.context(http.MethodGet, "/api/v1/patients?limit=1", "", p, "")
	if err := f.h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
		Data    []Patient
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || !body.HasMore || len(body.Data) != 1 {
		t.Errorf("expected 1 of 2 clinic_a patients, got %+v", body)
	}
}

func TestHandler_Errors(t *testing.T) {
	f := newHandlerFixture(t)
	p := f.login(t, practitioner("clinic_a"))

	c, _ := f.context(http.MethodGet, "/", "", p, "not-a-uuid")
	if apiErr := apiError(t, f.h.GetPatient(c)); apiErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", apiErr.Status)
	}

	c, _ = f.context(http.MethodGet, "/", "", p, uuid.NewString())
	if apiErr := apiError(t, f.h.GetPatient(c)); apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", apiErr.Status)
	}

	c, _ = f.context(http.MethodGet, "/", "", auth.Principal{ID: "x", Role: auth.RolePractitioner, TenantID: "clinic_a", SessionID: uuid.NewString()}, uuid.NewString())
	if apiErr := apiError(t, f.h.GetPatient(c)); apiErr.Status != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown session, got %d", apiErr.Status)
	}
}
