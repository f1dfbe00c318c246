package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/careguard/internal/config"
	"github.com/ehr/careguard/internal/domain/account"
	"github.com/ehr/careguard/internal/platform/middleware"
)

const testPassword = "correct-horse-battery"

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "debug",
		CORSOrigins:            []string{"http://localhost:3000"},
		JWTSigningKey:          "0123456789abcdef0123456789abcdef",
		AuthIssuer:             "careguard-test",
		TokenTTL:               time.Hour,
		SessionTimeoutClinical: 30 * time.Minute,
		SessionTimeoutPatient:  7 * 24 * time.Hour,
		RefreshThreshold:       5 * time.Minute,
		MaxRefreshAttempts:     12,
		RateLimitWindow:        time.Minute,
		RateLimitCeiling:       100,
		LoginBurst:             5,
		LoginInterval:          12 * time.Second,
		SuggestionCount:        3,
		SuggestionStepMinutes:  15,
		BodyLimit:              "1M",
		RequestTimeout:         30 * time.Second,
	}
}

type server struct {
	e   *echo.Echo
	a   *app
	log *bytes.Buffer
}

func newServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	buf := &bytes.Buffer{}
	a, err := newApp(context.Background(), cfg, zerolog.New(buf))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	e, err := a.router()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return &server{e: e, a: a, log: buf}
}

func (s *server) do(method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		r.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, r)
	return rec
}

// account creates a login and returns a bearer token and the account id.
func (s *server) account(t *testing.T, tenant, email, role string) (string, string) {
	t.Helper()
	acct, err := s.a.accounts.CreateAccount(context.Background(), account.NewAccount{
		TenantID: tenant, Email: email, Password: testPassword, Name: email, Role: role,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	rec := s.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"`+email+`","password":"`+testPassword+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp.AccessToken, acct.ID.String()
}

// patient registers a patient in the caller's tenant and returns its id.
func (s *server) patient(t *testing.T, token string) string {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/patients", token, `{"first_name":"Lia","last_name":"Souza","birth_date":"1990-04-02"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient: %d %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["id"].(string)
}

func bookingBody(patientID, practitionerID, date, start string) string {
	return `{"patient_id":"` + patientID + `","practitioner_id":"` + practitionerID + `",` +
		`"appointment_date":"` + date + `","start_time":"` + start + `","duration_minutes":60,"appointment_type":"initial_consultation"}`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newServer(t, testConfig())
	rec := s.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected health body %v", body)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestMissingTokenIsAudited(t *testing.T) {
	s := newServer(t, testConfig())
	rec := s.do(http.MethodGet, "/api/v1/patients", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(s.log.String(), `"kind":"auth_failure"`) || !strings.Contains(s.log.String(), `"reason":"missing_credentials"`) {
		t.Errorf("expected an auth_failure audit line, log:\n%s", s.log.String())
	}

	rec = s.do(http.MethodGet, "/api/v1/patients", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", rec.Code)
	}
}

func TestBookingFlow(t *testing.T) {
	s := newServer(t, testConfig())
	token, docID := s.account(t, "clinic_a", "doc@example.com", "practitioner")

	rec := s.do(http.MethodPost, "/api/v1/patients", token, `{"first_name":"Lia","last_name":"Souza","birth_date":"1990-04-02"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(middleware.AuditedHeader) != "true" {
		t.Error("expected the grant to be audited")
	}
	pat := decode(t, rec)
	if pat["tenant_id"] != "clinic_a" {
		t.Errorf("patient should belong to the caller's tenant, got %v", pat["tenant_id"])
	}

	booking := bookingBody(pat["id"].(string), docID, "2025-09-22", "09:00")
	rec = s.do(http.MethodPost, "/api/v1/appointments", token, booking)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: %d %s", rec.Code, rec.Body.String())
	}
	slot := decode(t, rec)
	if slot["end_time"] != "10:00" || slot["practitioner_id"] != docID {
		t.Errorf("unexpected slot %v", slot)
	}

	rec = s.do(http.MethodPost, "/api/v1/appointments", token, booking)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double booking, got %d %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["error"] != "scheduling_conflict" {
		t.Errorf("unexpected conflict body %v", body)
	}

	rec = s.do(http.MethodGet, "/api/v1/appointments", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if total := decode(t, rec)["total"]; total != float64(1) {
		t.Errorf("expected one appointment, got %v", total)
	}
}

// 2025-09-20 is a Saturday; the default calendar keeps it open all afternoon.
func TestSaturdayDoubleBookingGetsSuggestions(t *testing.T) {
	s := newServer(t, testConfig())
	token, docID := s.account(t, "clinic_x", "doc@example.com", "practitioner")
	booking := bookingBody(s.patient(t, token), docID, "2025-09-20", "14:30")

	rec := s.do(http.MethodPost, "/api/v1/appointments", token, booking)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first booking: %d %s", rec.Code, rec.Body.String())
	}
	first := decode(t, rec)

	booking = bookingBody(s.patient(t, token), docID, "2025-09-20", "14:30")
	rec = s.do(http.MethodPost, "/api/v1/appointments", token, booking)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error    string `json:"error"`
		Conflict struct {
			Existing struct {
				ID    string `json:"id"`
				Start string `json:"start_time"`
				End   string `json:"end_time"`
			} `json:"existing"`
			Suggestions []string `json:"suggestions"`
		} `json:"conflict"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "scheduling_conflict" || body.Conflict.Existing.ID != first["id"] {
		t.Errorf("unexpected conflict body %s", rec.Body.String())
	}
	if body.Conflict.Existing.Start != "14:30" || body.Conflict.Existing.End != "15:30" {
		t.Errorf("unexpected blocking window %+v", body.Conflict.Existing)
	}
	if len(body.Conflict.Suggestions) == 0 {
		t.Error("expected alternative start times")
	}
}

func TestBookingChecksPractitioner(t *testing.T) {
	s := newServer(t, testConfig())
	token, _ := s.account(t, "clinic_a", "doc@example.com", "practitioner")
	_, foreignDoc := s.account(t, "clinic_b", "other@example.com", "practitioner")
	_, admin := s.account(t, "clinic_a", "admin@example.com", "admin")
	pid := s.patient(t, token)

	rec := s.do(http.MethodPost, "/api/v1/appointments", token, bookingBody(pid, foreignDoc, "2025-09-22", "09:00"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign practitioner: expected 403, got %d %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["error"] != "cross_tenant" {
		t.Errorf("unexpected body %v", body)
	}
	if !strings.Contains(s.log.String(), `"target_tenant_id":"clinic_b"`) {
		t.Errorf("expected the denial to name the practitioner's tenant, log:\n%s", s.log.String())
	}

	for name, id := range map[string]string{
		"unknown":       "6f1c1f7e-3a52-4a4e-9a55-0d7a4f9b7c10",
		"not clinician": admin,
	} {
		rec = s.do(http.MethodPost, "/api/v1/appointments", token, bookingBody(pid, id, "2025-09-22", "09:00"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s practitioner: expected 400, got %d %s", name, rec.Code, rec.Body.String())
		}
		if body := decode(t, rec); body["error"] != "unknown_practitioner" {
			t.Errorf("%s practitioner: unexpected body %v", name, body)
		}
	}

	rec = s.do(http.MethodGet, "/api/v1/appointments", token, "")
	if total := decode(t, rec)["total"]; total != float64(0) {
		t.Errorf("nothing should have been booked, got %v", total)
	}
}

func TestTenantHeaderMismatch(t *testing.T) {
	s := newServer(t, testConfig())
	token, _ := s.account(t, "clinic_a", "doc@example.com", "practitioner")

	rec := s.do(http.MethodGet, "/api/v1/patients", token, "", middleware.TenantHeader, "clinic_b")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "cross_tenant" {
		t.Errorf("unexpected body %v", body)
	}

	rec = s.do(http.MethodGet, "/api/v1/patients", token, "", middleware.TenantHeader, "clinic_a")
	if rec.Code != http.StatusOK {
		t.Errorf("matching tenant header should pass, got %d", rec.Code)
	}
}

func TestThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitCeiling = 3
	s := newServer(t, cfg)
	token, _ := s.account(t, "clinic_a", "doc@example.com", "practitioner")

	for i := 0; i < 3; i++ {
		if rec := s.do(http.MethodGet, "/api/v1/auth/profile", token, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := s.do(http.MethodGet, "/api/v1/auth/profile", token, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
}

func TestThrottleCountsRejectedTokens(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitCeiling = 5
	s := newServer(t, cfg)

	codes := map[int]int{}
	for i := 0; i < 20; i++ {
		codes[s.do(http.MethodGet, "/api/v1/patients", "not-a-jwt", "").Code]++
	}
	if codes[http.StatusUnauthorized] != 5 || codes[http.StatusTooManyRequests] != 15 {
		t.Errorf("expected 5 401s then 429s, got %v", codes)
	}
	if n := strings.Count(s.log.String(), `"kind":"auth_failure"`); n != 5 {
		t.Errorf("throttled requests should not reach the token check, got %d auth failures", n)
	}
}

func TestBootstrapAdminIsIdempotent(t *testing.T) {
	s := newServer(t, testConfig())
	for i := 0; i < 2; i++ {
		if err := s.a.bootstrapAdmin(context.Background(), "clinic_a", "root@example.com", testPassword); err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
	}
	rec := s.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"root@example.com","password":"`+testPassword+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login: %d", rec.Code)
	}
}

func TestCommands(t *testing.T) {
	got := strings.Join(commandNames(rootCmd()), ",")
	want := "migrate status,migrate up,serve,tenant add,tenant hours,user create"
	if !strings.Contains(got, want) {
		t.Errorf("commands = %s, want %s", got, want)
	}
}

func TestTenantHoursCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"tenant", "hours", "clinic_a"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "Monday") || !strings.Contains(out.String(), "Sunday     closed") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

// commandNames lists the leaf commands under root.
func commandNames(root *cobra.Command) []string {
	var out []string
	var walk func(c *cobra.Command, prefix string)
	walk = func(c *cobra.Command, prefix string) {
		for _, sub := range c.Commands() {
			name := prefix + sub.Name()
			if sub.HasSubCommands() {
				walk(sub, name+" ")
				continue
			}
			out = append(out, name)
		}
	}
	walk(root, "")
	sort.Strings(out)
	return out
}
