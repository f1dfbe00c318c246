package account

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/internal/platform/session"
)

// SessionGuard checks the caller's session without a resource grant.
type SessionGuard interface {
	Authenticate(ctx context.Context, claimed auth.Principal, name string) access.Outcome
}

// PractitionerTarget loads an active practitioner or trainee account as
// the owner of a calendar. Other roles and disabled logins are not found.
func (s *Service) PractitionerTarget(id uuid.UUID) access.TargetLoader {
	return func(ctx context.Context) (*access.Target, error) {
		a, err := s.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, access.ErrTargetNotFound
		}
		if err != nil {
			return nil, err
		}
		if !a.Active || (a.Role != auth.RolePractitioner && a.Role != auth.RoleTrainee) {
			return nil, access.ErrTargetNotFound
		}
		return &access.Target{ID: a.ID.String(), TenantID: a.TenantID, OwnerID: a.ID.String(), Record: a}, nil
	}
}

// Handler serves the login and session endpoints. issuer is nil when
// tokens come from an external identity provider; login is then off.
type Handler struct {
	svc      *Service
	sessions *session.Manager
	issuer   *auth.Issuer
	guard    SessionGuard
	sink     audit.Sink
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHandler(svc *Service, sessions *session.Manager, issuer *auth.Issuer, guard SessionGuard, sink audit.Sink, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		sessions: sessions,
		issuer:   issuer,
		guard:    guard,
		sink:     sink,
		logger:   logger.With().Str("component", "auth").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes mounts login on public, which has no bearer check, and
// the session endpoints on api.
func (h *Handler) RegisterRoutes(public, api *echo.Group, loginMW ...echo.MiddlewareFunc) {
	public.POST("/auth/login", h.Login, loginMW...)
	api.GET("/auth/profile", h.Profile)
	api.POST("/auth/refresh", h.Refresh)
	api.POST("/auth/logout", h.Logout)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionView struct {
	ID              uuid.UUID     `json:"id"`
	State           session.State `json:"state"`
	TimeoutSeconds  int           `json:"timeout_seconds"`
	ExpiresIn       int           `json:"expires_in"`
	RefreshAttempts int           `json:"refresh_attempts"`
	ShouldRefresh   bool          `json:"should_refresh"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token,omitempty"`
	TokenType   string      `json:"token_type,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	Session     sessionView `json:"session"`
	User        *Account    `json:"user,omitempty"`
}

func viewOf(rec *session.Record, v session.Verdict) sessionView {
	sv := sessionView{
		ID:              rec.ID,
		State:           v.State,
		TimeoutSeconds:  int(rec.Timeout / time.Second),
		RefreshAttempts: rec.RefreshAttempts,
		ShouldRefresh:   v.ShouldRefresh,
	}
	if v.Remaining > 0 {
		sv.ExpiresIn = int(v.Remaining / time.Second)
	}
	return sv
}

func (h *Handler) Login(c echo.Context) error {
	if h.issuer == nil {
		return middleware.NewAPIError(http.StatusNotFound, "login_disabled", "sign in with the configured identity provider")
	}
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return middleware.NewAPIError(http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return middleware.ValidationError("validation_failed", "email", "email and password are required")
	}

	ctx := c.Request().Context()
	a, err := h.svc.Authenticate(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		h.loginFailed(ctx, req.Email, "bad_credentials")
		return middleware.NewAPIError(http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
	case errors.Is(err, ErrInactive):
		h.loginFailed(ctx, req.Email, "inactive_account")
		return middleware.NewAPIError(http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
	case err != nil:
		return middleware.InternalError(err)
	}

	rec, err := h.sessions.Start(ctx, a.Principal())
	if err != nil {
		return middleware.InternalError(err)
	}
	token, exp, err := h.issuer.Issue(rec.Principal(), h.now())
	if err != nil {
		return middleware.InternalError(err)
	}
	h.logger.Info().
		Str("request_id", audit.RequestIDFromContext(ctx)).
		Str("actor_id", a.ID.String()).
		Str("tenant_id", a.TenantID).
		Str("session_id", rec.ID.String()).
		Msg("login")

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   &exp,
		Session:     viewOf(rec, h.sessions.Policy().Evaluate(rec, h.now())),
		User:        a,
	})
}

// loginFailed audits a rejected login. The email is kept as the actor so
// repeated guessing is visible per account.
func (h *Handler) loginFailed(ctx context.Context, email, reason string) {
	if h.sink == nil {
		return
	}
	err := h.sink.Record(context.WithoutCancel(ctx), audit.Event{
		Kind:    audit.KindAuthFailure,
		Outcome: audit.OutcomeDenied,
		ActorID: strings.ToLower(email),
		Reason:  reason,
		Payload: map[string]any{"operation": "auth.login"},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("audit login failure")
	}
}

func (h *Handler) authenticate(c echo.Context, name string) (access.Outcome, error) {
	claimed, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return access.Outcome{}, middleware.NewAPIError(http.StatusUnauthorized, access.CodeUnauthorized, "authentication required")
	}
	out := h.guard.Authenticate(c.Request().Context(), claimed, name)
	middleware.WriteOutcomeHeaders(c, out)
	return out, middleware.OutcomeError(out)
}

type profileResponse struct {
	Principal auth.Principal `json:"principal"`
	User      *Account       `json:"user,omitempty"`
	Session   sessionView    `json:"session"`
}

func (h *Handler) Profile(c echo.Context) error {
	out, err := h.authenticate(c, "auth.profile")
	if err != nil {
		return err
	}
	resp := profileResponse{Principal: *out.Principal, Session: viewOf(out.Session, out.Verdict)}

	// Principals from an external identity provider may have no account.
	if id, err := uuid.Parse(out.Principal.ID); err == nil {
		a, err := h.svc.GetAccount(c.Request().Context(), id)
		switch {
		case err == nil:
			resp.User = a
		case !errors.Is(err, ErrNotFound):
			return middleware.InternalError(err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh resets the inactivity window and, when this server issues
// tokens, returns a new one bound to the same session.
func (h *Handler) Refresh(c echo.Context) error {
	out, err := h.authenticate(c, "auth.refresh")
	if err != nil {
		return err
	}
	rec, v, err := h.sessions.Refresh(c.Request().Context(), out.Session.ID)
	if errors.Is(err, session.ErrRefreshRejected) {
		code, msg := access.CodeSessionInvalid, "session can no longer be refreshed, please sign in again"
		if v.State == session.StateExpired {
			code, msg = access.CodeSessionExpired, "session expired, please sign in again"
		}
		c.Response().Header().Set(middleware.SessionStateHeader, string(v.State))
		return middleware.NewAPIError(http.StatusUnauthorized, code, msg)
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	c.Response().Header().Set(middleware.SessionStateHeader, string(v.State))

	resp := tokenResponse{Session: viewOf(rec, v)}
	if h.issuer != nil {
		token, exp, err := h.issuer.Issue(rec.Principal(), h.now())
		if err != nil {
			return middleware.InternalError(err)
		}
		resp.AccessToken, resp.TokenType, resp.ExpiresAt = token, "Bearer", &exp
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout ends the token's session. It succeeds for sessions that have
// already ended.
func (h *Handler) Logout(c echo.Context) error {
	claimed, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.NewAPIError(http.StatusUnauthorized, access.CodeUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(claimed.SessionID)
	if err != nil {
		return middleware.NewAPIError(http.StatusUnauthorized, access.CodeUnauthorized, "authentication required")
	}
	if err := h.sessions.Logout(c.Request().Context(), id); err != nil {
		return middleware.InternalError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
