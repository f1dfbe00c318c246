// Package clinicalsession records treatment sessions and the pain points
// charted on each session's body map. Sessions carry their author as the
// record owner, so trainees may change only the sessions they wrote.
package clinicalsession

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/pkg/pagination"
)

// PatientTargets resolves the patient a new session is written for.
type PatientTargets interface {
	Target(id uuid.UUID) access.TargetLoader
}

type Handler struct {
	svc      *Service
	patients PatientTargets
	guard    middleware.Authorizer
}

func NewHandler(svc *Service, patients PatientTargets, guard middleware.Authorizer) *Handler {
	return &Handler{svc: svc, patients: patients, guard: guard}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.PUT("/sessions/:id", h.UpdateSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.POST("/sessions/:id/cosign", h.CosignSession)
	api.GET("/sessions/:id/pain-points", h.ListPainPoints)
	api.POST("/sessions/:id/pain-points", h.AddPainPoint)
}

// Target loads a session as an access target owned by its author.
func (svc *Service) Target(id uuid.UUID) access.TargetLoader {
	return func(ctx context.Context) (*access.Target, error) {
		s, err := svc.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, access.ErrTargetNotFound
		}
		if err != nil {
			return nil, err
		}
		return &access.Target{
			ID:        s.ID.String(),
			TenantID:  s.TenantID,
			PatientID: s.PatientID.String(),
			OwnerID:   s.CreatedBy,
			Record:    s,
		}, nil
	}
}

type sessionInput struct {
	PatientID string `json:"patient_id"`
	Type      string `json:"session_type"`
	Date      string `json:"session_date"`
	Notes     string `json:"notes"`
}

// apply copies the clinical fields onto s. The patient is set on create
// only.
func (in sessionInput) apply(s *Session) error {
	s.Type = Type(in.Type)
	s.Notes = middleware.SanitizeString(in.Notes)
	d, err := parseSessionDate(in.Date)
	if err != nil {
		return err
	}
	s.Date = d
	return nil
}

// parseSessionDate accepts an RFC 3339 timestamp or a bare date.
func parseSessionDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, &FieldError{Field: "session_date", Message: "is required"}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, &FieldError{Field: "session_date", Message: "must be an RFC 3339 timestamp or a YYYY-MM-DD date"}
}

type painPointInput struct {
	BodyRegion    string       `json:"body_region"`
	PainIntensity *int         `json:"pain_intensity"`
	Coordinates   *Coordinates `json:"coordinates"`
	Notes         string       `json:"notes"`
}

func (in painPointInput) toPainPoint() (*PainPoint, error) {
	if in.PainIntensity == nil {
		return nil, &FieldError{Field: "pain_intensity", Message: "is required"}
	}
	return &PainPoint{
		BodyRegion:    middleware.SanitizeString(in.BodyRegion),
		PainIntensity: *in.PainIntensity,
		Coordinates:   in.Coordinates,
		Notes:         middleware.SanitizeString(in.Notes),
	}, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return middleware.NewAPIError(http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
	}
	return nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	var in sessionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	patientID, err := uuid.Parse(in.PatientID)
	if err != nil {
		return middleware.ValidationError("validation_failed", "patient_id", "must be a UUID")
	}

	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "sessions.create",
		Resource:    auth.ResourceClinicalSessions,
		Action:      auth.ActionCreate,
		Target:      h.patients.Target(patientID),
		PatientData: true,
	})
	if err != nil {
		return err
	}

	s := Session{
		TenantID:       out.Principal.TenantID,
		PatientID:      patientID,
		CreatedBy:      out.Principal.ID,
		RequiresCosign: out.Principal.Role == auth.RoleTrainee,
	}
	if err := in.apply(&s); err != nil {
		return fieldError(err)
	}
	if err := h.svc.CreateSession(c.Request().Context(), &s); err != nil {
		return fieldError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/sessions/"+s.ID.String())
	return c.JSON(http.StatusCreated, s)
}

// ListSessions lists one patient's sessions. Patients default to their
// own record.
func (h *Handler) ListSessions(c echo.Context) error {
	claimed, _ := auth.PrincipalFromContext(c.Request().Context())
	filter := c.QueryParam("patient_id")
	if filter == "" && claimed.Role == auth.RolePatient {
		filter = claimed.PatientID
	}
	patientID, err := uuid.Parse(filter)
	if err != nil {
		return middleware.ValidationError("invalid_request", "patient_id", "must be a UUID")
	}

	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "sessions.list",
		Resource:    auth.ResourceClinicalSessions,
		Action:      auth.ActionRead,
		Context:     auth.AccessContext{TenantID: claimed.TenantID, TargetPatientID: patientID.String()},
		PatientData: true,
	})
	if err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), out.Principal.TenantID, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return middleware.InternalError(err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL))
}

func (h *Handler) GetSession(c echo.Context) error {
	out, err := h.onSession(c, "sessions.read", auth.ResourceClinicalSessions, auth.ActionRead)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out.Target.Record)
}

func (h *Handler) UpdateSession(c echo.Context) error {
	var in sessionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	out, err := h.onSession(c, "sessions.update", auth.ResourceClinicalSessions, auth.ActionUpdate)
	if err != nil {
		return err
	}

	s := *out.Target.Record.(*Session)
	if err := in.apply(&s); err != nil {
		return fieldError(err)
	}
	if err := h.svc.UpdateSession(c.Request().Context(), &s); err != nil {
		return fieldError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteSession(c echo.Context) error {
	out, err := h.onSession(c, "sessions.delete", auth.ResourceClinicalSessions, auth.ActionDelete)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSession(c.Request().Context(), out.Target.Record.(*Session).ID); err != nil {
		return fieldError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CosignSession(c echo.Context) error {
	out, err := h.onSession(c, "sessions.cosign", auth.ResourceClinicalSessions, auth.ActionApprove)
	if err != nil {
		return err
	}
	s, err := h.svc.Cosign(c.Request().Context(), out.Target.Record.(*Session).ID, out.Principal.ID)
	if errors.Is(err, ErrCosignNotRequired) {
		return middleware.NewAPIError(http.StatusConflict, "cosign_not_required", err.Error())
	}
	if err != nil {
		return fieldError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) AddPainPoint(c echo.Context) error {
	var in painPointInput
	if err := bind(c, &in); err != nil {
		return err
	}
	out, err := h.onSession(c, "sessions.pain_points.create", auth.ResourceBodyMaps, auth.ActionCreate)
	if err != nil {
		return err
	}

	p, err := in.toPainPoint()
	if err != nil {
		return fieldError(err)
	}
	p.RecordedBy = out.Principal.ID
	if err := h.svc.AddPainPoint(c.Request().Context(), out.Target.Record.(*Session), p); err != nil {
		return fieldError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPainPoints(c echo.Context) error {
	out, err := h.onSession(c, "sessions.pain_points.read", auth.ResourceBodyMaps, auth.ActionRead)
	if err != nil {
		return err
	}
	points, err := h.svc.PainPoints(c.Request().Context(), out.Target.Record.(*Session).ID)
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": points, "total": len(points)})
}

// onSession authorizes an action on the session named by the path.
func (h *Handler) onSession(c echo.Context, name string, res auth.Resource, act auth.Action) (access.Outcome, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return access.Outcome{}, middleware.ValidationError("invalid_id", "id", "id must be a UUID")
	}
	return middleware.Authorize(c, h.guard, access.Operation{
		Name:        name,
		Resource:    res,
		Action:      act,
		Target:      h.svc.Target(id),
		PatientData: true,
	})
}

func fieldError(err error) error {
	var fe *FieldError
	switch {
	case errors.As(err, &fe):
		return middleware.ValidationError("validation_failed", fe.Field, fe.Message)
	case errors.Is(err, ErrNotFound):
		return middleware.NewAPIError(http.StatusNotFound, access.CodeNotFound, "session not found")
	}
	return middleware.InternalError(err)
}
