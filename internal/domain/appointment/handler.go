// Package appointment exposes practitioner scheduling over HTTP. Every
// request runs through the access pipeline; writes reach the conflict
// resolver only after the caller is authorized for the patient.
package appointment

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/middleware"
	"github.com/ehr/careguard/pkg/pagination"
)

// PatientTargets resolves the patient an appointment is booked for.
type PatientTargets interface {
	Target(id uuid.UUID) access.TargetLoader
}

// PractitionerTargets resolves the practitioner whose calendar is booked.
type PractitionerTargets interface {
	PractitionerTarget(id uuid.UUID) access.TargetLoader
}

type Handler struct {
	resolver      *scheduling.Resolver
	patients      PatientTargets
	practitioners PractitionerTargets
	guard         middleware.Authorizer
}

func NewHandler(resolver *scheduling.Resolver, patients PatientTargets, practitioners PractitionerTargets, guard middleware.Authorizer) *Handler {
	return &Handler{resolver: resolver, patients: patients, practitioners: practitioners, guard: guard}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.CreateAppointment)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.CancelAppointment)
}

type bookingRequest struct {
	PatientID       string                 `json:"patient_id"`
	PractitionerID  string                 `json:"practitioner_id"`
	Date            string                 `json:"appointment_date"`
	StartTime       string                 `json:"start_time"`
	DurationMinutes int                    `json:"duration_minutes"`
	AppointmentType string                 `json:"appointment_type"`
	Location        string                 `json:"location"`
	Notes           string                 `json:"notes"`
	ConflictMode    string                 `json:"conflict_mode"`
	Recurrence      *scheduling.Recurrence `json:"recurrence"`
}

// toRequest parses the body into a scheduling request, collecting every
// malformed field. Range and business-hour rules are left to the resolver.
func (b bookingRequest) toRequest() (scheduling.Request, error) {
	var (
		req     scheduling.Request
		details []middleware.FieldDetail
		err     error
	)
	bad := func(field, msg string) {
		details = append(details, middleware.FieldDetail{Field: field, Message: msg})
	}

	if req.PatientID, err = uuid.Parse(b.PatientID); err != nil {
		bad("patient_id", "must be a UUID")
	}
	if req.PractitionerID, err = uuid.Parse(b.PractitionerID); err != nil {
		bad("practitioner_id", "must be a UUID")
	}
	if req.Date, err = scheduling.ParseDate(b.Date); err != nil {
		bad("appointment_date", "must be a YYYY-MM-DD date")
	}
	if req.Start, err = scheduling.ParseClock(b.StartTime); err != nil {
		bad("start_time", "must be an HH:MM time")
	}
	if b.DurationMinutes == 0 {
		bad("duration_minutes", "is required")
	}
	if b.AppointmentType == "" {
		bad("appointment_type", "is required")
	}
	if details != nil {
		return req, &middleware.APIError{
			Status:  http.StatusBadRequest,
			Code:    "validation_failed",
			Message: "request has invalid fields",
			Details: details,
		}
	}

	req.DurationMinutes = b.DurationMinutes
	req.AppointmentType = scheduling.AppointmentType(b.AppointmentType)
	req.Location = middleware.SanitizeString(b.Location)
	req.Notes = middleware.SanitizeString(b.Notes)
	req.Mode = scheduling.ConflictMode(b.ConflictMode)
	if req.Mode == "" {
		req.Mode = scheduling.ModeSuggestAlternative
	}
	return req, nil
}

// conflictBody is the 409 answer: the error envelope plus the blocking
// window and the alternatives.
type conflictBody struct {
	middleware.ErrorBody
	Conflict *scheduling.Conflict     `json:"conflict,omitempty"`
	Series   *scheduling.SeriesResult `json:"series,omitempty"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var body bookingRequest
	if err := c.Bind(&body); err != nil {
		return middleware.NewAPIError(http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
	}
	req, err := body.toRequest()
	if err != nil {
		return err
	}

	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "appointments.create",
		Resource:    auth.ResourceAppointments,
		Action:      auth.ActionCreate,
		Target:      h.patients.Target(req.PatientID),
		Schedule: &access.ScheduleWrite{
			Request:      req,
			Recurrence:   body.Recurrence,
			Practitioner: h.practitioners.PractitionerTarget(req.PractitionerID),
		},
		PatientData: true,
	})
	if err != nil {
		return err
	}

	switch out.Kind {
	case access.KindReserved:
		sl := out.Reservation.Reserved
		c.Response().Header().Set(echo.HeaderLocation, "/api/v1/appointments/"+sl.ID.String())
		return c.JSON(http.StatusCreated, sl)
	case access.KindSeries:
		return c.JSON(http.StatusCreated, out.Series)
	case access.KindConflict:
		resp := conflictBody{ErrorBody: middleware.ErrorBody{Error: out.Code, Message: out.Message}, Series: out.Series}
		if out.Reservation != nil {
			resp.Conflict = out.Reservation.Conflict
		}
		return c.JSON(http.StatusConflict, resp)
	}
	return middleware.InternalError(errors.New("unexpected outcome " + string(out.Kind)))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	out, err := h.onSlot(c, "appointments.read", auth.ActionRead)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out.Target.Record)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	out, err := h.onSlot(c, "appointments.cancel", auth.ActionDelete)
	if err != nil {
		return err
	}
	sl, err := h.resolver.Cancel(c.Request().Context(), out.Target.Record.(*scheduling.Slot).ID)
	if re, ok := scheduling.AsRuleError(err); ok {
		return middleware.NewAPIError(http.StatusConflict, re.Code, re.Message)
	}
	if err != nil {
		return middleware.InternalError(err)
	}
	return c.JSON(http.StatusOK, sl)
}

// ListAppointments lists the caller's tenant calendar. Patients only ever
// see their own appointments.
func (h *Handler) ListAppointments(c echo.Context) error {
	claimed, _ := auth.PrincipalFromContext(c.Request().Context())
	q := scheduling.ListQuery{TenantID: claimed.TenantID}

	if v := c.QueryParam("practitioner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return middleware.ValidationError("invalid_request", "practitioner_id", "must be a UUID")
		}
		q.PractitionerID = &id
	}
	patientFilter := c.QueryParam("patient_id")
	if patientFilter == "" && claimed.Role == auth.RolePatient {
		patientFilter = claimed.PatientID
	}
	if patientFilter != "" {
		id, err := uuid.Parse(patientFilter)
		if err != nil {
			return middleware.ValidationError("invalid_request", "patient_id", "must be a UUID")
		}
		q.PatientID = &id
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := scheduling.ParseDate(v)
		if err != nil {
			return middleware.ValidationError("invalid_request", "date", "must be a YYYY-MM-DD date")
		}
		q.Date = &d
	}

	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "appointments.list",
		Resource:    auth.ResourceAppointments,
		Action:      auth.ActionRead,
		Context:     auth.AccessContext{TenantID: claimed.TenantID, TargetPatientID: patientFilter},
		PatientData: true,
	})
	if err != nil {
		return err
	}
	q.TenantID = out.Principal.TenantID

	pg := pagination.FromContext(c)
	q.Limit, q.Offset = pg.Limit, pg.Offset
	slots, total, err := h.resolver.Store().List(c.Request().Context(), q)
	if err != nil {
		return middleware.InternalError(err)
	}
	if slots == nil {
		slots = []*scheduling.Slot{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(slots, total, pg, c.Request().URL))
}

func (h *Handler) onSlot(c echo.Context, name string, act auth.Action) (access.Outcome, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return access.Outcome{}, middleware.ValidationError("invalid_id", "id", "id must be a UUID")
	}
	return middleware.Authorize(c, h.guard, access.Operation{
		Name:        name,
		Resource:    auth.ResourceAppointments,
		Action:      act,
		Target:      h.slotTarget(id),
		PatientData: true,
	})
}

func (h *Handler) slotTarget(id uuid.UUID) access.TargetLoader {
	return func(ctx context.Context) (*access.Target, error) {
		sl, err := h.resolver.Store().Get(ctx, id)
		if errors.Is(err, scheduling.ErrNotFound) {
			return nil, access.ErrTargetNotFound
		}
		if err != nil {
			return nil, err
		}
		return &access.Target{
			ID:        sl.ID.String(),
			TenantID:  sl.TenantID,
			PatientID: sl.PatientID.String(),
			OwnerID:   sl.CreatedBy,
			Record:    sl,
		}, nil
	}
}
