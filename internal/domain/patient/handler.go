package patient

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

type Handler struct {
	svc   *Service
	guard middleware.Authorizer
}

func NewHandler(svc *Service, guard middleware.Authorizer) *Handler {
	return &Handler{svc: svc, guard: guard}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.POST("/patients/:id/archive", h.ArchivePatient)
	api.GET("/patients/:id/export", h.ExportPatient)
}

// Target loads a patient as an access target.
func (s *Service) Target(id uuid.UUID) access.TargetLoader {
	return func(ctx context.Context) (*access.Target, error) {
		p, err := s.GetPatient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, access.ErrTargetNotFound
		}
		if err != nil {
			return nil, err
		}
		return &access.Target{ID: p.ID.String(), TenantID: p.TenantID, PatientID: p.ID.String(), Record: p}, nil
	}
}

// patientInput is the writable part of a patient.
type patientInput struct {
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	BirthDate      *string    `json:"birth_date"`
	Email          *string    `json:"email"`
	Phone          *string    `json:"phone"`
	PractitionerID *uuid.UUID `json:"practitioner_id"`
}

func (in patientInput) apply(p *Patient) error {
	p.FirstName = middleware.SanitizeString(in.FirstName)
	p.LastName = middleware.SanitizeString(in.LastName)
	p.Email = in.Email
	p.Phone = in.Phone
	p.PractitionerID = in.PractitionerID
	p.BirthDate = nil
	if in.BirthDate != nil && *in.BirthDate != "" {
		d, err := time.Parse("2006-01-02", *in.BirthDate)
		if err != nil {
			return &FieldError{Field: "birth_date", Message: "must be a YYYY-MM-DD date"}
		}
		p.BirthDate = &d
	}
	return nil
}

func bindInput(c echo.Context) (patientInput, error) {
	var in patientInput
	if err := c.Bind(&in); err != nil {
		return in, middleware.NewAPIError(http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
	}
	return in, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, middleware.ValidationError("invalid_id", "id", "id must be a UUID")
	}
	return id, nil
}

func tenantOf(c echo.Context) string {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return p.TenantID
}

func (h *Handler) ListPatients(c echo.Context) error {
	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "patients.list",
		Resource:    auth.ResourcePatients,
		Action:      auth.ActionRead,
		Context:     auth.AccessContext{TenantID: tenantOf(c)},
		PatientData: true,
	})
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), out.Principal.TenantID, pg.Limit, pg.Offset)
	if err != nil {
		return middleware.InternalError(err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL))
}

func (h *Handler) CreatePatient(c echo.Context) error {
	in, err := bindInput(c)
	if err != nil {
		return err
	}
	out, err := middleware.Authorize(c, h.guard, access.Operation{
		Name:        "patients.create",
		Resource:    auth.ResourcePatients,
		Action:      auth.ActionCreate,
		Context:     auth.AccessContext{TenantID: tenantOf(c)},
		PatientData: true,
	})
	if err != nil {
		return err
	}

	var p Patient
	if err := in.apply(&p); err != nil {
		return fieldError(err)
	}
	if err := h.svc.CreatePatient(c.Request().Context(), out.Principal.TenantID, &p); err != nil {
		return fieldError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/patients/"+p.ID.String())
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	out, err := h.onRecord(c, "patients.read", auth.ActionRead)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out.Target.Record)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	in, err := bindInput(c)
	if err != nil {
		return err
	}
	out, err := h.onRecord(c, "patients.update", auth.ActionUpdate)
	if err != nil {
		return err
	}

	p := *out.Target.Record.(*Patient)
	if err := in.apply(&p); err != nil {
		return fieldError(err)
	}
	if err := h.svc.UpdatePatient(c.Request().Context(), &p); err != nil {
		return fieldError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ArchivePatient(c echo.Context) error {
	out, err := h.onRecord(c, "patients.archive", auth.ActionArchive)
	if err != nil {
		return err
	}
	p, err := h.svc.ArchivePatient(c.Request().Context(), out.Target.Record.(*Patient).ID)
	if err != nil {
		return fieldError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ExportPatient(c echo.Context) error {
	out, err := h.onRecord(c, "patients.export", auth.ActionExport)
	if err != nil {
		return err
	}
	exp, err := h.svc.ExportPatient(c.Request().Context(), out.Target.Record.(*Patient).ID)
	if err != nil {
		return fieldError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="patient-`+exp.Patient.ID.String()+`.json"`)
	return c.JSON(http.StatusOK, exp)
}

// onRecord authorizes an action on the patient named by the path.
func (h *Handler) onRecord(c echo.Context, name string, act auth.Action) (access.Outcome, error) {
	id, err := pathID(c)
	if err != nil {
		return access.Outcome{}, err
	}
	return middleware.Authorize(c, h.guard, access.Operation{
		Name:        name,
		Resource:    auth.ResourcePatients,
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
		return middleware.NewAPIError(http.StatusNotFound, access.CodeNotFound, "patient not found")
	}
	return middleware.InternalError(err)
}
