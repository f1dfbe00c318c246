package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/access"
	"github.com/ehr/careguard/internal/platform/auth"
)

const (
	AuditedHeader      = "X-Audit-Logged"
	SessionStateHeader = "X-Session-State"
)

// Authorizer is the access pipeline handlers run their operations through.
type Authorizer interface {
	Authorize(ctx context.Context, claimed auth.Principal, op access.Operation) access.Outcome
}

// OutcomeStatus maps an outcome kind to its HTTP status.
func OutcomeStatus(k access.Kind) int {
	switch k {
	case access.KindAllowed:
		return http.StatusOK
	case access.KindReserved, access.KindSeries:
		return http.StatusCreated
	case access.KindConflict:
		return http.StatusConflict
	case access.KindUnauthenticated:
		return http.StatusUnauthorized
	case access.KindForbidden:
		return http.StatusForbidden
	case access.KindNotFound:
		return http.StatusNotFound
	case access.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// OutcomeError converts a refused or failed outcome into an APIError.
// It returns nil for outcomes that let the request proceed.
func OutcomeError(out access.Outcome) error {
	if out.OK() {
		return nil
	}
	switch out.Kind {
	case access.KindFailed, "":
		return InternalError(out.Err)
	case access.KindInvalid:
		if re, ok := scheduling.AsRuleError(out.Err); ok {
			return ValidationError(re.Code, re.Field, re.Message)
		}
	}
	return NewAPIError(OutcomeStatus(out.Kind), out.Code, out.Message)
}

// WriteOutcomeHeaders reports the audit and session state of out.
func WriteOutcomeHeaders(c echo.Context, out access.Outcome) {
	h := c.Response().Header()
	h.Set(AuditedHeader, strconv.FormatBool(out.Audited))
	if out.Verdict.State != "" {
		h.Set(SessionStateHeader, string(out.Verdict.State))
	}
}

// Authorize runs op for the request's principal. The returned error is
// non-nil whenever the handler must stop; conflicts come back with a nil
// error so the caller can render the alternatives.
func Authorize(c echo.Context, az Authorizer, op access.Operation) (access.Outcome, error) {
	claimed, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return access.Outcome{Kind: access.KindUnauthenticated}, NewAPIError(http.StatusUnauthorized, access.CodeUnauthorized, "authentication required")
	}
	out := az.Authorize(c.Request().Context(), claimed, op)
	WriteOutcomeHeaders(c, out)
	if out.Kind == access.KindConflict {
		return out, nil
	}
	return out, OutcomeError(out)
}
