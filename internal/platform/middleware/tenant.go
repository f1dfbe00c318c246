package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/platform/audit"
	"github.com/ehr/careguard/internal/platform/auth"
)

const TenantHeader = "X-Tenant-ID"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,63}$`)

// TenantMatch rejects a request whose X-Tenant-ID names a tenant other
// than the authenticated principal's. The header is optional and never
// selects the tenant; it must run after BearerAuth.
func TenantMatch(sink audit.Sink, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(TenantHeader)
			if header == "" {
				return next(c)
			}
			if !tenantIDPattern.MatchString(header) {
				return ValidationError("invalid_tenant", TenantHeader, "tenant id must be alphanumeric")
			}
			p, ok := auth.PrincipalFromContext(c.Request().Context())
			if !ok {
				return NewAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
			}
			if d := auth.AssertSameTenant(p.TenantID, header); !d.Allowed {
				if sink != nil {
					err := sink.Record(context.WithoutCancel(c.Request().Context()), audit.Event{
						Kind:      audit.KindAccessDenied,
						Outcome:   audit.OutcomeDenied,
						TenantID:  p.TenantID,
						ActorID:   p.ID,
						ActorRole: string(p.Role),
						Reason:    string(d.Reason),
						Payload:   map[string]any{"requested_tenant": header, "route": c.Path()},
					})
					if err != nil {
						logger.Error().Err(err).Msg("audit tenant header mismatch")
					}
				}
				return NewAPIError(http.StatusForbidden, "cross_tenant", "access to another tenant is not allowed")
			}
			return next(c)
		}
	}
}
