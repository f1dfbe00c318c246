package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims is the verified token payload. sid ties the token to a
// server-side session record.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	PatientID string `json:"patient_id,omitempty"`
	SessionID string `json:"sid"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL enables RS256 verification against an external identity provider.
	JWKSURL string
	// SigningKey enables HS256 verification of locally issued tokens.
	SigningKey []byte
}

var ErrInvalidToken = errors.New("invalid token")

const defaultJWKSTTL = 5 * time.Minute

// Verifier checks token signatures and registered claims. Claims are
// never trusted before Verify succeeds.
type Verifier struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func NewVerifier(cfg JWTConfig) (*Verifier, error) {
	v := &Verifier{}
	switch {
	case len(cfg.SigningKey) > 0:
		key := cfg.SigningKey
		v.keyfunc = func(*jwt.Token) (any, error) { return key, nil }
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"HS256"}))
	case cfg.JWKSURL != "":
		v.keyfunc = NewJWKSCache(cfg.JWKSURL, defaultJWKSTTL).Keyfunc
		v.opts = append(v.opts, jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("auth: no signing key or JWKS URL configured")
	}

	v.opts = append(v.opts, jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Principal converts verified claims into a Principal. Every identity
// field is required.
func (c *Claims) Principal() (Principal, error) {
	role, err := ParseRole(c.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || c.TenantID == "" || c.SessionID == "" {
		return Principal{}, fmt.Errorf("%w: missing sub, tenant_id or sid", ErrInvalidToken)
	}
	return Principal{
		ID:        c.Subject,
		Role:      role,
		TenantID:  c.TenantID,
		PatientID: c.PatientID,
		SessionID: c.SessionID,
	}, nil
}

// FailureFunc observes rejected credentials, e.g. for auditing.
type FailureFunc func(c echo.Context, reason string)

// BearerAuth verifies the Authorization header and stores the resulting
// Principal on the request context.
func BearerAuth(v *Verifier, onFailure FailureFunc) echo.MiddlewareFunc {
	reject := func(c echo.Context, reason, msg string) error {
		if onFailure != nil {
			onFailure(c, reason)
		}
		return echo.NewHTTPError(http.StatusUnauthorized, msg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return reject(c, "missing_credentials", "missing authorization header")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return reject(c, "malformed_credentials", "invalid authorization format")
			}

			claims, err := v.Verify(strings.TrimSpace(parts[1]))
			if err != nil {
				return reject(c, "invalid_token", "invalid token")
			}
			p, err := claims.Principal()
			if err != nil {
				return reject(c, "invalid_claims", "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			c.Set("principal", p)
			return next(c)
		}
	}
}
