package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer signs HS256 access tokens for sessions started by this server.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewIssuer(cfg JWTConfig, ttl time.Duration) (*Issuer, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("auth: signing key must be at least 32 bytes")
	}
	return &Issuer{key: cfg.SigningKey, issuer: cfg.Issuer, audience: cfg.Audience, ttl: ttl}, nil
}

// Issue returns a signed token for p bound to p.SessionID.
func (i *Issuer) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if p.SessionID == "" {
		return "", time.Time{}, fmt.Errorf("auth: issue token: principal has no session")
	}
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TenantID:  p.TenantID,
		Role:      string(p.Role),
		PatientID: p.PatientID,
		SessionID: p.SessionID,
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}
