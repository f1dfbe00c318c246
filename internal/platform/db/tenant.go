package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,63}$`)

// ValidTenantID reports whether id is usable as a tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// EnsureTenant registers a tenant, updating its display name if it exists.
func EnsureTenant(ctx context.Context, db execer, id, name string) error {
	if !ValidTenantID(id) {
		return fmt.Errorf("invalid tenant id %q: must be alphanumeric or underscore", id)
	}
	if name == "" {
		name = id
	}
	_, err := db.Exec(ctx, `
		INSERT INTO tenants (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	if err != nil {
		return fmt.Errorf("ensure tenant %s: %w", id, err)
	}
	return nil
}
