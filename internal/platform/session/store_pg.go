package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/careguard/internal/platform/auth"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps sessions in the sessions table. Counters and activity
// timestamps are updated with single statements so concurrent requests
// on one session never lose an increment.
type PGStore struct {
	db queryable
}

func NewPGStore(db queryable) *PGStore {
	return &PGStore{db: db}
}

const sessionCols = `id, principal_id, role, tenant_id, COALESCE(patient_id, ''), created_at,
	last_activity_at, timeout_seconds, refresh_attempts, terminated_at, COALESCE(termination_reason, '')`

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	var patientID *string
	if rec.PatientID != "" {
		patientID = &rec.PatientID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, principal_id, role, tenant_id, patient_id,
			created_at, last_activity_at, timeout_seconds, refresh_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.PrincipalID, string(rec.Role), rec.TenantID, patientID,
		rec.CreatedAt, rec.LastActivityAt, int64(rec.Timeout/time.Second), rec.RefreshAttempts)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var (
		rec     Record
		role    string
		seconds int64
	)
	err := s.db.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id).Scan(
		&rec.ID, &rec.PrincipalID, &role, &rec.TenantID, &rec.PatientID, &rec.CreatedAt,
		&rec.LastActivityAt, &seconds, &rec.RefreshAttempts, &rec.TerminatedAt, &rec.TerminationReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	rec.Role = auth.Role(role)
	rec.Timeout = time.Duration(seconds) * time.Second
	return &rec, nil
}

func (s *PGStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1 AND terminated_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) IncrementRefresh(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE sessions
		SET refresh_attempts = refresh_attempts + 1,
			last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1 AND terminated_at IS NULL
		RETURNING refresh_attempts`, id, at).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("session: increment refresh: %w", err)
	}
	return n, nil
}

func (s *PGStore) Terminate(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET terminated_at = $2, termination_reason = $3
		WHERE id = $1 AND terminated_at IS NULL`, id, at, reason)
	if err != nil {
		return false, fmt.Errorf("session: terminate: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
