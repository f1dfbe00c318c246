package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps slots in the appointments table. Reservations serialize
// on a transaction-scoped advisory lock per practitioner day, so the
// overlap check and the insert are atomic without table locks.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const slotCols = `id, tenant_id, practitioner_id, patient_id, appointment_date, start_minute,
	duration_minutes, appointment_type, slot_type, status, COALESCE(location, ''), COALESCE(notes, ''),
	created_by, requires_cosign, series_id, created_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var start int
	err := row.Scan(&s.ID, &s.TenantID, &s.PractitionerID, &s.PatientID, &s.Date, &start,
		&s.DurationMinutes, &s.AppointmentType, &s.SlotType, &s.Status, &s.Location, &s.Notes,
		&s.CreatedBy, &s.RequiresCosign, &s.SeriesID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Start = Clock(start)
	return &s, nil
}

func (p *PGStore) WithinDays(ctx context.Context, keys []DayKey, fn func(tx DayTx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("scheduling: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, k := range sortedKeys(keys) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return fmt.Errorf("scheduling: lock %s: %w", k, err)
		}
	}

	if err := fn(&pgDayTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduling: commit: %w", err)
	}
	return nil
}

type pgDayTx struct {
	q queryable
}

func (t *pgDayTx) Slots(ctx context.Context, key DayKey) ([]*Slot, error) {
	rows, err := t.q.Query(ctx, `SELECT `+slotCols+` FROM appointments
		WHERE tenant_id = $1 AND practitioner_id = $2 AND appointment_date = $3 AND status <> 'cancelled'
		ORDER BY start_minute`, key.TenantID, key.PractitionerID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("scheduling: load day %s: %w", key, err)
	}
	defer rows.Close()
	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgDayTx) Insert(ctx context.Context, s *Slot) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (id, tenant_id, practitioner_id, patient_id, appointment_date,
			start_minute, duration_minutes, appointment_type, slot_type, status, location, notes,
			created_by, requires_cosign, series_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11, ''),NULLIF($12, ''),$13,$14,$15,$16)`,
		s.ID, s.TenantID, s.PractitionerID, s.PatientID, s.Date, int(s.Start), s.DurationMinutes,
		string(s.AppointmentType), string(s.SlotType), string(s.Status), s.Location, s.Notes,
		s.CreatedBy, s.RequiresCosign, s.SeriesID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("scheduling: insert: %w", err)
	}
	return nil
}

func (p *PGStore) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := scanSlot(p.pool.QueryRow(ctx, `SELECT `+slotCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling: get: %w", err)
	}
	return s, nil
}

func (p *PGStore) List(ctx context.Context, q ListQuery) ([]*Slot, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{q.TenantID}
	if q.PractitionerID != nil {
		args = append(args, *q.PractitionerID)
		where = append(where, fmt.Sprintf("practitioner_id = $%d", len(args)))
	}
	if q.PatientID != nil {
		args = append(args, *q.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if q.Date != nil {
		args = append(args, *q.Date)
		where = append(where, fmt.Sprintf("appointment_date = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("scheduling: count: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM appointments WHERE %s
		ORDER BY appointment_date, start_minute LIMIT $%d OFFSET $%d`, slotCols, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("scheduling: list: %w", err)
	}
	defer rows.Close()
	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (p *PGStore) Transition(ctx context.Context, id uuid.UUID, to Status, from ...Status) (*Slot, bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	s, err := scanSlot(p.pool.QueryRow(ctx, `UPDATE appointments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3) RETURNING `+slotCols, id, string(to), allowed))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("scheduling: transition: %w", err)
	}
	s, err = p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}
