package clinicalsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ db queryable }

func NewRepoPG(db queryable) Repository {
	return &repoPG{db: db}
}

const sessionCols = `id, tenant_id, patient_id, session_type, session_date, notes,
	created_by, requires_cosign, cosigned_by, cosigned_at, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var typ string
	err := row.Scan(&s.ID, &s.TenantID, &s.PatientID, &typ, &s.Date, &s.Notes,
		&s.CreatedBy, &s.RequiresCosign, &s.CosignedBy, &s.CosignedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO clinical_sessions (id, tenant_id, patient_id, session_type, session_date,
			notes, created_by, requires_cosign)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.PatientID, string(s.Type), s.Date, s.Notes, s.CreatedBy, s.RequiresCosign,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("clinical session: create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionCols+` FROM clinical_sessions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("clinical session: get: %w", err)
	}
	return s, err
}

func (r *repoPG) Update(ctx context.Context, s *Session) error {
	got, err := scanSession(r.db.QueryRow(ctx, `
		UPDATE clinical_sessions SET session_type=$2, session_date=$3, notes=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING `+sessionCols,
		s.ID, string(s.Type), s.Date, s.Notes))
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("clinical session: update: %w", err)
	}
	*s = *got
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clinical_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clinical session: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Cosign(ctx context.Context, id uuid.UUID, by string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE clinical_sessions SET cosigned_by = $2, cosigned_at = $3, updated_at = $3
		WHERE id = $1 AND cosigned_at IS NULL`, id, by, at)
	if err != nil {
		return false, fmt.Errorf("clinical session: cosign: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, tenantID string, patientID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM clinical_sessions WHERE tenant_id = $1 AND patient_id = $2`,
		tenantID, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("clinical session: count: %w", err)
	}
	rows, err := r.db.Query(ctx, `SELECT `+sessionCols+` FROM clinical_sessions
		WHERE tenant_id = $1 AND patient_id = $2
		ORDER BY session_date DESC, id LIMIT $3 OFFSET $4`, tenantID, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("clinical session: list: %w", err)
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *repoPG) AddPainPoint(ctx context.Context, p *PainPoint) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var x, y *float64
	if p.Coordinates != nil {
		x, y = &p.Coordinates.X, &p.Coordinates.Y
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO pain_points (id, session_id, tenant_id, body_region, pain_intensity, coord_x, coord_y, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		p.ID, p.SessionID, p.TenantID, p.BodyRegion, p.PainIntensity, x, y, p.Notes, p.RecordedBy,
	).Scan(&p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("clinical session: add pain point: %w", err)
	}
	return nil
}

func (r *repoPG) PainPoints(ctx context.Context, sessionID uuid.UUID) ([]*PainPoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, tenant_id, body_region, pain_intensity, coord_x, coord_y, notes, recorded_by, created_at
		FROM pain_points WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("clinical session: pain points: %w", err)
	}
	defer rows.Close()
	out := []*PainPoint{}
	for rows.Next() {
		var p PainPoint
		var x, y *float64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.TenantID, &p.BodyRegion, &p.PainIntensity, &x, &y,
			&p.Notes, &p.RecordedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		if x != nil && y != nil {
			p.Coordinates = &Coordinates{X: *x, Y: *y}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
