package patient

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

const patientCols = `id, tenant_id, first_name, last_name, birth_date, email, phone,
	practitioner_id, active, archived_at, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.TenantID, &p.FirstName, &p.LastName, &p.BirthDate, &p.Email, &p.Phone,
		&p.PractitionerID, &p.Active, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, tenant_id, first_name, last_name, birth_date, email, phone, practitioner_id, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.FirstName, p.LastName, p.BirthDate, p.Email, p.Phone, p.PractitionerID, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("patient: create: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("patient: get: %w", err)
	}
	return p, err
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.db.QueryRow(ctx, `
		UPDATE patients SET first_name=$2, last_name=$3, birth_date=$4, email=$5, phone=$6,
			practitioner_id=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING tenant_id, active, archived_at, created_at, updated_at`,
		p.ID, p.FirstName, p.LastName, p.BirthDate, p.Email, p.Phone, p.PractitionerID,
	).Scan(&p.TenantID, &p.Active, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("patient: update: %w", err)
	}
	return nil
}

func (r *repoPG) Archive(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE patients SET active = FALSE, archived_at = $2, updated_at = $2
		WHERE id = $1 AND archived_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("patient: archive: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repoPG) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient: count: %w", err)
	}
	rows, err := r.db.Query(ctx, `SELECT `+patientCols+` FROM patients WHERE tenant_id = $1
		ORDER BY last_name, id LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("patient: list: %w", err)
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
