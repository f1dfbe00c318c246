package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// execer is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink appends events to the audit_event table. Rows are never
// updated or deleted by the application.
type PGSink struct {
	db execer
}

func NewPGSink(db execer) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Record(ctx context.Context, e Event) error {
	e = stamp(ctx, e)

	var payload []byte
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("audit: encode payload: %w", err)
		}
		payload = b
	}

	const q = `
		INSERT INTO audit_event (
			id, occurred_at, kind, outcome, tenant_id, actor_id, actor_role,
			resource, action, target_id, reason, request_id, remote_ip, payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.db.Exec(ctx, q,
		e.ID, e.Timestamp, e.Kind, e.Outcome, e.TenantID, e.ActorID, e.ActorRole,
		e.Resource, e.Action, e.TargetID, e.Reason, e.RequestID, e.RemoteIP, payload,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Kind, err)
	}
	return nil
}
