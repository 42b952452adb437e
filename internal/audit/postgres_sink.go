package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/praxisapp/praxis/internal/idgen"
)

// PostgresSink persists audit records in PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, rec *Record) error {
	id := rec.ID
	if id == "" {
		id = idgen.WithPrefix("aud_")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, provider_event_id, event_type, tenant_id, outcome, error, metadata, request_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)`,
		id, rec.ProviderEventID, rec.EventType, rec.TenantID, rec.Outcome,
		rec.Error, metadata, rec.RequestID, createdAt)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_event_id, event_type, tenant_id, outcome, error, metadata, request_id, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			tenantID  sql.NullString
			errText   sql.NullString
			metadata  []byte
			requestID sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ProviderEventID, &rec.EventType, &tenantID,
			&rec.Outcome, &errText, &metadata, &requestID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.TenantID = tenantID.String
		rec.Error = errText.String
		rec.RequestID = requestID.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

var _ Sink = (*PostgresSink)(nil)
