package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists inbound events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RecordAttempt inserts the event or, if the provider event ID already
// exists, bumps its attempt count. The UNIQUE constraint on
// provider_event_id makes concurrent first deliveries of the same event
// serialize here: exactly one caller sees alreadyProcessed=false with a
// fresh pending row.
func (s *PostgresStore) RecordAttempt(ctx context.Context, event *InboundEvent) (bool, error) {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var status string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO inbound_events
			(provider_event_id, event_type, received_at, provider_created_at, raw_payload, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, 'pending', 1)
		ON CONFLICT (provider_event_id) DO UPDATE
			SET attempt_count = inbound_events.attempt_count + 1,
			    received_at   = EXCLUDED.received_at
		RETURNING status`,
		event.ProviderEventID, event.Type, receivedAt, event.ProviderCreatedAt, event.RawPayload,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	return ProcessingStatus(status) == StatusProcessed, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, providerEventID, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbound_events
		SET status = 'processed',
		    last_error = NULL,
		    tenant_id = COALESCE(NULLIF($2, ''), tenant_id)
		WHERE provider_event_id = $1`,
		providerEventID, tenantID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, providerEventID, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbound_events
		SET status = 'failed', last_error = $2
		WHERE provider_event_id = $1`,
		providerEventID, cause)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) HasBeenProcessed(ctx context.Context, providerEventID string) (bool, error) {
	var processed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT status = 'processed' FROM inbound_events WHERE provider_event_id = $1`,
		providerEventID).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has been processed: %w", err)
	}
	return processed, nil
}

func (s *PostgresStore) Get(ctx context.Context, providerEventID string) (*InboundEvent, error) {
	var (
		ev        InboundEvent
		tenantID  sql.NullString
		lastError sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_event_id, event_type, received_at, provider_created_at,
		       raw_payload, status, tenant_id, attempt_count, last_error
		FROM inbound_events
		WHERE provider_event_id = $1`,
		providerEventID).Scan(
		&ev.ProviderEventID, &ev.Type, &ev.ReceivedAt, &ev.ProviderCreatedAt,
		&ev.RawPayload, &ev.Status, &tenantID, &ev.AttemptCount, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.TenantID = tenantID.String
	ev.LastError = lastError.String
	return &ev, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
