package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, external_payment_ref, tenant_id, customer_ref, amount_minor_units,
	currency, status, description, refunded_amount_minor_units, occurred_at, created_at, updated_at`

// UpsertCharge relies on the UNIQUE constraint on external_payment_ref: a
// redelivered charge hits DO NOTHING and the existing entry, including any
// refunded state it already carries, is preserved.
func (s *PostgresStore) UpsertCharge(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(external_payment_ref, tenant_id, customer_ref, amount_minor_units,
			 currency, status, description, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (external_payment_ref) DO NOTHING`,
		e.ExternalPaymentRef, e.TenantID, e.CustomerRef, e.AmountMinorUnits,
		e.Currency, e.Status, e.Description, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert charge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyRefund(ctx context.Context, externalPaymentRef string, refundedMinorUnits int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'refunded',
		    refunded_amount_minor_units = $2,
		    updated_at = NOW()
		WHERE external_payment_ref = $1`,
		externalPaymentRef, refundedMinorUnits)
	if err != nil {
		return fmt.Errorf("apply refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownPaymentReference
	}
	return nil
}

func (s *PostgresStore) GetByRef(ctx context.Context, externalPaymentRef string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE external_payment_ref = $1`,
		externalPaymentRef)
	return scanEntry(row.Scan)
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE tenant_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TotalsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(amount_minor_units - refunded_amount_minor_units), 0)
		FROM ledger_entries
		WHERE occurred_at >= $1 AND status <> 'failed'
		GROUP BY currency`, since)
	if err != nil {
		return nil, fmt.Errorf("totals since: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var (
			currency string
			total    int64
		)
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, err
		}
		totals[currency] = total
	}
	return totals, rows.Err()
}

func scanEntry(scan func(...any) error) (*Entry, error) {
	var (
		e           Entry
		customerRef sql.NullString
		description sql.NullString
	)
	err := scan(&e.ID, &e.ExternalPaymentRef, &e.TenantID, &customerRef, &e.AmountMinorUnits,
		&e.Currency, &e.Status, &description, &e.RefundedAmountMinorUnits,
		&e.OccurredAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownPaymentReference
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.CustomerRef = customerRef.String
	e.Description = description.String
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
