package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, billing_email, subscription_status, stripe_customer_id, current_period_end, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (s *PostgresStore) GetByCustomerRef(ctx context.Context, customerRef string) (*Tenant, error) {
	if customerRef == "" {
		return nil, ErrTenantNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = $1`, customerRef)
	return scanTenant(row)
}

func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	status := t.SubscriptionStatus
	if status == "" {
		status = StatusInactive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, billing_email, subscription_status, stripe_customer_id, current_period_end)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)`,
		t.ID, t.Name, t.BillingEmail, status, t.StripeCustomerID, nullTime(t.CurrentPeriodEnd))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrTenantExists
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSubscription(ctx context.Context, tenantID string, status Status, customerRef string, periodEnd time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET subscription_status = $2,
		    stripe_customer_id  = COALESCE(NULLIF($3, ''), stripe_customer_id),
		    current_period_end  = COALESCE($4, current_period_end),
		    updated_at          = NOW()
		WHERE id = $1`,
		tenantID, status, customerRef, nullTime(periodEnd))
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var (
		t            Tenant
		billingEmail sql.NullString
		customerID   sql.NullString
		periodEnd    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &billingEmail, &t.SubscriptionStatus,
		&customerID, &periodEnd, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.BillingEmail = billingEmail.String
	t.StripeCustomerID = customerID.String
	t.CurrentPeriodEnd = periodEnd.Time
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
