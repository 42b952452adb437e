package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisapp/praxis/internal/testutil"
)

func TestPostgresStoreTenantLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	err := store.Create(ctx, &Tenant{
		ID:           "ten_pg",
		Name:         "Praxis Demo",
		BillingEmail: "owner@praxis.example",
	})
	require.NoError(t, err)

	assert.ErrorIs(t, store.Create(ctx, &Tenant{ID: "ten_pg", Name: "dup"}), ErrTenantExists)

	got, err := store.Get(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, got.SubscriptionStatus)
	assert.Equal(t, "owner@praxis.example", got.BillingEmail)

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.SetSubscription(ctx, "ten_pg", StatusActive, "cus_pg", periodEnd))

	got, err = store.Get(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.SubscriptionStatus)
	assert.Equal(t, "cus_pg", got.StripeCustomerID)
	assert.WithinDuration(t, periodEnd, got.CurrentPeriodEnd, time.Second)

	// Partial update keeps customer ref and period end.
	require.NoError(t, store.SetSubscription(ctx, "ten_pg", StatusSuspended, "", time.Time{}))
	got, err = store.Get(ctx, "ten_pg")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.SubscriptionStatus)
	assert.Equal(t, "cus_pg", got.StripeCustomerID)
	assert.WithinDuration(t, periodEnd, got.CurrentPeriodEnd, time.Second)

	byRef, err := store.GetByCustomerRef(ctx, "cus_pg")
	require.NoError(t, err)
	assert.Equal(t, "ten_pg", byRef.ID)

	assert.ErrorIs(t, store.SetSubscription(ctx, "ten_nope", StatusActive, "", time.Time{}), ErrTenantNotFound)
	_, err = store.GetByCustomerRef(ctx, "")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}
