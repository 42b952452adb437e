package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisapp/praxis/internal/ledger"
)

type stubProvider struct {
	totals map[string]int64
	err    error
	calls  atomic.Int32
}

func (s *stubProvider) TotalsSince(context.Context, time.Time) (map[string]int64, error) {
	s.calls.Add(1)
	return s.totals, s.err
}

func TestServiceRunComparesTotals(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertCharge(ctx, &ledger.Entry{
		ExternalPaymentRef: "pi_1", TenantID: "ten_1", AmountMinorUnits: 4900,
		Currency: "USD", Status: ledger.StatusSucceeded, OccurredAt: now,
	}))

	// Provider reports one charge we never saw.
	provider := &stubProvider{totals: map[string]int64{"usd": 4900, "eur": 1000}}
	svc := NewService(store, provider, time.Hour, slog.Default())

	require.NoError(t, svc.Run(ctx))
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestServiceRunPropagatesProviderError(t *testing.T) {
	store := ledger.NewMemoryStore()
	provider := &stubProvider{err: errors.New("stripe: 503")}
	svc := NewService(store, provider, time.Hour, slog.Default())

	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider totals")
}

func TestTimerRunsAndStops(t *testing.T) {
	store := ledger.NewMemoryStore()
	provider := &stubProvider{totals: map[string]int64{}}
	svc := NewService(store, provider, time.Hour, slog.Default())

	timer := NewTimer(svc, 20*time.Millisecond, slog.Default())
	timer.Start()

	assert.Eventually(t, func() bool {
		return provider.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	timer.Stop()
	after := provider.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, provider.calls.Load())
}
