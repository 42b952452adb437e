// Package reconciliation periodically compares the local ledger against the
// payment provider's records and surfaces drift.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/praxisapp/praxis/internal/ledger"
	"github.com/praxisapp/praxis/internal/metrics"
)

// ProviderTotals reads settled amounts per currency from the provider for a
// window of time.
type ProviderTotals interface {
	TotalsSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// stripeTotals sums charges from the Stripe API.
type stripeTotals struct {
	api *client.API
}

// NewStripeTotals builds a provider reader for the given API key.
func NewStripeTotals(apiKey string) ProviderTotals {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &stripeTotals{api: api}
}

func (s *stripeTotals) TotalsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	params := &stripe.ChargeListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	totals := make(map[string]int64)
	it := s.api.Charges.List(params)
	for it.Next() {
		ch := it.Charge()
		if ch.Status != stripe.ChargeStatusSucceeded {
			continue
		}
		currency := string(ch.Currency)
		totals[currency] += ch.Amount - ch.AmountRefunded
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	return totals, nil
}

// Service runs one reconciliation pass at a time.
type Service struct {
	ledger   ledger.Store
	provider ProviderTotals
	lookback time.Duration
	logger   *slog.Logger
}

func NewService(ledgerStore ledger.Store, provider ProviderTotals, lookback time.Duration, logger *slog.Logger) *Service {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Service{ledger: ledgerStore, provider: provider, lookback: lookback, logger: logger}
}

// Run compares totals for the lookback window and records per-currency
// drift. Provider currencies are lower case; the ledger stores upper case.
func (s *Service) Run(ctx context.Context) error {
	since := time.Now().Add(-s.lookback)

	local, err := s.ledger.TotalsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("ledger totals: %w", err)
	}
	remote, err := s.provider.TotalsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("provider totals: %w", err)
	}

	normalized := make(map[string]int64, len(remote))
	for currency, amount := range remote {
		normalized[strings.ToUpper(currency)] = amount
	}

	currencies := make(map[string]struct{}, len(local)+len(normalized))
	for c := range local {
		currencies[c] = struct{}{}
	}
	for c := range normalized {
		currencies[c] = struct{}{}
	}

	for currency := range currencies {
		drift := normalized[currency] - local[currency]
		metrics.ReconciliationMismatch.WithLabelValues(currency).Set(float64(drift))
		if drift != 0 {
			s.logger.Warn("ledger drift detected",
				"currency", currency,
				"ledger_minor_units", local[currency],
				"provider_minor_units", normalized[currency],
				"drift_minor_units", drift)
		}
	}
	s.logger.Debug("reconciliation pass complete", "currencies", len(currencies))
	return nil
}
