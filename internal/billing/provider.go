package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/praxisapp/praxis/internal/retry"
)

// Subscription is the provider's view of a subscription, reduced to the
// fields the state machine needs.
type Subscription struct {
	ID             string
	ProviderStatus string
	PeriodEnd      time.Time
	CustomerRef    string
	TenantID       string
}

// SubscriptionFetcher reads subscription state back from the provider. Used
// when an event references a subscription without embedding its status.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// stripeFetcher reads subscriptions over the Stripe API with bounded retry.
type stripeFetcher struct {
	api *client.API
}

// NewStripeFetcher builds a fetcher for the given API key.
func NewStripeFetcher(apiKey string) SubscriptionFetcher {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &stripeFetcher{api: api}
}

func (f *stripeFetcher) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *stripe.Subscription
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx

		var err error
		sub, err = f.api.Subscriptions.Get(subscriptionID, params)
		if err != nil {
			var stripeErr *stripe.Error
			// 4xx responses other than rate limits will not improve on retry.
			if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429 {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	out := &Subscription{
		ID:             sub.ID,
		ProviderStatus: string(sub.Status),
		TenantID:       tenantFromMetadata(sub.Metadata),
	}
	if sub.CurrentPeriodEnd > 0 {
		out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	return out, nil
}
