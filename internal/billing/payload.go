package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Event types we act on. Anything else is acknowledged and skipped so the
// provider can add types without breaking us.
const (
	eventCheckoutCompleted    = "checkout.session.completed"
	eventInvoicePaid          = "invoice.paid"
	eventInvoicePaymentFailed = "invoice.payment_failed"
	eventSubscriptionUpdated  = "customer.subscription.updated"
	eventSubscriptionDeleted  = "customer.subscription.deleted"
	eventChargeRefunded       = "charge.refunded"
)

// CheckoutCompleted is a new subscription purchase.
type CheckoutCompleted struct {
	SessionID      string
	TenantID       string
	CustomerRef    string
	SubscriptionID string
	PaymentRef     string
	AmountMinor    int64
	Currency       string
}

// InvoicePaid is a successful renewal charge.
type InvoicePaid struct {
	InvoiceID      string
	TenantID       string
	CustomerRef    string
	SubscriptionID string
	PaymentRef     string
	AmountMinor    int64
	Currency       string
}

// InvoicePaymentFailed is a renewal charge that did not go through.
type InvoicePaymentFailed struct {
	InvoiceID   string
	TenantID    string
	CustomerRef string
	PaymentRef  string
	AmountMinor int64
	Currency    string
}

// SubscriptionUpdated carries the provider's new subscription state.
type SubscriptionUpdated struct {
	SubscriptionID string
	TenantID       string
	CustomerRef    string
	ProviderStatus string
	PeriodEnd      time.Time
}

// SubscriptionDeleted is a subscription that ended.
type SubscriptionDeleted struct {
	SubscriptionID string
	TenantID       string
	CustomerRef    string
}

// ChargeRefunded is a full or partial refund of an earlier charge.
type ChargeRefunded struct {
	ChargeID            string
	PaymentRef          string
	CustomerRef         string
	AmountRefundedMinor int64
	Currency            string
}

// tenantFromMetadata reads the tenant ID we stamp into provider metadata at
// checkout time.
func tenantFromMetadata(metadata map[string]string) string {
	if id := metadata["tenant_id"]; id != "" {
		return id
	}
	return metadata["tenantId"]
}

// decodePayload parses the raw provider object for a known event type into
// its internal representation. Returns (nil, nil) for event types we do not
// handle.
func decodePayload(eventType string, raw json.RawMessage) (any, error) {
	switch eventType {
	case eventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		p := &CheckoutCompleted{
			SessionID:   session.ID,
			TenantID:    tenantFromMetadata(session.Metadata),
			AmountMinor: session.AmountTotal,
			Currency:    string(session.Currency),
		}
		if session.Customer != nil {
			p.CustomerRef = session.Customer.ID
		}
		if session.Subscription != nil {
			p.SubscriptionID = session.Subscription.ID
		}
		if session.PaymentIntent != nil {
			p.PaymentRef = session.PaymentIntent.ID
		}
		return p, nil

	case eventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		p := &InvoicePaid{
			InvoiceID:   inv.ID,
			TenantID:    tenantFromMetadata(inv.Metadata),
			AmountMinor: inv.AmountPaid,
			Currency:    string(inv.Currency),
		}
		if inv.Customer != nil {
			p.CustomerRef = inv.Customer.ID
		}
		if inv.Subscription != nil {
			p.SubscriptionID = inv.Subscription.ID
		}
		if inv.PaymentIntent != nil {
			p.PaymentRef = inv.PaymentIntent.ID
		}
		return p, nil

	case eventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		p := &InvoicePaymentFailed{
			InvoiceID:   inv.ID,
			TenantID:    tenantFromMetadata(inv.Metadata),
			AmountMinor: inv.AmountDue,
			Currency:    string(inv.Currency),
		}
		if inv.Customer != nil {
			p.CustomerRef = inv.Customer.ID
		}
		if inv.PaymentIntent != nil {
			p.PaymentRef = inv.PaymentIntent.ID
		}
		return p, nil

	case eventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		p := &SubscriptionUpdated{
			SubscriptionID: sub.ID,
			TenantID:       tenantFromMetadata(sub.Metadata),
			ProviderStatus: string(sub.Status),
		}
		if sub.CurrentPeriodEnd > 0 {
			p.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
		}
		if sub.Customer != nil {
			p.CustomerRef = sub.Customer.ID
		}
		return p, nil

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		p := &SubscriptionDeleted{
			SubscriptionID: sub.ID,
			TenantID:       tenantFromMetadata(sub.Metadata),
		}
		if sub.Customer != nil {
			p.CustomerRef = sub.Customer.ID
		}
		return p, nil

	case eventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		p := &ChargeRefunded{
			ChargeID:            ch.ID,
			AmountRefundedMinor: ch.AmountRefunded,
			Currency:            string(ch.Currency),
		}
		if ch.PaymentIntent != nil {
			p.PaymentRef = ch.PaymentIntent.ID
		}
		if ch.Customer != nil {
			p.CustomerRef = ch.Customer.ID
		}
		return p, nil
	}

	return nil, nil
}
