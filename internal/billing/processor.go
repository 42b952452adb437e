// Package billing turns signed payment-provider webhooks into tenant
// subscription state and ledger entries, exactly once per provider event.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxisapp/praxis/internal/audit"
	"github.com/praxisapp/praxis/internal/events"
	"github.com/praxisapp/praxis/internal/ledger"
	"github.com/praxisapp/praxis/internal/logging"
	"github.com/praxisapp/praxis/internal/metrics"
	"github.com/praxisapp/praxis/internal/tenant"
	"github.com/praxisapp/praxis/internal/traces"
)

// Outcome statuses reported to the provider.
const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
)

// Outcome summarizes how a delivery was handled.
type Outcome struct {
	ProviderEventID string
	EventType       string
	TenantID        string
	Status          string
}

// FeedEvent is pushed to realtime subscribers after an event is handled.
type FeedEvent struct {
	ProviderEventID string `json:"providerEventId"`
	Type            string `json:"type"`
	TenantID        string `json:"tenantId,omitempty"`
	Outcome         string `json:"outcome"`
}

// Feed receives processed-event notifications. Implementations must not
// block.
type Feed interface {
	PublishBillingEvent(FeedEvent)
}

// Notifier sends billing lifecycle emails.
type Notifier interface {
	SubscriptionActivated(tenantName, billingEmail string)
	PaymentFailed(tenantName, billingEmail string)
}

// softError marks a failure that must not trigger provider redelivery: the
// payload itself is the problem, so retrying the same bytes cannot help. The
// event is acknowledged and the failure lands in the audit trail.
type softError struct {
	msg string
	err error
}

func (e *softError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *softError) Unwrap() error { return e.err }

func softErrorf(format string, args ...any) error {
	return &softError{msg: fmt.Sprintf(format, args...)}
}

func softWrap(msg string, err error) error {
	return &softError{msg: msg, err: err}
}

// Processor orchestrates webhook handling: verify, dedup, dispatch, record,
// respond.
type Processor struct {
	verifier *Verifier
	events   events.Store
	tenants  tenant.Store
	ledger   ledger.Store
	audit    audit.Sink
	subs     SubscriptionFetcher
	notifier Notifier
	feed     Feed
	logger   *slog.Logger
	now      func() time.Time
}

// ProcessorOption configures optional collaborators.
type ProcessorOption func(*Processor)

// WithSubscriptionFetcher lets checkout handling read full subscription
// state back from the provider.
func WithSubscriptionFetcher(f SubscriptionFetcher) ProcessorOption {
	return func(p *Processor) { p.subs = f }
}

// WithNotifier enables lifecycle emails.
func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

// WithFeed publishes handled events to a realtime feed.
func WithFeed(f Feed) ProcessorOption {
	return func(p *Processor) { p.feed = f }
}

// NewProcessor wires the orchestrator.
func NewProcessor(verifier *Verifier, eventStore events.Store, tenants tenant.Store,
	ledgerStore ledger.Store, auditSink audit.Sink, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		verifier: verifier,
		events:   eventStore,
		tenants:  tenants,
		ledger:   ledgerStore,
		audit:    auditSink,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one webhook delivery.
//
// Error contract: ErrSignatureInvalid means the delivery was not
// authenticated and nothing was persisted. Any other error is a dependency
// failure the caller should answer with 5xx so the provider redelivers. A
// nil error with an Outcome means the event was acknowledged, including
// payload-level failures that redelivery cannot fix.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) (*Outcome, error) {
	event, err := p.verifier.Verify(payload, sigHeader)
	if err != nil {
		metrics.WebhookSignatureFailuresTotal.Inc()
		logging.L(ctx).Warn("webhook signature rejected", "error", err)
		return nil, err
	}

	eventType := string(event.Type)
	metrics.WebhookEventsReceivedTotal.WithLabelValues(eventType).Inc()

	ctx = logging.WithEventID(ctx, event.ID)
	ctx, span := traces.StartSpan(ctx, "billing.process",
		traces.EventID(event.ID), traces.EventType(eventType))
	defer span.End()

	log := logging.L(ctx).With("event_type", eventType)

	inbound := &events.InboundEvent{
		ProviderEventID:   event.ID,
		Type:              eventType,
		ReceivedAt:        p.now(),
		ProviderCreatedAt: time.Unix(event.Created, 0),
		RawPayload:        payload,
	}

	// Fail open when the dedup store is unreachable: processing a payment
	// event twice is recoverable through the idempotent stores downstream,
	// dropping it is not.
	dedupAvailable := true
	alreadyProcessed, err := p.events.RecordAttempt(ctx, inbound)
	if err != nil {
		dedupAvailable = false
		log.Warn("dedup store unavailable, continuing without idempotency guard", "error", err)
	}
	if alreadyProcessed {
		metrics.WebhookDuplicatesTotal.Inc()
		log.Info("duplicate delivery acknowledged")
		return &Outcome{ProviderEventID: event.ID, EventType: eventType, Status: StatusAlreadyProcessed}, nil
	}

	var raw []byte
	if event.Data != nil {
		raw = event.Data.Raw
	}

	start := p.now()
	tenantID, dispatchErr := p.dispatch(ctx, eventType, raw)
	metrics.WebhookDispatchDuration.WithLabelValues(eventType).Observe(p.now().Sub(start).Seconds())

	outcome := &Outcome{
		ProviderEventID: event.ID,
		EventType:       eventType,
		TenantID:        tenantID,
		Status:          StatusProcessed,
	}

	if dispatchErr != nil && !isSoft(dispatchErr) {
		metrics.WebhookEventsProcessedTotal.WithLabelValues(eventType, "failed").Inc()
		log.Error("event processing failed", "error", dispatchErr)
		if dedupAvailable {
			if err := p.events.MarkFailed(ctx, event.ID, dispatchErr.Error()); err != nil {
				log.Warn("could not mark event failed", "error", err)
			}
		}
		p.writeAudit(ctx, event.ID, eventType, tenantID, audit.OutcomeFailed, dispatchErr.Error())
		return nil, dispatchErr
	}

	if dedupAvailable {
		if err := p.events.MarkProcessed(ctx, event.ID, tenantID); err != nil {
			log.Warn("could not mark event processed", "error", err)
		}
	}

	if dispatchErr != nil {
		metrics.WebhookEventsProcessedTotal.WithLabelValues(eventType, "soft_failed").Inc()
		log.Warn("event acknowledged without effect", "error", dispatchErr)
		p.writeAudit(ctx, event.ID, eventType, tenantID, audit.OutcomeSoftFailed, dispatchErr.Error())
		p.publish(FeedEvent{ProviderEventID: event.ID, Type: eventType, TenantID: tenantID, Outcome: string(audit.OutcomeSoftFailed)})
		return outcome, nil
	}

	metrics.WebhookEventsProcessedTotal.WithLabelValues(eventType, "processed").Inc()
	log.Info("event processed", "tenant_id", tenantID)
	p.writeAudit(ctx, event.ID, eventType, tenantID, audit.OutcomeProcessed, "")
	p.publish(FeedEvent{ProviderEventID: event.ID, Type: eventType, TenantID: tenantID, Outcome: string(audit.OutcomeProcessed)})
	return outcome, nil
}

// dispatch routes a verified event to its handler and returns the tenant the
// event resolved to, when any.
func (p *Processor) dispatch(ctx context.Context, eventType string, raw []byte) (string, error) {
	payload, err := decodePayload(eventType, raw)
	if err != nil {
		return "", softWrap("malformed payload", err)
	}
	if payload == nil {
		logging.L(ctx).Debug("unhandled event type acknowledged", "event_type", eventType)
		return "", nil
	}

	switch v := payload.(type) {
	case *CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, v)
	case *InvoicePaid:
		return p.handleInvoicePaid(ctx, v)
	case *InvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, v)
	case *SubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, v)
	case *SubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, v)
	case *ChargeRefunded:
		return p.handleChargeRefunded(ctx, v)
	}
	return "", nil
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, ev *CheckoutCompleted) (string, error) {
	t, err := p.resolveTenant(ctx, ev.TenantID, ev.CustomerRef)
	if err != nil {
		return "", err
	}

	status := tenant.StatusActive
	periodEnd := time.Time{}
	customerRef := ev.CustomerRef

	// The checkout session does not embed subscription state; read it back
	// from the provider when we can. A failed read is a hard failure: guessing
	// the state here would let a bad card activate a workspace.
	if ev.SubscriptionID != "" && p.subs != nil {
		sub, err := p.subs.FetchSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return t.ID, err
		}
		status = tenant.StatusFromProvider(sub.ProviderStatus)
		periodEnd = sub.PeriodEnd
		if customerRef == "" {
			customerRef = sub.CustomerRef
		}
	}

	if err := p.setSubscription(ctx, t.ID, status, customerRef, periodEnd); err != nil {
		return t.ID, err
	}

	if ev.PaymentRef != "" {
		entry := &ledger.Entry{
			ExternalPaymentRef: ev.PaymentRef,
			TenantID:           t.ID,
			CustomerRef:        customerRef,
			AmountMinorUnits:   ev.AmountMinor,
			Currency:           ev.Currency,
			Status:             ledger.StatusSucceeded,
			Description:        "subscription checkout " + ev.SessionID,
			OccurredAt:         p.now(),
		}
		if err := p.recordCharge(ctx, entry); err != nil {
			return t.ID, err
		}
	}

	if p.notifier != nil && status == tenant.StatusActive {
		p.notifier.SubscriptionActivated(t.Name, t.BillingEmail)
	}
	return t.ID, nil
}

func (p *Processor) handleInvoicePaid(ctx context.Context, ev *InvoicePaid) (string, error) {
	t, err := p.resolveTenant(ctx, ev.TenantID, ev.CustomerRef)
	if err != nil {
		return "", err
	}

	// A paid invoice means the tenant is current; the fetch only refreshes
	// the authoritative period end.
	periodEnd := time.Time{}
	if ev.SubscriptionID != "" && p.subs != nil {
		sub, err := p.subs.FetchSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return t.ID, err
		}
		periodEnd = sub.PeriodEnd
	}

	if err := p.setSubscription(ctx, t.ID, tenant.StatusActive, ev.CustomerRef, periodEnd); err != nil {
		return t.ID, err
	}

	paymentRef := ev.PaymentRef
	if paymentRef == "" {
		paymentRef = ev.InvoiceID
	}
	if paymentRef != "" {
		entry := &ledger.Entry{
			ExternalPaymentRef: paymentRef,
			TenantID:           t.ID,
			CustomerRef:        ev.CustomerRef,
			AmountMinorUnits:   ev.AmountMinor,
			Currency:           ev.Currency,
			Status:             ledger.StatusSucceeded,
			Description:        "invoice " + ev.InvoiceID,
			OccurredAt:         p.now(),
		}
		if err := p.recordCharge(ctx, entry); err != nil {
			return t.ID, err
		}
	}
	return t.ID, nil
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, ev *InvoicePaymentFailed) (string, error) {
	t, err := p.resolveTenant(ctx, ev.TenantID, ev.CustomerRef)
	if err != nil {
		return "", err
	}

	if err := p.setSubscription(ctx, t.ID, tenant.StatusPastDue, ev.CustomerRef, time.Time{}); err != nil {
		return t.ID, err
	}

	paymentRef := ev.PaymentRef
	if paymentRef == "" {
		paymentRef = ev.InvoiceID
	}
	if paymentRef != "" {
		entry := &ledger.Entry{
			ExternalPaymentRef: paymentRef,
			TenantID:           t.ID,
			CustomerRef:        ev.CustomerRef,
			AmountMinorUnits:   ev.AmountMinor,
			Currency:           ev.Currency,
			Status:             ledger.StatusFailed,
			Description:        "failed invoice " + ev.InvoiceID,
			OccurredAt:         p.now(),
		}
		if err := p.recordCharge(ctx, entry); err != nil {
			return t.ID, err
		}
	}

	if p.notifier != nil {
		p.notifier.PaymentFailed(t.Name, t.BillingEmail)
	}
	return t.ID, nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, ev *SubscriptionUpdated) (string, error) {
	t, err := p.resolveTenant(ctx, ev.TenantID, ev.CustomerRef)
	if err != nil {
		return "", err
	}
	status := tenant.StatusFromProvider(ev.ProviderStatus)
	return t.ID, p.setSubscription(ctx, t.ID, status, ev.CustomerRef, ev.PeriodEnd)
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, ev *SubscriptionDeleted) (string, error) {
	t, err := p.resolveTenant(ctx, ev.TenantID, ev.CustomerRef)
	if err != nil {
		return "", err
	}
	return t.ID, p.setSubscription(ctx, t.ID, tenant.StatusCancelled, ev.CustomerRef, time.Time{})
}

// handleChargeRefunded tolerates refunds for charges we never recorded. The
// money already moved at the provider; all we can do is note the gap.
func (p *Processor) handleChargeRefunded(ctx context.Context, ev *ChargeRefunded) (string, error) {
	ctx, span := traces.StartSpan(ctx, "billing.refund", traces.PaymentRef(ev.PaymentRef))
	defer span.End()

	ref := ev.PaymentRef
	if ref == "" {
		ref = ev.ChargeID
	}
	if ref == "" {
		return "", softErrorf("refund carries no payment reference")
	}

	err := p.ledger.ApplyRefund(ctx, ref, ev.AmountRefundedMinor)
	if errors.Is(err, ledger.ErrUnknownPaymentReference) && ref != ev.ChargeID && ev.ChargeID != "" {
		ref = ev.ChargeID
		err = p.ledger.ApplyRefund(ctx, ref, ev.AmountRefundedMinor)
	}
	if errors.Is(err, ledger.ErrUnknownPaymentReference) {
		logging.L(ctx).Warn("refund for unknown payment reference",
			"payment_ref", ev.PaymentRef, "charge_id", ev.ChargeID)
		return "", softWrap("refund for unknown payment reference "+ref, err)
	}
	if err != nil {
		return "", fmt.Errorf("apply refund: %w", err)
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(ledger.StatusRefunded)).Inc()

	entry, err := p.ledger.GetByRef(ctx, ref)
	if err != nil {
		return "", nil
	}
	return entry.TenantID, nil
}

// resolveTenant finds the tenant an event belongs to, preferring the tenant
// ID stamped in provider metadata and falling back to the customer
// reference. An unresolvable tenant is a payload problem, not a dependency
// one.
func (p *Processor) resolveTenant(ctx context.Context, tenantID, customerRef string) (*tenant.Tenant, error) {
	if tenantID != "" {
		t, err := p.tenants.Get(ctx, tenantID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
		}
	}
	if customerRef != "" {
		t, err := p.tenants.GetByCustomerRef(ctx, customerRef)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, fmt.Errorf("load tenant by customer %s: %w", customerRef, err)
		}
	}
	return nil, softErrorf("tenant not resolved (tenant_id=%q customer_ref=%q)", tenantID, customerRef)
}

func (p *Processor) setSubscription(ctx context.Context, tenantID string, status tenant.Status, customerRef string, periodEnd time.Time) error {
	err := p.tenants.SetSubscription(ctx, tenantID, status, customerRef, periodEnd)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return softWrap("tenant vanished during processing", err)
	}
	if err != nil {
		return fmt.Errorf("set subscription for %s: %w", tenantID, err)
	}
	return nil
}

func (p *Processor) recordCharge(ctx context.Context, entry *ledger.Entry) error {
	if err := ledger.Normalize(entry); err != nil {
		return softWrap("invalid charge", err)
	}
	if err := p.ledger.UpsertCharge(ctx, entry); err != nil {
		return fmt.Errorf("record charge %s: %w", entry.ExternalPaymentRef, err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Status)).Inc()
	return nil
}

func (p *Processor) writeAudit(ctx context.Context, eventID, eventType, tenantID string, outcome audit.Outcome, errText string) {
	rec := &audit.Record{
		ProviderEventID: eventID,
		EventType:       eventType,
		TenantID:        tenantID,
		Outcome:         outcome,
		Error:           errText,
		RequestID:       logging.RequestID(ctx),
	}
	if err := p.audit.Record(ctx, rec); err != nil {
		logging.L(ctx).Warn("audit write failed", "error", err)
	}
}

func (p *Processor) publish(ev FeedEvent) {
	if p.feed != nil {
		p.feed.PublishBillingEvent(ev)
	}
}

func isSoft(err error) bool {
	var s *softError
	return errors.As(err, &s)
}
