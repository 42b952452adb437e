// Package ledger keeps the append-only record of money movement observed
// through the payment provider.
//
// Entries are keyed by the provider's payment reference. Recording the same
// reference twice is a no-op, so redelivered provider events converge on a
// single entry, and a refund applied before a redelivered charge is never
// clobbered back to succeeded.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrUnknownPaymentReference = errors.New("ledger: unknown payment reference")
	ErrInvalidAmount           = errors.New("ledger: amount must be non-negative")
	ErrInvalidCurrency         = errors.New("ledger: invalid currency code")
	ErrMissingPaymentRef       = errors.New("ledger: payment reference required")
)

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	StatusSucceeded EntryStatus = "succeeded"
	StatusFailed    EntryStatus = "failed"
	StatusRefunded  EntryStatus = "refunded"
)

// Entry is one recorded payment.
type Entry struct {
	ID                       int64       `json:"id"`
	ExternalPaymentRef       string      `json:"externalPaymentRef"`
	TenantID                 string      `json:"tenantId"`
	CustomerRef              string      `json:"customerRef,omitempty"`
	AmountMinorUnits         int64       `json:"amountMinorUnits"`
	Currency                 string      `json:"currency"`
	Status                   EntryStatus `json:"status"`
	Description              string      `json:"description,omitempty"`
	RefundedAmountMinorUnits int64       `json:"refundedAmountMinorUnits,omitempty"`
	OccurredAt               time.Time   `json:"occurredAt"`
	CreatedAt                time.Time   `json:"createdAt"`
	UpdatedAt                time.Time   `json:"updatedAt"`
}

// Store persists ledger entries.
type Store interface {
	// UpsertCharge inserts the entry unless its payment reference already
	// exists, in which case the existing entry wins.
	UpsertCharge(ctx context.Context, e *Entry) error
	// ApplyRefund marks the referenced entry refunded and records the
	// cumulative refunded amount. Returns ErrUnknownPaymentReference when no
	// entry carries the reference.
	ApplyRefund(ctx context.Context, externalPaymentRef string, refundedMinorUnits int64) error
	GetByRef(ctx context.Context, externalPaymentRef string) (*Entry, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
	// TotalsSince sums succeeded and refunded amounts per currency for
	// entries that occurred at or after the given time.
	TotalsSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// Normalize validates an entry about to be recorded and canonicalizes its
// currency to upper case.
func Normalize(e *Entry) error {
	if e.ExternalPaymentRef == "" {
		return ErrMissingPaymentRef
	}
	if e.AmountMinorUnits < 0 {
		return ErrInvalidAmount
	}
	if !currencyPattern.MatchString(e.Currency) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, e.Currency)
	}
	e.Currency = strings.ToUpper(e.Currency)
	if e.Status == "" {
		e.Status = StatusSucceeded
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	return nil
}

// MemoryStore is an in-memory implementation for demo mode and testing.
type MemoryStore struct {
	entries []*Entry
	byRef   map[string]*Entry
	nextID  int64
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRef: make(map[string]*Entry), nextID: 1}
}

func (m *MemoryStore) UpsertCharge(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[e.ExternalPaymentRef]; ok {
		return nil
	}
	cp := *e
	cp.ID = m.nextID
	m.nextID++
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.entries = append(m.entries, &cp)
	m.byRef[cp.ExternalPaymentRef] = &cp
	return nil
}

func (m *MemoryStore) ApplyRefund(_ context.Context, externalPaymentRef string, refundedMinorUnits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byRef[externalPaymentRef]
	if !ok {
		return ErrUnknownPaymentReference
	}
	e.Status = StatusRefunded
	e.RefundedAmountMinorUnits = refundedMinorUnits
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetByRef(_ context.Context, externalPaymentRef string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byRef[externalPaymentRef]
	if !ok {
		return nil, ErrUnknownPaymentReference
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	// Newest first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].TenantID != tenantID {
			continue
		}
		cp := *m.entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) TotalsSince(_ context.Context, since time.Time) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64)
	for _, e := range m.entries {
		if e.OccurredAt.Before(since) || e.Status == StatusFailed {
			continue
		}
		totals[e.Currency] += e.AmountMinorUnits - e.RefundedAmountMinorUnits
	}
	return totals, nil
}

var _ Store = (*MemoryStore)(nil)
