// Package tenant manages workspace accounts and their subscription state.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrTenantExists   = errors.New("tenant: already exists")
)

// Status is the subscription state of a tenant.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

// StatusFromProvider maps a provider subscription status onto ours. Anything
// we do not recognize suspends the tenant rather than leaving stale access.
func StatusFromProvider(providerStatus string) Status {
	switch providerStatus {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrial
	case "past_due":
		return StatusPastDue
	case "canceled":
		return StatusCancelled
	default:
		return StatusSuspended
	}
}

// Tenant is one workspace account.
type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	BillingEmail       string    `json:"billingEmail,omitempty"`
	SubscriptionStatus Status    `json:"subscriptionStatus"`
	StripeCustomerID   string    `json:"stripeCustomerId,omitempty"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store persists tenants.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	// SetSubscription updates the subscription state. An empty customerRef or
	// zero periodEnd leaves the stored value untouched.
	SetSubscription(ctx context.Context, tenantID string, status Status, customerRef string, periodEnd time.Time) error
}

// MemoryStore is an in-memory implementation for demo mode and testing.
type MemoryStore struct {
	tenants map[string]*Tenant
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByCustomerRef(_ context.Context, customerRef string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if customerRef == "" {
		return nil, ErrTenantNotFound
	}
	for _, t := range m.tenants {
		if t.StripeCustomerID == customerRef {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; ok {
		return ErrTenantExists
	}
	cp := *t
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.SubscriptionStatus == "" {
		cp.SubscriptionStatus = StatusInactive
	}
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) SetSubscription(_ context.Context, tenantID string, status Status, customerRef string, periodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	t.SubscriptionStatus = status
	if customerRef != "" {
		t.StripeCustomerID = customerRef
	}
	if !periodEnd.IsZero() {
		t.CurrentPeriodEnd = periodEnd
	}
	t.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
