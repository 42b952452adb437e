// Package events stores inbound payment-provider notifications and
// answers idempotency queries over them.
//
// One record exists per provider event ID. The record is created on first
// sight and updated in place on every redelivery; it is never replaced, so
// the attempt count and last error survive reprocessing.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrNotFound = errors.New("events: not found")
)

// ProcessingStatus is the lifecycle state of an inbound event record.
type ProcessingStatus string

const (
	// StatusPending marks a record whose dispatch has not concluded yet.
	StatusPending ProcessingStatus = "pending"
	// StatusProcessed marks a record whose effects have been applied. At most
	// one processed record exists per provider event ID.
	StatusProcessed ProcessingStatus = "processed"
	// StatusFailed marks a record whose dispatch hit a hard failure; the
	// provider's redelivery will re-enter dispatch.
	StatusFailed ProcessingStatus = "failed"
)

// InboundEvent is one externally-delivered provider notification.
type InboundEvent struct {
	ProviderEventID   string           `json:"providerEventId"`
	Type              string           `json:"type"`
	ReceivedAt        time.Time        `json:"receivedAt"`
	ProviderCreatedAt time.Time        `json:"providerCreatedAt"`
	RawPayload        []byte           `json:"-"` // stored verbatim for replay/audit
	Status            ProcessingStatus `json:"status"`
	TenantID          string           `json:"tenantId,omitempty"` // resolved during processing
	AttemptCount      int              `json:"attemptCount"`
	LastError         string           `json:"lastError,omitempty"`
}

// Store persists inbound events.
//
// RecordAttempt is the idempotency gate: it atomically creates the record on
// first sight or bumps the attempt count on redelivery, and reports whether a
// processed record already existed for the same provider event ID.
type Store interface {
	RecordAttempt(ctx context.Context, event *InboundEvent) (alreadyProcessed bool, err error)
	MarkProcessed(ctx context.Context, providerEventID, tenantID string) error
	MarkFailed(ctx context.Context, providerEventID, cause string) error
	HasBeenProcessed(ctx context.Context, providerEventID string) (bool, error)
	Get(ctx context.Context, providerEventID string) (*InboundEvent, error)
}

// MemoryStore is an in-memory implementation for demo mode and testing.
type MemoryStore struct {
	records map[string]*InboundEvent
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*InboundEvent)}
}

func (m *MemoryStore) RecordAttempt(_ context.Context, event *InboundEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[event.ProviderEventID]; ok {
		existing.AttemptCount++
		existing.ReceivedAt = time.Now()
		return existing.Status == StatusProcessed, nil
	}

	cp := *event
	cp.Status = StatusPending
	cp.AttemptCount = 1
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now()
	}
	m.records[event.ProviderEventID] = &cp
	return false, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, providerEventID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[providerEventID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusProcessed
	rec.LastError = ""
	if tenantID != "" {
		rec.TenantID = tenantID
	}
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, providerEventID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[providerEventID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusFailed
	rec.LastError = cause
	return nil
}

func (m *MemoryStore) HasBeenProcessed(_ context.Context, providerEventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerEventID]
	return ok && rec.Status == StatusProcessed, nil
}

func (m *MemoryStore) Get(_ context.Context, providerEventID string) (*InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerEventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
