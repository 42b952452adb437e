// Package audit records the outcome of every billing event that passed
// signature verification, successful or not, for operator review.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/praxisapp/praxis/internal/idgen"
)

var ErrNotFound = errors.New("audit: not found")

// Outcome classifies how processing of an event concluded.
type Outcome string

const (
	// OutcomeProcessed means the event's effects were applied.
	OutcomeProcessed Outcome = "processed"
	// OutcomeSoftFailed means the event was acknowledged but its effects
	// could not be applied (malformed payload, unknown tenant). The provider
	// will not redeliver; the record is the recovery trail.
	OutcomeSoftFailed Outcome = "soft_failed"
	// OutcomeFailed means a dependency failure aborted processing and the
	// provider was asked to redeliver.
	OutcomeFailed Outcome = "failed"
)

// Record is one audit trail entry.
type Record struct {
	ID              string            `json:"id"`
	ProviderEventID string            `json:"providerEventId"`
	EventType       string            `json:"eventType"`
	TenantID        string            `json:"tenantId,omitempty"`
	Outcome         Outcome           `json:"outcome"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RequestID       string            `json:"requestId,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Sink receives audit records.
type Sink interface {
	Record(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, limit int) ([]*Record, error)
}

// MemorySink keeps records in memory, newest last, for demo mode and testing.
type MemorySink struct {
	records []*Record
	mu      sync.RWMutex
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aud_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemorySink) Recent(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

var _ Sink = (*MemorySink)(nil)
