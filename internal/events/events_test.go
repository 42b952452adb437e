package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFirstAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	already, err := store.RecordAttempt(ctx, &InboundEvent{
		ProviderEventID: "evt_1",
		Type:            "checkout.session.completed",
		RawPayload:      []byte(`{}`),
	})
	require.NoError(t, err)
	assert.False(t, already)

	rec, err := store.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.False(t, rec.ReceivedAt.IsZero())
}

func TestMemoryStoreRedelivery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ev := &InboundEvent{ProviderEventID: "evt_dup", Type: "invoice.paid"}

	already, err := store.RecordAttempt(ctx, ev)
	require.NoError(t, err)
	assert.False(t, already)

	// Redelivery before processing finished: not a duplicate yet.
	already, err = store.RecordAttempt(ctx, ev)
	require.NoError(t, err)
	assert.False(t, already)

	require.NoError(t, store.MarkProcessed(ctx, "evt_dup", "ten_1"))

	// Redelivery after processing: duplicate.
	already, err = store.RecordAttempt(ctx, ev)
	require.NoError(t, err)
	assert.True(t, already)

	rec, err := store.Get(ctx, "evt_dup")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, "ten_1", rec.TenantID)
}

func TestMemoryStoreMarkFailedThenProcessed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.RecordAttempt(ctx, &InboundEvent{ProviderEventID: "evt_f"})
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, "evt_f", "db unreachable"))
	rec, err := store.Get(ctx, "evt_f")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "db unreachable", rec.LastError)

	processed, err := store.HasBeenProcessed(ctx, "evt_f")
	require.NoError(t, err)
	assert.False(t, processed)

	// Retry succeeds; error is cleared.
	require.NoError(t, store.MarkProcessed(ctx, "evt_f", ""))
	rec, err = store.Get(ctx, "evt_f")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Empty(t, rec.LastError)
}

func TestMemoryStoreUnknownEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "evt_missing", ""), ErrNotFound)
	assert.ErrorIs(t, store.MarkFailed(ctx, "evt_missing", "x"), ErrNotFound)

	processed, err := store.HasBeenProcessed(ctx, "evt_missing")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMemoryStoreDoesNotAliasCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ev := &InboundEvent{ProviderEventID: "evt_cp", ProviderCreatedAt: time.Now()}
	_, err := store.RecordAttempt(ctx, ev)
	require.NoError(t, err)

	ev.Type = "mutated-after-store"

	rec, err := store.Get(ctx, "evt_cp")
	require.NoError(t, err)
	assert.Empty(t, rec.Type)
}
