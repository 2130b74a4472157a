package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{
		ExecutionID: "exec-1",
		Result:      envelope.Result{Success: true, Output: "done", CostSpent: 0.2},
	}
	require.NoError(t, s.Put(ctx, "k1", entry))

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.True(t, got.Result.Success)
	assert.False(t, got.StoredAt.IsZero())
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Hour, WithClock(func() time.Time { return now }))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", Entry{ExecutionID: "exec-1"}))

	now = now.Add(59 * time.Minute)
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok, "entry should be live inside the TTL")

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire past the TTL")
}

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", Entry{ExecutionID: "first"}))
	require.NoError(t, s.Put(ctx, "k1", Entry{ExecutionID: "second"}))

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.ExecutionID)
}

func TestMemoryStoreReplacesExpiredEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute, WithClock(func() time.Time { return now }))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", Entry{ExecutionID: "first"}))

	now = now.Add(5 * time.Minute)
	require.NoError(t, s.Put(ctx, "k1", Entry{ExecutionID: "second"}))

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.ExecutionID)
}
