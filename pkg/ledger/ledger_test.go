package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusDAG(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNewRecordCopiesEnvelopeFields(t *testing.T) {
	env := testEnvelope("k9")
	env.Tenant = "acme"
	env.Priority = 0.7

	rec := NewRecord(env, "")

	assert.NotEmpty(t, rec.ExecutionID)
	assert.Equal(t, StatusQueued, rec.Status, "empty status defaults to queued")
	assert.Equal(t, "echo", rec.ToolName)
	assert.Equal(t, "say", rec.Action)
	assert.Equal(t, "acme", rec.Tenant)
	assert.Equal(t, "k9", rec.IdempotencyKey)
	assert.InDelta(t, 0.7, rec.Priority, 1e-9)
}

func TestMemoryLedgerLifecycle(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	rec := NewRecord(testEnvelope("mk1"), StatusQueued)
	require.NoError(t, led.Create(ctx, rec))

	require.NoError(t, led.Update(ctx, rec.ExecutionID, Update{Status: StatusPtr(StatusRunning)}))
	require.NoError(t, led.Update(ctx, rec.ExecutionID, Update{
		Status:     StatusPtr(StatusFailed),
		ErrorCode:  StringPtr("tool_error"),
		Retries:    IntPtr(3),
		DurationMS: Int64Ptr(120),
	}))

	got, err := led.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "tool_error", got.ErrorCode)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, int64(120), got.DurationMS)

	err = led.Update(ctx, rec.ExecutionID, Update{Status: StatusPtr(StatusRunning)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	byKey, err := led.GetByIdempotency(ctx, "mk1")
	require.NoError(t, err)
	assert.Equal(t, rec.ExecutionID, byKey.ExecutionID)
}

func TestMemoryLedgerDuplicateKey(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, led.Create(ctx, NewRecord(testEnvelope("dup"), StatusQueued)))
	assert.ErrorIs(t, led.Create(ctx, NewRecord(testEnvelope("dup"), StatusQueued)), ErrDuplicateKey)

	require.NoError(t, led.Create(ctx, NewRecord(testEnvelope(""), StatusQueued)))
	require.NoError(t, led.Create(ctx, NewRecord(testEnvelope(""), StatusQueued)))
}

func TestMemoryLedgerReturnsCopies(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	rec := NewRecord(testEnvelope(""), StatusQueued)
	require.NoError(t, led.Create(ctx, rec))

	got, err := led.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	got.Status = StatusCompleted
	got.ToolName = "mutated"

	again, err := led.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, again.Status, "caller mutation must not leak into the store")
	assert.Equal(t, "echo", again.ToolName)

	// The record handed to Create is also detached from storage.
	rec.ToolName = "mutated-again"
	again, err = led.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "echo", again.ToolName)
}

func TestMemoryLedgerListRecent(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	step := 0
	led.WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	for _, tool := range []string{"alpha", "beta", "gamma"} {
		env := testEnvelope("")
		env.ToolName = tool
		require.NoError(t, led.Create(ctx, NewRecord(env, StatusQueued)))
	}

	rows, err := led.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "gamma", rows[0].ToolName)
	assert.Equal(t, "beta", rows[1].ToolName)

	all, err := led.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	over, err := led.ListRecent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, over, 3)
}

func TestMemoryLedgerMissingRecord(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	_, err := led.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = led.GetByIdempotency(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, led.Update(ctx, "nope", Update{Retries: IntPtr(1)}), ErrNotFound)
}

func TestMemoryLedgerPingAfterClose(t *testing.T) {
	led := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, led.Ping(ctx))
	require.NoError(t, led.Close())
	assert.Error(t, led.Ping(ctx))
}
