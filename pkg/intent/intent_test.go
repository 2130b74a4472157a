package intent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClampsPriority(t *testing.T) {
	in := New("serve the request", TypeServe, 1.7, "user")
	assert.Equal(t, 1.0, in.Priority)
	assert.Equal(t, 1.0, in.BasePriority)
	assert.NotEmpty(t, in.IntentID)
	assert.Equal(t, DefaultDecayRate, in.DecayRate)
}

func TestValidate(t *testing.T) {
	in := New("learn something", TypeLearn, 0.5, "system")
	require.NoError(t, in.Validate())

	bad := *in
	bad.Type = Type("DOMINATE")
	assert.Error(t, bad.Validate())

	bad = *in
	bad.Description = ""
	assert.Error(t, bad.Validate())

	bad = *in
	bad.Source = ""
	assert.Error(t, bad.Validate())
}

func TestDecayIsLinearInAge(t *testing.T) {
	in := New("explore patterns", TypeExplore, 0.4, "self")
	created := in.CreatedAt

	in.Decay(created.Add(10 * time.Minute))
	assert.InDelta(t, 0.4-10*DefaultDecayRate, in.Priority, 1e-9)

	in.Decay(created.Add(40 * time.Minute))
	assert.InDelta(t, 0.4-40*DefaultDecayRate, in.Priority, 1e-9)
}

func TestDecayNeverRaisesPriority(t *testing.T) {
	in := New("explore patterns", TypeExplore, 0.4, "self")
	created := in.CreatedAt

	in.Decay(created.Add(30 * time.Minute))
	decayed := in.Priority

	// A clock that jumps backward must not restore priority.
	in.Decay(created.Add(5 * time.Minute))
	assert.Equal(t, decayed, in.Priority)

	in.Decay(created.Add(-time.Hour))
	assert.Equal(t, decayed, in.Priority)
}

func TestStackTopPicksHighestPriority(t *testing.T) {
	s := newTestStack(t)

	low := New("low", TypeServe, 0.2, "user")
	high := New("high", TypeMaintain, 0.9, "self")
	mid := New("mid", TypeLearn, 0.5, "system")
	s.Push(low)
	s.Push(high)
	s.Push(mid)

	top := s.Top()
	require.NotNil(t, top)
	assert.Equal(t, high.IntentID, top.IntentID)

	// Top hands out a copy; mutating it must not touch the stack.
	top.Priority = 0
	again := s.Top()
	assert.Equal(t, high.IntentID, again.IntentID)
	assert.Equal(t, 0.9, again.Priority)
}

func TestStackRemove(t *testing.T) {
	s := newTestStack(t)
	in := New("serve", TypeServe, 0.5, "user")
	s.Push(in)

	assert.True(t, s.Remove(in.IntentID))
	assert.False(t, s.Remove(in.IntentID))
	assert.Equal(t, 0, s.Len())
}

func TestStackRemoveIf(t *testing.T) {
	s := newTestStack(t)
	s.Push(New("one", TypeServe, 0.5, "stranger"))
	s.Push(New("two", TypeServe, 0.5, "user"))
	s.Push(New("three", TypeLearn, 0.5, "stranger"))

	removed := s.RemoveIf(func(in *Intent) bool { return in.Source == "stranger" })
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, s.Len())
}

func TestStackDecayPrunes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStackAt(t, func() time.Time { return now })

	young := New("young", TypeServe, 0.8, "user")
	young.CreatedAt = now
	old := New("old", TypeExplore, 0.05, "self")
	old.CreatedAt = now.Add(-30 * time.Minute)
	s.Push(young)
	s.Push(old)

	pruned := s.Decay()
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, young.IntentID, s.Top().IntentID)
}

func TestCooldownCounter(t *testing.T) {
	s := newTestStack(t)

	for i := 0; i < 25; i++ {
		s.RecordCycle(true)
	}
	assert.Equal(t, 20, s.Cooldown(), "counter is capped")

	s.RecordCycle(false)
	s.RecordCycle(false)
	assert.Equal(t, 18, s.Cooldown())

	for i := 0; i < 30; i++ {
		s.RecordCycle(false)
	}
	assert.Equal(t, 0, s.Cooldown())
}

func TestStackPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.json")

	s, err := NewStack(path, nil)
	require.NoError(t, err)
	in := New("keep me", TypeMaintain, 0.7, "self")
	s.Push(in)
	s.RecordCycle(true)
	s.RecordCycle(true)
	require.NoError(t, s.Save())

	reloaded, err := NewStack(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	assert.Equal(t, 2, reloaded.Cooldown())

	top := reloaded.Top()
	require.NotNil(t, top)
	assert.Equal(t, in.IntentID, top.IntentID)
	assert.Equal(t, in.CreatedAt.Unix(), top.CreatedAt.Unix())
}

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	return newTestStackAt(t, time.Now)
}

func newTestStackAt(t *testing.T, now func() time.Time) *Stack {
	t.Helper()
	s, err := NewStack(filepath.Join(t.TempDir(), "intents.json"), nil, WithClock(now))
	require.NoError(t, err)
	return s
}
