package trust

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "trust.json"), nil)
	require.NoError(t, err)
	return r
}

func TestUnknownSourceIsNeutral(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, NeutralScore, r.Get("stranger"))

	_, ok := r.Record("stranger")
	assert.False(t, ok, "reading must not create a record")
}

func TestPinnedSourcesStayAtFullTrust(t *testing.T) {
	r := newTestRegistry(t)

	for _, id := range []string{"self", "system", "user"} {
		assert.Equal(t, PinnedScore, r.Get(id))

		score, err := r.Update(id, -0.9, "attempted demotion")
		require.NoError(t, err)
		assert.Equal(t, PinnedScore, score, "%s must not be lowered", id)
	}
}

func TestUpdateClampsAndNotes(t *testing.T) {
	r := newTestRegistry(t)

	score, err := r.Update("peer-a", 0.3, "helpful answer")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score, 1e-9)

	score, err = r.Update("peer-a", 0.9, "another good one")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = r.Update("peer-a", -5, "catastrophic lie")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	rec, ok := r.Record("peer-a")
	require.True(t, ok)
	assert.Equal(t, 3, rec.Interactions)
	assert.Equal(t, []string{"helpful answer", "another good one", "catastrophic lie"}, rec.Notes)
	assert.False(t, rec.LastInteraction.IsZero())
}

func TestVerifyIntentSource(t *testing.T) {
	r := newTestRegistry(t)

	assert.True(t, r.VerifyIntentSource("stranger", 0), "neutral 0.5 clears the default 0.4")
	assert.True(t, r.VerifyIntentSource("user", 0))

	_, err := r.Update("liar", -0.2, "fabricated result")
	require.NoError(t, err)
	assert.False(t, r.VerifyIntentSource("liar", 0), "0.3 falls below the default threshold")

	assert.False(t, r.VerifyIntentSource("stranger", 0.6), "explicit threshold wins")
}

func TestNotesAreBounded(t *testing.T) {
	r := newTestRegistry(t)

	for i := 0; i < maxNotes+7; i++ {
		_, err := r.Update("chatty", 0, "note")
		require.NoError(t, err)
	}

	rec, ok := r.Record("chatty")
	require.True(t, ok)
	assert.Len(t, rec.Notes, maxNotes)
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r, err := NewRegistry(path, nil, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	_, err = r.Update("peer-a", 0.2, "first contact")
	require.NoError(t, err)

	reloaded, err := NewRegistry(path, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, reloaded.Get("peer-a"), 1e-9)

	rec, ok := reloaded.Record("peer-a")
	require.True(t, ok)
	assert.Equal(t, fixed, rec.LastInteraction)
}
