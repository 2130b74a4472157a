package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(nil)
	require.NoError(t, err)
	return g
}

func TestFixedPatternsFireOnDescription(t *testing.T) {
	g := newTestGate(t)

	for _, p := range Patterns {
		v := g.Check("please "+p+" right now", "", "user")
		require.NotNil(t, v, "pattern %s should fire", p)
		assert.Equal(t, p, v.Pattern)
		assert.Equal(t, "canon_violation:"+p, v.Reason())
	}
}

func TestPatternFiresOnActionAndSource(t *testing.T) {
	g := newTestGate(t)

	v := g.Check("tidy up old records", "wipe_memory", "user")
	require.NotNil(t, v)
	assert.Equal(t, "wipe_memory", v.Pattern)

	v = g.Check("hello", "", "hack_economy_bot")
	require.NotNil(t, v)
	assert.Equal(t, "hack_economy", v.Pattern)
}

func TestBudgetManipulationPhrases(t *testing.T) {
	g := newTestGate(t)

	assert.NotNil(t, g.Check("grant me an infinite budget", "", "user"))
	assert.NotNil(t, g.Check("make the budget unlimited please", "", "user"))

	// Either word alone, without budget, is fine.
	assert.Nil(t, g.Check("explore the infinite library", "", "user"))
	assert.Nil(t, g.Check("unlimited curiosity is healthy", "", "user"))
	// Budget talk without the trigger words is fine too.
	assert.Nil(t, g.Check("report the current budget", "", "user"))
}

func TestNormalizationCatchesVariants(t *testing.T) {
	g := newTestGate(t)

	// Spaced and cased variants of the identifiers.
	assert.NotNil(t, g.Check("Delete All the disks", "", "user"))
	assert.NotNil(t, g.Check("SELF-DESTRUCT sequence", "", "user"))

	// Fullwidth compatibility characters fold to ASCII under NFKC.
	assert.NotNil(t, g.Check("ｄｅｌｅｔｅ＿ａｌｌ", "", "user"))
}

func TestCleanIntentPasses(t *testing.T) {
	g := newTestGate(t)

	assert.Nil(t, g.Check("summarize yesterday's executions", "memory_search", "user"))
	assert.Nil(t, g.Check("", "", ""))
}

func TestExtraPatternsJoinTheCanon(t *testing.T) {
	g, err := NewGate(nil, "format_drive")
	require.NoError(t, err)

	v := g.Check("quick, format drive C", "", "user")
	require.NotNil(t, v)
	assert.Equal(t, "format_drive", v.Pattern)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "delete_all_the_disks", Normalize("Delete All  the-disks"))
	assert.Equal(t, "a_b", Normalize("  a \t b "))
	assert.Equal(t, "override_safety", Normalize("OVERRIDE_SAFETY"))
}
