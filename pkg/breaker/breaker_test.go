package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failN(t *testing.T, m *Manager, tool string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, err := m.Allow(tool)
		require.NoError(t, err, "call %d should be admitted", i+1)
		done(false)
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(Config{Threshold: 3, Reset: time.Minute}, nil)

	failN(t, m, "mem.write", 3)

	_, err := m.Allow("mem.write")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "open", m.State("mem.write"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := NewManager(Config{Threshold: 3, Reset: time.Minute}, nil)

	failN(t, m, "mem.write", 2)

	done, err := m.Allow("mem.write")
	require.NoError(t, err)
	done(true)

	// Two more failures still sit below the threshold.
	failN(t, m, "mem.write", 2)

	_, err = m.Allow("mem.write")
	assert.NoError(t, err)
}

func TestHalfOpenProbeCloses(t *testing.T) {
	m := NewManager(Config{Threshold: 2, Reset: 50 * time.Millisecond}, nil)

	failN(t, m, "evolver", 2)
	_, err := m.Allow("evolver")
	require.ErrorIs(t, err, ErrOpen)

	time.Sleep(70 * time.Millisecond)

	done, err := m.Allow("evolver")
	require.NoError(t, err, "cool-down should admit a probe")
	done(true)

	assert.Equal(t, "closed", m.State("evolver"))

	done, err = m.Allow("evolver")
	require.NoError(t, err)
	done(true)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	m := NewManager(Config{Threshold: 2, Reset: 50 * time.Millisecond}, nil)

	failN(t, m, "evolver", 2)

	time.Sleep(70 * time.Millisecond)

	done, err := m.Allow("evolver")
	require.NoError(t, err)
	done(false)

	_, err = m.Allow("evolver")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "open", m.State("evolver"))
}

func TestBreakersAreIsolatedPerTool(t *testing.T) {
	m := NewManager(Config{Threshold: 2, Reset: time.Minute}, nil)

	failN(t, m, "bad.tool", 2)

	_, err := m.Allow("bad.tool")
	require.ErrorIs(t, err, ErrOpen)

	done, err := m.Allow("good.tool")
	require.NoError(t, err)
	done(true)

	states := m.States()
	assert.Equal(t, "open", states["bad.tool"])
	assert.Equal(t, "closed", states["good.tool"])
}

func TestUnknownToolReportsClosed(t *testing.T) {
	m := NewManager(Config{}, nil)
	assert.Equal(t, "closed", m.State("never.called"))
}
