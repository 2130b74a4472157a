package capability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

type fakeVitality struct {
	ticks    int
	budget   float64
	vitality float64
}

func (f *fakeVitality) Tick() error            { f.ticks++; return nil }
func (f *fakeVitality) Budget() float64        { return f.budget }
func (f *fakeVitality) CheckVitality() float64 { return f.vitality }

type fakeBreakers map[string]string

func (f fakeBreakers) States() map[string]string { return f }

type fakeDepth int

func (f fakeDepth) Len() int { return int(f) }

func TestMaintainerReportsHealth(t *testing.T) {
	eco := &fakeVitality{budget: 7.5, vitality: 0.1}
	m := capability.NewMaintainer(eco, fakeBreakers{"flaky": "open"}, fakeDepth(3))

	env := &envelope.Envelope{ToolName: capability.MaintainerName, Domain: envelope.DomainSystem, Action: "run"}
	res, err := m.Execute(capability.WithSpine(context.Background()), env)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, eco.ticks)

	report, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 7.5, report["budget"])
	assert.Equal(t, map[string]string{"flaky": "open"}, report["breakers"])
	assert.Equal(t, 3, report["queue_depth"])
}

func TestMaintainerHonoursSpineGuard(t *testing.T) {
	m := capability.NewMaintainer(&fakeVitality{}, nil, nil)
	env := &envelope.Envelope{ToolName: capability.MaintainerName, Domain: envelope.DomainSystem, Action: "run"}

	_, err := m.Execute(context.Background(), env)
	assert.ErrorIs(t, err, capability.ErrOutsideSpine)
}
