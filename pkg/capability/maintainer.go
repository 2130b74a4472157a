package capability

import (
	"context"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// MaintainerName is the registration name of the builtin tool.
const MaintainerName = "maintainer"

// MaintainerCost is the flat estimate for a maintenance run.
const MaintainerCost = 0.05

// VitalitySource is the slice of the economy the maintainer reads.
type VitalitySource interface {
	Tick() error
	Budget() float64
	CheckVitality() float64
}

// BreakerStates reports breaker state per tool name.
type BreakerStates interface {
	States() map[string]string
}

// QueueDepth reports the async backlog length.
type QueueDepth interface {
	Len() int
}

// Maintainer is the one builtin capability the runtime registers itself.
// Running it performs an economy tick and returns a health report; the
// autonomy controller's MAINTAIN intents land here.
type Maintainer struct {
	economy  VitalitySource
	breakers BreakerStates
	queue    QueueDepth
}

// NewMaintainer wires the maintainer to its read-only sources. breakers
// and queue may be nil; the report omits those sections.
func NewMaintainer(economy VitalitySource, breakers BreakerStates, queue QueueDepth) *Maintainer {
	return &Maintainer{economy: economy, breakers: breakers, queue: queue}
}

func (m *Maintainer) Name() string            { return MaintainerName }
func (m *Maintainer) Domain() envelope.Domain { return envelope.DomainSystem }

func (m *Maintainer) EstimateCost(env *envelope.Envelope) float64 {
	return MaintainerCost
}

// Execute ticks the economy and reports health. Honours the spine guard
// like every other tool.
func (m *Maintainer) Execute(ctx context.Context, env *envelope.Envelope) (envelope.Result, error) {
	if err := RequireSpine(ctx); err != nil {
		return envelope.Result{}, err
	}

	if err := m.economy.Tick(); err != nil {
		return envelope.Result{}, err
	}

	report := map[string]interface{}{
		"budget":   m.economy.Budget(),
		"vitality": m.economy.CheckVitality(),
	}
	if m.breakers != nil {
		report["breakers"] = m.breakers.States()
	}
	if m.queue != nil {
		report["queue_depth"] = m.queue.Len()
	}

	return envelope.Result{
		Success:   true,
		Output:    report,
		CostSpent: MaintainerCost,
	}, nil
}
