package autonomy

import (
	"log/slog"

	"github.com/ippoc-labs/ippoc/pkg/canon"
	"github.com/ippoc-labs/ippoc/pkg/intent"
	"github.com/ippoc-labs/ippoc/pkg/trust"
)

const (
	// painSurvival is the pain above which a MAINTAIN intent is pushed.
	painSurvival = 0.3

	// painCalm is the pain below which growth is permitted.
	painCalm = 0.1

	// growthPriority is the priority of a planner-pushed EXPLORE intent.
	growthPriority = 0.4

	// healthyBudget is the budget floor for growth behaviour.
	healthyBudget = 1.0
)

// PlanReport says what planning did to the stack: which intents the gates
// removed, what was pushed, and the surviving top.
type PlanReport struct {
	Chosen       *intent.Intent
	TrustDropped []*intent.Intent
	CanonDropped []*intent.Intent
	CanonReasons []string
	Pushed       []*intent.Intent
}

// Planner mutates the stack in place: the trust gate drops intents from
// sources below the floor, the canon gate drops forbidden ones, survival
// pushes a MAINTAIN under pain, growth pushes an EXPLORE when calm and
// funded. The highest-priority survivor is the chosen intent.
type Planner struct {
	trust    *trust.Registry
	canon    *canon.Gate
	logger   *slog.Logger
	minTrust float64
}

// NewPlanner builds a planner over the given trust registry and canon gate.
func NewPlanner(reg *trust.Registry, gate *canon.Gate, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		trust:    reg,
		canon:    gate,
		logger:   logger,
		minTrust: trust.DefaultMinTrust,
	}
}

// Plan runs the gates and pushes against the stack and returns the report.
func (p *Planner) Plan(sig Signals, stack *intent.Stack) PlanReport {
	var rep PlanReport

	rep.TrustDropped = stack.RemoveIf(func(in *intent.Intent) bool {
		return !p.trust.VerifyIntentSource(in.Source, p.minTrust)
	})
	for _, in := range rep.TrustDropped {
		p.logger.Warn("intent dropped, source below trust floor",
			slog.String("intent_id", in.IntentID),
			slog.String("source", in.Source),
			slog.Float64("trust", p.trust.Get(in.Source)),
		)
	}

	rep.CanonDropped = stack.RemoveIf(func(in *intent.Intent) bool {
		v := p.canon.Check(in.Description, in.ContextAction(), in.Source)
		if v == nil {
			return false
		}
		rep.CanonReasons = append(rep.CanonReasons, v.Reason())
		return true
	})
	for i, in := range rep.CanonDropped {
		p.logger.Warn("intent dropped by canon",
			slog.String("intent_id", in.IntentID),
			slog.String("reason", rep.CanonReasons[i]),
		)
	}

	if sig.PainScore > painSurvival && !stack.Has(intent.TypeMaintain) {
		pr := sig.PainScore + 0.2
		if pr > 1 {
			pr = 1
		}
		in := intent.New("restore system health", intent.TypeMaintain, pr, "self")
		stack.Push(in)
		rep.Pushed = append(rep.Pushed, in)
		p.logger.Info("survival intent pushed",
			slog.Float64("pain", sig.PainScore),
			slog.Float64("priority", pr),
		)
	}

	if stack.Len() == 0 && sig.Budget >= healthyBudget && sig.PainScore < painCalm {
		in := intent.New("explore recent memory for patterns", intent.TypeExplore, growthPriority, "self")
		stack.Push(in)
		rep.Pushed = append(rep.Pushed, in)
		p.logger.Info("growth intent pushed", slog.Float64("budget", sig.Budget))
	}

	rep.Chosen = stack.Top()
	return rep
}
