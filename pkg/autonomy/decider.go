package autonomy

import (
	"github.com/ippoc-labs/ippoc/pkg/canon"
	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/intent"
)

// Decider actions.
const (
	ActionAct    = "act"
	ActionIdle   = "idle"
	ActionReject = "reject"
)

const (
	// cooldownLimit is the act streak above which low-priority work idles.
	cooldownLimit = 10

	// cooldownPriority exempts intents at or above it from the cooldown.
	cooldownPriority = 0.7
)

// Decision is the decider's verdict on the chosen intent.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Decider turns a chosen intent into act, idle, or reject. MAINTAIN skips
// the budget gate, LEARN runs on any positive budget, everything else asks
// the economy. A long act streak idles low-priority work.
type Decider struct {
	econ  *economy.Economy
	canon *canon.Gate
}

// NewDecider builds a decider over the given economy and canon gate.
func NewDecider(econ *economy.Economy, gate *canon.Gate) *Decider {
	return &Decider{econ: econ, canon: gate}
}

// Decide picks the action for the chosen intent. The canon check here is a
// backstop: the planner already screens the stack, so a hit means an intent
// slipped in after planning.
func (d *Decider) Decide(in *intent.Intent, cooldown int) Decision {
	if in == nil {
		return Decision{Action: ActionIdle, Reason: "no intent"}
	}
	if v := d.canon.Check(in.Description, in.ContextAction(), in.Source); v != nil {
		return Decision{Action: ActionReject, Reason: v.Reason()}
	}
	if in.Type == intent.TypeIdle {
		return Decision{Action: ActionIdle, Reason: "idle intent"}
	}

	var verdict Decision
	switch {
	case in.Type == intent.TypeMaintain:
		verdict = Decision{Action: ActionAct, Reason: "survival override"}
	case in.Type == intent.TypeLearn && d.econ.Budget() > 0:
		verdict = Decision{Action: ActionAct, Reason: "growth override"}
	default:
		dec := d.econ.CheckBudget(in.Priority)
		if !dec.Allowed {
			return Decision{Action: ActionIdle, Reason: dec.Reason}
		}
		verdict = Decision{Action: ActionAct, Reason: dec.Reason}
	}

	if cooldown > cooldownLimit && in.Priority < cooldownPriority {
		return Decision{Action: ActionIdle, Reason: "cooldown, priority too low"}
	}
	return verdict
}
