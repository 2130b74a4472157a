// Package economy tracks the process-wide budget, per-tool statistics, and
// the vitality signal the autonomy controller treats as pain.
//
// All mutations run under one mutex and flush the full state to disk before
// returning. Debt is allowed: spend never refuses, consequences arrive
// through throttling and the planner's survival logic.
package economy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

const (
	// SchemaVersion is the persisted state document version.
	SchemaVersion = "1.0.0"

	// DefaultEventCap bounds the events ring.
	DefaultEventCap = 500

	// DefaultBudget and DefaultReserve seed a fresh state file.
	DefaultBudget  = 10.0
	DefaultReserve = 5.0

	// DefaultRegenRate is budget regenerated per elapsed minute.
	DefaultRegenRate = 0.1

	// valueDecay discounts reported value before crediting.
	valueDecay = 0.9

	// lowAnxiety is the vitality floor while solvent but nearly broke.
	lowAnxiety = 0.1
)

// ToolStats accumulates per-tool call history.
type ToolStats struct {
	Calls      int64   `json:"calls"`
	Failures   int64   `json:"failures"`
	TotalSpent float64 `json:"total_spent"`
	TotalValue float64 `json:"total_value"`
}

// ErrorRate returns failures over calls, zero when the tool never ran.
func (s *ToolStats) ErrorRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Calls)
}

// ROI returns value produced per unit spent, zero when nothing was spent.
func (s *ToolStats) ROI() float64 {
	if s.TotalSpent == 0 {
		return 0
	}
	return s.TotalValue / s.TotalSpent
}

// Event is one entry in the bounded activity ring.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"` // spend, value, tick
	Tool   string    `json:"tool,omitempty"`
	Amount float64   `json:"amount"`
	Note   string    `json:"note,omitempty"`
}

// State is the persisted economy document.
type State struct {
	SchemaVersion string                `json:"schema_version"`
	Budget        float64               `json:"budget"`
	Reserve       float64               `json:"reserve"`
	RegenRate     float64               `json:"regen_rate"`
	LastTick      time.Time             `json:"last_tick"`
	TotalSpent    float64               `json:"total_spent"`
	TotalValue    float64               `json:"total_value"`
	ToolStats     map[string]*ToolStats `json:"tool_stats"`
	Events        []Event               `json:"events"`
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Economy owns the budget state. Construct with New; every public method
// is safe for concurrent use.
type Economy struct {
	mu       sync.Mutex
	state    State
	path     string
	eventCap int
	clock    func() time.Time
	logger   *slog.Logger
}

// New loads the economy state from path, seeding defaults when the file
// does not exist yet. A schema major mismatch is an error, not a reset.
func New(path string, logger *slog.Logger) (*Economy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Economy{
		path:     path,
		eventCap: DefaultEventCap,
		clock:    time.Now,
		logger:   logger,
	}

	var st State
	err := statefile.Load(path, SchemaVersion, &st)
	switch {
	case err == nil:
		if st.ToolStats == nil {
			st.ToolStats = make(map[string]*ToolStats)
		}
		e.state = st
	case err == statefile.ErrNotExist:
		e.state = State{
			SchemaVersion: SchemaVersion,
			Budget:        DefaultBudget,
			Reserve:       DefaultReserve,
			RegenRate:     DefaultRegenRate,
			LastTick:      e.clock().UTC(),
			ToolStats:     make(map[string]*ToolStats),
		}
		if err := statefile.Save(path, &e.state); err != nil {
			return nil, fmt.Errorf("economy: seed state: %w", err)
		}
	default:
		return nil, fmt.Errorf("economy: load state: %w", err)
	}

	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Economy) WithClock(clock func() time.Time) *Economy {
	e.clock = clock
	return e
}

// WithEventCap overrides the events ring bound.
func (e *Economy) WithEventCap(cap int) *Economy {
	if cap > 0 {
		e.eventCap = cap
	}
	return e
}

// Tick advances last_tick and regenerates budget from elapsed wall time.
// A single tick credits at most the reserve, so long downtime does not
// mint a windfall. Safe to call repeatedly; short gaps credit ~nothing.
func (e *Economy) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	elapsed := now.Sub(e.state.LastTick).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}
	e.state.LastTick = now

	if e.state.RegenRate > 0 && elapsed > 0 {
		credit := elapsed * e.state.RegenRate
		if credit > e.state.Reserve {
			credit = e.state.Reserve
		}
		e.state.Budget += credit
		e.appendEventLocked(Event{At: now, Kind: "tick", Amount: credit})
	}

	return e.persistLocked()
}

// Spend debits the budget and records per-tool stats. Always permitted;
// the account may go negative.
func (e *Economy) Spend(cost float64, toolName string, failed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Budget -= cost
	e.state.TotalSpent += cost

	st := e.statsLocked(toolName)
	st.Calls++
	if failed {
		st.Failures++
	}
	st.TotalSpent += cost

	note := ""
	if failed {
		note = "failed"
	}
	e.appendEventLocked(Event{At: e.clock().UTC(), Kind: "spend", Tool: toolName, Amount: cost, Note: note})

	return e.persistLocked()
}

// RecordValue credits produced value, discounted by confidence and the
// decay constant, capped like regeneration.
func (e *Economy) RecordValue(value, confidence float64, source, toolName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	credit := value * confidence * valueDecay
	if credit < 0 {
		credit = 0
	}
	if credit > e.state.Reserve {
		credit = e.state.Reserve
	}
	e.state.Budget += credit
	e.state.TotalValue += credit

	st := e.statsLocked(toolName)
	st.TotalValue += credit

	e.appendEventLocked(Event{At: e.clock().UTC(), Kind: "value", Tool: toolName, Amount: credit, Note: source})

	return e.persistLocked()
}

// CheckBudget authorizes a prospective action against the debt policy.
// Deep debt (< -5) admits only priority > 0.8; debt admits priority > 0.5.
func (e *Economy) CheckBudget(priority float64) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.state.Budget
	switch {
	case b < -5.0:
		if priority > 0.8 {
			return Decision{Allowed: true, Reason: "deep debt, priority override"}
		}
		return Decision{Allowed: false, Reason: fmt.Sprintf("deep debt (budget %.2f), priority %.2f too low", b, priority)}
	case b < 0:
		if priority > 0.5 {
			return Decision{Allowed: true, Reason: "debt, priority override"}
		}
		return Decision{Allowed: false, Reason: fmt.Sprintf("in debt (budget %.2f), priority %.2f too low", b, priority)}
	default:
		return Decision{Allowed: true, Reason: "within budget"}
	}
}

// CheckVitality returns the pain level in [0,1]. Zero while comfortable,
// a low-anxiety constant while nearly broke, scaling with debt depth.
func (e *Economy) CheckVitality() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return vitalityOf(e.state.Budget)
}

func vitalityOf(budget float64) float64 {
	switch {
	case budget >= 1:
		return 0
	case budget >= 0:
		return lowAnxiety
	default:
		pain := -budget / 10
		if pain > 1 {
			pain = 1
		}
		return pain
	}
}

// CheckThrottle reports whether a tool's track record alone warrants
// throttling: chronically failing, or expensive with nothing to show.
func (e *Economy) CheckThrottle(toolName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.throttleLocked(toolName)
}

func (e *Economy) throttleLocked(toolName string) bool {
	st, ok := e.state.ToolStats[toolName]
	if !ok {
		return false
	}
	if st.Calls > 10 && st.ErrorRate() > 0.5 {
		return true
	}
	if st.TotalSpent > 5 && st.ROI() < 0.1 {
		return true
	}
	return false
}

// ShouldThrottle is CheckThrottle plus the poverty rule: when the budget
// drops below 1.0, non-essential tools are refused outright.
func (e *Economy) ShouldThrottle(toolName string, essential bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.throttleLocked(toolName) {
		return true
	}
	if !essential && e.state.Budget < 1.0 {
		return true
	}
	return false
}

// Budget returns the current balance.
func (e *Economy) Budget() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Budget
}

// SetBudget overwrites the balance. Composition and test hook; nothing on
// the HTTP surface reaches this.
func (e *Economy) SetBudget(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Budget = v
	return e.persistLocked()
}

// Stats returns a copy of one tool's stats.
func (e *Economy) Stats(toolName string) ToolStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state.ToolStats[toolName]; ok {
		return *st
	}
	return ToolStats{}
}

// Snapshot returns a deep copy of the full state for read endpoints.
func (e *Economy) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.state
	out.ToolStats = make(map[string]*ToolStats, len(e.state.ToolStats))
	for k, v := range e.state.ToolStats {
		c := *v
		out.ToolStats[k] = &c
	}
	out.Events = append([]Event(nil), e.state.Events...)
	return out
}

func (e *Economy) statsLocked(toolName string) *ToolStats {
	st, ok := e.state.ToolStats[toolName]
	if !ok {
		st = &ToolStats{}
		e.state.ToolStats[toolName] = st
	}
	return st
}

func (e *Economy) appendEventLocked(ev Event) {
	e.state.Events = append(e.state.Events, ev)
	if over := len(e.state.Events) - e.eventCap; over > 0 {
		e.state.Events = append([]Event(nil), e.state.Events[over:]...)
	}
}

func (e *Economy) persistLocked() error {
	if err := statefile.Save(e.path, &e.state); err != nil {
		e.logger.Error("economy persist failed", slog.Any("error", err))
		return fmt.Errorf("economy: persist: %w", err)
	}
	return nil
}
