// Package intent models the prioritized, decaying goals the autonomy
// controller works through. Intents are pushed by the planner or injected by
// an adapter, decay linearly with age, and are pruned once their priority
// falls below the floor.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags an intent with the kind of work it asks for.
type Type string

const (
	TypeMaintain Type = "MAINTAIN"
	TypeServe    Type = "SERVE"
	TypeLearn    Type = "LEARN"
	TypeExplore  Type = "EXPLORE"
	TypeIdle     Type = "IDLE"
)

// Valid reports whether t is one of the known intent types.
func (t Type) Valid() bool {
	switch t {
	case TypeMaintain, TypeServe, TypeLearn, TypeExplore, TypeIdle:
		return true
	}
	return false
}

const (
	// DefaultDecayRate is priority lost per minute of age.
	DefaultDecayRate = 0.005

	// PruneThreshold removes intents whose priority decayed below it.
	PruneThreshold = 0.01
)

// Intent is one goal on the stack. BasePriority is the priority at creation;
// Priority is the decayed value. Decay derives Priority from BasePriority and
// CreatedAt so that age only accumulates, never resets.
type Intent struct {
	IntentID     string                 `json:"intent_id"`
	Description  string                 `json:"description"`
	Priority     float64                `json:"priority"`
	BasePriority float64                `json:"base_priority"`
	Type         Type                   `json:"intent_type"`
	Source       string                 `json:"source"`
	Context      map[string]interface{} `json:"context,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	DecayRate    float64                `json:"decay_rate"`
}

// New creates an intent with a fresh ID and the default decay rate.
// Priority is clamped to [0,1].
func New(description string, typ Type, priority float64, source string) *Intent {
	if priority < 0 {
		priority = 0
	}
	if priority > 1 {
		priority = 1
	}
	return &Intent{
		IntentID:     uuid.New().String(),
		Description:  description,
		Priority:     priority,
		BasePriority: priority,
		Type:         typ,
		Source:       source,
		CreatedAt:    time.Now().UTC(),
		DecayRate:    DefaultDecayRate,
	}
}

// Validate checks the fields an injected intent must carry.
func (in *Intent) Validate() error {
	if in.Description == "" {
		return fmt.Errorf("intent: description is required")
	}
	if !in.Type.Valid() {
		return fmt.Errorf("intent: unknown type %q", in.Type)
	}
	if in.Priority < 0 || in.Priority > 1 {
		return fmt.Errorf("intent: priority %v outside [0,1]", in.Priority)
	}
	if in.Source == "" {
		return fmt.Errorf("intent: source is required")
	}
	return nil
}

// Decay lowers Priority to BasePriority minus DecayRate per minute of age.
// Priority never increases: if the computed value exceeds the stored one
// (a clock that jumped backward), the stored value stands.
func (in *Intent) Decay(now time.Time) {
	rate := in.DecayRate
	if rate <= 0 {
		rate = DefaultDecayRate
	}
	age := now.Sub(in.CreatedAt).Minutes()
	if age < 0 {
		return
	}
	p := in.BasePriority - rate*age
	if p < 0 {
		p = 0
	}
	if p < in.Priority {
		in.Priority = p
	}
}

// Expired reports whether the intent decayed below the prune floor.
func (in *Intent) Expired() bool {
	return in.Priority < PruneThreshold
}

// ContextAction returns context["action"] as a string when present.
func (in *Intent) ContextAction() string {
	if in.Context == nil {
		return ""
	}
	if s, ok := in.Context["action"].(string); ok {
		return s
	}
	return ""
}

// Clone returns a deep copy safe to hand outside the stack's lock.
func (in *Intent) Clone() *Intent {
	cp := *in
	if in.Context != nil {
		cp.Context = make(map[string]interface{}, len(in.Context))
		for k, v := range in.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
