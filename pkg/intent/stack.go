package intent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

// SchemaVersion gates the on-disk stack format.
const SchemaVersion = "1.0.0"

// cooldownCap bounds the consecutive-act counter. It sits above the
// decider's idle threshold so a long act streak can actually trip it.
const cooldownCap = 20

type stackState struct {
	SchemaVersion string    `json:"schema_version"`
	Intents       []*Intent `json:"intents"`
	Cooldown      int       `json:"cooldown"`
	SavedAt       time.Time `json:"saved_at"`
}

// Stack holds the live intents ordered by nothing in particular; Top scans
// for the highest priority. The autonomy controller is the only mutator
// besides adapter pushes, which take the same lock.
type Stack struct {
	mu       sync.Mutex
	path     string
	logger   *slog.Logger
	now      func() time.Time
	intents  []*Intent
	cooldown int
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) StackOption {
	return func(s *Stack) { s.now = now }
}

// NewStack loads the stack persisted at path, or starts empty when no file
// exists yet.
func NewStack(path string, logger *slog.Logger, opts ...StackOption) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var st stackState
	err := statefile.Load(path, SchemaVersion, &st)
	switch {
	case errors.Is(err, statefile.ErrNotExist):
		// fresh start
	case err != nil:
		return nil, fmt.Errorf("load intent stack: %w", err)
	default:
		for _, in := range st.Intents {
			if in.BasePriority == 0 && in.Priority > 0 {
				in.BasePriority = in.Priority
			}
		}
		s.intents = st.Intents
		s.cooldown = st.Cooldown
		logger.Info("intent stack loaded",
			slog.String("path", path),
			slog.Int("intents", len(st.Intents)),
			slog.Int("cooldown", st.Cooldown),
		)
	}
	return s, nil
}

// Push adds an intent to the stack.
func (s *Stack) Push(in *Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, in)
}

// Top returns a copy of the highest-priority intent, or nil when empty.
func (s *Stack) Top() *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var top *Intent
	for _, in := range s.intents {
		if top == nil || in.Priority > top.Priority {
			top = in
		}
	}
	if top == nil {
		return nil
	}
	return top.Clone()
}

// Remove deletes the intent with the given ID, reporting whether it existed.
func (s *Stack) Remove(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, in := range s.intents {
		if in.IntentID == intentID {
			s.intents = append(s.intents[:i], s.intents[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveIf drops every intent matching pred and returns copies of the
// removed ones.
func (s *Stack) RemoveIf(pred func(*Intent) bool) []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Intent
	kept := s.intents[:0]
	for _, in := range s.intents {
		if pred(in) {
			removed = append(removed, in.Clone())
			continue
		}
		kept = append(kept, in)
	}
	s.intents = kept
	return removed
}

// Decay applies age-based decay to every intent and prunes the expired.
// Returns the number pruned.
func (s *Stack) Decay() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.intents[:0]
	pruned := 0
	for _, in := range s.intents {
		in.Decay(now)
		if in.Expired() {
			pruned++
			continue
		}
		kept = append(kept, in)
	}
	s.intents = kept
	return pruned
}

// Has reports whether any live intent carries the given type.
func (s *Stack) Has(typ Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range s.intents {
		if in.Type == typ {
			return true
		}
	}
	return false
}

// Len returns the number of live intents.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}

// All returns copies of every live intent.
func (s *Stack) All() []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in.Clone())
	}
	return out
}

// RecordCycle feeds the cooldown counter: an acting cycle raises it toward
// the window cap, any other cycle lowers it toward zero.
func (s *Stack) RecordCycle(acted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acted {
		if s.cooldown < cooldownCap {
			s.cooldown++
		}
		return
	}
	if s.cooldown > 0 {
		s.cooldown--
	}
}

// Cooldown returns the consecutive-act counter.
func (s *Stack) Cooldown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldown
}

// Save persists the stack and cooldown counter.
func (s *Stack) Save() error {
	s.mu.Lock()
	st := stackState{
		SchemaVersion: SchemaVersion,
		Intents:       s.intents,
		Cooldown:      s.cooldown,
		SavedAt:       s.now().UTC(),
	}
	s.mu.Unlock()

	if err := statefile.Save(s.path, st); err != nil {
		return fmt.Errorf("save intent stack: %w", err)
	}
	return nil
}
