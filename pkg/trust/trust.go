// Package trust scores the sources that submit intents. Unknown sources
// start neutral; the runtime's own identities are pinned to full trust and
// cannot be lowered. The planner drops intents whose source falls below the
// verification threshold.
package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

const (
	// SchemaVersion gates the on-disk registry format.
	SchemaVersion = "1.0.0"

	// NeutralScore is assigned to sources never seen before.
	NeutralScore = 0.5

	// PinnedScore is the fixed trust of the runtime's own identities.
	PinnedScore = 1.0

	// DefaultMinTrust is the verification threshold for intent sources.
	DefaultMinTrust = 0.4

	maxNotes = 20
)

// pinned sources keep full trust regardless of updates.
var pinned = map[string]bool{
	"self":   true,
	"system": true,
	"user":   true,
}

// Record is the trust state of one source.
type Record struct {
	NodeID          string    `json:"node_id"`
	TrustScore      float64   `json:"trust_score"`
	Interactions    int       `json:"interactions"`
	LastInteraction time.Time `json:"last_interaction"`
	Notes           []string  `json:"notes,omitempty"`
}

type registryState struct {
	SchemaVersion string             `json:"schema_version"`
	Records       map[string]*Record `json:"records"`
	SavedAt       time.Time          `json:"saved_at"`
}

// Registry holds trust records and persists them after every mutation.
type Registry struct {
	mu      sync.Mutex
	path    string
	logger  *slog.Logger
	now     func() time.Time
	records map[string]*Record
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry loads the registry persisted at path, or starts empty.
func NewRegistry(path string, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    path,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}

	var st registryState
	err := statefile.Load(path, SchemaVersion, &st)
	switch {
	case errors.Is(err, statefile.ErrNotExist):
		// fresh start
	case err != nil:
		return nil, fmt.Errorf("load trust registry: %w", err)
	default:
		if st.Records != nil {
			r.records = st.Records
		}
		logger.Info("trust registry loaded",
			slog.String("path", path),
			slog.Int("records", len(r.records)),
		)
	}
	return r, nil
}

// Get returns the trust score for nodeID. Pinned identities always report
// full trust; unknown sources report neutral without creating a record.
func (r *Registry) Get(nodeID string) float64 {
	if pinned[nodeID] {
		return PinnedScore
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[nodeID]; ok {
		return rec.TrustScore
	}
	return NeutralScore
}

// Record returns a copy of the stored record for nodeID, if any.
func (r *Registry) Record(nodeID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[nodeID]
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.Notes = append([]string(nil), rec.Notes...)
	return cp, true
}

// Update shifts nodeID's score by delta, clamped to [0,1], and appends the
// reason to the record's notes. Pinned identities are not movable; the call
// still counts the interaction. Returns the resulting score.
func (r *Registry) Update(nodeID string, delta float64, reason string) (float64, error) {
	r.mu.Lock()

	rec, ok := r.records[nodeID]
	if !ok {
		score := NeutralScore
		if pinned[nodeID] {
			score = PinnedScore
		}
		rec = &Record{NodeID: nodeID, TrustScore: score}
		r.records[nodeID] = rec
	}

	if !pinned[nodeID] {
		rec.TrustScore += delta
		if rec.TrustScore < 0 {
			rec.TrustScore = 0
		}
		if rec.TrustScore > 1 {
			rec.TrustScore = 1
		}
	}
	rec.Interactions++
	rec.LastInteraction = r.now().UTC()
	if reason != "" {
		rec.Notes = append(rec.Notes, reason)
		if len(rec.Notes) > maxNotes {
			rec.Notes = rec.Notes[len(rec.Notes)-maxNotes:]
		}
	}
	score := rec.TrustScore
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return score, err
	}
	return score, nil
}

// VerifyIntentSource reports whether source clears minTrust (DefaultMinTrust
// when minTrust <= 0).
func (r *Registry) VerifyIntentSource(source string, minTrust float64) bool {
	if minTrust <= 0 {
		minTrust = DefaultMinTrust
	}
	return r.Get(source) >= minTrust
}

// All returns copies of every stored record.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		cp.Notes = append([]string(nil), rec.Notes...)
		out = append(out, cp)
	}
	return out
}

func (r *Registry) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := registryState{
		SchemaVersion: SchemaVersion,
		Records:       r.records,
		SavedAt:       r.now().UTC(),
	}
	if err := statefile.Save(r.path, st); err != nil {
		return fmt.Errorf("save trust registry: %w", err)
	}
	return nil
}
