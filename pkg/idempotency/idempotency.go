// Package idempotency stores completed invocation results keyed by the
// caller-supplied idempotency key, so a duplicate invocation within the TTL
// replays the original result instead of running the tool again.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// DefaultTTL is how long a stored result stays replayable.
const DefaultTTL = time.Hour

// Entry is the replayable outcome of an invocation.
type Entry struct {
	ExecutionID string          `json:"execution_id"`
	Result      envelope.Result `json:"result"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Store persists entries for the configured TTL. Put is first-write-wins:
// storing under an existing live key keeps the original entry, so concurrent
// duplicates cannot swap results out from under a replay.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Close() error
}

// MemoryStore keeps entries in process memory. Suitable for a single node;
// use the Redis store when several orchestrators share one key space.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store whose entries expire after ttl
// (DefaultTTL when ttl <= 0) and starts a background sweep.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, e := range s.entries {
				if now.Sub(e.StoredAt) > s.ttl {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Get returns the live entry for key, if any.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.now().Sub(e.StoredAt) > s.ttl {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores entry under key unless a live entry already exists.
func (s *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[key]; ok && s.now().Sub(prev.StoredAt) <= s.ttl {
		return nil
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	s.entries[key] = entry
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
