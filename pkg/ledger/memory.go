package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errLedgerClosed = errors.New("ledger: closed")

// MemoryLedger keeps records in process memory. Used by tests and by the
// runtime when durability is explicitly disabled.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
	byKey   map[string]string // idempotency_key -> execution_id
	order   []string          // insertion order, oldest first
	clock   func() time.Time
	closed  bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	m.clock = clock
	return m
}

func (m *MemoryLedger) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ExecutionID == "" {
		rec.ExecutionID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.IdempotencyKey != "" {
		if _, exists := m.byKey[rec.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
	}

	now := m.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := *rec
	m.records[rec.ExecutionID] = &stored
	m.order = append(m.order, rec.ExecutionID)
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = rec.ExecutionID
	}
	return nil
}

func (m *MemoryLedger) Update(ctx context.Context, executionID string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[executionID]
	if !ok {
		return ErrNotFound
	}

	if upd.Status != nil && *upd.Status != rec.Status {
		if !rec.Status.CanTransition(*upd.Status) {
			return ErrInvalidTransition
		}
		rec.Status = *upd.Status
	}
	if upd.DurationMS != nil {
		rec.DurationMS = *upd.DurationMS
	}
	if upd.Retries != nil {
		rec.Retries = *upd.Retries
	}
	if upd.CostSpent != nil {
		rec.CostSpent = *upd.CostSpent
	}
	if upd.Result != nil {
		rec.Result = *upd.Result
	}
	if upd.ErrorCode != nil {
		rec.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	rec.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *MemoryLedger) Get(ctx context.Context, executionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *MemoryLedger) GetByIdempotency(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.records[id]
	out := *rec
	return &out, nil
}

func (m *MemoryLedger) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}

	out := make([]*Record, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := *m.records[m.order[i]]
		out = append(out, &rec)
	}
	return out, nil
}

func (m *MemoryLedger) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errLedgerClosed
	}
	return nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
