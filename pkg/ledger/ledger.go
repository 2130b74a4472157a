// Package ledger persists one execution record per invocation lifecycle.
//
// Two implementations share the Ledger interface: MemoryLedger for tests
// and embedded use, SQLLedger for durable storage on SQLite or Postgres.
// Status transitions follow a DAG; updates that would move a record
// backwards or out of a terminal state are rejected.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrInvalidTransition is returned when an update would violate the
	// status DAG, including any write to a terminal record.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")

	// ErrDuplicateKey is returned when a create collides with an existing
	// idempotency key.
	ErrDuplicateKey = errors.New("ledger: duplicate idempotency key")
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next.
// queued -> running | cancelled; running -> completed | failed | cancelled.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// Record is one ledger row. Routing fields are copied from the envelope at
// create time so the ledger stays readable without joins.
type Record struct {
	ExecutionID    string             `json:"execution_id"`
	Status         Status             `json:"status"`
	ToolName       string             `json:"tool_name"`
	Domain         envelope.Domain    `json:"domain"`
	Action         string             `json:"action"`
	RequestID      string             `json:"request_id,omitempty"`
	TraceID        string             `json:"trace_id,omitempty"`
	Caller         string             `json:"caller,omitempty"`
	Tenant         string             `json:"tenant,omitempty"`
	Source         string             `json:"source,omitempty"`
	Priority       float64            `json:"priority"`
	RiskLevel      envelope.RiskLevel `json:"risk_level,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	DurationMS     int64              `json:"duration_ms"`
	Retries        int                `json:"retries"`
	CostSpent      float64            `json:"cost_spent"`
	Result         string             `json:"result,omitempty"`
	ErrorCode      string             `json:"error_code,omitempty"`
	ErrorMessage   string             `json:"error_message,omitempty"`
}

// NewRecord builds a record from an envelope with the given initial status.
func NewRecord(env *envelope.Envelope, status Status) *Record {
	if status == "" {
		status = StatusQueued
	}
	return &Record{
		ExecutionID:    uuid.New().String(),
		Status:         status,
		ToolName:       env.ToolName,
		Domain:         env.Domain,
		Action:         env.Action,
		RequestID:      env.RequestID,
		TraceID:        env.TraceID,
		Caller:         env.Caller,
		Tenant:         env.Tenant,
		Source:         env.Source,
		Priority:       env.Priority,
		RiskLevel:      env.RiskLevel,
		IdempotencyKey: env.IdempotencyKey,
	}
}

// Update names the fields an Update call touches. Nil pointers leave the
// stored value alone; UpdatedAt is always refreshed.
type Update struct {
	Status       *Status
	DurationMS   *int64
	Retries      *int
	CostSpent    *float64
	Result       *string
	ErrorCode    *string
	ErrorMessage *string
}

// Ledger is the durable execution record store.
type Ledger interface {
	// Create inserts a record. A missing execution id is generated, a
	// missing status defaults to queued. Idempotency keys are unique.
	Create(ctx context.Context, rec *Record) error

	// Update patches a record by id, enforcing the status DAG.
	Update(ctx context.Context, executionID string, upd Update) error

	// Get returns one record by execution id.
	Get(ctx context.Context, executionID string) (*Record, error)

	// GetByIdempotency returns the record carrying the given key.
	GetByIdempotency(ctx context.Context, key string) (*Record, error)

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Record, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// StatusPtr, IntPtr and friends make Update literals readable.
func StatusPtr(s Status) *Status    { return &s }
func Int64Ptr(v int64) *int64       { return &v }
func IntPtr(v int) *int             { return &v }
func Float64Ptr(v float64) *float64 { return &v }
func StringPtr(v string) *string    { return &v }
