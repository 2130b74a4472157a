// Package envelope defines the invocation envelope and result types that
// flow through the orchestrator.
//
// The envelope is the single input record for every capability invocation:
// every side-effecting call is described by one, and nothing executes
// without passing one through the gate. Results are explicit values; the
// error taxonomy travels in Result.ErrorCode, not in Go errors.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ippoc-labs/ippoc/pkg/canonicalize"
)

// RiskLevel classifies the blast radius a caller expects from an invocation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// riskRank orders risk levels for max_risk policy comparison.
var riskRank = map[RiskLevel]int{
	RiskLow:    0,
	RiskMedium: 1,
	RiskHigh:   2,
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Exceeds reports whether r is strictly riskier than max. Unknown levels
// compare as exceeding, so policy stays fail-closed.
func (r RiskLevel) Exceeds(max RiskLevel) bool {
	rr, ok := riskRank[r]
	if !ok {
		return true
	}
	mr, ok := riskRank[max]
	if !ok {
		return true
	}
	return rr > mr
}

// Domain is the logical grouping a tool belongs to. Allow and deny lists
// operate on these values.
type Domain string

const (
	DomainMemory    Domain = "memory"
	DomainBody      Domain = "body"
	DomainCognition Domain = "cognition"
	DomainEvolution Domain = "evolution"
	DomainSocial    Domain = "social"
	DomainSystem    Domain = "system"
)

// KnownDomains lists every domain the gate accepts.
var KnownDomains = []Domain{
	DomainMemory, DomainBody, DomainCognition, DomainEvolution, DomainSocial, DomainSystem,
}

// Valid reports whether d is an enumerated domain.
func (d Domain) Valid() bool {
	for _, k := range KnownDomains {
		if d == k {
			return true
		}
	}
	return false
}

// ErrorCode is the invocation error taxonomy. HTTP status mapping and
// retry policy key off these values.
type ErrorCode string

const (
	ErrCodeTool     ErrorCode = "tool_error"
	ErrCodeBudget   ErrorCode = "budget_exceeded"
	ErrCodeSecurity ErrorCode = "security_violation"
	ErrCodeInternal ErrorCode = "internal_error"
)

// DefaultRetryable returns the baseline retryable flag for a code.
// Tool errors depend on the cause and are decided at classification time.
func (c ErrorCode) DefaultRetryable() bool {
	switch c {
	case ErrCodeBudget, ErrCodeSecurity:
		return false
	case ErrCodeInternal:
		return true
	default:
		return false
	}
}

// Envelope describes a single tool invocation request. Instances are
// treated as immutable once submitted; Normalize is the only sanctioned
// mutation and runs before the gate sees the envelope.
type Envelope struct {
	ToolName       string                 `json:"tool_name"`
	Domain         Domain                 `json:"domain"`
	Action         string                 `json:"action"`
	Context        map[string]interface{} `json:"context,omitempty"`
	RiskLevel      RiskLevel              `json:"risk_level,omitempty"`
	EstimatedCost  float64                `json:"estimated_cost,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`

	// Routing and correlation.
	RequestID  string  `json:"request_id,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
	Caller     string  `json:"caller,omitempty"`
	Tenant     string  `json:"tenant,omitempty"`
	Source     string  `json:"source,omitempty"`
	Priority   float64 `json:"priority,omitempty"`
	DeadlineMS int64   `json:"deadline_ms,omitempty"`

	// Policy hints.
	RequiresValidation bool `json:"requires_validation,omitempty"`
	RollbackAllowed    bool `json:"rollback_allowed,omitempty"`
}

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Normalize fills defaults on an inbound envelope: low risk when unset,
// neutral priority, and a generated request id for correlation.
func (e *Envelope) Normalize() {
	if e.RiskLevel == "" {
		e.RiskLevel = RiskLow
	}
	if e.Priority == 0 {
		e.Priority = 0.5
	}
	if e.RequestID == "" {
		e.RequestID = uuid.New().String()
	}
}

// Validate performs structural validation. Fail-closed: anything outside
// the enumerated value sets is an error, not a warning.
func (e *Envelope) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	requireNonEmpty(result, "tool_name", e.ToolName)
	requireNonEmpty(result, "action", e.Action)

	if e.Domain == "" {
		addError(result, "domain", "REQUIRED", "domain is required")
	} else if !e.Domain.Valid() {
		addError(result, "domain", "INVALID_VALUE", fmt.Sprintf("unknown domain %q", e.Domain))
	}

	if e.RiskLevel != "" && !e.RiskLevel.Valid() {
		addError(result, "risk_level", "INVALID_VALUE", fmt.Sprintf("unknown risk level %q", e.RiskLevel))
	}

	if e.EstimatedCost < 0 {
		addError(result, "estimated_cost", "INVALID_VALUE", "estimated_cost must be non-negative")
	}

	if e.Priority < 0 || e.Priority > 1 {
		addError(result, "priority", "INVALID_VALUE", "priority must be within [0,1]")
	}

	if e.DeadlineMS < 0 {
		addError(result, "deadline_ms", "INVALID_VALUE", "deadline_ms must be non-negative")
	}

	return result
}

// Deadline converts deadline_ms to a duration, falling back to def when
// the envelope does not carry one.
func (e *Envelope) Deadline(def time.Duration) time.Duration {
	if e.DeadlineMS > 0 {
		return time.Duration(e.DeadlineMS) * time.Millisecond
	}
	return def
}

// Hash returns the canonical content hash of the envelope, used for audit
// correlation and idempotency fingerprints.
func (e *Envelope) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("envelope hash: %w", err)
	}
	return "sha256:" + h, nil
}

// ContextString extracts a string value from the free-form context.
func (e *Envelope) ContextString(key string) (string, bool) {
	if e.Context == nil {
		return "", false
	}
	v, ok := e.Context[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ContextInt extracts an integer value from the context, tolerating the
// float64 shape JSON decoding produces.
func (e *Envelope) ContextInt(key string, def int) int {
	if e.Context == nil {
		return def
	}
	switch v := e.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Result is the outcome of one invocation. Refusals and failures are
// values with a populated ErrorCode; no error escapes the spine.
type Result struct {
	Success       bool                   `json:"success"`
	Output        interface{}            `json:"output,omitempty"`
	CostSpent     float64                `json:"cost_spent"`
	MemoryWritten bool                   `json:"memory_written,omitempty"`
	RollbackToken string                 `json:"rollback_token,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	ErrorCode     ErrorCode              `json:"error_code,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Retryable     bool                   `json:"retryable,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Refusal builds a failed Result for a gate refusal. Retryability follows
// the code's default.
func Refusal(code ErrorCode, message string) Result {
	return Result{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Retryable: code.DefaultRetryable(),
	}
}

// Failure builds a failed Result for an execution failure with an explicit
// retryable flag.
func Failure(code ErrorCode, message string, retryable bool) Result {
	return Result{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
}

func requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
