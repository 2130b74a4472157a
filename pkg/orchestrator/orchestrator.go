// Package orchestrator is the single gate every side effect flows through.
//
// Invoke runs one envelope past the policy, budget, and circuit checks,
// creates the ledger row, executes the tool inside the spine context with
// timeout and retry, settles the economy, and appends the audit entry.
// Nothing escapes as an error: every outcome is an envelope.Result with a
// populated error code on failure. InvokeAsync parks the envelope on the
// bounded queue instead; a single worker drains it through the same path.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/breaker"
	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/idempotency"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/observability"
	"github.com/ippoc-labs/ippoc/pkg/queue"
)

const (
	// DefaultBackoff is the base of the exponential retry backoff.
	DefaultBackoff = 500 * time.Millisecond

	// replayPoll is the interval for watching a concurrent duplicate's
	// ledger row reach a terminal state.
	replayPoll = 10 * time.Millisecond
)

// ErrTerminal is returned by Cancel when the execution already finished.
var ErrTerminal = errors.New("orchestrator: execution already terminal")

// ValidationFailedError carries the field errors of a structurally invalid
// envelope so the HTTP layer can render them.
type ValidationFailedError struct {
	Errors []envelope.ValidationError
}

func (e *ValidationFailedError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid envelope"
	}
	return fmt.Sprintf("invalid envelope: %s", e.Errors[0].Error())
}

// Orchestrator composes the registry, economy, ledger, breaker manager,
// idempotency cache, audit trail, and async queue behind one invocation
// gate. Construct with New; all methods are safe for concurrent use.
type Orchestrator struct {
	registry *capability.Registry
	econ     *economy.Economy
	led      ledger.Ledger
	breakers *breaker.Manager
	idem     idempotency.Store
	auditor  *audit.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	q        *queue.Queue
	policy   Policy
	logger   *slog.Logger

	idemTTL time.Duration
	backoff time.Duration
	now     func() time.Time

	workerStop context.CancelFunc
	workerDone chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the authorization policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p.withDefaults() }
}

// WithBreakers substitutes a shared breaker manager.
func WithBreakers(m *breaker.Manager) Option {
	return func(o *Orchestrator) { o.breakers = m }
}

// WithIdempotencyStore substitutes the idempotency cache, for example the
// Redis-backed store.
func WithIdempotencyStore(s idempotency.Store, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.idem = s
		if ttl > 0 {
			o.idemTTL = ttl
		}
	}
}

// WithAudit attaches the audit trail. Without it no audit entries are
// written; production wiring always sets it.
func WithAudit(l *audit.Logger) Option {
	return func(o *Orchestrator) { o.auditor = l }
}

// WithMetrics attaches the Prometheus instrument set.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer attaches a tracer for invoke spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithQueue substitutes the async queue, shared with whoever reports its
// depth.
func WithQueue(q *queue.Queue) Option {
	return func(o *Orchestrator) { o.q = q }
}

// WithBackoff overrides the retry backoff base, for tests.
func WithBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator over the given registry, economy, and ledger.
func New(registry *capability.Registry, econ *economy.Economy, led ledger.Ledger, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		registry: registry,
		econ:     econ,
		led:      led,
		logger:   logger,
		policy:   Policy{}.withDefaults(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		idemTTL:  idempotency.DefaultTTL,
		backoff:  DefaultBackoff,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakers == nil {
		o.breakers = breaker.NewManager(breaker.Config{}, logger)
	}
	if o.idem == nil {
		o.idem = idempotency.NewMemoryStore(o.idemTTL)
	}
	if o.q == nil {
		o.q = queue.New(queue.DefaultCapacity)
	}
	return o
}

// Breakers exposes the breaker manager for health reporting.
func (o *Orchestrator) Breakers() *breaker.Manager { return o.breakers }

// Policy returns the active policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// Invoke runs one envelope synchronously and returns its Result. The
// in-invocation order is fixed: authorize, create the running ledger row,
// execute, spend, update the row to a terminal status, audit, cache.
func (o *Orchestrator) Invoke(ctx context.Context, env *envelope.Envelope) envelope.Result {
	env.Normalize()
	if vr := env.Validate(); !vr.Valid {
		res := envelope.Refusal(envelope.ErrCodeTool, (&ValidationFailedError{Errors: vr.Errors}).Error())
		o.audit(audit.EventRefusal, env, &res, "", 0, 0)
		return res
	}

	start := o.now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke", trace.WithAttributes(
		attribute.String("tool", env.ToolName),
		attribute.String("domain", string(env.Domain)),
		attribute.String("action", env.Action),
	))
	defer span.End()

	res := o.invokeSync(ctx, env)
	o.observe(env.ToolName, res, start)
	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.String("error_code", string(res.ErrorCode)),
	)
	return res
}

func (o *Orchestrator) invokeSync(ctx context.Context, env *envelope.Envelope) envelope.Result {
	if env.IdempotencyKey != "" {
		if entry, ok, err := o.idem.Get(ctx, env.IdempotencyKey); err != nil {
			o.logger.Error("idempotency lookup failed", slog.String("key", env.IdempotencyKey), slog.Any("error", err))
		} else if ok {
			o.logger.Debug("idempotent replay", slog.String("key", env.IdempotencyKey),
				slog.String("execution_id", entry.ExecutionID))
			o.audit(audit.EventInvocation, env, &entry.Result, entry.ExecutionID, 0, 0)
			return entry.Result
		}
	}

	tool, warnings, refusal := o.gate(env)
	if refusal != nil {
		return o.recordRefusal(ctx, env, nil, *refusal)
	}

	done, err := o.breakers.Allow(env.ToolName)
	if err != nil {
		res := envelope.Failure(envelope.ErrCodeTool,
			fmt.Sprintf("circuit open for tool %q", env.ToolName), true)
		return o.recordRefusal(ctx, env, nil, res)
	}

	started := o.now()
	rec := ledger.NewRecord(env, ledger.StatusRunning)
	if err := o.led.Create(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			done(false)
			return o.resolveDuplicate(ctx, env)
		}
		done(false)
		o.logger.Error("ledger create failed", slog.String("tool", env.ToolName), slog.Any("error", err))
		return envelope.Failure(envelope.ErrCodeInternal, "ledger unavailable", true)
	}

	res, retries := o.executeAttempts(ctx, tool, env)
	if res.Success && len(warnings) > 0 {
		res.Warnings = append(res.Warnings, warnings...)
	}
	o.settle(ctx, env, rec, &res, retries, started)
	done(res.Success)
	o.updateBreakerGauge(env.ToolName)
	return res
}

// gate runs registration, context validation, authorization, and the
// budget check. A nil refusal means the envelope may execute; warnings
// attach to the eventual successful result.
func (o *Orchestrator) gate(env *envelope.Envelope) (capability.Tool, []string, *envelope.Result) {
	tool, err := o.registry.Get(env.ToolName)
	if err != nil {
		return nil, nil, refusalPtr(envelope.ErrCodeTool, fmt.Sprintf("tool %q is not registered", env.ToolName))
	}
	if err := o.registry.ValidateContext(env); err != nil {
		return nil, nil, refusalPtr(envelope.ErrCodeTool, fmt.Sprintf("context rejected: %v", err))
	}

	warnings, refusal := o.policy.Authorize(env)
	if refusal != nil {
		return nil, nil, refusal
	}
	for _, w := range warnings {
		o.logger.Warn("policy warning", slog.String("tool", env.ToolName), slog.String("warning", w))
	}

	if refusal := o.budgetGate(env, tool); refusal != nil {
		return nil, nil, refusal
	}

	return tool, warnings, nil
}

// budgetGate applies the economy admission rules. Free operations bypass;
// throttled tools refuse below priority 0.8; an estimate above the budget
// refuses unless the call is an emergency, high priority, or the
// maintainer keeping the system alive.
func (o *Orchestrator) budgetGate(env *envelope.Envelope, tool capability.Tool) *envelope.Result {
	figure := gateFigure(env, tool)
	if figure <= 0 {
		return nil
	}

	essential := env.ToolName == capability.MaintainerName || env.Domain == envelope.DomainSystem
	if o.econ.ShouldThrottle(env.ToolName, essential) && env.Priority <= 0.8 {
		return refusalPtr(envelope.ErrCodeBudget, fmt.Sprintf("tool %q is throttled", env.ToolName))
	}

	if figure > o.econ.Budget() {
		emergency, _ := env.Context["emergency"].(bool)
		if !emergency && env.Priority <= 0.8 && env.ToolName != capability.MaintainerName {
			return refusalPtr(envelope.ErrCodeBudget,
				fmt.Sprintf("estimated cost %.2f exceeds budget %.2f", figure, o.econ.Budget()))
		}
	}

	return o.policy.CheckCeilings(env, figure)
}

// executeAttempts runs the tool inside the spine context, once plus up to
// context.max_retries retries on retryable failures, each attempt under
// its own deadline. It returns the final result and the retry count.
func (o *Orchestrator) executeAttempts(ctx context.Context, tool capability.Tool, env *envelope.Envelope) (envelope.Result, int) {
	spine := capability.WithSpine(ctx)
	deadline := env.Deadline(o.policy.DefaultDeadline)
	maxRetries := env.ContextInt("max_retries", 0)
	if maxRetries < 0 {
		maxRetries = 0
	}

	var res envelope.Result
	attempt := 0
	for {
		res = o.attempt(spine, tool, env, deadline)
		if res.Success || !res.Retryable || attempt >= maxRetries {
			break
		}
		wait := o.backoff << attempt
		o.logger.Debug("retrying tool",
			slog.String("tool", env.ToolName),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return envelope.Failure(envelope.ErrCodeTool, "invocation cancelled during backoff", true), attempt
		}
		attempt++
	}
	return res, attempt
}

// attempt runs one tool call under its deadline and converts every way it
// can fail into a Result.
func (o *Orchestrator) attempt(ctx context.Context, tool capability.Tool, env *envelope.Envelope, deadline time.Duration) (res envelope.Result) {
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked", slog.String("tool", env.ToolName), slog.Any("panic", r))
			res = envelope.Failure(envelope.ErrCodeTool, fmt.Sprintf("tool panicked: %v", r), false)
		}
	}()

	out, err := tool.Execute(actx, env)
	switch {
	case err == nil:
		if !out.Success && out.ErrorCode == "" {
			out.ErrorCode = envelope.ErrCodeTool
		}
		return out
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded):
		return envelope.Failure(envelope.ErrCodeTool,
			fmt.Sprintf("tool %q timed out after %s", env.ToolName, deadline), true)
	case errors.Is(err, capability.ErrOutsideSpine):
		return envelope.Failure(envelope.ErrCodeSecurity, err.Error(), false)
	default:
		return envelope.Failure(envelope.ErrCodeTool, err.Error(), true)
	}
}

// settle performs accounting, the terminal ledger update, the audit entry,
// and the idempotency store, in that order.
func (o *Orchestrator) settle(ctx context.Context, env *envelope.Envelope, rec *ledger.Record, res *envelope.Result, retries int, started time.Time) {
	elapsed := o.now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}

	cost := res.CostSpent
	status := ledger.StatusFailed
	if res.Success {
		// The envelope estimate is the floor of record when the tool
		// under-reports.
		if cost < env.EstimatedCost {
			cost = env.EstimatedCost
		}
		res.CostSpent = cost
		res.MemoryWritten = true
		status = ledger.StatusCompleted
	}
	if err := o.econ.Spend(cost, env.ToolName, !res.Success); err != nil {
		o.logger.Error("economy spend failed", slog.String("tool", env.ToolName), slog.Any("error", err))
	}

	upd := ledger.Update{
		Status:     ledger.StatusPtr(status),
		DurationMS: ledger.Int64Ptr(elapsed.Milliseconds()),
		Retries:    ledger.IntPtr(retries),
		CostSpent:  ledger.Float64Ptr(cost),
		Result:     ledger.StringPtr(marshalResult(*res)),
	}
	if !res.Success {
		upd.ErrorCode = ledger.StringPtr(string(res.ErrorCode))
		upd.ErrorMessage = ledger.StringPtr(res.Message)
	}
	if err := o.led.Update(ctx, rec.ExecutionID, upd); err != nil {
		o.logger.Error("ledger update failed",
			slog.String("execution_id", rec.ExecutionID), slog.Any("error", err))
	}

	o.audit(audit.EventInvocation, env, res, rec.ExecutionID, elapsed, retries)

	if res.Success && env.IdempotencyKey != "" {
		err := o.idem.Put(ctx, env.IdempotencyKey, idempotency.Entry{
			ExecutionID: rec.ExecutionID,
			Result:      *res,
		})
		if err != nil {
			o.logger.Error("idempotency store failed", slog.String("key", env.IdempotencyKey), slog.Any("error", err))
		}
	}
}

// recordRefusal writes the refusal to the ledger and audit trail. With a
// nil rec (sync path) a failed row is created directly; otherwise the
// existing row is transitioned. Refusal rows never carry the idempotency
// key, which stays reserved for the eventual successful execution.
func (o *Orchestrator) recordRefusal(ctx context.Context, env *envelope.Envelope, rec *ledger.Record, res envelope.Result) envelope.Result {
	executionID := ""
	if rec == nil {
		row := ledger.NewRecord(env, ledger.StatusFailed)
		row.IdempotencyKey = ""
		row.ErrorCode = string(res.ErrorCode)
		row.ErrorMessage = res.Message
		if err := o.led.Create(ctx, row); err != nil {
			o.logger.Error("ledger refusal row failed", slog.String("tool", env.ToolName), slog.Any("error", err))
		} else {
			executionID = row.ExecutionID
		}
	} else {
		executionID = rec.ExecutionID
		upd := ledger.Update{
			Status:       ledger.StatusPtr(ledger.StatusFailed),
			Retries:      ledger.IntPtr(0),
			Result:       ledger.StringPtr(marshalResult(res)),
			ErrorCode:    ledger.StringPtr(string(res.ErrorCode)),
			ErrorMessage: ledger.StringPtr(res.Message),
		}
		if err := o.led.Update(ctx, executionID, upd); err != nil {
			o.logger.Error("ledger refusal update failed", slog.String("execution_id", executionID), slog.Any("error", err))
		}
	}

	o.logger.Warn("invocation refused",
		slog.String("tool", env.ToolName),
		slog.String("error_code", string(res.ErrorCode)),
		slog.String("reason", res.Message))
	o.audit(audit.EventRefusal, env, &res, executionID, 0, 0)
	return res
}

// resolveDuplicate handles a create that lost the idempotency-key race:
// within the TTL the winning row's result is returned once it turns
// terminal; past the TTL a fresh keyless execution runs instead.
func (o *Orchestrator) resolveDuplicate(ctx context.Context, env *envelope.Envelope) envelope.Result {
	existing, err := o.led.GetByIdempotency(ctx, env.IdempotencyKey)
	if err != nil {
		o.logger.Error("idempotency row lookup failed", slog.String("key", env.IdempotencyKey), slog.Any("error", err))
		return envelope.Failure(envelope.ErrCodeInternal, "idempotency conflict", true)
	}

	if existing.Status.Terminal() && o.now().Sub(existing.UpdatedAt) >= o.idemTTL {
		fresh := *env
		fresh.IdempotencyKey = ""
		return o.invokeSync(ctx, &fresh)
	}

	deadline := env.Deadline(o.policy.DefaultDeadline)
	wait, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		if rec, err := o.led.GetByIdempotency(wait, env.IdempotencyKey); err == nil && rec.Status.Terminal() {
			if res, ok := unmarshalResult(rec.Result); ok {
				return res
			}
			return envelope.Failure(envelope.ErrCodeInternal, "duplicate execution result unreadable", true)
		}
		select {
		case <-wait.Done():
			return envelope.Failure(envelope.ErrCodeTool,
				fmt.Sprintf("timed out waiting for duplicate of key %q", env.IdempotencyKey), true)
		case <-time.After(replayPoll):
		}
	}
}

// observe records the invocation metric and refreshes the economy gauges.
func (o *Orchestrator) observe(tool string, res envelope.Result, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordInvocation(tool, outcomeOf(res), o.now().Sub(start).Seconds())
	o.metrics.Budget.Set(o.econ.Budget())
	o.metrics.Vitality.Set(o.econ.CheckVitality())
	o.metrics.QueueDepth.Set(float64(o.q.Len()))
}

func (o *Orchestrator) updateBreakerGauge(tool string) {
	if o.metrics == nil {
		return
	}
	o.metrics.SetBreakerState(tool, o.breakers.State(tool))
}

// audit appends one trail entry; failures are logged, never surfaced.
func (o *Orchestrator) audit(typ audit.EventType, env *envelope.Envelope, res *envelope.Result, executionID string, elapsed time.Duration, retries int) {
	if o.auditor == nil {
		return
	}
	actor := env.Caller
	if actor == "" {
		actor = env.Source
	}
	if actor == "" {
		actor = "anonymous"
	}
	metadata := map[string]interface{}{
		"tool":           env.ToolName,
		"domain":         string(env.Domain),
		"action":         env.Action,
		"caller":         env.Caller,
		"tenant":         env.Tenant,
		"source":         env.Source,
		"risk_level":     string(env.RiskLevel),
		"estimated_cost": env.EstimatedCost,
		"cost_spent":     res.CostSpent,
		"success":        res.Success,
		"request_id":     env.RequestID,
	}
	if executionID != "" {
		metadata["execution_id"] = executionID
	}
	if res.ErrorCode != "" {
		metadata["error_code"] = string(res.ErrorCode)
		metadata["reason"] = res.Message
	}
	if elapsed > 0 {
		metadata["duration_ms"] = elapsed.Milliseconds()
	}
	if retries > 0 {
		metadata["retries"] = retries
	}
	if _, err := o.auditor.Record(typ, actor, env.ToolName+"."+env.Action, metadata); err != nil {
		o.logger.Error("audit append failed", slog.String("tool", env.ToolName), slog.Any("error", err))
	}
}

func outcomeOf(res envelope.Result) string {
	switch {
	case res.Success:
		return observability.OutcomeCompleted
	case res.ErrorCode == envelope.ErrCodeBudget:
		return observability.OutcomeRefusedBudget
	case res.ErrorCode == envelope.ErrCodeSecurity:
		return observability.OutcomeRefusedSecurity
	case res.ErrorCode == envelope.ErrCodeInternal:
		return observability.OutcomeError
	default:
		return observability.OutcomeFailed
	}
}

func marshalResult(res envelope.Result) string {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf(`{"success":%t}`, res.Success)
	}
	return string(raw)
}

func unmarshalResult(raw string) (envelope.Result, bool) {
	if raw == "" {
		return envelope.Result{}, false
	}
	var res envelope.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return envelope.Result{}, false
	}
	return res, true
}

