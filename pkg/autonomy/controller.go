package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ippoc-labs/ippoc/pkg/archive"
	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/intent"
	"github.com/ippoc-labs/ippoc/pkg/observability"
	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

// ReportSchemaVersion gates the on-disk explanation format.
const ReportSchemaVersion = "1.0.0"

// Cycle statuses as recorded in explanations, audit, and metrics.
const (
	StatusActed    = "acted"
	StatusIdle     = "idle"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// Reflection scores applied after an act.
const (
	reflectSuccess = 1.0
	reflectFailure = -0.5
)

// Invoker submits envelopes for execution. The orchestrator implements it;
// tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, env *envelope.Envelope) envelope.Result
}

// Hippocampus consolidates memory during idle cycles.
type Hippocampus interface {
	Consolidate(ctx context.Context) (pruned int, kept int, err error)
}

// DroppedIntent records one intent a planning gate removed.
type DroppedIntent struct {
	IntentID    string `json:"intent_id"`
	Description string `json:"description"`
	Gate        string `json:"gate"`
	Reason      string `json:"reason,omitempty"`
}

// Consolidation summarizes an idle-cycle memory pass.
type Consolidation struct {
	Pruned int `json:"pruned"`
	Kept   int `json:"kept"`
}

// CycleReport is the explainability record for one cycle. The whole file is
// rewritten every tick; the previous cycle survives only in snapshots.
type CycleReport struct {
	SchemaVersion string           `json:"schema_version"`
	CycleID       string           `json:"cycle_id"`
	Sequence      int64            `json:"sequence"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Status        string           `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Signals       Signals          `json:"signals"`
	PrunedIntents int              `json:"pruned_intents,omitempty"`
	Dropped       []DroppedIntent  `json:"dropped_intents,omitempty"`
	Intent        *intent.Intent   `json:"intent,omitempty"`
	Decision      Decision         `json:"decision"`
	Result        *envelope.Result `json:"result,omitempty"`
	Reflection    float64          `json:"reflection,omitempty"`
	Consolidation *Consolidation   `json:"consolidation,omitempty"`
	StackSize     int              `json:"stack_size"`
	Cooldown      int              `json:"cooldown"`
}

// Deps wires the controller's required collaborators.
type Deps struct {
	Observer Observer
	Planner  *Planner
	Decider  *Decider
	Stack    *intent.Stack
	Invoker  Invoker
	Economy  *economy.Economy
}

// Controller owns the cycle. It is not safe for concurrent RunCycle calls;
// the heartbeat is its only driver in production.
type Controller struct {
	observer Observer
	planner  *Planner
	decider  *Decider
	stack    *intent.Stack
	invoker  Invoker
	econ     *economy.Economy

	hippocampus Hippocampus
	auditor     *audit.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	snapshots   archive.Store
	logger      *slog.Logger
	explainPath string
	now         func() time.Time
	seq         atomic.Int64
}

// ControllerOption configures optional collaborators.
type ControllerOption func(*Controller)

// WithHippocampus attaches the idle-cycle memory consolidator.
func WithHippocampus(h Hippocampus) ControllerOption {
	return func(c *Controller) { c.hippocampus = h }
}

// WithAudit attaches the audit logger for cycle entries.
func WithAudit(a *audit.Logger) ControllerOption {
	return func(c *Controller) { c.auditor = a }
}

// WithMetrics attaches the cycle counter.
func WithMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer attaches a tracer for cycle spans.
func WithTracer(t trace.Tracer) ControllerOption {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithSnapshots archives every cycle report in content-addressed storage in
// addition to the overwritten latest file.
func WithSnapshots(s archive.Store) ControllerOption {
	return func(c *Controller) { c.snapshots = s }
}

// WithControllerClock substitutes the time source, for tests.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController validates the wiring and builds the controller. explainPath
// is where the latest cycle report lands.
func NewController(deps Deps, explainPath string, logger *slog.Logger, opts ...ControllerOption) (*Controller, error) {
	switch {
	case deps.Observer == nil:
		return nil, fmt.Errorf("autonomy: observer is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("autonomy: planner is required")
	case deps.Decider == nil:
		return nil, fmt.Errorf("autonomy: decider is required")
	case deps.Stack == nil:
		return nil, fmt.Errorf("autonomy: intent stack is required")
	case deps.Invoker == nil:
		return nil, fmt.Errorf("autonomy: invoker is required")
	case deps.Economy == nil:
		return nil, fmt.Errorf("autonomy: economy is required")
	case explainPath == "":
		return nil, fmt.Errorf("autonomy: explanation path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		observer:    deps.Observer,
		planner:     deps.Planner,
		decider:     deps.Decider,
		stack:       deps.Stack,
		invoker:     deps.Invoker,
		econ:        deps.Economy,
		tracer:      noop.NewTracerProvider().Tracer(""),
		logger:      logger,
		explainPath: explainPath,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunCycle runs one observe, plan, decide, act, reflect pass. The report is
// persisted before return; the error covers observation failures only, the
// act path folds everything into the report's Result.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{
		SchemaVersion: ReportSchemaVersion,
		CycleID:       uuid.New().String(),
		Sequence:      c.seq.Add(1),
		StartedAt:     c.now().UTC(),
	}

	ctx, span := c.tracer.Start(ctx, "autonomy.cycle")
	defer span.End()

	if err := c.econ.Tick(); err != nil {
		c.logger.Warn("economy tick failed", slog.Any("error", err))
	}
	rep.PrunedIntents = c.stack.Decay()

	sig, err := c.observer.CollectSignals(ctx)
	if err != nil {
		rep.Status = StatusError
		rep.Reason = err.Error()
		c.finish(ctx, &rep, span)
		return rep, fmt.Errorf("autonomy observe: %w", err)
	}
	rep.Signals = sig

	plan := c.planner.Plan(sig, c.stack)
	for _, in := range plan.TrustDropped {
		rep.Dropped = append(rep.Dropped, DroppedIntent{
			IntentID:    in.IntentID,
			Description: in.Description,
			Gate:        "trust",
			Reason:      fmt.Sprintf("source %q below trust floor", in.Source),
		})
	}
	for i, in := range plan.CanonDropped {
		rep.Dropped = append(rep.Dropped, DroppedIntent{
			IntentID:    in.IntentID,
			Description: in.Description,
			Gate:        "canon",
			Reason:      plan.CanonReasons[i],
		})
	}

	// A gate hit makes the whole cycle a rejection. Whatever else is on the
	// stack waits for the next tick.
	if len(plan.TrustDropped)+len(plan.CanonDropped) > 0 {
		rep.Status = StatusRejected
		rep.Reason = rejectReason(plan)
		rep.Decision = Decision{Action: ActionReject, Reason: rep.Reason}
		c.stack.RecordCycle(false)
		c.finish(ctx, &rep, span)
		return rep, nil
	}

	rep.Intent = plan.Chosen
	dec := c.decider.Decide(plan.Chosen, c.stack.Cooldown())
	rep.Decision = dec

	switch dec.Action {
	case ActionAct:
		c.act(ctx, &rep, plan.Chosen)
	case ActionReject:
		rep.Status = StatusRejected
		rep.Reason = dec.Reason
		if plan.Chosen != nil {
			c.stack.Remove(plan.Chosen.IntentID)
		}
		c.stack.RecordCycle(false)
	default:
		rep.Status = StatusIdle
		rep.Reason = dec.Reason
		c.consolidate(ctx, &rep)
		c.stack.RecordCycle(false)
	}

	c.finish(ctx, &rep, span)
	return rep, nil
}

func rejectReason(plan PlanReport) string {
	if len(plan.CanonReasons) > 0 {
		return plan.CanonReasons[0]
	}
	if len(plan.TrustDropped) > 0 {
		return fmt.Sprintf("source %q below trust floor", plan.TrustDropped[0].Source)
	}
	return "intent rejected"
}

// act submits the intent's envelope and reflects on the outcome. Success
// removes the intent and credits the economy; failure leaves it on the
// stack to decay or retry.
func (c *Controller) act(ctx context.Context, rep *CycleReport, in *intent.Intent) {
	env := c.envelopeFor(in)
	res := c.invoker.Invoke(ctx, env)
	rep.Result = &res
	rep.Status = StatusActed
	rep.Reason = rep.Decision.Reason

	if res.Success {
		rep.Reflection = reflectSuccess
		c.stack.Remove(in.IntentID)
		if err := c.econ.RecordValue(reflectSuccess, rep.Signals.Confidence, "autonomy", env.ToolName); err != nil {
			c.logger.Warn("reflection credit failed", slog.Any("error", err))
		}
	} else {
		rep.Reflection = reflectFailure
		c.logger.Warn("acted intent failed",
			slog.String("intent_id", in.IntentID),
			slog.String("tool", env.ToolName),
			slog.String("error_code", string(res.ErrorCode)),
			slog.String("message", res.Message),
		)
	}
	c.stack.RecordCycle(true)
}

// envelopeFor translates an intent into the envelope its type implies. A
// context "action" overrides the default action; a SERVE context "domain"
// of body switches the target tool.
func (c *Controller) envelopeFor(in *intent.Intent) *envelope.Envelope {
	env := &envelope.Envelope{
		Priority:  in.Priority,
		Caller:    "autonomy",
		Source:    in.Source,
		RequestID: in.IntentID,
		Context: map[string]interface{}{
			"intent_id":   in.IntentID,
			"description": in.Description,
		},
	}
	for k, v := range in.Context {
		env.Context[k] = v
	}

	switch in.Type {
	case intent.TypeMaintain:
		env.ToolName = capability.MaintainerName
		env.Domain = envelope.DomainSystem
		env.Action = "maintain"
		env.EstimatedCost = capability.MaintainerCost
	case intent.TypeServe:
		env.ToolName = "memory"
		env.Domain = envelope.DomainMemory
		if d, ok := in.Context["domain"].(string); ok && d == string(envelope.DomainBody) {
			env.ToolName = "body"
			env.Domain = envelope.DomainBody
		}
		env.Action = "serve"
		env.EstimatedCost = 0.1
	case intent.TypeLearn:
		env.ToolName = "evolver"
		env.Domain = envelope.DomainEvolution
		env.Action = "learn"
		env.EstimatedCost = 0.2
		env.RequiresValidation = true
	case intent.TypeExplore:
		env.ToolName = "memory"
		env.Domain = envelope.DomainMemory
		env.Action = "pattern_search"
		env.EstimatedCost = 0.1
	}
	if a := in.ContextAction(); a != "" {
		env.Action = a
	}
	return env
}

func (c *Controller) consolidate(ctx context.Context, rep *CycleReport) {
	if c.hippocampus == nil {
		return
	}
	pruned, kept, err := c.hippocampus.Consolidate(ctx)
	if err != nil {
		c.logger.Warn("memory consolidation failed", slog.Any("error", err))
		return
	}
	rep.Consolidation = &Consolidation{Pruned: pruned, Kept: kept}
	c.logger.Info("memory consolidated",
		slog.Int("pruned", pruned),
		slog.Int("kept", kept),
	)
}

// finish stamps, persists, audits, and counts the report. Persistence
// failures are logged, never raised: the cycle's work is already done.
func (c *Controller) finish(ctx context.Context, rep *CycleReport, span trace.Span) {
	rep.FinishedAt = c.now().UTC()
	rep.StackSize = c.stack.Len()
	rep.Cooldown = c.stack.Cooldown()

	if err := c.stack.Save(); err != nil {
		c.logger.Error("intent stack save failed", slog.Any("error", err))
	}
	if err := c.writeExplanation(ctx, rep); err != nil {
		c.logger.Error("explanation write failed", slog.Any("error", err))
	}
	c.auditCycle(rep)
	if c.metrics != nil {
		c.metrics.AutonomyCycles.WithLabelValues(rep.Status).Inc()
	}
	span.SetAttributes(
		attribute.String("cycle.status", rep.Status),
		attribute.Float64("cycle.pain", rep.Signals.PainScore),
	)
	c.logger.Info("autonomy cycle finished",
		slog.String("cycle_id", rep.CycleID),
		slog.String("status", rep.Status),
		slog.String("reason", rep.Reason),
		slog.Float64("pain", rep.Signals.PainScore),
		slog.Int("stack", rep.StackSize),
	)
}

func (c *Controller) writeExplanation(ctx context.Context, rep *CycleReport) error {
	if err := statefile.Save(c.explainPath, rep); err != nil {
		return err
	}
	if c.snapshots == nil {
		return nil
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal cycle report: %w", err)
	}
	ref, err := c.snapshots.Put(ctx, raw)
	if err != nil {
		c.logger.Warn("cycle snapshot failed", slog.Any("error", err))
		return nil
	}
	c.logger.Debug("cycle snapshot stored", slog.String("ref", ref))
	return nil
}

func (c *Controller) auditCycle(rep *CycleReport) {
	if c.auditor == nil {
		return
	}
	meta := map[string]interface{}{
		"cycle_id": rep.CycleID,
		"status":   rep.Status,
		"pain":     rep.Signals.PainScore,
		"budget":   rep.Signals.Budget,
		"stack":    rep.StackSize,
	}
	if rep.Reason != "" {
		meta["reason"] = rep.Reason
	}
	if rep.Intent != nil {
		meta["intent_id"] = rep.Intent.IntentID
		meta["intent_type"] = string(rep.Intent.Type)
	}
	if _, err := c.auditor.Record(audit.EventCycle, "autonomy", "autonomy.cycle", meta); err != nil {
		c.logger.Error("cycle audit failed", slog.Any("error", err))
	}
}

// LatestExplanation reads the last persisted cycle report. Returns
// statefile.ErrNotExist before the first cycle completes.
func LatestExplanation(path string) (CycleReport, error) {
	var rep CycleReport
	if err := statefile.Load(path, ReportSchemaVersion, &rep); err != nil {
		return CycleReport{}, err
	}
	return rep, nil
}
