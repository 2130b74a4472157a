package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/queue"
)

// ErrQueueFull mirrors the queue sentinel so callers need not import the
// queue package to map the 503 case.
var ErrQueueFull = queue.ErrQueueFull

// InvokeAsync validates the envelope, writes a durable queued ledger row,
// and parks the envelope on the worker queue. The row is visible to
// readers before this returns. A full queue returns ErrQueueFull with the
// row cancelled.
func (o *Orchestrator) InvokeAsync(ctx context.Context, env *envelope.Envelope) (string, error) {
	env.Normalize()
	if vr := env.Validate(); !vr.Valid {
		return "", &ValidationFailedError{Errors: vr.Errors}
	}

	rec := ledger.NewRecord(env, ledger.StatusQueued)
	if err := o.led.Create(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return o.resolveAsyncDuplicate(ctx, env)
		}
		return "", fmt.Errorf("orchestrator: create queued record: %w", err)
	}

	if err := o.q.Enqueue(queue.Item{ExecutionID: rec.ExecutionID, Envelope: env}); err != nil {
		cancelled := ledger.StatusCancelled
		if uerr := o.led.Update(ctx, rec.ExecutionID, ledger.Update{Status: &cancelled}); uerr != nil {
			o.logger.Error("queued row rollback failed",
				slog.String("execution_id", rec.ExecutionID), slog.Any("error", uerr))
		}
		return "", err
	}

	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(o.q.Len()))
	}
	o.logger.Debug("envelope queued",
		slog.String("execution_id", rec.ExecutionID),
		slog.String("tool", env.ToolName))
	return rec.ExecutionID, nil
}

// resolveAsyncDuplicate makes async submission idempotent: within the TTL
// the existing execution id is returned; past it the key is released and
// a fresh execution queued.
func (o *Orchestrator) resolveAsyncDuplicate(ctx context.Context, env *envelope.Envelope) (string, error) {
	existing, err := o.led.GetByIdempotency(ctx, env.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("orchestrator: idempotency row lookup: %w", err)
	}
	if existing.Status.Terminal() && o.now().Sub(existing.UpdatedAt) >= o.idemTTL {
		fresh := *env
		fresh.IdempotencyKey = ""
		return o.InvokeAsync(ctx, &fresh)
	}
	return existing.ExecutionID, nil
}

// StartWorker launches the single queue drain loop. It exits when the
// context is done or the queue is closed and empty; Shutdown waits for it.
func (o *Orchestrator) StartWorker(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	o.workerStop = cancel
	o.workerDone = make(chan struct{})

	go func() {
		defer close(o.workerDone)
		o.logger.Info("async worker started")
		for {
			item, ok := o.q.Dequeue(wctx)
			if !ok {
				o.logger.Info("async worker stopped")
				return
			}
			o.runQueued(wctx, item)
			if o.metrics != nil {
				o.metrics.QueueDepth.Set(float64(o.q.Len()))
			}
		}
	}()
}

// Shutdown closes queue intake and waits for the worker to drain what is
// already queued, up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.q.Close()
	if o.workerDone == nil {
		return nil
	}
	select {
	case <-o.workerDone:
		return nil
	case <-ctx.Done():
		if o.workerStop != nil {
			o.workerStop()
		}
		return fmt.Errorf("orchestrator: worker drain: %w", ctx.Err())
	}
}

// runQueued drives one queued execution through the same gate and settle
// path as the sync entry point.
func (o *Orchestrator) runQueued(ctx context.Context, item queue.Item) {
	env := item.Envelope
	start := o.now()

	running := ledger.StatusRunning
	if err := o.led.Update(ctx, item.ExecutionID, ledger.Update{Status: &running}); err != nil {
		// Cancelled while queued, or the row is gone; either way there
		// is nothing to run.
		o.logger.Info("skipping queued execution",
			slog.String("execution_id", item.ExecutionID), slog.Any("error", err))
		return
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke")
	defer span.End()

	rec := &ledger.Record{ExecutionID: item.ExecutionID}

	if env.IdempotencyKey != "" {
		if entry, ok, err := o.idem.Get(ctx, env.IdempotencyKey); err == nil && ok {
			completed := ledger.StatusCompleted
			result := marshalResult(entry.Result)
			if uerr := o.led.Update(ctx, item.ExecutionID, ledger.Update{
				Status: &completed,
				Result: &result,
			}); uerr != nil {
				o.logger.Error("replay update failed",
					slog.String("execution_id", item.ExecutionID), slog.Any("error", uerr))
			}
			o.audit(audit.EventInvocation, env, &entry.Result, item.ExecutionID, 0, 0)
			o.observe(env.ToolName, entry.Result, start)
			return
		}
	}

	tool, warnings, refusal := o.gate(env)
	if refusal != nil {
		res := o.recordRefusal(ctx, env, rec, *refusal)
		o.observe(env.ToolName, res, start)
		return
	}

	done, err := o.breakers.Allow(env.ToolName)
	if err != nil {
		res := o.recordRefusal(ctx, env, rec, envelope.Failure(envelope.ErrCodeTool,
			fmt.Sprintf("circuit open for tool %q", env.ToolName), true))
		o.observe(env.ToolName, res, start)
		return
	}

	res, retries := o.executeAttempts(ctx, tool, env)
	if res.Success && len(warnings) > 0 {
		res.Warnings = append(res.Warnings, warnings...)
	}
	o.settle(ctx, env, rec, &res, retries, start)
	done(res.Success)
	o.updateBreakerGauge(env.ToolName)
	o.observe(env.ToolName, res, start)
}

// Cancel transitions a non-terminal execution to cancelled. Terminal
// executions return ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*ledger.Record, error) {
	rec, err := o.led.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, ErrTerminal
	}

	cancelled := ledger.StatusCancelled
	if err := o.led.Update(ctx, executionID, ledger.Update{Status: &cancelled}); err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			if cur, gerr := o.led.Get(ctx, executionID); gerr == nil {
				return cur, ErrTerminal
			}
		}
		return nil, err
	}

	if o.auditor != nil {
		if _, err := o.auditor.Record(audit.EventSystem, "api", "execution.cancel", map[string]interface{}{
			"execution_id": executionID,
		}); err != nil {
			o.logger.Error("audit append failed", slog.String("execution_id", executionID), slog.Any("error", err))
		}
	}
	o.logger.Info("execution cancelled", slog.String("execution_id", executionID))
	return o.led.Get(ctx, executionID)
}
