// Package capability defines the contract every registered tool satisfies
// and the registry the orchestrator resolves tools from.
//
// Tools never run outside the orchestrator: Execute receives a context that
// carries the spine marker, and implementations are expected to refuse when
// it is absent (RequireSpine makes that a one-liner).
package capability

import (
	"context"
	"errors"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// ErrOutsideSpine is returned by RequireSpine when a tool's Execute is
// reached without passing through the orchestrator.
var ErrOutsideSpine = errors.New("capability: execute called outside the orchestrator spine")

// Tool is a registered capability addressable by (name, domain, action).
type Tool interface {
	// Name is the unique registration name.
	Name() string

	// Domain is the logical grouping policy lists operate on.
	Domain() envelope.Domain

	// EstimateCost predicts the budget debit for the envelope. The
	// orchestrator uses max(estimate, envelope.EstimatedCost) as the
	// budget-gate figure.
	EstimateCost(env *envelope.Envelope) float64

	// Execute runs the tool body. Failures are ordinary errors; the
	// orchestrator converts them into Result values and classifies
	// retryability. A Result with Success=false and no error is also a
	// failure (tool-reported refusal).
	Execute(ctx context.Context, env *envelope.Envelope) (envelope.Result, error)
}

// spineKey marks contexts minted inside the orchestrator's invoke path.
type spineKey struct{}

// WithSpine marks ctx as executing inside the spine. Only the
// orchestrator calls this.
func WithSpine(ctx context.Context) context.Context {
	return context.WithValue(ctx, spineKey{}, true)
}

// InSpine reports whether ctx carries the spine marker.
func InSpine(ctx context.Context) bool {
	v, _ := ctx.Value(spineKey{}).(bool)
	return v
}

// RequireSpine is the guard tools call first in Execute.
func RequireSpine(ctx context.Context) error {
	if !InSpine(ctx) {
		return ErrOutsideSpine
	}
	return nil
}
