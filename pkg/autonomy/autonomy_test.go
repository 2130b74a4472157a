package autonomy

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ippoc-labs/ippoc/pkg/archive"
	"github.com/ippoc-labs/ippoc/pkg/audit"
	"github.com/ippoc-labs/ippoc/pkg/canon"
	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
	"github.com/ippoc-labs/ippoc/pkg/intent"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/trust"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeInvoker records every envelope and answers with fn, or a plain
// success echoing the estimated cost.
type fakeInvoker struct {
	fn func(env *envelope.Envelope) envelope.Result

	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (f *fakeInvoker) Invoke(_ context.Context, env *envelope.Envelope) envelope.Result {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(env)
	}
	return envelope.Result{Success: true, CostSpent: env.EstimatedCost}
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func (f *fakeInvoker) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envs) == 0 {
		return nil
	}
	return f.envs[len(f.envs)-1]
}

type fakeHippocampus struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeHippocampus) Consolidate(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 3, 9, f.err
}

func (f *fakeHippocampus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// staticObserver hands back a fixed bundle so tests steer the planner
// without arranging real ledger history.
type staticObserver struct {
	sig Signals
	err error
}

func (s staticObserver) CollectSignals(context.Context) (Signals, error) {
	return s.sig, s.err
}

type rig struct {
	controller *Controller
	stack      *intent.Stack
	econ       *economy.Economy
	trust      *trust.Registry
	invoker    *fakeInvoker
	hippo      *fakeHippocampus
	explain    string
}

func newRig(t *testing.T, obs Observer, opts ...ControllerOption) *rig {
	t.Helper()
	dir := t.TempDir()
	logger := discard()

	econ, err := economy.New(filepath.Join(dir, "economy.json"), logger)
	require.NoError(t, err)
	reg, err := trust.NewRegistry(filepath.Join(dir, "trust.json"), logger)
	require.NoError(t, err)
	gate, err := canon.NewGate(logger)
	require.NoError(t, err)
	stack, err := intent.NewStack(filepath.Join(dir, "intents.json"), logger)
	require.NoError(t, err)

	inv := &fakeInvoker{}
	hip := &fakeHippocampus{}
	explain := filepath.Join(dir, "explanation.json")

	base := append([]ControllerOption{WithHippocampus(hip)}, opts...)
	c, err := NewController(Deps{
		Observer: obs,
		Planner:  NewPlanner(reg, gate, logger),
		Decider:  NewDecider(econ, gate),
		Stack:    stack,
		Invoker:  inv,
		Economy:  econ,
	}, explain, logger, base...)
	require.NoError(t, err)

	return &rig{
		controller: c,
		stack:      stack,
		econ:       econ,
		trust:      reg,
		invoker:    inv,
		hippo:      hip,
		explain:    explain,
	}
}

func healthySignals() Signals {
	return Signals{Budget: 10, Trend: "steady", Confidence: 1}
}

// quietSignals keeps the planner from pushing anything: pain sits between
// the growth ceiling and the survival floor, budget below the growth floor.
func quietSignals() Signals {
	return Signals{Budget: 0.5, PainScore: 0.2, Trend: "steady", Confidence: 1}
}

func TestCanonViolationRejectsCycle(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	r.stack.Push(intent.New("delete_all the disks", intent.TypeMaintain, 1.0, "creator"))

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, rep.Status)
	assert.True(t, strings.HasPrefix(rep.Reason, "canon_violation:"), "reason %q", rep.Reason)
	assert.Equal(t, 0, r.stack.Len(), "offending intent must be removed")
	assert.Equal(t, 0, r.invoker.calls(), "nothing may be invoked")

	require.Len(t, rep.Dropped, 1)
	assert.Equal(t, "canon", rep.Dropped[0].Gate)

	saved, err := LatestExplanation(r.explain)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, saved.Status)
	assert.Equal(t, rep.CycleID, saved.CycleID)
}

func TestTrustGateDropsUntrustedIntent(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	_, err := r.trust.Update("stranger", -0.2, "failed a probe")
	require.NoError(t, err)

	r.stack.Push(intent.New("tidy the cache", intent.TypeServe, 0.6, "stranger"))

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, rep.Status)
	assert.Contains(t, rep.Reason, "below trust floor")
	assert.Equal(t, 0, r.stack.Len())
	assert.Equal(t, 0, r.invoker.calls())
	require.Len(t, rep.Dropped, 1)
	assert.Equal(t, "trust", rep.Dropped[0].Gate)
}

func TestIdleCycleConsolidates(t *testing.T) {
	r := newRig(t, staticObserver{sig: healthySignals()})
	for i := 0; i < 11; i++ {
		r.stack.RecordCycle(true)
	}

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, rep.Status)
	assert.Contains(t, rep.Reason, "cooldown")
	assert.Equal(t, 1, r.hippo.callCount(), "consolidate runs exactly once")
	require.NotNil(t, rep.Consolidation)
	assert.Equal(t, 3, rep.Consolidation.Pruned)
	assert.Equal(t, 9, rep.Consolidation.Kept)

	// The growth push survives the idle verdict and waits for the next tick.
	assert.Equal(t, 1, r.stack.Len())
	assert.True(t, r.stack.Has(intent.TypeExplore))
	assert.Equal(t, 10, rep.Cooldown, "idle cycle cools the counter")

	saved, err := LatestExplanation(r.explain)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, saved.Status)
}

func TestIdleWhenNothingToDo(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, rep.Status)
	assert.Equal(t, "no intent", rep.Reason)
	assert.Equal(t, 1, r.hippo.callCount())
	assert.Equal(t, 0, r.invoker.calls())
}

func TestSurvivalPushActsOnMaintainer(t *testing.T) {
	sig := healthySignals()
	sig.PainScore = 0.6
	r := newRig(t, staticObserver{sig: sig})

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusActed, rep.Status)
	require.Equal(t, 1, r.invoker.calls())
	env := r.invoker.last()
	assert.Equal(t, "maintainer", env.ToolName)
	assert.Equal(t, envelope.DomainSystem, env.Domain)
	assert.InDelta(t, 0.8, env.Priority, 1e-9, "priority is pain plus 0.2")

	assert.Equal(t, reflectSuccess, rep.Reflection)
	assert.Equal(t, 0, r.stack.Len(), "acted intent is removed")
	assert.Equal(t, 1, rep.Cooldown)
	assert.InDelta(t, 10.9, r.econ.Budget(), 0.01, "reflection credits the budget")
}

func TestGrowthPushActsOnExplore(t *testing.T) {
	r := newRig(t, staticObserver{sig: healthySignals()})

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusActed, rep.Status)
	require.Equal(t, 1, r.invoker.calls())
	env := r.invoker.last()
	assert.Equal(t, "memory", env.ToolName)
	assert.Equal(t, envelope.DomainMemory, env.Domain)
	assert.Equal(t, "pattern_search", env.Action)
	assert.Equal(t, 0, r.stack.Len())
}

func TestActFailureKeepsIntent(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	r.invoker.fn = func(*envelope.Envelope) envelope.Result {
		return envelope.Failure(envelope.ErrCodeTool, "backend down", true)
	}
	in := intent.New("reindex the archive", intent.TypeServe, 0.9, "user")
	r.stack.Push(in)

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusActed, rep.Status)
	assert.Equal(t, reflectFailure, rep.Reflection)
	assert.Equal(t, 1, r.stack.Len(), "failed intent stays for another try")
	assert.InDelta(t, 10.0, r.econ.Budget(), 0.01, "no credit on failure")
	require.NotNil(t, rep.Result)
	assert.False(t, rep.Result.Success)
}

func TestDebtIdlesLowPriorityIntent(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	require.NoError(t, r.econ.SetBudget(-1))
	r.stack.Push(intent.New("tidy the cache", intent.TypeServe, 0.2, "user"))

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, rep.Status)
	assert.Contains(t, rep.Reason, "debt")
	assert.Equal(t, 0, r.invoker.calls())
	assert.Equal(t, 1, r.stack.Len(), "intent waits out the debt")
	assert.Equal(t, 1, r.hippo.callCount())
}

func TestMaintainBypassesDebt(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	require.NoError(t, r.econ.SetBudget(-1))
	r.stack.Push(intent.New("restore system health", intent.TypeMaintain, 0.6, "self"))

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusActed, rep.Status)
	assert.Equal(t, "survival override", rep.Decision.Reason)
	require.Equal(t, 1, r.invoker.calls())
	assert.Equal(t, "maintainer", r.invoker.last().ToolName)
}

func TestLearnNeedsPositiveBudget(t *testing.T) {
	t.Run("funded", func(t *testing.T) {
		r := newRig(t, staticObserver{sig: quietSignals()})
		require.NoError(t, r.econ.SetBudget(0.5))
		r.stack.Push(intent.New("study recent failures", intent.TypeLearn, 0.2, "self"))

		rep, err := r.controller.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusActed, rep.Status)
		assert.Equal(t, "growth override", rep.Decision.Reason)
		assert.Equal(t, "evolver", r.invoker.last().ToolName)
		assert.True(t, r.invoker.last().RequiresValidation)
	})

	t.Run("in debt", func(t *testing.T) {
		r := newRig(t, staticObserver{sig: quietSignals()})
		require.NoError(t, r.econ.SetBudget(-1))
		r.stack.Push(intent.New("study recent failures", intent.TypeLearn, 0.2, "self"))

		rep, err := r.controller.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, rep.Status)
		assert.Equal(t, 0, r.invoker.calls())
	})
}

func TestHighPriorityIgnoresCooldown(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	for i := 0; i < 12; i++ {
		r.stack.RecordCycle(true)
	}
	r.stack.Push(intent.New("serve the pending request", intent.TypeServe, 0.9, "user"))

	rep, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusActed, rep.Status)
	assert.Equal(t, 1, r.invoker.calls())
}

func TestEnvelopeMappings(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})

	cases := []struct {
		name   string
		in     *intent.Intent
		tool   string
		domain envelope.Domain
		action string
		cost   float64
	}{
		{
			name:   "maintain",
			in:     intent.New("restore system health", intent.TypeMaintain, 0.8, "self"),
			tool:   "maintainer",
			domain: envelope.DomainSystem,
			action: "maintain",
			cost:   0.05,
		},
		{
			name:   "serve",
			in:     intent.New("answer the query", intent.TypeServe, 0.5, "user"),
			tool:   "memory",
			domain: envelope.DomainMemory,
			action: "serve",
			cost:   0.1,
		},
		{
			name: "serve body",
			in: func() *intent.Intent {
				in := intent.New("move the actuator", intent.TypeServe, 0.5, "user")
				in.Context = map[string]interface{}{"domain": "body"}
				return in
			}(),
			tool:   "body",
			domain: envelope.DomainBody,
			action: "serve",
			cost:   0.1,
		},
		{
			name:   "learn",
			in:     intent.New("study recent failures", intent.TypeLearn, 0.4, "self"),
			tool:   "evolver",
			domain: envelope.DomainEvolution,
			action: "learn",
			cost:   0.2,
		},
		{
			name:   "explore",
			in:     intent.New("walk the memory graph", intent.TypeExplore, 0.4, "self"),
			tool:   "memory",
			domain: envelope.DomainMemory,
			action: "pattern_search",
			cost:   0.1,
		},
		{
			name: "context action override",
			in: func() *intent.Intent {
				in := intent.New("compact old entries", intent.TypeServe, 0.5, "user")
				in.Context = map[string]interface{}{"action": "compact"}
				return in
			}(),
			tool:   "memory",
			domain: envelope.DomainMemory,
			action: "compact",
			cost:   0.1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := r.controller.envelopeFor(tc.in)
			assert.Equal(t, tc.tool, env.ToolName)
			assert.Equal(t, tc.domain, env.Domain)
			assert.Equal(t, tc.action, env.Action)
			assert.InDelta(t, tc.cost, env.EstimatedCost, 1e-9)
			assert.Equal(t, "autonomy", env.Caller)
			assert.Equal(t, tc.in.Source, env.Source)
			assert.Equal(t, tc.in.IntentID, env.Context["intent_id"])
		})
	}
}

func TestObserverDerivesSignalsFromLedger(t *testing.T) {
	dir := t.TempDir()
	logger := discard()
	econ, err := economy.New(filepath.Join(dir, "economy.json"), logger)
	require.NoError(t, err)
	led := ledger.NewMemoryLedger()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, led.Create(ctx, &ledger.Record{
			ToolName: "echo", Domain: "cognition", Action: "say",
			Status: ledger.StatusCompleted, CostSpent: 0.1, DurationMS: 10,
		}))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, led.Create(ctx, &ledger.Record{
			ToolName: "flaky", Domain: "cognition", Action: "boom",
			Status: ledger.StatusFailed, DurationMS: 5,
		}))
	}

	obs := NewLedgerObserver(led, econ)
	sig, err := obs.CollectSignals(ctx)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, sig.ErrorRate, 1e-9)
	assert.InDelta(t, 0.4, sig.SuccessRate, 1e-9)
	assert.InDelta(t, 0.04, sig.AvgCost, 1e-9)
	assert.Equal(t, 10, sig.LastHourTotal)
	assert.Equal(t, 6, sig.LastHourFailed)
	assert.InDelta(t, 0.5, sig.Confidence, 1e-9)
	assert.InDelta(t, 10.0, sig.Budget, 1e-9)

	// Healthy budget, but more than half the sample failed.
	assert.InDelta(t, errorPain, sig.PainScore, 1e-9)
	assert.Contains(t, sig.PressureSources, "error_rate")

	// The failures are the newest rows, so the error trend degrades while
	// the latency trend improves (failures die faster than successes ran).
	assert.Equal(t, "degrading", sig.Trend)
	assert.Less(t, sig.LatencyTrendMS, 0.0)
}

func TestTrendHelpers(t *testing.T) {
	rec := func(status ledger.Status, durMS int64) *ledger.Record {
		return &ledger.Record{Status: status, DurationMS: durMS}
	}

	t.Run("too few rows", func(t *testing.T) {
		rows := []*ledger.Record{rec(ledger.StatusFailed, 5)}
		assert.Equal(t, "steady", errorTrend(rows))
		assert.Zero(t, latencyTrend(rows))
	})

	t.Run("improving", func(t *testing.T) {
		// Newest first: clean recent half, failing older half.
		rows := []*ledger.Record{
			rec(ledger.StatusCompleted, 10),
			rec(ledger.StatusCompleted, 10),
			rec(ledger.StatusFailed, 50),
			rec(ledger.StatusFailed, 50),
		}
		assert.Equal(t, "improving", errorTrend(rows))
		assert.InDelta(t, -40, latencyTrend(rows), 1e-9)
	})

	t.Run("steady within tolerance", func(t *testing.T) {
		rows := []*ledger.Record{
			rec(ledger.StatusCompleted, 10),
			rec(ledger.StatusFailed, 10),
			rec(ledger.StatusCompleted, 10),
			rec(ledger.StatusFailed, 10),
		}
		assert.Equal(t, "steady", errorTrend(rows))
	})
}

func TestObserverEmptyLedger(t *testing.T) {
	dir := t.TempDir()
	econ, err := economy.New(filepath.Join(dir, "economy.json"), discard())
	require.NoError(t, err)

	obs := NewLedgerObserver(ledger.NewMemoryLedger(), econ)
	sig, err := obs.CollectSignals(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sig.PainScore)
	assert.Zero(t, sig.ErrorRate)
	assert.Zero(t, sig.Confidence)
	assert.Equal(t, "steady", sig.Trend)
	assert.Empty(t, sig.PressureSources)
}

func TestObserverBudgetPressure(t *testing.T) {
	dir := t.TempDir()
	econ, err := economy.New(filepath.Join(dir, "economy.json"), discard())
	require.NoError(t, err)
	require.NoError(t, econ.SetBudget(-2))

	obs := NewLedgerObserver(ledger.NewMemoryLedger(), econ)
	sig, err := obs.CollectSignals(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.2, sig.PainScore, 1e-9, "pain mirrors vitality in debt")
	assert.Contains(t, sig.PressureSources, "budget_debt")
}

func TestObserverErrorSurfacesAsErrorCycle(t *testing.T) {
	r := newRig(t, staticObserver{err: assert.AnError})

	rep, err := r.controller.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, rep.Status)
	assert.Equal(t, 0, r.invoker.calls())

	saved, errLoad := LatestExplanation(r.explain)
	require.NoError(t, errLoad)
	assert.Equal(t, StatusError, saved.Status)
}

func TestExplanationOverwrittenEachCycle(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})

	first, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.CycleID, second.CycleID)

	saved, err := LatestExplanation(r.explain)
	require.NoError(t, err)
	assert.Equal(t, second.CycleID, saved.CycleID)
	assert.Equal(t, int64(2), saved.Sequence)
}

func TestCycleAuditTrail(t *testing.T) {
	dir := t.TempDir()
	auditor, err := audit.NewLogger(filepath.Join(dir, "audit.log"), discard())
	require.NoError(t, err)
	defer auditor.Close()

	r := newRig(t, staticObserver{sig: quietSignals()}, WithAudit(auditor))
	_, err = r.controller.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	rep, err := auditor.VerifyFile()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 2, rep.Entries)
}

// captureStore records snapshot puts without touching disk.
type captureStore struct {
	mu   sync.Mutex
	puts [][]byte
}

func (s *captureStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, append([]byte(nil), data...))
	return archive.Ref(data), nil
}

func (s *captureStore) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (s *captureStore) Exists(context.Context, string) (bool, error) {
	return false, nil
}
func (s *captureStore) Delete(context.Context, string) error { return nil }

func (s *captureStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func TestSnapshotsArchiveEveryCycle(t *testing.T) {
	store := &captureStore{}
	r := newRig(t, staticObserver{sig: quietSignals()}, WithSnapshots(store))

	_, err := r.controller.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = r.controller.RunCycle(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, store.count())
	assert.Contains(t, string(store.puts[0]), "cycle_id")
}

func TestHeartbeatRunsAndStops(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	hb := NewHeartbeat(r.controller, 5*time.Millisecond, discard())

	hb.Start(context.Background())
	assert.Eventually(t, func() bool {
		return r.controller.seq.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	hb.Stop()

	after := r.controller.seq.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, r.controller.seq.Load(), "no cycles after stop")
}

func TestHeartbeatSwallowsCycleErrors(t *testing.T) {
	r := newRig(t, staticObserver{err: assert.AnError})
	hb := NewHeartbeat(r.controller, 5*time.Millisecond, discard())

	hb.Start(context.Background())
	assert.Eventually(t, func() bool {
		return r.controller.seq.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	hb.Stop()
}

func TestHeartbeatRecoversFromPanic(t *testing.T) {
	r := newRig(t, staticObserver{sig: healthySignals()})
	r.invoker.fn = func(*envelope.Envelope) envelope.Result {
		panic("tool exploded")
	}
	hb := NewHeartbeat(r.controller, 5*time.Millisecond, discard())

	hb.Start(context.Background())
	assert.Eventually(t, func() bool {
		return r.invoker.calls() >= 2
	}, time.Second, 5*time.Millisecond)
	hb.Stop()
}

func TestStopWithoutStartReturns(t *testing.T) {
	r := newRig(t, staticObserver{sig: quietSignals()})
	hb := NewHeartbeat(r.controller, time.Hour, discard())

	done := make(chan struct{})
	go func() {
		hb.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running heartbeat")
	}
}
