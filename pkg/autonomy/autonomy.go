// Package autonomy runs the observe, plan, decide, act, reflect cycle that
// lets the orchestrator pursue its own goals. Each cycle reads health
// signals from the ledger and the economy, screens the intent stack through
// the trust and canon gates, and submits at most one envelope. Every cycle
// leaves a full explanation on disk.
package autonomy

import (
	"context"
	"fmt"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
)

const (
	// defaultSampleSize is how many recent ledger rows one observation reads.
	defaultSampleSize = 100

	// minErrorSample is the number of terminal rows required before the
	// error rate is allowed to raise pain.
	minErrorSample = 5

	// errorPain is the pain floor applied when the error rate is pressing.
	errorPain = 0.5
)

// Signals is the observation bundle one cycle reasons over. PainScore is the
// economy's vitality, raised to errorPain when more than half of a
// sufficiently large terminal sample failed.
type Signals struct {
	PainScore       float64   `json:"pain_score"`
	Trend           string    `json:"trend"`
	Confidence      float64   `json:"confidence"`
	PressureSources []string  `json:"pressure_sources,omitempty"`
	ErrorRate       float64   `json:"error_rate"`
	SuccessRate     float64   `json:"success_rate"`
	AvgCost         float64   `json:"avg_cost"`
	LatencyTrendMS  float64   `json:"latency_trend_ms"`
	LastHourTotal   int       `json:"last_hour_total"`
	LastHourFailed  int       `json:"last_hour_failed"`
	Budget          float64   `json:"budget"`
	Vitality        float64   `json:"vitality"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Observer produces the signal bundle for one cycle.
type Observer interface {
	CollectSignals(ctx context.Context) (Signals, error)
}

// LedgerObserver derives signals from recent execution records and the
// economy's vitality.
type LedgerObserver struct {
	led    ledger.Ledger
	econ   *economy.Economy
	sample int
	now    func() time.Time
}

// ObserverOption configures a LedgerObserver.
type ObserverOption func(*LedgerObserver)

// WithSampleSize changes how many recent rows an observation inspects.
func WithSampleSize(n int) ObserverOption {
	return func(o *LedgerObserver) {
		if n > 0 {
			o.sample = n
		}
	}
}

// WithObserverClock substitutes the time source, for tests.
func WithObserverClock(now func() time.Time) ObserverOption {
	return func(o *LedgerObserver) { o.now = now }
}

// NewLedgerObserver builds an observer over the given ledger and economy.
func NewLedgerObserver(led ledger.Ledger, econ *economy.Economy, opts ...ObserverOption) *LedgerObserver {
	o := &LedgerObserver{
		led:    led,
		econ:   econ,
		sample: defaultSampleSize,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CollectSignals reads the recent ledger sample and folds it, together with
// the economy's budget and vitality, into one bundle.
func (o *LedgerObserver) CollectSignals(ctx context.Context) (Signals, error) {
	rows, err := o.led.ListRecent(ctx, o.sample)
	if err != nil {
		return Signals{}, fmt.Errorf("observe ledger: %w", err)
	}

	sig := Signals{
		Budget:      o.econ.Budget(),
		Vitality:    o.econ.CheckVitality(),
		Trend:       "steady",
		CollectedAt: o.now().UTC(),
	}

	var (
		terminal  []*ledger.Record
		completed int
		failed    int
		costSum   float64
	)
	hourAgo := sig.CollectedAt.Add(-time.Hour)
	for _, rec := range rows {
		if rec.CreatedAt.After(hourAgo) {
			sig.LastHourTotal++
			if rec.Status == ledger.StatusFailed {
				sig.LastHourFailed++
			}
		}
		if !rec.Status.Terminal() {
			continue
		}
		terminal = append(terminal, rec)
		costSum += rec.CostSpent
		switch rec.Status {
		case ledger.StatusCompleted:
			completed++
		case ledger.StatusFailed:
			failed++
		}
	}

	if n := len(terminal); n > 0 {
		sig.ErrorRate = float64(failed) / float64(n)
		sig.SuccessRate = float64(completed) / float64(n)
		sig.AvgCost = costSum / float64(n)
	}
	sig.LatencyTrendMS = latencyTrend(terminal)
	sig.Trend = errorTrend(terminal)
	sig.Confidence = sampleConfidence(len(terminal))

	sig.PainScore = sig.Vitality
	switch {
	case sig.Budget < 0:
		sig.PressureSources = append(sig.PressureSources, "budget_debt")
	case sig.Budget < 1:
		sig.PressureSources = append(sig.PressureSources, "budget_low")
	}
	if len(terminal) >= minErrorSample && sig.ErrorRate > 0.5 {
		if sig.PainScore < errorPain {
			sig.PainScore = errorPain
		}
		sig.PressureSources = append(sig.PressureSources, "error_rate")
	}
	if sig.LatencyTrendMS > 0 {
		sig.PressureSources = append(sig.PressureSources, "latency")
	}

	return sig, nil
}

// latencyTrend compares mean duration of the newer half of the terminal
// sample against the older half. Rows arrive newest first. Positive means
// the system is getting slower.
func latencyTrend(terminal []*ledger.Record) float64 {
	n := len(terminal)
	if n < 4 {
		return 0
	}
	mid := n / 2
	return meanDuration(terminal[:mid]) - meanDuration(terminal[mid:])
}

func meanDuration(recs []*ledger.Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	var sum float64
	for _, rec := range recs {
		sum += float64(rec.DurationMS)
	}
	return sum / float64(len(recs))
}

// errorTrend compares the error rate of the newer half against the older
// half and names the direction once the gap clears 0.1.
func errorTrend(terminal []*ledger.Record) string {
	n := len(terminal)
	if n < 4 {
		return "steady"
	}
	mid := n / 2
	diff := errRate(terminal[:mid]) - errRate(terminal[mid:])
	switch {
	case diff > 0.1:
		return "degrading"
	case diff < -0.1:
		return "improving"
	default:
		return "steady"
	}
}

func errRate(recs []*ledger.Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	failed := 0
	for _, rec := range recs {
		if rec.Status == ledger.StatusFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(recs))
}

// sampleConfidence grows linearly with sample size and saturates at 20 rows.
func sampleConfidence(n int) float64 {
	c := float64(n) / 20.0
	if c > 1 {
		c = 1
	}
	return c
}
