package autonomy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the cycle period when none is configured.
const DefaultInterval = 60 * time.Second

// Heartbeat drives the controller on a fixed interval. Cycle errors and
// panics are logged and swallowed so one bad tick never stops the loop.
type Heartbeat struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHeartbeat builds the driver. A non-positive interval falls back to
// DefaultInterval.
func NewHeartbeat(c *Controller, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		controller: c,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the loop. The first cycle runs after one full interval so
// the composition root can finish registering tools before autonomy acts.
func (h *Heartbeat) Start(ctx context.Context) {
	h.startOnce.Do(func() { go h.run(ctx) })
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("autonomy heartbeat started", slog.Duration("interval", h.interval))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("autonomy heartbeat stopped", slog.Any("cause", ctx.Err()))
			return
		case <-h.stop:
			h.logger.Info("autonomy heartbeat stopped")
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("autonomy cycle panicked", slog.Any("panic", r))
		}
	}()
	if _, err := h.controller.RunCycle(ctx); err != nil {
		h.logger.Error("autonomy cycle failed", slog.Any("error", err))
	}
}

// Stop halts the loop and waits for any in-flight cycle to finish. Safe to
// call more than once, and a no-op when Start never ran.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	// If Start never claimed the once, claim it so done is closed.
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}
