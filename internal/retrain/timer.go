package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the Timer refits.
const DefaultInterval = time.Hour

// Timer periodically refits the anomaly profile.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runs     atomic.Int64
}

// NewTimer creates a timer. A non-positive interval means DefaultInterval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns how many refits have been attempted.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start runs one refit immediately, then one per interval. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retrain timer", "panic", fmt.Sprint(r))
		}
	}()
	t.runs.Add(1)

	res, err := t.runner.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("retrain run failed", "error", err)
		return
	}
	t.logger.Info("retrain run finished", "outcome", res.Outcome, "samples", res.Samples)
}
