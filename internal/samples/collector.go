package samples

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/payguard/internal/idgen"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/policy"
)

const (
	collectorChanSize  = 4096
	collectorBatchSize = 100
	collectorFlushWait = 5 * time.Second
)

// Collector asynchronously batches decision samples into a Store. It is a
// policy.DecisionSink; OnDecision never blocks.
type Collector struct {
	store    Store
	logger   *slog.Logger
	ch       chan Sample
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	dropped  atomic.Int64
	flushed  atomic.Int64
	interval time.Duration
}

var _ policy.DecisionSink = (*Collector)(nil)

// NewCollector creates a collector. Call Start in a goroutine.
func NewCollector(store Store, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:    store,
		logger:   logger,
		ch:       make(chan Sample, collectorChanSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: collectorFlushWait,
	}
}

// OnDecision enqueues a sample. Drops and counts when the buffer is full.
func (c *Collector) OnDecision(_ context.Context, ev policy.Event) {
	s, ok := FromEvent(ev)
	if !ok {
		return
	}
	s.ID = idgen.WithPrefix("smp_")
	select {
	case c.ch <- s:
		metrics.SamplesCollectedTotal.WithLabelValues(string(s.Label)).Inc()
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of samples dropped due to a full buffer.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Flushed returns the number of samples written.
func (c *Collector) Flushed() int64 { return c.flushed.Load() }

// Start drains the buffer and flushes batches until ctx ends or Stop.
// Remaining samples are flushed on exit.
func (c *Collector) Start(ctx context.Context) {
	c.running.Store(true)
	defer func() {
		c.running.Store(false)
		close(c.done)
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var buf []Sample
	for {
		select {
		case <-ctx.Done():
			c.flush(c.drain(buf))
			return
		case <-c.stop:
			c.flush(c.drain(buf))
			return
		case s := <-c.ch:
			buf = append(buf, s)
			if len(buf) >= collectorBatchSize {
				c.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				c.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop flushes remaining samples and waits for Start to return.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.running.Load() {
		<-c.done
	}
}

// Running reports whether the collector loop is active.
func (c *Collector) Running() bool { return c.running.Load() }

func (c *Collector) drain(buf []Sample) []Sample {
	for {
		select {
		case s := <-c.ch:
			buf = append(buf, s)
		default:
			return buf
		}
	}
}

func (c *Collector) flush(buf []Sample) {
	for len(buf) > 0 {
		n := min(len(buf), collectorBatchSize)
		c.safeFlush(buf[:n])
		buf = buf[n:]
	}
}

func (c *Collector) safeFlush(batch []Sample) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in sample collector flush", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.SaveBatch(ctx, batch); err != nil {
		c.logger.Error("sample flush failed", "error", err, "count", len(batch))
		return
	}
	c.flushed.Add(int64(len(batch)))
}
