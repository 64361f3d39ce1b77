package tracing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/goloop/internal/store"
	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
)

// EventExporter is implemented by backends that receive events alongside the
// event store (e.g. OpenTelemetry OTLP). Keeping this as an interface lets the
// OTel dependency live in a separate sub-package.
type EventExporter interface {
	ExportEvents(ctx context.Context, events []protocol.IterationEvent)
	Shutdown(ctx context.Context) error
}

// Collector buffers events in memory and periodically flushes them to the
// EventStore in batches. A single FIFO buffer keeps per-session order.
//
// When an EventExporter is attached, events are also exported to an
// external backend (Jaeger, Grafana Tempo, Datadog, etc.).
type Collector struct {
	store    store.EventStore // nil = no persistence
	exporter EventExporter    // optional external exporter (nil = disabled)
	logger   *slog.Logger

	eventCh  chan protocol.IterationEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	flushMu  sync.Mutex
	interval time.Duration
	dropped  atomic.Int64
}

// CollectorOptions tunes a Collector. Zero values pick defaults.
type CollectorOptions struct {
	FlushInterval time.Duration
	BufferSize    int
	Logger        *slog.Logger
}

// NewCollector creates a collector backed by es (which may be nil).
func NewCollector(es store.EventStore, opts CollectorOptions) *Collector {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		store:    es,
		logger:   opts.Logger,
		eventCh:  make(chan protocol.IterationEvent, opts.BufferSize),
		stopCh:   make(chan struct{}),
		interval: opts.FlushInterval,
	}
}

// SetExporter attaches an external event exporter. Call before Start.
func (c *Collector) SetExporter(exp EventExporter) {
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	c.logger.Info("tracing collector started", "flush_interval", c.interval)
}

// Stop gracefully shuts down the collector, flushing remaining events.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.Flush(context.Background())

		// Shutdown external exporter (flushes remaining spans)
		if c.exporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.exporter.Shutdown(ctx); err != nil {
				c.logger.Warn("tracing: event exporter shutdown failed", "error", err)
			}
		}
		c.logger.Info("tracing collector stopped", "dropped", c.dropped.Load())
	})
}

// Emit enqueues an event for async batch insertion.
// Non-blocking: drops the event if the buffer is full.
func (c *Collector) Emit(ev protocol.IterationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case c.eventCh <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("tracing: event buffer full, dropping event",
			"type", ev.Type, "session", ev.SessionID, "iteration", ev.Iteration)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Flush synchronously writes everything buffered so far.
func (c *Collector) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	// Drain event channel
	var events []protocol.IterationEvent
	for {
		select {
		case ev := <-c.eventCh:
			events = append(events, ev)
		default:
			goto done
		}
	}
done:

	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if c.store != nil {
		if err := c.store.BatchCreateEvents(ctx, events); err != nil {
			c.logger.Warn("tracing: batch event insert failed", "count", len(events), "error", err)
		} else {
			c.logger.Debug("tracing: flushed events", "count", len(events))
		}
	}

	// Export to external backend (errors logged by the exporter, not propagated)
	if c.exporter != nil {
		c.exporter.ExportEvents(ctx, events)
	}
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-c.stopCh:
			return
		}
	}
}
