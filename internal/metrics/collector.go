package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventCallStarted    EventType = "call_started"
	EventCallCompleted  EventType = "call_completed"
	EventCacheFallback  EventType = "cache_fallback"
	EventBreakerChanged EventType = "breaker_changed"
	EventStateChanged   EventType = "state_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Resource   string
	Endpoint   string
	Outcome    string
	Duration   time.Duration
	StatusCode int
	// From and To carry breaker or connection state names.
	From string
	To   string
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *Prometheus
	logger     *slog.Logger
	done       chan struct{}
}

type Option func(*Collector)

// WithPrometheus mirrors processed events into p.
func WithPrometheus(p *Prometheus) Option {
	return func(c *Collector) { c.prometheus = p }
}

func NewCollector(bufferSize int, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit queues an event without blocking; it is dropped when the buffer is
// full.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("metrics buffer full, dropping event", "type", string(event.Type))
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Wait blocks until the collector has drained its buffer after ctx ended.
func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Debug("Metrics collector started")
	defer c.logger.Debug("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventCallStarted:
		c.metrics.IncrementCalls(event.Resource)

	case EventCallCompleted:
		c.metrics.RecordOutcome(event.Resource, event.Outcome, event.Duration, event.StatusCode)

	case EventCacheFallback:
		c.metrics.RecordFallback(event.Resource)

	case EventBreakerChanged:
		c.metrics.UpdateBreakerState(event.Resource, event.To)

	case EventStateChanged:
		c.metrics.UpdateConnectionState(event.To)
	}

	c.prometheus.Observe(event)
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
