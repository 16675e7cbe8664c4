// Package metrics aggregates bus and API counters, keeps a bounded history of
// recent calls and optionally traces every call record to a sink.
package metrics

import (
	"io"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/modcomm/internal/runtime/config"
	"github.com/drblury/modcomm/internal/runtime/jsoncodec"
	"github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/ring"
)

// Bus outcomes used as the "outcome" label.
const (
	OutcomePublished    = "published"
	OutcomeDelivered    = "delivered"
	OutcomeExpired      = "expired"
	OutcomeDropped      = "dropped"
	OutcomeHandlerError = "handler_error"
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
)

// ChannelStats holds the counters of a single channel.
type ChannelStats struct {
	Published       uint64            `json:"published"`
	Delivered       uint64            `json:"delivered"`
	Expired         uint64            `json:"expired"`
	Dropped         uint64            `json:"dropped"`
	DroppedByReason map[string]uint64 `json:"dropped_by_reason,omitempty"`
	HandlerErrors   uint64            `json:"handler_errors"`
	LastQueueDepth  int               `json:"last_queue_depth"`
}

// OperationStats holds the counters of a single API operation.
type OperationStats struct {
	Calls          uint64         `json:"calls"`
	Successes      uint64         `json:"successes"`
	Failures       uint64         `json:"failures"`
	AverageLatency time.Duration  `json:"average_latency_ns"`
	Latency        LatencyMetrics `json:"latency"`
	LastCalledAt   time.Time      `json:"last_called_at"`
	LastError      string         `json:"last_error,omitempty"`

	totalNs int64
	window  *latencyWindow
}

// CallRecord describes one completed API invocation.
type CallRecord struct {
	ID            string        `json:"id"`
	Operation     string        `json:"operation"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

// Totals aggregates counters across channels and operations.
type Totals struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Expired       uint64 `json:"expired"`
	Dropped       uint64 `json:"dropped"`
	HandlerErrors uint64 `json:"handler_errors"`
	Calls         uint64 `json:"calls"`
	CallFailures  uint64 `json:"call_failures"`
}

// ErrorRate is the worse of the API failure ratio and the handler failure ratio.
func (t Totals) ErrorRate() float64 {
	var rate float64
	if t.Calls > 0 {
		rate = float64(t.CallFailures) / float64(t.Calls)
	}
	if attempts := t.Delivered + t.HandlerErrors; attempts > 0 {
		if r := float64(t.HandlerErrors) / float64(attempts); r > rate {
			rate = r
		}
	}
	return rate
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Channels       map[string]ChannelStats   `json:"channels"`
	Operations     map[string]OperationStats `json:"operations"`
	RecentCalls    []CallRecord              `json:"recent_calls"`
	Totals         Totals                    `json:"totals"`
	TracingEnabled bool                      `json:"tracing_enabled"`
	CollectedAt    time.Time                 `json:"collected_at"`
}

// Options configures a Collector.
type Options struct {
	// HistorySize bounds the ring of recent call records.
	HistorySize int
	// Registry receives the Prometheus collectors. A private registry is
	// created when nil so several collectors can coexist in one process.
	Registry *prometheus.Registry
	Logger   logging.ServiceLogger
	Now      func() time.Time
}

// Collector is safe for concurrent use. It implements bus.Recorder.
type Collector struct {
	mu         sync.Mutex
	channels   map[string]*ChannelStats
	operations map[string]*OperationStats
	history    *ring.Buffer[CallRecord]

	registry *prometheus.Registry
	prom     promCollectors
	logger   logging.ServiceLogger
	now      func() time.Time

	traceMu sync.Mutex
	sink    io.Writer
}

// New builds a Collector and registers its Prometheus collectors.
func New(opts Options) (*Collector, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = config.DefaultCallHistorySize
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Collector{
		channels:   make(map[string]*ChannelStats),
		operations: make(map[string]*OperationStats),
		history:    ring.New[CallRecord](opts.HistorySize),
		registry:   opts.Registry,
		prom:       newPromCollectors(),
		logger:     logging.OrNop(opts.Logger).With(logging.LogFields{"component": "metrics"}),
		now:        opts.Now,
	}
	if err := c.prom.register(c.registry); err != nil {
		return nil, err
	}
	return c, nil
}

// Registry exposes the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) channel(name string) *ChannelStats {
	stats, ok := c.channels[name]
	if !ok {
		stats = &ChannelStats{}
		c.channels[name] = stats
	}
	return stats
}

func (c *Collector) MessagePublished(channel string, depth int) {
	c.mu.Lock()
	stats := c.channel(channel)
	stats.Published++
	stats.LastQueueDepth = depth
	c.mu.Unlock()

	c.prom.busMessages.WithLabelValues(channel, OutcomePublished).Inc()
	c.prom.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

func (c *Collector) MessageDelivered(channel string) {
	c.mu.Lock()
	c.channel(channel).Delivered++
	c.mu.Unlock()

	c.prom.busMessages.WithLabelValues(channel, OutcomeDelivered).Inc()
}

func (c *Collector) MessageExpired(channel string) {
	c.mu.Lock()
	c.channel(channel).Expired++
	c.mu.Unlock()

	c.prom.busMessages.WithLabelValues(channel, OutcomeExpired).Inc()
}

func (c *Collector) MessageDropped(channel, reason string) {
	c.mu.Lock()
	stats := c.channel(channel)
	stats.Dropped++
	if stats.DroppedByReason == nil {
		stats.DroppedByReason = make(map[string]uint64)
	}
	stats.DroppedByReason[reason]++
	c.mu.Unlock()

	c.prom.busMessages.WithLabelValues(channel, OutcomeDropped).Inc()
}

func (c *Collector) HandlerFailed(channel string) {
	c.mu.Lock()
	c.channel(channel).HandlerErrors++
	c.mu.Unlock()

	c.prom.busMessages.WithLabelValues(channel, OutcomeHandlerError).Inc()
}

// RecordCall updates the operation counters, appends rec to the call history
// and writes it to the trace sink when tracing is enabled.
func (c *Collector) RecordCall(rec CallRecord) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = c.now().Add(-rec.Duration)
	}

	c.mu.Lock()
	stats, ok := c.operations[rec.Operation]
	if !ok {
		stats = &OperationStats{window: newLatencyWindow(latencySampleSize)}
		c.operations[rec.Operation] = stats
	}
	stats.Calls++
	stats.totalNs += int64(rec.Duration)
	stats.window.add(rec.Duration)
	stats.LastCalledAt = rec.StartedAt
	if rec.Success {
		stats.Successes++
	} else {
		stats.Failures++
		stats.LastError = rec.Error
	}
	c.history.Push(rec)
	c.mu.Unlock()

	outcome := OutcomeSuccess
	if !rec.Success {
		outcome = OutcomeFailure
	}
	c.prom.apiCalls.WithLabelValues(rec.Operation, outcome).Inc()
	c.prom.apiDuration.WithLabelValues(rec.Operation).Observe(rec.Duration.Seconds())

	c.trace(rec)
}

// SetBreakerState publishes a breaker state as a gauge value.
func (c *Collector) SetBreakerState(name string, state int) {
	c.prom.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecentCalls returns the retained call records, oldest first.
func (c *Collector) RecentCalls() []CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Items()
}

// Snapshot copies every counter.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Channels:       make(map[string]ChannelStats, len(c.channels)),
		Operations:     make(map[string]OperationStats, len(c.operations)),
		RecentCalls:    c.history.Items(),
		TracingEnabled: c.TracingEnabled(),
		CollectedAt:    c.now(),
	}
	for name, stats := range c.channels {
		cp := *stats
		cp.DroppedByReason = maps.Clone(stats.DroppedByReason)
		snap.Channels[name] = cp

		snap.Totals.Published += stats.Published
		snap.Totals.Delivered += stats.Delivered
		snap.Totals.Expired += stats.Expired
		snap.Totals.Dropped += stats.Dropped
		snap.Totals.HandlerErrors += stats.HandlerErrors
	}
	for name, stats := range c.operations {
		cp := *stats
		cp.AverageLatency = time.Duration(stats.totalNs / int64(stats.Calls))
		cp.Latency = stats.window.snapshot()
		cp.window = nil
		snap.Operations[name] = cp

		snap.Totals.Calls += stats.Calls
		snap.Totals.CallFailures += stats.Failures
	}
	return snap
}

// Reset zeroes every counter and clears the call history. The tracing sink is kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.channels = make(map[string]*ChannelStats)
	c.operations = make(map[string]*OperationStats)
	c.history.Clear()
	c.mu.Unlock()

	c.prom.reset()
	c.logger.Info("Metrics reset", nil)
}

// EnableTracing writes every subsequent call record to sink as a JSON line.
// A nil sink disables tracing.
func (c *Collector) EnableTracing(sink io.Writer) {
	c.traceMu.Lock()
	c.sink = sink
	c.traceMu.Unlock()

	c.logger.Info("Call tracing toggled", logging.LogFields{"enabled": sink != nil})
}

// DisableTracing stops writing call records.
func (c *Collector) DisableTracing() {
	c.EnableTracing(nil)
}

// TracingEnabled reports whether a trace sink is installed.
func (c *Collector) TracingEnabled() bool {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	return c.sink != nil
}

func (c *Collector) trace(rec CallRecord) {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()

	if c.sink == nil {
		return
	}
	if err := jsoncodec.Encode(c.sink, rec); err != nil {
		c.logger.Error("Failed to write call trace", err, logging.LogFields{"operation": rec.Operation})
	}
}
