package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modcomm"

type promCollectors struct {
	busMessages  *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	apiCalls     *prometheus.CounterVec
	apiDuration  *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
}

func newPromCollectors() promCollectors {
	return promCollectors{
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages handled by the bus, partitioned by outcome",
		}, []string{"channel", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Pending messages observed at the last publish",
		}, []string{"channel"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "calls_total",
			Help:      "API invocations, partitioned by outcome",
		}, []string{"operation", "outcome"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "call_duration_seconds",
			Help:      "API invocation latency including retries",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
	}
}

// register adds every collector. When an identical collector is already
// registered, the existing one is adopted so counters stay shared.
func (p *promCollectors) register(reg prometheus.Registerer) error {
	var err error
	if p.busMessages, err = adopt(reg, p.busMessages); err != nil {
		return err
	}
	if p.queueDepth, err = adopt(reg, p.queueDepth); err != nil {
		return err
	}
	if p.apiCalls, err = adopt(reg, p.apiCalls); err != nil {
		return err
	}
	if p.apiDuration, err = adopt(reg, p.apiDuration); err != nil {
		return err
	}
	if p.breakerState, err = adopt(reg, p.breakerState); err != nil {
		return err
	}
	return nil
}

func adopt[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (p promCollectors) reset() {
	p.busMessages.Reset()
	p.queueDepth.Reset()
	p.apiCalls.Reset()
	p.apiDuration.Reset()
	p.breakerState.Reset()
}
