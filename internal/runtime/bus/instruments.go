package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/drblury/modcomm/bus"

// Drop reasons reported to the Recorder.
const (
	// DropNoSubscribers covers messages no subscriber accepted, filters included.
	DropNoSubscribers = "no_subscribers"
	DropQueueFull     = "queue_full"
	DropChannelClosed = "channel_removed"
)

// Recorder receives bus counters. The metrics collector implements it.
type Recorder interface {
	MessagePublished(channel string, depth int)
	MessageDelivered(channel string)
	MessageExpired(channel string)
	MessageDropped(channel, reason string)
	HandlerFailed(channel string)
}

type nopRecorder struct{}

func (nopRecorder) MessagePublished(string, int)  {}
func (nopRecorder) MessageDelivered(string)       {}
func (nopRecorder) MessageExpired(string)         {}
func (nopRecorder) MessageDropped(string, string) {}
func (nopRecorder) HandlerFailed(string)          {}

// instruments mirrors the Recorder counters as OpenTelemetry instruments so
// hosts exporting OTLP see the same numbers.
type instruments struct {
	published     metric.Int64Counter
	delivered     metric.Int64Counter
	expired       metric.Int64Counter
	dropped       metric.Int64Counter
	handlerErrors metric.Int64Counter
	fanout        metric.Int64Histogram
}

func newInstruments(provider metric.MeterProvider) instruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var inst instruments
	inst.published, _ = meter.Int64Counter("modcomm.bus.messages.published",
		metric.WithDescription("Messages accepted into a channel queue"),
		metric.WithUnit("{message}"))
	inst.delivered, _ = meter.Int64Counter("modcomm.bus.messages.delivered",
		metric.WithDescription("Successful handler invocations"),
		metric.WithUnit("{delivery}"))
	inst.expired, _ = meter.Int64Counter("modcomm.bus.messages.expired",
		metric.WithDescription("Messages discarded because their TTL passed"),
		metric.WithUnit("{message}"))
	inst.dropped, _ = meter.Int64Counter("modcomm.bus.messages.dropped",
		metric.WithDescription("Messages that reached no handler"),
		metric.WithUnit("{message}"))
	inst.handlerErrors, _ = meter.Int64Counter("modcomm.bus.handler.errors",
		metric.WithDescription("Handler invocations that failed or panicked"),
		metric.WithUnit("{error}"))
	inst.fanout, _ = meter.Int64Histogram("modcomm.bus.fanout",
		metric.WithDescription("Matching subscribers per dispatched message"),
		metric.WithUnit("{subscriber}"))
	return inst
}

func channelAttr(channel string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

func (i instruments) add(ctx context.Context, counter metric.Int64Counter, channel string, extra ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("channel", channel)}, extra...)
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (i instruments) recordFanout(ctx context.Context, channel string, n int) {
	if i.fanout == nil {
		return
	}
	i.fanout.Record(ctx, int64(n), channelAttr(channel))
}
