package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/modcomm/internal/runtime/api"
	"github.com/drblury/modcomm/internal/runtime/auth"
	"github.com/drblury/modcomm/internal/runtime/breaker"
	"github.com/drblury/modcomm/internal/runtime/bus"
	configpkg "github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/events"
	loggingpkg "github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/metrics"
	"github.com/drblury/modcomm/internal/runtime/retry"
)

// System event names published on the system channel.
const (
	EventServiceStarted       = "Service.Started"
	EventServiceStopped       = "Service.Stopped"
	EventCircuitStateChanged  = "CircuitBreaker.StateChanged"
	EventCircuitBreakersReset = "CircuitBreaker.Reset"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to private or global defaults.
type ServiceDependencies struct {
	// Registry receives the Prometheus collectors. A private registry is used when nil.
	Registry       *prometheus.Registry
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	Middlewares               []api.MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                         // Skips registering the default middleware chain when true.
	// Hooks are installed as the call_hooks middleware when any callback is set.
	Hooks           api.CallHooks
	ErrorClassifier retry.Classifier

	// Now overrides the clock of every component. Tests use it to step time.
	Now func() time.Time
}

// Service wires the bus, API registry, fault tolerance layer, event system
// and metrics collector into one communication core.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus      *bus.Bus
	apis     *api.Registry
	breakers *breaker.Registry
	retry    *retry.Executor
	auth     *auth.Store
	events   *events.System
	metrics  *metrics.Collector

	resourceTracker *resourceTracker
	now             func() time.Time
	createdAt       time.Time
}

// NewService constructs a Service for the supplied configuration and panics
// when the configuration is invalid. Use TryNewService to get the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service. A nil conf uses the defaults and a nil
// logger discards output.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		def := configpkg.Default()
		conf = &def
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	resolved := conf.WithDefaults()
	conf = &resolved

	log = loggingpkg.OrNop(log)
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	log.Info("Creating communication service", loggingpkg.LogFields{
		"event_channel":  conf.EventChannel,
		"system_channel": conf.SystemChannel,
		"config":         conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		resourceTracker: newResourceTracker(),
		now:             now,
		createdAt:       now(),
	}

	collector, err := metrics.New(metrics.Options{
		HistorySize: conf.CallHistorySize,
		Registry:    deps.Registry,
		Logger:      log,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("create metrics collector: %w", err)
	}
	s.metrics = collector

	s.bus = bus.New(bus.Options{
		DefaultCapacity: conf.MaxMessageQueueSize,
		Interval:        conf.ProcessorInterval,
		Workers:         conf.DispatchWorkers,
		Logger:          log,
		Recorder:        collector,
		MeterProvider:   deps.MeterProvider,
		Now:             now,
	})

	s.events, err = events.New(s.bus, events.Options{
		HistorySize:   conf.MaxEventHistory,
		EventChannel:  conf.EventChannel,
		SystemChannel: conf.SystemChannel,
		Logger:        log,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("create event system: %w", err)
	}

	s.breakers = breaker.New(breaker.Options{
		CircuitBreakerConfig: conf.CircuitBreaker,
		Logger:               log,
		OnStateChange:        s.onBreakerStateChange,
		Now:                  now,
	})
	s.retry = retry.New(retry.Options{
		RetryPolicyConfig: conf.RetryPolicy,
		Classifier:        deps.ErrorClassifier,
		Logger:            log,
	})
	s.auth = auth.NewStore(auth.Options{Logger: log, Now: now})

	middlewares := append([]api.MiddlewareRegistration(nil), deps.Middlewares...)
	if deps.Hooks.OnCallStart != nil || deps.Hooks.OnCallDone != nil || deps.Hooks.OnCallError != nil {
		middlewares = append(middlewares, api.CallHooksMiddleware(deps.Hooks))
	}
	s.apis, err = api.New(api.Options{
		InvokeTimeout:             conf.InvokeTimeout,
		Breakers:                  s.breakers,
		Retry:                     s.retry,
		Auth:                      s.auth,
		Recorder:                  collector,
		Logger:                    log,
		TracerProvider:            deps.TracerProvider,
		Middlewares:               middlewares,
		DisableDefaultMiddlewares: deps.DisableDefaultMiddlewares,
		Now:                       now,
	})
	if err != nil {
		return nil, fmt.Errorf("create api registry: %w", err)
	}

	if conf.TracingEnabled {
		collector.EnableTracing(newTraceLogWriter(log))
	}
	return s, nil
}

// Start runs the dispatcher until the provided context is cancelled. A
// cancelled context is a clean shutdown and returns nil.
func (s *Service) Start(ctx context.Context) error {
	s.publishSystemEvent(ctx, EventServiceStarted, map[string]any{"started_at": s.now()})
	err := s.bus.Run(ctx)
	s.publishSystemEvent(context.WithoutCancel(ctx), EventServiceStopped, map[string]any{"stopped_at": s.now()})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Running reports whether Start is dispatching.
func (s *Service) Running() bool {
	return s.bus.Running()
}

// ProcessPending runs one dispatch pass synchronously. Useful when the
// dispatcher is not started, for example in tests.
func (s *Service) ProcessPending(ctx context.Context) int {
	return s.bus.ProcessPending(ctx)
}

// MessageBus exposes the underlying bus.
func (s *Service) MessageBus() *bus.Bus { return s.bus }

// APIRegistry exposes the underlying API registry.
func (s *Service) APIRegistry() *api.Registry { return s.apis }

// EventSystem exposes the underlying event system.
func (s *Service) EventSystem() *events.System { return s.events }

// BreakerRegistry exposes the per-operation circuit breakers.
func (s *Service) BreakerRegistry() *breaker.Registry { return s.breakers }

// RetryExecutor exposes the retry executor, for callers that want the same
// policy around their own work.
func (s *Service) RetryExecutor() *retry.Executor { return s.retry }

// Collector exposes the metrics collector.
func (s *Service) Collector() *metrics.Collector { return s.metrics }

// Messaging.

// CreateChannel registers a channel. A capacity <= 0 uses MaxMessageQueueSize.
func (s *Service) CreateChannel(name string, capacity int) error {
	return s.bus.CreateChannel(name, capacity)
}

// Channel describes one channel, or fails with ErrChannelNotFound.
func (s *Service) Channel(name string) (bus.ChannelInfo, error) {
	return s.bus.Channel(name)
}

// RemoveChannel deletes a channel. Without force it fails while subscribers remain.
func (s *Service) RemoveChannel(name string, force bool) error {
	return s.bus.RemoveChannel(name, force)
}

// Publish enqueues a message and returns its id.
func (s *Service) Publish(ctx context.Context, channel, messageType string, payload any, opts ...bus.PublishOption) (string, error) {
	return s.bus.Publish(ctx, channel, messageType, payload, opts...)
}

// Send is Publish for point-to-point style traffic.
func (s *Service) Send(ctx context.Context, channel, messageType string, payload any, opts ...bus.PublishOption) (string, error) {
	return s.bus.Send(ctx, channel, messageType, payload, opts...)
}

// Subscribe attaches handler to messages on channel whose type matches pattern.
func (s *Service) Subscribe(channel, pattern string, handler bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	return s.bus.Subscribe(channel, pattern, handler, opts...)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(id string) error {
	return s.bus.Unsubscribe(id)
}

// APIs.

// RegisterAPI adds an operation to the registry.
func (s *Service) RegisterAPI(reg api.Registration) (api.RegistrationInfo, error) {
	return s.apis.Register(reg)
}

// UnregisterAPI removes an operation from the registry.
func (s *Service) UnregisterAPI(module, operation string) error {
	return s.apis.Unregister(module, operation)
}

// InvokeAPI calls module.operation and waits for the result, or returns the
// *api.Invocation handle when opts.Async is set.
func (s *Service) InvokeAPI(ctx context.Context, module, operation string, params map[string]any, opts api.InvokeOptions) (any, error) {
	return s.apis.Invoke(ctx, module, operation, params, opts)
}

// InvokeAPIAsync starts an invocation and returns its handle immediately.
func (s *Service) InvokeAPIAsync(ctx context.Context, module, operation string, params map[string]any, opts api.InvokeOptions) *api.Invocation {
	return s.apis.InvokeAsync(ctx, module, operation, params, opts)
}

// UseMiddleware installs global middlewares, replacing existing ones by name.
func (s *Service) UseMiddleware(regs ...api.MiddlewareRegistration) error {
	return s.apis.Use(regs...)
}

// Events.

// PublishEvent publishes a named event and records it in the history.
func (s *Service) PublishEvent(ctx context.Context, name string, data any, opts ...events.PublishOption) (events.EventRecord, error) {
	return s.events.PublishEvent(ctx, name, data, opts...)
}

// SubscribeEvent subscribes to events whose name matches pattern.
func (s *Service) SubscribeEvent(pattern string, handler bus.Handler, opts ...events.SubscribeOption) (string, error) {
	return s.events.SubscribeEvent(pattern, handler, opts...)
}

// UnsubscribeEvent removes an event subscription.
func (s *Service) UnsubscribeEvent(id string) error {
	return s.events.UnsubscribeEvent(id)
}

// GetEventHistory returns recorded events, oldest first.
func (s *Service) GetEventHistory(q events.HistoryQuery) []events.EventRecord {
	return s.events.GetEventHistory(q)
}

// ClearEventHistory drops every recorded event.
func (s *Service) ClearEventHistory() {
	s.events.ClearHistory()
}

func (s *Service) onBreakerStateChange(name string, from, to breaker.State) {
	s.metrics.SetBreakerState(name, int(to))
	s.publishSystemEvent(context.Background(), EventCircuitStateChanged, map[string]any{
		"name": name,
		"from": from.String(),
		"to":   to.String(),
	})
}

func (s *Service) publishSystemEvent(ctx context.Context, name string, data map[string]any) {
	_, err := s.events.PublishEvent(ctx, name, data,
		events.WithEventChannel(s.events.SystemChannel()),
		events.WithEventSource("modcomm"),
	)
	if err != nil {
		s.Logger.Error("Failed to publish system event", err, loggingpkg.LogFields{"event": name})
	}
}

// traceLogWriter turns call trace lines into log entries.
type traceLogWriter struct {
	logger loggingpkg.ServiceLogger
}

func newTraceLogWriter(logger loggingpkg.ServiceLogger) *traceLogWriter {
	return &traceLogWriter{logger: logger.With(loggingpkg.LogFields{"component": "call_trace"})}
}

func (w *traceLogWriter) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		w.logger.Info("API call", loggingpkg.LogFields{"record": line})
	}
	return len(p), nil
}
