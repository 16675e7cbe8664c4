/*
Package runtime provides the in-process communication core for modcomm.

# Architecture Overview

Modules talk to each other through three surfaces that share one set of
fault tolerance and observability plumbing: a channel-scoped message bus, an
API registry acting as an internal RPC gateway, and an event system layered
on the bus. Service is the composition root that wires them together.

# Package Structure

## Core Service (service.go)

The Service struct owns and wires:
  - Message bus and dispatcher (bus)
  - API registry with its middleware chain (api)
  - Circuit breakers and retry executor (breaker, retry)
  - Token store used by the authentication gate (auth)
  - Event system with bounded history (events)
  - Metrics collector shared by the bus and the API registry (metrics)

Breaker transitions update the Prometheus gauge and are published as
CircuitBreaker.StateChanged events on the system channel.

## Administration (admin.go, health.go, resources.go)

Introspection and control for operators:
  - Channels, subscriptions, APIs and breaker state
  - Metrics snapshot, reset and call tracing
  - Token issuance and revocation
  - Health rollup (healthy, warning, unhealthy) with resource usage
  - AdminHandler, a mountable http.Handler with a /metrics endpoint

# Sub-packages

  - api/: API registry, parameter schemas, middleware and async invocations
  - auth/: Opaque API tokens with scopes and expiry
  - breaker/: Per-operation circuit breakers on sony/gobreaker
  - bridge/: Watermill forwarder and ingress, JSON and CloudEvents codecs
  - bus/: Channels, subscriptions, priority queues and the dispatcher
  - config/: Configuration with defaults, validation, YAML and env loading
  - errors/: Sentinel errors and typed error wrappers
  - events/: Named events, broadcast and history
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling on bytedance/sonic
  - logging/: Logger interface and adapters
  - metrics/: Counters, latency windows, call history and Prometheus export
  - retry/: Exponential backoff executor with error classification
  - ring/: Fixed-capacity ring buffer

# Usage Example

	svc := modcomm.NewService(&modcomm.Config{}, logger, modcomm.ServiceDependencies{})

	_, _ = svc.RegisterAPI(modcomm.APIRegistration{
		Module:    "Svc",
		Operation: "Echo",
		Schema:    modcomm.Schema{{Name: "text", Type: modcomm.TypeString, Required: true}},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"echo": params["text"]}, nil
		},
	})

	go svc.Start(ctx)

	res, err := svc.InvokeAPI(ctx, "Svc", "Echo", map[string]any{"text": "hi"}, modcomm.InvokeOptions{})
*/
package runtime
