// Package modcomm is the in-process communication backbone of a modular
// platform. Modules exchange messages over named channels, call each other
// through a registry of APIs, and publish events that other modules observe
// by wildcard pattern, all without leaving the process.
//
// Service hosts the pieces: CreateChannel, Publish and Subscribe drive the
// message bus; RegisterAPI and InvokeAPI run calls through schema validation,
// token checks, a middleware chain, retries with exponential backoff and a
// per-operation circuit breaker; PublishEvent and SubscribeEvent add named
// events with a bounded history. A minimal setup therefore involves filling
// Config, creating a Service, registering APIs and subscriptions, and calling
// Start to run the dispatcher.
//
// # Middleware
//
// The default API middleware chain assigns correlation IDs, logs calls, opens
// OpenTelemetry spans and recovers panics. RateLimitMiddleware and
// CallHooksMiddleware are available on top, and custom middleware can be
// added via ServiceDependencies.Middlewares or per API.
//
// # Observability
//
// Every publish, delivery, expiry, drop and API call feeds the metrics
// collector, which keeps in-memory snapshots and exports Prometheus series.
// Service.Status rolls the numbers up into healthy, warning or unhealthy and
// Service.AdminHandler serves them as JSON next to a /metrics endpoint.
//
// # Bridging
//
// NewForwarder republishes matching bus traffic to any Watermill publisher
// and NewIngress feeds Watermill topics into bus channels, so a gateway can
// connect the backbone to an external broker without the core depending on
// one.
package modcomm
