package api

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/ids"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// Next continues the middleware chain.
type Next func(ic *InvocationContext) (any, error)

// MiddlewareFunc wraps one invocation. It may short-circuit by returning
// without calling next.
type MiddlewareFunc func(ic *InvocationContext, next Next) (any, error)

// MiddlewareBuilder constructs a middleware using the registry it is attached to.
type MiddlewareBuilder func(*Registry) (MiddlewareFunc, error)

// MiddlewareRegistration captures how a middleware is attached to the
// invocation pipeline. Lower priorities run first (outermost).
type MiddlewareRegistration struct {
	Name       string
	Priority   int
	Middleware MiddlewareFunc
	Builder    MiddlewareBuilder
}

// Built-in middleware priorities.
const (
	PriorityCorrelationID = 10
	PriorityLogging       = 20
	PriorityTracing       = 30
	PriorityRecoverer     = 40
	PriorityRateLimit     = 50
	PriorityCallHooks     = 60
)

type resolvedMiddleware struct {
	name     string
	priority int
	fn       MiddlewareFunc
}

func (r *Registry) resolve(reg MiddlewareRegistration) (resolvedMiddleware, error) {
	if reg.Name == "" {
		return resolvedMiddleware{}, fmt.Errorf("%w: middleware name is required", errspkg.ErrInvalidArgument)
	}
	fn := reg.Middleware
	if fn == nil {
		if reg.Builder == nil {
			return resolvedMiddleware{}, fmt.Errorf("%w: middleware %q requires Middleware or Builder", errspkg.ErrInvalidArgument, reg.Name)
		}
		var err error
		if fn, err = reg.Builder(r); err != nil {
			return resolvedMiddleware{}, fmt.Errorf("build middleware %q: %w", reg.Name, err)
		}
		if fn == nil {
			return resolvedMiddleware{}, fmt.Errorf("%w: middleware %q builder returned nil", errspkg.ErrInvalidArgument, reg.Name)
		}
	}
	return resolvedMiddleware{name: reg.Name, priority: reg.Priority, fn: fn}, nil
}

func byPriority(a, b resolvedMiddleware) int {
	return cmp.Compare(a.priority, b.priority)
}

// composeChain orders globals by priority, lets a local middleware take the
// slot of a global with the same name, and appends remaining locals after.
func composeChain(globals, locals []resolvedMiddleware) []resolvedMiddleware {
	if len(locals) == 0 {
		return globals
	}
	overrides := make(map[string]resolvedMiddleware, len(locals))
	for _, l := range locals {
		overrides[l.name] = l
	}

	chain := make([]resolvedMiddleware, 0, len(globals)+len(locals))
	used := make(map[string]bool, len(locals))
	for _, g := range globals {
		if l, ok := overrides[g.name]; ok {
			chain = append(chain, l)
			used[g.name] = true
			continue
		}
		chain = append(chain, g)
	}

	extras := make([]resolvedMiddleware, 0, len(locals))
	for _, l := range locals {
		if !used[l.name] {
			extras = append(extras, l)
		}
	}
	slices.SortStableFunc(extras, byPriority)
	return append(chain, extras...)
}

func runChain(chain []resolvedMiddleware, ic *InvocationContext, terminal Next) (any, error) {
	next := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		mw, inner := chain[i], next
		next = func(ic *InvocationContext) (any, error) {
			return mw.fn(ic, inner)
		}
	}
	return next(ic)
}

// DefaultMiddlewares returns the chain installed unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LoggingMiddleware(nil),
		TracingMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware assigns a ULID correlation id when the caller did not supply one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "correlation_id",
		Priority: PriorityCorrelationID,
		Middleware: func(ic *InvocationContext, next Next) (any, error) {
			if ic.CorrelationID == "" {
				ic.CorrelationID = ids.CreateULID()
			}
			return next(ic)
		},
	}
}

// LoggingMiddleware logs every invocation outcome. A nil logger uses the registry logger.
func LoggingMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "logging",
		Priority: PriorityLogging,
		Builder: func(r *Registry) (MiddlewareFunc, error) {
			log := logger
			if log == nil {
				log = r.Logger()
			}
			return func(ic *InvocationContext, next Next) (any, error) {
				fields := logging.LogFields{
					"api":            ic.Key(),
					"correlation_id": ic.CorrelationID,
				}
				log.Debug("Invoking API", fields)

				started := time.Now()
				result, err := next(ic)
				fields["duration"] = time.Since(started).String()
				if err != nil {
					log.Error("API invocation failed", err, fields)
					return result, err
				}
				log.Info("API invocation completed", fields)
				return result, nil
			}, nil
		},
	}
}

// TracingMiddleware wraps the invocation in an OpenTelemetry span.
func TracingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "tracing",
		Priority: PriorityTracing,
		Builder: func(r *Registry) (MiddlewareFunc, error) {
			tracer := r.Tracer()
			return func(ic *InvocationContext, next Next) (any, error) {
				ctx, span := tracer.Start(ic.Context, ic.Key(),
					trace.WithSpanKind(trace.SpanKindInternal),
					trace.WithAttributes(
						attribute.String("modcomm.module", ic.Module),
						attribute.String("modcomm.operation", ic.Operation),
						attribute.String("modcomm.correlation_id", ic.CorrelationID),
						attribute.Bool("modcomm.async", ic.Async),
					))
				defer span.End()

				ic.Context = ctx
				result, err := next(ic)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return result, err
			}, nil
		},
	}
}

// RecovererMiddleware converts a panic further down the chain into an error.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "recoverer",
		Priority: PriorityRecoverer,
		Middleware: func(ic *InvocationContext, next Next) (result any, err error) {
			var pc panics.Catcher
			pc.Try(func() {
				result, err = next(ic)
			})
			if recovered := pc.Recovered(); recovered != nil {
				return nil, recovered.AsError()
			}
			return result, err
		},
	}
}

// ErrRateLimited is returned when RateLimitMiddleware rejects a call.
var ErrRateLimited = fmt.Errorf("%w: rate limit exceeded", errspkg.ErrBusy)

// RateLimitMiddleware allows at most limit calls per second per API, with
// the given burst. Rejected calls fail with ErrRateLimited.
func RateLimitMiddleware(limit rate.Limit, burst int) MiddlewareRegistration {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(limit, burst)
			limiters[key] = l
		}
		return l
	}

	return MiddlewareRegistration{
		Name:     "rate_limit",
		Priority: PriorityRateLimit,
		Middleware: func(ic *InvocationContext, next Next) (any, error) {
			if !limiterFor(ic.Key()).Allow() {
				return nil, ErrRateLimited
			}
			return next(ic)
		},
	}
}

// CallContext is handed to CallHooks.
type CallContext struct {
	Module        string
	Operation     string
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set for OnCallDone and OnCallError.
	Duration time.Duration
}

// CallHooks observes the invocation lifecycle. Nil hooks are skipped.
type CallHooks struct {
	OnCallStart func(CallContext)
	OnCallDone  func(CallContext)
	OnCallError func(CallContext, error)
}

// Merge returns hooks that call h first and other second.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(cc CallContext) {
		a(cc)
		b(cc)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(cc CallContext, err error) {
		a(cc, err)
		b(cc, err)
	}
}

// CallHooksMiddleware runs hooks around each invocation.
func CallHooksMiddleware(hooks CallHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "call_hooks",
		Priority: PriorityCallHooks,
		Middleware: func(ic *InvocationContext, next Next) (any, error) {
			cc := CallContext{
				Module:        ic.Module,
				Operation:     ic.Operation,
				CorrelationID: ic.CorrelationID,
				Context:       ic.Context,
				StartedAt:     time.Now(),
			}
			if hooks.OnCallStart != nil {
				hooks.OnCallStart(cc)
			}

			result, err := next(ic)
			cc.Duration = time.Since(cc.StartedAt)
			switch {
			case err != nil && hooks.OnCallError != nil:
				hooks.OnCallError(cc, err)
			case err == nil && hooks.OnCallDone != nil:
				hooks.OnCallDone(cc)
			}
			return result, err
		},
	}
}
