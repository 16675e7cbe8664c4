// Package api is the in-process RPC gateway: modules register named
// operations with a parameter schema and other modules invoke them through a
// shared pipeline of validation, authentication, middleware, retries and
// circuit breaking.
package api

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/modcomm/internal/runtime/auth"
	"github.com/drblury/modcomm/internal/runtime/breaker"
	"github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/ids"
	"github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/metrics"
	"github.com/drblury/modcomm/internal/runtime/retry"
)

const tracerName = "github.com/drblury/modcomm/api"

// Handler implements one API operation.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Registration describes an API to register.
type Registration struct {
	Module    string
	Operation string
	Handler   Handler
	Schema    Schema
	// RequiresAuth makes every invocation present a valid token.
	RequiresAuth   bool
	RequiredScopes []string
	// Middlewares apply to this API only. One named like a global middleware
	// replaces it in place.
	Middlewares []MiddlewareRegistration
	Description string
}

// RegistrationInfo is the introspection view of a registered API.
type RegistrationInfo struct {
	Module         string    `json:"module"`
	Operation      string    `json:"operation"`
	Description    string    `json:"description,omitempty"`
	Schema         Schema    `json:"schema"`
	RequiresAuth   bool      `json:"requires_auth"`
	RequiredScopes []string  `json:"required_scopes,omitempty"`
	Middlewares    []string  `json:"middlewares,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Key returns the "Module.Operation" identifier.
func (i RegistrationInfo) Key() string {
	return Key(i.Module, i.Operation)
}

// Key joins module and operation the way breakers and metrics name an API.
func Key(module, operation string) string {
	return module + "." + operation
}

// InvokeOptions tunes a single invocation.
type InvokeOptions struct {
	// Timeout bounds the whole invocation. Zero uses the registry default.
	Timeout time.Duration
	// RetryAttempts overrides the retry policy's total attempts when positive.
	RetryAttempts int
	AuthToken     string
	CorrelationID string
	Metadata      map[string]string
	// Async makes Invoke return the *Invocation handle immediately.
	Async bool
}

// InvocationContext travels through the middleware chain.
type InvocationContext struct {
	Context       context.Context
	Module        string
	Operation     string
	Params        map[string]any
	CorrelationID string
	// Principal is set when the API requires authentication.
	Principal *auth.Token
	StartedAt time.Time
	Metadata  map[string]string
	Async     bool
}

// Key returns the "Module.Operation" identifier.
func (ic *InvocationContext) Key() string {
	return Key(ic.Module, ic.Operation)
}

// CallRecorder receives one record per completed invocation.
type CallRecorder interface {
	RecordCall(metrics.CallRecord)
}

type nopCallRecorder struct{}

func (nopCallRecorder) RecordCall(metrics.CallRecord) {}

// Options configures a Registry.
type Options struct {
	InvokeTimeout time.Duration
	Breakers      *breaker.Registry
	Retry         *retry.Executor
	Auth          *auth.Store
	Recorder      CallRecorder
	Logger        logging.ServiceLogger
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
	// Middlewares are installed after the defaults.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	Now                       func() time.Time
}

type entry struct {
	reg    Registration
	info   RegistrationInfo
	locals []resolvedMiddleware
}

// Registry holds registered APIs and runs invocations.
type Registry struct {
	opts   Options
	logger logging.ServiceLogger
	tracer trace.Tracer

	mu      sync.RWMutex
	apis    map[string]*entry
	globals []resolvedMiddleware

	inflight atomic.Int64
}

// New builds a Registry. Missing collaborators are created with defaults.
func New(opts Options) (*Registry, error) {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = config.DefaultInvokeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = nopCallRecorder{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	logger := logging.OrNop(opts.Logger)
	if opts.Breakers == nil {
		opts.Breakers = breaker.New(breaker.Options{Logger: logger})
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Options{Logger: logger})
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewStore(auth.Options{Logger: logger, Now: opts.Now})
	}

	r := &Registry{
		opts:   opts,
		logger: logger.With(logging.LogFields{"component": "api"}),
		tracer: opts.TracerProvider.Tracer(tracerName),
		apis:   make(map[string]*entry),
	}

	var regs []MiddlewareRegistration
	if !opts.DisableDefaultMiddlewares {
		regs = append(regs, DefaultMiddlewares()...)
	}
	regs = append(regs, opts.Middlewares...)
	if err := r.Use(regs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Logger returns the registry logger.
func (r *Registry) Logger() logging.ServiceLogger {
	return r.logger
}

// Tracer returns the tracer used by TracingMiddleware.
func (r *Registry) Tracer() trace.Tracer {
	return r.tracer
}

// Auth returns the token store guarding authenticated APIs.
func (r *Registry) Auth() *auth.Store {
	return r.opts.Auth
}

// Breakers returns the circuit breaker registry guarding handlers.
func (r *Registry) Breakers() *breaker.Registry {
	return r.opts.Breakers
}

// InFlight returns the number of invocations currently running.
func (r *Registry) InFlight() int {
	return int(r.inflight.Load())
}

// Use installs global middlewares. A middleware with an existing name
// replaces the previous one.
func (r *Registry) Use(regs ...MiddlewareRegistration) error {
	resolved := make([]resolvedMiddleware, 0, len(regs))
	for _, reg := range regs {
		mw, err := r.resolve(reg)
		if err != nil {
			return err
		}
		resolved = append(resolved, mw)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	globals := slices.Clone(r.globals)
	for _, mw := range resolved {
		idx := slices.IndexFunc(globals, func(g resolvedMiddleware) bool { return g.name == mw.name })
		if idx >= 0 {
			globals[idx] = mw
			continue
		}
		globals = append(globals, mw)
	}
	slices.SortStableFunc(globals, byPriority)
	r.globals = globals
	return nil
}

// Middlewares returns the names of the global chain in execution order.
func (r *Registry) Middlewares() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.globals))
	for i, mw := range r.globals {
		names[i] = mw.name
	}
	return names
}

// Register adds an API. Registering the same module and operation twice
// fails with ErrDuplicateAPI.
func (r *Registry) Register(reg Registration) (RegistrationInfo, error) {
	reg.Module = strings.TrimSpace(reg.Module)
	reg.Operation = strings.TrimSpace(reg.Operation)
	if reg.Module == "" || reg.Operation == "" {
		return RegistrationInfo{}, fmt.Errorf("%w: module and operation are required", errspkg.ErrInvalidArgument)
	}
	if reg.Handler == nil {
		return RegistrationInfo{}, errspkg.ErrHandlerRequired
	}
	if err := reg.Schema.Validate(); err != nil {
		return RegistrationInfo{}, err
	}

	locals := make([]resolvedMiddleware, 0, len(reg.Middlewares))
	for _, mr := range reg.Middlewares {
		mw, err := r.resolve(mr)
		if err != nil {
			return RegistrationInfo{}, err
		}
		locals = append(locals, mw)
	}

	info := RegistrationInfo{
		Module:         reg.Module,
		Operation:      reg.Operation,
		Description:    reg.Description,
		Schema:         slices.Clone(reg.Schema),
		RequiresAuth:   reg.RequiresAuth,
		RequiredScopes: slices.Clone(reg.RequiredScopes),
		RegisteredAt:   r.opts.Now(),
	}
	for _, mw := range locals {
		info.Middlewares = append(info.Middlewares, mw.name)
	}

	key := info.Key()
	r.mu.Lock()
	if _, exists := r.apis[key]; exists {
		r.mu.Unlock()
		return RegistrationInfo{}, fmt.Errorf("%w: %s", errspkg.ErrDuplicateAPI, key)
	}
	r.apis[key] = &entry{reg: reg, info: info, locals: locals}
	r.mu.Unlock()

	r.logger.Info("API registered", logging.LogFields{
		"api":           key,
		"requires_auth": reg.RequiresAuth,
		"parameters":    len(reg.Schema),
	})
	return info, nil
}

// Unregister removes an API. In-flight invocations finish normally.
func (r *Registry) Unregister(module, operation string) error {
	key := Key(module, operation)
	r.mu.Lock()
	_, ok := r.apis[key]
	delete(r.apis, key)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrAPINotFound, key)
	}
	r.logger.Info("API unregistered", logging.LogFields{"api": key})
	return nil
}

// APIs lists registered APIs sorted by key.
func (r *Registry) APIs() []RegistrationInfo {
	r.mu.RLock()
	out := make([]RegistrationInfo, 0, len(r.apis))
	for _, e := range r.apis {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b RegistrationInfo) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

// Lookup returns the registration info for module and operation.
func (r *Registry) Lookup(module, operation string) (RegistrationInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apis[Key(module, operation)]
	if !ok {
		return RegistrationInfo{}, false
	}
	return e.info, true
}

func (r *Registry) lookup(key string) (*entry, []resolvedMiddleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apis[key]
	if !ok {
		return nil, nil, false
	}
	return e, r.globals, true
}

// Invoke calls an API and waits for the result. With opts.Async set it
// returns the *Invocation handle instead of waiting.
//
// The wait never outlasts the effective timeout, even when middleware or the
// handler ignore their context. The abandoned call keeps running and still
// records its metrics when it finishes.
func (r *Registry) Invoke(ctx context.Context, module, operation string, params map[string]any, opts InvokeOptions) (any, error) {
	inv := r.InvokeAsync(ctx, module, operation, params, opts)
	if opts.Async {
		return inv, nil
	}

	timeout := r.effectiveTimeout(opts)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-inv.Done():
		return inv.Wait(ctx)
	case <-waitCtx.Done():
	}
	if isDone(inv) {
		return inv.Wait(context.Background())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, &errspkg.APIInvocationError{
		Module:    module,
		Operation: operation,
		Err:       fmt.Errorf("%w after %s", errspkg.ErrCallTimeout, timeout),
	}
}

func (r *Registry) effectiveTimeout(opts InvokeOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return r.opts.InvokeTimeout
}

func isDone(inv *Invocation) bool {
	select {
	case <-inv.Done():
		return true
	default:
		return false
	}
}

// InvokeAsync starts an invocation and returns immediately. The invocation
// is bound to ctx and to the effective timeout.
func (r *Registry) InvokeAsync(ctx context.Context, module, operation string, params map[string]any, opts InvokeOptions) *Invocation {
	timeout := r.effectiveTimeout(opts)
	invCtx, cancel := context.WithTimeout(ctx, timeout)

	inv := newInvocation(ids.CreateULID(), Key(module, operation), r.opts.Now())
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Add(-1)
		defer cancel()
		inv.start()

		var (
			pc     panics.Catcher
			result any
			err    error
		)
		pc.Try(func() {
			result, err = r.execute(invCtx, ctx, timeout, module, operation, params, opts, inv.createdAt)
		})
		if recovered := pc.Recovered(); recovered != nil {
			r.logger.Error("API invocation panicked", recovered.AsError(), logging.LogFields{"api": inv.key})
			result, err = nil, &errspkg.APIInvocationError{Module: module, Operation: operation, Err: recovered.AsError()}
		}
		inv.finish(result, err, r.opts.Now())
	}()
	return inv
}

func (r *Registry) execute(ctx, parent context.Context, timeout time.Duration, module, operation string, params map[string]any, opts InvokeOptions, startedAt time.Time) (result any, err error) {
	key := Key(module, operation)
	e, globals, ok := r.lookup(key)
	if !ok {
		r.logger.Debug("API not found", logging.LogFields{"api": key})
		return nil, fmt.Errorf("%w: %s", errspkg.ErrAPINotFound, key)
	}

	ic := &InvocationContext{
		Context:       ctx,
		Module:        e.info.Module,
		Operation:     e.info.Operation,
		CorrelationID: opts.CorrelationID,
		StartedAt:     startedAt,
		Metadata:      maps.Clone(opts.Metadata),
		Async:         opts.Async,
	}
	if ic.Metadata == nil {
		ic.Metadata = map[string]string{}
	}

	var attempts atomic.Int64
	defer func() {
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				err = fmt.Errorf("%w after %s: %w", errspkg.ErrCallTimeout, timeout, err)
			}
			err = &errspkg.APIInvocationError{Module: ic.Module, Operation: ic.Operation, Err: err}
		}
		rec := metrics.CallRecord{
			ID:            ids.CreateULID(),
			Operation:     key,
			CorrelationID: ic.CorrelationID,
			StartedAt:     startedAt,
			Duration:      r.opts.Now().Sub(startedAt),
			Attempts:      int(attempts.Load()),
			Success:       err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		r.opts.Recorder.RecordCall(rec)
	}()

	if ic.Params, err = e.reg.Schema.Apply(params); err != nil {
		return nil, err
	}
	if e.reg.RequiresAuth {
		tok, authErr := r.opts.Auth.Validate(opts.AuthToken, e.reg.RequiredScopes)
		if authErr != nil {
			r.logger.Info("API call rejected", logging.LogFields{"api": key, "reason": authErr.Error()})
			return nil, authErr
		}
		ic.Principal = &tok
	}

	exec := r.opts.Retry.WithMaxAttempts(opts.RetryAttempts)
	terminal := func(ic *InvocationContext) (any, error) {
		return exec.Do(ic.Context, func(ctx context.Context) (any, error) {
			attempts.Add(1)
			return r.opts.Breakers.Execute(ctx, key, func(ctx context.Context) (any, error) {
				return e.reg.Handler(ctx, ic.Params)
			})
		})
	}
	return runChain(composeChain(globals, e.locals), ic, terminal)
}
