package api

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

type trail struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trail) add(step string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, step)
}

func (tr *trail) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

func tracing(tr *trail, name string, priority int) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     name,
		Priority: priority,
		Middleware: func(ic *InvocationContext, next Next) (any, error) {
			tr.add(name)
			return next(ic)
		},
	}
}

func TestMiddlewareOrderAndOverride(t *testing.T) {
	t.Parallel()

	tr := &trail{}
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.DisableDefaultMiddlewares = true
		o.Middlewares = []MiddlewareRegistration{
			tracing(tr, "audit", 30),
			tracing(tr, "auth_check", 10),
			tracing(tr, "metrics", 20),
		}
	})
	assert.Equal(t, []string{"auth_check", "metrics", "audit"}, reg.Middlewares())

	_, err := reg.Register(Registration{
		Module:    "Svc",
		Operation: "Op",
		Handler: func(context.Context, map[string]any) (any, error) {
			tr.add("handler")
			return nil, nil
		},
		Middlewares: []MiddlewareRegistration{
			tracing(tr, "local_b", 5),
			tracing(tr, "metrics", 99),
			tracing(tr, "local_a", 1),
		},
	})
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Svc", "Op", nil, InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"auth_check", "metrics", "audit", "local_a", "local_b", "handler"}, tr.get())
}

func TestMiddlewareShortCircuit(t *testing.T) {
	t.Parallel()

	reg, calls := newTestRegistry(t, nil)
	handlerCalled := false
	denied := errors.New("maintenance window")
	_, err := reg.Register(Registration{
		Module:    "Svc",
		Operation: "Op",
		Handler: func(context.Context, map[string]any) (any, error) {
			handlerCalled = true
			return nil, nil
		},
		Middlewares: []MiddlewareRegistration{{
			Name: "gate",
			Middleware: func(*InvocationContext, Next) (any, error) {
				return nil, denied
			},
		}},
	})
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Svc", "Op", nil, InvokeOptions{})
	require.ErrorIs(t, err, denied)
	assert.False(t, handlerCalled)
	require.Len(t, calls.all(), 1)
	assert.Zero(t, calls.all()[0].Attempts)
}

func TestUseReplacesByName(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t, nil)
	assert.Equal(t, []string{"correlation_id", "logging", "tracing", "recoverer"}, reg.Middlewares())

	tr := &trail{}
	require.NoError(t, reg.Use(tracing(tr, "logging", 20)))
	assert.Equal(t, []string{"correlation_id", "logging", "tracing", "recoverer"}, reg.Middlewares())

	err := reg.Use(MiddlewareRegistration{Name: "empty"})
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	err = reg.Use(MiddlewareRegistration{Middleware: func(ic *InvocationContext, next Next) (any, error) { return next(ic) }})
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)

	builderErr := errors.New("no sink")
	err = reg.Use(MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Registry) (MiddlewareFunc, error) { return nil, builderErr },
	})
	require.ErrorIs(t, err, builderErr)
}

func TestCorrelationIDPreserved(t *testing.T) {
	t.Parallel()

	reg, calls := newTestRegistry(t, nil)
	var seen string
	_, err := reg.Register(Registration{
		Module:    "Svc",
		Operation: "Op",
		Handler:   func(context.Context, map[string]any) (any, error) { return nil, nil },
		Middlewares: []MiddlewareRegistration{{
			Name: "observe",
			Middleware: func(ic *InvocationContext, next Next) (any, error) {
				seen = ic.CorrelationID
				return next(ic)
			},
		}},
	})
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Svc", "Op", nil, InvokeOptions{CorrelationID: "req-7"})
	require.NoError(t, err)
	assert.Equal(t, "req-7", seen)
	assert.Equal(t, "req-7", calls.all()[0].CorrelationID)
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Middlewares = []MiddlewareRegistration{RateLimitMiddleware(0, 2)}
	})
	handler := func(context.Context, map[string]any) (any, error) { return "ok", nil }
	for _, op := range []string{"A", "B"} {
		_, err := reg.Register(Registration{Module: "Svc", Operation: op, Handler: handler})
		require.NoError(t, err)
	}

	for range 2 {
		_, err := reg.Invoke(context.Background(), "Svc", "A", nil, InvokeOptions{})
		require.NoError(t, err)
	}
	_, err := reg.Invoke(context.Background(), "Svc", "A", nil, InvokeOptions{})
	require.ErrorIs(t, err, ErrRateLimited)
	require.ErrorIs(t, err, errspkg.ErrBusy)

	_, err = reg.Invoke(context.Background(), "Svc", "B", nil, InvokeOptions{})
	require.NoError(t, err)
}

func TestCallHooksMiddleware(t *testing.T) {
	t.Parallel()

	tr := &trail{}
	hooks := CallHooks{
		OnCallStart: func(cc CallContext) { tr.add("start:" + cc.Operation) },
	}.Merge(CallHooks{
		OnCallStart: func(CallContext) { tr.add("start:second") },
		OnCallDone:  func(cc CallContext) { tr.add("done:" + cc.Operation) },
		OnCallError: func(cc CallContext, err error) { tr.add("error:" + cc.Operation) },
	})

	reg, _ := newTestRegistry(t, func(o *Options) {
		o.Middlewares = []MiddlewareRegistration{CallHooksMiddleware(hooks)}
	})
	_, err := reg.Register(Registration{
		Module:    "Svc",
		Operation: "Good",
		Handler:   func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	_, err = reg.Register(Registration{
		Module:    "Svc",
		Operation: "Bad",
		Handler:   func(context.Context, map[string]any) (any, error) { return nil, errors.New("nope") },
	})
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "Svc", "Good", nil, InvokeOptions{})
	require.NoError(t, err)
	_, err = reg.Invoke(context.Background(), "Svc", "Bad", nil, InvokeOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{
		"start:Good", "start:second", "done:Good",
		"start:Bad", "start:second", "error:Bad",
	}, tr.get())
}

func TestCallHooksMergeNil(t *testing.T) {
	t.Parallel()

	called := 0
	merged := CallHooks{}.Merge(CallHooks{OnCallDone: func(CallContext) { called++ }})
	require.NotNil(t, merged.OnCallDone)
	assert.Nil(t, merged.OnCallStart)
	assert.Nil(t, merged.OnCallError)
	merged.OnCallDone(CallContext{})
	assert.Equal(t, 1, called)
}
