// Package breaker keeps one circuit breaker per operation name. Each breaker
// wraps a sony/gobreaker state machine configured for a single half-open trial.
package breaker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc/panics"

	"github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/ring"
)

// State is the externally reported breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call is the unit of work guarded by a breaker.
type Call func(ctx context.Context) (any, error)

// FailureRecord is one entry of a breaker's failure history.
type FailureRecord struct {
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name                string          `json:"name"`
	State               State           `json:"state"`
	ConsecutiveFailures uint32          `json:"consecutive_failures"`
	TotalCalls          uint64          `json:"total_calls"`
	Successes           uint64          `json:"successes"`
	Failures            uint64          `json:"failures"`
	Rejected            uint64          `json:"rejected"`
	LastFailure         time.Time       `json:"last_failure,omitempty"`
	LastSuccess         time.Time       `json:"last_success,omitempty"`
	LastStateChange     time.Time       `json:"last_state_change,omitempty"`
	FailureHistory      []FailureRecord `json:"failure_history,omitempty"`
}

// Options configures a Registry.
type Options struct {
	config.CircuitBreakerConfig

	Logger logging.ServiceLogger
	// OnStateChange observes every transition, for example to export a gauge.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Registry creates breakers lazily, one per operation name.
type Registry struct {
	opts   Options
	logger logging.ServiceLogger

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// New builds an empty registry.
func New(opts Options) *Registry {
	opts.CircuitBreakerConfig = opts.CircuitBreakerConfig.WithDefaults()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).With(logging.LogFields{"component": "circuit_breaker"}),
		breakers: make(map[string]*breaker),
	}
}

type breaker struct {
	name string

	mu              sync.Mutex
	cb              *gobreaker.CircuitBreaker
	totalCalls      uint64
	successes       uint64
	failures        uint64
	rejected        uint64
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
	history         *ring.Buffer[FailureRecord]
}

func (r *Registry) get(name string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = &breaker{
		name:    name,
		history: ring.New[FailureRecord](r.opts.FailureHistory),
	}
	b.cb = r.newCircuit(b)
	r.breakers[name] = b
	return b
}

func (r *Registry) newCircuit(b *breaker) *gobreaker.CircuitBreaker {
	threshold := uint32(r.opts.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     r.opts.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.transition(b, fromGobreaker(from), fromGobreaker(to))
		},
	})
}

// transition runs inside gobreaker's own lock and must not call back into it.
func (r *Registry) transition(b *breaker, from, to State) {
	b.mu.Lock()
	b.lastStateChange = r.opts.Now()
	b.mu.Unlock()

	fields := logging.LogFields{
		"operation": b.name,
		"from":      from.String(),
		"to":        to.String(),
	}
	if to == StateOpen {
		fields["recovery_timeout"] = r.opts.RecoveryTimeout.String()
		r.logger.Error("Circuit breaker opened", errspkg.ErrCircuitOpen, fields)
	} else {
		r.logger.Info("Circuit breaker state changed", fields)
	}
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(b.name, from, to)
	}
}

// Execute runs call through the breaker for name. While the breaker is open,
// or while its half-open trial is in flight, call is not invoked and a
// CircuitOpenError is returned. A call exceeding CallTimeout counts as a
// failure; the abandoned work keeps running in the background.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := r.get(name)

	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	result, err := cb.Execute(func() (interface{}, error) {
		return r.run(ctx, call)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.mu.Lock()
		b.rejected++
		lastFailure := b.lastFailure
		b.mu.Unlock()
		return nil, &errspkg.CircuitOpenError{Operation: name, LastFailure: lastFailure}
	case err != nil:
		b.recordFailure(r.opts.Now(), err)
		return nil, err
	default:
		b.recordSuccess(r.opts.Now())
		return result, nil
	}
}

func (r *Registry) run(ctx context.Context, call Call) (any, error) {
	timeout := r.opts.CallTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		var (
			pc  panics.Catcher
			out outcome
		)
		pc.Try(func() {
			out.value, out.err = call(callCtx)
		})
		if recovered := pc.Recovered(); recovered != nil {
			out.err = recovered.AsError()
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", errspkg.ErrCallTimeout, timeout)
		}
		return nil, callCtx.Err()
	}
}

func (b *breaker) recordFailure(at time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.failures++
	b.lastFailure = at
	b.history.Push(FailureRecord{At: at, Error: err.Error()})
}

func (b *breaker) recordSuccess(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.successes++
	b.lastSuccess = at
}

func (b *breaker) stats(includeHistory bool) Stats {
	b.mu.Lock()
	cb := b.cb
	s := Stats{
		Name:            b.name,
		TotalCalls:      b.totalCalls,
		Successes:       b.successes,
		Failures:        b.failures,
		Rejected:        b.rejected,
		LastFailure:     b.lastFailure,
		LastSuccess:     b.lastSuccess,
		LastStateChange: b.lastStateChange,
	}
	if includeHistory {
		s.FailureHistory = b.history.Items()
	}
	b.mu.Unlock()

	// Reading State may move an expired open breaker to half-open, which
	// re-enters transition and therefore b.mu.
	s.State = fromGobreaker(cb.State())
	s.ConsecutiveFailures = cb.Counts().ConsecutiveFailures
	return s
}

// State reports the breaker for name.
func (r *Registry) State(name string, includeHistory bool) (Stats, error) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", errspkg.ErrBreakerNotFound, name)
	}
	return b.stats(includeHistory), nil
}

// States reports every breaker sorted by name.
func (r *Registry) States(includeHistory bool) []Stats {
	r.mu.RLock()
	all := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(all))
	for _, b := range all {
		out = append(out, b.stats(includeHistory))
	}
	slices.SortFunc(out, func(a, c Stats) int { return cmp.Compare(a.Name, c.Name) })
	return out
}

// OpenCount returns how many breakers currently reject traffic.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.States(false) {
		if s.State == StateOpen {
			n++
		}
	}
	return n
}

// Reset returns the breaker for name to Closed and clears its counters.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrBreakerNotFound, name)
	}
	r.reset(b)
	return nil
}

// ResetAll resets every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	for _, b := range all {
		r.reset(b)
	}
}

func (r *Registry) reset(b *breaker) {
	b.mu.Lock()
	old := b.cb
	b.mu.Unlock()
	previous := fromGobreaker(old.State())

	b.mu.Lock()
	b.cb = r.newCircuit(b)
	b.totalCalls, b.successes, b.failures, b.rejected = 0, 0, 0, 0
	b.lastFailure, b.lastSuccess = time.Time{}, time.Time{}
	b.history.Clear()
	b.mu.Unlock()

	if previous != StateClosed {
		r.transition(b, previous, StateClosed)
	}
	r.logger.Info("Circuit breaker reset", logging.LogFields{"operation": b.name})
}
