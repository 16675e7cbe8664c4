// Package retry runs a unit of work up to a bounded number of attempts with
// exponential backoff between them, stopping early on terminal errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// Operation is the unit of work being retried.
type Operation func(ctx context.Context) (any, error)

// Options configures an Executor.
type Options struct {
	config.RetryPolicyConfig

	// Classifier decides which errors are retried. Defaults to DefaultClassifier.
	Classifier Classifier
	// OnRetry runs before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
	Logger  logging.ServiceLogger
}

// Executor is immutable and safe for concurrent use.
type Executor struct {
	policy     config.RetryPolicyConfig
	classifier Classifier
	onRetry    func(attempt int, err error, delay time.Duration)
	logger     logging.ServiceLogger
}

// New builds an Executor, filling unset policy fields with defaults.
func New(opts Options) *Executor {
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	return &Executor{
		policy:     opts.RetryPolicyConfig.WithDefaults(),
		classifier: opts.Classifier,
		onRetry:    opts.OnRetry,
		logger:     logging.OrNop(opts.Logger).With(logging.LogFields{"component": "retry"}),
	}
}

// WithMaxAttempts returns a copy allowing n total attempts. Values below one
// keep the current policy.
func (e *Executor) WithMaxAttempts(n int) *Executor {
	if n < 1 || n == e.policy.MaxRetries {
		return e
	}
	cp := *e
	cp.policy.MaxRetries = n
	return &cp
}

// Policy returns the effective retry policy.
func (e *Executor) Policy() config.RetryPolicyConfig {
	return e.policy
}

// Delay returns the wait before attempt+1, i.e. BaseDelay *
// BackoffMultiplier^(attempt-1) capped at MaxDelay.
func (e *Executor) Delay(attempt int) time.Duration {
	d := float64(e.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= e.policy.BackoffMultiplier
		if d >= float64(e.policy.MaxDelay) {
			return e.policy.MaxDelay
		}
	}
	return min(time.Duration(d), e.policy.MaxDelay)
}

func (e *Executor) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          e.policy.BackoffMultiplier,
		MaxInterval:         e.policy.MaxDelay,
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a terminal error, or MaxRetries
// attempts have been made. There is no delay before the first attempt.
// Terminal errors are returned unchanged; exhausting attempts returns a
// RetryExhaustedError wrapping the last error.
func (e *Executor) Do(ctx context.Context, op Operation) (any, error) {
	attempts := 0
	result, err := backoff.Retry(ctx, func() (any, error) {
		attempts++
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if e.classifier(err) == Terminal {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(e.backOff()),
		backoff.WithMaxTries(uint(e.policy.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			e.logger.Debug("Retrying after failure", logging.LogFields{
				"attempt": attempts,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
			if e.onRetry != nil {
				e.onRetry(attempts, err, delay)
			}
		}),
	)
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}
	if e.classifier(err) == Terminal {
		return nil, err
	}
	return nil, &errspkg.RetryExhaustedError{Attempts: attempts, Err: err}
}
