package api

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of an Invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Invocation is the handle of an API call running in the background.
type Invocation struct {
	id        string
	key       string
	createdAt time.Time
	done      chan struct{}

	mu         sync.Mutex
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	result     any
	err        error
}

func newInvocation(id, key string, now time.Time) *Invocation {
	return &Invocation{
		id:        id,
		key:       key,
		createdAt: now,
		startedAt: now,
		done:      make(chan struct{}),
		status:    StatusPending,
	}
}

func (i *Invocation) start() {
	i.mu.Lock()
	i.status = StatusRunning
	i.mu.Unlock()
}

func (i *Invocation) finish(result any, err error, at time.Time) {
	i.mu.Lock()
	i.result, i.err, i.finishedAt = result, err, at
	if err != nil {
		i.status = StatusFailed
	} else {
		i.status = StatusSucceeded
	}
	i.mu.Unlock()
	close(i.done)
}

// ID identifies the invocation.
func (i *Invocation) ID() string { return i.id }

// API returns the "Module.Operation" being invoked.
func (i *Invocation) API() string { return i.key }

// Done is closed once the invocation has finished.
func (i *Invocation) Done() <-chan struct{} { return i.done }

// Wait blocks until the invocation finishes or ctx is done. Abandoning the
// wait does not cancel the invocation.
func (i *Invocation) Wait(ctx context.Context) (any, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.result, i.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the outcome without blocking. done is false while running.
func (i *Invocation) Poll() (result any, done bool, err error) {
	select {
	case <-i.done:
	default:
		return nil, false, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, true, i.err
}

// Status reports the current lifecycle state.
func (i *Invocation) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Duration is the time from start to finish, or zero while running.
func (i *Invocation) Duration() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finishedAt.IsZero() {
		return 0
	}
	return i.finishedAt.Sub(i.startedAt)
}
