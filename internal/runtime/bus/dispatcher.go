package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// Run drives dispatch passes every Interval until ctx is cancelled. Only one
// Run loop may be active per bus.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errspkg.ErrDispatcherRunning
	}
	defer b.running.Store(false)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.logger.Info("Dispatcher started", logging.LogFields{
		"interval": b.opts.Interval.String(),
		"workers":  b.opts.Workers,
	})
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Dispatcher stopped", nil)
			return ctx.Err()
		case <-ticker.C:
			b.ProcessPending(ctx)
		}
	}
}

// Running reports whether a Run loop is active.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// ProcessPending performs one dispatch pass over every channel and returns the
// number of messages taken off the queues. Channels are drained concurrently,
// each channel's messages strictly in order.
func (b *Bus) ProcessPending(ctx context.Context) int {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	chans := b.snapshotChannels()
	if len(chans) == 0 {
		return 0
	}

	var processed atomic.Int64
	p := pool.New().WithMaxGoroutines(b.opts.Workers)
	for _, ch := range chans {
		p.Go(func() {
			processed.Add(int64(b.drainChannel(ctx, ch)))
		})
	}
	p.Wait()
	return int(processed.Load())
}

func (b *Bus) drainChannel(ctx context.Context, ch *channel) int {
	pending := ch.drain()
	for _, env := range pending {
		b.dispatch(ctx, env)
	}
	return len(pending)
}

func (b *Bus) dispatch(ctx context.Context, env Envelope) {
	if env.Expired(b.opts.Now()) {
		b.opts.Recorder.MessageExpired(env.Channel)
		b.inst.add(ctx, b.inst.expired, env.Channel)
		b.logger.Debug("Message expired before delivery", logging.LogFields{
			"channel":    env.Channel,
			"message_id": env.ID,
			"type":       env.Type,
		})
		return
	}

	subs := b.subs.match(env)
	b.inst.recordFanout(ctx, env.Channel, len(subs))

	delivered, failed := 0, 0
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		ok, err := b.deliver(ctx, sub, env)
		if err != nil {
			failed++
			b.handlerFailed(ctx, sub, env, err)
			continue
		}
		if ok {
			delivered++
			b.opts.Recorder.MessageDelivered(env.Channel)
			b.inst.add(ctx, b.inst.delivered, env.Channel)
		}
	}

	if delivered == 0 && failed == 0 {
		b.opts.Recorder.MessageDropped(env.Channel, DropNoSubscribers)
		b.inst.add(ctx, b.inst.dropped, env.Channel, attribute.String("reason", DropNoSubscribers))
	}
}

// deliver applies the subscription filter and invokes the handler. Panics in
// either are converted to errors so one subscriber never affects another.
func (b *Bus) deliver(ctx context.Context, sub *subscription, env Envelope) (bool, error) {
	invoked := false
	err := catch(func() error {
		if sub.filter != nil && !sub.filter(env) {
			return nil
		}
		// Unsubscribe may have returned while the filter ran.
		if !sub.active.Load() {
			return nil
		}
		invoked = true
		return sub.handler(ctx, env)
	})
	return invoked, err
}

func (b *Bus) handlerFailed(ctx context.Context, sub *subscription, env Envelope, err error) {
	herr := &errspkg.HandlerError{
		SubscriptionID: sub.id,
		Channel:        env.Channel,
		MessageID:      env.ID,
		MessageType:    env.Type,
		Err:            err,
	}
	b.opts.Recorder.HandlerFailed(env.Channel)
	b.inst.add(ctx, b.inst.handlerErrors, env.Channel)
	b.logger.Error("Message handler failed", herr, logging.LogFields{
		"channel":         env.Channel,
		"message_id":      env.ID,
		"type":            env.Type,
		"subscription_id": sub.id,
		"module":          sub.module,
	})
}

func catch(fn func() error) error {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() {
		err = fn()
	})
	if recovered := pc.Recovered(); recovered != nil {
		return recovered.AsError()
	}
	return err
}
