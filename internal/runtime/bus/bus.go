// Package bus implements the named, bounded, priority-ordered channels that
// modules publish to, together with the subscription registry and the
// dispatcher that drains queues into handlers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/ids"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// Options configures a Bus. Zero values fall back to the package defaults.
type Options struct {
	// DefaultCapacity bounds channels created without an explicit capacity.
	DefaultCapacity int
	// Interval is the dispatcher tick used by Run.
	Interval time.Duration
	// Workers caps how many channels are drained concurrently per tick.
	Workers int

	Logger        logging.ServiceLogger
	Recorder      Recorder
	MeterProvider metric.MeterProvider
	// Now overrides the clock used for timestamps and TTL checks.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultCapacity <= 0 {
		o.DefaultCapacity = config.DefaultMaxMessageQueueSize
	}
	if o.Interval <= 0 {
		o.Interval = config.DefaultProcessorInterval
	}
	if o.Workers <= 0 {
		o.Workers = config.DefaultDispatchWorkers
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Bus owns the channel registry and subscription registry.
type Bus struct {
	opts   Options
	logger logging.ServiceLogger
	inst   instruments

	chMu     sync.RWMutex
	channels map[string]*channel

	subs *subscriptionRegistry

	dispatchMu sync.Mutex
	running    atomic.Bool
}

// New builds an empty bus.
func New(opts Options) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		opts:     opts,
		logger:   opts.Logger.With(logging.LogFields{"component": "bus"}),
		inst:     newInstruments(opts.MeterProvider),
		channels: make(map[string]*channel),
		subs:     newSubscriptionRegistry(),
	}
}

// CreateChannel registers a named queue. A capacity of zero or less uses the
// bus default.
func (b *Bus) CreateChannel(name string, capacity int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errspkg.ErrChannelRequired
	}
	if capacity <= 0 {
		capacity = b.opts.DefaultCapacity
	}

	b.chMu.Lock()
	defer b.chMu.Unlock()

	if _, exists := b.channels[name]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateChannel, name)
	}
	b.channels[name] = newChannel(name, capacity, b.opts.Now())
	b.logger.Debug("Channel created", logging.LogFields{"channel": name, "capacity": capacity})
	return nil
}

// EnsureChannel creates the channel unless it already exists.
func (b *Bus) EnsureChannel(name string, capacity int) error {
	err := b.CreateChannel(name, capacity)
	if errors.Is(err, errspkg.ErrDuplicateChannel) {
		return nil
	}
	return err
}

// HasChannel reports whether name is registered.
func (b *Bus) HasChannel(name string) bool {
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	_, ok := b.channels[name]
	return ok
}

// RemoveChannel unregisters a channel. Without force it refuses while
// subscriptions exist. With force, pending messages are dropped, every
// subscription on the channel is removed and its OnClose callback runs.
func (b *Bus) RemoveChannel(name string, force bool) error {
	b.chMu.Lock()
	ch, ok := b.channels[name]
	if !ok {
		b.chMu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrChannelNotFound, name)
	}
	if subscribers := b.subs.count(name); subscribers > 0 && !force {
		b.chMu.Unlock()
		return fmt.Errorf("%w: %s has %d", errspkg.ErrChannelInUse, name, subscribers)
	}
	delete(b.channels, name)
	b.chMu.Unlock()

	ctx := context.Background()
	pending := ch.close()
	for range pending {
		b.opts.Recorder.MessageDropped(name, DropChannelClosed)
		b.inst.add(ctx, b.inst.dropped, name, attribute.String("reason", DropChannelClosed))
	}

	removed := b.subs.removeChannel(name)
	for _, sub := range removed {
		b.notifyClose(sub)
	}

	b.logger.Info("Channel removed", logging.LogFields{
		"channel":       name,
		"forced":        force,
		"dropped":       len(pending),
		"subscriptions": len(removed),
	})
	return nil
}

func (b *Bus) notifyClose(sub *subscription) {
	if sub.onClose == nil {
		return
	}
	if err := catch(func() error {
		sub.onClose(sub.channel)
		return nil
	}); err != nil {
		b.logger.Error("OnClose callback failed", err, logging.LogFields{
			"channel":         sub.channel,
			"subscription_id": sub.id,
		})
	}
}

// Publish enqueues a message and returns its id. Delivery happens on a later
// dispatch pass, never inside Publish.
func (b *Bus) Publish(ctx context.Context, channelName, messageType string, payload any, opts ...PublishOption) (string, error) {
	if channelName == "" {
		return "", errspkg.ErrChannelRequired
	}
	if messageType == "" {
		return "", errspkg.ErrMessageTypeRequired
	}

	o := publishOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.valid() {
		return "", fmt.Errorf("%w: priority %d", errspkg.ErrInvalidArgument, int(o.priority))
	}

	b.chMu.RLock()
	ch := b.channels[channelName]
	b.chMu.RUnlock()
	if ch == nil {
		return "", fmt.Errorf("%w: %s", errspkg.ErrChannelNotFound, channelName)
	}

	now := b.opts.Now()
	env := Envelope{
		ID:            ids.CreateULIDAt(now),
		Channel:       channelName,
		Type:          messageType,
		Payload:       payload,
		Source:        o.source,
		Priority:      o.priority,
		CorrelationID: o.correlationID,
		CreatedAt:     now,
	}
	switch {
	case o.ttl > 0:
		env.ExpiresAt = now.Add(o.ttl)
	case !o.expiresAt.IsZero():
		env.ExpiresAt = o.expiresAt
	}

	depth, err := ch.enqueue(env)
	if err != nil {
		if errors.Is(err, errspkg.ErrQueueFull) {
			b.opts.Recorder.MessageDropped(channelName, DropQueueFull)
			b.inst.add(ctx, b.inst.dropped, channelName, attribute.String("reason", DropQueueFull))
			return "", fmt.Errorf("%w: %s (capacity %d)", err, channelName, ch.capacity)
		}
		return "", fmt.Errorf("%w: %s", err, channelName)
	}

	b.opts.Recorder.MessagePublished(channelName, depth)
	b.inst.add(ctx, b.inst.published, channelName, attribute.String("priority", env.Priority.String()))
	return env.ID, nil
}

// Send is Publish under the name some callers use for point-to-point traffic.
// It has identical semantics.
func (b *Bus) Send(ctx context.Context, channelName, messageType string, payload any, opts ...PublishOption) (string, error) {
	return b.Publish(ctx, channelName, messageType, payload, opts...)
}

// Subscribe registers handler for messages on channelName whose type matches
// pattern. An empty pattern subscribes to every type.
func (b *Bus) Subscribe(channelName, pattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	if channelName == "" {
		return "", errspkg.ErrChannelRequired
	}
	if pattern == "" {
		pattern = Wildcard
	}

	sub := &subscription{
		id:        ids.CreateULID(),
		channel:   channelName,
		pattern:   pattern,
		wildcard:  IsWildcard(pattern),
		handler:   handler,
		createdAt: b.opts.Now(),
	}
	for _, opt := range opts {
		opt(sub)
	}

	// Held across add so a concurrent RemoveChannel cannot orphan the subscription.
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	if _, ok := b.channels[channelName]; !ok {
		return "", fmt.Errorf("%w: %s", errspkg.ErrChannelNotFound, channelName)
	}
	b.subs.add(sub)

	b.logger.Debug("Subscription added", logging.LogFields{
		"channel":         channelName,
		"pattern":         pattern,
		"subscription_id": sub.id,
		"module":          sub.module,
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription. Any in-progress dispatch pass skips it
// from the next delivery on.
func (b *Bus) Unsubscribe(id string) error {
	sub, ok := b.subs.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrSubscriptionNotFound, id)
	}
	b.logger.Debug("Subscription removed", logging.LogFields{
		"channel":         sub.channel,
		"subscription_id": id,
	})
	return nil
}

// Channels lists every channel sorted by name.
func (b *Bus) Channels() []ChannelInfo {
	chans := b.snapshotChannels()
	out := make([]ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.info(b.subs.count(ch.name)))
	}
	return out
}

// ChannelNames lists channel names sorted alphabetically.
func (b *Bus) ChannelNames() []string {
	chans := b.snapshotChannels()
	names := make([]string, 0, len(chans))
	for _, ch := range chans {
		names = append(names, ch.name)
	}
	return names
}

// Subscriptions lists subscriptions on channelName, or on every channel when
// channelName is empty.
func (b *Bus) Subscriptions(channelName string) []SubscriptionInfo {
	return b.subs.list(channelName)
}

// Channel returns the current view of a single channel. Channel names are the
// handles returned to callers of CreateChannel.
func (b *Bus) Channel(name string) (ChannelInfo, error) {
	b.chMu.RLock()
	ch := b.channels[name]
	b.chMu.RUnlock()
	if ch == nil {
		return ChannelInfo{}, fmt.Errorf("%w: %s", errspkg.ErrChannelNotFound, name)
	}
	return ch.info(b.subs.count(name)), nil
}

// QueueDepth returns the pending message count of a channel.
func (b *Bus) QueueDepth(channelName string) (int, error) {
	b.chMu.RLock()
	ch := b.channels[channelName]
	b.chMu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("%w: %s", errspkg.ErrChannelNotFound, channelName)
	}
	return ch.depth(), nil
}

func (b *Bus) snapshotChannels() []*channel {
	b.chMu.RLock()
	chans := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.chMu.RUnlock()

	slices.SortFunc(chans, func(a, c *channel) int {
		return strings.Compare(a.name, c.name)
	})
	return chans
}
