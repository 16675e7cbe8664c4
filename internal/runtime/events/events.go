// Package events layers named events on top of the message bus: events are
// published to reserved channels, optionally broadcast to every channel, and
// remembered in a bounded history.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drblury/modcomm/internal/runtime/bus"
	"github.com/drblury/modcomm/internal/runtime/config"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
	"github.com/drblury/modcomm/internal/runtime/ring"
)

// EventRecord is one entry of the event history.
type EventRecord struct {
	Name        string       `json:"name"`
	Data        any          `json:"data,omitempty"`
	Source      string       `json:"source,omitempty"`
	Channels    []string     `json:"channels"`
	MessageIDs  []string     `json:"message_ids"`
	Priority    bus.Priority `json:"priority"`
	Broadcast   bool         `json:"broadcast"`
	PublishedAt time.Time    `json:"published_at"`
}

// Options configures a System.
type Options struct {
	HistorySize int
	// EventChannel is the default channel for PublishEvent and SubscribeEvent.
	EventChannel  string
	SystemChannel string
	Logger        logging.ServiceLogger
	Now           func() time.Time
}

// System publishes and records events.
type System struct {
	bus    *bus.Bus
	opts   Options
	logger logging.ServiceLogger

	mu      sync.RWMutex
	history *ring.Buffer[EventRecord]
}

// New creates the reserved channels on b and returns the event system.
func New(b *bus.Bus, opts Options) (*System, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: bus is required", errspkg.ErrInvalidArgument)
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = config.DefaultMaxEventHistory
	}
	if strings.TrimSpace(opts.EventChannel) == "" {
		opts.EventChannel = config.DefaultEventChannel
	}
	if strings.TrimSpace(opts.SystemChannel) == "" {
		opts.SystemChannel = config.DefaultSystemChannel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	for _, name := range []string{opts.EventChannel, opts.SystemChannel} {
		if err := b.EnsureChannel(name, 0); err != nil {
			return nil, fmt.Errorf("create reserved channel %q: %w", name, err)
		}
	}

	return &System{
		bus:     b,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(logging.LogFields{"component": "events"}),
		history: ring.New[EventRecord](opts.HistorySize),
	}, nil
}

// EventChannel returns the default event channel.
func (s *System) EventChannel() string { return s.opts.EventChannel }

// SystemChannel returns the channel reserved for platform notifications.
func (s *System) SystemChannel() string { return s.opts.SystemChannel }

// PublishOption configures PublishEvent.
type PublishOption func(*publishOptions)

type publishOptions struct {
	channel   string
	broadcast bool
	source    string
	priority  bus.Priority
	ttl       time.Duration
}

// WithEventChannel publishes to channel instead of the default event channel.
func WithEventChannel(channel string) PublishOption {
	return func(o *publishOptions) { o.channel = channel }
}

// WithBroadcast publishes to every registered channel.
func WithBroadcast() PublishOption {
	return func(o *publishOptions) { o.broadcast = true }
}

// WithEventSource records the publishing module.
func WithEventSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// WithEventPriority sets the delivery tier.
func WithEventPriority(p bus.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithEventTTL drops the event if it is still queued after ttl.
func WithEventTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = ttl }
}

// PublishEvent publishes an envelope whose type is name. When broadcasting,
// failures on individual channels are joined into the returned error and the
// event is still recorded if at least one channel accepted it.
func (s *System) PublishEvent(ctx context.Context, name string, data any, opts ...PublishOption) (EventRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return EventRecord{}, fmt.Errorf("%w: event name is required", errspkg.ErrInvalidArgument)
	}

	o := publishOptions{channel: s.opts.EventChannel, priority: bus.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	targets := []string{o.channel}
	if o.broadcast {
		targets = s.bus.ChannelNames()
	}

	busOpts := []bus.PublishOption{
		bus.WithPriority(o.priority),
		bus.WithSource(o.source),
	}
	if o.ttl > 0 {
		busOpts = append(busOpts, bus.WithTTL(o.ttl))
	}

	rec := EventRecord{
		Name:      name,
		Data:      data,
		Source:    o.source,
		Priority:  o.priority,
		Broadcast: o.broadcast,
	}
	var errs []error
	for _, channel := range targets {
		id, err := s.bus.Publish(ctx, channel, name, data, busOpts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
			continue
		}
		rec.Channels = append(rec.Channels, channel)
		rec.MessageIDs = append(rec.MessageIDs, id)
	}
	err := errors.Join(errs...)

	if len(rec.Channels) == 0 {
		if err == nil {
			err = fmt.Errorf("%w: no channels to broadcast to", errspkg.ErrChannelNotFound)
		}
		s.logger.Error("Event not published", err, logging.LogFields{"event": name})
		return EventRecord{}, err
	}

	rec.PublishedAt = s.opts.Now()
	s.mu.Lock()
	s.history.Push(rec)
	s.mu.Unlock()

	fields := logging.LogFields{
		"event":    name,
		"channels": strings.Join(rec.Channels, ","),
		"source":   o.source,
	}
	if err != nil {
		s.logger.Error("Event published with failures", err, fields)
	} else {
		s.logger.Debug("Event published", fields)
	}
	return rec, err
}

// SubscribeOption configures SubscribeEvent.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	channel string
	busOpts []bus.SubscribeOption
}

// WithSubscribeChannel listens on channel instead of the default event channel.
func WithSubscribeChannel(channel string) SubscribeOption {
	return func(o *subscribeOptions) { o.channel = channel }
}

// WithEventFilter only delivers events accepted by filter.
func WithEventFilter(filter bus.Filter) SubscribeOption {
	return func(o *subscribeOptions) { o.busOpts = append(o.busOpts, bus.WithFilter(filter)) }
}

// WithEventModule tags the subscription with its owning module.
func WithEventModule(module string) SubscribeOption {
	return func(o *subscribeOptions) { o.busOpts = append(o.busOpts, bus.WithModule(module)) }
}

// SubscribeEvent registers handler for events whose name matches pattern.
func (s *System) SubscribeEvent(pattern string, handler bus.Handler, opts ...SubscribeOption) (string, error) {
	o := subscribeOptions{channel: s.opts.EventChannel}
	for _, opt := range opts {
		opt(&o)
	}
	return s.bus.Subscribe(o.channel, pattern, handler, o.busOpts...)
}

// UnsubscribeEvent removes an event subscription.
func (s *System) UnsubscribeEvent(id string) error {
	return s.bus.Unsubscribe(id)
}

// HistoryQuery selects entries from the event history. Zero fields do not filter.
type HistoryQuery struct {
	// Pattern matches event names with the bus wildcard rules.
	Pattern string
	// Since keeps events published at or after this instant.
	Since time.Time
	// Limit keeps only the most recent matches.
	Limit int
}

// GetEventHistory returns matching events oldest first.
func (s *System) GetEventHistory(q HistoryQuery) []EventRecord {
	s.mu.RLock()
	items := s.history.Items()
	s.mu.RUnlock()

	out := items[:0]
	for _, rec := range items {
		if q.Pattern != "" && !bus.MatchPattern(q.Pattern, rec.Name) {
			continue
		}
		if !q.Since.IsZero() && rec.PublishedAt.Before(q.Since) {
			continue
		}
		out = append(out, rec)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// HistoryLen returns the number of retained events.
func (s *System) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Len()
}

// ClearHistory forgets every recorded event.
func (s *System) ClearHistory() {
	s.mu.Lock()
	s.history.Clear()
	s.mu.Unlock()
	s.logger.Info("Event history cleared", nil)
}
