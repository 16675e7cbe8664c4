package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// ForwarderConfig selects which envelopes leave the process and where they go.
type ForwarderConfig struct {
	Channel string
	// Pattern matches message types. Empty forwards everything on Channel.
	Pattern string
	// Topic is the Watermill topic. TopicFunc wins when set.
	Topic     string
	TopicFunc func(bus.Envelope) string
	Codec     Codec
	// Module tags the underlying bus subscription.
	Module string
	Logger logging.ServiceLogger
}

// Forwarder republishes matching envelopes to a Watermill publisher. A
// publish failure is a handler failure on the bus: logged, counted and not
// retried.
type Forwarder struct {
	bus    *bus.Bus
	pub    message.Publisher
	cfg    ForwarderConfig
	logger logging.ServiceLogger

	mu    sync.Mutex
	subID string
}

// NewForwarder subscribes to cfg.Channel and starts forwarding on the next
// dispatch pass.
func NewForwarder(b *bus.Bus, pub message.Publisher, cfg ForwarderConfig) (*Forwarder, error) {
	if b == nil || pub == nil {
		return nil, fmt.Errorf("%w: bus and publisher are required", errspkg.ErrInvalidArgument)
	}
	if cfg.Topic == "" && cfg.TopicFunc == nil {
		return nil, fmt.Errorf("%w: forwarder topic is required", errspkg.ErrInvalidArgument)
	}
	if cfg.Codec == nil {
		cfg.Codec = DefaultCodec{}
	}

	f := &Forwarder{
		bus: b,
		pub: pub,
		cfg: cfg,
		logger: logging.OrNop(cfg.Logger).With(logging.LogFields{
			"component": "bridge_forwarder",
			"channel":   cfg.Channel,
		}),
	}

	opts := []bus.SubscribeOption{}
	if cfg.Module != "" {
		opts = append(opts, bus.WithModule(cfg.Module))
	}
	id, err := b.Subscribe(cfg.Channel, cfg.Pattern, f.forward, opts...)
	if err != nil {
		return nil, err
	}
	f.subID = id
	return f, nil
}

func (f *Forwarder) topic(env bus.Envelope) string {
	if f.cfg.TopicFunc != nil {
		return f.cfg.TopicFunc(env)
	}
	return f.cfg.Topic
}

func (f *Forwarder) forward(ctx context.Context, env bus.Envelope) error {
	msg, err := f.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	topic := f.topic(env)
	if err := f.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.ID, topic, err)
	}
	f.logger.Trace("Envelope forwarded", logging.LogFields{
		"topic":        topic,
		"message_id":   env.ID,
		"message_type": env.Type,
	})
	return nil
}

// SubscriptionID returns the bus subscription backing the forwarder.
func (f *Forwarder) SubscriptionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subID
}

// Close stops forwarding. It does not close the publisher.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	id := f.subID
	f.subID = ""
	f.mu.Unlock()

	if id == "" {
		return nil
	}
	return f.bus.Unsubscribe(id)
}
