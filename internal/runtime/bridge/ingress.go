package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
	"github.com/drblury/modcomm/internal/runtime/logging"
)

// Defaults for IngressConfig.
const (
	DefaultIngressMaxRetries      = 5
	DefaultIngressInitialInterval = 50 * time.Millisecond
	DefaultIngressMaxInterval     = 2 * time.Second
	DefaultIngressCloseTimeout    = 5 * time.Second
)

// IngressConfig configures an Ingress. Zero values use the defaults above.
type IngressConfig struct {
	Codec Codec
	// MaxRetries bounds redelivery attempts while the target channel is full.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CloseTimeout    time.Duration
	Logger          logging.ServiceLogger
}

func (c IngressConfig) withDefaults() IngressConfig {
	if c.Codec == nil {
		c.Codec = DefaultCodec{}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultIngressMaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultIngressInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultIngressMaxInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultIngressCloseTimeout
	}
	return c
}

// Route feeds one Watermill topic into one bus channel.
type Route struct {
	// Name identifies the router handler. Defaults to "ingress-<topic>".
	Name    string
	Topic   string
	Channel string
	// MessageType is used when the message carries no type metadata.
	MessageType string
}

// Ingress consumes Watermill topics through a router and publishes what it
// receives onto bus channels. A full channel nacks the message after the
// retry middleware gives up, so the transport redelivers it later.
type Ingress struct {
	bus    *bus.Bus
	sub    message.Subscriber
	cfg    IngressConfig
	router *message.Router
	logger logging.ServiceLogger
}

// NewIngress builds the router. Add routes before calling Run.
func NewIngress(b *bus.Bus, sub message.Subscriber, cfg IngressConfig) (*Ingress, error) {
	if b == nil || sub == nil {
		return nil, fmt.Errorf("%w: bus and subscriber are required", errspkg.ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	logger := logging.OrNop(cfg.Logger).With(logging.LogFields{"component": "bridge_ingress"})

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("create ingress router: %w", err)
	}

	in := &Ingress{bus: b, sub: sub, cfg: cfg, router: router, logger: logger}
	router.AddMiddleware(
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      2,
			ShouldRetry: func(params middleware.RetryParams) bool {
				return errors.Is(params.Err, errspkg.ErrQueueFull)
			},
		}.Middleware,
		middleware.Recoverer,
	)
	return in, nil
}

// Route registers a topic to channel mapping.
func (i *Ingress) Route(r Route) error {
	if r.Topic == "" || r.Channel == "" {
		return fmt.Errorf("%w: route topic and channel are required", errspkg.ErrInvalidArgument)
	}
	if r.Name == "" {
		r.Name = "ingress-" + r.Topic
	}
	i.router.AddNoPublisherHandler(r.Name, r.Topic, i.sub, i.handle(r))
	i.logger.Info("Ingress route added", logging.LogFields{
		"topic":   r.Topic,
		"channel": r.Channel,
	})
	return nil
}

func (i *Ingress) handle(r Route) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		fields := logging.LogFields{
			"topic":      r.Topic,
			"channel":    r.Channel,
			"message_id": msg.UUID,
		}

		in, err := i.cfg.Codec.Decode(msg)
		if err != nil {
			i.logger.Error("Dropping undecodable message", err, fields)
			return nil
		}
		if in.Type == "" {
			in.Type = r.MessageType
		}
		if in.Type == "" {
			i.logger.Error("Dropping message without type", errspkg.ErrMessageTypeRequired, fields)
			return nil
		}

		opts := []bus.PublishOption{
			bus.WithPriority(in.Priority),
			bus.WithSource(in.Source),
			bus.WithCorrelationID(in.CorrelationID),
		}
		if !in.ExpiresAt.IsZero() {
			opts = append(opts, bus.WithExpiresAt(in.ExpiresAt))
		}

		id, err := i.bus.Publish(msg.Context(), r.Channel, in.Type, in.Payload, opts...)
		switch {
		case errors.Is(err, errspkg.ErrQueueFull):
			return err
		case err != nil:
			i.logger.Error("Dropping message the bus rejected", err, fields)
			return nil
		}
		fields["envelope_id"] = id
		i.logger.Trace("Message ingested", fields)
		return nil
	}
}

// Run blocks until ctx is cancelled or the router is closed.
func (i *Ingress) Run(ctx context.Context) error {
	return i.router.Run(ctx)
}

// Running is closed once every route is consuming.
func (i *Ingress) Running() chan struct{} {
	return i.router.Running()
}

// Close stops the router. It does not close the subscriber.
func (i *Ingress) Close() error {
	return i.router.Close()
}
