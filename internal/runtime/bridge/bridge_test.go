package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/modcomm/internal/runtime/bus"
	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	env := bus.Envelope{
		ID:            "01HZX",
		Channel:       "Events",
		Type:          "Order.Created",
		Payload:       map[string]any{"id": "o-1", "total": 12.5},
		Source:        "orders",
		Priority:      bus.PriorityHigh,
		CorrelationID: "corr-9",
		CreatedAt:     created,
		ExpiresAt:     created.Add(time.Minute),
	}

	codec := DefaultCodec{}
	msg, err := codec.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, "01HZX", msg.UUID)
	assert.Equal(t, ContentTypeJSON, msg.Metadata.Get(MetadataKeyContentType))
	assert.Equal(t, "high", msg.Metadata.Get(MetadataKeyPriority))
	assert.JSONEq(t, `{"id":"o-1","total":12.5}`, string(msg.Payload))

	in, err := codec.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "Order.Created", in.Type)
	assert.Equal(t, "orders", in.Source)
	assert.Equal(t, bus.PriorityHigh, in.Priority)
	assert.Equal(t, "corr-9", in.CorrelationID)
	assert.True(t, in.ExpiresAt.Equal(env.ExpiresAt))
	assert.Equal(t, map[string]any{"id": "o-1", "total": 12.5}, in.Payload)
}

func TestCodecProtoAndBinary(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec{}
	msg, err := codec.Encode(bus.Envelope{ID: "p", Type: "Greeting", Payload: wrapperspb.String("hi")})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtoJSON, msg.Metadata.Get(MetadataKeyContentType))
	assert.Equal(t, "google.protobuf.StringValue", msg.Metadata.Get(MetadataKeyProtoType))
	assert.JSONEq(t, `"hi"`, string(msg.Payload))

	in, err := codec.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "hi", in.Payload)

	raw, err := codec.Encode(bus.Envelope{ID: "b", Type: "Blob", Payload: []byte{0x01, 0x02}})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeBinary, raw.Metadata.Get(MetadataKeyContentType))
	in, err = codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, in.Payload)
}

func TestCodecDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	msg := message.NewMessage("x", []byte("{not json"))
	_, err := DefaultCodec{}.Decode(msg)
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)

	msg = message.NewMessage("y", nil)
	msg.Metadata.Set(MetadataKeyPriority, "urgent")
	_, err = DefaultCodec{}.Decode(msg)
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestForwarderPublishesMatchingEnvelopes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := NewInProcessPubSub(16, nil)
	t.Cleanup(func() { _ = pubSub.Close() })
	out, err := pubSub.Subscribe(ctx, "webhooks")
	require.NoError(t, err)

	b := bus.New(bus.Options{})
	require.NoError(t, b.CreateChannel("Events", 10))
	fwd, err := NewForwarder(b, pubSub, ForwarderConfig{Channel: "Events", Pattern: "Order.*", Topic: "webhooks"})
	require.NoError(t, err)
	assert.NotEmpty(t, fwd.SubscriptionID())

	_, err = b.Publish(ctx, "Events", "Order.Created", map[string]any{"id": "o-1"}, bus.WithSource("orders"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "Events", "User.Created", map[string]any{"id": "u-1"})
	require.NoError(t, err)
	b.ProcessPending(ctx)

	select {
	case msg := <-out:
		msg.Ack()
		assert.Equal(t, "Order.Created", msg.Metadata.Get(MetadataKeyType))
		assert.Equal(t, "orders", msg.Metadata.Get(MetadataKeySource))
		assert.JSONEq(t, `{"id":"o-1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded message not received")
	}

	select {
	case msg := <-out:
		t.Fatalf("unexpected message %s", msg.Metadata.Get(MetadataKeyType))
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, fwd.Close())
	require.NoError(t, fwd.Close())
	assert.Empty(t, b.Subscriptions("Events"))
}

func TestForwarderValidation(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.Options{})
	pubSub := NewInProcessPubSub(1, nil)
	t.Cleanup(func() { _ = pubSub.Close() })

	_, err := NewForwarder(nil, pubSub, ForwarderConfig{Topic: "t"})
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	_, err = NewForwarder(b, pubSub, ForwarderConfig{Channel: "Events"})
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	_, err = NewForwarder(b, pubSub, ForwarderConfig{Channel: "Missing", Topic: "t"})
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)
}

type collector struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (c *collector) handle(_ context.Context, env bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) all() []bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Envelope(nil), c.envs...)
}

func startIngress(t *testing.T, in *Ingress) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = in.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-in.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("ingress router did not start")
	}
}

func TestIngressPublishesIntoChannel(t *testing.T) {
	t.Parallel()

	pubSub := NewInProcessPubSub(16, nil)
	t.Cleanup(func() { _ = pubSub.Close() })

	b := bus.New(bus.Options{})
	require.NoError(t, b.CreateChannel("Inbound", 10))
	got := &collector{}
	_, err := b.Subscribe("Inbound", "*", got.handle)
	require.NoError(t, err)

	in, err := NewIngress(b, pubSub, IngressConfig{})
	require.NoError(t, err)
	require.NoError(t, in.Route(Route{Topic: "external", Channel: "Inbound", MessageType: "External.Ping"}))
	require.ErrorIs(t, in.Route(Route{Topic: "x"}), errspkg.ErrInvalidArgument)
	startIngress(t, in)

	typed := message.NewMessage("m-1", []byte(`{"n":1}`))
	typed.Metadata.Set(MetadataKeyType, "External.Order")
	typed.Metadata.Set(MetadataKeyPriority, "high")
	untyped := message.NewMessage("m-2", []byte(`"pong"`))
	require.NoError(t, pubSub.Publish("external", typed, untyped))

	require.Eventually(t, func() bool {
		b.ProcessPending(context.Background())
		return got.len() == 2
	}, 2*time.Second, 10*time.Millisecond)

	envs := got.all()
	types := []string{envs[0].Type, envs[1].Type}
	assert.ElementsMatch(t, []string{"External.Order", "External.Ping"}, types)
	for _, env := range envs {
		if env.Type == "External.Order" {
			assert.Equal(t, bus.PriorityHigh, env.Priority)
			assert.Equal(t, map[string]any{"n": float64(1)}, env.Payload)
		}
	}
}

func TestIngressRetriesWhileChannelFull(t *testing.T) {
	t.Parallel()

	pubSub := NewInProcessPubSub(16, nil)
	t.Cleanup(func() { _ = pubSub.Close() })

	b := bus.New(bus.Options{})
	require.NoError(t, b.CreateChannel("Narrow", 1))
	_, err := b.Publish(context.Background(), "Narrow", "Filler", nil)
	require.NoError(t, err)
	got := &collector{}
	_, err = b.Subscribe("Narrow", "External.*", got.handle)
	require.NoError(t, err)

	in, err := NewIngress(b, pubSub, IngressConfig{
		MaxRetries:      50,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, in.Route(Route{Topic: "burst", Channel: "Narrow"}))
	startIngress(t, in)

	msg := message.NewMessage("m-1", []byte(`{}`))
	msg.Metadata.Set(MetadataKeyType, "External.Event")
	require.NoError(t, pubSub.Publish("burst", msg))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.len())

	require.Eventually(t, func() bool {
		b.ProcessPending(context.Background())
		return got.len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
