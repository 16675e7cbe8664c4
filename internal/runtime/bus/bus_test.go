package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

func newTestBus(t *testing.T, rec Recorder, clock *fakeClock) *Bus {
	t.Helper()
	opts := Options{Recorder: rec, Interval: 5 * time.Millisecond}
	if clock != nil {
		opts.Now = clock.Now
	}
	return New(opts)
}

func TestCreateChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	err := b.CreateChannel("Config", 10)
	require.ErrorIs(t, err, errspkg.ErrDuplicateChannel)

	require.ErrorIs(t, b.CreateChannel("  ", 10), errspkg.ErrChannelRequired)
	require.NoError(t, b.EnsureChannel("Config", 10))

	require.NoError(t, b.CreateChannel("Defaults", 0))
	infos := b.Channels()
	require.Len(t, infos, 2)
	assert.Equal(t, "Config", infos[0].Name)
	assert.Equal(t, "Defaults", infos[1].Name)
	assert.Equal(t, 10000, infos[1].Capacity)

	info, err := b.Channel("Config")
	require.NoError(t, err)
	assert.Equal(t, 10, info.Capacity)
	assert.Zero(t, info.Depth)
	_, err = b.Channel("Missing")
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 1))

	_, err := b.Publish(ctx, "Missing", "Anything", nil)
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)

	_, err = b.Publish(ctx, "", "Anything", nil)
	require.ErrorIs(t, err, errspkg.ErrChannelRequired)

	_, err = b.Publish(ctx, "Config", "", nil)
	require.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)

	_, err = b.Publish(ctx, "Config", "Changed", nil, WithPriority(Priority(9)))
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestPublishQueueFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, nil)
	require.NoError(t, b.CreateChannel("Small", 2))

	for i := 0; i < 2; i++ {
		_, err := b.Publish(ctx, "Small", "Tick", i)
		require.NoError(t, err)
	}
	_, err := b.Publish(ctx, "Small", "Tick", 3)
	require.ErrorIs(t, err, errspkg.ErrQueueFull)

	depth, err := b.QueueDepth("Small")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	assert.Equal(t, 1, rec.get(rec.dropped, "Small/"+DropQueueFull))
	assert.Equal(t, 2, rec.get(rec.published, "Small"))
}

func TestPublishDoesNotDeliverSynchronously(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	_, err := b.Subscribe("Config", "*", func(_ context.Context, env Envelope) error {
		got.add(env.Type)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.Empty(t, got.list())

	assert.Equal(t, 1, b.ProcessPending(ctx))
	assert.Equal(t, []string{"ConfigChanged"}, got.list())
}

func TestPriorityOrderingWithinChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Work", 10))

	got := &received{}
	_, err := b.Subscribe("Work", "*", func(_ context.Context, env Envelope) error {
		got.add(env.Payload.(string))
		return nil
	})
	require.NoError(t, err)

	publish := func(payload string, p Priority) {
		_, err := b.Publish(ctx, "Work", "Job", payload, WithPriority(p))
		require.NoError(t, err)
	}
	publish("low-1", PriorityLow)
	publish("normal-1", PriorityNormal)
	publish("high-1", PriorityHigh)
	publish("low-2", PriorityLow)
	publish("high-2", PriorityHigh)
	publish("normal-2", PriorityNormal)

	b.ProcessPending(ctx)
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1", "low-2"}, got.list())
}

func TestSubscriberOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	record := func(name string) Handler {
		return func(context.Context, Envelope) error {
			got.add(name)
			return nil
		}
	}

	_, err := b.Subscribe("Config", "Config*", record("wildcard"))
	require.NoError(t, err)
	_, err = b.Subscribe("Config", "ConfigChanged", record("exact"))
	require.NoError(t, err)
	_, err = b.Subscribe("Config", "*", record("urgent"), WithSubscriberPriority(10))
	require.NoError(t, err)
	_, err = b.Subscribe("Config", "ConfigChanged", record("exact-late"))
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", nil)
	require.NoError(t, err)
	b.ProcessPending(ctx)

	assert.Equal(t, []string{"urgent", "exact", "exact-late", "wildcard"}, got.list())
}

func TestWildcardAndFilterScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	_, err := b.Subscribe("Config", "Config*", func(_ context.Context, env Envelope) error {
		got.add(env.Type)
		return nil
	}, WithFilter(func(env Envelope) bool {
		return env.Source != "noisy"
	}))
	require.NoError(t, err)

	for _, typ := range []string{"ConfigChanged", "ConfigDeleted", "Other"} {
		_, err := b.Publish(ctx, "Config", typ, nil)
		require.NoError(t, err)
	}
	_, err = b.Publish(ctx, "Config", "ConfigReloaded", nil, WithSource("noisy"))
	require.NoError(t, err)

	b.ProcessPending(ctx)
	assert.Equal(t, []string{"ConfigChanged", "ConfigDeleted"}, got.list())
	assert.Equal(t, 2, rec.get(rec.delivered, "Config"))
	assert.Equal(t, 2, rec.get(rec.dropped, "Config/"+DropNoSubscribers))
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	_, err := b.Subscribe("Config", "*", func(context.Context, Envelope) error {
		return errors.New("boom")
	}, WithSubscriberPriority(3))
	require.NoError(t, err)
	_, err = b.Subscribe("Config", "*", func(context.Context, Envelope) error {
		panic("handler exploded")
	}, WithSubscriberPriority(2))
	require.NoError(t, err)
	_, err = b.Subscribe("Config", "*", func(_ context.Context, env Envelope) error {
		got.add(env.Type)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", nil)
	require.NoError(t, err)
	b.ProcessPending(ctx)

	assert.Equal(t, []string{"ConfigChanged"}, got.list())
	assert.Equal(t, 2, rec.get(rec.failed, "Config"))
	assert.Equal(t, 1, rec.get(rec.delivered, "Config"))
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, clock)
	require.NoError(t, b.CreateChannel("Ephemeral", 10))

	got := &received{}
	_, err := b.Subscribe("Ephemeral", "*", func(_ context.Context, env Envelope) error {
		got.add(env.Type)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Ephemeral", "Ping", nil, WithTTL(10*time.Millisecond))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "Ephemeral", "Keep", nil, WithTTL(time.Hour))
	require.NoError(t, err)

	clock.Advance(20 * time.Millisecond)
	b.ProcessPending(ctx)
	b.ProcessPending(ctx)

	assert.Equal(t, []string{"Keep"}, got.list())
	assert.Equal(t, 1, rec.get(rec.expired, "Ephemeral"))
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	id, err := b.Subscribe("Config", "*", func(_ context.Context, env Envelope) error {
		got.add(env.Type)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(id))
	require.ErrorIs(t, b.Unsubscribe(id), errspkg.ErrSubscriptionNotFound)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", nil)
	require.NoError(t, err)
	b.ProcessPending(ctx)
	assert.Empty(t, got.list())
}

func TestUnsubscribeDuringDispatchSkipsRemainingDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	got := &received{}
	var second string
	_, err := b.Subscribe("Config", "*", func(context.Context, Envelope) error {
		got.add("first")
		return b.Unsubscribe(second)
	}, WithSubscriberPriority(1))
	require.NoError(t, err)
	second, err = b.Subscribe("Config", "*", func(context.Context, Envelope) error {
		got.add("second")
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", nil)
	require.NoError(t, err)
	b.ProcessPending(ctx)

	assert.Equal(t, []string{"first"}, got.list())
}

func TestUnsubscribeWhileFilterRunsSkipsHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	entered := make(chan struct{})
	release := make(chan struct{})
	var invoked atomic.Bool
	id, err := b.Subscribe("Config", "*", func(context.Context, Envelope) error {
		invoked.Store(true)
		return nil
	}, WithFilter(func(Envelope) bool {
		close(entered)
		<-release
		return true
	}))
	require.NoError(t, err)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.ProcessPending(ctx)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("filter was not called")
	}
	require.NoError(t, b.Unsubscribe(id))
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch pass did not finish")
	}
	assert.False(t, invoked.Load())
	assert.Equal(t, 0, rec.get(rec.delivered, "Config"))
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil, nil)
	_, err := b.Subscribe("Config", "*", nil)
	require.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = b.Subscribe("Missing", "*", func(context.Context, Envelope) error { return nil })
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)
}

func TestRemoveChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newRecordingRecorder()
	b := newTestBus(t, rec, nil)

	require.ErrorIs(t, b.RemoveChannel("Missing", false), errspkg.ErrChannelNotFound)

	require.NoError(t, b.CreateChannel("Empty", 10))
	require.NoError(t, b.RemoveChannel("Empty", false))
	assert.False(t, b.HasChannel("Empty"))

	require.NoError(t, b.CreateChannel("Busy", 10))
	var closed []string
	_, err := b.Subscribe("Busy", "*", func(context.Context, Envelope) error { return nil },
		WithOnClose(func(channel string) { closed = append(closed, channel) }),
		WithModule("Svc"))
	require.NoError(t, err)

	require.ErrorIs(t, b.RemoveChannel("Busy", false), errspkg.ErrChannelInUse)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, "Busy", "Job", i)
		require.NoError(t, err)
	}
	require.NoError(t, b.RemoveChannel("Busy", true))

	assert.Equal(t, []string{"Busy"}, closed)
	assert.Equal(t, 3, rec.get(rec.dropped, "Busy/"+DropChannelClosed))
	assert.Empty(t, b.Subscriptions("Busy"))
	assert.Zero(t, b.ProcessPending(ctx))

	_, err = b.Publish(ctx, "Busy", "Job", nil)
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)
}

func TestChannelCloseKeepsEveryAcceptedMessage(t *testing.T) {
	t.Parallel()

	ch := newChannel("Racy", 10000, time.Now())
	var (
		accepted atomic.Int64
		wg       sync.WaitGroup
		start    = make(chan struct{})
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				if _, err := ch.enqueue(Envelope{Type: "Tick", Priority: PriorityNormal}); err == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	close(start)
	pending := ch.close()
	wg.Wait()

	assert.EqualValues(t, accepted.Load(), len(pending))
	_, err := ch.enqueue(Envelope{Type: "Tick"})
	require.ErrorIs(t, err, errspkg.ErrChannelNotFound)
}

func TestSubscriptionsListing(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("A", 10))
	require.NoError(t, b.CreateChannel("B", 10))

	noop := func(context.Context, Envelope) error { return nil }
	_, err := b.Subscribe("B", "x", noop, WithModule("ModB"))
	require.NoError(t, err)
	_, err = b.Subscribe("A", "", noop, WithFilter(func(Envelope) bool { return true }))
	require.NoError(t, err)

	all := b.Subscriptions("")
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Channel)
	assert.Equal(t, Wildcard, all[0].Pattern)
	assert.True(t, all[0].Filtered)
	assert.Equal(t, "ModB", all[1].Module)

	onlyB := b.Subscriptions("B")
	require.Len(t, onlyB, 1)

	infos := b.Channels()
	assert.Equal(t, 1, infos[0].Subscribers)
	assert.Equal(t, []string{"A", "B"}, b.ChannelNames())
}

func TestSendIsPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Direct", 10))

	got := &received{}
	_, err := b.Subscribe("Direct", "Hello", func(_ context.Context, env Envelope) error {
		got.add(fmt.Sprintf("%s:%s", env.Source, env.CorrelationID))
		return nil
	})
	require.NoError(t, err)

	id, err := b.Send(ctx, "Direct", "Hello", nil, WithSource("Svc"), WithCorrelationID("corr-1"))
	require.NoError(t, err)
	assert.Len(t, id, 26)

	b.ProcessPending(ctx)
	assert.Equal(t, []string{"Svc:corr-1"}, got.list())
}

func TestRunDeliversAndStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBus(t, nil, nil)
	require.NoError(t, b.CreateChannel("Config", 10))

	delivered := make(chan Envelope, 1)
	_, err := b.Subscribe("Config", "*", func(_ context.Context, env Envelope) error {
		delivered <- env
		return nil
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, b.Running, time.Second, time.Millisecond)
	require.ErrorIs(t, b.Run(ctx), errspkg.ErrDispatcherRunning)

	_, err = b.Publish(ctx, "Config", "ConfigChanged", "v1")
	require.NoError(t, err)

	select {
	case env := <-delivered:
		assert.Equal(t, "v1", env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered by the dispatcher loop")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestConcurrentChannelsKeepPerChannelOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(Options{Workers: 4})

	const channels, perChannel = 6, 50
	results := make([]*received, channels)
	for i := range channels {
		name := fmt.Sprintf("ch-%d", i)
		require.NoError(t, b.CreateChannel(name, perChannel))
		results[i] = &received{}
		got := results[i]
		_, err := b.Subscribe(name, "*", func(_ context.Context, env Envelope) error {
			got.add(env.Payload.(string))
			return nil
		})
		require.NoError(t, err)
		for j := range perChannel {
			_, err := b.Publish(ctx, name, "Seq", fmt.Sprintf("%03d", j))
			require.NoError(t, err)
		}
	}

	assert.Equal(t, channels*perChannel, b.ProcessPending(ctx))
	for _, got := range results {
		list := got.list()
		require.Len(t, list, perChannel)
		for j, v := range list {
			assert.Equal(t, fmt.Sprintf("%03d", j), v)
		}
	}
}
