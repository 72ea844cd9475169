package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventengine/pkg/eventengine/bus"
	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/match"
)

func numbered(t *testing.T, n int) event.Event {
	t.Helper()
	evt, err := event.New(event.TypeMetricSample, event.SeverityInfo, "collector",
		event.WithAttr("n", event.IntValue(int64(n))))
	require.NoError(t, err)
	return evt
}

func nOf(t *testing.T, evt event.Event) int {
	t.Helper()
	n, ok := evt.Number("n")
	require.True(t, ok)
	return int(n)
}

func newBus(t *testing.T, cfg bus.Config) *bus.Bus {
	t.Helper()
	b := bus.New(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func drain(t *testing.T, sub *bus.Subscription) []int {
	t.Helper()
	var out []int
	for {
		select {
		case evt := <-sub.C():
			out = append(out, nOf(t, evt))
		default:
			return out
		}
	}
}

func TestPublish_DropOldestKeepsNewest(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	sub, err := b.Subscribe(bus.MatchAll, bus.WithCapacity(5), bus.WithPolicy(bus.DropOldest))
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		require.NoError(t, b.Publish(context.Background(), numbered(t, i)))
	}

	assert.Equal(t, []int{2, 3, 4, 5, 6}, drain(t, sub))
	assert.Equal(t, int64(1), sub.Dropped())
	assert.Equal(t, int64(1), b.Stats().Dropped)
}

func TestPublish_DropNewestKeepsOldest(t *testing.T) {
	var dropped atomic.Int32
	cfg := bus.DefaultConfig
	cfg.OnDrop = func(event.Event, string) { dropped.Add(1) }
	b := newBus(t, cfg)

	sub, err := b.Subscribe(bus.MatchAll, bus.WithCapacity(3), bus.WithPolicy(bus.DropNewest))
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(context.Background(), numbered(t, i)))
	}

	assert.Equal(t, []int{1, 2, 3}, drain(t, sub))
	assert.Equal(t, int32(2), dropped.Load())
}

func TestPublish_BlockTimesOut(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	sub, err := b.Subscribe(bus.MatchAll,
		bus.WithCapacity(1),
		bus.WithPolicy(bus.Block),
		bus.WithBlockTimeout(20*time.Millisecond),
		bus.WithName("slow"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), numbered(t, 1)))

	start := time.Now()
	err = b.Publish(context.Background(), numbered(t, 2))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	var timeout *engerrors.DeliveryTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "slow", timeout.Subscription)
	assert.True(t, engerrors.IsRetryable(err))
	assert.Equal(t, int64(1), b.Stats().TimedOut)
	assert.Equal(t, []int{1}, drain(t, sub))
}

func TestPublish_BlockSucceedsWhenConsumerCatchesUp(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	sub, err := b.Subscribe(bus.MatchAll, bus.WithCapacity(1), bus.WithBlockTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), numbered(t, 1)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-sub.C()
	}()
	require.NoError(t, b.Publish(context.Background(), numbered(t, 2)))
	assert.Equal(t, []int{2}, drain(t, sub))
}

func TestPublish_SlowSubscriberDoesNotDelayOthers(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	_, err := b.Subscribe(bus.MatchAll, bus.WithCapacity(1), bus.WithBlockTimeout(50*time.Millisecond), bus.WithName("stuck"))
	require.NoError(t, err)

	var got []int
	var mu sync.Mutex
	_, err = b.SubscribeFunc(bus.MatchAll, func(_ context.Context, evt event.Event) error {
		mu.Lock()
		got = append(got, nOf(t, evt))
		mu.Unlock()
		return nil
	}, bus.WithCapacity(16))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_ = b.Publish(context.Background(), numbered(t, i))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_PredicatesAndOrder(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)

	pred, err := bus.MatchPattern(match.Pattern{Types: []event.Type{event.TypeAnomaly}})
	require.NoError(t, err)
	anomalies, err := b.Subscribe(pred)
	require.NoError(t, err)
	originals, err := b.Subscribe(bus.ExcludeDerived(bus.MatchAll))
	require.NoError(t, err)

	orig := numbered(t, 1)
	derived, err := orig.Derive(event.TypeAnomaly, event.SeverityWarning, event.DerivedSource("anomaly"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), orig))
	require.NoError(t, b.Publish(context.Background(), derived))

	require.Len(t, anomalies.C(), 1)
	assert.Equal(t, derived.ID(), (<-anomalies.C()).ID())
	require.Len(t, originals.C(), 1)
	assert.Equal(t, orig.ID(), (<-originals.C()).ID())

	_, err = bus.MatchPattern(match.Pattern{Types: []event.Type{""}})
	assert.Error(t, err)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	sub, err := b.Subscribe(bus.MatchAll)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Subscribers)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, b.Publish(context.Background(), numbered(t, 1)))
	assert.Empty(t, drain(t, sub))
	assert.Equal(t, 0, b.Stats().Subscribers)

	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSubscribeFunc_RecoversPanics(t *testing.T) {
	var failures atomic.Int32
	cfg := bus.DefaultConfig
	cfg.OnDeliveryError = func(event.Event, string, error) { failures.Add(1) }
	b := newBus(t, cfg)

	var handled atomic.Int32
	_, err := b.SubscribeFunc(bus.MatchAll, func(_ context.Context, evt event.Event) error {
		handled.Add(1)
		switch nOf(t, evt) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("failed")
		}
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(context.Background(), numbered(t, i)))
	}
	assert.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return failures.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestClose_DrainsCallbacksAndRejectsPublish(t *testing.T) {
	b := bus.New(bus.DefaultConfig)

	var handled atomic.Int32
	_, err := b.SubscribeFunc(bus.MatchAll, func(context.Context, event.Event) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Publish(context.Background(), numbered(t, i)))
	}
	require.NoError(t, b.Close())
	assert.Equal(t, int32(10), handled.Load())

	assert.ErrorIs(t, b.Publish(context.Background(), numbered(t, 11)), bus.ErrClosed)
	_, err = b.Subscribe(bus.MatchAll)
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.NoError(t, b.Close())
}

func TestSubscribe_ConcurrentWithPublish(t *testing.T) {
	b := newBus(t, bus.DefaultConfig)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				_ = b.Publish(context.Background(), numbered(t, i))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		sub, err := b.Subscribe(bus.MatchAll, bus.WithPolicy(bus.DropNewest))
		require.NoError(t, err)
		sub.Unsubscribe()
	}
	close(stop)
	wg.Wait()
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []bus.Policy{bus.Block, bus.DropOldest, bus.DropNewest} {
		parsed, err := bus.ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := bus.ParsePolicy("sometimes")
	assert.Error(t, err)
}
