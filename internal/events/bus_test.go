package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitProcessed(t *testing.T, b *Bus, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Stats().Processed >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("bus processed %d events, want %d", b.Stats().Processed, want)
}

func TestBusPriorityOrdering(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(KindPriceUpdate, func(evt Event) {
		mu.Lock()
		got = append(got, evt.ID)
		mu.Unlock()
	}, 5)

	// Queue before the dispatch loop runs so heap ordering is observable.
	now := time.Now()
	require.NoError(t, bus.Publish(Event{ID: "low", Kind: KindPriceUpdate, Priority: 2, Time: now}))
	require.NoError(t, bus.Publish(Event{ID: "high", Kind: KindPriceUpdate, Priority: 9, Time: now}))
	require.NoError(t, bus.Publish(Event{ID: "mid-a", Kind: KindPriceUpdate, Priority: 5, Time: now}))
	require.NoError(t, bus.Publish(Event{ID: "mid-b", Kind: KindPriceUpdate, Priority: 5, Time: now}))

	bus.Start()
	waitProcessed(t, bus, 4)
	require.NoError(t, bus.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	// Priority desc; equal priority and time keeps publish order.
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, got)
}

func TestBusQueueOverflowDrops(t *testing.T) {
	bus := NewBus(WithQueueSize(2))

	require.NoError(t, bus.Publish(Event{Kind: KindPriceUpdate}))
	require.NoError(t, bus.Publish(Event{Kind: KindPriceUpdate}))
	err := bus.Publish(Event{Kind: KindPriceUpdate})
	assert.ErrorIs(t, err, ErrQueueFull)

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueLen)
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Start()
	require.NoError(t, bus.Close(context.Background()))
	err := bus.Publish(Event{Kind: KindPriceUpdate})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBusHandlerPanicIsolation(t *testing.T) {
	bus := NewBus()
	var delivered int
	bus.Subscribe(KindOrderFilled, func(Event) { panic("boom") }, 9)
	bus.Subscribe(KindOrderFilled, func(Event) { delivered++ }, 5)

	bus.PublishImmediate(Event{Kind: KindOrderFilled})
	assert.Equal(t, 1, delivered, "handler after panicking one must still run")
}

func TestBusHandlerPriorityWithinKind(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(KindOrderFilled, func(Event) { got = append(got, "low") }, 1)
	bus.Subscribe(KindOrderFilled, func(Event) { got = append(got, "high") }, 10)
	bus.Subscribe(KindOrderFilled, func(Event) { got = append(got, "mid") }, 5)

	bus.PublishImmediate(Event{Kind: KindOrderFilled})
	assert.Equal(t, []string{"high", "mid", "low"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	var calls int
	sub := bus.Subscribe(KindOrderFilled, func(Event) { calls++ }, 5)

	bus.PublishImmediate(Event{Kind: KindOrderFilled})
	bus.Unsubscribe(sub)
	bus.PublishImmediate(Event{Kind: KindOrderFilled})

	assert.Equal(t, 1, calls)
}

func TestBusRecentHistory(t *testing.T) {
	bus := NewBus(WithHistorySize(3))
	bus.PublishImmediate(Event{ID: "a", Kind: KindOrderFilled})
	bus.PublishImmediate(Event{ID: "b", Kind: KindPriceUpdate})
	bus.PublishImmediate(Event{ID: "c", Kind: KindOrderFilled})
	bus.PublishImmediate(Event{ID: "d", Kind: KindOrderFilled})

	all := bus.Recent("", 10)
	require.Len(t, all, 3, "ring keeps only the newest three")
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "d", all[2].ID)

	fills := bus.Recent(KindOrderFilled, 10)
	require.Len(t, fills, 2)
	assert.Equal(t, "c", fills[0].ID)
	assert.Equal(t, "d", fills[1].ID)
}

func TestBusNormalizeDefaults(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.Subscribe(KindSystemStarted, func(evt Event) { got = evt }, 5)
	bus.PublishImmediate(Event{Kind: KindSystemStarted, Priority: 99})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "system", got.Source)
	assert.Equal(t, PriorityMax, got.Priority, "priority clamped to the maximum")
}

func TestBusCloseDrainsQueue(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen int
	bus.Subscribe(KindPriceUpdate, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	}, 5)
	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(Event{Kind: KindPriceUpdate}))
	}
	bus.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, seen)
}
