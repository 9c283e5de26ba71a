package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/guard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SubmitBracketOrder(ctx context.Context, symbol, side string, qty, stopPrice, takePrice float64) (broker.BracketIDs, error) {
	args := m.Called(ctx, symbol, side, qty, stopPrice, takePrice)
	return args.Get(0).(broker.BracketIDs), args.Error(1)
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	args := m.Called(ctx, orderID)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) CancelAllPendingOrders(ctx context.Context, symbol string) (bool, error) {
	args := m.Called(ctx, symbol)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) ModifyStopOrder(ctx context.Context, orderID string, newPrice float64) (bool, error) {
	args := m.Called(ctx, orderID, newPrice)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Position), args.Error(1)
}

func (m *mockClient) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	args := m.Called(ctx, symbol)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) ClosePartial(ctx context.Context, symbol string, qty float64) (bool, error) {
	args := m.Called(ctx, symbol, qty)
	return args.Bool(0), args.Error(1)
}

type fakeCleaner struct {
	cleared []string
}

func (f *fakeCleaner) ClearSymbol(symbol string) {
	f.cleared = append(f.cleared, symbol)
}

func newTestMonitor(t *testing.T, client broker.Client) (*Monitor, *events.Bus, *guard.EntryGuard, *fakeCleaner, string) {
	t.Helper()
	bus := events.NewBus()
	g := guard.New()
	cleaner := &fakeCleaner{}
	statusPath := filepath.Join(t.TempDir(), "status.json")
	m := New(Config{
		Symbol:     "BTCUSDT",
		StatusPath: statusPath,
	}, client, bus, g, cleaner)
	return m, bus, g, cleaner, statusPath
}

func TestMonitorDetectsTrackedOpen(t *testing.T) {
	client := new(mockClient)
	m, bus, g, _, statusPath := newTestMonitor(t, client)

	g.Engage()
	ids := broker.BracketIDs{Main: "m1", Stop: "s1", Take: "t1"}
	posID := m.TrackBracket(broker.SideBuy, 1, 95, 110, ids)
	assert.True(t, strings.HasPrefix(posID, "POS_"))

	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, AvgPrice: 100}, nil)

	m.Tick(context.Background())

	tracked, ok := m.Tracked()
	require.True(t, ok)
	assert.Equal(t, posID, tracked.PositionID)
	assert.Equal(t, StatusOpen, tracked.Status)
	assert.Equal(t, 100.0, tracked.EntryPrice)

	opened := bus.Recent(events.KindPositionOpened, 10)
	require.Len(t, opened, 1)
	p := opened[0].Payload.(events.PositionPayload)
	assert.Equal(t, posID, p.PositionID)

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.True(t, snap.HasPosition)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, posID, snap.Positions[0].PositionID)
}

func TestMonitorDetectsUntrackedPosition(t *testing.T) {
	client := new(mockClient)
	m, bus, _, _, _ := newTestMonitor(t, client)

	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideSell, Quantity: 2, AvgPrice: 50}, nil)

	m.Tick(context.Background())

	tracked, ok := m.Tracked()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(tracked.PositionID, "DETECTED_"))
	assert.Equal(t, broker.SideSell, tracked.Side)

	opened := bus.Recent(events.KindPositionOpened, 10)
	assert.Len(t, opened, 1)
}

func TestMonitorCleanupOnClose(t *testing.T) {
	client := new(mockClient)
	m, bus, g, cleaner, _ := newTestMonitor(t, client)

	g.Engage()
	m.TrackBracket(broker.SideBuy, 1, 95, 110, broker.BracketIDs{Main: "m1", Stop: "s1", Take: "t1"})

	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, AvgPrice: 100}, nil).Once()
	client.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, nil).Once()
	client.On("CancelAllPendingOrders", mock.Anything, "BTCUSDT").Return(true, nil).Once()

	m.Tick(context.Background())
	m.Tick(context.Background())

	_, ok := m.Tracked()
	assert.False(t, ok)

	engaged, _ := g.Engaged()
	assert.False(t, engaged, "guard released on the no-position path")
	assert.Equal(t, []string{"BTCUSDT"}, cleaner.cleared)

	closed := bus.Recent(events.KindPositionClosed, 10)
	require.Len(t, closed, 1)
	assert.Equal(t, "BTCUSDT", closed[0].Payload.(events.PositionPayload).Symbol)
	client.AssertExpectations(t)
}

func TestMonitorCancelAllRetriedUntilSuccess(t *testing.T) {
	client := new(mockClient)
	m, _, g, _, _ := newTestMonitor(t, client)

	g.Engage()
	m.TrackBracket(broker.SideBuy, 1, 95, 110, broker.BracketIDs{Main: "m1", Stop: "s1", Take: "t1"})

	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, AvgPrice: 100}, nil).Once()
	client.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, nil)
	client.On("CancelAllPendingOrders", mock.Anything, "BTCUSDT").Return(false, assert.AnError).Once()
	client.On("CancelAllPendingOrders", mock.Anything, "BTCUSDT").Return(true, nil).Once()

	m.Tick(context.Background())
	// Close tick: the cancel-all sweep fails and must be owed forward.
	m.Tick(context.Background())
	// The owed sweep is re-issued and succeeds.
	m.Tick(context.Background())
	// Settled: no further cancel attempts.
	m.Tick(context.Background())

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "CancelAllPendingOrders", 2)
}

func TestMonitorPublishesUpdates(t *testing.T) {
	client := new(mockClient)
	m, bus, _, _, _ := newTestMonitor(t, client)

	m.TrackBracket(broker.SideBuy, 2, 95, 110, broker.BracketIDs{Main: "m1", Stop: "s1", Take: "t1"})
	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 2, AvgPrice: 100}, nil).Once()
	// Quantity halves, e.g. a partial exit observed broker-side.
	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, AvgPrice: 100}, nil).Once()

	m.Tick(context.Background())
	m.Tick(context.Background())

	updated := bus.Recent(events.KindPositionUpdated, 10)
	require.Len(t, updated, 1)
	p := updated[0].Payload.(events.PositionPayload)
	assert.Equal(t, 1.0, p.Quantity)
}

func TestMonitorPnLTracksPriceFeed(t *testing.T) {
	client := new(mockClient)
	m, bus, _, _, _ := newTestMonitor(t, client)

	m.TrackBracket(broker.SideBuy, 1, 95, 110, broker.BracketIDs{Main: "m1", Stop: "s1", Take: "t1"})
	client.On("GetPosition", mock.Anything, "BTCUSDT").
		Return(&broker.Position{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, AvgPrice: 100}, nil)

	m.Tick(context.Background())
	bus.PublishImmediate(events.Event{
		Kind:    events.KindPriceUpdate,
		Payload: events.PricePayload{Symbol: "BTCUSDT", Last: 105},
	})
	m.Tick(context.Background())

	tracked, ok := m.Tracked()
	require.True(t, ok)
	assert.InDelta(t, 5.0, tracked.PnL, 1e-9)
	assert.InDelta(t, 5.0, tracked.PnLPct, 1e-9)
}

func TestMonitorQueryErrorFailsClosed(t *testing.T) {
	client := new(mockClient)
	m, _, _, _, _ := newTestMonitor(t, client)

	client.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, assert.AnError)
	m.Tick(context.Background())

	_, ok := m.Tracked()
	assert.False(t, ok)
}

func TestMonitorReleasesStaleGuard(t *testing.T) {
	client := new(mockClient)
	bus := events.NewBus()
	g := guard.New()
	m := New(Config{
		Symbol:           "BTCUSDT",
		StaleLockTimeout: time.Millisecond,
	}, client, bus, g, &fakeCleaner{})

	client.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, nil)

	g.Engage()
	time.Sleep(5 * time.Millisecond)
	m.Tick(context.Background())

	engaged, _ := g.Engaged()
	assert.False(t, engaged, "stale latch with no broker position is force released")
}
