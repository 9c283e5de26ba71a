package handlers

import (
	"testing"
	"time"

	"bracket/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func closedWithPnL(symbol string, pnl float64) events.Event {
	return events.Event{
		Kind:     events.KindPositionClosed,
		Priority: 9,
		Payload:  events.PositionPayload{PositionID: "POS_1", Symbol: symbol, PnL: pnl},
	}
}

func TestRiskAccumulatesDailyPnL(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	positions := NewPosition(bus, client, time.Second)
	h := NewRisk(bus, client, positions, RiskConfig{MaxDailyLoss: 500, MaxPositionLoss: 200}, time.Second)

	bus.PublishImmediate(closedWithPnL("BTCUSDT", -120))
	bus.PublishImmediate(closedWithPnL("BTCUSDT", 40))

	assert.InDelta(t, -80, h.DailyPnL(), 1e-9)
	assert.True(t, h.TradingAllowed())
}

func TestRiskDailyLossBreachHaltsAndFlattens(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	positions := NewPosition(bus, client, time.Second)
	h := NewRisk(bus, client, positions, RiskConfig{MaxDailyLoss: 500}, time.Second)

	// An open position that must be force closed on breach.
	bus.PublishImmediate(events.Event{
		Kind:     events.KindPositionOpened,
		Priority: 8,
		Payload:  events.PositionPayload{PositionID: "POS_2", Symbol: "ETHUSDT", Side: "BUY", Quantity: 1},
	})

	client.On("ClosePosition", mock.Anything, "ETHUSDT").Return(true, nil).Once()
	client.On("CancelAllPendingOrders", mock.Anything, "ETHUSDT").Return(true, nil).Once()
	client.On("CancelOrder", mock.Anything, mock.Anything).Return(true, nil).Maybe()

	bus.PublishImmediate(closedWithPnL("BTCUSDT", -600))

	// The breach path runs synchronously: by the time the publish returns,
	// trading is halted and the flatten calls have been made.
	assert.False(t, h.TradingAllowed())
	client.AssertExpectations(t)

	recent := bus.Recent(events.KindSystemStopped, 10)
	assert.NotEmpty(t, recent)
}

func TestRiskPositionLossBreach(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	positions := NewPosition(bus, client, time.Second)
	h := NewRisk(bus, client, positions, RiskConfig{MaxDailyLoss: 10000, MaxPositionLoss: 200}, time.Second)

	bus.PublishImmediate(events.Event{
		Kind:     events.KindPositionOpened,
		Priority: 8,
		Payload:  events.PositionPayload{PositionID: "POS_1", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1},
	})

	client.On("ClosePosition", mock.Anything, "BTCUSDT").Return(true, nil).Once()
	client.On("CancelAllPendingOrders", mock.Anything, "BTCUSDT").Return(true, nil).Once()

	bus.PublishImmediate(events.Event{
		Kind:     events.KindPositionUpdated,
		Priority: 7,
		Payload:  events.PositionPayload{PositionID: "POS_1", Symbol: "BTCUSDT", PnL: -250},
	})

	assert.False(t, h.TradingAllowed())
	client.AssertExpectations(t)
}

func TestRiskBreachIsLatched(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	positions := NewPosition(bus, client, time.Second)
	h := NewRisk(bus, client, positions, RiskConfig{MaxDailyLoss: 100}, time.Second)

	bus.PublishImmediate(closedWithPnL("BTCUSDT", -150))
	assert.False(t, h.TradingAllowed())

	// A later profitable close does not re-enable trading.
	bus.PublishImmediate(closedWithPnL("BTCUSDT", 500))
	assert.False(t, h.TradingAllowed())
}

func TestRiskSmallLossKeepsTrading(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	positions := NewPosition(bus, client, time.Second)
	h := NewRisk(bus, client, positions, RiskConfig{MaxDailyLoss: 500, MaxPositionLoss: 200}, time.Second)

	bus.PublishImmediate(events.Event{
		Kind:     events.KindPositionUpdated,
		Priority: 7,
		Payload:  events.PositionPayload{PositionID: "POS_1", Symbol: "BTCUSDT", PnL: -100},
	})
	assert.True(t, h.TradingAllowed())
	client.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything)
}
