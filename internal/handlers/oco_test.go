package handlers

import (
	"errors"
	"testing"
	"time"

	"bracket/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func fillEvent(kind events.Kind, orderID string) events.Event {
	return events.Event{
		Kind:     kind,
		Priority: 9,
		Payload:  events.OrderPayload{OrderID: orderID, Symbol: "BTCUSDT", Status: events.OrderStatusFilled},
	}
}

func TestOCOCancelsSiblingOnce(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")

	client.On("CancelOrder", mock.Anything, "take-1").Return(true, nil).Once()

	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))
	// Redelivery of the same fill must not issue a second cancel.
	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestOCONoDoubleCancelWhenBothLegsFill(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")

	client.On("CancelOrder", mock.Anything, "take-1").Return(true, nil).Once()

	bus.PublishImmediate(fillEvent(events.KindStopTriggered, "stop-1"))
	// The sibling's own fill arriving later must not cancel the stop back.
	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "take-1"))

	client.AssertExpectations(t)
	client.AssertNotCalled(t, "CancelOrder", mock.Anything, "stop-1")
}

func TestOCOPartialFillKeepsSibling(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")

	bus.PublishImmediate(fillEvent(events.KindOrderPartialFilled, "stop-1"))

	client.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestOCOCancelFailureNotRetriedHere(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")

	client.On("CancelOrder", mock.Anything, "take-1").Return(false, errors.New("exchange down")).Once()

	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))
	// The cancel was requested once; the monitor's cancel-all is the retry
	// path, so redelivery must not hammer the broker.
	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))

	client.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestOCOClearSymbolDropsPairs(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")
	h.ClearSymbol("BTCUSDT")

	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))

	client.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
}

func TestOCOPublishesCancellationEvent(t *testing.T) {
	bus := events.NewBus()
	client := new(mockClient)
	h := NewOCO(bus, client, time.Second)
	h.RegisterPair("BTCUSDT", "stop-1", "take-1")

	client.On("CancelOrder", mock.Anything, "take-1").Return(true, nil).Once()
	bus.PublishImmediate(fillEvent(events.KindOrderFilled, "stop-1"))

	recent := bus.Recent(events.KindOCOCancelled, 10)
	if assert.Len(t, recent, 1) {
		p, ok := recent[0].Payload.(events.OCOPayload)
		assert.True(t, ok)
		assert.Equal(t, "stop-1", p.ExecutedID)
		assert.Equal(t, "take-1", p.CancelledID)
		assert.Equal(t, "BTCUSDT", p.Symbol)
	}
}
