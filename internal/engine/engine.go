// Package engine owns the entry path (bracket submission behind the entry
// guard) and the bridge surface the broker connector calls into when it
// observes fills, cancels and position changes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/guard"
	"bracket/internal/handlers"
	"bracket/internal/logger"
	"bracket/internal/manager"
	"bracket/internal/monitor"
)

// RiskGate blocks new entries after a risk breach.
type RiskGate interface {
	TradingAllowed() bool
}

type Engine struct {
	symbol    string
	client    broker.Client
	bus       *events.Bus
	guard     *guard.EntryGuard
	gate      RiskGate
	positions *handlers.Position
	oco       *handlers.OCO
	monitor   *monitor.Monitor
	manager   *manager.Manager
	timeout   time.Duration

	mu   sync.Mutex
	legs map[string]string
}

func New(symbol string, client broker.Client, bus *events.Bus, g *guard.EntryGuard, gate RiskGate,
	positions *handlers.Position, oco *handlers.OCO, mon *monitor.Monitor, mgr *manager.Manager,
	brokerTimeout time.Duration) *Engine {
	if brokerTimeout <= 0 {
		brokerTimeout = 5 * time.Second
	}
	return &Engine{
		symbol:    symbol,
		client:    client,
		bus:       bus,
		guard:     g,
		gate:      gate,
		positions: positions,
		oco:       oco,
		monitor:   mon,
		manager:   mgr,
		timeout:   brokerTimeout,
		legs:      make(map[string]string),
	}
}

// OpenBracket submits an entry order with its protective stop and take
// legs. The entry guard serializes attempts: a second call while one is in
// flight (or a position is open) is rejected before touching the broker.
func (e *Engine) OpenBracket(ctx context.Context, side string, qty, stopPrice, takePrice float64) (broker.BracketIDs, error) {
	if !e.gate.TradingAllowed() {
		return broker.BracketIDs{}, fmt.Errorf("engine: trading halted by risk handler")
	}
	if !e.guard.Engage() {
		return broker.BracketIDs{}, fmt.Errorf("engine: entry already in flight or position open for %s", e.symbol)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	ids, err := e.client.SubmitBracketOrder(cctx, e.symbol, side, qty, stopPrice, takePrice)
	cancel()
	if err != nil {
		e.guard.Release()
		return broker.BracketIDs{}, fmt.Errorf("engine: bracket submission failed: %w", err)
	}

	e.mu.Lock()
	e.legs[ids.Main] = "main"
	e.legs[ids.Stop] = "stop"
	e.legs[ids.Take] = "take"
	e.mu.Unlock()

	e.oco.RegisterPair(e.symbol, ids.Stop, ids.Take)
	positionID := e.monitor.TrackBracket(side, qty, stopPrice, takePrice, ids)
	e.positions.RegisterPositionOrders(positionID, []string{ids.Stop, ids.Take})
	e.manager.TrackBracket(e.symbol, ids, stopPrice)

	logger.Infof("engine: bracket submitted %s %s qty=%v stop=%v take=%v (main=%s)",
		e.symbol, side, qty, stopPrice, takePrice, ids.Main)
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindOrderSubmitted,
		Source:   "engine",
		Priority: 6,
		Payload: events.OrderPayload{
			OrderID:  ids.Main,
			Symbol:   e.symbol,
			Side:     side,
			Quantity: qty,
			Status:   events.OrderStatusSubmitted,
		},
	})
	return ids, nil
}

// OnOrderFilled is called by the connector when an order fills. Fills of a
// protective leg additionally raise the matching trigger event at top
// priority so the OCO handler preempts everything else.
func (e *Engine) OnOrderFilled(orderID, symbol, side string, qty, price float64) {
	payload := events.OrderPayload{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Status:   events.OrderStatusFilled,
	}
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindOrderFilled,
		Source:   "connector",
		Priority: 9,
		Payload:  payload,
	})

	e.mu.Lock()
	leg := e.legs[orderID]
	e.mu.Unlock()
	switch leg {
	case "stop":
		_ = e.bus.Publish(events.Event{
			Kind:     events.KindStopTriggered,
			Source:   "connector",
			Priority: 10,
			Payload:  payload,
		})
	case "take":
		_ = e.bus.Publish(events.Event{
			Kind:     events.KindTakeTriggered,
			Source:   "connector",
			Priority: 10,
			Payload:  payload,
		})
	}
}

func (e *Engine) OnOrderCancelled(orderID string) {
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindOrderCancelled,
		Source:   "connector",
		Priority: 6,
		Payload:  events.OrderPayload{OrderID: orderID, Status: events.OrderStatusCancelled},
	})
}

// OnOrderRejected releases the entry guard when the rejected order is the
// entry leg: the attempt is dead, nothing will open.
func (e *Engine) OnOrderRejected(orderID, reason string) {
	e.mu.Lock()
	leg := e.legs[orderID]
	e.mu.Unlock()
	if leg == "main" {
		e.guard.Release()
		logger.Warnf("engine: entry order %s rejected (%s), guard released", orderID, reason)
	}
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindOrderRejected,
		Source:   "connector",
		Priority: 8,
		Payload:  events.OrderPayload{OrderID: orderID, Status: events.OrderStatusRejected, Reason: reason},
	})
}

func (e *Engine) OnPositionOpened(positionID, symbol, side string, qty, entryPrice float64) {
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindPositionOpened,
		Source:   "connector",
		Priority: 8,
		Payload: events.PositionPayload{
			PositionID: positionID,
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entryPrice,
		},
	})
}

func (e *Engine) OnPositionClosed(positionID string, pnl float64) {
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindPositionClosed,
		Source:   "connector",
		Priority: 9,
		Payload:  events.PositionPayload{PositionID: positionID, Symbol: e.symbol, PnL: pnl},
	})
}

func (e *Engine) OnPrice(symbol string, bid, ask, last, volume float64) {
	_ = e.bus.Publish(events.Event{
		Kind:     events.KindPriceUpdate,
		Source:   "connector",
		Priority: 3,
		Payload:  events.PricePayload{Symbol: symbol, Bid: bid, Ask: ask, Last: last, Volume: volume},
	})
}
