package handlers

import (
	"context"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/logger"
)

// RiskConfig carries the loss limits.
type RiskConfig struct {
	MaxDailyLoss    float64
	MaxPositionLoss float64
}

// Risk accumulates realized daily P&L and halts trading on a breach: it
// force-closes every open position and cancels all pending orders.
//
// Arbitration with the position manager: a breach is published with
// PublishImmediate, so halting runs synchronously on the detecting
// goroutine and TradingAllowed flips to false before any close call is made.
// The manager checks TradingAllowed before every broker mutation, so an
// in-flight management tick cannot race the flatten.
type Risk struct {
	bus       *events.Bus
	client    broker.Client
	positions *Position
	cfg       RiskConfig
	timeout   time.Duration

	mu       sync.Mutex
	dailyPnL float64
	allowed  bool
	halting  bool
}

func NewRisk(bus *events.Bus, client broker.Client, positions *Position, cfg RiskConfig, brokerTimeout time.Duration) *Risk {
	if brokerTimeout <= 0 {
		brokerTimeout = 3 * time.Second
	}
	h := &Risk{
		bus:       bus,
		client:    client,
		positions: positions,
		cfg:       cfg,
		timeout:   brokerTimeout,
		allowed:   true,
	}
	bus.Subscribe(events.KindPositionClosed, h.handlePositionClosed, 8)
	bus.Subscribe(events.KindPositionUpdated, h.handlePositionUpdated, 8)
	bus.Subscribe(events.KindRiskLimitReached, h.handleBreach, 10)
	bus.Subscribe(events.KindDailyLossLimit, h.handleBreach, 10)
	logger.Infof("risk: handler ready (max_daily_loss=%.2f max_position_loss=%.2f)",
		cfg.MaxDailyLoss, cfg.MaxPositionLoss)
	return h
}

// TradingAllowed reports whether new entries and management mutations may
// proceed. Cleared permanently (for the session) after a breach.
func (h *Risk) TradingAllowed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allowed
}

// DailyPnL returns the realized P&L accumulated from closed positions.
func (h *Risk) DailyPnL() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dailyPnL
}

func (h *Risk) handlePositionClosed(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	h.mu.Lock()
	h.dailyPnL += p.PnL
	pnl := h.dailyPnL
	breached := h.cfg.MaxDailyLoss > 0 && pnl <= -h.cfg.MaxDailyLoss && h.allowed
	h.mu.Unlock()

	if !breached {
		return
	}
	// Synchronous path: the halt completes before this handler returns.
	h.bus.PublishImmediate(events.Event{
		Kind:     events.KindDailyLossLimit,
		Source:   "risk_handler",
		Priority: 10,
		Payload:  events.RiskPayload{DailyPnL: pnl, Limit: h.cfg.MaxDailyLoss, Reason: "daily loss limit reached"},
	})
}

func (h *Risk) handlePositionUpdated(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	if h.cfg.MaxPositionLoss <= 0 || p.PnL > -h.cfg.MaxPositionLoss {
		return
	}
	h.mu.Lock()
	allowed := h.allowed
	h.mu.Unlock()
	if !allowed {
		return
	}
	h.bus.PublishImmediate(events.Event{
		Kind:     events.KindRiskLimitReached,
		Source:   "risk_handler",
		Priority: 10,
		Payload:  events.RiskPayload{DailyPnL: p.PnL, Limit: h.cfg.MaxPositionLoss, Reason: "position loss limit reached"},
	})
}

func (h *Risk) handleBreach(evt events.Event) {
	reason := "risk limit reached"
	if p, ok := evt.Payload.(events.RiskPayload); ok && p.Reason != "" {
		reason = p.Reason
	}

	h.mu.Lock()
	if h.halting {
		h.mu.Unlock()
		return
	}
	h.halting = true
	h.allowed = false
	h.mu.Unlock()

	logger.Criticalf("risk: %s, halting trading and flattening", reason)

	for _, symbol := range h.positions.OpenSymbols() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if ok, err := h.client.ClosePosition(ctx, symbol); err != nil || !ok {
			logger.Errorf("risk: force close of %s failed: ok=%v err=%v", symbol, ok, err)
		}
		if ok, err := h.client.CancelAllPendingOrders(ctx, symbol); err != nil || !ok {
			logger.Errorf("risk: cancel-all for %s failed: ok=%v err=%v", symbol, ok, err)
		}
		cancel()
	}

	h.mu.Lock()
	h.halting = false
	h.mu.Unlock()

	_ = h.bus.Publish(events.Event{
		Kind:     events.KindSystemStopped,
		Source:   "risk_handler",
		Priority: 10,
		Payload:  events.SystemPayload{Reason: reason},
	})
}
