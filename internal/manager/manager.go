// Package manager applies dynamic position management on top of the event
// bus: breakeven stop moves, trailing stops and staged partial exits. Broker
// failures are logged and retried on the next tick rather than immediately,
// so a flapping broker is never hammered.
package manager

import (
	"context"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/logger"

	"github.com/shopspring/decimal"
)

// RiskGate is consulted before every broker mutation; satisfied by
// handlers.Risk. A risk-triggered flatten flips the gate synchronously, so a
// management tick observing the gate cannot race the force close.
type RiskGate interface {
	TradingAllowed() bool
}

type Config struct {
	Interval      time.Duration
	BrokerTimeout time.Duration
}

type bracketInfo struct {
	ids       broker.BracketIDs
	stopPrice float64
}

// mgmtState is created when a position opens and discarded when it closes.
type mgmtState struct {
	side         string
	entry        float64
	remaining    float64
	price        float64
	stopOrderID  string
	originalStop float64
	currentStop  float64

	breakevenMoved bool
	trailingHigh   float64
	trailingLow    float64
	lastTrailing   time.Time
	partialDone    map[int]bool
}

type Manager struct {
	cfg    Config
	client broker.Client
	gate   RiskGate

	mu         sync.Mutex
	defaults   Strategy
	strategies map[string]Strategy
	state      map[string]*mgmtState
	pending    map[string]bracketInfo
}

func New(cfg Config, client broker.Client, bus *events.Bus, gate RiskGate, defaults Strategy) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 3 * time.Second
	}
	m := &Manager{
		cfg:        cfg,
		client:     client,
		gate:       gate,
		defaults:   defaults.sanitized(),
		strategies: make(map[string]Strategy),
		state:      make(map[string]*mgmtState),
		pending:    make(map[string]bracketInfo),
	}
	bus.Subscribe(events.KindPositionOpened, m.onOpened, 8)
	bus.Subscribe(events.KindPositionClosed, m.onClosed, 9)
	bus.Subscribe(events.KindPositionUpdated, m.onUpdated, 7)
	return m
}

// SetStrategy installs or replaces the management strategy for a symbol.
// Takes effect on the next tick; an open position keeps its fired markers.
func (m *Manager) SetStrategy(symbol string, s Strategy) {
	m.mu.Lock()
	m.strategies[symbol] = s.sanitized()
	m.mu.Unlock()
	logger.Infof("manager: strategy for %s updated (trailing=%v breakeven=%v partial=%v)",
		symbol, s.TrailingEnabled, s.BreakevenEnabled, s.PartialExitEnabled)
}

// SetDefaults replaces the strategy applied to symbols without an explicit
// one. Used by the config hot-reload path.
func (m *Manager) SetDefaults(s Strategy) {
	m.mu.Lock()
	m.defaults = s.sanitized()
	m.mu.Unlock()
}

// TrackBracket hands the manager the bracket order ids so it knows which
// stop order to modify once the position opens.
func (m *Manager) TrackBracket(symbol string, ids broker.BracketIDs, stopPrice float64) {
	m.mu.Lock()
	m.pending[symbol] = bracketInfo{ids: ids, stopPrice: stopPrice}
	m.mu.Unlock()
}

// Run ticks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	logger.Infof("manager: started (interval=%s)", m.cfg.Interval)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("manager: stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick applies every enabled management rule to every managed position.
// Exported so tests can drive the manager without the timer.
func (m *Manager) Tick(ctx context.Context) {
	if !m.gate.TradingAllowed() {
		return
	}
	m.mu.Lock()
	symbols := make([]string, 0, len(m.state))
	for sym := range m.state {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		m.manage(ctx, sym)
	}
}

func (m *Manager) onOpened(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	info := m.pending[p.Symbol]
	delete(m.pending, p.Symbol)
	st := &mgmtState{
		side:         p.Side,
		entry:        p.EntryPrice,
		remaining:    p.Quantity,
		price:        p.CurrentPrice,
		stopOrderID:  info.ids.Stop,
		originalStop: info.stopPrice,
		currentStop:  info.stopPrice,
		trailingHigh: p.EntryPrice,
		trailingLow:  p.EntryPrice,
		partialDone:  make(map[int]bool),
	}
	m.state[p.Symbol] = st
	if _, ok := m.strategies[p.Symbol]; !ok {
		m.strategies[p.Symbol] = m.defaults
	}
	m.mu.Unlock()
	logger.Infof("manager: managing %s %s entry=%v stop=%v", p.Symbol, p.Side, p.EntryPrice, info.stopPrice)
}

func (m *Manager) onClosed(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.state, p.Symbol)
	delete(m.pending, p.Symbol)
	m.mu.Unlock()
	logger.Infof("manager: released %s (pnl=%.2f)", p.Symbol, p.PnL)
}

func (m *Manager) onUpdated(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	if st, exists := m.state[p.Symbol]; exists {
		if p.CurrentPrice > 0 {
			st.price = p.CurrentPrice
		}
		if p.Quantity > 0 {
			st.remaining = p.Quantity
		}
	}
	m.mu.Unlock()
}

// manage runs the three rules for one symbol. Shared state is read and
// updated under the lock; broker calls happen outside it.
func (m *Manager) manage(ctx context.Context, symbol string) {
	m.mu.Lock()
	st, ok := m.state[symbol]
	if !ok || st.price <= 0 || st.entry <= 0 {
		m.mu.Unlock()
		return
	}
	strat := m.strategies[symbol]
	snapshot := *st
	m.mu.Unlock()

	if strat.BreakevenEnabled {
		m.checkBreakeven(ctx, symbol, snapshot, strat)
	}
	if strat.TrailingEnabled {
		m.checkTrailing(ctx, symbol, snapshot, strat)
	}
	if strat.PartialExitEnabled {
		m.checkPartialExits(ctx, symbol, snapshot, strat)
	}
}

func (m *Manager) checkBreakeven(ctx context.Context, symbol string, st mgmtState, strat Strategy) {
	if st.breakevenMoved || st.stopOrderID == "" {
		return
	}
	if profitRatio(st.side, st.entry, st.price) < strat.BreakevenThreshold {
		return
	}
	entry := decimal.NewFromFloat(st.entry)
	offset := decimal.NewFromFloat(strat.BreakevenOffset)
	var newStop decimal.Decimal
	if st.side == broker.SideBuy {
		newStop = entry.Add(offset)
	} else {
		newStop = entry.Sub(offset)
	}
	target, _ := newStop.Float64()
	if !improves(st.side, target, st.currentStop) {
		// Trailing may already hold a tighter stop; mark the rule done.
		m.mu.Lock()
		if cur, ok := m.state[symbol]; ok {
			cur.breakevenMoved = true
		}
		m.mu.Unlock()
		return
	}
	if !m.modifyStop(ctx, symbol, st.stopOrderID, target) {
		return
	}
	m.mu.Lock()
	if cur, ok := m.state[symbol]; ok {
		cur.breakevenMoved = true
		cur.currentStop = target
	}
	m.mu.Unlock()
	logger.Infof("manager: breakeven stop for %s -> %.2f", symbol, target)
}

func (m *Manager) checkTrailing(ctx context.Context, symbol string, st mgmtState, strat Strategy) {
	if st.stopOrderID == "" {
		return
	}
	price := decimal.NewFromFloat(st.price)
	dist := price.Mul(decimal.NewFromFloat(strat.TrailingDistance))

	var candidate float64
	if st.side == broker.SideBuy {
		if st.price <= st.trailingHigh {
			return
		}
		candidate, _ = price.Sub(dist).Float64()
	} else {
		if st.price >= st.trailingLow {
			return
		}
		candidate, _ = price.Add(dist).Float64()
	}

	// The stop only ever tightens.
	if !improves(st.side, candidate, st.currentStop) {
		m.recordExtreme(symbol, st.side, st.price)
		return
	}
	if !m.modifyStop(ctx, symbol, st.stopOrderID, candidate) {
		// Extreme left untouched so the next tick retries this move.
		return
	}
	m.mu.Lock()
	if cur, ok := m.state[symbol]; ok {
		if st.side == broker.SideBuy {
			cur.trailingHigh = st.price
		} else {
			cur.trailingLow = st.price
		}
		cur.currentStop = candidate
		cur.lastTrailing = time.Now()
	}
	m.mu.Unlock()
	logger.Infof("manager: trailing stop for %s -> %.2f", symbol, candidate)
}

func (m *Manager) checkPartialExits(ctx context.Context, symbol string, st mgmtState, strat Strategy) {
	ratio := profitRatio(st.side, st.entry, st.price)
	if ratio <= 0 {
		return
	}
	for i, level := range strat.PartialExitLevels {
		if st.partialDone[i] || ratio < level.ProfitThreshold {
			continue
		}
		qty, _ := decimal.NewFromFloat(st.remaining).
			Mul(decimal.NewFromFloat(level.ExitFraction)).Float64()
		if qty <= 0 {
			continue
		}
		if !m.gate.TradingAllowed() {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		ok, err := m.client.ClosePartial(cctx, symbol, qty)
		cancel()
		if err != nil || !ok {
			logger.Errorf("manager: partial exit level %d for %s failed: ok=%v err=%v", i+1, symbol, ok, err)
			return
		}
		m.mu.Lock()
		if cur, exists := m.state[symbol]; exists {
			cur.partialDone[i] = true
			cur.remaining -= qty
			st.remaining = cur.remaining
		}
		m.mu.Unlock()
		logger.Infof("manager: partial exit level %d for %s: closed %v at ratio %.4f", i+1, symbol, qty, ratio)
	}
}

func (m *Manager) recordExtreme(symbol, side string, price float64) {
	m.mu.Lock()
	if cur, ok := m.state[symbol]; ok {
		if side == broker.SideBuy && price > cur.trailingHigh {
			cur.trailingHigh = price
		}
		if side == broker.SideSell && price < cur.trailingLow {
			cur.trailingLow = price
		}
	}
	m.mu.Unlock()
}

func (m *Manager) modifyStop(ctx context.Context, symbol, orderID string, newPrice float64) bool {
	if !m.gate.TradingAllowed() {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	ok, err := m.client.ModifyStopOrder(cctx, orderID, newPrice)
	if err != nil || !ok {
		logger.Errorf("manager: stop modify for %s (order %s -> %.2f) failed: ok=%v err=%v",
			symbol, orderID, newPrice, ok, err)
		return false
	}
	return true
}

func profitRatio(side string, entry, price float64) float64 {
	if entry <= 0 || price <= 0 {
		return 0
	}
	if side == broker.SideBuy {
		return (price - entry) / entry
	}
	return (entry - price) / entry
}

// improves reports whether candidate tightens the stop: higher for longs,
// lower for shorts. A zero current stop (unknown) is always improved upon.
func improves(side string, candidate, current float64) bool {
	if current <= 0 {
		return candidate > 0
	}
	if side == broker.SideBuy {
		return candidate > current
	}
	return candidate < current
}
