// Package monitor reconciles local position state against the broker's
// authoritative view on a fixed interval. It is the only component allowed to
// declare "ground truth" about whether a position exists, and the only writer
// that releases the entry guard on the no-position path.
package monitor

import (
	"context"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/guard"
	"bracket/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Cleaner drops per-symbol pairing state; satisfied by handlers.OCO.
type Cleaner interface {
	ClearSymbol(symbol string)
}

type Config struct {
	Symbol           string
	Interval         time.Duration
	BrokerTimeout    time.Duration
	StaleLockTimeout time.Duration
	StatusPath       string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 3 * time.Second
	}
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = 30 * time.Second
	}
}

type Monitor struct {
	cfg     Config
	client  broker.Client
	bus     *events.Bus
	guard   *guard.EntryGuard
	cleaner Cleaner
	limiter *rate.Limiter

	mu         sync.Mutex
	tracked    *Position
	pending    *Position
	lastPrice  float64
	cancelOwed bool
}

func New(cfg Config, client broker.Client, bus *events.Bus, g *guard.EntryGuard, cleaner Cleaner) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		cfg:     cfg,
		client:  client,
		bus:     bus,
		guard:   g,
		cleaner: cleaner,
		// Broker queries are capped well above the tick rate so cleanup
		// bursts (cancel-all after a close) are never starved.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
	bus.Subscribe(events.KindPriceUpdate, m.onPrice, 5)
	return m
}

// TrackBracket is called by the entry path right after submission so the
// monitor can attribute the next broker-side position to this bracket. It
// returns the position id the eventual position_opened event will carry.
func (m *Monitor) TrackBracket(side string, qty, stopPrice, takePrice float64, ids broker.BracketIDs) string {
	now := time.Now()
	id := "POS_" + uuid.NewString()
	m.mu.Lock()
	m.pending = &Position{
		PositionID: id,
		Symbol:     m.cfg.Symbol,
		Side:       side,
		Quantity:   qty,
		StopPrice:  stopPrice,
		TakePrice:  takePrice,
		Status:     StatusOpening,
		OpenTime:   now,
		LastUpdate: now,
		Orders:     ids,
	}
	m.mu.Unlock()
	return id
}

// Tracked returns a copy of the tracked position, if any.
func (m *Monitor) Tracked() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracked == nil {
		return Position{}, false
	}
	return *m.tracked, true
}

// Run polls the broker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logger.Infof("monitor: started for %s (interval=%s stale_lock=%s)",
		m.cfg.Symbol, m.cfg.Interval, m.cfg.StaleLockTimeout)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("monitor: stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Exported so tests can drive the monitor
// without the timer.
func (m *Monitor) Tick(ctx context.Context) {
	m.retryCancelAll(ctx)
	brokerPos := m.queryBroker(ctx)
	m.reconcile(ctx, brokerPos)
	m.checkStaleGuard()
	if m.cfg.StatusPath != "" {
		if err := writeStatus(m.cfg.StatusPath, m.Snapshot()); err != nil {
			logger.Warnf("monitor: status write failed: %v", err)
		}
	}
}

// queryBroker fetches the authoritative position. Query errors fail closed:
// they are logged and treated as "no position", and the next tick retries.
func (m *Monitor) queryBroker(ctx context.Context) *broker.Position {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	if err := m.limiter.Wait(cctx); err != nil {
		return nil
	}
	pos, err := m.client.GetPosition(cctx, m.cfg.Symbol)
	if err != nil {
		logger.Warnf("monitor: position query for %s failed: %v", m.cfg.Symbol, err)
		return nil
	}
	if pos != nil && pos.Quantity == 0 {
		return nil
	}
	return pos
}

func (m *Monitor) reconcile(ctx context.Context, brokerPos *broker.Position) {
	m.mu.Lock()
	local := m.tracked
	price := m.lastPrice

	switch {
	case local == nil && brokerPos != nil:
		pos := m.pending
		m.pending = nil
		if pos == nil {
			// Broker has a position we never submitted. Track it with what
			// little we know; entry price falls back to the broker average.
			pos = &Position{
				PositionID: "DETECTED_" + uuid.NewString(),
				Symbol:     m.cfg.Symbol,
				OpenTime:   time.Now(),
			}
			logger.Warnf("monitor: untracked broker position detected for %s (%v %s)",
				m.cfg.Symbol, brokerPos.Quantity, brokerPos.Side)
		}
		pos.Side = brokerPos.Side
		pos.Quantity = brokerPos.Quantity
		pos.EntryPrice = brokerPos.AvgPrice
		pos.Status = StatusOpen
		pos.refreshPnL(priceOr(price, brokerPos.AvgPrice))
		m.tracked = pos
		snapshot := *pos
		m.mu.Unlock()

		_ = m.bus.Publish(events.Event{
			Kind:     events.KindPositionOpened,
			Source:   "position_monitor",
			Priority: 8,
			Payload:  payloadFrom(snapshot),
		})

	case local != nil && brokerPos == nil:
		closed := *local
		closed.Status = StatusClosed
		closed.refreshPnL(priceOr(price, closed.CurrentPrice))
		m.tracked = nil
		m.mu.Unlock()

		m.cleanup(ctx, closed)

	case local != nil && brokerPos != nil:
		changed := local.Quantity != brokerPos.Quantity || local.Side != brokerPos.Side
		local.Quantity = brokerPos.Quantity
		local.Side = brokerPos.Side
		prevPnL := local.PnL
		local.refreshPnL(priceOr(price, local.CurrentPrice))
		changed = changed || local.PnL != prevPnL
		snapshot := *local
		m.mu.Unlock()

		if changed {
			_ = m.bus.Publish(events.Event{
				Kind:     events.KindPositionUpdated,
				Source:   "position_monitor",
				Priority: 7,
				Payload:  payloadFrom(snapshot),
			})
		}

	default:
		m.mu.Unlock()
	}
}

// cleanup runs the yes→no path: release the entry guard, cancel every
// pending order for the symbol, drop OCO pairing state, then announce the
// close. Each broker step is best-effort; the next tick retries whatever is
// still pending.
func (m *Monitor) cleanup(ctx context.Context, closed Position) {
	m.guard.Release()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	ok, err := m.client.CancelAllPendingOrders(cctx, closed.Symbol)
	cancel()
	if err != nil || !ok {
		logger.Errorf("monitor: cancel-all for %s failed: ok=%v err=%v", closed.Symbol, ok, err)
	}
	// A sweep that went through settles any earlier debt too.
	m.mu.Lock()
	m.cancelOwed = err != nil || !ok
	m.mu.Unlock()

	if m.cleaner != nil {
		m.cleaner.ClearSymbol(closed.Symbol)
	}

	logger.Infof("monitor: position closed for %s pnl=%.2f", closed.Symbol, closed.PnL)
	_ = m.bus.Publish(events.Event{
		Kind:     events.KindPositionClosed,
		Source:   "position_monitor",
		Priority: 9,
		Payload:  payloadFrom(closed),
	})
}

// retryCancelAll re-issues a cancel-all that failed during cleanup. Retries
// run only while flat: once a fresh position exists, its own close sweeps any
// leftovers.
func (m *Monitor) retryCancelAll(ctx context.Context) {
	m.mu.Lock()
	owed := m.cancelOwed && m.tracked == nil
	m.mu.Unlock()
	if !owed {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	ok, err := m.client.CancelAllPendingOrders(cctx, m.cfg.Symbol)
	cancel()
	if err != nil || !ok {
		logger.Errorf("monitor: cancel-all retry for %s failed: ok=%v err=%v", m.cfg.Symbol, ok, err)
		return
	}

	m.mu.Lock()
	m.cancelOwed = false
	m.mu.Unlock()
	logger.Infof("monitor: cancel-all retry for %s succeeded", m.cfg.Symbol)
}

// checkStaleGuard force-releases the entry guard when it has been engaged
// past the staleness threshold with no broker-side position to justify it.
func (m *Monitor) checkStaleGuard() {
	m.mu.Lock()
	hasPosition := m.tracked != nil
	m.mu.Unlock()
	if hasPosition {
		return
	}
	engaged, since := m.guard.Engaged()
	if !engaged {
		return
	}
	if m.guard.ReleaseIfStale(m.cfg.StaleLockTimeout) {
		logger.Warnf("monitor: entry guard stale for %s (engaged %s ago), force released",
			m.cfg.Symbol, time.Since(since).Truncate(time.Second))
	}
}

func (m *Monitor) onPrice(evt events.Event) {
	p, ok := evt.Payload.(events.PricePayload)
	if !ok || p.Symbol != m.cfg.Symbol {
		return
	}
	price := p.Last
	if price <= 0 && p.Bid > 0 && p.Ask > 0 {
		price = (p.Bid + p.Ask) / 2
	}
	if price <= 0 {
		return
	}
	m.mu.Lock()
	m.lastPrice = price
	m.mu.Unlock()
}

func payloadFrom(p Position) events.PositionPayload {
	return events.PositionPayload{
		PositionID:   p.PositionID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Quantity:     p.Quantity,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.CurrentPrice,
		PnL:          p.PnL,
		PnLPct:       p.PnLPct,
	}
}

func priceOr(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}
