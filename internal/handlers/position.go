package handlers

import (
	"context"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/logger"
)

// OpenPosition is the handler's cached view of one open position.
type OpenPosition struct {
	PositionID   string
	Symbol       string
	Side         string
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
	PnL          float64
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// Position tracks open positions and the pending orders that belong to each.
// On position_closed it best-effort cancels every remaining registered order;
// this is the authoritative path for "no orphan order outlives its position".
type Position struct {
	client  broker.Client
	timeout time.Duration

	mu         sync.Mutex
	open       map[string]OpenPosition
	orders     map[string][]string
	violations uint64
}

func NewPosition(bus *events.Bus, client broker.Client, brokerTimeout time.Duration) *Position {
	if brokerTimeout <= 0 {
		brokerTimeout = 3 * time.Second
	}
	h := &Position{
		client:  client,
		timeout: brokerTimeout,
		open:    make(map[string]OpenPosition),
		orders:  make(map[string][]string),
	}
	bus.Subscribe(events.KindPositionOpened, h.handleOpened, 8)
	bus.Subscribe(events.KindPositionClosed, h.handleClosed, 9)
	bus.Subscribe(events.KindPositionUpdated, h.handleUpdated, 7)
	return h
}

// RegisterPositionOrders associates pending order ids with a position so they
// can be cancelled when it closes.
func (h *Position) RegisterPositionOrders(positionID string, orderIDs []string) {
	ids := make([]string, len(orderIDs))
	copy(ids, orderIDs)
	h.mu.Lock()
	h.orders[positionID] = ids
	h.mu.Unlock()
	logger.Infof("position: orders %v registered for position %s", ids, positionID)
}

// OpenSymbols returns the symbols with a tracked open position.
func (h *Position) OpenSymbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.open))
	for sym := range h.open {
		out = append(out, sym)
	}
	return out
}

// Open returns the tracked position for a symbol.
func (h *Position) Open(symbol string) (OpenPosition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.open[symbol]
	return p, ok
}

// InvariantViolations counts rejected attempts to open a second position for
// a symbol that already has one.
func (h *Position) InvariantViolations() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.violations
}

func (h *Position) handleOpened(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	h.mu.Lock()
	if existing, dup := h.open[p.Symbol]; dup && existing.PositionID != p.PositionID {
		h.violations++
		h.mu.Unlock()
		// Never silently merge: a second live position for one symbol is an
		// operator problem, closing either one automatically is unsafe.
		logger.Criticalf("position: second open position for %s rejected (have %s, got %s)",
			p.Symbol, existing.PositionID, p.PositionID)
		return
	}
	now := time.Now()
	h.open[p.Symbol] = OpenPosition{
		PositionID:   p.PositionID,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Quantity:     p.Quantity,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.CurrentPrice,
		PnL:          p.PnL,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	h.mu.Unlock()
	logger.Infof("position: opened %s %s %v @ %v (id=%s)", p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.PositionID)
}

func (h *Position) handleClosed(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	h.mu.Lock()
	delete(h.open, p.Symbol)
	pending := h.orders[p.PositionID]
	delete(h.orders, p.PositionID)
	h.mu.Unlock()

	for _, orderID := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		ok, err := h.client.CancelOrder(ctx, orderID)
		cancel()
		if err != nil || !ok {
			logger.Errorf("position: cancel of pending order %s failed (position %s closed): ok=%v err=%v",
				orderID, p.PositionID, ok, err)
			continue
		}
		logger.Infof("position: pending order %s cancelled (position %s closed)", orderID, p.PositionID)
	}
	logger.Infof("position: closed %s pnl=%.2f (id=%s)", p.Symbol, p.PnL, p.PositionID)
}

func (h *Position) handleUpdated(evt events.Event) {
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	h.mu.Lock()
	if pos, exists := h.open[p.Symbol]; exists {
		pos.CurrentPrice = p.CurrentPrice
		pos.PnL = p.PnL
		if p.Quantity > 0 {
			pos.Quantity = p.Quantity
		}
		pos.UpdatedAt = time.Now()
		h.open[p.Symbol] = pos
	}
	h.mu.Unlock()
}
