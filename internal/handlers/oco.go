package handlers

import (
	"context"
	"sync"
	"time"

	"bracket/internal/broker"
	"bracket/internal/events"
	"bracket/internal/logger"
)

// OCO maintains the one-cancels-other pairing between bracket legs. When one
// order of a pair fills or triggers, the sibling is cancelled exactly once.
//
// A cancel failure is logged but not retried here: the position monitor's
// cancel-all cleanup is the retry path, and it is idempotent.
type OCO struct {
	bus     *events.Bus
	client  broker.Client
	timeout time.Duration

	mu        sync.Mutex
	pairs     map[string]string
	symbols   map[string]string
	executed  map[string]struct{}
	cancelled map[string]struct{}
	requested map[string]struct{}
}

func NewOCO(bus *events.Bus, client broker.Client, brokerTimeout time.Duration) *OCO {
	if brokerTimeout <= 0 {
		brokerTimeout = 3 * time.Second
	}
	h := &OCO{
		bus:       bus,
		client:    client,
		timeout:   brokerTimeout,
		pairs:     make(map[string]string),
		symbols:   make(map[string]string),
		executed:  make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		requested: make(map[string]struct{}),
	}
	bus.Subscribe(events.KindOrderFilled, h.handleFilled, 9)
	bus.Subscribe(events.KindOrderPartialFilled, h.handlePartial, 9)
	bus.Subscribe(events.KindStopTriggered, h.handleTriggered, 10)
	bus.Subscribe(events.KindTakeTriggered, h.handleTriggered, 10)
	return h
}

// RegisterPair records a symmetric OCO relation between two order ids.
func (h *OCO) RegisterPair(symbol, a, b string) {
	h.mu.Lock()
	h.pairs[a] = b
	h.pairs[b] = a
	h.symbols[a] = symbol
	h.symbols[b] = symbol
	h.mu.Unlock()
	logger.Infof("oco: pair registered %s <-> %s (%s)", a, b, symbol)
}

// ClearSymbol drops all pairing state for a symbol. Called by the monitor
// when the broker reports the position gone.
func (h *OCO) ClearSymbol(symbol string) {
	h.mu.Lock()
	for id, sym := range h.symbols {
		if sym != symbol {
			continue
		}
		delete(h.pairs, id)
		delete(h.symbols, id)
		delete(h.executed, id)
		delete(h.cancelled, id)
		delete(h.requested, id)
	}
	h.mu.Unlock()
}

func (h *OCO) handleFilled(evt events.Event) {
	p, ok := evt.Payload.(events.OrderPayload)
	if !ok {
		return
	}
	h.cancelSibling(p.OrderID)
}

func (h *OCO) handlePartial(evt events.Event) {
	p, ok := evt.Payload.(events.OrderPayload)
	if !ok {
		return
	}
	// Partial fills do not cancel the sibling.
	logger.Infof("oco: order %s partially filled (%v @ %v)", p.OrderID, p.Quantity, p.Price)
}

func (h *OCO) handleTriggered(evt events.Event) {
	p, ok := evt.Payload.(events.OrderPayload)
	if !ok {
		return
	}
	h.cancelSibling(p.OrderID)
}

// cancelSibling marks id executed and issues exactly one cancel for its pair.
// Re-delivery of the same fill is a no-op.
func (h *OCO) cancelSibling(id string) {
	h.mu.Lock()
	h.executed[id] = struct{}{}
	pair, ok := h.pairs[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, done := h.executed[pair]; done {
		h.mu.Unlock()
		return
	}
	if _, done := h.cancelled[pair]; done {
		h.mu.Unlock()
		return
	}
	if _, inFlight := h.requested[pair]; inFlight {
		h.mu.Unlock()
		return
	}
	h.requested[pair] = struct{}{}
	symbol := h.symbols[pair]
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	ok, err := h.client.CancelOrder(ctx, pair)
	cancel()
	if err != nil || !ok {
		logger.Errorf("oco: cancel of %s failed (executed=%s): ok=%v err=%v", pair, id, ok, err)
		return
	}

	h.mu.Lock()
	h.cancelled[pair] = struct{}{}
	h.mu.Unlock()

	logger.Infof("oco: %s executed, cancelled sibling %s", id, pair)
	_ = h.bus.Publish(events.Event{
		Kind:     events.KindOCOCancelled,
		Source:   "oco_handler",
		Priority: 7,
		Payload:  events.OCOPayload{ExecutedID: id, CancelledID: pair, Symbol: symbol},
	})
}
