package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bracket/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillHook is invoked after a paper order fills, outside the broker lock.
// Leg is one of "main", "stop", "take", "partial", "close".
type FillHook func(orderID, symbol, side string, qty, price float64, leg string)

type paperOrder struct {
	id     string
	symbol string
	side   string
	qty    decimal.Decimal
	price  decimal.Decimal
	leg    string
}

type paperPosition struct {
	symbol   string
	side     string
	qty      decimal.Decimal
	avgPrice decimal.Decimal
}

// Paper is an in-memory broker for dry runs and tests. Fills are driven by
// SetPrice: the entry leg fills at the current market price on submission,
// the protective legs fill when the market crosses them.
type Paper struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder
	position map[string]*paperPosition

	onFill   FillHook
	onCancel func(orderID string)
}

func NewPaper() *Paper {
	return &Paper{
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		position: make(map[string]*paperPosition),
	}
}

// SetFillHook wires the connector bridge. Must be called before trading.
func (p *Paper) SetFillHook(hook FillHook) {
	p.mu.Lock()
	p.onFill = hook
	p.mu.Unlock()
}

func (p *Paper) SetCancelHook(hook func(orderID string)) {
	p.mu.Lock()
	p.onCancel = hook
	p.mu.Unlock()
}

// SetPrice records a market tick and fires any protective leg it crosses.
func (p *Paper) SetPrice(symbol string, price float64) {
	px := decimal.NewFromFloat(price)
	p.mu.Lock()
	p.prices[symbol] = px
	fills := p.triggeredLocked(symbol, px)
	hook := p.onFill
	p.mu.Unlock()

	for _, f := range fills {
		qty, _ := f.qty.Float64()
		fpx, _ := f.price.Float64()
		if hook != nil {
			hook(f.id, f.symbol, f.side, qty, fpx, f.leg)
		}
	}
}

// triggeredLocked removes and returns protective orders crossed by px, and
// applies their effect on the position. Caller holds p.mu.
func (p *Paper) triggeredLocked(symbol string, px decimal.Decimal) []*paperOrder {
	pos := p.position[symbol]
	if pos == nil {
		return nil
	}
	var fired []*paperOrder
	for id, o := range p.orders {
		if o.symbol != symbol {
			continue
		}
		long := pos.side == SideBuy
		var hit bool
		switch o.leg {
		case "stop":
			hit = (long && px.LessThanOrEqual(o.price)) || (!long && px.GreaterThanOrEqual(o.price))
		case "take":
			hit = (long && px.GreaterThanOrEqual(o.price)) || (!long && px.LessThanOrEqual(o.price))
		}
		if hit {
			o.price = px
			fired = append(fired, o)
			delete(p.orders, id)
			delete(p.position, symbol)
		}
	}
	return fired
}

func (p *Paper) SubmitBracketOrder(ctx context.Context, symbol, side string, qty, stopPrice, takePrice float64) (BracketIDs, error) {
	side = strings.ToUpper(strings.TrimSpace(side))
	if side != SideBuy && side != SideSell {
		return BracketIDs{}, fmt.Errorf("paper: invalid side %q", side)
	}
	if qty <= 0 {
		return BracketIDs{}, fmt.Errorf("paper: invalid quantity %v", qty)
	}

	p.mu.Lock()
	if p.position[symbol] != nil {
		p.mu.Unlock()
		return BracketIDs{}, fmt.Errorf("paper: position already open for %s", symbol)
	}
	market, ok := p.prices[symbol]
	if !ok || market.IsZero() {
		p.mu.Unlock()
		return BracketIDs{}, fmt.Errorf("paper: no market price for %s", symbol)
	}

	ids := BracketIDs{
		Main: uuid.NewString(),
		Stop: uuid.NewString(),
		Take: uuid.NewString(),
	}
	q := decimal.NewFromFloat(qty)
	exitSide := SideSell
	if side == SideSell {
		exitSide = SideBuy
	}
	p.position[symbol] = &paperPosition{symbol: symbol, side: side, qty: q, avgPrice: market}
	p.orders[ids.Stop] = &paperOrder{id: ids.Stop, symbol: symbol, side: exitSide, qty: q, price: decimal.NewFromFloat(stopPrice), leg: "stop"}
	p.orders[ids.Take] = &paperOrder{id: ids.Take, symbol: symbol, side: exitSide, qty: q, price: decimal.NewFromFloat(takePrice), leg: "take"}
	hook := p.onFill
	p.mu.Unlock()

	entryPx, _ := market.Float64()
	logger.Infof("paper: bracket %s %s qty=%v entry=%v stop=%v take=%v", symbol, side, qty, entryPx, stopPrice, takePrice)
	if hook != nil {
		hook(ids.Main, symbol, side, qty, entryPx, "main")
	}
	return ids, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	_, ok := p.orders[orderID]
	if ok {
		delete(p.orders, orderID)
	}
	hook := p.onCancel
	p.mu.Unlock()
	if ok && hook != nil {
		hook(orderID)
	}
	return ok, nil
}

func (p *Paper) CancelAllPendingOrders(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	var cancelled []string
	for id, o := range p.orders {
		if o.symbol == symbol {
			cancelled = append(cancelled, id)
			delete(p.orders, id)
		}
	}
	hook := p.onCancel
	p.mu.Unlock()
	for _, id := range cancelled {
		if hook != nil {
			hook(id)
		}
	}
	return true, nil
}

func (p *Paper) ModifyStopOrder(ctx context.Context, orderID string, newPrice float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.leg != "stop" {
		return false, nil
	}
	o.price = decimal.NewFromFloat(newPrice)
	return true, nil
}

func (p *Paper) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.position[symbol]
	if pos == nil {
		return nil, nil
	}
	qty, _ := pos.qty.Float64()
	avg, _ := pos.avgPrice.Float64()
	return &Position{Symbol: pos.symbol, Side: pos.side, Quantity: qty, AvgPrice: avg}, nil
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	p.mu.Lock()
	pos := p.position[symbol]
	if pos == nil {
		p.mu.Unlock()
		return false, nil
	}
	market := p.prices[symbol]
	delete(p.position, symbol)
	hook := p.onFill
	p.mu.Unlock()

	qty, _ := pos.qty.Float64()
	px, _ := market.Float64()
	exitSide := SideSell
	if pos.side == SideSell {
		exitSide = SideBuy
	}
	if hook != nil {
		hook(uuid.NewString(), symbol, exitSide, qty, px, "close")
	}
	return true, nil
}

func (p *Paper) ClosePartial(ctx context.Context, symbol string, qty float64) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("paper: invalid partial quantity %v", qty)
	}
	q := decimal.NewFromFloat(qty)
	p.mu.Lock()
	pos := p.position[symbol]
	if pos == nil {
		p.mu.Unlock()
		return false, nil
	}
	if q.GreaterThanOrEqual(pos.qty) {
		p.mu.Unlock()
		return p.ClosePosition(ctx, symbol)
	}
	pos.qty = pos.qty.Sub(q)
	market := p.prices[symbol]
	hook := p.onFill
	p.mu.Unlock()

	px, _ := market.Float64()
	exitSide := SideSell
	if pos.side == SideSell {
		exitSide = SideBuy
	}
	if hook != nil {
		hook(uuid.NewString(), symbol, exitSide, qty, px, "partial")
	}
	return true, nil
}

var _ Client = (*Paper)(nil)
