package monitor

import (
	"time"

	"bracket/internal/broker"
)

// Status is the position lifecycle state.
type Status string

const (
	StatusNoPosition      Status = "no_position"
	StatusOpening         Status = "opening"
	StatusOpen            Status = "open"
	StatusClosing         Status = "closing"
	StatusClosed          Status = "closed"
	StatusPartiallyFilled Status = "partially_filled"
)

// Position is the monitor's tracked view of the single live position for a
// symbol, reconciled against the broker every tick.
type Position struct {
	PositionID   string            `json:"position_id"`
	Symbol       string            `json:"symbol"`
	Side         string            `json:"side"`
	Quantity     float64           `json:"quantity"`
	EntryPrice   float64           `json:"entry_price"`
	CurrentPrice float64           `json:"current_price"`
	StopPrice    float64           `json:"stop_price"`
	TakePrice    float64           `json:"take_price"`
	PnL          float64           `json:"pnl"`
	PnLPct       float64           `json:"pnl_percentage"`
	Status       Status            `json:"status"`
	OpenTime     time.Time         `json:"open_time"`
	LastUpdate   time.Time         `json:"last_update"`
	Orders       broker.BracketIDs `json:"order_ids"`
}

// refreshPnL recomputes P&L from the current price.
func (p *Position) refreshPnL(price float64) {
	if price <= 0 || p.Quantity <= 0 {
		return
	}
	p.CurrentPrice = price
	if p.Side == broker.SideBuy {
		p.PnL = (price - p.EntryPrice) * p.Quantity
	} else {
		p.PnL = (p.EntryPrice - price) * p.Quantity
	}
	if p.EntryPrice > 0 {
		p.PnLPct = p.PnL / (p.EntryPrice * p.Quantity) * 100
	}
	p.LastUpdate = time.Now()
}
