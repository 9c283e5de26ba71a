package events

import (
	"fmt"
	"time"
)

// Kind identifies the event family a payload belongs to. Handlers subscribe
// by kind; the dispatch loop never inspects payloads.
type Kind string

const (
	// Order lifecycle.
	KindOrderSubmitted     Kind = "order_submitted"
	KindOrderFilled        Kind = "order_filled"
	KindOrderPartialFilled Kind = "order_partially_filled"
	KindOrderCancelled     Kind = "order_cancelled"
	KindOrderRejected      Kind = "order_rejected"
	KindOrderExpired       Kind = "order_expired"

	// Position lifecycle.
	KindPositionOpened  Kind = "position_opened"
	KindPositionClosed  Kind = "position_closed"
	KindPositionUpdated Kind = "position_updated"

	// Bracket legs.
	KindStopTriggered Kind = "stop_triggered"
	KindTakeTriggered Kind = "take_triggered"
	KindOCOCancelled  Kind = "oco_cancelled"

	// Market data.
	KindPriceUpdate Kind = "price_update"

	// Risk.
	KindRiskLimitReached Kind = "risk_limit_reached"
	KindDailyLossLimit   Kind = "daily_loss_limit"

	// System.
	KindSystemStarted       Kind = "system_started"
	KindSystemStopped       Kind = "system_stopped"
	KindConnectionLost      Kind = "connection_lost"
	KindConnectionRestored  Kind = "connection_restored"
)

// Priority bounds. Higher is dispatched first.
const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// Event is immutable once published. Payload holds one of the typed payload
// structs below; Meta is free-form and intended only for passive consumers
// (audit, metrics); business handlers must not depend on it.
type Event struct {
	ID       string
	Kind     Kind
	Time     time.Time
	Source   string
	Priority int
	Payload  any
	Meta     map[string]any
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s from %s (p%d)", e.Time.Format("15:04:05.000"), e.Kind, e.Source, e.Priority)
}

// OrderStatus values mirror what the broker reports for an order.
const (
	OrderStatusSubmitted       = "submitted"
	OrderStatusFilled          = "filled"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
)

// OrderPayload accompanies every order_* event and stop/take triggers.
type OrderPayload struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`
	Reason   string  `json:"reason,omitempty"`
}

// PositionPayload accompanies position_* events.
type PositionPayload struct {
	PositionID   string  `json:"position_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
	Reason       string  `json:"reason,omitempty"`
}

// PricePayload accompanies price_update events.
type PricePayload struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume float64 `json:"volume"`
}

// OCOPayload records which leg executed and which was cancelled for it.
type OCOPayload struct {
	ExecutedID  string `json:"executed_order"`
	CancelledID string `json:"cancelled_order"`
	Symbol      string `json:"symbol"`
}

// RiskPayload accompanies risk_limit_reached and daily_loss_limit events.
type RiskPayload struct {
	DailyPnL float64 `json:"daily_pnl"`
	Limit    float64 `json:"limit"`
	Reason   string  `json:"reason"`
}

// SystemPayload accompanies system_* and connection_* events.
type SystemPayload struct {
	Reason string `json:"reason"`
}
