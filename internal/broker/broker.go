package broker

import "context"

// Side of an order or position.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// BracketIDs are the three order ids returned by a bracket submission.
type BracketIDs struct {
	Main string `json:"main"`
	Stop string `json:"stop"`
	Take string `json:"take"`
}

// Position is the broker's authoritative view of an open position.
// Quantity == 0 means no position.
type Position struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Client is the boundary to the broker/market-data connector. Submission,
// cancellation and queries may block on network I/O; callers are expected to
// bound them with a context deadline.
//
// Cancel and modify operations return (false, nil) when the broker refused
// the request and a non-nil error on transport failure; both are treated as
// retryable by the reconciliation and management ticks.
type Client interface {
	SubmitBracketOrder(ctx context.Context, symbol, side string, qty, stopPrice, takePrice float64) (BracketIDs, error)

	CancelOrder(ctx context.Context, orderID string) (bool, error)

	CancelAllPendingOrders(ctx context.Context, symbol string) (bool, error)

	ModifyStopOrder(ctx context.Context, orderID string, newPrice float64) (bool, error)

	// GetPosition returns nil when no position exists for the symbol.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	ClosePosition(ctx context.Context, symbol string) (bool, error)

	// ClosePartial closes qty of the open position at market.
	ClosePartial(ctx context.Context, symbol string, qty float64) (bool, error)
}
