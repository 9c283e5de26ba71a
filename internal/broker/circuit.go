package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"bracket/internal/logger"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls because the
// broker has failed too many times in a row.
var ErrCircuitOpen = errors.New("broker circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitClient wraps a Client with a failure-counting circuit breaker.
// Consecutive transport errors trip the breaker; while open every call fails
// fast with ErrCircuitOpen, and after the cooldown a single probe call is let
// through to test whether the broker has recovered. Refusals ((false, nil)
// returns) are broker decisions, not transport failures, and never count
// against the breaker.
type CircuitClient struct {
	inner Client

	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
}

// NewCircuit wraps client. threshold is the number of consecutive failures
// that opens the breaker; cooldown is how long it stays open before probing.
func NewCircuit(client Client, threshold int, cooldown time.Duration) *CircuitClient {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitClient{
		inner:     client,
		state:     breakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (c *CircuitClient) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case breakerOpen:
		if time.Since(c.lastFailure) > c.cooldown {
			c.transition(breakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (c *CircuitClient) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if c.state == breakerHalfOpen {
			c.transition(breakerClosed)
		}
		c.failures = 0
		return
	}

	c.failures++
	c.lastFailure = time.Now()
	switch c.state {
	case breakerClosed:
		if c.failures >= c.threshold {
			c.transition(breakerOpen)
		}
	case breakerHalfOpen:
		c.transition(breakerOpen)
	}
}

// transition must be called with c.mu held.
func (c *CircuitClient) transition(to breakerState) {
	from := c.state
	c.state = to
	logger.Warnf("broker: circuit %s -> %s failures=%d/%d cooldown=%s",
		from, to, c.failures, c.threshold, c.cooldown)
}

// State reports the current breaker state as a string, for status surfaces.
func (c *CircuitClient) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

func (c *CircuitClient) SubmitBracketOrder(ctx context.Context, symbol, side string, qty, stopPrice, takePrice float64) (BracketIDs, error) {
	if !c.allow() {
		return BracketIDs{}, ErrCircuitOpen
	}
	ids, err := c.inner.SubmitBracketOrder(ctx, symbol, side, qty, stopPrice, takePrice)
	c.record(err)
	return ids, err
}

func (c *CircuitClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if !c.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := c.inner.CancelOrder(ctx, orderID)
	c.record(err)
	return ok, err
}

func (c *CircuitClient) CancelAllPendingOrders(ctx context.Context, symbol string) (bool, error) {
	if !c.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := c.inner.CancelAllPendingOrders(ctx, symbol)
	c.record(err)
	return ok, err
}

func (c *CircuitClient) ModifyStopOrder(ctx context.Context, orderID string, newPrice float64) (bool, error) {
	if !c.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := c.inner.ModifyStopOrder(ctx, orderID, newPrice)
	c.record(err)
	return ok, err
}

func (c *CircuitClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if !c.allow() {
		return nil, ErrCircuitOpen
	}
	pos, err := c.inner.GetPosition(ctx, symbol)
	c.record(err)
	return pos, err
}

func (c *CircuitClient) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	if !c.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := c.inner.ClosePosition(ctx, symbol)
	c.record(err)
	return ok, err
}

func (c *CircuitClient) ClosePartial(ctx context.Context, symbol string, qty float64) (bool, error) {
	if !c.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := c.inner.ClosePartial(ctx, symbol, qty)
	c.record(err)
	return ok, err
}
