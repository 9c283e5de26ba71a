package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bracket/internal/events"
	"bracket/internal/guard"
	"bracket/internal/monitor"
	"bracket/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeRisk struct {
	allowed bool
	pnl     float64
}

func (f *fakeRisk) TradingAllowed() bool { return f.allowed }
func (f *fakeRisk) DailyPnL() float64    { return f.pnl }

type fakePositions struct {
	violations uint64
}

func (f *fakePositions) InvariantViolations() uint64 { return f.violations }

type fakeJournal struct {
	rows     []store.EventModel
	err      error
	gotKind  string
	gotLimit int
}

func (f *fakeJournal) Recent(ctx context.Context, kind string, limit int) ([]store.EventModel, error) {
	f.gotKind = kind
	f.gotLimit = limit
	return f.rows, f.err
}

type noopCleaner struct{}

func (noopCleaner) ClearSymbol(string) {}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	mon := monitor.New(monitor.Config{Symbol: "BTCUSDT"}, nil, bus, guard.New(), noopCleaner{})
	cfg := ServerConfig{
		Addr:      ":0",
		Bus:       bus,
		Monitor:   mon,
		Risk:      &fakeRisk{allowed: true, pnl: -42.5},
		Positions: &fakePositions{violations: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv, bus
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.router.ServeHTTP(w, req)
	return w
}

func TestStatusReportsRiskAndInvariants(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := get(srv, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, gjson.Get(body, "trading_allowed").Bool())
	assert.InDelta(t, -42.5, gjson.Get(body, "daily_pnl").Float(), 1e-9)
	assert.Equal(t, int64(2), gjson.Get(body, "invariant_violations").Int())
	assert.False(t, gjson.Get(body, "has_position").Bool())
}

func TestEventsServedFromBusHistory(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	bus.PublishImmediate(events.Event{
		Kind:    events.KindOrderFilled,
		Payload: events.OrderPayload{OrderID: "o1", Symbol: "BTCUSDT"},
	})
	bus.PublishImmediate(events.Event{
		Kind:    events.KindPriceUpdate,
		Payload: events.PricePayload{Symbol: "BTCUSDT", Last: 100},
	})

	w := get(srv, "/api/events?kind=order_filled")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "count").Int())
}

func TestEventsServedFromJournal(t *testing.T) {
	journal := &fakeJournal{rows: []store.EventModel{
		{ID: "e1", Kind: "order_filled", Symbol: "BTCUSDT", CreatedAt: time.Now()},
		{ID: "e2", Kind: "order_filled", Symbol: "BTCUSDT", CreatedAt: time.Now()},
	}}
	srv, _ := newTestServer(t, func(cfg *ServerConfig) { cfg.Journal = journal })

	w := get(srv, "/api/events?source=store&kind=order_filled&limit=9999")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "count").Int())
	assert.Equal(t, "order_filled", journal.gotKind)
	assert.Equal(t, 500, journal.gotLimit, "limit is clamped before hitting the store")
}

func TestEventsJournalDisabled(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := get(srv, "/api/events?source=store")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsJournalQueryError(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Journal = &fakeJournal{err: assert.AnError}
	})
	w := get(srv, "/api/events?source=store")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
