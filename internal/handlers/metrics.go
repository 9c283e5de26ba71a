package handlers

import (
	"bracket/internal/events"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a passive subscriber that turns bus traffic into Prometheus
// series. It never touches the broker.
type Metrics struct {
	orders     *prometheus.CounterVec
	positions  *prometheus.CounterVec
	exits      *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	realized   prometheus.Gauge
	busDropped prometheus.GaugeFunc
}

func NewMetrics(bus *events.Bus, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_total",
				Help: "Order events by terminal status",
			},
			[]string{"status"},
		),
		positions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_positions_total",
				Help: "Position lifecycle transitions",
			},
			[]string{"transition"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_bracket_exits_total",
				Help: "Protective leg triggers by kind",
			},
			[]string{"leg"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trade_outcomes_total",
				Help: "Closed trades split by win/loss",
			},
			[]string{"outcome"},
		),
		realized: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_realized_pnl",
				Help: "Cumulative realized P&L from closed positions",
			},
		),
		busDropped: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "engine_bus_dropped_events",
				Help: "Events dropped by the bounded bus queue",
			},
			func() float64 { return float64(bus.Stats().Dropped) },
		),
	}
	reg.MustRegister(m.orders, m.positions, m.exits, m.outcomes, m.realized, m.busDropped)

	bus.Subscribe(events.KindOrderSubmitted, func(events.Event) { m.orders.WithLabelValues("submitted").Inc() }, 1)
	bus.Subscribe(events.KindOrderFilled, func(events.Event) { m.orders.WithLabelValues("filled").Inc() }, 1)
	bus.Subscribe(events.KindOrderCancelled, func(events.Event) { m.orders.WithLabelValues("cancelled").Inc() }, 1)
	bus.Subscribe(events.KindOrderRejected, func(events.Event) { m.orders.WithLabelValues("rejected").Inc() }, 1)
	bus.Subscribe(events.KindPositionOpened, func(events.Event) { m.positions.WithLabelValues("opened").Inc() }, 1)
	bus.Subscribe(events.KindStopTriggered, func(events.Event) { m.exits.WithLabelValues("stop").Inc() }, 1)
	bus.Subscribe(events.KindTakeTriggered, func(events.Event) { m.exits.WithLabelValues("take").Inc() }, 1)
	bus.Subscribe(events.KindPositionClosed, m.onPositionClosed, 1)
	return m
}

func (m *Metrics) onPositionClosed(evt events.Event) {
	m.positions.WithLabelValues("closed").Inc()
	p, ok := evt.Payload.(events.PositionPayload)
	if !ok {
		return
	}
	m.realized.Add(p.PnL)
	if p.PnL > 0 {
		m.outcomes.WithLabelValues("win").Inc()
	} else {
		m.outcomes.WithLabelValues("loss").Inc()
	}
}
