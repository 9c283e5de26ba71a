// Package app wires the engine together: bus, handlers, monitor, manager,
// persistence and the HTTP surface, in dependency order.
package app

import (
	"context"
	"fmt"
	"time"

	"bracket/internal/api"
	"bracket/internal/broker"
	brcfg "bracket/internal/config"
	"bracket/internal/engine"
	"bracket/internal/events"
	"bracket/internal/guard"
	"bracket/internal/handlers"
	"bracket/internal/logger"
	"bracket/internal/manager"
	"bracket/internal/monitor"
	"bracket/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 5 * time.Second

// Breaker settings for the broker client. Five straight transport failures
// open the circuit; calls fail fast for thirty seconds before a probe.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

type App struct {
	cfg     *brcfg.Config
	bus     *events.Bus
	store   *store.EventStore
	risk    *handlers.Risk
	monitor *monitor.Monitor
	manager *manager.Manager
	engine  *engine.Engine
	httpSrv *api.Server
}

// New builds the application around the given broker client. Nothing is
// started; Run does that.
func New(cfg *brcfg.Config, client broker.Client) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if client == nil {
		return nil, fmt.Errorf("nil broker client")
	}
	brokerTimeout := time.Duration(cfg.Trading.BrokerTimeoutSeconds) * time.Second
	client = broker.NewCircuit(client, breakerThreshold, breakerCooldown)

	bus := events.NewBus(
		events.WithQueueSize(cfg.Bus.QueueSize),
		events.WithHistorySize(cfg.Bus.HistorySize),
	)

	registry := prometheus.NewRegistry()
	handlers.NewMetrics(bus, registry)

	var st *store.EventStore
	if cfg.Store.Enabled {
		opened, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening event store failed: %w", err)
		}
		st = opened
		handlers.NewAudit(bus, st)
	}

	entryGuard := guard.New()
	oco := handlers.NewOCO(bus, client, brokerTimeout)
	positions := handlers.NewPosition(bus, client, brokerTimeout)
	risk := handlers.NewRisk(bus, client, positions, handlers.RiskConfig{
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxPositionLoss: cfg.Risk.MaxPositionLoss,
	}, brokerTimeout)

	mon := monitor.New(monitor.Config{
		Symbol:           cfg.Trading.Symbol,
		Interval:         time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		BrokerTimeout:    brokerTimeout,
		StaleLockTimeout: time.Duration(cfg.Monitor.StaleLockSeconds) * time.Second,
		StatusPath:       cfg.Monitor.StatusPath,
	}, client, bus, entryGuard, oco)

	mgr := manager.New(manager.Config{
		Interval:      time.Duration(cfg.Manager.IntervalSeconds) * time.Second,
		BrokerTimeout: brokerTimeout,
	}, client, bus, risk, strategyFrom(cfg.Manager.Strategy))

	eng := engine.New(cfg.Trading.Symbol, client, bus, entryGuard, risk,
		positions, oco, mon, mgr, brokerTimeout)

	srvCfg := api.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Bus:       bus,
		Monitor:   mon,
		Risk:      risk,
		Positions: positions,
		Signals:   eng,
		Registry:  registry,
	}
	if st != nil {
		srvCfg.Journal = st
	}
	httpSrv, err := api.NewServer(srvCfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		bus:     bus,
		store:   st,
		risk:    risk,
		monitor: mon,
		manager: mgr,
		engine:  eng,
		httpSrv: httpSrv,
	}, nil
}

// Engine exposes the entry path for embedding callers and tests.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// ApplyConfig installs hot-reloadable settings from a fresh config. Only the
// management strategy is live-swappable; everything else needs a restart.
func (a *App) ApplyConfig(cfg *brcfg.Config) {
	if a == nil || cfg == nil {
		return
	}
	s := strategyFrom(cfg.Manager.Strategy)
	a.manager.SetDefaults(s)
	a.manager.SetStrategy(cfg.Trading.Symbol, s)
}

// Run starts the bus and all loops, then blocks until ctx is cancelled or a
// component fails. Shutdown order: loops stop, the bus drains, the store
// closes.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.bus.Start()
	_ = a.bus.Publish(events.Event{
		Kind:     events.KindSystemStarted,
		Source:   "app",
		Priority: events.PriorityMax,
		Payload:  events.SystemPayload{Reason: "startup"},
	})
	logger.Infof("app: running (symbol=%s http=%s)", a.cfg.Trading.Symbol, a.httpSrv.Addr())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpSrv.Start(gctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error { return a.monitor.Run(gctx) })
	group.Go(func() error { return a.manager.Run(gctx) })

	err := group.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	_ = a.bus.Close(drainCtx)
	cancel()
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil {
			logger.Warnf("app: event store close failed: %v", cerr)
		}
	}
	return err
}

func strategyFrom(s brcfg.StrategyConfig) manager.Strategy {
	levels := make([]manager.PartialLevel, 0, len(s.PartialExitLevels))
	for _, lv := range s.PartialExitLevels {
		levels = append(levels, manager.PartialLevel{
			ProfitThreshold: lv.ProfitThreshold,
			ExitFraction:    lv.ExitFraction,
		})
	}
	return manager.Strategy{
		TrailingEnabled:    s.TrailingEnabled,
		TrailingDistance:   s.TrailingDistance,
		BreakevenEnabled:   s.BreakevenEnabled,
		BreakevenThreshold: s.BreakevenThreshold,
		BreakevenOffset:    s.BreakevenOffset,
		PartialExitEnabled: s.PartialExitEnabled,
		PartialExitLevels:  levels,
	}
}
