package config

import "strings"

const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9991"
	defaultAppLogPath         = "/data/logs/bracket.log"
	defaultTradingSymbol      = "BTCUSDT"
	defaultBrokerTimeout      = 3
	defaultRiskDailyLoss      = 500
	defaultRiskPositionLoss   = 200
	defaultBusQueueSize       = 10000
	defaultBusHistorySize     = 1000
	defaultMonitorInterval    = 2
	defaultMonitorStaleLock   = 30
	defaultMonitorStatusPath  = "/data/live/position_status.json"
	defaultManagerInterval    = 2
	defaultTrailingDistance   = 0.02
	defaultBreakevenThreshold = 0.005
	defaultBreakevenOffset    = 1.0
	defaultStorePath          = "/data/db/events.db"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Bus.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Manager.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.symbol", &t.Symbol, defaultTradingSymbol),
		fieldDefault{
			key:   "trading.broker_timeout_seconds",
			need:  func() bool { return t.BrokerTimeoutSeconds <= 0 },
			apply: func() { t.BrokerTimeoutSeconds = defaultBrokerTimeout },
		},
	)
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.DefaultQuantity < 0 {
		t.DefaultQuantity = 0
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.max_daily_loss",
			need:  func() bool { return r.MaxDailyLoss <= 0 },
			apply: func() { r.MaxDailyLoss = defaultRiskDailyLoss },
		},
		fieldDefault{
			key:   "risk.max_position_loss",
			need:  func() bool { return r.MaxPositionLoss <= 0 },
			apply: func() { r.MaxPositionLoss = defaultRiskPositionLoss },
		},
	)
}

func (b *BusConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "bus.queue_size",
			need:  func() bool { return b.QueueSize <= 0 },
			apply: func() { b.QueueSize = defaultBusQueueSize },
		},
		fieldDefault{
			key:   "bus.history_size",
			need:  func() bool { return b.HistorySize <= 0 },
			apply: func() { b.HistorySize = defaultBusHistorySize },
		},
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("monitor.status_path", &m.StatusPath, defaultMonitorStatusPath),
		fieldDefault{
			key:   "monitor.interval_seconds",
			need:  func() bool { return m.IntervalSeconds <= 0 },
			apply: func() { m.IntervalSeconds = defaultMonitorInterval },
		},
		fieldDefault{
			key:   "monitor.stale_lock_seconds",
			need:  func() bool { return m.StaleLockSeconds <= 0 },
			apply: func() { m.StaleLockSeconds = defaultMonitorStaleLock },
		},
	)
}

func (m *ManagerConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "manager.interval_seconds",
			need:  func() bool { return m.IntervalSeconds <= 0 },
			apply: func() { m.IntervalSeconds = defaultManagerInterval },
		},
		boolFieldDefault("manager.strategy.breakeven_enabled", &m.Strategy.BreakevenEnabled, true),
		fieldDefault{
			key:   "manager.strategy.trailing_distance",
			need:  func() bool { return m.Strategy.TrailingDistance <= 0 },
			apply: func() { m.Strategy.TrailingDistance = defaultTrailingDistance },
		},
		fieldDefault{
			key:   "manager.strategy.breakeven_threshold",
			need:  func() bool { return m.Strategy.BreakevenThreshold <= 0 },
			apply: func() { m.Strategy.BreakevenThreshold = defaultBreakevenThreshold },
		},
		fieldDefault{
			key:   "manager.strategy.breakeven_offset",
			need:  func() bool { return m.Strategy.BreakevenOffset < 0 },
			apply: func() { m.Strategy.BreakevenOffset = defaultBreakevenOffset },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("store.enabled", &s.Enabled, true),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
