package config

import "strings"

// Config is the main configuration carrier for the engine.
type Config struct {
	App     AppConfig     `toml:"app"`
	Trading TradingConfig `toml:"trading"`
	Risk    RiskConfig    `toml:"risk"`
	Bus     BusConfig     `toml:"bus"`
	Monitor MonitorConfig `toml:"monitor"`
	Manager ManagerConfig `toml:"manager"`
	Store   StoreConfig   `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// TradingConfig names the managed instrument and the broker call budget.
type TradingConfig struct {
	Symbol               string  `toml:"symbol"`
	BrokerTimeoutSeconds int     `toml:"broker_timeout_seconds"`
	DefaultQuantity      float64 `toml:"default_quantity"`
}

type RiskConfig struct {
	MaxDailyLoss    float64 `toml:"max_daily_loss"`
	MaxPositionLoss float64 `toml:"max_position_loss"`
}

type BusConfig struct {
	QueueSize   int `toml:"queue_size"`
	HistorySize int `toml:"history_size"`
}

type MonitorConfig struct {
	IntervalSeconds  int    `toml:"interval_seconds"`
	StaleLockSeconds int    `toml:"stale_lock_seconds"`
	StatusPath       string `toml:"status_path"`
}

// ManagerConfig holds the management tick rate plus the default strategy
// applied to positions. The strategy block is hot-reloadable.
type ManagerConfig struct {
	IntervalSeconds int            `toml:"interval_seconds"`
	Strategy        StrategyConfig `toml:"strategy"`
}

type StrategyConfig struct {
	TrailingEnabled    bool            `toml:"trailing_enabled"`
	TrailingDistance   float64         `toml:"trailing_distance"`
	BreakevenEnabled   bool            `toml:"breakeven_enabled"`
	BreakevenThreshold float64         `toml:"breakeven_threshold"`
	BreakevenOffset    float64         `toml:"breakeven_offset"`
	PartialExitEnabled bool            `toml:"partial_exit_enabled"`
	PartialExitLevels  []PartialLevel  `toml:"partial_exit_levels"`
}

type PartialLevel struct {
	ProfitThreshold float64 `toml:"profit_threshold"`
	ExitFraction    float64 `toml:"exit_fraction"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// keySet tracks the field paths explicitly set in the config files, so a
// deliberate zero value is not clobbered by a default.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
