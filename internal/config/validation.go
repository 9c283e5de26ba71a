package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Bus.validate(); err != nil {
		return err
	}
	if err := c.Manager.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("trading.symbol cannot be empty")
	}
	if t.BrokerTimeoutSeconds <= 0 {
		return fmt.Errorf("trading.broker_timeout_seconds must be > 0")
	}
	if t.DefaultQuantity < 0 {
		return fmt.Errorf("trading.default_quantity must be >= 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if r.MaxPositionLoss <= 0 {
		return fmt.Errorf("risk.max_position_loss must be > 0")
	}
	return nil
}

func (b *BusConfig) validate() error {
	if b.QueueSize < 100 {
		return fmt.Errorf("bus.queue_size must be >= 100")
	}
	if b.HistorySize < 0 {
		return fmt.Errorf("bus.history_size must be >= 0")
	}
	return nil
}

func (m *ManagerConfig) validate() error {
	s := m.Strategy
	if s.TrailingEnabled && (s.TrailingDistance <= 0 || s.TrailingDistance >= 1) {
		return fmt.Errorf("manager.strategy.trailing_distance must be in (0, 1)")
	}
	if s.BreakevenEnabled && s.BreakevenThreshold <= 0 {
		return fmt.Errorf("manager.strategy.breakeven_threshold must be > 0")
	}
	if s.BreakevenOffset < 0 {
		return fmt.Errorf("manager.strategy.breakeven_offset must be >= 0")
	}
	for i, lv := range s.PartialExitLevels {
		if lv.ProfitThreshold <= 0 {
			return fmt.Errorf("manager.strategy.partial_exit_levels[%d].profit_threshold must be > 0", i)
		}
		if lv.ExitFraction <= 0 || lv.ExitFraction > 1 {
			return fmt.Errorf("manager.strategy.partial_exit_levels[%d].exit_fraction must be in (0, 1]", i)
		}
		if i > 0 && lv.ProfitThreshold <= s.PartialExitLevels[i-1].ProfitThreshold {
			return fmt.Errorf("manager.strategy.partial_exit_levels must have ascending profit thresholds")
		}
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if s.Enabled && strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path cannot be empty when store.enabled")
	}
	return nil
}
