package manager

// PartialLevel is one staged exit: when the unrealized profit ratio crosses
// ProfitThreshold, ExitFraction of the remaining quantity is closed. Each
// level fires at most once per position.
type PartialLevel struct {
	ProfitThreshold float64 `json:"profit_threshold"`
	ExitFraction    float64 `json:"exit_fraction"`
}

// Strategy configures per-symbol position management.
type Strategy struct {
	TrailingEnabled  bool    `json:"trailing_enabled"`
	TrailingDistance float64 `json:"trailing_distance"`

	BreakevenEnabled   bool    `json:"breakeven_enabled"`
	BreakevenThreshold float64 `json:"breakeven_threshold"`
	// BreakevenOffset is the protective margin added past the entry price
	// when the stop moves to breakeven, in price units.
	BreakevenOffset float64 `json:"breakeven_offset"`

	PartialExitEnabled bool           `json:"partial_exit_enabled"`
	PartialExitLevels  []PartialLevel `json:"partial_exit_levels"`
}

// DefaultStrategy mirrors the conservative defaults of the live system:
// breakeven on, trailing and partial exits off until configured.
func DefaultStrategy() Strategy {
	return Strategy{
		TrailingEnabled:    false,
		TrailingDistance:   0.02,
		BreakevenEnabled:   true,
		BreakevenThreshold: 0.005,
		BreakevenOffset:    1.0,
		PartialExitEnabled: false,
		PartialExitLevels: []PartialLevel{
			{ProfitThreshold: 0.01, ExitFraction: 0.33},
			{ProfitThreshold: 0.02, ExitFraction: 0.50},
			{ProfitThreshold: 0.03, ExitFraction: 1.00},
		},
	}
}

func (s Strategy) sanitized() Strategy {
	if s.TrailingDistance <= 0 {
		s.TrailingDistance = 0.02
	}
	if s.BreakevenThreshold <= 0 {
		s.BreakevenThreshold = 0.005
	}
	if s.BreakevenOffset < 0 {
		s.BreakevenOffset = 0
	}
	levels := make([]PartialLevel, 0, len(s.PartialExitLevels))
	for _, lv := range s.PartialExitLevels {
		if lv.ProfitThreshold <= 0 || lv.ExitFraction <= 0 {
			continue
		}
		if lv.ExitFraction > 1 {
			lv.ExitFraction = 1
		}
		levels = append(levels, lv)
	}
	s.PartialExitLevels = levels
	return s
}
