package model

// Boundaries is the process-wide numeric/policy limit configuration.
// Mutated only through an explicit update call, never by action processing.
type Boundaries struct {
	Financial   FinancialBoundaries   `json:"financial"`
	Content     ContentBoundaries     `json:"content"`
	Development DevelopmentBoundaries `json:"development"`
	Trading     TradingBoundaries     `json:"trading"`
	Time        TimeBoundaries        `json:"time"`
}

// FinancialBoundaries caps spend per action and per day.
// Zero values disable the corresponding check.
type FinancialBoundaries struct {
	MaxActionValue float64 `json:"max_action_value"`
	MaxDailySpend  float64 `json:"max_daily_spend"`
}

// ContentBoundaries limits content output volume.
type ContentBoundaries struct {
	MaxPostsPerDay int `json:"max_posts_per_day"`
}

// DevelopmentBoundaries limits code-change blast radius.
type DevelopmentBoundaries struct {
	MaxLinesChanged  int `json:"max_lines_changed"`
	MaxFilesChanged  int `json:"max_files_changed"`
	MaxDeploysPerDay int `json:"max_deploys_per_day"`
}

// TradingBoundaries limits trading exposure.
type TradingBoundaries struct {
	MaxPositionValue float64 `json:"max_position_value"`
	MaxTradesPerDay  int     `json:"max_trades_per_day"`
}

// TimeBoundaries restricts autonomous activity to a daily window of hours
// [ActiveStartHour, ActiveEndHour) in UTC. Equal start and end means no
// restriction. A window may wrap midnight (e.g. 22 to 6).
type TimeBoundaries struct {
	ActiveStartHour int `json:"active_start_hour"`
	ActiveEndHour   int `json:"active_end_hour"`
}

// DefaultBoundaries returns the out-of-the-box limit configuration.
func DefaultBoundaries() Boundaries {
	return Boundaries{
		Financial: FinancialBoundaries{
			MaxActionValue: 500,
			MaxDailySpend:  2000,
		},
		Content: ContentBoundaries{
			MaxPostsPerDay: 20,
		},
		Development: DevelopmentBoundaries{
			MaxLinesChanged:  2000,
			MaxFilesChanged:  50,
			MaxDeploysPerDay: 10,
		},
		Trading: TradingBoundaries{
			MaxPositionValue: 1000,
			MaxTradesPerDay:  25,
		},
	}
}

// BoundariesPatch is a partial boundary update. Nil sections and nil fields
// are left unchanged.
type BoundariesPatch struct {
	Financial   *FinancialBoundariesPatch   `json:"financial,omitempty"`
	Content     *ContentBoundariesPatch     `json:"content,omitempty"`
	Development *DevelopmentBoundariesPatch `json:"development,omitempty"`
	Trading     *TradingBoundariesPatch     `json:"trading,omitempty"`
	Time        *TimeBoundariesPatch        `json:"time,omitempty"`
}

// FinancialBoundariesPatch updates individual financial limits.
type FinancialBoundariesPatch struct {
	MaxActionValue *float64 `json:"max_action_value,omitempty"`
	MaxDailySpend  *float64 `json:"max_daily_spend,omitempty"`
}

// ContentBoundariesPatch updates individual content limits.
type ContentBoundariesPatch struct {
	MaxPostsPerDay *int `json:"max_posts_per_day,omitempty"`
}

// DevelopmentBoundariesPatch updates individual development limits.
type DevelopmentBoundariesPatch struct {
	MaxLinesChanged  *int `json:"max_lines_changed,omitempty"`
	MaxFilesChanged  *int `json:"max_files_changed,omitempty"`
	MaxDeploysPerDay *int `json:"max_deploys_per_day,omitempty"`
}

// TradingBoundariesPatch updates individual trading limits.
type TradingBoundariesPatch struct {
	MaxPositionValue *float64 `json:"max_position_value,omitempty"`
	MaxTradesPerDay  *int     `json:"max_trades_per_day,omitempty"`
}

// TimeBoundariesPatch updates the daily activity window.
type TimeBoundariesPatch struct {
	ActiveStartHour *int `json:"active_start_hour,omitempty"`
	ActiveEndHour   *int `json:"active_end_hour,omitempty"`
}

// Apply merges the patch into b and returns the result.
func (p BoundariesPatch) Apply(b Boundaries) Boundaries {
	if p.Financial != nil {
		if v := p.Financial.MaxActionValue; v != nil {
			b.Financial.MaxActionValue = *v
		}
		if v := p.Financial.MaxDailySpend; v != nil {
			b.Financial.MaxDailySpend = *v
		}
	}
	if p.Content != nil {
		if v := p.Content.MaxPostsPerDay; v != nil {
			b.Content.MaxPostsPerDay = *v
		}
	}
	if p.Development != nil {
		if v := p.Development.MaxLinesChanged; v != nil {
			b.Development.MaxLinesChanged = *v
		}
		if v := p.Development.MaxFilesChanged; v != nil {
			b.Development.MaxFilesChanged = *v
		}
		if v := p.Development.MaxDeploysPerDay; v != nil {
			b.Development.MaxDeploysPerDay = *v
		}
	}
	if p.Trading != nil {
		if v := p.Trading.MaxPositionValue; v != nil {
			b.Trading.MaxPositionValue = *v
		}
		if v := p.Trading.MaxTradesPerDay; v != nil {
			b.Trading.MaxTradesPerDay = *v
		}
	}
	if p.Time != nil {
		if v := p.Time.ActiveStartHour; v != nil {
			b.Time.ActiveStartHour = *v
		}
		if v := p.Time.ActiveEndHour; v != nil {
			b.Time.ActiveEndHour = *v
		}
	}
	return b
}

// Validate checks boundary values for internal consistency.
func (b Boundaries) Validate() error {
	if b.Time.ActiveStartHour < 0 || b.Time.ActiveStartHour > 23 {
		return errHour("active_start_hour", b.Time.ActiveStartHour)
	}
	if b.Time.ActiveEndHour < 0 || b.Time.ActiveEndHour > 23 {
		return errHour("active_end_hour", b.Time.ActiveEndHour)
	}
	if b.Financial.MaxActionValue < 0 || b.Financial.MaxDailySpend < 0 ||
		b.Trading.MaxPositionValue < 0 {
		return errNegative("financial/trading limits")
	}
	if b.Content.MaxPostsPerDay < 0 || b.Development.MaxLinesChanged < 0 ||
		b.Development.MaxFilesChanged < 0 || b.Development.MaxDeploysPerDay < 0 ||
		b.Trading.MaxTradesPerDay < 0 {
		return errNegative("daily quotas")
	}
	return nil
}
