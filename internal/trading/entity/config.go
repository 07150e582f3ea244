package entity

import "strings"

// BotConfiguration holds every operator-set admission threshold, the exit
// defaults, and the circuit-breaker drawdown thresholds. Read-mostly; the
// gateway never mutates it.
type BotConfiguration struct {
	ID int64 `db:"id" json:"id"`

	// Admission limits.
	MaxDailyTrades       int     `db:"max_daily_trades" json:"max_daily_trades"`
	MaxDailyLoss         float64 `db:"max_daily_loss" json:"max_daily_loss"` // positive dollars
	MaxConcurrentTrades  int     `db:"max_concurrent_trades" json:"max_concurrent_trades"`
	MaxStockTradeValue   float64 `db:"max_stock_trade_value" json:"max_stock_trade_value"`
	MaxOptionTradeValue  float64 `db:"max_option_trade_value" json:"max_option_trade_value"`
	MaxAllocationPct     float64 `db:"max_allocation_pct" json:"max_allocation_pct"`
	MaxInvestedPct       float64 `db:"max_invested_pct" json:"max_invested_pct"`
	MinConfidence        float64 `db:"min_confidence" json:"min_confidence"`
	RequireAIReview      bool    `db:"require_ai_review" json:"require_ai_review"`
	MinAIConviction      float64 `db:"min_ai_conviction" json:"min_ai_conviction"`
	AllowedStrategies    string  `db:"allowed_strategies" json:"allowed_strategies"` // comma-separated, empty = all
	MaxBidAskSpreadPct   float64 `db:"max_bid_ask_spread_pct" json:"max_bid_ask_spread_pct"`
	MinOpenInterest      int     `db:"min_open_interest" json:"min_open_interest"`

	// Exit defaults.
	DefaultTakeProfitPct float64 `db:"default_take_profit_pct" json:"default_take_profit_pct"`
	DefaultStopLossPct   float64 `db:"default_stop_loss_pct" json:"default_stop_loss_pct"`
	TrailingStopEnabled  bool    `db:"trailing_stop_enabled" json:"trailing_stop_enabled"`
	TrailingStopPct      float64 `db:"trailing_stop_pct" json:"trailing_stop_pct"`
	EODCloseEnabled      bool    `db:"eod_close_enabled" json:"eod_close_enabled"`
	EODCloseLeadMinutes  int     `db:"eod_close_lead_minutes" json:"eod_close_lead_minutes"`
	LeapsRollAlertDays   int     `db:"leaps_roll_alert_days" json:"leaps_roll_alert_days"`

	// Circuit-breaker drawdown thresholds, % of day-start equity.
	// Must satisfy warn < pause < halt.
	BreakerWarnPct  float64 `db:"breaker_warn_pct" json:"breaker_warn_pct"`
	BreakerPausePct float64 `db:"breaker_pause_pct" json:"breaker_pause_pct"`
	BreakerHaltPct  float64 `db:"breaker_halt_pct" json:"breaker_halt_pct"`
}

// AllowedStrategySet parses the comma-separated allow list. An empty list
// means every strategy is admitted.
func (c *BotConfiguration) AllowedStrategySet() map[string]bool {
	set := make(map[string]bool)
	for _, s := range strings.Split(c.AllowedStrategies, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// MaxTradeValue returns the per-trade dollar cap for the asset type.
func (c *BotConfiguration) MaxTradeValue(assetType string) float64 {
	if assetType == AssetTypeOption {
		return c.MaxOptionTradeValue
	}
	return c.MaxStockTradeValue
}
