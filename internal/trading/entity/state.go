package entity

import "time"

// Bot lifecycle statuses.
const (
	BotStatusStopped = "stopped"
	BotStatusRunning = "running"
	BotStatusPaused  = "paused"
	BotStatusHalted  = "halted"
)

// Circuit-breaker levels, ordered by severity.
const (
	BreakerLevelNone    = "none"
	BreakerLevelWarning = "warning"
	BreakerLevelPaused  = "paused"
	BreakerLevelHalted  = "halted"
)

// BreakerSeverity maps a level to its rank for escalation comparison.
func BreakerSeverity(level string) int {
	switch level {
	case BreakerLevelWarning:
		return 1
	case BreakerLevelPaused:
		return 2
	case BreakerLevelHalted:
		return 3
	default:
		return 0
	}
}

// BotState is the single mutable runtime row. Every update goes through
// the repository's compare-and-swap on Version; the position counters are
// only rewritten wholesale by the monitor's health check.
type BotState struct {
	ID      int64  `db:"id" json:"id"`
	Version int64  `db:"version" json:"version"`
	Status  string `db:"status" json:"status"`

	BreakerLevel    string     `db:"breaker_level" json:"breaker_level"`
	BreakerReason   string     `db:"breaker_reason" json:"breaker_reason"`
	BreakerSince    *time.Time `db:"breaker_since" json:"breaker_since,omitempty"`
	DayStartEquity  float64    `db:"day_start_equity" json:"day_start_equity"`
	TradingDay      string     `db:"trading_day" json:"trading_day"` // YYYY-MM-DD

	DailyTradeCount int     `db:"daily_trade_count" json:"daily_trade_count"`
	DailyPnL        float64 `db:"daily_pnl" json:"daily_pnl"`
	DailyWins       int     `db:"daily_wins" json:"daily_wins"`
	DailyLosses     int     `db:"daily_losses" json:"daily_losses"`

	OpenPositionsCount int `db:"open_positions_count" json:"open_positions_count"`
	OpenStockCount     int `db:"open_stock_count" json:"open_stock_count"`
	OpenOptionCount    int `db:"open_option_count" json:"open_option_count"`

	ConsecutiveErrors int        `db:"consecutive_errors" json:"consecutive_errors"`
	LastHealthCheck   *time.Time `db:"last_health_check" json:"last_health_check,omitempty"`
}

// AdjustOpenCounts applies a delta to the open-position counters, clamped
// at zero so a stray double-decrement cannot go negative.
func (s *BotState) AdjustOpenCounts(assetType string, delta int) {
	s.OpenPositionsCount = clampNonNegative(s.OpenPositionsCount + delta)
	switch assetType {
	case AssetTypeOption:
		s.OpenOptionCount = clampNonNegative(s.OpenOptionCount + delta)
	default:
		s.OpenStockCount = clampNonNegative(s.OpenStockCount + delta)
	}
}

// RecordClose books a realized P&L against the daily counters.
func (s *BotState) RecordClose(pnl float64) {
	s.DailyPnL += pnl
	if pnl >= 0 {
		s.DailyWins++
	} else {
		s.DailyLosses++
	}
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
