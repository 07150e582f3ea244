package entity

import "time"

// TradingSignal is produced upstream by the scoring pipeline and is
// read-only here; the executor only marks it executed and links a trade.
type TradingSignal struct {
	ID           int64     `db:"id" json:"id"`
	Symbol       string    `db:"symbol" json:"symbol"`
	Direction    string    `db:"direction" json:"direction"` // buy / sell
	Strategy     string    `db:"strategy" json:"strategy"`
	Timeframe    string    `db:"timeframe" json:"timeframe"`
	Confidence   float64   `db:"confidence" json:"confidence"`
	EntryPrice   float64   `db:"entry_price" json:"entry_price"`
	StopLoss     float64   `db:"stop_loss" json:"stop_loss"`
	Target1      float64   `db:"target_1" json:"target_1"`
	RiskReward   float64   `db:"risk_reward" json:"risk_reward"`
	AIReviewed   bool      `db:"ai_reviewed" json:"ai_reviewed"`
	AIConviction float64   `db:"ai_conviction" json:"ai_conviction"`
	Executed     bool      `db:"executed" json:"executed"`
	TradeID      *int64    `db:"trade_id" json:"trade_id,omitempty"`
	GeneratedAt  time.Time `db:"generated_at" json:"generated_at"`
}

// BaseStrategy strips the long/short suffix so allow-list checks match
// both sides of a strategy ("breakout_long" -> "breakout").
func (s *TradingSignal) BaseStrategy() string {
	for _, suffix := range []string{"_long", "_short"} {
		if len(s.Strategy) > len(suffix) && s.Strategy[len(s.Strategy)-len(suffix):] == suffix {
			return s.Strategy[:len(s.Strategy)-len(suffix)]
		}
	}
	return s.Strategy
}
