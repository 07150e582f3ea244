package entity

import (
	"fmt"
	"time"
)

// Trade lifecycle statuses. Terminal rows are never deleted; closed and
// cancelled trades are kept for journaling.
const (
	TradeStatusPendingEntry = "pending_entry"
	TradeStatusOpen         = "open"
	TradeStatusPendingExit  = "pending_exit"
	TradeStatusClosed       = "closed"
	TradeStatusCancelled    = "cancelled"
	TradeStatusError        = "error"
)

// Asset types.
const (
	AssetTypeStock  = "stock"
	AssetTypeOption = "option"
)

// Exit reasons recorded on closed trades.
const (
	ExitReasonStopLoss     = "stop_loss"
	ExitReasonTakeProfit   = "take_profit"
	ExitReasonTrailingStop = "trailing_stop"
	ExitReasonEODClose     = "eod_close"
	ExitReasonOptionExpiry = "option_expiry"
	ExitReasonManual       = "manual"
	ExitReasonKillSwitch   = "kill_switch"
)

// OptionContractMultiplier is the per-contract share multiplier for
// US equity options.
const OptionContractMultiplier = 100.0

// ExecutedTrade is one ledger row per attempted position. Owned by the
// executor for creation and entry transitions, and by the monitor for
// exit transitions and reconciliation.
type ExecutedTrade struct {
	ID            int64   `db:"id" json:"id"`
	SignalID      int64   `db:"signal_id" json:"signal_id"`
	Symbol        string  `db:"symbol" json:"symbol"`
	AssetType     string  `db:"asset_type" json:"asset_type"` // stock / option
	Direction     string  `db:"direction" json:"direction"`   // buy / sell
	Status        string  `db:"status" json:"status"`
	Quantity      float64 `db:"quantity" json:"quantity"`
	NotionalValue float64 `db:"notional_value" json:"notional_value"`
	IsFractional  bool    `db:"is_fractional" json:"is_fractional"`

	// ClientOrderID is generated before submission so an order whose
	// response was lost can still be found at the broker.
	ClientOrderID string `db:"client_order_id" json:"client_order_id"`

	EntryOrderID      string     `db:"entry_order_id" json:"entry_order_id"`
	TakeProfitOrderID string     `db:"take_profit_order_id" json:"take_profit_order_id"`
	StopLossOrderID   string     `db:"stop_loss_order_id" json:"stop_loss_order_id"`
	ExitOrderID       string     `db:"exit_order_id" json:"exit_order_id"`
	EntryPrice        float64    `db:"entry_price" json:"entry_price"`
	EntryFilledAt     *time.Time `db:"entry_filled_at" json:"entry_filled_at,omitempty"`
	ExitPrice         float64    `db:"exit_price" json:"exit_price"`
	ExitFilledAt      *time.Time `db:"exit_filled_at" json:"exit_filled_at,omitempty"`
	ExitReason        string     `db:"exit_reason" json:"exit_reason"`

	TakeProfitPrice     float64 `db:"take_profit_price" json:"take_profit_price"`
	StopLossPrice       float64 `db:"stop_loss_price" json:"stop_loss_price"`
	TrailingStopEnabled bool    `db:"trailing_stop_enabled" json:"trailing_stop_enabled"`
	TrailingStopPct     float64 `db:"trailing_stop_pct" json:"trailing_stop_pct"`
	HighWaterMark       float64 `db:"high_water_mark" json:"high_water_mark"`

	// NeedsMonitor is fixed at entry time: the broker only manages exits
	// for whole-share bracket orders.
	NeedsMonitor bool `db:"needs_monitor" json:"needs_monitor"`

	RealizedPnL    float64 `db:"realized_pnl" json:"realized_pnl"`
	RealizedPnLPct float64 `db:"realized_pnl_pct" json:"realized_pnl_pct"`
	HoldDuration   int64   `db:"hold_duration_sec" json:"hold_duration_sec"`
	Notes          string  `db:"notes" json:"notes"`

	// Option contract fields, empty for stocks.
	OptionSymbol  string     `db:"option_symbol" json:"option_symbol,omitempty"`
	OptionType    string     `db:"option_type" json:"option_type,omitempty"` // call / put
	StrikePrice   float64    `db:"strike_price" json:"strike_price,omitempty"`
	Expiry        *time.Time `db:"expiry" json:"expiry,omitempty"`
	RollAlertSent bool       `db:"roll_alert_sent" json:"roll_alert_sent"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ActiveStatuses are the statuses counted against open-position limits.
var ActiveStatuses = []string{TradeStatusPendingEntry, TradeStatusOpen, TradeStatusPendingExit}

// IsActive reports whether the trade counts toward open-position limits.
func (t *ExecutedTrade) IsActive() bool {
	switch t.Status {
	case TradeStatusPendingEntry, TradeStatusOpen, TradeStatusPendingExit:
		return true
	}
	return false
}

// IsLong reports whether the trade profits when price rises.
func (t *ExecutedTrade) IsLong() bool {
	return t.Direction == "buy"
}

// BrokerSymbol returns the symbol used on broker calls: the OCC contract
// symbol for options, the equity ticker otherwise.
func (t *ExecutedTrade) BrokerSymbol() string {
	if t.AssetType == AssetTypeOption && t.OptionSymbol != "" {
		return t.OptionSymbol
	}
	return t.Symbol
}

// DaysToExpiry returns whole days until the option expires, negative if
// already past. Returns false for stocks or options without an expiry.
func (t *ExecutedTrade) DaysToExpiry(now time.Time) (int, bool) {
	if t.AssetType != AssetTypeOption || t.Expiry == nil {
		return 0, false
	}
	return int(t.Expiry.Sub(now).Hours() / 24), true
}

// ComputePnL returns the realized P&L (absolute, percent) for an exit at
// fillPrice. Options are multiplied by the per-contract multiplier.
func (t *ExecutedTrade) ComputePnL(fillPrice float64) (float64, float64) {
	if t.EntryPrice == 0 {
		return 0, 0
	}
	perUnit := fillPrice - t.EntryPrice
	if !t.IsLong() {
		perUnit = -perUnit
	}
	pnl := perUnit * t.Quantity
	if t.AssetType == AssetTypeOption {
		pnl *= OptionContractMultiplier
	}
	pct := perUnit / t.EntryPrice * 100
	return pnl, pct
}

// AppendNote adds a timestamped line to the trade notes.
func (t *ExecutedTrade) AppendNote(now time.Time, note string) {
	line := fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), note)
	if t.Notes == "" {
		t.Notes = line
		return
	}
	t.Notes += "\n" + line
}
