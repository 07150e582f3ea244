package entity

import "time"

// Decision is the Risk Gateway verdict for one signal. Warnings never
// block approval; they surface near-miss conditions to the operator.
type Decision struct {
	Approved bool     `json:"approved"`
	Check    string   `json:"check,omitempty"` // name of the failing check
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AssetContext carries the asset-specific inputs for admission. Nil
// pointer fields mean the figure was unavailable; options liquidity
// checks degrade to pass-with-warning in that case.
type AssetContext struct {
	AssetType       string   `json:"asset_type"`
	Premium         float64  `json:"premium,omitempty"`
	OpenInterest    *int     `json:"open_interest,omitempty"`
	BidAskSpreadPct *float64 `json:"bid_ask_spread_pct,omitempty"`
}

// SizeResult is the upstream sizing decision for an admitted signal.
type SizeResult struct {
	Quantity     float64 `json:"quantity"`
	Notional     float64 `json:"notional"`
	IsFractional bool    `json:"is_fractional"`
	AssetType    string  `json:"asset_type"`
}

// OptionContext identifies the contract for an option entry.
type OptionContext struct {
	ContractSymbol string    `json:"contract_symbol"`
	OptionType     string    `json:"option_type"` // call / put
	StrikePrice    float64   `json:"strike_price"`
	Expiry         time.Time `json:"expiry"`
	Premium        float64   `json:"premium"`
}

// OrderShape is resolved exactly once at entry time from
// (assetType, isFractional).
type OrderShape int

const (
	ShapeBracket OrderShape = iota // whole-share stock, broker manages exits
	ShapeNotional                  // fractional stock, monitor manages exits
	ShapeOptionLimit               // option limit order, monitor manages exits
)

func (s OrderShape) String() string {
	switch s {
	case ShapeBracket:
		return "bracket"
	case ShapeNotional:
		return "notional"
	case ShapeOptionLimit:
		return "option_limit"
	default:
		return "unknown"
	}
}

// ResolveOrderShape chooses the broker order shape for an entry.
// NeedsMonitor is true exactly when the shape is not a bracket.
func ResolveOrderShape(assetType string, isFractional bool) (OrderShape, bool) {
	if assetType == AssetTypeOption {
		return ShapeOptionLimit, true
	}
	if isFractional {
		return ShapeNotional, true
	}
	return ShapeBracket, false
}

// ExitSignal is one exit condition detected by the monitor.
type ExitSignal struct {
	TradeID      int64   `json:"trade_id"`
	Symbol       string  `json:"symbol"`
	Reason       string  `json:"reason"`
	TriggerPrice float64 `json:"trigger_price"`
	CurrentPrice float64 `json:"current_price"`
}

// MonitorResult summarizes one monitor cycle; it is the sole input to
// any alerting or dashboard layer.
type MonitorResult struct {
	Checked     int          `json:"checked"`
	ExitSignals []ExitSignal `json:"exit_signals"`
	Reconciled  int          `json:"reconciled"`
	AlertsSent  int          `json:"alerts_sent"`
	Errors      []string     `json:"errors"`
}

// KillSwitchReport tells the operator exactly which sub-steps of the
// emergency flatten succeeded or failed.
type KillSwitchReport struct {
	OrdersCancelled  int      `json:"orders_cancelled"`
	PositionsClosed  int      `json:"positions_closed"`
	TradesForceClose int      `json:"trades_force_closed"`
	Errors           []string `json:"errors"`
}
