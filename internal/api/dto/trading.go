package dto

import "github.com/go-playground/validator/v10"

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// SubmitSignalRequest carries one sized signal from the upstream scoring
// pipeline or from the operator (manual=true).
type SubmitSignalRequest struct {
	Symbol     string  `json:"symbol" validate:"required"`
	Direction  string  `json:"direction" validate:"required,oneof=buy sell"`
	Strategy   string  `json:"strategy" validate:"required"`
	Timeframe  string  `json:"timeframe"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=100"`
	EntryPrice float64 `json:"entry_price" validate:"required,gt=0"`
	StopLoss   float64 `json:"stop_loss" validate:"gte=0"`
	Target1    float64 `json:"target_1" validate:"gte=0"`
	RiskReward float64 `json:"risk_reward"`

	AIReviewed   bool    `json:"ai_reviewed"`
	AIConviction float64 `json:"ai_conviction" validate:"gte=0,lte=10"`

	AssetType    string  `json:"asset_type" validate:"required,oneof=stock option"`
	Quantity     float64 `json:"quantity" validate:"required,gt=0"`
	Notional     float64 `json:"notional" validate:"gte=0"`
	IsFractional bool    `json:"is_fractional"`

	// Option contract fields, required when asset_type is option.
	OptionSymbol    string   `json:"option_symbol" validate:"required_if=AssetType option"`
	OptionType      string   `json:"option_type" validate:"omitempty,oneof=call put"`
	StrikePrice     float64  `json:"strike_price" validate:"gte=0"`
	OptionExpiry    string   `json:"option_expiry" validate:"required_if=AssetType option,omitempty,datetime=2006-01-02"`
	Premium         float64  `json:"premium" validate:"gte=0"`
	OpenInterest    *int     `json:"open_interest"`
	BidAskSpreadPct *float64 `json:"bid_ask_spread_pct"`

	Manual bool `json:"manual"`
}

type ExitTradeRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=128"`
}

var Validate = validator.New()
