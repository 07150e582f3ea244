package service

import (
	"strings"
	"testing"
	"time"

	"tradehelm/internal/broker"
	"tradehelm/internal/trading/entity"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// approvableInput builds a context every check passes on.
func approvableInput() *EvalInput {
	return &EvalInput{
		Signal: &entity.TradingSignal{
			ID:           1,
			Symbol:       "AAPL",
			Direction:    "buy",
			Strategy:     "breakout_long",
			Confidence:   85,
			AIReviewed:   true,
			AIConviction: 8,
			EntryPrice:   100,
		},
		Config: &entity.BotConfiguration{
			MaxDailyTrades:      10,
			MaxDailyLoss:        1000,
			MaxConcurrentTrades: 5,
			MaxStockTradeValue:  5000,
			MaxOptionTradeValue: 2000,
			MaxAllocationPct:    10,
			MaxInvestedPct:      80,
			MinConfidence:       70,
			RequireAIReview:     true,
			MinAIConviction:     6,
			AllowedStrategies:   "breakout,momentum",
			MaxBidAskSpreadPct:  10,
			MinOpenInterest:     100,
		},
		State: &entity.BotState{
			Status:       entity.BotStatusRunning,
			BreakerLevel: entity.BreakerLevelNone,
		},
		Account: &broker.Account{
			Equity:          100000,
			BuyingPower:     50000,
			LongMarketValue: 20000,
		},
		Clock: &broker.Clock{IsOpen: true, NextClose: time.Now().Add(4 * time.Hour)},
		Asset: entity.AssetContext{AssetType: entity.AssetTypeStock},
	}
}

func TestEvaluateApproves(t *testing.T) {
	decision := NewRiskGateway().Evaluate(approvableInput())
	if !decision.Approved {
		t.Fatalf("expected approval, rejected by %s: %s", decision.Check, decision.Reason)
	}
	if len(decision.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", decision.Warnings)
	}
}

func TestEvaluateRejections(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(in *EvalInput)
		wantCheck string
	}{
		{
			name:      "bot stopped",
			mutate:    func(in *EvalInput) { in.State.Status = entity.BotStatusStopped },
			wantCheck: "bot_status",
		},
		{
			name:      "breaker paused",
			mutate:    func(in *EvalInput) { in.State.BreakerLevel = entity.BreakerLevelPaused },
			wantCheck: "circuit_breaker",
		},
		{
			name:      "breaker halted",
			mutate:    func(in *EvalInput) { in.State.BreakerLevel = entity.BreakerLevelHalted },
			wantCheck: "circuit_breaker",
		},
		{
			name:      "market closed",
			mutate:    func(in *EvalInput) { in.Clock.IsOpen = false },
			wantCheck: "market_hours",
		},
		{
			name:      "daily trade limit",
			mutate:    func(in *EvalInput) { in.State.DailyTradeCount = 10 },
			wantCheck: "daily_trade_limit",
		},
		{
			name:      "daily loss limit",
			mutate:    func(in *EvalInput) { in.State.DailyPnL = -1200 },
			wantCheck: "daily_loss_limit",
		},
		{
			name:      "concurrent positions",
			mutate:    func(in *EvalInput) { in.State.OpenPositionsCount = 5 },
			wantCheck: "concurrent_positions",
		},
		{
			name: "option premium over cap",
			mutate: func(in *EvalInput) {
				in.Asset = entity.AssetContext{
					AssetType:       entity.AssetTypeOption,
					Premium:         25, // 2500 per contract, cap is 2000
					OpenInterest:    intPtr(500),
					BidAskSpreadPct: floatPtr(2),
				}
			},
			wantCheck: "trade_value_limit",
		},
		{
			name:      "buying power",
			mutate:    func(in *EvalInput) { in.Account.BuyingPower = 1000 },
			wantCheck: "buying_power",
		},
		{
			name: "allocation limit",
			mutate: func(in *EvalInput) {
				in.Account.Equity = 20000 // 5000 cap is 25% of equity
				in.Account.LongMarketValue = 0
			},
			wantCheck: "allocation_limit",
		},
		{
			name:      "invested limit",
			mutate:    func(in *EvalInput) { in.Account.LongMarketValue = 85000 },
			wantCheck: "invested_limit",
		},
		{
			name:      "confidence below minimum",
			mutate:    func(in *EvalInput) { in.Signal.Confidence = 65 },
			wantCheck: "confidence",
		},
		{
			name:      "not AI reviewed",
			mutate:    func(in *EvalInput) { in.Signal.AIReviewed = false },
			wantCheck: "ai_review",
		},
		{
			name:      "AI conviction below minimum",
			mutate:    func(in *EvalInput) { in.Signal.AIConviction = 4 },
			wantCheck: "ai_review",
		},
		{
			name:      "strategy not allowed",
			mutate:    func(in *EvalInput) { in.Signal.Strategy = "scalping_long" },
			wantCheck: "strategy_allowed",
		},
		{
			name:      "duplicate position",
			mutate:    func(in *EvalInput) { in.HasDuplicatePosition = true },
			wantCheck: "duplicate_position",
		},
		{
			name: "bid-ask spread too wide",
			mutate: func(in *EvalInput) {
				in.Asset = entity.AssetContext{
					AssetType:       entity.AssetTypeOption,
					Premium:         2,
					OpenInterest:    intPtr(500),
					BidAskSpreadPct: floatPtr(15),
				}
			},
			wantCheck: "bid_ask_spread",
		},
		{
			name: "open interest too low",
			mutate: func(in *EvalInput) {
				in.Asset = entity.AssetContext{
					AssetType:       entity.AssetTypeOption,
					Premium:         2,
					OpenInterest:    intPtr(50),
					BidAskSpreadPct: floatPtr(2),
				}
			},
			wantCheck: "open_interest",
		},
	}

	gateway := NewRiskGateway()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := approvableInput()
			tt.mutate(in)
			decision := gateway.Evaluate(in)
			if decision.Approved {
				t.Fatal("expected rejection, got approval")
			}
			if decision.Check != tt.wantCheck {
				t.Fatalf("rejected by %q, want %q (reason: %s)", decision.Check, tt.wantCheck, decision.Reason)
			}
			if decision.Reason == "" {
				t.Fatal("rejection carries no reason")
			}
		})
	}
}

func TestEvaluateFailFast(t *testing.T) {
	in := approvableInput()
	in.State.Status = entity.BotStatusStopped
	in.Clock.IsOpen = false
	in.Signal.Confidence = 10

	decision := NewRiskGateway().Evaluate(in)
	if decision.Check != "bot_status" {
		t.Fatalf("expected the first failing check to win, got %q", decision.Check)
	}
}

func TestEvaluateManualSkipsStatusChecks(t *testing.T) {
	in := approvableInput()
	in.Manual = true
	in.State.Status = entity.BotStatusStopped
	in.State.BreakerLevel = entity.BreakerLevelHalted

	decision := NewRiskGateway().Evaluate(in)
	if !decision.Approved {
		t.Fatalf("manual submission rejected by %s: %s", decision.Check, decision.Reason)
	}

	// Every other check still binds.
	in.Signal.Confidence = 10
	decision = NewRiskGateway().Evaluate(in)
	if decision.Check != "confidence" {
		t.Fatalf("expected confidence rejection on manual path, got %q", decision.Check)
	}
}

func TestEvaluateWarnings(t *testing.T) {
	in := approvableInput()
	in.State.BreakerLevel = entity.BreakerLevelWarning
	in.State.DailyPnL = -850 // past 80% of the 1000 loss limit
	in.Asset = entity.AssetContext{
		AssetType: entity.AssetTypeOption,
		Premium:   2,
		// liquidity figures unavailable
	}

	decision := NewRiskGateway().Evaluate(in)
	if !decision.Approved {
		t.Fatalf("warnings must not block approval, rejected by %s", decision.Check)
	}
	if len(decision.Warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %d: %v", len(decision.Warnings), decision.Warnings)
	}
	joined := strings.Join(decision.Warnings, "; ")
	for _, want := range []string{"circuit breaker warning", "daily loss", "spread", "open interest"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("warnings %v missing %q", decision.Warnings, want)
		}
	}
}

func TestStrategyAllowListMatchesBase(t *testing.T) {
	in := approvableInput()
	for _, strategy := range []string{"breakout_long", "breakout_short", "momentum"} {
		in.Signal.Strategy = strategy
		if d := NewRiskGateway().Evaluate(in); !d.Approved {
			t.Fatalf("strategy %q rejected: %s", strategy, d.Reason)
		}
	}

	// Empty allow list admits everything.
	in.Config.AllowedStrategies = ""
	in.Signal.Strategy = "anything_at_all"
	if d := NewRiskGateway().Evaluate(in); !d.Approved {
		t.Fatalf("empty allow list rejected %q: %s", in.Signal.Strategy, d.Reason)
	}
}
