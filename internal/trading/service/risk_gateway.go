package service

import (
	"fmt"

	"tradehelm/internal/broker"
	"tradehelm/internal/metrics"
	"tradehelm/internal/trading/entity"
)

// EvalInput is the immutable evaluation context for one admission
// decision. The caller assembles every snapshot (account, clock, ledger
// duplicate lookup) so the gateway itself stays side-effect-free.
type EvalInput struct {
	Signal  *entity.TradingSignal
	Config  *entity.BotConfiguration
	State   *entity.BotState
	Account *broker.Account
	Clock   *broker.Clock
	Asset   entity.AssetContext

	// HasDuplicatePosition is the ledger lookup for an active trade in
	// the same symbol+direction.
	HasDuplicatePosition bool

	// Manual submissions skip the bot-status and circuit-breaker checks.
	// Deliberately preserved from the original policy: manual trades are
	// not circuit-breaker-aware.
	Manual bool
}

type checkResult struct {
	passed  bool
	reason  string
	warning string
}

func pass() checkResult              { return checkResult{passed: true} }
func passWarn(w string) checkResult  { return checkResult{passed: true, warning: w} }
func fail(reason string) checkResult { return checkResult{reason: reason} }

type namedCheck struct {
	name string
	fn   func(in *EvalInput) checkResult
}

// RiskGateway runs the fixed, ordered admission checks. The first
// failing check produces the rejection reason and evaluation stops.
type RiskGateway struct {
	checks []namedCheck
}

func NewRiskGateway() *RiskGateway {
	return &RiskGateway{checks: []namedCheck{
		{"bot_status", checkBotStatus},
		{"circuit_breaker", checkCircuitBreaker},
		{"market_hours", checkMarketHours},
		{"daily_trade_limit", checkDailyTradeLimit},
		{"daily_loss_limit", checkDailyLossLimit},
		{"concurrent_positions", checkConcurrentPositions},
		{"trade_value_limit", checkTradeValueLimit},
		{"buying_power", checkBuyingPower},
		{"allocation_limit", checkAllocationLimit},
		{"invested_limit", checkInvestedLimit},
		{"confidence", checkConfidence},
		{"ai_review", checkAIReview},
		{"strategy_allowed", checkStrategyAllowed},
		{"duplicate_position", checkDuplicatePosition},
		{"bid_ask_spread", checkBidAskSpread},
		{"open_interest", checkOpenInterest},
	}}
}

// Evaluate returns the admission decision for one signal. Warnings are
// accumulated across passing checks and surfaced even on approval.
func (g *RiskGateway) Evaluate(in *EvalInput) *entity.Decision {
	decision := &entity.Decision{Approved: true}
	for _, check := range g.checks {
		result := check.fn(in)
		if result.warning != "" {
			decision.Warnings = append(decision.Warnings, result.warning)
		}
		if !result.passed {
			decision.Approved = false
			decision.Check = check.name
			decision.Reason = result.reason
			metrics.SignalEvaluationsTotal.WithLabelValues("rejected", check.name).Inc()
			return decision
		}
	}
	metrics.SignalEvaluationsTotal.WithLabelValues("approved", "").Inc()
	return decision
}

func checkBotStatus(in *EvalInput) checkResult {
	if in.Manual {
		return pass()
	}
	if in.State.Status != entity.BotStatusRunning {
		return fail(fmt.Sprintf("bot is not running (status: %s)", in.State.Status))
	}
	return pass()
}

func checkCircuitBreaker(in *EvalInput) checkResult {
	if in.Manual {
		return pass()
	}
	switch in.State.BreakerLevel {
	case entity.BreakerLevelPaused, entity.BreakerLevelHalted:
		return fail(fmt.Sprintf("circuit breaker %s: %s", in.State.BreakerLevel, in.State.BreakerReason))
	case entity.BreakerLevelWarning:
		return passWarn(fmt.Sprintf("circuit breaker warning: %s", in.State.BreakerReason))
	}
	return pass()
}

func checkMarketHours(in *EvalInput) checkResult {
	if in.Clock == nil || !in.Clock.IsOpen {
		return fail("market is closed")
	}
	return pass()
}

func checkDailyTradeLimit(in *EvalInput) checkResult {
	if in.State.DailyTradeCount >= in.Config.MaxDailyTrades {
		return fail(fmt.Sprintf("daily trade limit reached (%d/%d)",
			in.State.DailyTradeCount, in.Config.MaxDailyTrades))
	}
	return pass()
}

func checkDailyLossLimit(in *EvalInput) checkResult {
	if in.State.DailyPnL <= -in.Config.MaxDailyLoss {
		return fail(fmt.Sprintf("daily loss limit reached (%.2f, limit -%.2f)",
			in.State.DailyPnL, in.Config.MaxDailyLoss))
	}
	if in.Config.MaxDailyLoss > 0 && in.State.DailyPnL <= -0.8*in.Config.MaxDailyLoss {
		return passWarn(fmt.Sprintf("approaching daily loss limit (%.2f of -%.2f)",
			in.State.DailyPnL, in.Config.MaxDailyLoss))
	}
	return pass()
}

func checkConcurrentPositions(in *EvalInput) checkResult {
	if in.State.OpenPositionsCount >= in.Config.MaxConcurrentTrades {
		return fail(fmt.Sprintf("max concurrent positions reached (%d/%d)",
			in.State.OpenPositionsCount, in.Config.MaxConcurrentTrades))
	}
	return pass()
}

// estimatedTradeValue is the admission-time notional: option premium per
// contract for options, the configured per-trade cap for stocks.
func estimatedTradeValue(in *EvalInput) float64 {
	if in.Asset.AssetType == entity.AssetTypeOption {
		return in.Asset.Premium * entity.OptionContractMultiplier
	}
	return in.Config.MaxStockTradeValue
}

func checkTradeValueLimit(in *EvalInput) checkResult {
	value := estimatedTradeValue(in)
	limit := in.Config.MaxTradeValue(in.Asset.AssetType)
	if value > limit {
		return fail(fmt.Sprintf("trade value %.2f exceeds %s cap %.2f",
			value, in.Asset.AssetType, limit))
	}
	return pass()
}

func checkBuyingPower(in *EvalInput) checkResult {
	limit := in.Config.MaxTradeValue(in.Asset.AssetType)
	if in.Account.BuyingPower < limit {
		return fail(fmt.Sprintf("insufficient buying power (%.2f < %.2f)",
			in.Account.BuyingPower, limit))
	}
	return pass()
}

func checkAllocationLimit(in *EvalInput) checkResult {
	if in.Account.Equity <= 0 {
		return fail("account equity unavailable")
	}
	allocPct := estimatedTradeValue(in) / in.Account.Equity * 100
	if allocPct > in.Config.MaxAllocationPct {
		return fail(fmt.Sprintf("allocation %.1f%% exceeds max %.1f%%",
			allocPct, in.Config.MaxAllocationPct))
	}
	return pass()
}

func checkInvestedLimit(in *EvalInput) checkResult {
	if in.Account.Equity <= 0 {
		return fail("account equity unavailable")
	}
	investedPct := in.Account.LongMarketValue / in.Account.Equity * 100
	if investedPct >= in.Config.MaxInvestedPct {
		return fail(fmt.Sprintf("invested %.1f%% of equity, max %.1f%%",
			investedPct, in.Config.MaxInvestedPct))
	}
	return pass()
}

func checkConfidence(in *EvalInput) checkResult {
	if in.Signal.Confidence < in.Config.MinConfidence {
		return fail(fmt.Sprintf("signal confidence %.1f below minimum %.1f",
			in.Signal.Confidence, in.Config.MinConfidence))
	}
	return pass()
}

func checkAIReview(in *EvalInput) checkResult {
	if !in.Config.RequireAIReview {
		return pass()
	}
	if !in.Signal.AIReviewed {
		return fail("AI review required but signal was not reviewed")
	}
	if in.Signal.AIConviction < in.Config.MinAIConviction {
		return fail(fmt.Sprintf("AI conviction %.1f below minimum %.1f",
			in.Signal.AIConviction, in.Config.MinAIConviction))
	}
	return pass()
}

func checkStrategyAllowed(in *EvalInput) checkResult {
	allowed := in.Config.AllowedStrategySet()
	if len(allowed) == 0 {
		return pass()
	}
	base := in.Signal.BaseStrategy()
	if !allowed[base] {
		return fail(fmt.Sprintf("strategy %q is not in the allowed set", base))
	}
	return pass()
}

func checkDuplicatePosition(in *EvalInput) checkResult {
	if in.HasDuplicatePosition {
		return fail(fmt.Sprintf("active %s position already exists for %s",
			in.Signal.Direction, in.Signal.Symbol))
	}
	return pass()
}

func checkBidAskSpread(in *EvalInput) checkResult {
	if in.Asset.AssetType != entity.AssetTypeOption {
		return pass()
	}
	if in.Asset.BidAskSpreadPct == nil {
		return passWarn("bid-ask spread unavailable, liquidity check skipped")
	}
	if *in.Asset.BidAskSpreadPct > in.Config.MaxBidAskSpreadPct {
		return fail(fmt.Sprintf("bid-ask spread %.1f%% exceeds max %.1f%%",
			*in.Asset.BidAskSpreadPct, in.Config.MaxBidAskSpreadPct))
	}
	return pass()
}

func checkOpenInterest(in *EvalInput) checkResult {
	if in.Asset.AssetType != entity.AssetTypeOption {
		return pass()
	}
	if in.Asset.OpenInterest == nil {
		return passWarn("open interest unavailable, liquidity check skipped")
	}
	if *in.Asset.OpenInterest < in.Config.MinOpenInterest {
		return fail(fmt.Sprintf("open interest %d below minimum %d",
			*in.Asset.OpenInterest, in.Config.MinOpenInterest))
	}
	return pass()
}
