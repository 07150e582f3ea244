package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradehelm/internal/broker"
	"tradehelm/internal/metrics"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

// CircuitBreaker owns the drawdown escalation state machine:
// none -> warning -> paused -> halted. The level never silently
// downgrades past warning, not even across a trading-day rollover;
// halted requires a manual reset and paused a manual resume.
type CircuitBreaker struct {
	states repository.StateRepository
	now    func() time.Time
}

func NewCircuitBreaker(states repository.StateRepository) *CircuitBreaker {
	return &CircuitBreaker{states: states, now: time.Now}
}

// computeLevel maps a drawdown percentage to the highest level whose
// threshold is met.
func computeLevel(drawdownPct float64, cfg *entity.BotConfiguration) string {
	switch {
	case drawdownPct >= cfg.BreakerHaltPct:
		return entity.BreakerLevelHalted
	case drawdownPct >= cfg.BreakerPausePct:
		return entity.BreakerLevelPaused
	case drawdownPct >= cfg.BreakerWarnPct:
		return entity.BreakerLevelWarning
	default:
		return entity.BreakerLevelNone
	}
}

// Update recomputes the drawdown from a fresh account snapshot and
// applies the escalation rule, persisting any level change together with
// the forced bot status in one write.
func (b *CircuitBreaker) Update(ctx context.Context, state *entity.BotState, cfg *entity.BotConfiguration, account *broker.Account) (bool, error) {
	if state.DayStartEquity <= 0 {
		return false, nil
	}
	drawdownPct := (state.DayStartEquity - account.Equity) / state.DayStartEquity * 100
	computed := computeLevel(drawdownPct, cfg)
	next := nextLevel(state.BreakerLevel, computed)
	metrics.CircuitBreakerLevel.Set(float64(entity.BreakerSeverity(next)))
	if next == state.BreakerLevel {
		return false, nil
	}

	now := b.now()
	state.BreakerLevel = next
	state.BreakerSince = &now
	state.BreakerReason = fmt.Sprintf("drawdown %.2f%% of day-start equity %.2f", drawdownPct, state.DayStartEquity)
	switch next {
	case entity.BreakerLevelPaused:
		state.Status = entity.BotStatusPaused
	case entity.BreakerLevelHalted:
		state.Status = entity.BotStatusHalted
	}
	if err := b.states.Update(ctx, state); err != nil {
		return false, err
	}
	log.Printf("CircuitBreaker: level changed to %s (%s)", next, state.BreakerReason)
	return true, nil
}

// nextLevel applies the escalation-only guard: halted is a fixed point,
// paused does not auto-resume, and only none<->warning oscillate freely.
func nextLevel(current, computed string) string {
	switch current {
	case entity.BreakerLevelHalted:
		return entity.BreakerLevelHalted
	case entity.BreakerLevelPaused:
		if computed == entity.BreakerLevelHalted {
			return entity.BreakerLevelHalted
		}
		return entity.BreakerLevelPaused
	default:
		return computed
	}
}

// ManualReset clears the breaker and resumes the bot. This is the only
// path out of paused and halted.
func (b *CircuitBreaker) ManualReset(ctx context.Context, state *entity.BotState) error {
	state.BreakerLevel = entity.BreakerLevelNone
	state.BreakerReason = ""
	state.BreakerSince = nil
	state.Status = entity.BotStatusRunning
	if err := b.states.Update(ctx, state); err != nil {
		return err
	}
	metrics.CircuitBreakerLevel.Set(0)
	log.Printf("CircuitBreaker: manually reset, bot resumed")
	return nil
}
