package service

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"tradehelm/internal/broker"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

// nyLocation is the exchange timezone used to bound a trading day.
var nyLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("Engine: failed to load location %s, falling back to UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

// Engine is the orchestrator behind the operator API and the monitor
// ticker. It assembles the evaluation context, runs the daily reset and
// the circuit breaker, and hands admitted signals to the executor.
type Engine struct {
	gateway  *RiskGateway
	breaker  *CircuitBreaker
	executor *OrderExecutor
	monitor  *PositionMonitor
	broker   broker.Broker

	trades  repository.TradeRepository
	states  repository.StateRepository
	configs repository.ConfigRepository
	signals repository.SignalRepository

	now func() time.Time
}

func NewEngine(
	gateway *RiskGateway,
	breaker *CircuitBreaker,
	executor *OrderExecutor,
	monitor *PositionMonitor,
	b broker.Broker,
	trades repository.TradeRepository,
	states repository.StateRepository,
	configs repository.ConfigRepository,
	signals repository.SignalRepository,
) *Engine {
	return &Engine{
		gateway:  gateway,
		breaker:  breaker,
		executor: executor,
		monitor:  monitor,
		broker:   b,
		trades:   trades,
		states:   states,
		configs:  configs,
		signals:  signals,
		now:      time.Now,
	}
}

// SignalRequest is one fully sized submission from the operator API.
type SignalRequest struct {
	Signal *entity.TradingSignal
	Size   entity.SizeResult
	Asset  entity.AssetContext
	Option *entity.OptionContext
	Manual bool
}

// SignalOutcome is everything a submitter gets back: the admission
// decision and, if admitted, the ledger row the entry produced.
type SignalOutcome struct {
	Decision *entity.Decision      `json:"decision"`
	Trade    *entity.ExecutedTrade `json:"trade,omitempty"`
}

// ProcessSignal runs the full admission-to-entry pipeline for one signal.
func (e *Engine) ProcessSignal(ctx context.Context, req *SignalRequest) (*SignalOutcome, error) {
	cfg, err := e.configs.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load account")
	}
	clock, err := e.broker.GetClock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load market clock")
	}

	state, err := e.ensureTradingDay(ctx, account)
	if err != nil {
		return nil, err
	}
	if _, err := e.breaker.Update(ctx, state, cfg, account); err != nil {
		return nil, errors.Wrap(err, "circuit breaker update")
	}
	state, err = e.states.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reload state")
	}

	if err := e.signals.Save(ctx, req.Signal); err != nil {
		return nil, errors.Wrap(err, "save signal")
	}

	dup, err := e.trades.FindActiveBySymbolDirection(ctx, req.Signal.Symbol, req.Signal.Direction)
	if err != nil {
		return nil, errors.Wrap(err, "duplicate lookup")
	}

	decision := e.gateway.Evaluate(&EvalInput{
		Signal:               req.Signal,
		Config:               cfg,
		State:                state,
		Account:              account,
		Clock:                clock,
		Asset:                req.Asset,
		HasDuplicatePosition: dup != nil,
		Manual:               req.Manual,
	})
	if !decision.Approved {
		log.Printf("Engine: signal %d (%s %s) rejected by %s: %s",
			req.Signal.ID, req.Signal.Direction, req.Signal.Symbol, decision.Check, decision.Reason)
		return &SignalOutcome{Decision: decision}, nil
	}

	trade, _, err := e.executor.ExecuteEntry(ctx, req.Signal, req.Size, cfg, req.Signal.EntryPrice, req.Option)
	if err != nil {
		if errors.Is(err, broker.ErrAmbiguous) {
			// The pending row is the answer; reconciliation takes over.
			return &SignalOutcome{Decision: decision, Trade: trade}, nil
		}
		return &SignalOutcome{Decision: decision, Trade: trade}, err
	}
	return &SignalOutcome{Decision: decision, Trade: trade}, nil
}

// ensureTradingDay resets the daily counters and re-anchors day-start
// equity on the first call of a new exchange-calendar day.
func (e *Engine) ensureTradingDay(ctx context.Context, account *broker.Account) (*entity.BotState, error) {
	state, err := e.states.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	today := e.now().In(nyLocation).Format("2006-01-02")
	if state.TradingDay == today {
		return state, nil
	}
	if err := e.states.ResetDaily(ctx, today, account.Equity); err != nil {
		return nil, errors.Wrap(err, "daily reset")
	}
	log.Printf("Engine: new trading day %s, day-start equity %.2f", today, account.Equity)
	state, err = e.states.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reload state")
	}
	return state, nil
}

// ManualExit closes one trade on operator request.
func (e *Engine) ManualExit(ctx context.Context, tradeID int64) (*ExitResult, error) {
	trade, err := e.trades.GetByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, errors.Errorf("trade %d not found", tradeID)
	}
	return e.executor.ExecuteExit(ctx, trade, entity.ExitReasonManual, 0)
}

// KillSwitch flattens the account and stops the bot. Admission resumes
// only after a manual resume.
func (e *Engine) KillSwitch(ctx context.Context) (*entity.KillSwitchReport, error) {
	report := e.executor.KillSwitch(ctx)
	if _, err := mutateState(ctx, e.states, func(s *entity.BotState) {
		s.Status = entity.BotStatusStopped
	}); err != nil {
		return report, errors.Wrap(err, "stop bot")
	}
	return report, nil
}

// Resume clears a paused or halted circuit breaker and sets the bot
// running again. This is the only path out of those levels.
func (e *Engine) Resume(ctx context.Context) (*entity.BotState, error) {
	state, err := e.states.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.breaker.ManualReset(ctx, state); err != nil {
		return nil, err
	}
	return e.states.Get(ctx)
}

// State returns the current runtime state row.
func (e *Engine) State(ctx context.Context) (*entity.BotState, error) {
	return e.states.Get(ctx)
}

// Trades lists ledger rows, optionally filtered to one status.
func (e *Engine) Trades(ctx context.Context, status string) ([]*entity.ExecutedTrade, error) {
	if status == "" {
		return e.trades.GetByStatus(ctx,
			entity.TradeStatusPendingEntry, entity.TradeStatusOpen, entity.TradeStatusPendingExit,
			entity.TradeStatusClosed, entity.TradeStatusCancelled, entity.TradeStatusError)
	}
	return e.trades.GetByStatus(ctx, status)
}

// RunMonitorCycle runs one monitor pass with the current configuration.
func (e *Engine) RunMonitorCycle(ctx context.Context) (*entity.MonitorResult, error) {
	cfg, err := e.configs.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	return e.monitor.RunCycle(ctx, cfg), nil
}
