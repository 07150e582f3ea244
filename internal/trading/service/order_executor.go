package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tradehelm/internal/broker"
	"tradehelm/internal/metrics"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

// OrderExecutor turns admitted signals into broker orders and owns every
// entry-side ledger transition.
type OrderExecutor struct {
	broker  broker.Broker
	trades  repository.TradeRepository
	states  repository.StateRepository
	signals repository.SignalRepository
	now     func() time.Time
}

func NewOrderExecutor(b broker.Broker, trades repository.TradeRepository, states repository.StateRepository, signals repository.SignalRepository) *OrderExecutor {
	return &OrderExecutor{
		broker:  b,
		trades:  trades,
		states:  states,
		signals: signals,
		now:     time.Now,
	}
}

// ExitResult reports one completed (or reverted) exit attempt.
type ExitResult struct {
	Trade       *entity.ExecutedTrade
	OrderResult *broker.OrderResult
	RealizedPnL float64
}

// minOptionExitPrice guarantees a sell-limit close keeps fill priority
// even when the quoted premium collapses to zero.
const minOptionExitPrice = 0.01

// exitPrices resolves take-profit and stop-loss. Stock trades prefer the
// signal's explicit levels; option trades are monitored on the contract
// premium, so signal levels quoted on the underlying never apply and the
// configured percentages are taken off the premium instead.
func exitPrices(signal *entity.TradingSignal, cfg *entity.BotConfiguration, basePrice float64, isLong, premiumBased bool) (tp, sl float64) {
	if !premiumBased {
		tp = signal.Target1
		sl = signal.StopLoss
	}
	if tp <= 0 {
		if isLong {
			tp = basePrice * (1 + cfg.DefaultTakeProfitPct/100)
		} else {
			tp = basePrice * (1 - cfg.DefaultTakeProfitPct/100)
		}
	}
	if sl <= 0 {
		if isLong {
			sl = basePrice * (1 - cfg.DefaultStopLossPct/100)
		} else {
			sl = basePrice * (1 + cfg.DefaultStopLossPct/100)
		}
	}
	return tp, sl
}

// ExecuteEntry places the order for an admitted, sized signal. The
// ledger row is created in pending_entry before any broker call so a
// mid-flight crash leaves a recoverable record.
func (e *OrderExecutor) ExecuteEntry(ctx context.Context, signal *entity.TradingSignal, size entity.SizeResult, cfg *entity.BotConfiguration, currentPrice float64, optCtx *entity.OptionContext) (*entity.ExecutedTrade, *broker.OrderResult, error) {
	shape, needsMonitor := entity.ResolveOrderShape(size.AssetType, size.IsFractional)

	basePrice := currentPrice
	if shape == entity.ShapeOptionLimit {
		if optCtx == nil {
			return nil, nil, errors.New("option entry requires an option context")
		}
		basePrice = optCtx.Premium
	}
	isLong := signal.Direction == "buy"
	tp, sl := exitPrices(signal, cfg, basePrice, isLong, shape == entity.ShapeOptionLimit)

	trade := &entity.ExecutedTrade{
		SignalID:            signal.ID,
		ClientOrderID:       uuid.NewString(),
		Symbol:              signal.Symbol,
		AssetType:           size.AssetType,
		Direction:           signal.Direction,
		Status:              entity.TradeStatusPendingEntry,
		Quantity:            size.Quantity,
		NotionalValue:       size.Notional,
		IsFractional:        size.IsFractional,
		TakeProfitPrice:     tp,
		StopLossPrice:       sl,
		TrailingStopEnabled: cfg.TrailingStopEnabled,
		TrailingStopPct:     cfg.TrailingStopPct,
		NeedsMonitor:        needsMonitor,
	}
	if optCtx != nil {
		expiry := optCtx.Expiry
		trade.OptionSymbol = optCtx.ContractSymbol
		trade.OptionType = optCtx.OptionType
		trade.StrikePrice = optCtx.StrikePrice
		trade.Expiry = &expiry
	}
	if err := e.trades.Create(ctx, trade); err != nil {
		return nil, nil, err
	}

	var result *broker.OrderResult
	var err error
	switch shape {
	case entity.ShapeBracket:
		result, err = e.broker.PlaceBracketOrder(ctx, signal.Symbol, size.Quantity, signal.Direction, tp, sl, trade.ClientOrderID)
	case entity.ShapeNotional:
		result, err = e.broker.PlaceNotionalOrder(ctx, signal.Symbol, size.Notional, signal.Direction, trade.ClientOrderID)
	case entity.ShapeOptionLimit:
		result, err = e.broker.PlaceOptionOrder(ctx, optCtx.ContractSymbol, size.Quantity, signal.Direction, optCtx.Premium, trade.ClientOrderID)
	}
	if err != nil {
		if errors.Is(err, broker.ErrAmbiguous) {
			// Unknown outcome: never assume failure and never re-submit.
			// The trade stays pending_entry for reconciliation.
			trade.AppendNote(e.now(), fmt.Sprintf("entry submission outcome unknown: %v", err))
			if uerr := e.trades.Update(ctx, trade); uerr != nil {
				log.Printf("OrderExecutor: failed to note ambiguous entry on trade %d: %v", trade.ID, uerr)
			}
			metrics.OrdersPlacedTotal.WithLabelValues(shape.String(), "unknown").Inc()
			return trade, nil, err
		}
		return trade, nil, e.failEntry(ctx, trade, shape, err)
	}

	trade.EntryOrderID = result.OrderID
	trade.TakeProfitOrderID = result.TakeProfitOrderID
	trade.StopLossOrderID = result.StopLossOrderID
	if result.Outcome == broker.OutcomeFilled {
		now := e.now()
		trade.Status = entity.TradeStatusOpen
		trade.EntryPrice = result.FilledAvgPrice
		trade.EntryFilledAt = &now
		trade.HighWaterMark = result.FilledAvgPrice
		if result.FilledQty > 0 {
			trade.Quantity = result.FilledQty
		}
	}
	if err := e.trades.Update(ctx, trade); err != nil {
		return trade, result, err
	}

	if _, err := mutateState(ctx, e.states, func(s *entity.BotState) {
		s.DailyTradeCount++
		s.ConsecutiveErrors = 0
		s.AdjustOpenCounts(trade.AssetType, 1)
	}); err != nil {
		return trade, result, err
	}
	if err := e.signals.MarkExecuted(ctx, signal.ID, trade.ID); err != nil {
		log.Printf("OrderExecutor: failed to mark signal %d executed: %v", signal.ID, err)
	}

	metrics.OrdersPlacedTotal.WithLabelValues(shape.String(), "placed").Inc()
	log.Printf("OrderExecutor: %s entry placed for %s %s (trade %d, order %s, status %s)",
		shape, signal.Direction, signal.Symbol, trade.ID, result.OrderID, result.Status)
	return trade, result, nil
}

// failEntry marks the trade errored; the attempt never opened, so no
// position counter moves.
func (e *OrderExecutor) failEntry(ctx context.Context, trade *entity.ExecutedTrade, shape entity.OrderShape, cause error) error {
	trade.Status = entity.TradeStatusError
	trade.AppendNote(e.now(), fmt.Sprintf("entry failed: %v", cause))
	if err := e.trades.Update(ctx, trade); err != nil {
		log.Printf("OrderExecutor: failed to record entry error on trade %d: %v", trade.ID, err)
	}
	if _, err := mutateState(ctx, e.states, func(s *entity.BotState) {
		s.ConsecutiveErrors++
	}); err != nil {
		log.Printf("OrderExecutor: failed to bump error counter: %v", err)
	}
	metrics.OrdersPlacedTotal.WithLabelValues(shape.String(), "failed").Inc()
	return errors.Wrap(cause, "entry order placement failed")
}

// ExecuteExit closes an open trade. On any submission failure the trade
// reverts to open so it stays visible and retryable.
func (e *OrderExecutor) ExecuteExit(ctx context.Context, trade *entity.ExecutedTrade, reason string, currentPrice float64) (*ExitResult, error) {
	if trade.Status != entity.TradeStatusOpen {
		return nil, errors.Errorf("trade %d is %s, not open", trade.ID, trade.Status)
	}

	trade.Status = entity.TradeStatusPendingExit
	trade.ExitReason = reason
	if err := e.trades.Update(ctx, trade); err != nil {
		return nil, err
	}

	// A lingering bracket child racing our close would double-exit.
	for _, orderID := range []string{trade.TakeProfitOrderID, trade.StopLossOrderID} {
		if orderID == "" {
			continue
		}
		if err := e.broker.CancelOrder(ctx, orderID); err != nil {
			log.Printf("OrderExecutor: best-effort cancel of order %s failed: %v", orderID, err)
		}
	}

	if currentPrice <= 0 {
		if pos, err := e.broker.GetPosition(ctx, trade.BrokerSymbol()); err == nil {
			currentPrice = pos.CurrentPrice
		}
	}

	var result *broker.OrderResult
	var err error
	if trade.AssetType == entity.AssetTypeOption {
		limitPrice := currentPrice
		if limitPrice < minOptionExitPrice {
			limitPrice = minOptionExitPrice
		}
		result, err = e.broker.PlaceOptionOrder(ctx, trade.BrokerSymbol(), trade.Quantity, closeSide(trade), limitPrice, uuid.NewString())
	} else {
		result, err = e.broker.ClosePosition(ctx, trade.Symbol, trade.Quantity)
	}
	if err != nil {
		trade.Status = entity.TradeStatusOpen
		trade.ExitReason = ""
		trade.AppendNote(e.now(), fmt.Sprintf("exit attempt (%s) failed: %v", reason, err))
		if uerr := e.trades.Update(ctx, trade); uerr != nil {
			log.Printf("OrderExecutor: failed to revert trade %d to open: %v", trade.ID, uerr)
		}
		return nil, errors.Wrap(err, "exit order placement failed")
	}

	trade.ExitOrderID = result.OrderID
	fillPrice := result.FilledAvgPrice
	if fillPrice <= 0 {
		fillPrice = currentPrice
	}
	exit, err := e.closeTrade(ctx, trade, reason, fillPrice)
	if err != nil {
		return nil, err
	}
	exit.OrderResult = result
	return exit, nil
}

// closeTrade performs the terminal transition and books the P&L against
// the daily counters. Shared by monitor reconciliation and the executor.
func (e *OrderExecutor) closeTrade(ctx context.Context, trade *entity.ExecutedTrade, reason string, fillPrice float64) (*ExitResult, error) {
	now := e.now()
	pnl, pct := trade.ComputePnL(fillPrice)

	trade.Status = entity.TradeStatusClosed
	trade.ExitReason = reason
	trade.ExitPrice = fillPrice
	trade.ExitFilledAt = &now
	trade.RealizedPnL = pnl
	trade.RealizedPnLPct = pct
	if trade.EntryFilledAt != nil {
		trade.HoldDuration = int64(now.Sub(*trade.EntryFilledAt).Seconds())
	}
	if err := e.trades.Update(ctx, trade); err != nil {
		return nil, err
	}

	if _, err := mutateState(ctx, e.states, func(s *entity.BotState) {
		s.RecordClose(pnl)
		s.AdjustOpenCounts(trade.AssetType, -1)
	}); err != nil {
		return nil, err
	}

	metrics.TradesClosedTotal.WithLabelValues(reason).Inc()
	log.Printf("OrderExecutor: trade %d (%s) closed, reason %s, pnl %.2f (%.2f%%)",
		trade.ID, trade.Symbol, reason, pnl, pct)
	return &ExitResult{Trade: trade, RealizedPnL: pnl}, nil
}

func closeSide(trade *entity.ExecutedTrade) string {
	if trade.IsLong() {
		return "sell"
	}
	return "buy"
}

// KillSwitch flattens everything: cancel all orders, close all broker
// positions, then force every active ledger row to closed. Each sub-step
// is independently best-effort; partial failure is reported, never
// hidden, and re-invocation is safe.
func (e *OrderExecutor) KillSwitch(ctx context.Context) *entity.KillSwitchReport {
	report := &entity.KillSwitchReport{}

	cancelled, err := e.broker.CancelAllOrders(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("cancel all orders: %v", err))
	} else {
		report.OrdersCancelled = cancelled
	}

	closed, err := e.broker.CloseAllPositions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("close all positions: %v", err))
	} else {
		report.PositionsClosed = closed
	}

	active, err := e.trades.GetByStatus(ctx, entity.ActiveStatuses...)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("load active trades: %v", err))
		active = nil
	}
	now := e.now()
	for _, trade := range active {
		// Price each position best-effort: one failed lookup must not
		// abort the others.
		var fillPrice float64
		if pos, perr := e.broker.GetPosition(ctx, trade.BrokerSymbol()); perr == nil {
			fillPrice = pos.CurrentPrice
		} else if !errors.Is(perr, broker.ErrPositionNotFound) {
			report.Errors = append(report.Errors, fmt.Sprintf("price %s: %v", trade.Symbol, perr))
		}

		pnl, pct := 0.0, 0.0
		if fillPrice > 0 && trade.EntryPrice > 0 {
			pnl, pct = trade.ComputePnL(fillPrice)
		}
		trade.Status = entity.TradeStatusClosed
		trade.ExitReason = entity.ExitReasonKillSwitch
		trade.ExitPrice = fillPrice
		trade.ExitFilledAt = &now
		trade.RealizedPnL = pnl
		trade.RealizedPnLPct = pct
		if trade.EntryFilledAt != nil {
			trade.HoldDuration = int64(now.Sub(*trade.EntryFilledAt).Seconds())
		}
		if uerr := e.trades.Update(ctx, trade); uerr != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("close trade %d: %v", trade.ID, uerr))
			continue
		}
		report.TradesForceClose++
		metrics.TradesClosedTotal.WithLabelValues(entity.ExitReasonKillSwitch).Inc()
	}

	if _, err := mutateState(ctx, e.states, func(s *entity.BotState) {
		s.OpenPositionsCount = 0
		s.OpenStockCount = 0
		s.OpenOptionCount = 0
	}); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("reset counters: %v", err))
	}

	log.Printf("KillSwitch: cancelled %d orders, closed %d positions, force-closed %d trades, %d errors",
		report.OrdersCancelled, report.PositionsClosed, report.TradesForceClose, len(report.Errors))
	return report
}
