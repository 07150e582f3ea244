package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"tradehelm/internal/broker"
	"tradehelm/internal/metrics"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

// PositionMonitor reconciles the ledger against the broker and detects
// exits the broker does not manage for us. One RunCycle is one pass; a
// failure on one trade never blocks the rest of the cycle.
type PositionMonitor struct {
	broker   broker.Broker
	trades   repository.TradeRepository
	states   repository.StateRepository
	executor *OrderExecutor
	now      func() time.Time
}

func NewPositionMonitor(b broker.Broker, trades repository.TradeRepository, states repository.StateRepository, executor *OrderExecutor) *PositionMonitor {
	return &PositionMonitor{
		broker:   b,
		trades:   trades,
		states:   states,
		executor: executor,
		now:      time.Now,
	}
}

// RunCycle executes one full monitor pass: pending-entry reconciliation,
// bracket-exit reconciliation, the health check, then exit detection.
func (m *PositionMonitor) RunCycle(ctx context.Context, cfg *entity.BotConfiguration) *entity.MonitorResult {
	started := m.now()
	result := &entity.MonitorResult{}

	m.reconcilePendingEntries(ctx, result)
	m.reconcileBracketExits(ctx, result)
	m.healthCheck(ctx, result)
	m.detectExits(ctx, cfg, result)

	metrics.MonitorCycleDuration.Observe(m.now().Sub(started).Seconds())
	if len(result.Errors) > 0 {
		metrics.MonitorCycleErrors.Add(float64(len(result.Errors)))
		log.Printf("PositionMonitor: cycle finished with %d errors: %v", len(result.Errors), result.Errors)
	}
	return result
}

// reconcilePendingEntries resolves trades whose entry order was accepted
// but not yet confirmed filled, including orders whose submission outcome
// was unknown.
func (m *PositionMonitor) reconcilePendingEntries(ctx context.Context, result *entity.MonitorResult) {
	pending, err := m.trades.GetByStatus(ctx, entity.TradeStatusPendingEntry)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load pending entries: %v", err))
		return
	}
	for _, trade := range pending {
		if trade.EntryOrderID == "" {
			if !m.recoverAmbiguousEntry(ctx, trade, result) {
				continue
			}
		}
		order, err := m.broker.GetOrder(ctx, trade.EntryOrderID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reconcile trade %d: %v", trade.ID, err))
			continue
		}
		switch order.Status {
		case broker.OrderStatusFilled:
			now := m.now()
			trade.Status = entity.TradeStatusOpen
			trade.EntryPrice = order.FilledAvgPrice
			trade.EntryFilledAt = &now
			trade.HighWaterMark = order.FilledAvgPrice
			if order.FilledQty > 0 {
				trade.Quantity = order.FilledQty
			}
			if uerr := m.trades.Update(ctx, trade); uerr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("open trade %d: %v", trade.ID, uerr))
				continue
			}
			result.Reconciled++
			log.Printf("PositionMonitor: trade %d entry filled at %.2f", trade.ID, order.FilledAvgPrice)
		case broker.OrderStatusCanceled, broker.OrderStatusExpired, broker.OrderStatusRejected:
			trade.Status = entity.TradeStatusCancelled
			trade.AppendNote(m.now(), fmt.Sprintf("entry order %s", order.Status))
			if uerr := m.trades.Update(ctx, trade); uerr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("cancel trade %d: %v", trade.ID, uerr))
				continue
			}
			// The entry was counted at submission; a dead order gives
			// that slot back.
			if _, serr := mutateState(ctx, m.states, func(s *entity.BotState) {
				s.AdjustOpenCounts(trade.AssetType, -1)
			}); serr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("release slot for trade %d: %v", trade.ID, serr))
			}
			result.Reconciled++
			log.Printf("PositionMonitor: trade %d entry %s, trade cancelled", trade.ID, order.Status)
		}
	}
}

// recoverAmbiguousEntry resolves a pending row whose submission outcome
// was unknown by looking the order up under its client order ID. Found
// means the submission landed: the order ID is adopted and the entry is
// counted now, since the executor never counted an ambiguous one. Not
// found means the request never reached the broker and the row dies.
// Returns true when the caller can reconcile the adopted order ID.
func (m *PositionMonitor) recoverAmbiguousEntry(ctx context.Context, trade *entity.ExecutedTrade, result *entity.MonitorResult) bool {
	if trade.ClientOrderID == "" {
		result.Errors = append(result.Errors, fmt.Sprintf("trade %d is pending_entry with no order id and no client order id, operator review required", trade.ID))
		return false
	}
	order, err := m.broker.GetOrderByClientID(ctx, trade.ClientOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			trade.Status = entity.TradeStatusCancelled
			trade.AppendNote(m.now(), "entry submission never reached the broker")
			if uerr := m.trades.Update(ctx, trade); uerr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("cancel unreached trade %d: %v", trade.ID, uerr))
				return false
			}
			result.Reconciled++
			log.Printf("PositionMonitor: trade %d entry never reached the broker, trade cancelled", trade.ID)
			return false
		}
		result.Errors = append(result.Errors, fmt.Sprintf("recover trade %d by client order id: %v", trade.ID, err))
		return false
	}

	trade.EntryOrderID = order.ID
	if uerr := m.trades.Update(ctx, trade); uerr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("record recovered order for trade %d: %v", trade.ID, uerr))
		return false
	}
	if _, serr := mutateState(ctx, m.states, func(s *entity.BotState) {
		s.DailyTradeCount++
		s.AdjustOpenCounts(trade.AssetType, 1)
	}); serr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count recovered trade %d: %v", trade.ID, serr))
	}
	log.Printf("PositionMonitor: trade %d recovered broker order %s via client order id", trade.ID, order.ID)
	return true
}

// reconcileBracketExits closes ledger rows whose broker-managed bracket
// child has filled.
func (m *PositionMonitor) reconcileBracketExits(ctx context.Context, result *entity.MonitorResult) {
	open, err := m.trades.GetByStatus(ctx, entity.TradeStatusOpen)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load open trades: %v", err))
		return
	}
	for _, trade := range open {
		if trade.NeedsMonitor {
			continue
		}
		children := []struct {
			orderID string
			reason  string
		}{
			{trade.TakeProfitOrderID, entity.ExitReasonTakeProfit},
			{trade.StopLossOrderID, entity.ExitReasonStopLoss},
		}
		for _, child := range children {
			if child.orderID == "" {
				continue
			}
			order, err := m.broker.GetOrder(ctx, child.orderID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("bracket child for trade %d: %v", trade.ID, err))
				continue
			}
			if order.Status != broker.OrderStatusFilled {
				continue
			}
			trade.ExitOrderID = child.orderID
			if _, cerr := m.executor.closeTrade(ctx, trade, child.reason, order.FilledAvgPrice); cerr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("close trade %d: %v", trade.ID, cerr))
				break
			}
			result.Reconciled++
			break
		}
	}
}

// healthCheck rewrites the position counters from the ledger and compares
// them against the broker's view. A mismatch with the broker is logged
// for the operator, never auto-corrected.
func (m *PositionMonitor) healthCheck(ctx context.Context, result *entity.MonitorResult) {
	total, stock, option, err := m.trades.CountActive(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count active trades: %v", err))
		return
	}
	now := m.now()
	if _, err := mutateState(ctx, m.states, func(s *entity.BotState) {
		s.OpenPositionsCount = total
		s.OpenStockCount = stock
		s.OpenOptionCount = option
		s.LastHealthCheck = &now
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("write health check: %v", err))
		return
	}
	metrics.OpenPositions.WithLabelValues(entity.AssetTypeStock).Set(float64(stock))
	metrics.OpenPositions.WithLabelValues(entity.AssetTypeOption).Set(float64(option))

	positions, err := m.broker.GetAllPositions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list broker positions: %v", err))
		return
	}
	if len(positions) != total {
		log.Printf("PositionMonitor: position count mismatch, ledger %d vs broker %d", total, len(positions))
	}
}

// detectExits walks the open trades and fires at most one exit per trade
// per cycle, first matching condition wins.
func (m *PositionMonitor) detectExits(ctx context.Context, cfg *entity.BotConfiguration, result *entity.MonitorResult) {
	open, err := m.trades.GetByStatus(ctx, entity.TradeStatusOpen)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load open trades: %v", err))
		return
	}

	var clock *broker.Clock
	if cfg.EODCloseEnabled {
		clock, err = m.broker.GetClock(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("market clock: %v", err))
		}
	}

	for _, trade := range open {
		result.Checked++
		if err := m.checkTrade(ctx, trade, cfg, clock, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("trade %d (%s): %v", trade.ID, trade.Symbol, err))
		}
	}
}

func (m *PositionMonitor) checkTrade(ctx context.Context, trade *entity.ExecutedTrade, cfg *entity.BotConfiguration, clock *broker.Clock, result *entity.MonitorResult) error {
	// Broker-managed brackets only need the end-of-day sweep.
	if !trade.NeedsMonitor {
		if reason, trigger, price, ok := m.eodDue(ctx, trade, cfg, clock); ok {
			return m.fireExit(ctx, trade, reason, trigger, price, result)
		}
		return nil
	}

	pos, err := m.broker.GetPosition(ctx, trade.BrokerSymbol())
	if err != nil {
		if errors.Is(err, broker.ErrPositionNotFound) {
			return errors.Errorf("open in ledger but missing at broker")
		}
		return err
	}
	price := pos.CurrentPrice

	if reason, trigger, hit := m.priceExit(ctx, trade, price); hit {
		return m.fireExit(ctx, trade, reason, trigger, price, result)
	}
	if reason, trigger, p, ok := m.eodDue(ctx, trade, cfg, clock); ok {
		if p <= 0 {
			p = price
		}
		return m.fireExit(ctx, trade, reason, trigger, p, result)
	}
	if dte, ok := trade.DaysToExpiry(m.now()); ok {
		if dte <= 0 {
			return m.fireExit(ctx, trade, entity.ExitReasonOptionExpiry, 0, price, result)
		}
		if !trade.RollAlertSent && cfg.LeapsRollAlertDays > 0 && dte <= cfg.LeapsRollAlertDays {
			trade.RollAlertSent = true
			trade.AppendNote(m.now(), fmt.Sprintf("roll alert: %d days to expiry", dte))
			if err := m.trades.Update(ctx, trade); err != nil {
				return err
			}
			result.AlertsSent++
			log.Printf("PositionMonitor: roll alert for trade %d (%s), %d days to expiry", trade.ID, trade.BrokerSymbol(), dte)
		}
	}
	return nil
}

// priceExit evaluates stop loss, take profit, then the trailing stop,
// updating the water mark as a side effect.
func (m *PositionMonitor) priceExit(ctx context.Context, trade *entity.ExecutedTrade, price float64) (string, float64, bool) {
	long := trade.IsLong()

	if trade.StopLossPrice > 0 {
		if (long && price <= trade.StopLossPrice) || (!long && price >= trade.StopLossPrice) {
			return entity.ExitReasonStopLoss, trade.StopLossPrice, true
		}
	}
	if trade.TakeProfitPrice > 0 {
		if (long && price >= trade.TakeProfitPrice) || (!long && price <= trade.TakeProfitPrice) {
			return entity.ExitReasonTakeProfit, trade.TakeProfitPrice, true
		}
	}
	if !trade.TrailingStopEnabled || trade.TrailingStopPct <= 0 {
		return "", 0, false
	}

	// The water mark is the best price seen: highest for longs, lowest
	// for shorts. Advance it before checking the trigger.
	mark := trade.HighWaterMark
	if mark == 0 {
		mark = trade.EntryPrice
	}
	if (long && price > mark) || (!long && price < mark) {
		trade.HighWaterMark = price
		if err := m.trades.Update(ctx, trade); err != nil {
			log.Printf("PositionMonitor: failed to advance water mark on trade %d: %v", trade.ID, err)
		}
		return "", 0, false
	}
	var trigger float64
	if long {
		trigger = mark * (1 - trade.TrailingStopPct/100)
		if price <= trigger {
			return entity.ExitReasonTrailingStop, trigger, true
		}
	} else {
		trigger = mark * (1 + trade.TrailingStopPct/100)
		if price >= trigger {
			return entity.ExitReasonTrailingStop, trigger, true
		}
	}
	return "", 0, false
}

// eodDue reports whether the trade must be flattened ahead of the close.
// Stocks only; options carry overnight.
func (m *PositionMonitor) eodDue(ctx context.Context, trade *entity.ExecutedTrade, cfg *entity.BotConfiguration, clock *broker.Clock) (string, float64, float64, bool) {
	if !cfg.EODCloseEnabled || clock == nil || !clock.IsOpen {
		return "", 0, 0, false
	}
	if trade.AssetType != entity.AssetTypeStock {
		return "", 0, 0, false
	}
	lead := time.Duration(cfg.EODCloseLeadMinutes) * time.Minute
	if clock.NextClose.Sub(m.now()) > lead {
		return "", 0, 0, false
	}
	var price float64
	if pos, err := m.broker.GetPosition(ctx, trade.Symbol); err == nil {
		price = pos.CurrentPrice
	}
	return entity.ExitReasonEODClose, 0, price, true
}

func (m *PositionMonitor) fireExit(ctx context.Context, trade *entity.ExecutedTrade, reason string, trigger, price float64, result *entity.MonitorResult) error {
	result.ExitSignals = append(result.ExitSignals, entity.ExitSignal{
		TradeID:      trade.ID,
		Symbol:       trade.Symbol,
		Reason:       reason,
		TriggerPrice: trigger,
		CurrentPrice: price,
	})
	log.Printf("PositionMonitor: exit %s for trade %d (%s) at %.2f", reason, trade.ID, trade.Symbol, price)
	_, err := m.executor.ExecuteExit(ctx, trade, reason, price)
	return err
}
