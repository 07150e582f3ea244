package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tradehelm/internal/broker"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

type executorFixture struct {
	broker   *broker.Mock
	trades   *repository.MemoryTradeRepo
	states   *repository.MemoryStateRepo
	signals  *repository.MemorySignalRepo
	executor *OrderExecutor
}

func newExecutorFixture() *executorFixture {
	mock := broker.NewMock()
	trades := repository.NewMemoryTradeRepo()
	states := repository.NewMemoryStateRepo(entity.BotState{Status: entity.BotStatusRunning})
	signals := repository.NewMemorySignalRepo()
	return &executorFixture{
		broker:   mock,
		trades:   trades,
		states:   states,
		signals:  signals,
		executor: NewOrderExecutor(mock, trades, states, signals),
	}
}

func stockSignal() *entity.TradingSignal {
	return &entity.TradingSignal{
		ID:         1,
		Symbol:     "AAPL",
		Direction:  "buy",
		Strategy:   "breakout_long",
		EntryPrice: 100,
		StopLoss:   95,
		Target1:    110,
	}
}

func exitDefaults() *entity.BotConfiguration {
	return &entity.BotConfiguration{
		DefaultTakeProfitPct: 10,
		DefaultStopLossPct:   5,
		TrailingStopEnabled:  false,
	}
}

func TestResolveOrderShape(t *testing.T) {
	tests := []struct {
		assetType    string
		isFractional bool
		wantShape    entity.OrderShape
		wantMonitor  bool
	}{
		{entity.AssetTypeStock, false, entity.ShapeBracket, false},
		{entity.AssetTypeStock, true, entity.ShapeNotional, true},
		{entity.AssetTypeOption, false, entity.ShapeOptionLimit, true},
		{entity.AssetTypeOption, true, entity.ShapeOptionLimit, true},
	}
	for _, tt := range tests {
		shape, monitor := entity.ResolveOrderShape(tt.assetType, tt.isFractional)
		if shape != tt.wantShape || monitor != tt.wantMonitor {
			t.Errorf("ResolveOrderShape(%s, %v) = (%s, %v), want (%s, %v)",
				tt.assetType, tt.isFractional, shape, monitor, tt.wantShape, tt.wantMonitor)
		}
	}
}

func TestExecuteEntryImmediateFill(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	f.signals.Save(ctx, stockSignal())
	f.broker.NextResult = &broker.OrderResult{
		OrderID:           "ord-1",
		Status:            broker.OrderStatusFilled,
		FilledQty:         10,
		FilledAvgPrice:    100.20,
		TakeProfitOrderID: "tp-1",
		StopLossOrderID:   "sl-1",
		Outcome:           broker.OutcomeFilled,
	}

	size := entity.SizeResult{Quantity: 10, Notional: 1000, AssetType: entity.AssetTypeStock}
	trade, result, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if trade.Status != entity.TradeStatusOpen {
		t.Fatalf("status %s, want open", trade.Status)
	}
	if trade.EntryPrice != 100.20 || trade.HighWaterMark != 100.20 {
		t.Fatalf("fill not recorded: entry %.2f, hwm %.2f", trade.EntryPrice, trade.HighWaterMark)
	}
	if trade.NeedsMonitor {
		t.Fatal("whole-share bracket must not need the monitor")
	}
	if trade.TakeProfitOrderID != "tp-1" || trade.StopLossOrderID != "sl-1" {
		t.Fatalf("bracket legs not recorded: %+v", trade)
	}
	if result.OrderID != "ord-1" {
		t.Fatalf("order id %s", result.OrderID)
	}

	state, _ := f.states.Get(ctx)
	if state.DailyTradeCount != 1 || state.OpenPositionsCount != 1 || state.OpenStockCount != 1 {
		t.Fatalf("counters not incremented: %+v", state)
	}
	signal, _ := f.signals.GetByID(ctx, 1)
	if !signal.Executed || signal.TradeID == nil || *signal.TradeID != trade.ID {
		t.Fatalf("signal not linked: %+v", signal)
	}
}

func TestExecuteEntryUsesSignalExitLevels(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()

	size := entity.SizeResult{Quantity: 10, AssetType: entity.AssetTypeStock}
	trade, _, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if trade.TakeProfitPrice != 110 || trade.StopLossPrice != 95 {
		t.Fatalf("signal levels ignored: tp %.2f, sl %.2f", trade.TakeProfitPrice, trade.StopLossPrice)
	}

	// Missing levels fall back to the configured percentages.
	signal := stockSignal()
	signal.Target1 = 0
	signal.StopLoss = 0
	trade, _, err = f.executor.ExecuteEntry(ctx, signal, size, exitDefaults(), 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if trade.TakeProfitPrice != 110 || trade.StopLossPrice != 95 {
		t.Fatalf("defaults wrong: tp %.2f want 110, sl %.2f want 95", trade.TakeProfitPrice, trade.StopLossPrice)
	}
}

func TestExecuteEntryOptionDerivesExitsFromPremium(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()

	// Signal levels quote the underlying, not the contract premium the
	// monitor watches; they must never become the trade's TP/SL.
	signal := stockSignal()
	signal.Target1 = 120
	signal.StopLoss = 95
	optCtx := &entity.OptionContext{
		ContractSymbol: "AAPL260116C00200000",
		OptionType:     "call",
		StrikePrice:    200,
		Expiry:         time.Now().Add(30 * 24 * time.Hour),
		Premium:        3.50,
	}

	size := entity.SizeResult{Quantity: 2, AssetType: entity.AssetTypeOption}
	trade, _, err := f.executor.ExecuteEntry(ctx, signal, size, exitDefaults(), 100, optCtx)
	if err != nil {
		t.Fatal(err)
	}
	if trade.TakeProfitPrice != 3.50*1.10 {
		t.Fatalf("tp %.4f, want premium-based %.4f", trade.TakeProfitPrice, 3.50*1.10)
	}
	if trade.StopLossPrice != 3.50*0.95 {
		t.Fatalf("sl %.4f, want premium-based %.4f", trade.StopLossPrice, 3.50*0.95)
	}
}

func TestExecuteEntryRecordsClientOrderID(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()

	size := entity.SizeResult{Quantity: 10, AssetType: entity.AssetTypeStock}
	trade, _, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if trade.ClientOrderID == "" {
		t.Fatal("client order id not generated")
	}
	if f.broker.LastClientOrderID != trade.ClientOrderID {
		t.Fatalf("submission carried %q, ledger has %q", f.broker.LastClientOrderID, trade.ClientOrderID)
	}
	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.ClientOrderID != trade.ClientOrderID {
		t.Fatal("client order id not persisted")
	}
}

func TestExecuteEntryAmbiguousStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	f.broker.NextErr = broker.ErrAmbiguous

	size := entity.SizeResult{Quantity: 10, AssetType: entity.AssetTypeStock}
	trade, _, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil)
	if !errors.Is(err, broker.ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.Status != entity.TradeStatusPendingEntry {
		t.Fatalf("ambiguous outcome must stay pending_entry, got %s", stored.Status)
	}
	if !strings.Contains(stored.Notes, "unknown") {
		t.Fatalf("expected a note on the trade, got %q", stored.Notes)
	}
	if stored.ClientOrderID == "" {
		t.Fatal("client order id must be persisted before submission so the row stays recoverable")
	}

	state, _ := f.states.Get(ctx)
	if state.DailyTradeCount != 0 || state.OpenPositionsCount != 0 {
		t.Fatalf("unknown outcome must not move counters: %+v", state)
	}
}

func TestExecuteEntryRejection(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	f.broker.NextErr = errors.New("insufficient buying power")

	size := entity.SizeResult{Quantity: 10, AssetType: entity.AssetTypeStock}
	trade, _, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.Status != entity.TradeStatusError {
		t.Fatalf("status %s, want error", stored.Status)
	}

	state, _ := f.states.Get(ctx)
	if state.ConsecutiveErrors != 1 {
		t.Fatalf("consecutive errors %d, want 1", state.ConsecutiveErrors)
	}
	if state.DailyTradeCount != 0 || state.OpenPositionsCount != 0 {
		t.Fatalf("failed entry must not move counters: %+v", state)
	}
}

func TestExecuteEntryOptionRequiresContext(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	size := entity.SizeResult{Quantity: 2, AssetType: entity.AssetTypeOption}
	if _, _, err := f.executor.ExecuteEntry(ctx, stockSignal(), size, exitDefaults(), 100, nil); err == nil {
		t.Fatal("expected an error without an option context")
	}
}

// openTrade seeds one open long stock position into the fixture, with the
// state counters matching.
func openTrade(t *testing.T, f *executorFixture, symbol string) *entity.ExecutedTrade {
	t.Helper()
	ctx := context.Background()
	filled := time.Now().Add(-time.Hour)
	trade := &entity.ExecutedTrade{
		SignalID:      1,
		Symbol:        symbol,
		AssetType:     entity.AssetTypeStock,
		Direction:     "buy",
		Status:        entity.TradeStatusOpen,
		Quantity:      10,
		EntryPrice:    100,
		EntryFilledAt: &filled,
		HighWaterMark: 100,
		NeedsMonitor:  true,
	}
	if err := f.trades.Create(ctx, trade); err != nil {
		t.Fatal(err)
	}
	if _, err := mutateState(ctx, f.states, func(s *entity.BotState) {
		s.AdjustOpenCounts(trade.AssetType, 1)
	}); err != nil {
		t.Fatal(err)
	}
	return trade
}

func TestExecuteExitClosesAndBooksPnL(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	trade := openTrade(t, f, "AAPL")
	trade.TakeProfitOrderID = "tp-1"
	trade.StopLossOrderID = "sl-1"
	f.trades.Update(ctx, trade)
	f.broker.NextResult = &broker.OrderResult{
		OrderID:        "exit-1",
		Status:         broker.OrderStatusFilled,
		FilledAvgPrice: 108,
		Outcome:        broker.OutcomeFilled,
	}

	exit, err := f.executor.ExecuteExit(ctx, trade, entity.ExitReasonTakeProfit, 108)
	if err != nil {
		t.Fatal(err)
	}
	if exit.RealizedPnL != 80 {
		t.Fatalf("pnl %.2f, want 80", exit.RealizedPnL)
	}

	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.Status != entity.TradeStatusClosed || stored.ExitReason != entity.ExitReasonTakeProfit {
		t.Fatalf("trade not closed: %+v", stored)
	}
	if stored.ExitPrice != 108 || stored.RealizedPnLPct != 8 {
		t.Fatalf("exit fill wrong: price %.2f, pct %.2f", stored.ExitPrice, stored.RealizedPnLPct)
	}
	if stored.HoldDuration <= 0 {
		t.Fatal("hold duration not recorded")
	}

	// Lingering bracket children were cancelled first.
	if len(f.broker.CancelledOrders) != 2 {
		t.Fatalf("cancelled %v, want both children", f.broker.CancelledOrders)
	}

	state, _ := f.states.Get(ctx)
	if state.OpenPositionsCount != 0 || state.OpenStockCount != 0 {
		t.Fatalf("counters not released: %+v", state)
	}
	if state.DailyPnL != 80 || state.DailyWins != 1 {
		t.Fatalf("daily pnl not booked: %+v", state)
	}
}

func TestExecuteExitFailureRevertsToOpen(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	trade := openTrade(t, f, "AAPL")
	f.broker.Errs["close:AAPL"] = errors.New("broker unavailable")

	if _, err := f.executor.ExecuteExit(ctx, trade, entity.ExitReasonStopLoss, 95); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.Status != entity.TradeStatusOpen {
		t.Fatalf("failed exit must revert to open, got %s", stored.Status)
	}
	if stored.ExitReason != "" {
		t.Fatalf("exit reason must be cleared, got %q", stored.ExitReason)
	}
	if !strings.Contains(stored.Notes, "exit attempt") {
		t.Fatalf("expected a failure note, got %q", stored.Notes)
	}

	state, _ := f.states.Get(ctx)
	if state.OpenPositionsCount != 1 {
		t.Fatalf("counters must be untouched on failed exit: %+v", state)
	}
}

func TestExecuteExitRejectsNonOpenTrade(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	trade := openTrade(t, f, "AAPL")
	trade.Status = entity.TradeStatusClosed
	f.trades.Update(ctx, trade)

	if _, err := f.executor.ExecuteExit(ctx, trade, entity.ExitReasonManual, 100); err == nil {
		t.Fatal("expected error for a non-open trade")
	}
}

func TestKillSwitch(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	openTrade(t, f, "AAPL")
	openTrade(t, f, "MSFT")
	f.broker.Positions_["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 104}
	f.broker.Positions_["MSFT"] = broker.Position{Symbol: "MSFT", Qty: 10, CurrentPrice: 98}
	f.broker.Orders_["ord-1"] = broker.Order{ID: "ord-1", Status: broker.OrderStatusAccepted}

	report := f.executor.KillSwitch(ctx)
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if report.TradesForceClose != 2 {
		t.Fatalf("force-closed %d, want 2", report.TradesForceClose)
	}
	if f.broker.CancelAllCount != 1 || f.broker.CloseAllCount != 1 {
		t.Fatal("broker flatten calls missing")
	}

	closed, _ := f.trades.GetByStatus(ctx, entity.TradeStatusClosed)
	if len(closed) != 2 {
		t.Fatalf("closed %d trades, want 2", len(closed))
	}
	for _, trade := range closed {
		if trade.ExitReason != entity.ExitReasonKillSwitch {
			t.Fatalf("trade %d exit reason %s", trade.ID, trade.ExitReason)
		}
		if trade.ExitPrice == 0 {
			t.Fatalf("trade %d closed without a price", trade.ID)
		}
	}

	state, _ := f.states.Get(ctx)
	if state.OpenPositionsCount != 0 || state.OpenStockCount != 0 || state.OpenOptionCount != 0 {
		t.Fatalf("counters not zeroed: %+v", state)
	}

	// Re-invocation on a flat book is a no-op.
	report = f.executor.KillSwitch(ctx)
	if report.TradesForceClose != 0 || len(report.Errors) != 0 {
		t.Fatalf("second invocation not idempotent: %+v", report)
	}
}

func TestKillSwitchCollectsPartialFailures(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	openTrade(t, f, "AAPL")
	f.broker.Errs["close_all"] = errors.New("broker unavailable")
	f.broker.Positions_["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 101}

	report := f.executor.KillSwitch(ctx)
	if len(report.Errors) != 1 {
		t.Fatalf("expected exactly the close_all failure, got %v", report.Errors)
	}
	// The ledger sweep still ran.
	if report.TradesForceClose != 1 {
		t.Fatalf("force-closed %d, want 1", report.TradesForceClose)
	}
}

func TestKillSwitchPriceLookupFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newExecutorFixture()
	aapl := openTrade(t, f, "AAPL")
	msft := openTrade(t, f, "MSFT")
	f.broker.Errs["position:AAPL"] = errors.New("quote service down")
	f.broker.Positions_["MSFT"] = broker.Position{Symbol: "MSFT", Qty: 10, CurrentPrice: 98}

	report := f.executor.KillSwitch(ctx)

	// Both rows still force-close; the failed lookup is reported, never
	// fatal.
	if report.TradesForceClose != 2 {
		t.Fatalf("force-closed %d, want 2", report.TradesForceClose)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "AAPL") {
		t.Fatalf("expected one pricing error for AAPL, got %v", report.Errors)
	}

	stored, _ := f.trades.GetByID(ctx, aapl.ID)
	if stored.Status != entity.TradeStatusClosed || stored.ExitPrice != 0 || stored.RealizedPnL != 0 {
		t.Fatalf("unpriced close wrong: %+v", stored)
	}
	stored, _ = f.trades.GetByID(ctx, msft.ID)
	if stored.Status != entity.TradeStatusClosed || stored.ExitPrice != 98 || stored.RealizedPnL != -20 {
		t.Fatalf("priced close wrong: %+v", stored)
	}
}
