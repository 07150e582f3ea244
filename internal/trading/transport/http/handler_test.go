package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"tradehelm/internal/broker"
	"tradehelm/internal/config"
	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
	"tradehelm/internal/trading/service"
	"tradehelm/pkg/hash"
	"tradehelm/pkg/jwt"
	"tradehelm/pkg/middleware"
)

type apiFixture struct {
	mock   *broker.Mock
	trades *repository.MemoryTradeRepo
	states *repository.MemoryStateRepo
	router *chi.Mux
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	passwordHash, err := hash.HashPassword("operator-secret")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		JWTSecret:            "test-jwt-secret",
		OperatorEmail:        "ops@example.com",
		OperatorPasswordHash: passwordHash,
	}

	mock := broker.NewMock()
	mock.Account_ = broker.Account{Equity: 100000, BuyingPower: 50000, LongMarketValue: 20000}
	mock.Clock_ = broker.Clock{IsOpen: true, NextClose: time.Now().Add(4 * time.Hour)}

	trades := repository.NewMemoryTradeRepo()
	states := repository.NewMemoryStateRepo(entity.BotState{Status: entity.BotStatusRunning})
	configs := repository.NewMemoryConfigRepo(entity.BotConfiguration{
		MaxDailyTrades:       10,
		MaxDailyLoss:         1000,
		MaxConcurrentTrades:  5,
		MaxStockTradeValue:   5000,
		MaxOptionTradeValue:  2000,
		MaxAllocationPct:     10,
		MaxInvestedPct:       80,
		MinConfidence:        70,
		DefaultTakeProfitPct: 10,
		DefaultStopLossPct:   5,
		BreakerWarnPct:       2,
		BreakerPausePct:      4,
		BreakerHaltPct:       6,
	})
	signals := repository.NewMemorySignalRepo()

	gateway := service.NewRiskGateway()
	circuitBreaker := service.NewCircuitBreaker(states)
	executor := service.NewOrderExecutor(mock, trades, states, signals)
	monitor := service.NewPositionMonitor(mock, trades, states, executor)
	engine := service.NewEngine(gateway, circuitBreaker, executor, monitor,
		mock, trades, states, configs, signals)

	h := NewHandler(engine, cfg)

	router := chi.NewRouter()
	router.Post("/auth/login", h.Login)
	router.Group(func(pr chi.Router) {
		pr.Use(middleware.JWTAuth(cfg.JWTSecret))
		pr.Post("/api/trading/signals", h.SubmitSignal)
		pr.Post("/api/trading/trades/{id}/exit", h.ExitTrade)
		pr.Post("/api/trading/kill-switch", h.KillSwitch)
		pr.Post("/api/trading/resume", h.Resume)
		pr.Get("/api/trading/state", h.GetState)
		pr.Get("/api/trading/trades", h.GetTrades)
	})

	token, err := jwt.GenerateToken(cfg.JWTSecret, cfg.OperatorEmail)
	if err != nil {
		t.Fatal(err)
	}

	return &apiFixture{mock: mock, trades: trades, states: states, router: router, token: token}
}

func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func validSignalBody() map[string]interface{} {
	return map[string]interface{}{
		"symbol":      "aapl",
		"direction":   "buy",
		"strategy":    "breakout_long",
		"confidence":  85,
		"entry_price": 100,
		"stop_loss":   95,
		"target_1":    110,
		"asset_type":  "stock",
		"quantity":    10,
	}
}

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "ops@example.com", "password": "operator-secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["token"] == "" {
		t.Fatal("no token in response")
	}

	rec = f.request(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "ops@example.com", "password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials got status %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/trading/state", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token got status %d", rec.Code)
	}
}

func TestSubmitSignalExecuted(t *testing.T) {
	f := newAPIFixture(t)
	f.mock.NextResult = &broker.OrderResult{
		OrderID:        "ord-1",
		Status:         broker.OrderStatusFilled,
		FilledQty:      10,
		FilledAvgPrice: 100.10,
		Outcome:        broker.OutcomeFilled,
	}

	rec := f.request(t, http.MethodPost, "/api/trading/signals", validSignalBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var outcome service.SignalOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if !outcome.Decision.Approved {
		t.Fatalf("rejected by %s: %s", outcome.Decision.Check, outcome.Decision.Reason)
	}
	if outcome.Trade == nil || outcome.Trade.Status != entity.TradeStatusOpen {
		t.Fatalf("trade not opened: %+v", outcome.Trade)
	}
	if outcome.Trade.Symbol != "AAPL" {
		t.Fatalf("symbol not normalized: %s", outcome.Trade.Symbol)
	}

	state, _ := f.states.Get(context.Background())
	if state.DailyTradeCount != 1 {
		t.Fatalf("daily count %d", state.DailyTradeCount)
	}
}

func TestSubmitSignalRejected(t *testing.T) {
	f := newAPIFixture(t)
	body := validSignalBody()
	body["confidence"] = 40

	rec := f.request(t, http.MethodPost, "/api/trading/signals", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var outcome service.SignalOutcome
	json.Unmarshal(rec.Body.Bytes(), &outcome)
	if outcome.Decision.Approved || outcome.Decision.Check != "confidence" {
		t.Fatalf("decision %+v", outcome.Decision)
	}
	if outcome.Trade != nil {
		t.Fatal("rejected signal must not produce a trade")
	}
}

func TestSubmitSignalValidation(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		name   string
		mutate func(body map[string]interface{})
	}{
		{"missing symbol", func(b map[string]interface{}) { delete(b, "symbol") }},
		{"bad direction", func(b map[string]interface{}) { b["direction"] = "hold" }},
		{"zero entry price", func(b map[string]interface{}) { b["entry_price"] = 0 }},
		{"bad asset type", func(b map[string]interface{}) { b["asset_type"] = "crypto" }},
		{"option without contract", func(b map[string]interface{}) { b["asset_type"] = "option" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validSignalBody()
			tt.mutate(body)
			rec := f.request(t, http.MethodPost, "/api/trading/signals", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestExitTradeEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	filled := time.Now().Add(-time.Hour)
	trade := &entity.ExecutedTrade{
		Symbol:        "AAPL",
		AssetType:     entity.AssetTypeStock,
		Direction:     "buy",
		Status:        entity.TradeStatusOpen,
		Quantity:      10,
		EntryPrice:    100,
		EntryFilledAt: &filled,
		NeedsMonitor:  true,
	}
	f.trades.Create(ctx, trade)
	f.mock.Positions_["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 104}

	rec := f.request(t, http.MethodPost, fmt.Sprintf("/api/trading/trades/%d/exit", trade.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := f.trades.GetByID(ctx, trade.ID)
	if stored.Status != entity.TradeStatusClosed || stored.ExitReason != entity.ExitReasonManual {
		t.Fatalf("trade not closed manually: %+v", stored)
	}

	// Unknown trade id.
	rec = f.request(t, http.MethodPost, "/api/trading/trades/9999/exit", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unknown trade got status %d", rec.Code)
	}
}

func TestKillSwitchEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	trade := &entity.ExecutedTrade{
		Symbol:     "AAPL",
		AssetType:  entity.AssetTypeStock,
		Direction:  "buy",
		Status:     entity.TradeStatusOpen,
		Quantity:   10,
		EntryPrice: 100,
	}
	f.trades.Create(ctx, trade)
	f.mock.Positions_["AAPL"] = broker.Position{Symbol: "AAPL", Qty: 10, CurrentPrice: 99}

	rec := f.request(t, http.MethodPost, "/api/trading/kill-switch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var report entity.KillSwitchReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.TradesForceClose != 1 {
		t.Fatalf("report %+v", report)
	}

	state, _ := f.states.Get(ctx)
	if state.Status != entity.BotStatusStopped {
		t.Fatalf("bot status %s, want stopped", state.Status)
	}

	// Admission is now blocked until a manual resume.
	rec = f.request(t, http.MethodPost, "/api/trading/signals", validSignalBody())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.request(t, http.MethodPost, "/api/trading/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status %d", rec.Code)
	}
	state, _ = f.states.Get(ctx)
	if state.Status != entity.BotStatusRunning {
		t.Fatalf("bot status %s after resume", state.Status)
	}
}

func TestGetStateAndTrades(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.trades.Create(ctx, &entity.ExecutedTrade{
		Symbol: "AAPL", AssetType: entity.AssetTypeStock, Direction: "buy",
		Status: entity.TradeStatusClosed, Quantity: 10,
	})

	rec := f.request(t, http.MethodGet, "/api/trading/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status %d", rec.Code)
	}
	var state entity.BotState
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != entity.BotStatusRunning {
		t.Fatalf("state %+v", state)
	}

	rec = f.request(t, http.MethodGet, "/api/trading/trades?status=closed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trades status %d", rec.Code)
	}
	var trades []entity.ExecutedTrade
	json.Unmarshal(rec.Body.Bytes(), &trades)
	if len(trades) != 1 || trades[0].Symbol != "AAPL" {
		t.Fatalf("trades %+v", trades)
	}

	rec = f.request(t, http.MethodGet, "/api/trading/trades?status=open", nil)
	var open []entity.ExecutedTrade
	json.Unmarshal(rec.Body.Bytes(), &open)
	if len(open) != 0 {
		t.Fatalf("expected empty list, got %+v", open)
	}
}
