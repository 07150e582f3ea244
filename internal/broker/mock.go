package broker

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted in-memory Broker used by tests and paper runs.
// Every field is safe to pre-seed before use; map lookups that miss fall
// back to zero values rather than panicking.
type Mock struct {
	mu sync.Mutex

	Account_      Account
	Positions_    map[string]Position
	Orders_       map[string]Order
	ClientOrders_ map[string]Order
	Clock_        Clock

	// NextResult is returned by the next order placement; NextErr wins if
	// both are set.
	NextResult *OrderResult
	NextErr    error

	// Errs maps a call name ("account", "position:AAPL", "order:<id>",
	// "close:AAPL", "cancel_all", "close_all") to a scripted failure.
	Errs map[string]error

	CancelledOrders   []string
	ClosedSymbols     []string
	CancelAllCount    int
	CloseAllCount     int
	LastClientOrderID string
	placedCount       int
}

func NewMock() *Mock {
	return &Mock{
		Positions_:    make(map[string]Position),
		Orders_:       make(map[string]Order),
		ClientOrders_: make(map[string]Order),
		Clock_:        Clock{IsOpen: true},
		Errs:          make(map[string]error),
	}
}

func (m *Mock) GetAccount(ctx context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["account"]; err != nil {
		return nil, err
	}
	acct := m.Account_
	return &acct, nil
}

func (m *Mock) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["position:"+symbol]; err != nil {
		return nil, err
	}
	pos, ok := m.Positions_[symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return &pos, nil
}

func (m *Mock) GetAllPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["positions"]; err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(m.Positions_))
	for _, p := range m.Positions_ {
		positions = append(positions, p)
	}
	return positions, nil
}

func (m *Mock) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["order:"+orderID]; err != nil {
		return nil, err
	}
	order, ok := m.Orders_[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &order, nil
}

func (m *Mock) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["client_order:"+clientOrderID]; err != nil {
		return nil, err
	}
	order, ok := m.ClientOrders_[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (m *Mock) GetClock(ctx context.Context) (*Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["clock"]; err != nil {
		return nil, err
	}
	clock := m.Clock_
	return &clock, nil
}

func (m *Mock) place() (*OrderResult, error) {
	if m.NextErr != nil {
		return nil, m.NextErr
	}
	m.placedCount++
	if m.NextResult != nil {
		result := *m.NextResult
		return &result, nil
	}
	return &OrderResult{
		OrderID: fmt.Sprintf("mock-order-%d", m.placedCount),
		Status:  OrderStatusAccepted,
		Outcome: OutcomePending,
	}, nil
}

func (m *Mock) PlaceBracketOrder(ctx context.Context, symbol string, qty float64, side string, tp, sl float64, clientOrderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastClientOrderID = clientOrderID
	return m.place()
}

func (m *Mock) PlaceNotionalOrder(ctx context.Context, symbol string, notional float64, side string, clientOrderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastClientOrderID = clientOrderID
	return m.place()
}

func (m *Mock) PlaceOptionOrder(ctx context.Context, optionSymbol string, qty float64, side string, limitPrice float64, clientOrderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastClientOrderID = clientOrderID
	return m.place()
}

func (m *Mock) ClosePosition(ctx context.Context, symbol string, qty float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["close:"+symbol]; err != nil {
		return nil, err
	}
	m.ClosedSymbols = append(m.ClosedSymbols, symbol)
	return m.place()
}

func (m *Mock) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["cancel:"+orderID]; err != nil {
		return err
	}
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *Mock) CancelAllOrders(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["cancel_all"]; err != nil {
		return 0, err
	}
	m.CancelAllCount++
	return len(m.Orders_), nil
}

func (m *Mock) CloseAllPositions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errs["close_all"]; err != nil {
		return 0, err
	}
	m.CloseAllCount++
	return len(m.Positions_), nil
}
