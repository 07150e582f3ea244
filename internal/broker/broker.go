package broker

import (
	"context"
	"time"
)

// Order statuses as reported by the broker.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
	OrderStatusRejected        = "rejected"
)

// Outcome is the three-valued result of a broker write call. Unknown is
// neither success nor failure; only reconciliation may resolve it.
type Outcome int

const (
	OutcomeFilled  Outcome = iota // confirmed filled on submission
	OutcomePending                // accepted, not yet filled
	OutcomeUnknown                // timeout or ambiguous response
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "filled"
	case OutcomePending:
		return "pending"
	case OutcomeUnknown:
		return "unknown"
	}
	return "unknown"
}

// Account is a point-in-time snapshot of the brokerage account.
type Account struct {
	Equity          float64 `json:"equity"`
	BuyingPower     float64 `json:"buying_power"`
	Cash            float64 `json:"cash"`
	LongMarketValue float64 `json:"long_market_value"`
}

// Position is one live broker position.
type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	CurrentPrice float64 `json:"current_price"`
}

// Order is the broker's view of a previously submitted order.
type Order struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	FilledQty      float64 `json:"filled_qty"`
	FilledAvgPrice float64 `json:"filled_avg_price"`
}

// Clock reports market session state.
type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// OrderResult is returned by every order-placing call.
type OrderResult struct {
	OrderID           string
	ClientOrderID     string
	Status            string
	FilledQty         float64
	FilledAvgPrice    float64
	TakeProfitOrderID string // bracket child, empty otherwise
	StopLossOrderID   string // bracket child, empty otherwise
	Outcome           Outcome
}

// ErrPositionNotFound is returned by GetPosition when the account holds
// no position in the symbol.
var ErrPositionNotFound = errPositionNotFound{}

type errPositionNotFound struct{}

func (errPositionNotFound) Error() string { return "position not found" }

// ErrOrderNotFound is returned by GetOrderByClientID when the broker has
// no order under the client order ID, meaning the submission never
// reached it.
var ErrOrderNotFound = errOrderNotFound{}

type errOrderNotFound struct{}

func (errOrderNotFound) Error() string { return "order not found" }

// Broker is the narrow interface the trading core consumes. All calls are
// synchronous round-trips with the caller's context bounding the timeout.
type Broker interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	GetClock(ctx context.Context) (*Clock, error)

	PlaceBracketOrder(ctx context.Context, symbol string, qty float64, side string, takeProfit, stopLoss float64, clientOrderID string) (*OrderResult, error)
	PlaceNotionalOrder(ctx context.Context, symbol string, notional float64, side string, clientOrderID string) (*OrderResult, error)
	PlaceOptionOrder(ctx context.Context, optionSymbol string, qty float64, side string, limitPrice float64, clientOrderID string) (*OrderResult, error)

	ClosePosition(ctx context.Context, symbol string, qty float64) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) (int, error)
	CloseAllPositions(ctx context.Context) (int, error)
}
