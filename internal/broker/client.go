package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/net/proxy"

	"tradehelm/internal/metrics"
)

const apiVersion = "/v2"

// ErrAmbiguous marks a write call whose outcome is unknown (timeout or
// half-delivered request). The caller must never treat it as failure and
// re-submit; pending-entry reconciliation resolves it.
var ErrAmbiguous = errors.New("ambiguous broker response")

// Client talks to an Alpaca-compatible brokerage REST API.
type Client struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	HTTPClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// NewClient creates a broker client without a proxy.
func NewClient(baseURL, apiKey, secretKey string) *Client {
	return NewClientWithProxy(baseURL, apiKey, secretKey, "")
}

// NewClientWithProxy creates a broker client, optionally dialing through
// a SOCKS5 proxy.
func NewClientWithProxy(baseURL, apiKey, secretKey, proxyAddr string) *Client {
	client := &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		SecretKey: secretKey,
	}

	client.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-api",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker '%s' changed from %s to %s", name, from, to)
		},
	})

	var httpClient *http.Client
	if proxyAddr != "" {
		proxyURL := &url.URL{
			Scheme: "socks5h",
			Host:   proxyAddr,
		}
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			log.Printf("BrokerClient: Failed to create SOCKS5 dialer: %v", err)
			httpClient = &http.Client{Timeout: 15 * time.Second}
		} else {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			}
			httpClient = &http.Client{
				Transport: transport,
				Timeout:   15 * time.Second,
			}
		}
	} else {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	client.HTTPClient = httpClient
	return client
}

// doRequest executes one API round-trip through the circuit breaker.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, endpoint string) ([]byte, int, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.BrokerAPIRequestsTotal.WithLabelValues(endpoint, status).Inc()
		metrics.BrokerAPIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	result, err := c.cb.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reqBody = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiVersion+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("APCA-API-KEY-ID", c.APIKey)
		req.Header.Set("APCA-API-SECRET-KEY", c.SecretKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return &apiResponse{code: resp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		if isTimeout(err) {
			return nil, 0, fmt.Errorf("%w: %v", ErrAmbiguous, err)
		}
		return nil, 0, err
	}

	resp := result.(*apiResponse)
	status = strconv.Itoa(resp.code)
	return resp.body, resp.code, nil
}

type apiResponse struct {
	code int
	body []byte
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ---- account / market data ----

type accountResponse struct {
	Equity          string `json:"equity"`
	BuyingPower     string `json:"buying_power"`
	Cash            string `json:"cash"`
	LongMarketValue string `json:"long_market_value"`
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	body, code, err := c.doRequest(ctx, http.MethodGet, "/account", nil, "account")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account response: %w", err)
	}
	return &Account{
		Equity:          parseFloat(resp.Equity),
		BuyingPower:     parseFloat(resp.BuyingPower),
		Cash:            parseFloat(resp.Cash),
		LongMarketValue: parseFloat(resp.LongMarketValue),
	}, nil
}

type positionResponse struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	CurrentPrice string `json:"current_price"`
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	body, code, err := c.doRequest(ctx, http.MethodGet, "/positions/"+symbol, nil, "position")
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, ErrPositionNotFound
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse position response: %w", err)
	}
	return &Position{
		Symbol:       resp.Symbol,
		Qty:          parseFloat(resp.Qty),
		CurrentPrice: parseFloat(resp.CurrentPrice),
	}, nil
}

func (c *Client) GetAllPositions(ctx context.Context) ([]Position, error) {
	body, code, err := c.doRequest(ctx, http.MethodGet, "/positions", nil, "positions")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse positions response: %w", err)
	}
	positions := make([]Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, Position{
			Symbol:       p.Symbol,
			Qty:          parseFloat(p.Qty),
			CurrentPrice: parseFloat(p.CurrentPrice),
		})
	}
	return positions, nil
}

type orderResponse struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Status         string          `json:"status"`
	FilledQty      string          `json:"filled_qty"`
	FilledAvgPrice string          `json:"filled_avg_price"`
	Legs           []orderResponse `json:"legs,omitempty"`
	OrderType      string          `json:"type,omitempty"`
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	body, code, err := c.doRequest(ctx, http.MethodGet, "/orders/"+orderID, nil, "order")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return &Order{
		ID:             resp.ID,
		Status:         resp.Status,
		FilledQty:      parseFloat(resp.FilledQty),
		FilledAvgPrice: parseFloat(resp.FilledAvgPrice),
	}, nil
}

// GetOrderByClientID looks an order up by the client order ID sent on
// submission, the only handle left when the submission response was lost.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	path := "/orders:by_client_order_id?client_order_id=" + url.QueryEscape(clientOrderID)
	body, code, err := c.doRequest(ctx, http.MethodGet, path, nil, "order_by_client_id")
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return &Order{
		ID:             resp.ID,
		Status:         resp.Status,
		FilledQty:      parseFloat(resp.FilledQty),
		FilledAvgPrice: parseFloat(resp.FilledAvgPrice),
	}, nil
}

func (c *Client) GetClock(ctx context.Context) (*Clock, error) {
	body, code, err := c.doRequest(ctx, http.MethodGet, "/clock", nil, "clock")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp Clock
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse clock response: %w", err)
	}
	return &resp, nil
}

// ---- order placement ----

type orderRequest struct {
	Symbol        string      `json:"symbol"`
	Qty           string      `json:"qty,omitempty"`
	Notional      string      `json:"notional,omitempty"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	TimeInForce   string      `json:"time_in_force"`
	LimitPrice    string      `json:"limit_price,omitempty"`
	OrderClass    string      `json:"order_class,omitempty"`
	ClientOrderID string      `json:"client_order_id"`
	TakeProfit    *takeProfit `json:"take_profit,omitempty"`
	StopLoss      *stopLoss   `json:"stop_loss,omitempty"`
}

type takeProfit struct {
	LimitPrice string `json:"limit_price"`
}

type stopLoss struct {
	StopPrice string `json:"stop_price"`
}

// PlaceBracketOrder submits one atomic entry with linked take-profit and
// stop-loss children. Whole shares only. The caller supplies the client
// order ID so a lost response stays recoverable from its own ledger.
func (c *Client) PlaceBracketOrder(ctx context.Context, symbol string, qty float64, side string, tp, sl float64, clientOrderID string) (*OrderResult, error) {
	req := orderRequest{
		Symbol:        symbol,
		Qty:           formatFloat(qty),
		Side:          side,
		Type:          "market",
		TimeInForce:   "day",
		OrderClass:    "bracket",
		ClientOrderID: clientOrderID,
		TakeProfit:    &takeProfit{LimitPrice: formatFloat(tp)},
		StopLoss:      &stopLoss{StopPrice: formatFloat(sl)},
	}
	return c.submitOrder(ctx, req, "bracket_order")
}

// PlaceNotionalOrder submits a dollar-amount market order for fractional
// share sizes.
func (c *Client) PlaceNotionalOrder(ctx context.Context, symbol string, notional float64, side string, clientOrderID string) (*OrderResult, error) {
	req := orderRequest{
		Symbol:        symbol,
		Notional:      formatFloat(notional),
		Side:          side,
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: clientOrderID,
	}
	return c.submitOrder(ctx, req, "notional_order")
}

// PlaceOptionOrder submits a limit order on an option contract.
func (c *Client) PlaceOptionOrder(ctx context.Context, optionSymbol string, qty float64, side string, limitPrice float64, clientOrderID string) (*OrderResult, error) {
	req := orderRequest{
		Symbol:        optionSymbol,
		Qty:           formatFloat(qty),
		Side:          side,
		Type:          "limit",
		TimeInForce:   "day",
		LimitPrice:    formatFloat(limitPrice),
		ClientOrderID: clientOrderID,
	}
	return c.submitOrder(ctx, req, "option_order")
}

func (c *Client) submitOrder(ctx context.Context, req orderRequest, endpoint string) (*OrderResult, error) {
	body, code, err := c.doRequest(ctx, http.MethodPost, "/orders", req, endpoint)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return nil, fmt.Errorf("broker rejected order: status %d: %s", code, string(body))
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return toOrderResult(&resp), nil
}

func toOrderResult(resp *orderResponse) *OrderResult {
	result := &OrderResult{
		OrderID:        resp.ID,
		ClientOrderID:  resp.ClientOrderID,
		Status:         resp.Status,
		FilledQty:      parseFloat(resp.FilledQty),
		FilledAvgPrice: parseFloat(resp.FilledAvgPrice),
		Outcome:        OutcomePending,
	}
	if resp.Status == OrderStatusFilled {
		result.Outcome = OutcomeFilled
	}
	for _, leg := range resp.Legs {
		switch leg.OrderType {
		case "limit":
			result.TakeProfitOrderID = leg.ID
		case "stop":
			result.StopLossOrderID = leg.ID
		}
	}
	return result
}

// ---- position / order teardown ----

// ClosePosition liquidates qty of the symbol, or the whole position when
// qty is zero. Closing an already-flat position is a no-op.
func (c *Client) ClosePosition(ctx context.Context, symbol string, qty float64) (*OrderResult, error) {
	path := "/positions/" + symbol
	if qty > 0 {
		path += "?qty=" + formatFloat(qty)
	}
	body, code, err := c.doRequest(ctx, http.MethodDelete, path, nil, "close_position")
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		// Already flat: idempotent success.
		return &OrderResult{Status: OrderStatusFilled, Outcome: OutcomeFilled}, nil
	}
	if code != http.StatusOK && code != http.StatusMultiStatus {
		return nil, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse close response: %w", err)
	}
	return toOrderResult(&resp), nil
}

// CancelOrder cancels one order. Cancelling an already-terminal order is
// treated as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, code, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+orderID, nil, "cancel_order")
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil
	}
	return fmt.Errorf("broker API error: status %d: %s", code, string(body))
}

func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	body, code, err := c.doRequest(ctx, http.MethodDelete, "/orders", nil, "cancel_all_orders")
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK && code != http.StatusMultiStatus {
		return 0, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse cancel-all response: %w", err)
	}
	return len(resp), nil
}

func (c *Client) CloseAllPositions(ctx context.Context) (int, error) {
	body, code, err := c.doRequest(ctx, http.MethodDelete, "/positions", nil, "close_all_positions")
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK && code != http.StatusMultiStatus {
		return 0, fmt.Errorf("broker API error: status %d: %s", code, string(body))
	}

	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse close-all response: %w", err)
	}
	return len(resp), nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
