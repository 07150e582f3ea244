package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// TradeUpdate is one event from the broker's trade_updates stream.
// The stream is an operational aid only; reconciliation against polled
// order state remains the sole authority for ledger transitions.
type TradeUpdate struct {
	Event string `json:"event"` // fill, partial_fill, canceled, rejected, new
	Order struct {
		ID             string `json:"id"`
		Symbol         string `json:"symbol"`
		Status         string `json:"status"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
	} `json:"order"`
	Timestamp string `json:"timestamp"`
}

type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// StreamClient maintains a websocket subscription to trade updates.
type StreamClient struct {
	wsURL     string
	apiKey    string
	secretKey string
	proxyAddr string

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	isRunning bool

	OnUpdate func(update *TradeUpdate)
}

// NewStreamClient creates a trade-updates stream client.
func NewStreamClient(wsURL, apiKey, secretKey, proxyAddr string) *StreamClient {
	return &StreamClient{
		wsURL:     wsURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		proxyAddr: proxyAddr,
	}
}

// Connect dials the stream, authenticates, subscribes, and starts the
// read loop. Reconnects with a fixed backoff until the context ends.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isRunning {
		return fmt.Errorf("stream already running")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.isRunning = true

	go c.run(streamCtx)
	return nil
}

func (c *StreamClient) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectOnce(ctx); err != nil {
			log.Printf("StreamClient: connection failed: %v, retrying in 5s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *StreamClient) connectOnce(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	if c.proxyAddr != "" {
		proxyURL := &url.URL{Scheme: "socks5", Host: c.proxyAddr}
		proxyDialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			log.Printf("StreamClient: Failed to create proxy dialer: %v", err)
		} else {
			dialer = &websocket.Dialer{
				NetDial:          proxyDialer.Dial,
				HandshakeTimeout: 30 * time.Second,
			}
		}
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to broker stream: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	auth := map[string]interface{}{
		"action": "auth",
		"key":    c.apiKey,
		"secret": c.secretKey,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("failed to authenticate stream: %w", err)
	}

	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": []string{"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("failed to subscribe to trade_updates: %w", err)
	}

	log.Printf("StreamClient: connected to trade_updates stream")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream read error: %w", err)
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("StreamClient: failed to decode message: %v", err)
			continue
		}
		if msg.Stream != "trade_updates" {
			continue
		}

		var update TradeUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			log.Printf("StreamClient: failed to decode trade update: %v", err)
			continue
		}

		log.Printf("StreamClient: %s order %s (%s) status=%s filled=%s@%s",
			update.Event, update.Order.ID, update.Order.Symbol,
			update.Order.Status, update.Order.FilledQty, update.Order.FilledAvgPrice)
		if c.OnUpdate != nil {
			c.OnUpdate(&update)
		}
	}
}

// Close stops the stream and read loop.
func (c *StreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRunning {
		return
	}
	c.isRunning = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
