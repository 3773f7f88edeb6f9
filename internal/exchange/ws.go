// ws.go implements the real-time Kalshi market feed.
//
// One authenticated WebSocket connection subscribes to the "ticker"
// channel for a tracked set of market tickers and emits top-of-book
// updates between REST ingestion cycles.
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to all tracked tickers on reconnection. A read deadline
// detects silent server failures within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 70 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickerBufferSize = 256
)

// TickerUpdate is one top-of-book delta from the ticker channel.
// Prices are YES cents; NO prices are the 100-complement.
type TickerUpdate struct {
	Ticker     string
	YesBid     int
	YesAsk     int
	ReceivedAt time.Time
}

type wsCommand struct {
	ID     int      `json:"id"`
	Cmd    string   `json:"cmd"`
	Params wsParams `json:"params"`
}

type wsParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

type wsEnvelope struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		YesBid       int    `json:"yes_bid"`
		YesAsk       int    `json:"yes_ask"`
	} `json:"msg"`
}

// WSFeed manages the market-data WebSocket connection: lifecycle,
// subscription tracking, message routing, and reconnection.
type WSFeed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex
	nextID int

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickerCh chan TickerUpdate

	logger *slog.Logger
}

// NewWSFeed creates a feed for the given WebSocket URL. auth may be nil
// for public endpoints.
func NewWSFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		auth:       auth,
		nextID:     1,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan TickerUpdate, tickerBufferSize),
		logger:     logger.With("component", "ws_market"),
	}
}

// Updates returns a read-only channel of top-of-book updates.
func (f *WSFeed) Updates() <-chan TickerUpdate { return f.tickerCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds market tickers to the ticker channel subscription.
func (f *WSFeed) Subscribe(tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	return f.writeCommand("subscribe", tickers)
}

// Unsubscribe removes tickers from the subscription.
func (f *WSFeed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()

	return f.writeCommand("unsubscribe", tickers)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if f.auth != nil {
		// The handshake is signed like any GET request on the ws path.
		headers, err := f.auth.Headers(http.MethodGet, "/trade-api/ws/v2")
		if err != nil {
			return fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range headers {
			header.Set(k, v)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) resubscribe() error {
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	if len(tickers) == 0 {
		return nil
	}
	return f.writeCommand("subscribe", tickers)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Type {
	case "ticker":
		upd := TickerUpdate{
			Ticker:     env.Msg.MarketTicker,
			YesBid:     env.Msg.YesBid,
			YesAsk:     env.Msg.YesAsk,
			ReceivedAt: time.Now(),
		}
		select {
		case f.tickerCh <- upd:
		default:
			f.logger.Warn("ticker channel full, dropping update", "ticker", upd.Ticker)
		}

	case "subscribed", "unsubscribed", "ok":
		f.logger.Debug("ws ack", "type", env.Type)

	case "error":
		f.logger.Error("ws server error", "data", string(data))

	default:
		f.logger.Debug("unknown ws event type", "type", env.Type)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warn("ping failed", "error", err)
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}

func (f *WSFeed) writeCommand(cmd string, tickers []string) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; the tracked set is replayed on connect.
		return nil
	}

	f.nextID++
	msg := wsCommand{
		ID:  f.nextID,
		Cmd: cmd,
		Params: wsParams{
			Channels:      []string{"ticker"},
			MarketTickers: tickers,
		},
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}
