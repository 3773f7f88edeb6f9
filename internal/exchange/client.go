// Package exchange implements the Kalshi REST and WebSocket clients.
//
// The REST client (Client) covers everything the core needs:
//   - ListOpenMarkets / ListAllOpenMarkets: GET /markets (paginated)
//   - GetOrderbook:                         GET /markets/{ticker}/orderbook
//   - ListAllOpenEvents / GetEvent:         GET /events
//   - PlaceOrder / GetOrder / CancelOrder:  /portfolio/orders
//   - ListPositions / GetBalance:           /portfolio
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// transport errors, 429s and 5xx, and signed with RSA-PSS auth headers.
// In dry-run mode order placement is synthetic: orders fill immediately at
// their limit price and are tracked in memory so status queries and
// idempotent resubmission behave like the real exchange.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"kalshi-arb/internal/config"
	"kalshi-arb/pkg/types"
)

// Behavioral error kinds. Callers branch with errors.Is; the concrete
// status and body are carried in the wrapped message.
var (
	ErrTransient   = errors.New("exchange: transient error")
	ErrAuthExpired = errors.New("exchange: authentication rejected")
	ErrRejected    = errors.New("exchange: request rejected")
	ErrUnavailable = errors.New("exchange: unavailable")
	ErrNotFound    = errors.New("exchange: not found")
)

// Client is the Kalshi REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http     *resty.Client
	auth     *Auth // nil in dry-run without credentials
	rl       *RateLimiter
	basePath string // signed path prefix, e.g. /trade-api/v2
	dryRun   bool
	logger   *slog.Logger

	// Synthetic order book for dry-run mode.
	dryMu         sync.Mutex
	dryOrders     map[string]types.Order
	dryByClientID map[string]string
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	basePath := ""
	if u, err := url.Parse(cfg.API.BaseURL); err == nil {
		basePath = u.Path
	}

	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			// Honor the server-specified Retry-After on 429s.
			if r != nil {
				if secs, err := strconv.Atoi(r.Header().Get("Retry-After")); err == nil && secs > 0 {
					return time.Duration(secs) * time.Second, nil
				}
			}
			return 0, nil
		}).
		SetHeader("Content-Type", "application/json")

	// Sign each attempt with a fresh timestamp. Query params are not part
	// of the signed message.
	if auth != nil {
		httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			headers, err := auth.Headers(r.Method, basePath+r.URL)
			if err != nil {
				return err
			}
			for k, v := range headers {
				r.SetHeader(k, v)
			}
			return nil
		})
	}

	return &Client{
		http:          httpClient,
		auth:          auth,
		rl:            NewRateLimiter(),
		basePath:      basePath,
		dryRun:        cfg.DryRun,
		logger:        logger.With("component", "exchange"),
		dryOrders:     make(map[string]types.Order),
		dryByClientID: make(map[string]string),
	}
}

// classify maps an HTTP response to a behavioral error kind.
func classify(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthExpired, code, resp.String())
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", ErrNotFound, code, resp.String())
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited after retries", ErrTransient)
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, resp.String())
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire formats
// ————————————————————————————————————————————————————————————————————————

type marketJSON struct {
	Ticker       string    `json:"ticker"`
	EventTicker  string    `json:"event_ticker"`
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	YesBid       int       `json:"yes_bid"`
	YesAsk       int       `json:"yes_ask"`
	NoBid        int       `json:"no_bid"`
	NoAsk        int       `json:"no_ask"`
	CloseTime    time.Time `json:"close_time"`
	RulesPrimary string    `json:"rules_primary"`
}

func (m marketJSON) toMarket(now time.Time) types.Market {
	status := types.MarketStatus(m.Status)
	switch status {
	case types.StatusOpen, types.StatusClosed, types.StatusSettled:
	default:
		// Everything not tradable is treated as closed.
		status = types.StatusClosed
	}
	return types.Market{
		Ticker:           m.Ticker,
		EventTicker:      m.EventTicker,
		Title:            m.Title,
		Subtitle:         m.Subtitle,
		Category:         m.Category,
		Status:           status,
		Quote:            types.Quote{YesBid: m.YesBid, YesAsk: m.YesAsk, NoBid: m.NoBid, NoAsk: m.NoAsk},
		Rules:            m.RulesPrimary,
		RulesFingerprint: types.FingerprintRules(m.RulesPrimary),
		CloseTime:        m.CloseTime,
		UpdatedAt:        now,
	}
}

type eventJSON struct {
	EventTicker string       `json:"event_ticker"`
	Title       string       `json:"title"`
	Category    string       `json:"category"`
	Markets     []marketJSON `json:"markets"`
}

// PriceLevel is one resting level of the orderbook: price in cents and
// visible contract count.
type PriceLevel struct {
	PriceCents int
	Count      int
}

// Orderbook is the two-sided book for one market. YesBids are resting YES
// buy orders; NoBids are resting NO buy orders, which are YES asks at
// 100 minus the NO price.
type Orderbook struct {
	Ticker  string
	YesBids []PriceLevel
	NoBids  []PriceLevel
}

// TopDepth returns the visible size at the best level on each side.
func (b Orderbook) TopDepth() (depthYes, depthNo int) {
	if len(b.YesBids) > 0 {
		depthYes = b.YesBids[len(b.YesBids)-1].Count
	}
	if len(b.NoBids) > 0 {
		depthNo = b.NoBids[len(b.NoBids)-1].Count
	}
	return depthYes, depthNo
}

type orderbookJSON struct {
	Orderbook struct {
		Yes [][2]int `json:"yes"`
		No  [][2]int `json:"no"`
	} `json:"orderbook"`
}

type orderJSON struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	YesPrice       int    `json:"yes_price"`
	NoPrice        int    `json:"no_price"`
	Count          int    `json:"count"`
	RemainingCount int    `json:"remaining_count"`
}

func (o orderJSON) toOrder() types.Order {
	price := o.YesPrice
	if types.Side(o.Side) == types.SideNo {
		price = o.NoPrice
	}
	return types.Order{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Ticker,
		Side:          types.Side(o.Side),
		Action:        types.Action(o.Action),
		Status:        types.OrderStatus(o.Status),
		Count:         o.Count,
		FilledCount:   o.Count - o.RemainingCount,
		AvgFillPrice:  price,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// ListOpenMarkets fetches one page of open markets. An empty returned
// cursor means the last page.
func (c *Client) ListOpenMarkets(ctx context.Context, cursor string) ([]types.Market, string, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, "", err
	}

	var result struct {
		Markets []marketJSON `json:"markets"`
		Cursor  string       `json:"cursor"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetQueryParam("limit", "200").
		SetResult(&result)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	resp, err := req.Get("/markets")
	if err != nil {
		return nil, "", fmt.Errorf("list markets: %w: %w", ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return nil, "", fmt.Errorf("list markets: %w", err)
	}

	now := time.Now()
	markets := make([]types.Market, 0, len(result.Markets))
	for _, m := range result.Markets {
		markets = append(markets, m.toMarket(now))
	}
	if len(result.Markets) == 0 {
		return markets, "", nil
	}
	return markets, result.Cursor, nil
}

// ListAllOpenMarkets pages through every open market.
func (c *Client) ListAllOpenMarkets(ctx context.Context) ([]types.Market, error) {
	var all []types.Market
	cursor := ""
	for {
		page, next, err := c.ListOpenMarkets(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	c.logger.Debug("fetched open markets", "count", len(all))
	return all, nil
}

// GetOrderbook fetches the resting book for one market.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*Orderbook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result orderbookJSON
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + ticker + "/orderbook")
	if err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w: %w", ticker, ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", ticker, err)
	}

	book := &Orderbook{Ticker: ticker}
	for _, lvl := range result.Orderbook.Yes {
		book.YesBids = append(book.YesBids, PriceLevel{PriceCents: lvl[0], Count: lvl[1]})
	}
	for _, lvl := range result.Orderbook.No {
		book.NoBids = append(book.NoBids, PriceLevel{PriceCents: lvl[0], Count: lvl[1]})
	}
	return book, nil
}

// ListAllOpenEvents pages through every open event with its nested markets.
func (c *Client) ListAllOpenEvents(ctx context.Context) ([]types.Event, error) {
	var all []types.Event
	cursor := ""
	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, err
		}

		var result struct {
			Events []eventJSON `json:"events"`
			Cursor string      `json:"cursor"`
		}
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("status", "open").
			SetQueryParam("limit", "200").
			SetQueryParam("with_nested_markets", "true").
			SetResult(&result)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/events")
		if err != nil {
			return nil, fmt.Errorf("list events: %w: %w", ErrTransient, err)
		}
		if err := classify(resp); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}

		for _, e := range result.Events {
			evt := types.Event{EventTicker: e.EventTicker, Title: e.Title, Category: e.Category}
			for _, m := range e.Markets {
				evt.Tickers = append(evt.Tickers, m.Ticker)
			}
			all = append(all, evt)
		}
		if result.Cursor == "" || len(result.Events) == 0 {
			break
		}
		cursor = result.Cursor
	}
	return all, nil
}

// GetEvent fetches one event and its member tickers.
func (c *Client) GetEvent(ctx context.Context, eventTicker string) (types.Event, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.Event{}, err
	}

	var result struct {
		Event eventJSON `json:"event"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("with_nested_markets", "true").
		SetResult(&result).
		Get("/events/" + eventTicker)
	if err != nil {
		return types.Event{}, fmt.Errorf("get event %s: %w: %w", eventTicker, ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return types.Event{}, fmt.Errorf("get event %s: %w", eventTicker, err)
	}

	evt := types.Event{
		EventTicker: result.Event.EventTicker,
		Title:       result.Event.Title,
		Category:    result.Event.Category,
	}
	for _, m := range result.Event.Markets {
		evt.Tickers = append(evt.Tickers, m.Ticker)
	}
	return evt, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits a limit order. The request's ClientOrderID is the
// idempotency key: resubmitting with the same key never creates a second
// exchange order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	if req.ClientOrderID == "" {
		return types.Order{}, fmt.Errorf("%w: client order id required", ErrRejected)
	}
	if req.LimitPrice < 1 || req.LimitPrice > 99 {
		return types.Order{}, fmt.Errorf("%w: limit price %d out of range", ErrRejected, req.LimitPrice)
	}
	if c.dryRun {
		return c.placeDryOrder(req), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	body := map[string]any{
		"ticker":          req.Ticker,
		"action":          string(req.Action),
		"side":            string(req.Side),
		"type":            "limit",
		"count":           req.Count,
		"client_order_id": req.ClientOrderID,
	}
	if req.Side == types.SideYes {
		body["yes_price"] = req.LimitPrice
	} else {
		body["no_price"] = req.LimitPrice
	}
	if !req.Expiration.IsZero() {
		body["expiration_ts"] = req.Expiration.Unix()
	}

	var result struct {
		Order orderJSON `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return types.Order{}, fmt.Errorf("place order %s: %w: %w", req.Ticker, ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return types.Order{}, fmt.Errorf("place order %s: %w", req.Ticker, err)
	}

	c.logger.Info("order placed",
		"ticker", req.Ticker, "action", req.Action, "side", req.Side,
		"count", req.Count, "limit", req.LimitPrice, "order_id", result.Order.OrderID)
	return result.Order.toOrder(), nil
}

// placeDryOrder simulates an immediate full fill at the limit price and
// deduplicates by client order ID.
func (c *Client) placeDryOrder(req types.OrderRequest) types.Order {
	c.dryMu.Lock()
	defer c.dryMu.Unlock()

	if id, ok := c.dryByClientID[req.ClientOrderID]; ok {
		return c.dryOrders[id]
	}

	order := types.Order{
		ID:            "dry-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Ticker:        req.Ticker,
		Side:          req.Side,
		Action:        req.Action,
		Status:        types.OrderExecuted,
		Count:         req.Count,
		FilledCount:   req.Count,
		AvgFillPrice:  req.LimitPrice,
		CreatedAt:     time.Now(),
	}
	c.dryOrders[order.ID] = order
	c.dryByClientID[req.ClientOrderID] = order.ID
	c.logger.Info("DRY-RUN: order filled at limit",
		"ticker", req.Ticker, "action", req.Action, "side", req.Side,
		"count", req.Count, "limit", req.LimitPrice)
	return order
}

// GetOrder fetches current order status. Idempotent.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	if c.dryRun {
		c.dryMu.Lock()
		defer c.dryMu.Unlock()
		if order, ok := c.dryOrders[orderID]; ok {
			return order, nil
		}
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, ErrNotFound)
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	var result struct {
		Order orderJSON `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/portfolio/orders/" + orderID)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w: %w", orderID, ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return result.Order.toOrder(), nil
}

// CancelOrder cancels a resting order. Cancelling an already-terminal
// order is not an error.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.dryMu.Lock()
		defer c.dryMu.Unlock()
		if order, ok := c.dryOrders[orderID]; ok && order.Status == types.OrderResting {
			order.Status = types.OrderCanceled
			c.dryOrders[orderID] = order
		}
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/portfolio/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w: %w", orderID, ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// ListPositions fetches the exchange-side view of open positions.
func (c *Client) ListPositions(ctx context.Context) ([]types.Position, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var all []types.Position
	cursor := ""
	for {
		var result struct {
			Positions []struct {
				Ticker   string `json:"ticker"`
				Position int    `json:"position"`
				AvgPrice int    `json:"market_exposure"`
			} `json:"market_positions"`
			Cursor string `json:"cursor"`
		}
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("limit", "200").
			SetResult(&result)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/portfolio/positions")
		if err != nil {
			return nil, fmt.Errorf("list positions: %w: %w", ErrTransient, err)
		}
		if err := classify(resp); err != nil {
			return nil, fmt.Errorf("list positions: %w", err)
		}

		for _, p := range result.Positions {
			all = append(all, types.Position{Ticker: p.Ticker, NetContracts: p.Position})
		}
		if result.Cursor == "" || len(result.Positions) == 0 {
			break
		}
		cursor = result.Cursor
	}
	return all, nil
}

// GetBalance fetches the tradable balance in cents. Dry-run reports a
// fixed synthetic bankroll so sizing still works.
func (c *Client) GetBalance(ctx context.Context) (types.Balance, error) {
	if c.dryRun {
		return types.Balance{Cents: 100_000_00, FetchedAt: time.Now()}, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.Balance{}, err
	}

	var result struct {
		Balance int64 `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/portfolio/balance")
	if err != nil {
		return types.Balance{}, fmt.Errorf("get balance: %w: %w", ErrTransient, err)
	}
	if err := classify(resp); err != nil {
		return types.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return types.Balance{Cents: result.Balance, FetchedAt: time.Now()}, nil
}
