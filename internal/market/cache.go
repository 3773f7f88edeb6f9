// Package market implements the canonical in-memory view of live markets
// and the ingestion worker that keeps it current.
//
// The cache is a versioned copy-on-write table: writers replace whole
// Market values under the write lock and bump the version; readers take
// consistent snapshots under one read lock, so a PriceView is atomic
// without blocking writers for the duration of a scan.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kalshi-arb/pkg/types"
)

var (
	ErrUnknownTicker = errors.New("market: unknown ticker")
	ErrStaleMarket   = errors.New("market: market not open")
)

// Cache holds the canonical market table. It is the exclusive owner of
// Market records; all reads hand out value copies.
type Cache struct {
	mu      sync.RWMutex
	version uint64
	table   map[string]types.Market
	byEvent map[string][]string
	events  map[string]types.Event
}

func NewCache() *Cache {
	return &Cache{
		table:   make(map[string]types.Market),
		byEvent: make(map[string][]string),
		events:  make(map[string]types.Event),
	}
}

// Apply merges a full or delta snapshot. Snapshots are
// append-at-monotonic-timestamp: a market whose UpdatedAt is not newer
// than the cached row is skipped. Returns the number of rows applied.
func (c *Cache) Apply(markets []types.Market) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	applied := 0
	for _, m := range markets {
		if cur, ok := c.table[m.Ticker]; ok && !m.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		if _, ok := c.table[m.Ticker]; !ok {
			c.byEvent[m.EventTicker] = append(c.byEvent[m.EventTicker], m.Ticker)
		}
		c.table[m.Ticker] = m
		applied++
	}
	if applied > 0 {
		c.version++
	}
	return applied
}

// ApplyQuote overlays a top-of-book delta (from the websocket feed) onto
// an existing row. Older-than-current deltas are dropped.
func (c *Cache) ApplyQuote(ticker string, q types.Quote, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.table[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	if !at.After(cur.UpdatedAt) {
		return nil
	}
	cur.Quote = q
	cur.UpdatedAt = at
	c.table[ticker] = cur
	c.version++
	return nil
}

// ApplyDepth overlays top-of-book depth from an orderbook fetch.
func (c *Cache) ApplyDepth(ticker string, depthYes, depthNo int, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.table[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	cur.DepthYes = depthYes
	cur.DepthNo = depthNo
	if at.After(cur.UpdatedAt) {
		cur.UpdatedAt = at
	}
	c.table[ticker] = cur
	c.version++
	return nil
}

// SetEvents replaces the event index.
func (c *Cache) SetEvents(events []types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string]types.Event, len(events))
	for _, e := range events {
		c.events[e.EventTicker] = e
	}
}

// Events returns all known events sorted by ticker.
func (c *Cache) Events() []types.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTicker < out[j].EventTicker })
	return out
}

// Get returns one market by ticker.
func (c *Cache) Get(ticker string) (types.Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.table[ticker]
	if !ok {
		return types.Market{}, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return m, nil
}

// EventMarkets returns all cached markets grouped under one event.
func (c *Cache) EventMarkets(eventTicker string) []types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tickers := c.byEvent[eventTicker]
	out := make([]types.Market, 0, len(tickers))
	for _, t := range tickers {
		out = append(out, c.table[t])
	}
	return out
}

// PriceView returns a consistent snapshot of the named tickers, all taken
// from one coherent version of the table. Fails if any ticker is missing
// or not open; callers decide whether to retry.
func (c *Cache) PriceView(tickers []string) (map[string]types.Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := make(map[string]types.Market, len(tickers))
	for _, t := range tickers {
		m, ok := c.table[t]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, t)
		}
		if m.Status != types.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", ErrStaleMarket, t, m.Status)
		}
		view[t] = m
	}
	return view, nil
}

// Len reports the number of cached markets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

// Version is the monotonic write counter; it bumps on every applied change.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
