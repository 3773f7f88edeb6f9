// ingest.go is the ingestion worker: it pulls the full market and event
// listing from the exchange each cycle, overlays orderbook depth for the
// tickers the catalog cares about, persists snapshots, and streams
// websocket deltas into the cache between cycles.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"kalshi-arb/internal/exchange"
	"kalshi-arb/pkg/types"
)

// depthFetchers bounds concurrent orderbook fetches per cycle.
const depthFetchers = 8

// Exchange is the slice of the REST client ingestion needs.
type Exchange interface {
	ListAllOpenMarkets(ctx context.Context) ([]types.Market, error)
	ListAllOpenEvents(ctx context.Context) ([]types.Event, error)
	GetOrderbook(ctx context.Context, ticker string) (*exchange.Orderbook, error)
}

// SnapshotStore persists what ingestion observed. Implementations must
// tolerate being called every cycle.
type SnapshotStore interface {
	UpsertMarkets(ctx context.Context, markets []types.Market) error
	UpsertEvents(ctx context.Context, events []types.Event) error
	AppendPriceSnapshots(ctx context.Context, markets []types.Market) error
}

// Ingestor drives one ingestion cycle and the websocket overlay.
type Ingestor struct {
	client Exchange
	cache  *Cache
	store  SnapshotStore

	// depthTickers names the tickers whose orderbook depth should be
	// refreshed each cycle (those involved in active relationships).
	depthTickers func() []string

	logger *slog.Logger
}

func NewIngestor(client Exchange, cache *Cache, store SnapshotStore, depthTickers func() []string, logger *slog.Logger) *Ingestor {
	if depthTickers == nil {
		depthTickers = func() []string { return nil }
	}
	return &Ingestor{
		client:       client,
		cache:        cache,
		store:        store,
		depthTickers: depthTickers,
		logger:       logger.With("component", "ingest"),
	}
}

// RunOnce performs one full ingestion cycle.
func (i *Ingestor) RunOnce(ctx context.Context) error {
	started := time.Now()

	markets, err := i.client.ListAllOpenMarkets(ctx)
	if err != nil {
		return fmt.Errorf("ingest markets: %w", err)
	}
	applied := i.cache.Apply(markets)

	events, err := i.client.ListAllOpenEvents(ctx)
	if err != nil {
		return fmt.Errorf("ingest events: %w", err)
	}
	i.cache.SetEvents(events)

	i.refreshDepth(ctx)

	if i.store != nil {
		if err := i.store.UpsertMarkets(ctx, markets); err != nil {
			i.logger.Error("persist markets", "error", err)
		}
		if err := i.store.UpsertEvents(ctx, events); err != nil {
			i.logger.Error("persist events", "error", err)
		}
		if err := i.store.AppendPriceSnapshots(ctx, markets); err != nil {
			i.logger.Error("persist price snapshots", "error", err)
		}
	}

	i.logger.Info("ingestion cycle complete",
		"markets", len(markets),
		"applied", applied,
		"events", len(events),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// refreshDepth overlays top-of-book depth for relationship tickers.
// Failures are per-ticker and non-fatal; detection simply sees the last
// known depth.
func (i *Ingestor) refreshDepth(ctx context.Context) {
	tickers := i.depthTickers()
	if len(tickers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(depthFetchers)
	now := time.Now()
	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			book, err := i.client.GetOrderbook(gctx, ticker)
			if err != nil {
				i.logger.Warn("orderbook fetch failed", "ticker", ticker, "error", err)
				return nil
			}
			depthYes, depthNo := book.TopDepth()
			if err := i.cache.ApplyDepth(ticker, depthYes, depthNo, now); err != nil {
				i.logger.Debug("depth overlay skipped", "ticker", ticker, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ConsumeFeed applies websocket top-of-book deltas until ctx is done or
// the channel closes. NO prices are the 100-complement of the YES quote.
func (i *Ingestor) ConsumeFeed(ctx context.Context, updates <-chan exchange.TickerUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			q := types.Quote{
				YesBid: upd.YesBid,
				YesAsk: upd.YesAsk,
				NoBid:  100 - upd.YesAsk,
				NoAsk:  100 - upd.YesBid,
			}
			if err := i.cache.ApplyQuote(upd.Ticker, q, upd.ReceivedAt); err != nil {
				i.logger.Debug("feed update skipped", "ticker", upd.Ticker, "error", err)
			}
		}
	}
}
