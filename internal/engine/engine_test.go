package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/risk"
	"kalshi-arb/pkg/types"
)

// marketFixture is one market as the REST API would report it.
type marketFixture struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	YesBid      int    `json:"yes_bid"`
	YesAsk      int    `json:"yes_ask"`
	NoBid       int    `json:"no_bid"`
	NoAsk       int    `json:"no_ask"`
	Rules       string `json:"rules_primary"`
}

// newFixtureAPI serves the minimal REST surface an ingestion cycle
// touches: market list, event list, and per-ticker orderbooks.
func newFixtureAPI(t *testing.T, markets []marketFixture, depth int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"markets": markets, "cursor": ""})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		byEvent := map[string][]marketFixture{}
		for _, m := range markets {
			byEvent[m.EventTicker] = append(byEvent[m.EventTicker], m)
		}
		var events []map[string]any
		for evt, ms := range byEvent {
			events = append(events, map[string]any{
				"event_ticker": evt,
				"title":        "event " + evt,
				"markets":      ms,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"events": events, "cursor": ""})
	})
	mux.HandleFunc("/markets/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/orderbook") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"orderbook": map[string]any{
				"yes": [][2]int{{45, depth}},
				"no":  [][2]int{{40, depth}},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testEngineConfig(baseURL, dbPath string) config.Config {
	return config.Config{
		DryRun: true,
		API:    config.APIConfig{BaseURL: baseURL},
		Detector: config.DetectorConfig{
			MinScoreThreshold:             1,
			FeeSafetyMultiplier:           1,
			OpportunityTTL:                10 * time.Second,
			PartitionEpsilonCents:         2,
			KappaFloor:                    0.9,
			ImplicationSoftThresholdCents: 5,
		},
		Executor: config.ExecutorConfig{
			OrderDeadline:      200 * time.Millisecond,
			PollInterval:       10 * time.Millisecond,
			HedgeWidenCents:    3,
			MaxUnwindLossCents: 5,
			CancelRetries:      2,
		},
		Risk: config.RiskConfig{
			MaxRiskPerTradePct:    0.02,
			MaxDailyLossCents:     5000,
			MaxOpenPositions:      3,
			MaxContractsPerTrade:  10,
			MaxContractsPerMarket: 100,
		},
		Engine: config.EngineConfig{
			FullScanInterval:    time.Minute,
			OpportunityRecheck:  time.Second,
			RelationshipRescan:  time.Minute,
			RevalidateAfter:     time.Hour,
			OpportunityQueueCap: 8,
			ExecutionWorkers:    1,
		},
		Store: config.StoreConfig{Path: dbPath},
	}
}

func newTestEngine(t *testing.T, markets []marketFixture) *Engine {
	t.Helper()
	srv := newFixtureAPI(t, markets, 20)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := testEngineConfig(srv.URL, filepath.Join(t.TempDir(), "arb.db"))
	e, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		e.cancel()
		e.store.Close()
	})
	return e
}

// subsetMarkets holds a live SUBSET violation: the subset's ask (60) is
// above the superset's bid (50).
func subsetMarkets() []marketFixture {
	return []marketFixture{
		{Ticker: "CUT-JUN", EventTicker: "RATES", Title: "Cut by June", Status: "open", YesBid: 58, YesAsk: 60, NoBid: 40, NoAsk: 42, Rules: "settles on June cut"},
		{Ticker: "CUT-DEC", EventTicker: "RATES", Title: "Cut by December", Status: "open", YesBid: 50, YesAsk: 52, NoBid: 48, NoAsk: 50, Rules: "settles on December cut"},
	}
}

func seedSubsetRelationship(t *testing.T, e *Engine) types.Relationship {
	t.Helper()
	rel, err := e.catalog.Upsert(types.Relationship{
		Type:       types.RelSubset,
		Tickers:    []string{"CUT-JUN", "CUT-DEC"},
		Confidence: 0.95,
		Reasoning:  "a June cut implies a cut by December",
	}, e.cache)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return rel
}

func TestPipelineDetectToFilled(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if e.cache.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", e.cache.Len())
	}
	seedSubsetRelationship(t, e)

	// Second cycle: the relationship's tickers now get depth overlays.
	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	m, _ := e.cache.Get("CUT-JUN")
	if m.DepthYes != 20 || m.DepthNo != 20 {
		t.Fatalf("depth overlay = (%d,%d), want (20,20)", m.DepthYes, m.DepthNo)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.governor.Run(runCtx)

	e.RunDetectionCycle(ctx)

	var item admitted
	select {
	case item = <-e.queue:
	default:
		t.Fatal("no opportunity reached the execution queue")
	}
	if item.count != 10 {
		t.Errorf("admitted count = %d, want 10 (per-trade cap)", item.count)
	}
	if item.opp.RawEdge != 10 {
		t.Errorf("edge = %d, want 10", item.opp.RawEdge)
	}

	e.executeAdmitted(item)

	state, err := e.store.GetOpportunityState(ctx, item.opp.ID)
	if err != nil {
		t.Fatalf("GetOpportunityState: %v", err)
	}
	if state != types.OppFilled {
		t.Fatalf("state = %s, want FILLED", state)
	}

	// Fills flow to the governor asynchronously; both legs should land.
	deadline := time.After(time.Second)
	for {
		buy := e.governor.Position("CUT-DEC")
		sell := e.governor.Position("CUT-JUN")
		if buy.NetContracts == 10 && sell.NetContracts == -10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("positions = %+v / %+v, want +10 / -10", buy, sell)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Dry-run fills live in the shadow ledger; the real day ledger and
	// fills table stay untouched.
	shadow, ok := e.ledger.(*risk.ShadowLedger)
	if !ok {
		t.Fatal("dry-run engine not wired to the shadow ledger")
	}
	if len(shadow.Fills()) != 2 {
		t.Errorf("shadow ledger holds %d fills, want 2", len(shadow.Fills()))
	}
	day := time.Now().UTC().Format("2006-01-02")
	real, err := e.store.GetDayState(ctx, day)
	if err != nil {
		t.Fatalf("GetDayState: %v", err)
	}
	if real.RealizedCents != 0 || real.Trades != 0 || real.KillEngaged {
		t.Errorf("dry-run polluted the real day ledger: %+v", real)
	}
}

func TestDetectionPausedWhileKilled(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	seedSubsetRelationship(t, e)
	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	e.governor.EngageKillSwitch("operator test")
	e.RunDetectionCycle(ctx)

	select {
	case item := <-e.queue:
		t.Fatalf("opportunity %s enqueued while kill switch active", item.opp.ID)
	default:
	}
}

func TestKillSignalDrainsQueue(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	opp := types.Opportunity{
		ID:             "opp-queued",
		RelationshipID: "rel-1",
		RelationType:   types.RelSubset,
		Signal:         types.BuySellSignal("CUT-DEC", "CUT-JUN"),
		Legs: []types.Leg{
			{Ticker: "CUT-DEC", Side: types.SideYes, Action: types.ActionBuy, LimitPrice: 50, Count: 5, Depth: 20},
			{Ticker: "CUT-JUN", Side: types.SideYes, Action: types.ActionSell, LimitPrice: 60, Count: 5, Depth: 20},
		},
		DetectedAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
		State:      types.OppDetected,
	}
	if err := e.store.InsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if err := e.store.TransitionOpportunity(ctx, opp.ID, types.OppValidated, ""); err != nil {
		t.Fatalf("TransitionOpportunity: %v", err)
	}
	e.queue <- admitted{opp: opp, count: 5}

	e.handleKill(risk.KillSignal{Reason: "daily loss cap"})

	select {
	case item := <-e.queue:
		t.Fatalf("queue not drained, got %s", item.opp.ID)
	default:
	}
	state, err := e.store.GetOpportunityState(ctx, opp.ID)
	if err != nil {
		t.Fatalf("GetOpportunityState: %v", err)
	}
	if state != types.OppRejected {
		t.Errorf("state = %s, want REJECTED", state)
	}
}

func TestStaleOpportunityExpires(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	now := time.Now()
	opp := types.Opportunity{
		ID:             "opp-stale",
		RelationshipID: "rel-gone",
		RelationType:   types.RelSubset,
		Signal:         types.BuySellSignal("CUT-DEC", "CUT-JUN"),
		Legs: []types.Leg{
			{Ticker: "CUT-DEC", Side: types.SideYes, Action: types.ActionBuy, LimitPrice: 50, Count: 5},
			{Ticker: "CUT-JUN", Side: types.SideYes, Action: types.ActionSell, LimitPrice: 60, Count: 5},
		},
		DetectedAt: now.Add(-time.Minute),
		ExpiresAt:  now.Add(-30 * time.Second),
		State:      types.OppDetected,
	}

	e.processOpportunity(ctx, opp, now)

	state, err := e.store.GetOpportunityState(ctx, opp.ID)
	if err != nil {
		t.Fatalf("GetOpportunityState: %v", err)
	}
	if state != types.OppExpired {
		t.Errorf("state = %s, want EXPIRED", state)
	}
	select {
	case item := <-e.queue:
		t.Fatalf("expired opportunity enqueued: %s", item.opp.ID)
	default:
	}
}

func TestInflightDedupe(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rel := seedSubsetRelationship(t, e)
	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Two scans back to back: the second sees the same violation but the
	// first instance is still queued.
	e.RunDetectionCycle(ctx)
	e.RunDetectionCycle(ctx)

	queued := 0
	for {
		select {
		case <-e.queue:
			queued++
			continue
		default:
		}
		break
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1 (in-flight dedupe by %s)", queued, rel.ID)
	}
}

func TestDroppedRelationshipExpiresAtValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, subsetMarkets())
	ctx := context.Background()

	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rel := seedSubsetRelationship(t, e)
	if err := e.RunIngestCycle(ctx); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	opp := types.Opportunity{
		ID:             "opp-dropped-rel",
		RelationshipID: rel.ID,
		RelationType:   types.RelSubset,
		Signal:         types.BuySellSignal("CUT-DEC", "CUT-JUN"),
		Legs: []types.Leg{
			{Ticker: "CUT-DEC", Side: types.SideYes, Action: types.ActionBuy, LimitPrice: 50, Count: 5, Depth: 20},
			{Ticker: "CUT-JUN", Side: types.SideYes, Action: types.ActionSell, LimitPrice: 60, Count: 5, Depth: 20},
		},
		DetectedAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
		State:      types.OppDetected,
	}

	e.catalog.Invalidate(rel.ID, "rules changed")
	e.processOpportunity(ctx, opp, time.Now())

	state, err := e.store.GetOpportunityState(ctx, opp.ID)
	if err != nil {
		t.Fatalf("GetOpportunityState: %v", err)
	}
	if state != types.OppExpired {
		t.Errorf("state = %s, want EXPIRED", state)
	}
}
