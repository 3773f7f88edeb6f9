package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kalshi-arb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMarket(ticker string, yesBid, yesAsk int) types.Market {
	return types.Market{
		Ticker:           ticker,
		EventTicker:      "EVT",
		Title:            "title " + ticker,
		Status:           types.StatusOpen,
		Quote:            types.Quote{YesBid: yesBid, YesAsk: yesAsk, NoBid: 100 - yesAsk, NoAsk: 100 - yesBid},
		Rules:            "rules",
		RulesFingerprint: types.FingerprintRules("rules"),
		UpdatedAt:        time.Now().UTC(),
	}
}

func TestMarketAndEventRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	markets := []types.Market{testMarket("A", 40, 42), testMarket("B", 60, 62)}
	if err := s.UpsertMarkets(ctx, markets); err != nil {
		t.Fatalf("UpsertMarkets: %v", err)
	}
	// Second upsert with moved prices must not error and must overwrite.
	markets[0].Quote.YesBid = 45
	if err := s.UpsertMarkets(ctx, markets); err != nil {
		t.Fatalf("UpsertMarkets again: %v", err)
	}

	events := []types.Event{{EventTicker: "EVT", Title: "Event", Tickers: []string{"A", "B"}}}
	if err := s.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}

	if err := s.AppendPriceSnapshots(ctx, markets); err != nil {
		t.Fatalf("AppendPriceSnapshots: %v", err)
	}
	n, err := s.PruneSnapshots(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d snapshots, want 2", n)
	}
}

func TestRelationshipPersistence(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rel := types.Relationship{
		ID:              "rel-1",
		Type:            types.RelSubset,
		Tickers:         []string{"A", "B"},
		Confidence:      0.9,
		Reasoning:       "a implies b",
		Fingerprints:    map[string]string{"A": "fp-a", "B": "fp-b"},
		CreatedAt:       time.Now().UTC(),
		LastValidatedAt: time.Now().UTC(),
	}
	if err := s.SaveRelationship(ctx, rel); err != nil {
		t.Fatalf("SaveRelationship: %v", err)
	}

	rel.Invalidated = true
	rel.InvalidReason = "rules changed"
	if err := s.SaveRelationship(ctx, rel); err != nil {
		t.Fatalf("SaveRelationship update: %v", err)
	}

	got, err := s.LoadRelationships(ctx)
	if err != nil {
		t.Fatalf("LoadRelationships: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d relationships, want 1", len(got))
	}
	if !got[0].Invalidated || got[0].InvalidReason != "rules changed" {
		t.Errorf("invalidation not persisted: %+v", got[0])
	}
	if got[0].Fingerprints["A"] != "fp-a" {
		t.Errorf("fingerprints not persisted: %v", got[0].Fingerprints)
	}
	if len(got[0].Tickers) != 2 || got[0].Tickers[0] != "A" {
		t.Errorf("tickers not persisted in order: %v", got[0].Tickers)
	}
}

func testOpportunity(id string) types.Opportunity {
	now := time.Now().UTC()
	return types.Opportunity{
		ID:             id,
		RelationshipID: "rel-1",
		RelationType:   types.RelSubset,
		Signal:         types.BuySellSignal("B", "A"),
		Legs: []types.Leg{
			{Ticker: "B", Side: types.SideYes, Action: types.ActionBuy, LimitPrice: 50, Count: 10, Depth: 15},
			{Ticker: "A", Side: types.SideYes, Action: types.ActionSell, LimitPrice: 60, Count: 10, Depth: 20},
		},
		RawEdge:      10,
		FeeEstimate:  20,
		NetMagnitude: 8,
		Score:        7.6,
		DesiredCount: 10,
		DetectedAt:   now,
		ExpiresAt:    now.Add(15 * time.Second),
		State:        types.OppDetected,
	}
}

func TestOpportunityLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertOpportunity(ctx, testOpportunity("opp-1")); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}

	steps := []types.OppState{types.OppValidated, types.OppExecuting, types.OppFilled}
	for _, to := range steps {
		if err := s.TransitionOpportunity(ctx, "opp-1", to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	state, err := s.GetOpportunityState(ctx, "opp-1")
	if err != nil {
		t.Fatalf("GetOpportunityState: %v", err)
	}
	if state != types.OppFilled {
		t.Errorf("state = %s, want FILLED", state)
	}

	// Terminal states admit nothing further.
	err = s.TransitionOpportunity(ctx, "opp-1", types.OppFailed, "")
	if !errors.Is(err, ErrAlreadyInTerminal) {
		t.Errorf("transition out of terminal: err = %v, want ErrAlreadyInTerminal", err)
	}
}

func TestOpportunityIllegalTransition(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertOpportunity(ctx, testOpportunity("opp-1")); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	// DETECTED cannot jump straight to EXECUTING.
	err := s.TransitionOpportunity(ctx, "opp-1", types.OppExecuting, "")
	if !errors.Is(err, ErrBadTransition) {
		t.Errorf("err = %v, want ErrBadTransition", err)
	}
	// Failed transition must not have changed the row.
	state, _ := s.GetOpportunityState(ctx, "opp-1")
	if state != types.OppDetected {
		t.Errorf("state = %s, want DETECTED after rejected transition", state)
	}

	err = s.TransitionOpportunity(ctx, "missing", types.OppValidated, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing opportunity: err = %v, want ErrNotFound", err)
	}
}

func TestRecentOpportunities(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first := testOpportunity("opp-1")
	second := testOpportunity("opp-2")
	second.DetectedAt = first.DetectedAt.Add(time.Second)
	if err := s.InsertOpportunity(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOpportunity(ctx, second); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionOpportunity(ctx, "opp-2", types.OppExpired, "ttl elapsed"); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentOpportunities(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOpportunities: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].ID != "opp-2" {
		t.Errorf("newest first: got %s", got[0].ID)
	}
	if got[0].State != types.OppExpired || got[0].StateReason != "ttl elapsed" {
		t.Errorf("state not recorded: %+v", got[0])
	}
}

func TestOrdersAndFills(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	order := types.Order{
		ID:            "ord-1",
		ClientOrderID: types.IdempotencyKey("opp-1", 0, 0),
		Ticker:        "A",
		Side:          types.SideYes,
		Action:        types.ActionBuy,
		Status:        types.OrderResting,
		Count:         10,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.RecordOrder(ctx, "opp-1", order); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	order.Status = types.OrderExecuted
	order.FilledCount = 10
	order.AvgFillPrice = 50
	if err := s.RecordOrder(ctx, "opp-1", order); err != nil {
		t.Fatalf("RecordOrder update: %v", err)
	}

	fill := types.Fill{
		OrderID:  "ord-1",
		Ticker:   "A",
		Side:     types.SideYes,
		Action:   types.ActionBuy,
		Count:    10,
		Price:    50,
		FeeCents: 18,
		FilledAt: time.Now().UTC(),
	}
	if err := s.RecordFill(ctx, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	fills, err := s.FillsForTicker(ctx, "A")
	if err != nil {
		t.Fatalf("FillsForTicker: %v", err)
	}
	if len(fills) != 1 || fills[0].Count != 10 || fills[0].Price != 50 {
		t.Errorf("fills = %+v", fills)
	}

	day := fill.FilledAt.UTC().Format("2006-01-02")
	st, err := s.GetDayState(ctx, day)
	if err != nil {
		t.Fatalf("GetDayState: %v", err)
	}
	if st.Trades != 1 {
		t.Errorf("trades = %d, want 1", st.Trades)
	}
}

func TestOrphanedOrders(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	order := types.Order{
		ID:            "ord-1",
		ClientOrderID: "coid-1",
		Ticker:        "A",
		Side:          types.SideYes,
		Action:        types.ActionBuy,
		Status:        types.OrderResting,
		Count:         5,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.RecordOrder(ctx, "opp-1", order); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOrderOrphaned(ctx, "ord-1"); err != nil {
		t.Fatalf("MarkOrderOrphaned: %v", err)
	}
	if err := s.MarkOrderOrphaned(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown order: err = %v, want ErrNotFound", err)
	}

	ids, err := s.OrphanedOrders(ctx)
	if err != nil {
		t.Fatalf("OrphanedOrders: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ord-1" {
		t.Errorf("OrphanedOrders = %v", ids)
	}
}

func TestDayLedger(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	day := "2026-08-25"

	total, err := s.AddDailyRealized(ctx, day, -300)
	if err != nil {
		t.Fatalf("AddDailyRealized: %v", err)
	}
	if total != -300 {
		t.Errorf("total = %d, want -300", total)
	}
	total, err = s.AddDailyRealized(ctx, day, 120)
	if err != nil {
		t.Fatal(err)
	}
	if total != -180 {
		t.Errorf("total = %d, want -180", total)
	}

	if err := s.SetKillEngaged(ctx, day, true); err != nil {
		t.Fatalf("SetKillEngaged: %v", err)
	}
	st, err := s.GetDayState(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if st.RealizedCents != -180 || !st.KillEngaged {
		t.Errorf("day state = %+v", st)
	}

	// Missing day reads as a zero row.
	st, err = s.GetDayState(ctx, "1999-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if st.RealizedCents != 0 || st.KillEngaged || st.Trades != 0 {
		t.Errorf("zero day state = %+v", st)
	}
}
