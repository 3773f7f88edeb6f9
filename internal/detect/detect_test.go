package detect

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/market"
	"kalshi-arb/pkg/types"
)

// fixedFees charges a flat per-leg, per-contract fee so tests can reason
// about the gate in round numbers.
type fixedFees struct{ perLegPerContract int }

func (f fixedFees) EstimateCents(legs []types.Leg, count int) int {
	return f.perLegPerContract * len(legs) * count
}

// capSizer mimics the governor's oracle: liquidity-bound with a hard cap.
type capSizer struct{ max int }

func (s capSizer) SuggestCount(legs []types.Leg) int {
	count := s.max
	for _, l := range legs {
		if l.Depth < count {
			count = l.Depth
		}
	}
	return count
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mkt(ticker string, yesBid, yesAsk, depth int) types.Market {
	return types.Market{
		Ticker:    ticker,
		Status:    types.StatusOpen,
		Quote:     types.Quote{YesBid: yesBid, YesAsk: yesAsk, NoBid: 100 - yesAsk, NoAsk: 100 - yesBid},
		DepthYes:  depth,
		DepthNo:   depth,
		UpdatedAt: time.Now(),
	}
}

func testConfig() config.DetectorConfig {
	return config.DetectorConfig{
		MinScoreThreshold:             0,
		FeeSafetyMultiplier:           2.0,
		OpportunityTTL:                15 * time.Second,
		PartitionEpsilonCents:         2,
		KappaFloor:                    0.9,
		ImplicationSoftThresholdCents: 5,
	}
}

func newDetector(cache *market.Cache, rels []types.Relationship, est fixedFees, sizer capSizer, cfg config.DetectorConfig) *Detector {
	return New(cache, func() []types.Relationship { return rels }, est, sizer, cfg, quietLogger())
}

func TestSubsetViolation(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("MAR_CUT", 58, 60, 20),
		mkt("JUN_CUT", 50, 52, 15),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"MAR_CUT", "JUN_CUT"}, Confidence: 0.95}

	// Flat 1 cent per leg per contract = 2 cents per contract set.
	d := newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{10}, testConfig())
	opps := d.Scan(context.Background(), time.Now())

	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Signal != types.BuySellSignal("JUN_CUT", "MAR_CUT") {
		t.Errorf("signal = %s, want buy superset / sell subset", opp.Signal)
	}
	if opp.RawEdge != 10 {
		t.Errorf("edge = %d, want 10", opp.RawEdge)
	}
	if opp.DesiredCount != 10 {
		t.Errorf("count = %d, want 10 (hard cap under depth 15)", opp.DesiredCount)
	}
	if opp.NetMagnitude < 6 {
		t.Errorf("net magnitude = %v, want >= 6", opp.NetMagnitude)
	}
	// Least-liquid leg first: JUN_CUT (depth 15) before MAR_CUT (depth 20).
	if opp.Legs[0].Ticker != "JUN_CUT" || opp.Legs[0].Action != types.ActionBuy {
		t.Errorf("first leg = %+v, want JUN_CUT buy", opp.Legs[0])
	}
	if opp.Legs[1].Ticker != "MAR_CUT" || opp.Legs[1].Action != types.ActionSell {
		t.Errorf("second leg = %+v, want MAR_CUT sell", opp.Legs[1])
	}
	if opp.Legs[0].LimitPrice != 50 || opp.Legs[1].LimitPrice != 60 {
		t.Errorf("limits = %d/%d, want 50 (superset bid) and 60 (subset ask)", opp.Legs[0].LimitPrice, opp.Legs[1].LimitPrice)
	}
	if opp.State != types.OppDetected {
		t.Errorf("state = %s, want DETECTED", opp.State)
	}
	if !opp.ExpiresAt.After(opp.DetectedAt) {
		t.Error("expiry must be after detection")
	}
}

func TestSubsetExactEqualityNoEmission(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("A", 48, 50, 20), // subset ask == superset bid
		mkt("B", 50, 52, 20),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"A", "B"}, Confidence: 0.9}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{0}, capSizer{10}, testConfig())
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 at exact equality", len(opps))
	}
}

func TestSatisfiedConstraintEmitsNothing(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("A", 28, 30, 20),
		mkt("B", 50, 52, 20),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"A", "B"}, Confidence: 0.9}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{0}, capSizer{10}, testConfig())
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("satisfied SUBSET emitted %d opportunities", len(opps))
	}
}

func TestThresholdMiddlePairOnly(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("INF_3", 68, 70, 30),
		mkt("INF_4", 53, 55, 30),
		mkt("INF_5", 58, 60, 30),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelThreshold, Tickers: []string{"INF_3", "INF_4", "INF_5"}, Confidence: 0.9}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{0}, capSizer{10}, testConfig())
	opps := d.Scan(context.Background(), time.Now())

	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want exactly 1 (middle pair)", len(opps))
	}
	if opps[0].RawEdge != 7 {
		t.Errorf("edge = %d, want 60 - 53 = 7", opps[0].RawEdge)
	}
	if opps[0].Signal != types.BuySellSignal("INF_4", "INF_5") {
		t.Errorf("signal = %s, want BUY_INF_4_SELL_INF_5", opps[0].Signal)
	}
}

func TestPartitionFeeGate(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("GDP_1", 18, 20, 50),
		mkt("GDP_2", 23, 25, 50),
		mkt("GDP_3", 23, 25, 50),
		mkt("GDP_4", 20, 22, 50),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelPartition, Tickers: []string{"GDP_1", "GDP_2", "GDP_3", "GDP_4"}, Confidence: 1.0}

	cfg := testConfig()
	cfg.PartitionEpsilonCents = 4
	cfg.FeeSafetyMultiplier = 1.0

	// 2 cents per leg: fees consume the whole 8 cent edge. Suppressed.
	d := newDetector(cache, []types.Relationship{rel}, fixedFees{2}, capSizer{10}, cfg)
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("edge fully consumed by fees still emitted %d opportunities", len(opps))
	}

	// 1 cent per leg: 4 cents net per set clears the gate.
	d = newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{10}, cfg)
	opps := d.Scan(context.Background(), time.Now())
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1 after lowering fees", len(opps))
	}
	if opps[0].Signal != types.SignalBuyAll {
		t.Errorf("signal = %s, want BUY_ALL", opps[0].Signal)
	}
	if opps[0].RawEdge != 8 {
		t.Errorf("edge = %d, want 100 - 92 = 8", opps[0].RawEdge)
	}
	if len(opps[0].Legs) != 4 {
		t.Errorf("legs = %d, want 4", len(opps[0].Legs))
	}
}

func TestPartitionSumExactly100NoOp(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("Q_1", 23, 25, 50),
		mkt("Q_2", 23, 25, 50),
		mkt("Q_3", 23, 25, 50),
		mkt("Q_4", 23, 25, 50),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelPartition, Tickers: []string{"Q_1", "Q_2", "Q_3", "Q_4"}, Confidence: 1.0}

	cfg := testConfig()
	cfg.PartitionEpsilonCents = 0
	d := newDetector(cache, []types.Relationship{rel}, fixedFees{0}, capSizer{10}, cfg)
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("asks summing to exactly 100 emitted %d opportunities", len(opps))
	}
}

func TestPartitionClosedLegNoEmission(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	closed := mkt("P_2", 23, 25, 50)
	closed.Status = types.StatusClosed
	cache.Apply([]types.Market{mkt("P_1", 18, 20, 50), closed})
	rel := types.Relationship{ID: "r1", Type: types.RelPartition, Tickers: []string{"P_1", "P_2"}, Confidence: 1.0}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{0}, capSizer{10}, testConfig())
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("partition with closed leg emitted %d opportunities", len(opps))
	}
}

func TestImplicationGates(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("IF", 70, 72, 40),
		mkt("THEN", 58, 60, 40),
	})

	// Below the kappa floor: never evaluated.
	weak := types.Relationship{ID: "r1", Type: types.RelImplication, Tickers: []string{"IF", "THEN"}, Confidence: 0.9, CondProb: 0.5}
	d := newDetector(cache, []types.Relationship{weak}, fixedFees{0}, capSizer{10}, testConfig())
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("below-floor implication emitted %d opportunities", len(opps))
	}

	// Above the floor and spread over the soft threshold: emitted.
	strong := weak
	strong.CondProb = 0.95
	d = newDetector(cache, []types.Relationship{strong}, fixedFees{0}, capSizer{10}, testConfig())
	opps := d.Scan(context.Background(), time.Now())
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}
	if opps[0].RawEdge != 10 {
		t.Errorf("edge = %d, want 70 - 60 = 10", opps[0].RawEdge)
	}
	if opps[0].RelationType != types.RelImplication {
		t.Errorf("relation type = %s, want IMPLICATION", opps[0].RelationType)
	}

	// Spread inside the soft threshold: skipped.
	cache.Apply([]types.Market{mkt("THEN", 64, 66, 40)})
	cache.ApplyQuote("THEN", types.Quote{YesBid: 64, YesAsk: 66, NoBid: 34, NoAsk: 36}, time.Now().Add(time.Second))
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("inside-threshold implication emitted %d opportunities", len(opps))
	}
}

func TestLegDepthUsesTakerSide(t *testing.T) {
	t.Parallel()

	// A YES buy lifts the offer, i.e. the resting NO-bid side; a YES
	// sell hits the resting YES bids. Sizing and ordering must read the
	// side the leg actually consumes.
	sup := mkt("SUP", 50, 52, 0)
	sup.DepthYes, sup.DepthNo = 9, 30
	sub := mkt("SUB", 58, 60, 0)
	sub.DepthYes, sub.DepthNo = 25, 4

	cache := market.NewCache()
	cache.Apply([]types.Market{sub, sup})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"SUB", "SUP"}, Confidence: 0.9}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{50}, testConfig())
	opps := d.Scan(context.Background(), time.Now())
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}

	// SUB sell leg sees the YES-bid depth 25; SUP buy leg sees the
	// NO-bid depth 30. Least liquid first puts the sell leg up front.
	opp := opps[0]
	if opp.Legs[0].Ticker != "SUB" || opp.Legs[0].Action != types.ActionSell || opp.Legs[0].Depth != 25 {
		t.Errorf("first leg = %+v, want SUB sell depth 25", opp.Legs[0])
	}
	if opp.Legs[1].Ticker != "SUP" || opp.Legs[1].Action != types.ActionBuy || opp.Legs[1].Depth != 30 {
		t.Errorf("second leg = %+v, want SUP buy depth 30", opp.Legs[1])
	}
	if opp.DesiredCount != 25 {
		t.Errorf("count = %d, want 25 (thinnest taker side)", opp.DesiredCount)
	}
}

func TestEdgeMonotonicity(t *testing.T) {
	t.Parallel()

	score := func(subAsk int) float64 {
		cache := market.NewCache()
		cache.Apply([]types.Market{
			mkt("SUB", subAsk-2, subAsk, 20),
			mkt("SUP", 50, 52, 20),
		})
		rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"SUB", "SUP"}, Confidence: 0.9}
		d := newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{10}, testConfig())
		opps := d.Scan(context.Background(), time.Now())
		if len(opps) == 0 {
			return 0
		}
		return opps[0].Score
	}

	prev := score(58)
	for _, ask := range []int{60, 62, 64} {
		cur := score(ask)
		if cur < prev {
			t.Fatalf("score decreased as violation grew: ask %d scored %v < %v", ask, cur, prev)
		}
		prev = cur
	}
}

func TestScanDeterministicOrdering(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("A", 58, 60, 20),
		mkt("B", 50, 52, 20),
		mkt("C", 68, 70, 20),
		mkt("D", 50, 52, 20),
	})
	rels := []types.Relationship{
		{ID: "r2", Type: types.RelSubset, Tickers: []string{"C", "D"}, Confidence: 0.9},
		{ID: "r1", Type: types.RelSubset, Tickers: []string{"A", "B"}, Confidence: 0.9},
	}

	d := newDetector(cache, rels, fixedFees{0}, capSizer{10}, testConfig())
	first := d.Scan(context.Background(), time.Now())
	second := d.Scan(context.Background(), time.Now())

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("want 2 opportunities per scan, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].RelationshipID != second[i].RelationshipID || first[i].Signal != second[i].Signal {
			t.Fatalf("scan order not deterministic: %v vs %v", first, second)
		}
	}
	if first[0].RelationshipID != "r1" {
		t.Errorf("output not sorted by relationship ID: first is %s", first[0].RelationshipID)
	}
}

func TestMinScoreThresholdDiscards(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("A", 58, 60, 20),
		mkt("B", 50, 52, 20),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"A", "B"}, Confidence: 0.9}

	cfg := testConfig()
	cfg.MinScoreThreshold = 1000
	d := newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{10}, cfg)
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("score floor did not discard, got %d opportunities", len(opps))
	}
}

func TestZeroSizeSkipsEmission(t *testing.T) {
	t.Parallel()

	cache := market.NewCache()
	cache.Apply([]types.Market{
		mkt("A", 58, 60, 0),
		mkt("B", 50, 52, 0),
	})
	rel := types.Relationship{ID: "r1", Type: types.RelSubset, Tickers: []string{"A", "B"}, Confidence: 0.9}

	d := newDetector(cache, []types.Relationship{rel}, fixedFees{1}, capSizer{10}, testConfig())
	if opps := d.Scan(context.Background(), time.Now()); len(opps) != 0 {
		t.Errorf("zero-depth market still emitted %d opportunities", len(opps))
	}
}
