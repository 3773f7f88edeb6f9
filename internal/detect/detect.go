// Package detect implements the violation detector: each cycle it joins
// the active relationship set with an atomic price view and emits scored,
// time-bounded opportunities.
//
// All arithmetic is integer cents. Given identical price views and
// relationships, Scan is deterministic in output set and ordering
// (lexicographic by relationship ID, then by signal).
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/fees"
	"kalshi-arb/internal/market"
	"kalshi-arb/pkg/types"
)

// PriceViewer provides atomic price snapshots.
type PriceViewer interface {
	PriceView(tickers []string) (map[string]types.Market, error)
}

// SizingOracle suggests the contract count for a candidate trade given
// its legs. Zero means the trade is not worth admitting at current
// liquidity and portfolio state.
type SizingOracle interface {
	SuggestCount(legs []types.Leg) int
}

// Detector owns emitted opportunities until they are admitted.
type Detector struct {
	views  PriceViewer
	active func() []types.Relationship
	fees   fees.Estimator
	sizer  SizingOracle
	cfg    config.DetectorConfig
	logger *slog.Logger
}

func New(views PriceViewer, active func() []types.Relationship, est fees.Estimator, sizer SizingOracle, cfg config.DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		views:  views,
		active: active,
		fees:   est,
		sizer:  sizer,
		cfg:    cfg,
		logger: logger.With("component", "detector"),
	}
}

// Scan checks every active relationship against a consistent price view
// and returns the opportunities that clear the fee gate and score floor.
func (d *Detector) Scan(ctx context.Context, now time.Time) []types.Opportunity {
	var out []types.Opportunity

	for _, rel := range d.active() {
		if ctx.Err() != nil {
			return out
		}

		view, err := d.views.PriceView(rel.Tickers)
		if err != nil {
			// A ticker going stale mid-cycle is routine; the catalog
			// sweep will pick it up.
			if !errors.Is(err, market.ErrStaleMarket) && !errors.Is(err, market.ErrUnknownTicker) {
				d.logger.Warn("price view failed", "relationship", rel.ID, "error", err)
			}
			continue
		}

		var candidates []candidate
		switch rel.Type {
		case types.RelSubset:
			candidates = d.checkSubset(rel, view)
		case types.RelThreshold:
			candidates = d.checkThreshold(rel, view)
		case types.RelPartition:
			candidates = d.checkPartition(rel, view)
		case types.RelImplication:
			candidates = d.checkImplication(rel, view)
		}

		for _, cand := range candidates {
			if opp, ok := d.emit(rel, cand, now); ok {
				out = append(out, opp)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelationshipID != out[j].RelationshipID {
			return out[i].RelationshipID < out[j].RelationshipID
		}
		return out[i].Signal < out[j].Signal
	})

	if len(out) > 0 {
		d.logger.Info("scan complete", "opportunities", len(out))
	}
	return out
}

// candidate is a violation before sizing, fees and scoring.
type candidate struct {
	signal    types.Signal
	edgeCents int
	legs      []types.Leg
}

// emit sizes, fee-gates and scores one candidate. Emission requires
// edge*count - fee >= multiplier*fee and score >= the configured floor.
func (d *Detector) emit(rel types.Relationship, cand candidate, now time.Time) (types.Opportunity, bool) {
	count := d.sizer.SuggestCount(cand.legs)
	if count < 1 {
		return types.Opportunity{}, false
	}
	for i := range cand.legs {
		cand.legs[i].Count = count
	}

	fee := d.fees.EstimateCents(cand.legs, count)
	if !fees.IsProfitable(cand.edgeCents, count, fee, d.cfg.FeeSafetyMultiplier) {
		return types.Opportunity{}, false
	}
	net := float64(cand.edgeCents) - float64(fee)/float64(count)

	minDepth := cand.legs[0].Depth
	for _, l := range cand.legs[1:] {
		if l.Depth < minDepth {
			minDepth = l.Depth
		}
	}
	liquidity := float64(minDepth) / float64(count)
	if liquidity > 1 {
		liquidity = 1
	}
	if liquidity < 0 {
		liquidity = 0
	}

	score := net * rel.Confidence * liquidity
	if score < d.cfg.MinScoreThreshold {
		return types.Opportunity{}, false
	}

	opp := types.Opportunity{
		ID:              uuid.NewString(),
		RelationshipID:  rel.ID,
		RelationType:    rel.Type,
		Signal:          cand.signal,
		Legs:            cand.legs,
		RawEdge:         cand.edgeCents,
		FeeEstimate:     fee,
		NetMagnitude:    net,
		LiquidityFactor: liquidity,
		Confidence:      rel.Confidence,
		Score:           score,
		DesiredCount:    count,
		DetectedAt:      now,
		ExpiresAt:       now.Add(d.cfg.OpportunityTTL),
		State:           types.OppDetected,
	}
	d.logger.Info("opportunity detected",
		"relationship", rel.ID, "signal", opp.Signal,
		"edge", opp.RawEdge, "net", opp.NetMagnitude,
		"count", opp.DesiredCount, "score", opp.Score)
	return opp, true
}

// legDepth is the observed size on the book side the leg takes from. A
// YES buy lifts the offer, which is the resting NO-bid side; a YES sell
// hits the resting YES bids.
func legDepth(m types.Market, action types.Action) int {
	if action == types.ActionBuy {
		return m.DepthNo
	}
	return m.DepthYes
}

// orderTwoLegs returns the pair ordered least-liquid-first.
func orderTwoLegs(a, b types.Leg) []types.Leg {
	if b.Depth < a.Depth {
		return []types.Leg{b, a}
	}
	return []types.Leg{a, b}
}

// checkSubset: tickers are [subset, superset]; the constraint is
// P(subset) <= P(superset). A violation means the subset's ask crossed
// the superset's bid: buy superset YES at its bid, sell subset YES at its
// ask, pocketing the difference when both resolve consistently.
func (d *Detector) checkSubset(rel types.Relationship, view map[string]types.Market) []candidate {
	sub, sup := view[rel.Tickers[0]], view[rel.Tickers[1]]

	edge := sub.Quote.YesAsk - sup.Quote.YesBid
	if edge <= 0 {
		return nil
	}

	buy := types.Leg{Ticker: sup.Ticker, Side: types.SideYes, Action: types.ActionBuy, LimitPrice: sup.Quote.YesBid, Depth: legDepth(sup, types.ActionBuy)}
	sell := types.Leg{Ticker: sub.Ticker, Side: types.SideYes, Action: types.ActionSell, LimitPrice: sub.Quote.YesAsk, Depth: legDepth(sub, types.ActionSell)}
	return []candidate{{
		signal:    types.BuySellSignal(sup.Ticker, sub.Ticker),
		edgeCents: edge,
		legs:      orderTwoLegs(buy, sell),
	}}
}

// checkThreshold: tickers ascend by strike, so YES probabilities must
// descend. Each adjacent inversion is an independent two-leg candidate;
// overlap across pairs is the governor's problem, not ours.
func (d *Detector) checkThreshold(rel types.Relationship, view map[string]types.Market) []candidate {
	var out []candidate
	for i := 0; i+1 < len(rel.Tickers); i++ {
		lower, upper := view[rel.Tickers[i]], view[rel.Tickers[i+1]]

		edge := upper.Quote.YesAsk - lower.Quote.YesBid
		if edge <= 0 {
			continue
		}

		buy := types.Leg{Ticker: lower.Ticker, Side: types.SideYes, Action: types.ActionBuy, LimitPrice: lower.Quote.YesBid, Depth: legDepth(lower, types.ActionBuy)}
		sell := types.Leg{Ticker: upper.Ticker, Side: types.SideYes, Action: types.ActionSell, LimitPrice: upper.Quote.YesAsk, Depth: legDepth(upper, types.ActionSell)}
		out = append(out, candidate{
			signal:    types.BuySellSignal(lower.Ticker, upper.Ticker),
			edgeCents: edge,
			legs:      orderTwoLegs(buy, sell),
		})
	}
	return out
}

// checkPartition: YES prices over an exhaustive partition must sum to
// 100. Sum of asks below 100-epsilon means the whole set can be bought
// for less than its guaranteed payout; sum of bids above 100+epsilon
// means it can be sold for more.
func (d *Detector) checkPartition(rel types.Relationship, view map[string]types.Market) []candidate {
	sumAsk, sumBid := 0, 0
	for _, t := range rel.Tickers {
		sumAsk += view[t].Quote.YesAsk
		sumBid += view[t].Quote.YesBid
	}

	var out []candidate
	if edge := 100 - sumAsk; edge > d.cfg.PartitionEpsilonCents {
		legs := make([]types.Leg, 0, len(rel.Tickers))
		for _, t := range rel.Tickers {
			m := view[t]
			legs = append(legs, types.Leg{Ticker: t, Side: types.SideYes, Action: types.ActionBuy, LimitPrice: m.Quote.YesAsk, Depth: legDepth(m, types.ActionBuy)})
		}
		out = append(out, candidate{signal: types.SignalBuyAll, edgeCents: edge, legs: legs})
	}
	if edge := sumBid - 100; edge > d.cfg.PartitionEpsilonCents {
		legs := make([]types.Leg, 0, len(rel.Tickers))
		for _, t := range rel.Tickers {
			m := view[t]
			legs = append(legs, types.Leg{Ticker: t, Side: types.SideYes, Action: types.ActionSell, LimitPrice: m.Quote.YesBid, Depth: legDepth(m, types.ActionSell)})
		}
		out = append(out, candidate{signal: types.SignalSellAll, edgeCents: edge, legs: legs})
	}
	return out
}

// checkImplication: soft constraint, only evaluated when the estimated
// conditional probability clears the floor, and only when the spread
// exceeds the soft threshold. Tickers are [if, then]; the trade buys
// THEN at its ask and sells IF at its bid.
func (d *Detector) checkImplication(rel types.Relationship, view map[string]types.Market) []candidate {
	if rel.CondProb < d.cfg.KappaFloor {
		return nil
	}
	ifM, thenM := view[rel.Tickers[0]], view[rel.Tickers[1]]

	edge := ifM.Quote.YesBid - thenM.Quote.YesAsk
	if edge <= d.cfg.ImplicationSoftThresholdCents {
		return nil
	}

	buy := types.Leg{Ticker: thenM.Ticker, Side: types.SideYes, Action: types.ActionBuy, LimitPrice: thenM.Quote.YesAsk, Depth: legDepth(thenM, types.ActionBuy)}
	sell := types.Leg{Ticker: ifM.Ticker, Side: types.SideYes, Action: types.ActionSell, LimitPrice: ifM.Quote.YesBid, Depth: legDepth(ifM, types.ActionSell)}
	return []candidate{{
		signal:    types.BuySellSignal(thenM.Ticker, ifM.Ticker),
		edgeCents: edge,
		legs:      orderTwoLegs(buy, sell),
	}}
}
