// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — markets, quotes,
// relationships, opportunities, orders, fills, and positions. It has no
// dependencies on internal packages, so it can be imported by any layer.
//
// All prices are integer cents in [0,100]. A YES contract pays 100 cents
// on resolution true.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the contract side being traded: YES or NO.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Action is the direction of an order: buy or sell.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// MarketStatus is the exchange lifecycle state of a market. Quotes from a
// non-open market are stale and must not feed detection.
type MarketStatus string

const (
	StatusOpen    MarketStatus = "open"
	StatusClosed  MarketStatus = "closed"
	StatusSettled MarketStatus = "settled"
)

// RelationType tags the constraint a Relationship encodes. The set is
// closed; the detector branches on the tag.
type RelationType string

const (
	// RelSubset: YES-outcome of Tickers[0] implies YES-outcome of
	// Tickers[1], so P(subset) <= P(superset).
	RelSubset RelationType = "SUBSET"
	// RelThreshold: tickers in ascending strike order, P(t1) >= ... >= P(tn).
	RelThreshold RelationType = "THRESHOLD"
	// RelPartition: mutually exclusive exhaustive outcomes, sum P = 1.
	RelPartition RelationType = "PARTITION"
	// RelImplication: soft constraint Tickers[0] -> Tickers[1] with
	// conditional probability CondProb.
	RelImplication RelationType = "IMPLICATION"
)

// Signal names the trade an opportunity proposes. Two-leg signals embed
// the tickers so opportunities from the same relationship stay distinct.
type Signal string

const (
	SignalBuyAll  Signal = "BUY_ALL"
	SignalSellAll Signal = "SELL_ALL"
)

// BuySellSignal builds the two-leg signal name, e.g. BUY_JUN_SELL_MAR.
func BuySellSignal(buyTicker, sellTicker string) Signal {
	return Signal("BUY_" + buyTicker + "_SELL_" + sellTicker)
}

// OppState is the opportunity lifecycle state. Transitions are
// irreversible and enforced by CanTransition.
type OppState string

const (
	OppDetected  OppState = "DETECTED"
	OppValidated OppState = "VALIDATED"
	OppExecuting OppState = "EXECUTING"
	OppFilled    OppState = "FILLED"
	OppPartial   OppState = "PARTIAL"
	OppFailed    OppState = "FAILED"
	OppExpired   OppState = "EXPIRED"
	OppRejected  OppState = "REJECTED"
)

var oppTransitions = map[OppState][]OppState{
	OppDetected:  {OppValidated, OppExpired},
	OppValidated: {OppExecuting, OppRejected, OppExpired},
	OppExecuting: {OppFilled, OppPartial, OppFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Terminal states (FILLED, PARTIAL, FAILED, EXPIRED, REJECTED) admit no
// further transitions.
func CanTransition(from, to OppState) bool {
	for _, next := range oppTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s OppState) Terminal() bool {
	return len(oppTransitions[s]) == 0
}

// OrderStatus is the exchange-side lifecycle of an order.
type OrderStatus string

const (
	OrderResting  OrderStatus = "resting"
	OrderExecuted OrderStatus = "executed"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
)

// ————————————————————————————————————————————————————————————————————————
// Markets and events
// ————————————————————————————————————————————————————————————————————————

// Quote is a top-of-book snapshot for one market. All prices are integer
// cents; bid <= ask on each side.
type Quote struct {
	YesBid int `json:"yes_bid"`
	YesAsk int `json:"yes_ask"`
	NoBid  int `json:"no_bid"`
	NoAsk  int `json:"no_ask"`
}

// Market is the cached representation of a single binary contract.
type Market struct {
	Ticker      string       `json:"ticker"`
	EventTicker string       `json:"event_ticker"`
	Title       string       `json:"title"`
	Subtitle    string       `json:"subtitle"`
	Category    string       `json:"category"`
	Status      MarketStatus `json:"status"`

	Quote Quote `json:"quote"`
	// Depth is visible size at top-of-book, keyed by side.
	DepthYes int `json:"depth_yes"`
	DepthNo  int `json:"depth_no"`

	// Rules is the settlement-rules text; RulesFingerprint is its stable
	// hash, used to detect semantic changes between ingestion cycles.
	Rules            string `json:"rules"`
	RulesFingerprint string `json:"rules_fingerprint"`

	CloseTime time.Time `json:"close_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FingerprintRules hashes settlement-rules text into a stable fingerprint.
func FingerprintRules(rules string) string {
	sum := sha256.Sum256([]byte(rules))
	return hex.EncodeToString(sum[:])
}

// Event is an exchange-provided grouping of related tickers, used as the
// discovery scope for relationship candidates.
type Event struct {
	EventTicker string   `json:"event_ticker"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Tickers     []string `json:"tickers"`
}

// ————————————————————————————————————————————————————————————————————————
// Relationships
// ————————————————————————————————————————————————————————————————————————

// Relationship is a typed price constraint over a set of tickers.
//
// Ticker order is significant: SUBSET is [subset, superset], IMPLICATION
// is [if, then], THRESHOLD is ascending strike order. PARTITION order is
// immaterial.
type Relationship struct {
	ID      string       `json:"id"`
	Type    RelationType `json:"type"`
	Tickers []string     `json:"tickers"`

	// CondProb is the estimated conditional probability for IMPLICATION,
	// in [0,1]. Unused for other types.
	CondProb   float64 `json:"cond_prob,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`

	CreatedAt       time.Time `json:"created_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`

	// Fingerprints maps ticker -> settlement-rules fingerprint captured
	// when the relationship was stored. Any mismatch against the live
	// cache is a hard invalidation.
	Fingerprints map[string]string `json:"fingerprints"`

	Invalidated   bool   `json:"invalidated"`
	InvalidReason string `json:"invalid_reason,omitempty"`
}

// CanonicalKey identifies a relationship up to semantic duplication: two
// relationships with the same key constrain the same tickers the same way.
// Ordered types keep ticker order; PARTITION sorts it away.
func (r Relationship) CanonicalKey() string {
	tickers := r.Tickers
	if r.Type == RelPartition {
		tickers = append([]string(nil), r.Tickers...)
		sort.Strings(tickers)
	}
	return string(r.Type) + ":" + strings.Join(tickers, ",")
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Leg is one order of a multi-leg opportunity.
type Leg struct {
	Ticker string `json:"ticker"`
	Side   Side   `json:"side"`
	Action Action `json:"action"`
	// LimitPrice is the limit in cents for the stated side and action.
	LimitPrice int `json:"limit_price"`
	Count      int `json:"count"`
	// Depth is the observed top-of-book size on the side being hit,
	// captured at detection time.
	Depth int `json:"depth"`
}

// MaxLossCents is the worst-case per-contract loss if this leg fills and
// every other leg does not: the full limit price for a buy, the payout
// shortfall for a sell.
func (l Leg) MaxLossCents() int {
	if l.Action == ActionBuy {
		return l.LimitPrice
	}
	return 100 - l.LimitPrice
}

// Opportunity is a detected constraint violation, sized and scored.
type Opportunity struct {
	ID             string `json:"id"`
	RelationshipID string       `json:"relationship_id"`
	RelationType   RelationType `json:"relation_type"`
	Signal         Signal       `json:"signal"`
	Legs           []Leg  `json:"legs"`

	// RawEdge is the gross profit in cents per unit contract set assumed
	// executable at the quoted top-of-book.
	RawEdge int `json:"raw_edge"`
	// FeeEstimate is the total estimated fee in cents for DesiredCount
	// contracts across all legs.
	FeeEstimate int `json:"fee_estimate"`
	// NetMagnitude is per-contract edge net of per-contract fees, in cents.
	NetMagnitude float64 `json:"net_magnitude"`

	LiquidityFactor float64 `json:"liquidity_factor"`
	Confidence      float64 `json:"confidence"`
	Score           float64 `json:"score"`

	DesiredCount int `json:"desired_count"`

	DetectedAt time.Time `json:"detected_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	State OppState `json:"state"`
}

// Expired reports whether the opportunity is past its freshness window.
func (o Opportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// MinLegDepth is the smallest observed depth across legs, the binding
// liquidity constraint for sizing.
func (o Opportunity) MinLegDepth() int {
	if len(o.Legs) == 0 {
		return 0
	}
	min := o.Legs[0].Depth
	for _, l := range o.Legs[1:] {
		if l.Depth < min {
			min = l.Depth
		}
	}
	return min
}

// MaxLossPerContract is the worst leg's per-contract loss in cents, the
// denominator for risk sizing.
func (o Opportunity) MaxLossPerContract() int {
	max := 0
	for _, l := range o.Legs {
		if v := l.MaxLossCents(); v > max {
			max = v
		}
	}
	return max
}

// ExecutionResult is the executor's terminal report for one opportunity.
type ExecutionResult struct {
	OpportunityID string    `json:"opportunity_id"`
	State         OppState  `json:"state"`
	LegFills      []int     `json:"leg_fills"`
	AvgPrices     []int     `json:"avg_prices"`
	RealizedCents int       `json:"realized_cents"`
	Err           string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders, fills, positions
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the adapter-facing order submission.
type OrderRequest struct {
	Ticker     string    `json:"ticker"`
	Side       Side      `json:"side"`
	Action     Action    `json:"action"`
	Count      int       `json:"count"`
	LimitPrice int       `json:"limit_price"`
	Expiration time.Time `json:"expiration"`
	// ClientOrderID is the idempotency key; retries of the same logical
	// submission must reuse it so the exchange deduplicates.
	ClientOrderID string `json:"client_order_id"`
}

// IdempotencyKey builds the client order ID for one submission attempt of
// one leg. Retries reuse the key; a new attempt gets a new one.
func IdempotencyKey(opportunityID string, legIndex, attempt int) string {
	return fmt.Sprintf("%s-%d-%d", opportunityID, legIndex, attempt)
}

// Order is the exchange-side view of a submitted order.
type Order struct {
	ID            string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Ticker        string      `json:"ticker"`
	Side          Side        `json:"side"`
	Action        Action      `json:"action"`
	Status        OrderStatus `json:"status"`
	Count         int         `json:"count"`
	FilledCount   int         `json:"filled_count"`
	AvgFillPrice  int         `json:"avg_fill_price"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Fill is a confirmed execution event. Positions and P&L update only from
// fills, never from order intent.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Ticker   string    `json:"ticker"`
	Side     Side      `json:"side"`
	Action   Action    `json:"action"`
	Count    int       `json:"count"`
	Price    int       `json:"price"`
	FeeCents int       `json:"fee_cents"`
	FilledAt time.Time `json:"filled_at"`
}

// SignedCount is the position delta: positive for buys, negative for sells.
func (f Fill) SignedCount() int {
	if f.Action == ActionBuy {
		return f.Count
	}
	return -f.Count
}

// Position is the governor's per-ticker ledger entry. NetContracts is
// signed; negative means net short YES.
type Position struct {
	Ticker        string    `json:"ticker"`
	NetContracts  int       `json:"net_contracts"`
	AvgPriceCents int       `json:"avg_price_cents"`
	RealizedPnL   int       `json:"realized_pnl_cents"`
	UnrealizedPnL int       `json:"unrealized_pnl_cents"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Balance is the tradable account balance in cents.
type Balance struct {
	Cents     int64     `json:"cents"`
	FetchedAt time.Time `json:"fetched_at"`
}
