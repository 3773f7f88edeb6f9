// Package fees implements the exchange fee schedule.
//
// Taker fees are ceil(0.07 * C * P * (1-P)) dollars for C contracts at
// price P dollars; maker fees use a 0.0175 rate. All public functions work
// in integer cents, with decimal arithmetic internally so the ceiling is
// exact at every price point.
package fees

import (
	"github.com/shopspring/decimal"

	"kalshi-arb/pkg/types"
)

var (
	takerRate = decimal.NewFromFloat(0.07)
	makerRate = decimal.NewFromFloat(0.0175)
	hundred   = decimal.NewFromInt(100)
)

// feeCents evaluates ceil(rate * count * p * (1-p)) in cents for a price
// given in cents.
func feeCents(rate decimal.Decimal, count, priceCents int) int {
	if count <= 0 || priceCents <= 0 || priceCents >= 100 {
		return 0
	}
	p := decimal.NewFromInt(int64(priceCents)).Div(hundred)
	dollars := rate.Mul(decimal.NewFromInt(int64(count))).Mul(p).Mul(decimal.NewFromInt(1).Sub(p))
	return int(dollars.Mul(hundred).Ceil().IntPart())
}

// TakerFeeCents is the fee for crossing the spread with count contracts at
// priceCents.
func TakerFeeCents(count, priceCents int) int {
	return feeCents(takerRate, count, priceCents)
}

// MakerFeeCents is the fee for a resting order that fills at priceCents.
func MakerFeeCents(count, priceCents int) int {
	return feeCents(makerRate, count, priceCents)
}

// Estimator prices a multi-leg trade. The detector depends on this
// interface so tests can pin fees to fixed values.
type Estimator interface {
	// EstimateCents returns the total expected fee in cents for filling
	// every leg at its limit price for count contracts.
	EstimateCents(legs []types.Leg, count int) int
}

// TakerEstimator assumes every leg crosses the spread, the conservative
// bound for marketable limit orders.
type TakerEstimator struct{}

func (TakerEstimator) EstimateCents(legs []types.Leg, count int) int {
	total := 0
	for _, leg := range legs {
		total += TakerFeeCents(count, leg.LimitPrice)
	}
	return total
}

// IsProfitable reports whether edgeCents per contract over count contracts
// clears the total fee with the configured safety margin:
// edge*count - fee >= multiplier*fee.
func IsProfitable(edgeCents, count, feeCents int, multiplier float64) bool {
	net := float64(edgeCents*count - feeCents)
	return net >= multiplier*float64(feeCents)
}
