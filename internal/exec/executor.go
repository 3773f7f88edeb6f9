// Package exec places the legs of an admitted opportunity and owns
// everything that can go wrong between submission and terminal state:
// partial fills, hedge repricing, unwinds, and cancels that will not
// confirm.
//
// Two-leg opportunities run sequentially, least liquid leg first, so a
// dead first leg costs nothing. Partition baskets run all legs in
// parallel under a shared deadline and settle on the largest count
// every leg filled.
//
// Client order IDs encode opportunity, leg and attempt. A retry of the
// same submission reuses its ID so the exchange deduplicates; only a
// genuinely new order (hedge, unwind) advances the attempt counter.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/fees"
	"kalshi-arb/pkg/types"
)

// OrderGateway is the slice of the exchange client the executor uses.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Recorder persists orders and orphan flags. Nil disables persistence.
type Recorder interface {
	RecordOrder(ctx context.Context, opportunityID string, o types.Order) error
	MarkOrderOrphaned(ctx context.Context, orderID string) error
}

// FillSink receives confirmed fills; the risk governor implements it.
type FillSink interface {
	RecordFill(f types.Fill)
}

// Alerter surfaces conditions needing operator attention. Nil disables.
type Alerter interface {
	Alert(ctx context.Context, kind, message string)
}

// Executor drives multi-leg order placement for one opportunity at a
// time per call; calls are safe to run concurrently.
type Executor struct {
	gateway  OrderGateway
	recorder Recorder
	fills    FillSink
	alerter  Alerter
	cfg      config.ExecutorConfig
	logger   *slog.Logger
}

func New(gateway OrderGateway, recorder Recorder, fills FillSink, alerter Alerter, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		gateway:  gateway,
		recorder: recorder,
		fills:    fills,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "executor"),
	}
}

// Execute places all legs of an admitted opportunity at the given count
// and returns a terminal result. State is one of FILLED, PARTIAL,
// FAILED: the opportunity is already EXECUTING by the time we run, and
// those are its only legal successors.
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity, count int) types.ExecutionResult {
	logger := e.logger.With("opportunity", opp.ID, "signal", opp.Signal)
	logger.Info("executing", "legs", len(opp.Legs), "count", count)

	var res types.ExecutionResult
	if len(opp.Legs) == 2 {
		res = e.executeSequential(ctx, opp, count, logger)
	} else {
		res = e.executeParallel(ctx, opp, count, logger)
	}
	res.OpportunityID = opp.ID
	res.CompletedAt = time.Now()

	logger.Info("execution complete",
		"state", res.State, "fills", res.LegFills, "realized_cents", res.RealizedCents)
	return res
}

// ————————————————————————————————————————————————————————————————————————
// Sequential two-leg flow
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) executeSequential(ctx context.Context, opp types.Opportunity, count int, logger *slog.Logger) types.ExecutionResult {
	first, second := opp.Legs[0], opp.Legs[1]

	order1, err := e.placeAndAwait(ctx, opp.ID, 0, 0, first, count, first.LimitPrice)
	if err != nil {
		// Whatever did fill before the interruption is live exposure;
		// flatten it rather than walk away one-sided.
		if order1.FilledCount > 0 {
			e.unwind(context.WithoutCancel(ctx), opp.ID, 0, first, order1.FilledCount, order1.AvgFillPrice, logger)
		}
		return types.ExecutionResult{
			State:    types.OppFailed,
			LegFills: []int{order1.FilledCount, 0},
			Err:      fmt.Sprintf("leg 1: %v", err),
		}
	}
	filled1 := order1.FilledCount

	if filled1 == 0 {
		return types.ExecutionResult{
			State:    types.OppFailed,
			LegFills: []int{0, 0},
			Err:      "first leg did not fill before deadline",
		}
	}

	// Second leg chases: one cent through the detected limit, sized to
	// what the first leg actually filled. On error the returned order
	// still carries any fills observed before the interruption.
	order2, err := e.placeAndAwait(ctx, opp.ID, 1, 0, second, filled1, aggressivePrice(second, 1))
	if err != nil {
		logger.Error("second leg interrupted", "filled", order2.FilledCount, "error", err)
	}
	filled2 := order2.FilledCount

	// Hedge pass: widen and retry the remainder before accepting a
	// one-sided position.
	if filled2 < filled1 {
		remaining := filled1 - filled2
		logger.Warn("second leg short, hedging", "remaining", remaining)
		hedge, herr := e.placeAndAwait(ctx, opp.ID, 1, 1, second, remaining, aggressivePrice(second, e.cfg.HedgeWidenCents))
		if herr != nil {
			logger.Error("hedge placement failed", "error", herr)
		} else if hedge.FilledCount > 0 {
			// Fold the hedge into the second leg's fill stats.
			total := filled2*order2.AvgFillPrice + hedge.FilledCount*hedge.AvgFillPrice
			filled2 += hedge.FilledCount
			order2.FilledCount = filled2
			order2.AvgFillPrice = total / filled2
		}
	}

	// Still short after hedging: unwind the unmatched first-leg fills.
	// Detached context: the unwind reduces exposure and must proceed
	// even while executions are being torn down.
	if filled2 < filled1 {
		excess := filled1 - filled2
		e.unwind(context.WithoutCancel(ctx), opp.ID, 0, first, excess, order1.AvgFillPrice, logger)
		e.alert(ctx, "partial_fill", fmt.Sprintf(
			"opportunity %s: second leg filled %d of %d, unwound %d", opp.ID, filled2, filled1, excess))
	}

	matched := filled2
	if filled1 < matched {
		matched = filled1
	}
	state := types.OppFilled
	if matched < count {
		state = types.OppPartial
	}
	avg2 := 0
	if order2.ID != "" {
		avg2 = order2.AvgFillPrice
	}
	return types.ExecutionResult{
		State:         state,
		LegFills:      []int{filled1, filled2},
		AvgPrices:     []int{order1.AvgFillPrice, avg2},
		RealizedCents: lockedProfit(opp.Signal, opp.Legs, []types.Order{order1, order2}, matched),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Parallel basket flow
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) executeParallel(ctx context.Context, opp types.Opportunity, count int, logger *slog.Logger) types.ExecutionResult {
	orders := make([]types.Order, len(opp.Legs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range opp.Legs {
		i, leg := i, leg
		g.Go(func() error {
			// Store the order even on error: the returned view carries
			// fills observed before the interruption, and the common-fill
			// settle below must count them.
			order, err := e.placeAndAwait(gctx, opp.ID, i, 0, leg, count, leg.LimitPrice)
			mu.Lock()
			orders[i] = order
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("leg %d (%s): %w", i, leg.Ticker, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Cancel whatever did rest; unmatched fills are unwound below.
		dctx := context.WithoutCancel(ctx)
		for _, o := range orders {
			if o.ID != "" && o.Status == types.OrderResting {
				e.cancelWithRetry(dctx, o.ID, logger)
			}
		}
		logger.Error("basket placement failed", "error", err)
	}

	// Settle on the largest count every leg achieved.
	matched := count
	fills := make([]int, len(orders))
	avgs := make([]int, len(orders))
	for i, o := range orders {
		fills[i] = o.FilledCount
		avgs[i] = o.AvgFillPrice
		if o.FilledCount < matched {
			matched = o.FilledCount
		}
	}

	// Unwind every leg's excess over the common fill, loss-bounded.
	for i, o := range orders {
		if excess := o.FilledCount - matched; excess > 0 {
			e.unwind(context.WithoutCancel(ctx), opp.ID, i, opp.Legs[i], excess, o.AvgFillPrice, logger)
		}
	}

	var state types.OppState
	var errMsg string
	switch {
	case matched == count:
		state = types.OppFilled
	case matched == 0:
		state = types.OppFailed
		errMsg = "no common fill before deadline"
	default:
		state = types.OppPartial
		e.alert(ctx, "partial_fill", fmt.Sprintf(
			"opportunity %s: basket matched %d of %d", opp.ID, matched, count))
	}
	return types.ExecutionResult{
		State:         state,
		LegFills:      fills,
		AvgPrices:     avgs,
		RealizedCents: lockedProfit(opp.Signal, opp.Legs, orders, matched),
		Err:           errMsg,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order plumbing
// ————————————————————————————————————————————————————————————————————————

// placeAndAwait submits one leg order and polls it until full fill, a
// terminal status, or the per-leg deadline, then cancels any remainder.
// The returned order is the final exchange view.
func (e *Executor) placeAndAwait(ctx context.Context, oppID string, legIndex, attempt int, leg types.Leg, count, price int) (types.Order, error) {
	req := types.OrderRequest{
		Ticker:        leg.Ticker,
		Side:          leg.Side,
		Action:        leg.Action,
		Count:         count,
		LimitPrice:    clampPrice(price),
		Expiration:    time.Now().Add(e.cfg.OrderDeadline),
		ClientOrderID: types.IdempotencyKey(oppID, legIndex, attempt),
	}
	order, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return types.Order{}, err
	}
	e.record(ctx, oppID, order)

	placed := order
	order, err = e.awaitFill(ctx, order.ID)
	if err != nil {
		// Interrupted mid-await. Cancel the remainder, then persist and
		// emit whatever the exchange reports as filled so the caller and
		// the ledger both see real exposure, not zero.
		dctx := context.WithoutCancel(ctx)
		if order.ID == "" {
			order = placed
		}
		if order.Status == types.OrderResting {
			e.cancelWithRetry(dctx, order.ID, e.logger)
		}
		if final, gerr := e.gateway.GetOrder(dctx, order.ID); gerr == nil {
			order = final
		}
		e.record(dctx, oppID, order)
		e.emitFill(order)
		return order, err
	}
	if order.Status == types.OrderResting {
		e.cancelWithRetry(ctx, order.ID, e.logger)
		if final, gerr := e.gateway.GetOrder(ctx, order.ID); gerr == nil {
			order = final
		}
	}
	e.record(ctx, oppID, order)
	e.emitFill(order)
	return order, nil
}

// awaitFill polls the order until it fills, reaches a terminal status,
// or the deadline passes. The last observed view is returned.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (types.Order, error) {
	deadline := time.Now().Add(e.cfg.OrderDeadline)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last types.Order
	for {
		order, err := e.gateway.GetOrder(ctx, orderID)
		if err == nil {
			last = order
			if order.Status != types.OrderResting || order.FilledCount >= order.Count {
				return order, nil
			}
		} else {
			e.logger.Warn("order poll failed", "order", orderID, "error", err)
		}

		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelWithRetry attempts to cancel, and flags the order as orphaned
// when every attempt fails. Orphans carry live exposure and must reach
// a human.
func (e *Executor) cancelWithRetry(ctx context.Context, orderID string, logger *slog.Logger) {
	var err error
	for i := 0; i < e.cfg.CancelRetries; i++ {
		if err = e.gateway.CancelOrder(ctx, orderID); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(i+1) * 500 * time.Millisecond):
		}
	}

	logger.Error("cancel failed after retries", "order", orderID, "error", err)
	if e.recorder != nil {
		if rerr := e.recorder.MarkOrderOrphaned(ctx, orderID); rerr != nil {
			logger.Error("orphan flag failed", "order", orderID, "error", rerr)
		}
	}
	e.alert(ctx, "orphan_order", fmt.Sprintf("order %s could not be cancelled: %v", orderID, err))
}

// unwind flattens excess fills from one leg with the opposite order,
// conceding at most MaxUnwindLossCents per contract from the entry price.
func (e *Executor) unwind(ctx context.Context, oppID string, legIndex int, leg types.Leg, count, entryPrice int, logger *slog.Logger) {
	opposite := types.ActionSell
	price := entryPrice - e.cfg.MaxUnwindLossCents
	if leg.Action == types.ActionSell {
		opposite = types.ActionBuy
		price = entryPrice + e.cfg.MaxUnwindLossCents
	}

	logger.Warn("unwinding excess leg fills",
		"ticker", leg.Ticker, "count", count, "limit", clampPrice(price))

	out := types.Leg{Ticker: leg.Ticker, Side: leg.Side, Action: opposite}
	order, err := e.placeAndAwait(ctx, oppID, legIndex, 2, out, count, price)
	if err != nil {
		logger.Error("unwind placement failed", "ticker", leg.Ticker, "error", err)
		e.alert(ctx, "unwind_failed", fmt.Sprintf(
			"opportunity %s: could not unwind %d on %s: %v", oppID, count, leg.Ticker, err))
		return
	}
	if order.FilledCount < count {
		e.alert(ctx, "unwind_failed", fmt.Sprintf(
			"opportunity %s: unwound %d of %d on %s within loss bound", oppID, order.FilledCount, count, leg.Ticker))
	}
}

func (e *Executor) record(ctx context.Context, oppID string, o types.Order) {
	if e.recorder == nil || o.ID == "" {
		return
	}
	if err := e.recorder.RecordOrder(ctx, oppID, o); err != nil {
		e.logger.Error("persist order", "order", o.ID, "error", err)
	}
}

// emitFill forwards the order's filled quantity to the fill sink with
// the taker fee it incurred.
func (e *Executor) emitFill(o types.Order) {
	if e.fills == nil || o.FilledCount == 0 {
		return
	}
	e.fills.RecordFill(types.Fill{
		OrderID:  o.ID,
		Ticker:   o.Ticker,
		Side:     o.Side,
		Action:   o.Action,
		Count:    o.FilledCount,
		Price:    o.AvgFillPrice,
		FeeCents: fees.TakerFeeCents(o.FilledCount, o.AvgFillPrice),
		FilledAt: time.Now(),
	})
}

func (e *Executor) alert(ctx context.Context, kind, message string) {
	if e.alerter == nil {
		return
	}
	e.alerter.Alert(ctx, kind, message)
}

// aggressivePrice shifts a leg's limit toward the far side by delta
// cents: up for buys, down for sells.
func aggressivePrice(leg types.Leg, delta int) int {
	if leg.Action == types.ActionBuy {
		return leg.LimitPrice + delta
	}
	return leg.LimitPrice - delta
}

func clampPrice(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}

// lockedProfit is the guaranteed profit in cents on the matched count,
// net of taker fees on every filled contract.
func lockedProfit(signal types.Signal, legs []types.Leg, orders []types.Order, matched int) int {
	if matched <= 0 {
		return 0
	}

	// Cash flow per contract set: sells collect, buys pay. A bought
	// basket additionally collects the guaranteed 100 cent payout; a
	// sold basket owes it.
	cash := 0
	for i, leg := range legs {
		if i >= len(orders) {
			break
		}
		price := orders[i].AvgFillPrice
		if leg.Action == types.ActionBuy {
			cash -= price
		} else {
			cash += price
		}
	}
	switch signal {
	case types.SignalBuyAll:
		cash += 100
	case types.SignalSellAll:
		cash -= 100
	}

	total := cash * matched
	for _, o := range orders {
		total -= fees.TakerFeeCents(o.FilledCount, o.AvgFillPrice)
	}
	return total
}
