// Package risk is the admission gate and portfolio ledger. Every
// opportunity passes through Admit before execution; every confirmed
// fill flows back through the governor, which is the only writer of
// position and daily-P&L state.
//
// Admission checks run in a fixed order so rejection reasons are
// stable: kill switch, daily loss cap, open-position cap, per-market
// cap, policy blocks, then sizing. When the daily loss cap trips, the
// governor engages the kill switch and emits a KillSignal the engine
// reacts to by cancelling in-flight work.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/store"
	"kalshi-arb/pkg/types"
)

// RejectReason is the stable admission-rejection code.
type RejectReason string

const (
	ReasonKillSwitch   RejectReason = "KILL_SWITCH"
	ReasonDailyLoss    RejectReason = "DAILY_LOSS_CAP"
	ReasonPositionCap  RejectReason = "POSITION_CAP"
	ReasonPerMarketCap RejectReason = "PER_MARKET_CAP"
	ReasonPolicyBlock  RejectReason = "POLICY_BLOCK"
	ReasonTooSmall     RejectReason = "TOO_SMALL"
)

// Verdict is the admission decision for one opportunity.
type Verdict struct {
	Admitted bool
	Reason   RejectReason
	// Count is the admitted contract count, at most the opportunity's
	// desired count.
	Count int
}

// KillSignal tells the engine to stop admitting and cancel in-flight
// executions.
type KillSignal struct {
	Reason string
}

// Ledger is the slice of the store the governor persists through.
type Ledger interface {
	AddDailyRealized(ctx context.Context, day string, delta int) (int, error)
	SetKillEngaged(ctx context.Context, day string, engaged bool) error
	GetDayState(ctx context.Context, day string) (store.DayState, error)
	RecordFill(ctx context.Context, f types.Fill) error
}

// Governor enforces risk limits and owns the position ledger.
type Governor struct {
	cfg    config.RiskConfig
	ledger Ledger
	logger *slog.Logger

	mu            sync.RWMutex
	killSwitch    bool
	killReason    string
	balance       types.Balance
	positions     map[string]types.Position
	marks         map[string]int // last mark price per ticker, cents
	dailyRealized int
	day           string
	inFlight      map[string]bool // opportunity IDs currently executing

	fillCh    chan types.Fill
	killCh    chan KillSignal
	flattenCh chan string
}

func NewGovernor(cfg config.RiskConfig, ledger Ledger, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:        cfg,
		ledger:     ledger,
		logger:     logger.With("component", "risk"),
		killSwitch: cfg.KillSwitch,
		positions:  make(map[string]types.Position),
		marks:      make(map[string]int),
		inFlight:   make(map[string]bool),
		day:        utcDay(time.Now()),
		fillCh:     make(chan types.Fill, 256),
		killCh:     make(chan KillSignal, 1),
		flattenCh:  make(chan string, 16),
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Restore loads today's ledger row so a restart inside a tripped day
// does not resume trading.
func (g *Governor) Restore(ctx context.Context) error {
	if g.ledger == nil {
		return nil
	}
	st, err := g.ledger.GetDayState(ctx, utcDay(time.Now()))
	if err != nil {
		return fmt.Errorf("restore day state: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyRealized = st.RealizedCents
	if st.KillEngaged {
		g.killSwitch = true
		g.killReason = "restored from persisted day state"
	}
	g.logger.Info("governor restored",
		"day", st.Day, "realized_cents", st.RealizedCents, "kill_engaged", st.KillEngaged)
	return nil
}

// SetBalance updates the tradable balance used for sizing.
func (g *Governor) SetBalance(b types.Balance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = b
}

// Balance returns the last synced balance.
func (g *Governor) Balance() types.Balance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.balance
}

// SuggestCount sizes a candidate trade: the risk budget divided by the
// worst-case per-contract loss, bounded by the thinnest leg and the
// per-trade hard cap. Zero means not worth trading.
func (g *Governor) SuggestCount(legs []types.Leg) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.suggestLocked(legs)
}

// Admit runs the ordered admission checks for a validated opportunity.
func (g *Governor) Admit(opp types.Opportunity) Verdict {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.killSwitch {
		return Verdict{Reason: ReasonKillSwitch}
	}
	if g.dailyRealized+g.unrealizedLocked() <= -g.cfg.MaxDailyLossCents {
		return Verdict{Reason: ReasonDailyLoss}
	}
	if len(g.inFlight) >= g.cfg.MaxOpenPositions {
		return Verdict{Reason: ReasonPositionCap}
	}
	for _, leg := range opp.Legs {
		delta := leg.Count
		if leg.Action == types.ActionSell {
			delta = -delta
		}
		next := g.positions[leg.Ticker].NetContracts + delta
		if next > g.cfg.MaxContractsPerMarket || next < -g.cfg.MaxContractsPerMarket {
			return Verdict{Reason: ReasonPerMarketCap}
		}
	}
	if opp.RelationType == types.RelImplication && g.cfg.RequireHumanForImplication {
		return Verdict{Reason: ReasonPolicyBlock}
	}

	count := g.suggestLocked(opp.Legs)
	if count > opp.DesiredCount {
		count = opp.DesiredCount
	}
	if count < 1 {
		return Verdict{Reason: ReasonTooSmall}
	}
	return Verdict{Admitted: true, Count: count}
}

// suggestLocked is SuggestCount under an already-held read lock.
func (g *Governor) suggestLocked(legs []types.Leg) int {
	if len(legs) == 0 {
		return 0
	}
	maxLoss := 0
	minDepth := legs[0].Depth
	for _, l := range legs {
		if v := l.MaxLossCents(); v > maxLoss {
			maxLoss = v
		}
		if l.Depth < minDepth {
			minDepth = l.Depth
		}
	}
	if maxLoss <= 0 {
		return 0
	}
	count := int(g.cfg.MaxRiskPerTradePct * float64(g.balance.Cents) / float64(maxLoss))
	if minDepth < count {
		count = minDepth
	}
	if g.cfg.MaxContractsPerTrade < count {
		count = g.cfg.MaxContractsPerTrade
	}
	if count < 0 {
		count = 0
	}
	return count
}

// BeginExecution reserves an open-position slot for an admitted
// opportunity. EndExecution releases it.
func (g *Governor) BeginExecution(oppID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[oppID] = true
}

func (g *Governor) EndExecution(oppID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, oppID)
}

// OpenExecutions returns the number of opportunities currently executing.
func (g *Governor) OpenExecutions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.inFlight)
}

// RecordFill submits a confirmed fill for reconciliation. Non-blocking;
// the fill loop applies it.
func (g *Governor) RecordFill(f types.Fill) {
	select {
	case g.fillCh <- f:
	default:
		g.logger.Warn("fill channel full, applying inline", "ticker", f.Ticker)
		g.applyFill(context.Background(), f)
	}
}

// Run consumes fills and handles the UTC-midnight ledger rollover.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-g.fillCh:
			g.applyFill(ctx, f)
		case now := <-ticker.C:
			g.rolloverIfNeeded(now)
		}
	}
}

// applyFill updates the per-ticker position and the daily realized
// ledger, then checks the daily loss circuit against realized plus
// unrealized. The fill price is the freshest mark for its ticker.
func (g *Governor) applyFill(ctx context.Context, f types.Fill) {
	g.mu.Lock()
	pos := g.positions[f.Ticker]
	pos.Ticker = f.Ticker
	realized := applyToPosition(&pos, f)
	realized -= f.FeeCents
	pos.RealizedPnL += realized
	pos.UpdatedAt = f.FilledAt
	g.marks[f.Ticker] = f.Price
	pos.UnrealizedPnL = unrealized(pos, f.Price)
	g.positions[f.Ticker] = pos
	g.dailyRealized += realized
	day := g.day
	total := g.dailyRealized
	unreal := g.unrealizedLocked()
	g.mu.Unlock()

	if g.ledger != nil {
		if err := g.ledger.RecordFill(ctx, f); err != nil {
			g.logger.Error("persist fill", "error", err)
		}
		persisted, err := g.ledger.AddDailyRealized(ctx, day, realized)
		if err != nil {
			g.logger.Error("persist daily realized", "error", err)
		} else {
			total = persisted
		}
	}

	g.logger.Info("fill applied",
		"ticker", f.Ticker, "action", f.Action, "count", f.Count,
		"price", f.Price, "realized_cents", realized,
		"daily_cents", total, "unrealized_cents", unreal)

	if total+unreal <= -g.cfg.MaxDailyLossCents {
		g.EngageKillSwitch(fmt.Sprintf(
			"daily loss cap breached: %d cents realized, %d unrealized", total, unreal))
	}
}

// MarkToMarket revalues open positions against fresh quotes and
// re-checks the daily loss circuit. Longs mark at the bid and shorts at
// the ask: the price the position could actually exit at.
func (g *Governor) MarkToMarket(quotes map[string]types.Quote) {
	g.mu.Lock()
	for ticker, q := range quotes {
		pos, ok := g.positions[ticker]
		if !ok || pos.NetContracts == 0 {
			continue
		}
		mark := q.YesBid
		if pos.NetContracts < 0 {
			mark = q.YesAsk
		}
		g.marks[ticker] = mark
		pos.UnrealizedPnL = unrealized(pos, mark)
		g.positions[ticker] = pos
	}
	total := g.dailyRealized
	unreal := g.unrealizedLocked()
	g.mu.Unlock()

	if total+unreal <= -g.cfg.MaxDailyLossCents {
		g.EngageKillSwitch(fmt.Sprintf(
			"daily loss cap breached at mark: %d cents realized, %d unrealized", total, unreal))
	}
}

// unrealized is the mark-to-market P&L of one position, in cents.
func unrealized(pos types.Position, mark int) int {
	switch {
	case pos.NetContracts > 0:
		return (mark - pos.AvgPriceCents) * pos.NetContracts
	case pos.NetContracts < 0:
		return (pos.AvgPriceCents - mark) * -pos.NetContracts
	}
	return 0
}

// unrealizedLocked sums open-position unrealized P&L under g.mu.
func (g *Governor) unrealizedLocked() int {
	total := 0
	for _, pos := range g.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// applyToPosition folds one fill into a signed average-cost position and
// returns the realized cents from any closed portion (before fees).
func applyToPosition(pos *types.Position, f types.Fill) int {
	delta := f.SignedCount()
	net := pos.NetContracts

	// Same direction or flat: extend at weighted average cost.
	if net == 0 || (net > 0) == (delta > 0) {
		totalCost := pos.AvgPriceCents*abs(net) + f.Price*abs(delta)
		pos.NetContracts = net + delta
		pos.AvgPriceCents = totalCost / abs(pos.NetContracts)
		return 0
	}

	// Opposite direction: close up to the open quantity.
	closed := abs(delta)
	if closed > abs(net) {
		closed = abs(net)
	}
	var realized int
	if net > 0 {
		realized = (f.Price - pos.AvgPriceCents) * closed
	} else {
		realized = (pos.AvgPriceCents - f.Price) * closed
	}

	pos.NetContracts = net + delta
	if pos.NetContracts == 0 {
		pos.AvgPriceCents = 0
	} else if (pos.NetContracts > 0) != (net > 0) {
		// Flipped through flat: remainder opens at the fill price.
		pos.AvgPriceCents = f.Price
	}
	return realized
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// rolloverIfNeeded resets the daily ledger at the UTC date boundary. The
// kill switch does not auto-disengage; resuming after a loss-cap trip is
// an operator decision.
func (g *Governor) rolloverIfNeeded(now time.Time) {
	day := utcDay(now)
	g.mu.Lock()
	if day == g.day {
		g.mu.Unlock()
		return
	}
	g.day = day
	g.dailyRealized = 0
	g.mu.Unlock()
	g.logger.Info("daily ledger rolled over", "day", day)
}

// EngageKillSwitch halts admission and signals the engine. If the kill
// channel is full the stale signal is drained so the latest reason is
// always delivered.
func (g *Governor) EngageKillSwitch(reason string) {
	g.mu.Lock()
	already := g.killSwitch
	g.killSwitch = true
	g.killReason = reason
	day := g.day
	g.mu.Unlock()

	if already {
		return
	}
	g.logger.Error("KILL SWITCH", "reason", reason)

	if g.ledger != nil {
		if err := g.ledger.SetKillEngaged(context.Background(), day, true); err != nil {
			g.logger.Error("persist kill switch", "error", err)
		}
	}

	sig := KillSignal{Reason: reason}
	select {
	case g.killCh <- sig:
	default:
		select {
		case <-g.killCh:
		default:
		}
		g.killCh <- sig
	}
}

// DisengageKillSwitch resumes admission. Operator action only.
func (g *Governor) DisengageKillSwitch() {
	g.mu.Lock()
	g.killSwitch = false
	g.killReason = ""
	day := g.day
	g.mu.Unlock()

	g.logger.Info("kill switch disengaged")
	if g.ledger != nil {
		if err := g.ledger.SetKillEngaged(context.Background(), day, false); err != nil {
			g.logger.Error("persist kill switch", "error", err)
		}
	}
}

// KillSwitchActive reports whether admission is halted and why.
func (g *Governor) KillSwitchActive() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.killSwitch, g.killReason
}

// KillCh returns the channel the engine reads kill signals from.
func (g *Governor) KillCh() <-chan KillSignal {
	return g.killCh
}

// RequestFlatten asks the engine to flatten one ticker's position.
// Non-blocking; duplicate requests are harmless.
func (g *Governor) RequestFlatten(ticker string) {
	select {
	case g.flattenCh <- ticker:
	default:
		g.logger.Warn("flatten queue full", "ticker", ticker)
	}
}

// FlattenCh returns the channel of flatten requests.
func (g *Governor) FlattenCh() <-chan string {
	return g.flattenCh
}

// Position returns the ledger entry for one ticker.
func (g *Governor) Position(ticker string) types.Position {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.positions[ticker]
}

// Positions returns all non-flat ledger entries sorted by ticker.
func (g *Governor) Positions() []types.Position {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]types.Position, 0, len(g.positions))
	for _, pos := range g.positions {
		if pos.NetContracts == 0 && pos.RealizedPnL == 0 {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// DailyRealized returns today's realized P&L in cents.
func (g *Governor) DailyRealized() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dailyRealized
}
