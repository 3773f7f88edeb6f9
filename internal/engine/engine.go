// Package engine is the orchestrator. It wires ingestion, the
// relationship catalog, detection, admission, and execution into one
// lifecycle:
//
//  1. A full ingestion cycle refreshes the market cache, sweeps the
//     catalog, and syncs the balance.
//  2. The detector scans active relationships against the cache and
//     emits opportunities into a bounded queue.
//  3. Execution workers validate, admit, and execute queued
//     opportunities, reporting fills back to the risk governor.
//  4. LLM discovery and revalidation run on their own slower cadence.
//
// A kill signal from the governor cancels in-flight executions and
// drains the queue; nothing new is admitted until an operator
// disengages the switch.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kalshi-arb/internal/alerts"
	"kalshi-arb/internal/api"
	"kalshi-arb/internal/catalog"
	"kalshi-arb/internal/config"
	"kalshi-arb/internal/detect"
	"kalshi-arb/internal/exchange"
	"kalshi-arb/internal/exec"
	"kalshi-arb/internal/fees"
	"kalshi-arb/internal/llm"
	"kalshi-arb/internal/market"
	"kalshi-arb/internal/risk"
	"kalshi-arb/internal/store"
	"kalshi-arb/pkg/types"
)

// Engine owns every component and its goroutines.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	feed     *exchange.WSFeed
	cache    *market.Cache
	ingestor *market.Ingestor
	screener *market.Screener
	catalog  *catalog.Catalog
	detector *detect.Detector
	governor *risk.Governor
	executor *exec.Executor
	llm      *llm.Client
	store    *store.Store
	ledger   risk.Ledger
	notifier *alerts.Notifier
	control  *api.Server
	logger   *slog.Logger

	cron  *cron.Cron
	queue chan admitted

	// inflight dedupes by relationship+signal so the same violation is
	// not traded twice while a first execution is still running.
	inflightMu sync.Mutex
	inflight   map[string]bool

	execMu     sync.Mutex
	execCtx    context.Context
	execCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// admitted pairs an opportunity with its governor-approved count.
type admitted struct {
	opp   types.Opportunity
	count int
}

// New wires all components. The store is opened and the governor's day
// ledger restored; nothing talks to the exchange yet.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var auth *exchange.Auth
	if cfg.API.KeyID != "" && cfg.API.PrivateKeyPEM != "" {
		a, err := exchange.NewAuth(cfg.API.KeyID, cfg.API.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		auth = a
	}

	client := exchange.NewClient(cfg, auth, logger)
	feed := exchange.NewWSFeed(cfg.API.WSURL, auth, logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	cache := market.NewCache()
	cat := catalog.New(cfg.LLM.ConfidenceFloor, logger)
	ingestor := market.NewIngestor(client, cache, st, cat.InvolvedTickers, logger)

	// Dry-run trades against a shadow ledger: paper fills and any kill
	// switch they trip stay out of the real P&L tables.
	var ledger risk.Ledger = st
	if cfg.DryRun {
		ledger = risk.NewShadowLedger()
	}
	governor := risk.NewGovernor(cfg.Risk, ledger, logger)
	notifier := alerts.NewNotifier(cfg.Alerts, logger)
	executor := exec.New(client, st, governor, notifier, cfg.Executor, logger)

	var model *llm.Client
	if cfg.LLM.BaseURL != "" && cfg.LLM.APIKey != "" {
		model = llm.NewClient(cfg.LLM, logger)
	}

	detector := detect.New(
		cache,
		func() []types.Relationship { return cat.Active(cache) },
		fees.TakerEstimator{},
		governor,
		cfg.Detector,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	execCtx, execCancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:        cfg,
		client:     client,
		feed:       feed,
		cache:      cache,
		ingestor:   ingestor,
		screener:   market.NewScreener(cfg.Screener, logger),
		catalog:    cat,
		detector:   detector,
		governor:   governor,
		executor:   executor,
		llm:        model,
		store:      st,
		ledger:     ledger,
		notifier:   notifier,
		logger:     logger.With("component", "engine"),
		cron:       cron.New(),
		queue:      make(chan admitted, cfg.Engine.OpportunityQueueCap),
		inflight:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
		execCtx:    execCtx,
		execCancel: execCancel,
	}

	if cfg.Control.Enabled {
		e.control = api.NewServer(cfg.Control, cfg.DryRun, governor, st, logger)
	}
	return e, nil
}

// Start restores persisted state, runs the first ingestion cycle, and
// launches all background goroutines and cron jobs.
func (e *Engine) Start() error {
	if err := e.governor.Restore(e.ctx); err != nil {
		return err
	}
	if rels, err := e.store.LoadRelationships(e.ctx); err != nil {
		e.logger.Error("relationship restore failed", "error", err)
	} else {
		e.catalog.Restore(rels)
	}

	// The first cycle is synchronous: detection must not run against an
	// empty cache.
	if err := e.RunIngestCycle(e.ctx); err != nil {
		return fmt.Errorf("initial ingestion: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("websocket feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ingestor.ConsumeFeed(e.ctx, e.feed.Updates())
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.governor.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchSignals()
	}()

	for i := 0; i < e.cfg.Engine.ExecutionWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker()
		}()
	}

	if e.control != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.control.Start(); err != nil {
				e.logger.Error("control server error", "error", err)
			}
		}()
	}

	e.addJob(e.cfg.Engine.FullScanInterval, func() {
		if err := e.RunIngestCycle(e.ctx); err != nil {
			e.logger.Error("ingestion cycle failed", "error", err)
		}
	})
	e.addJob(e.cfg.Engine.OpportunityRecheck, func() {
		e.RunDetectionCycle(e.ctx)
	})
	e.addJob(e.cfg.Engine.RelationshipRescan, func() {
		e.RunDiscoveryCycle(e.ctx)
	})
	e.addJob(24*time.Hour, func() {
		e.sendDailySummary(e.ctx)
	})
	e.cron.Start()

	e.notifier.Startup(e.ctx, e.cfg.DryRun)
	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"workers", e.cfg.Engine.ExecutionWorkers,
		"markets", e.cache.Len(),
	)
	return nil
}

func (e *Engine) addJob(every time.Duration, fn func()) {
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", every), fn); err != nil {
		e.logger.Error("cron job registration failed", "interval", every, "error", err)
	}
}

// Stop shuts down in order: no new jobs, no new executions, drain
// goroutines, close resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cron.Stop()
	e.notifier.Shutdown(context.Background())
	e.cancel()
	if e.control != nil {
		if err := e.control.Stop(); err != nil {
			e.logger.Error("control server stop", "error", err)
		}
	}
	e.wg.Wait()
	e.feed.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Cycles
// ————————————————————————————————————————————————————————————————————————

// RunIngestCycle refreshes the cache, sweeps the catalog against the
// new view, resubscribes the feed, and syncs the balance.
func (e *Engine) RunIngestCycle(ctx context.Context) error {
	if err := e.ingestor.RunOnce(ctx); err != nil {
		return err
	}

	if n := e.catalog.Sweep(e.cache); n > 0 {
		e.logger.Info("catalog sweep invalidated relationships", "count", n)
		e.persistCatalog(ctx)
	}

	if tickers := e.catalog.InvolvedTickers(); len(tickers) > 0 {
		if err := e.feed.Subscribe(tickers); err != nil {
			e.logger.Warn("feed subscribe failed", "error", err)
		}
	}

	balance, err := e.client.GetBalance(ctx)
	if err != nil {
		e.logger.Warn("balance sync failed", "error", err)
	} else {
		e.governor.SetBalance(balance)
	}

	e.checkPositionDrift(ctx)
	e.markPositions()
	return nil
}

// markPositions revalues the governor's open positions against the
// freshest cached quotes so the daily loss circuit and admission see
// unrealized losses, not just realized ones.
func (e *Engine) markPositions() {
	quotes := make(map[string]types.Quote)
	for _, p := range e.governor.Positions() {
		if m, err := e.cache.Get(p.Ticker); err == nil {
			quotes[p.Ticker] = m.Quote
		}
	}
	if len(quotes) > 0 {
		e.governor.MarkToMarket(quotes)
	}
}

// checkPositionDrift compares the exchange-side position view with the
// local ledger. Drift means a fill was missed (or an orphan filled) and
// the ledger can no longer be trusted for per-market caps.
func (e *Engine) checkPositionDrift(ctx context.Context) {
	remote, err := e.client.ListPositions(ctx)
	if err != nil {
		e.logger.Warn("position sync failed", "error", err)
		return
	}
	if remote == nil {
		return
	}

	local := make(map[string]int)
	for _, p := range e.governor.Positions() {
		local[p.Ticker] = p.NetContracts
	}
	for _, p := range remote {
		if local[p.Ticker] != p.NetContracts {
			e.logger.Error("position drift detected",
				"ticker", p.Ticker, "exchange", p.NetContracts, "ledger", local[p.Ticker])
			e.notifier.Alert(ctx, "position_drift",
				fmt.Sprintf("%s: exchange reports %d contracts, ledger has %d",
					p.Ticker, p.NetContracts, local[p.Ticker]))
		}
		delete(local, p.Ticker)
	}
	for ticker, net := range local {
		if net != 0 {
			e.logger.Error("position drift detected",
				"ticker", ticker, "exchange", 0, "ledger", net)
		}
	}
}

// RunDetectionCycle scans, persists and enqueues opportunities.
func (e *Engine) RunDetectionCycle(ctx context.Context) {
	e.markPositions()
	if killed, _ := e.governor.KillSwitchActive(); killed {
		return
	}

	now := time.Now()
	for _, opp := range e.detector.Scan(ctx, now) {
		e.processOpportunity(ctx, opp, now)
	}
}

// processOpportunity walks one opportunity through its pre-execution
// lifecycle: persist as DETECTED, validate, admit, enqueue.
func (e *Engine) processOpportunity(ctx context.Context, opp types.Opportunity, now time.Time) {
	key := opp.RelationshipID + "|" + string(opp.Signal)
	e.inflightMu.Lock()
	if e.inflight[key] {
		e.inflightMu.Unlock()
		return
	}
	e.inflight[key] = true
	e.inflightMu.Unlock()

	release := func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
	}

	if err := e.store.InsertOpportunity(ctx, opp); err != nil {
		e.logger.Error("persist opportunity", "id", opp.ID, "error", err)
	}

	// Validation: still fresh, relationship still live.
	if opp.Expired(now) {
		e.transition(ctx, opp.ID, types.OppExpired, "stale at validation")
		release()
		return
	}
	if rel, ok := e.catalog.Get(opp.RelationshipID); !ok || rel.Invalidated {
		e.transition(ctx, opp.ID, types.OppExpired, "relationship no longer live")
		release()
		return
	}
	e.transition(ctx, opp.ID, types.OppValidated, "")
	opp.State = types.OppValidated

	verdict := e.governor.Admit(opp)
	if !verdict.Admitted {
		e.transition(ctx, opp.ID, types.OppRejected, string(verdict.Reason))
		release()
		return
	}

	select {
	case e.queue <- admitted{opp: opp, count: verdict.Count}:
		e.notifier.Opportunity(ctx, opp, verdict.Count)
	default:
		e.transition(ctx, opp.ID, types.OppRejected, "execution queue full")
		release()
	}
}

// worker executes admitted opportunities one at a time.
func (e *Engine) worker() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case item := <-e.queue:
			e.executeAdmitted(item)
		}
	}
}

func (e *Engine) executeAdmitted(item admitted) {
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, item.opp.RelationshipID+"|"+string(item.opp.Signal))
		e.inflightMu.Unlock()
	}()

	ctx := e.currentExecCtx()
	if killed, _ := e.governor.KillSwitchActive(); killed {
		e.transition(ctx, item.opp.ID, types.OppRejected, string(risk.ReasonKillSwitch))
		return
	}
	if item.opp.Expired(time.Now()) {
		e.transition(ctx, item.opp.ID, types.OppExpired, "stale in queue")
		return
	}

	e.governor.BeginExecution(item.opp.ID)
	defer e.governor.EndExecution(item.opp.ID)
	e.transition(ctx, item.opp.ID, types.OppExecuting, "")

	result := e.executor.Execute(ctx, item.opp, item.count)
	e.transition(context.Background(), item.opp.ID, result.State, result.Err)
	e.notifier.Trade(context.Background(), result)
}

func (e *Engine) currentExecCtx() context.Context {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	return e.execCtx
}

// RunDiscoveryCycle asks the model for new relationships and
// revalidates stale ones.
func (e *Engine) RunDiscoveryCycle(ctx context.Context) {
	if e.llm == nil {
		return
	}

	lookup := func(ticker string) (types.Market, bool) {
		m, err := e.cache.Get(ticker)
		return m, err == nil
	}
	batches := e.llm.BatchByEvent(e.screener.Screen(e.cache.Events(), lookup), lookup)
	discovered := 0
	for _, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		rels, err := e.llm.Discover(ctx, batch.Event, batch.Markets)
		if err != nil {
			e.logger.Warn("discovery batch failed", "event", batch.Event.EventTicker, "error", err)
			continue
		}
		for _, rel := range rels {
			stored, err := e.catalog.Upsert(rel, e.cache)
			if err != nil {
				e.logger.Debug("proposal not stored", "error", err)
				continue
			}
			if err := e.store.SaveRelationship(ctx, stored); err != nil {
				e.logger.Error("persist relationship", "id", stored.ID, "error", err)
			}
			discovered++
		}
	}

	stale := e.catalog.StaleForRevalidation(time.Now(), e.cfg.Engine.RevalidateAfter)
	for _, rel := range stale {
		if ctx.Err() != nil {
			return
		}
		if err := e.catalog.Revalidate(ctx, rel, e.cache, e.llm); err != nil {
			e.logger.Warn("revalidation failed", "id", rel.ID, "error", err)
		}
	}
	if len(stale) > 0 {
		e.persistCatalog(ctx)
	}

	e.logger.Info("discovery cycle complete",
		"batches", len(batches), "stored", discovered, "revalidated", len(stale))
}

// persistCatalog writes every catalog record back to the store so
// invalidations survive restarts.
func (e *Engine) persistCatalog(ctx context.Context) {
	for _, rel := range e.catalog.All() {
		if err := e.store.SaveRelationship(ctx, rel); err != nil {
			e.logger.Error("persist relationship", "id", rel.ID, "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// watchSignals reacts to kill and flatten requests from the governor.
func (e *Engine) watchSignals() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case sig := <-e.governor.KillCh():
			e.handleKill(sig)
		case ticker := <-e.governor.FlattenCh():
			e.flattenPosition(ticker)
		}
	}
}

// handleKill cancels in-flight executions and drains the queue. The
// exec context is replaced so trading can resume once the switch is
// disengaged.
func (e *Engine) handleKill(sig risk.KillSignal) {
	e.logger.Error("kill signal received", "reason", sig.Reason)
	e.notifier.KillSwitch(context.Background(), sig.Reason)

	e.execMu.Lock()
	e.execCancel()
	e.execCtx, e.execCancel = context.WithCancel(e.ctx)
	e.execMu.Unlock()

	drained := 0
	for {
		select {
		case item := <-e.queue:
			e.transition(context.Background(), item.opp.ID, types.OppRejected, string(risk.ReasonKillSwitch))
			e.inflightMu.Lock()
			delete(e.inflight, item.opp.RelationshipID+"|"+string(item.opp.Signal))
			e.inflightMu.Unlock()
			drained++
		default:
			if drained > 0 {
				e.logger.Info("execution queue drained", "rejected", drained)
			}
			return
		}
	}
}

// flattenPosition closes one ticker's net position with an aggressive
// limit order at the current opposite quote.
func (e *Engine) flattenPosition(ticker string) {
	pos := e.governor.Position(ticker)
	if pos.NetContracts == 0 {
		e.logger.Info("flatten requested for flat position", "ticker", ticker)
		return
	}
	m, err := e.cache.Get(ticker)
	if err != nil {
		e.logger.Error("flatten failed, market unknown", "ticker", ticker, "error", err)
		return
	}

	req := types.OrderRequest{
		Ticker:        ticker,
		Side:          types.SideYes,
		Expiration:    time.Now().Add(e.cfg.Executor.OrderDeadline),
		ClientOrderID: fmt.Sprintf("flat-%s-%d", ticker, time.Now().UnixMilli()),
	}
	if pos.NetContracts > 0 {
		req.Action = types.ActionSell
		req.Count = pos.NetContracts
		req.LimitPrice = m.Quote.YesBid
	} else {
		req.Action = types.ActionBuy
		req.Count = -pos.NetContracts
		req.LimitPrice = m.Quote.YesAsk
	}
	if req.LimitPrice < 1 {
		req.LimitPrice = 1
	}
	if req.LimitPrice > 99 {
		req.LimitPrice = 99
	}

	order, err := e.client.PlaceOrder(e.ctx, req)
	if err != nil {
		e.logger.Error("flatten order failed", "ticker", ticker, "error", err)
		return
	}
	if err := e.store.RecordOrder(e.ctx, "", order); err != nil {
		e.logger.Error("persist flatten order", "error", err)
	}
	if order.FilledCount > 0 {
		e.governor.RecordFill(types.Fill{
			OrderID:  order.ID,
			Ticker:   order.Ticker,
			Side:     order.Side,
			Action:   order.Action,
			Count:    order.FilledCount,
			Price:    order.AvgFillPrice,
			FeeCents: fees.TakerFeeCents(order.FilledCount, order.AvgFillPrice),
			FilledAt: time.Now(),
		})
	}
	e.logger.Info("flatten order placed",
		"ticker", ticker, "count", req.Count, "action", req.Action, "filled", order.FilledCount)
}

func (e *Engine) sendDailySummary(ctx context.Context) {
	day := time.Now().UTC().Format("2006-01-02")
	st, err := e.ledger.GetDayState(ctx, day)
	if err != nil {
		e.logger.Error("daily summary read failed", "error", err)
		return
	}
	e.notifier.DailySummary(ctx, day, st.RealizedCents, st.Trades, e.governor.Positions())
}

// transition records a state change, logging rather than failing on a
// store error so the in-memory pipeline keeps moving.
func (e *Engine) transition(ctx context.Context, oppID string, to types.OppState, reason string) {
	if err := e.store.TransitionOpportunity(ctx, oppID, to, reason); err != nil {
		e.logger.Error("opportunity transition failed",
			"id", oppID, "to", to, "error", err)
	}
}
