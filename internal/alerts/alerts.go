// Package alerts posts operational events to a webhook. Delivery is
// best effort: a failed post is logged and dropped, never propagated,
// so alerting can never stall trading. An empty webhook URL disables
// the notifier entirely.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"kalshi-arb/internal/config"
	"kalshi-arb/pkg/types"
)

// Notifier posts JSON payloads to the configured webhook.
type Notifier struct {
	http    *resty.Client
	url     string
	enabled bool
	logger  *slog.Logger
}

func NewNotifier(cfg config.AlertsConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{
		url:     cfg.WebhookURL,
		enabled: cfg.WebhookURL != "",
		logger:  logger.With("component", "alerts"),
	}
	if n.enabled {
		n.http = resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(2).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}
	return n
}

// payload is the webhook body. Kind is a stable machine-readable tag;
// Text is for humans.
type payload struct {
	Kind   string         `json:"kind"`
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

func (n *Notifier) post(ctx context.Context, p payload) {
	if !n.enabled {
		return
	}
	p.SentAt = time.Now().UTC()
	resp, err := n.http.R().SetContext(ctx).SetBody(p).Post(n.url)
	if err != nil {
		n.logger.Warn("webhook post failed", "kind", p.Kind, "error", err)
		return
	}
	if resp.IsError() {
		n.logger.Warn("webhook rejected", "kind", p.Kind, "status", resp.StatusCode())
	}
}

// Alert sends a generic operator alert. Implements the executor's
// Alerter.
func (n *Notifier) Alert(ctx context.Context, kind, message string) {
	n.post(ctx, payload{Kind: kind, Text: message})
}

// Startup announces the bot coming online.
func (n *Notifier) Startup(ctx context.Context, dryRun bool) {
	n.post(ctx, payload{
		Kind: "startup",
		Text: "arbitrage bot started",
		Fields: map[string]any{
			"dry_run": dryRun,
		},
	})
}

// Shutdown announces a clean stop.
func (n *Notifier) Shutdown(ctx context.Context) {
	n.post(ctx, payload{Kind: "shutdown", Text: "arbitrage bot stopped"})
}

// Opportunity reports a newly admitted opportunity.
func (n *Notifier) Opportunity(ctx context.Context, opp types.Opportunity, count int) {
	n.post(ctx, payload{
		Kind: "opportunity",
		Text: fmt.Sprintf("%s admitted: edge %d cents x %d", opp.Signal, opp.RawEdge, count),
		Fields: map[string]any{
			"id":            opp.ID,
			"relation_type": string(opp.RelationType),
			"signal":        string(opp.Signal),
			"edge_cents":    opp.RawEdge,
			"score":         opp.Score,
			"count":         count,
		},
	})
}

// Trade reports an execution result.
func (n *Notifier) Trade(ctx context.Context, res types.ExecutionResult) {
	n.post(ctx, payload{
		Kind: "trade",
		Text: fmt.Sprintf("opportunity %s finished %s, locked %d cents", res.OpportunityID, res.State, res.RealizedCents),
		Fields: map[string]any{
			"opportunity_id": res.OpportunityID,
			"state":          string(res.State),
			"leg_fills":      res.LegFills,
			"realized_cents": res.RealizedCents,
			"error":          res.Err,
		},
	})
}

// KillSwitch reports the trading halt.
func (n *Notifier) KillSwitch(ctx context.Context, reason string) {
	n.post(ctx, payload{
		Kind:   "kill_switch",
		Text:   "trading halted: " + reason,
		Fields: map[string]any{"reason": reason},
	})
}

// DailySummary reports the day's ledger totals.
func (n *Notifier) DailySummary(ctx context.Context, day string, realizedCents, trades int, positions []types.Position) {
	open := 0
	for _, p := range positions {
		if p.NetContracts != 0 {
			open++
		}
	}
	n.post(ctx, payload{
		Kind: "daily_summary",
		Text: fmt.Sprintf("%s: realized %d cents over %d trades, %d open positions", day, realizedCents, trades, open),
		Fields: map[string]any{
			"day":            day,
			"realized_cents": realizedCents,
			"trades":         trades,
			"open_positions": open,
		},
	})
}
