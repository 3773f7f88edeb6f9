package market

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"kalshi-arb/internal/config"
	"kalshi-arb/pkg/types"
)

// Screener selects which events are worth a discovery call each cycle.
// Model calls are the expensive resource, so events are filtered by
// category and keyword, then ranked by a composite score:
//
//	score = markets × min(avgTopDepth/100, 1) × tightness
//
// where tightness rewards narrow average spreads (crossed constraints
// between liquid, tightly quoted markets are the ones worth finding).
type Screener struct {
	cfg    config.ScreenerConfig
	logger *slog.Logger
}

func NewScreener(cfg config.ScreenerConfig, logger *slog.Logger) *Screener {
	return &Screener{
		cfg:    cfg,
		logger: logger.With("component", "screener"),
	}
}

// Screen filters and ranks events for discovery, capped at the
// configured per-cycle budget. Events with fewer than two open markets
// never produce a relationship and are dropped up front.
func (s *Screener) Screen(events []types.Event, lookup func(ticker string) (types.Market, bool)) []types.Event {
	include := normalizeSet(s.cfg.IncludeCategories)
	exclude := normalizeList(s.cfg.ExcludeKeywords)

	type scored struct {
		event types.Event
		score float64
	}
	var candidates []scored

	for _, evt := range events {
		if len(include) > 0 && !include[strings.ToLower(evt.Category)] {
			continue
		}
		if matchesAny(strings.ToLower(evt.Title), exclude) {
			continue
		}

		open := 0
		totalDepth := 0
		totalSpread := 0
		for _, ticker := range evt.Tickers {
			m, ok := lookup(ticker)
			if !ok || m.Status != types.StatusOpen {
				continue
			}
			open++
			totalDepth += m.DepthYes + m.DepthNo
			totalSpread += m.Quote.YesAsk - m.Quote.YesBid
		}
		if open < 2 {
			continue
		}

		avgDepth := float64(totalDepth) / float64(open)
		avgSpread := float64(totalSpread) / float64(open)
		depthFactor := math.Min(avgDepth/100, 1)
		tightness := 1 / (1 + avgSpread)

		candidates = append(candidates, scored{
			event: evt,
			score: float64(open) * depthFactor * tightness,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].event.EventTicker < candidates[j].event.EventTicker
	})

	max := s.cfg.MaxEventsPerCycle
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]types.Event, len(candidates))
	for i, c := range candidates {
		out[i] = c.event
	}
	s.logger.Debug("screened events for discovery",
		"total", len(events), "selected", len(out))
	return out
}

func normalizeSet(items []string) map[string]bool {
	set := make(map[string]bool)
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			set[it] = true
		}
	}
	return set
}

func normalizeList(items []string) []string {
	var out []string
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}

func matchesAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
