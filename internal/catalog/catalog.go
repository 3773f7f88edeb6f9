// Package catalog stores typed price constraints between markets and
// manages their lifecycle.
//
// The catalog never interprets relationship semantics. It enforces
// structural well-formedness, deduplicates by canonical key, captures
// settlement-rules fingerprints at creation, and invalidates when a
// market closes, a fingerprint changes, or confidence drops below the
// configured floor. Semantic revalidation is delegated to a Validator
// (the LLM adapter).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kalshi-arb/pkg/types"
)

var (
	ErrMalformed = errors.New("catalog: malformed relationship")
	ErrDuplicate = errors.New("catalog: duplicate relationship")
)

// MarketSource is the live market view relationships are checked against.
type MarketSource interface {
	Get(ticker string) (types.Market, error)
}

// Validator re-checks a relationship against current market titles and
// rules, returning whether it still holds and with what confidence.
type Validator interface {
	Revalidate(ctx context.Context, rel types.Relationship, markets map[string]types.Market) (stillValid bool, confidence float64, err error)
}

// Catalog is the exclusive owner of Relationship records.
type Catalog struct {
	mu              sync.RWMutex
	byID            map[string]types.Relationship
	byKey           map[string]string // canonical key -> id
	confidenceFloor float64
	logger          *slog.Logger
}

func New(confidenceFloor float64, logger *slog.Logger) *Catalog {
	return &Catalog{
		byID:            make(map[string]types.Relationship),
		byKey:           make(map[string]string),
		confidenceFloor: confidenceFloor,
		logger:          logger.With("component", "catalog"),
	}
}

// validateStructure enforces the shape rules common to all sources.
func validateStructure(rel types.Relationship) error {
	seen := make(map[string]bool, len(rel.Tickers))
	for _, t := range rel.Tickers {
		if t == "" {
			return fmt.Errorf("%w: empty ticker", ErrMalformed)
		}
		if seen[t] {
			return fmt.Errorf("%w: duplicate ticker %s", ErrMalformed, t)
		}
		seen[t] = true
	}

	switch rel.Type {
	case types.RelSubset, types.RelImplication:
		if len(rel.Tickers) != 2 {
			return fmt.Errorf("%w: %s needs exactly 2 tickers, got %d", ErrMalformed, rel.Type, len(rel.Tickers))
		}
	case types.RelThreshold, types.RelPartition:
		if len(rel.Tickers) < 2 {
			return fmt.Errorf("%w: %s needs at least 2 tickers, got %d", ErrMalformed, rel.Type, len(rel.Tickers))
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, rel.Type)
	}

	if rel.Confidence < 0 || rel.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrMalformed, rel.Confidence)
	}
	if rel.Type == types.RelImplication && (rel.CondProb < 0 || rel.CondProb > 1) {
		return fmt.Errorf("%w: cond_prob %v out of [0,1]", ErrMalformed, rel.CondProb)
	}
	return nil
}

// Upsert validates and stores a relationship, capturing the current
// settlement-rules fingerprint of every involved market. A second
// relationship with the same canonical key is rejected unless the stored
// one has been invalidated.
func (c *Catalog) Upsert(rel types.Relationship, source MarketSource) (types.Relationship, error) {
	if err := validateStructure(rel); err != nil {
		return types.Relationship{}, err
	}

	fingerprints := make(map[string]string, len(rel.Tickers))
	for _, t := range rel.Tickers {
		m, err := source.Get(t)
		if err != nil {
			return types.Relationship{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		fingerprints[t] = m.RulesFingerprint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := rel.CanonicalKey()
	if existingID, ok := c.byKey[key]; ok {
		if existing := c.byID[existingID]; !existing.Invalidated {
			return types.Relationship{}, fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
	}

	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	now := time.Now()
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now
	}
	rel.LastValidatedAt = now
	rel.Fingerprints = fingerprints
	rel.Invalidated = false
	rel.InvalidReason = ""

	c.byID[rel.ID] = rel
	c.byKey[key] = rel.ID
	c.logger.Info("relationship stored",
		"id", rel.ID, "type", rel.Type, "tickers", rel.Tickers, "confidence", rel.Confidence)
	return rel, nil
}

// Restore loads persisted relationships as-is, keeping their stored
// fingerprints and timestamps. Structurally malformed records are
// skipped; later duplicates of a live key are skipped too.
func (c *Catalog) Restore(rels []types.Relationship) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, rel := range rels {
		if rel.ID == "" || validateStructure(rel) != nil {
			c.logger.Warn("skipping malformed persisted relationship", "id", rel.ID)
			continue
		}
		key := rel.CanonicalKey()
		if existingID, ok := c.byKey[key]; ok && !rel.Invalidated {
			if existing := c.byID[existingID]; !existing.Invalidated {
				continue
			}
		}
		c.byID[rel.ID] = rel
		if !rel.Invalidated {
			c.byKey[key] = rel.ID
		}
		restored++
	}
	c.logger.Info("catalog restored", "relationships", restored)
	return restored
}

// Active returns relationships whose markets are all present and open,
// whose fingerprints match the live view, and whose confidence clears the
// floor. Output is sorted by ID so downstream scans are deterministic.
func (c *Catalog) Active(source MarketSource) []types.Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var active []types.Relationship
	for _, rel := range c.byID {
		if rel.Invalidated || rel.Confidence < c.confidenceFloor {
			continue
		}
		if c.liveMismatch(rel, source) != "" {
			continue
		}
		active = append(active, rel)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

// liveMismatch reports why a relationship no longer matches the live
// market view, or "" if it still does.
func (c *Catalog) liveMismatch(rel types.Relationship, source MarketSource) string {
	for _, t := range rel.Tickers {
		m, err := source.Get(t)
		if err != nil {
			return fmt.Sprintf("market %s missing", t)
		}
		if m.Status != types.StatusOpen {
			return fmt.Sprintf("market %s is %s", t, m.Status)
		}
		if fp, ok := rel.Fingerprints[t]; ok && fp != m.RulesFingerprint {
			return fmt.Sprintf("rules fingerprint changed for %s", t)
		}
	}
	return ""
}

// Invalidate marks a relationship terminally invalid. It is never
// re-activated; a fresh Upsert with the same key is required.
func (c *Catalog) Invalidate(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rel, ok := c.byID[id]
	if !ok || rel.Invalidated {
		return
	}
	rel.Invalidated = true
	rel.InvalidReason = reason
	c.byID[id] = rel
	c.logger.Info("relationship invalidated", "id", id, "reason", reason)
}

// Sweep hard-invalidates relationships whose markets closed or whose
// settlement rules changed since creation. Runs every ingestion cycle,
// before any revalidation. Returns the number invalidated.
func (c *Catalog) Sweep(source MarketSource) int {
	c.mu.RLock()
	type hit struct{ id, reason string }
	var hits []hit
	for id, rel := range c.byID {
		if rel.Invalidated {
			continue
		}
		if reason := c.liveMismatch(rel, source); reason != "" {
			hits = append(hits, hit{id, reason})
		}
	}
	c.mu.RUnlock()

	for _, h := range hits {
		c.Invalidate(h.id, h.reason)
	}
	return len(hits)
}

// StaleForRevalidation returns live relationships whose last validation
// is older than maxAge.
func (c *Catalog) StaleForRevalidation(now time.Time, maxAge time.Duration) []types.Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var stale []types.Relationship
	for _, rel := range c.byID {
		if rel.Invalidated {
			continue
		}
		if now.Sub(rel.LastValidatedAt) > maxAge {
			stale = append(stale, rel)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}

// Revalidate runs the external validator for one relationship and applies
// the verdict: invalidation if it no longer holds or confidence fell
// below the floor, a refreshed timestamp and confidence otherwise.
func (c *Catalog) Revalidate(ctx context.Context, rel types.Relationship, source MarketSource, v Validator) error {
	markets := make(map[string]types.Market, len(rel.Tickers))
	for _, t := range rel.Tickers {
		m, err := source.Get(t)
		if err != nil {
			c.Invalidate(rel.ID, fmt.Sprintf("market %s missing at revalidation", t))
			return nil
		}
		markets[t] = m
	}

	stillValid, confidence, err := v.Revalidate(ctx, rel, markets)
	if err != nil {
		return fmt.Errorf("revalidate %s: %w", rel.ID, err)
	}

	if !stillValid {
		c.Invalidate(rel.ID, "validator verdict: no longer holds")
		return nil
	}
	if confidence < c.confidenceFloor {
		c.Invalidate(rel.ID, fmt.Sprintf("confidence %.2f below floor %.2f", confidence, c.confidenceFloor))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.byID[rel.ID]
	if !ok || cur.Invalidated {
		return nil
	}
	cur.Confidence = confidence
	cur.LastValidatedAt = time.Now()
	c.byID[rel.ID] = cur
	return nil
}

// InvolvedTickers lists every ticker referenced by a live relationship,
// sorted and deduplicated. Ingestion uses this for depth refresh and the
// websocket subscription.
func (c *Catalog) InvolvedTickers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := make(map[string]bool)
	for _, rel := range c.byID {
		if rel.Invalidated {
			continue
		}
		for _, t := range rel.Tickers {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns every stored relationship, live or invalidated, sorted by ID.
func (c *Catalog) All() []types.Relationship {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Relationship, 0, len(c.byID))
	for _, rel := range c.byID {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one relationship by ID.
func (c *Catalog) Get(id string) (types.Relationship, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.byID[id]
	return rel, ok
}
