// Package llm adapts a messages-API language model for two jobs:
// proposing candidate relationships between markets of one event, and
// revalidating stored relationships against current market text.
//
// The model's output is untrusted input. Everything it returns is
// parsed defensively, checked against the markets actually sent, and
// then still subject to the catalog's structural validation. The model
// never sees prices and its output never reaches an order.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"

	"kalshi-arb/internal/config"
	"kalshi-arb/pkg/types"
)

const anthropicVersion = "2023-06-01"

const discoverySystem = `You analyze prediction market contracts and identify logical price relationships.
Respond with a JSON array only. Each element must be one of:
{"type":"SUBSET","tickers":["<subset>","<superset>"],"confidence":0.0-1.0,"reasoning":"..."}
{"type":"THRESHOLD","tickers":["<t1>","<t2>",...],"confidence":0.0-1.0,"reasoning":"..."} (ascending strike order)
{"type":"PARTITION","tickers":["<t1>",...],"confidence":0.0-1.0,"reasoning":"..."} (mutually exclusive and exhaustive)
{"type":"IMPLICATION","tickers":["<if>","<then>"],"cond_prob":0.0-1.0,"confidence":0.0-1.0,"reasoning":"..."}
Only include relationships you are confident hold by the settlement rules as written.
Return [] if none exist.`

const revalidateSystem = `You verify whether a previously identified relationship between prediction
markets still holds given their current titles and settlement rules.
Respond with JSON only: {"still_valid":true|false,"confidence":0.0-1.0,"reasoning":"..."}`

// Client talks to the model endpoint. It implements catalog.Validator.
type Client struct {
	http      *resty.Client
	model     string
	maxTokens int
	batchSize int
	logger    *slog.Logger
}

func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", anthropicVersion).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	return &Client{
		http:      http,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		batchSize: cfg.BatchSize,
		logger:    logger.With("component", "llm"),
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete sends one prompt and returns the model's text output.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	var out messagesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(messagesRequest{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			System:    system,
			Messages:  []message{{Role: "user", Content: user}},
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/messages")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.IsError() {
		if out.Error != nil {
			return "", fmt.Errorf("llm error %d: %s", resp.StatusCode(), out.Error.Message)
		}
		return "", fmt.Errorf("llm error %d", resp.StatusCode())
	}
	if len(out.Content) == 0 {
		return "", fmt.Errorf("llm returned empty content")
	}
	return out.Content[0].Text, nil
}

// discoveredRelationship is the raw shape the model returns.
type discoveredRelationship struct {
	Type       string   `json:"type"`
	Tickers    []string `json:"tickers"`
	CondProb   float64  `json:"cond_prob"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Discover proposes relationships among one batch of markets. Results
// reference only tickers from the batch; anything else is dropped.
func (c *Client) Discover(ctx context.Context, event types.Event, markets []types.Market) ([]types.Relationship, error) {
	if len(markets) < 2 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s (%s)\n\nMarkets:\n", event.Title, event.EventTicker)
	for _, m := range markets {
		fmt.Fprintf(&b, "- ticker: %s\n  title: %s\n", m.Ticker, m.Title)
		if m.Subtitle != "" {
			fmt.Fprintf(&b, "  subtitle: %s\n", m.Subtitle)
		}
		if m.Rules != "" {
			fmt.Fprintf(&b, "  rules: %s\n", m.Rules)
		}
	}

	text, err := c.complete(ctx, discoverySystem, b.String())
	if err != nil {
		return nil, err
	}

	var raw []discoveredRelationship
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("parse discovery output: %w", err)
	}

	known := make(map[string]bool, len(markets))
	for _, m := range markets {
		known[m.Ticker] = true
	}

	var out []types.Relationship
	for _, r := range raw {
		rel, ok := c.normalize(r, known)
		if !ok {
			continue
		}
		out = append(out, rel)
	}
	c.logger.Info("discovery batch complete",
		"event", event.EventTicker, "markets", len(markets), "proposed", len(raw), "kept", len(out))
	return out, nil
}

// normalize converts a raw model proposal to a Relationship, dropping
// anything referencing tickers outside the batch or with an unknown type.
func (c *Client) normalize(r discoveredRelationship, known map[string]bool) (types.Relationship, bool) {
	relType := types.RelationType(strings.ToUpper(strings.TrimSpace(r.Type)))
	switch relType {
	case types.RelSubset, types.RelThreshold, types.RelPartition, types.RelImplication:
	default:
		c.logger.Debug("dropped proposal with unknown type", "type", r.Type)
		return types.Relationship{}, false
	}
	if len(r.Tickers) < 2 {
		return types.Relationship{}, false
	}
	for _, t := range r.Tickers {
		if !known[t] {
			c.logger.Debug("dropped proposal referencing unknown ticker", "ticker", t)
			return types.Relationship{}, false
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return types.Relationship{}, false
	}
	return types.Relationship{
		Type:       relType,
		Tickers:    r.Tickers,
		CondProb:   r.CondProb,
		Confidence: r.Confidence,
		Reasoning:  r.Reasoning,
	}, true
}

// revalidateVerdict is the raw revalidation response shape.
type revalidateVerdict struct {
	StillValid bool    `json:"still_valid"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Revalidate implements catalog.Validator: it re-checks one stored
// relationship against the current market text.
func (c *Client) Revalidate(ctx context.Context, rel types.Relationship, markets map[string]types.Market) (bool, float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Relationship: type=%s tickers=%s\nOriginal reasoning: %s\n",
		rel.Type, strings.Join(rel.Tickers, ", "), rel.Reasoning)
	if rel.Type == types.RelImplication {
		fmt.Fprintf(&b, "Estimated conditional probability: %.2f\n", rel.CondProb)
	}
	b.WriteString("\nCurrent markets:\n")
	for _, t := range rel.Tickers {
		m := markets[t]
		fmt.Fprintf(&b, "- ticker: %s\n  title: %s\n  rules: %s\n", m.Ticker, m.Title, m.Rules)
	}

	text, err := c.complete(ctx, revalidateSystem, b.String())
	if err != nil {
		return false, 0, err
	}

	var v revalidateVerdict
	if err := json.Unmarshal([]byte(stripFences(text)), &v); err != nil {
		return false, 0, fmt.Errorf("parse revalidation output: %w", err)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return false, 0, fmt.Errorf("revalidation confidence %v out of range", v.Confidence)
	}
	return v.StillValid, v.Confidence, nil
}

// BatchByEvent groups markets into discovery batches: one batch per
// event with at least two markets, chunked at the configured batch size.
func (c *Client) BatchByEvent(events []types.Event, lookup func(ticker string) (types.Market, bool)) []DiscoveryBatch {
	var out []DiscoveryBatch
	for _, e := range events {
		var markets []types.Market
		for _, t := range e.Tickers {
			if m, ok := lookup(t); ok && m.Status == types.StatusOpen {
				markets = append(markets, m)
			}
		}
		if len(markets) < 2 {
			continue
		}
		size := c.batchSize
		if size <= 0 {
			size = len(markets)
		}
		for start := 0; start < len(markets); start += size {
			end := start + size
			if end > len(markets) {
				end = len(markets)
			}
			if end-start < 2 {
				break
			}
			out = append(out, DiscoveryBatch{Event: e, Markets: markets[start:end]})
		}
	}
	return out
}

// DiscoveryBatch is one Discover call's worth of markets.
type DiscoveryBatch struct {
	Event   types.Event
	Markets []types.Market
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
