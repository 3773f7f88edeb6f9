// Package store persists the bot's durable state in a single SQLite
// database: market and event snapshots, the relationship catalog, the
// opportunity audit trail, orders, fills, and the per-day portfolio
// ledger the risk governor restores on startup.
//
// Opportunity state changes go through TransitionOpportunity, which
// enforces the lifecycle inside a transaction so a crash never leaves a
// record in an unreachable state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"kalshi-arb/pkg/types"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrBadTransition     = errors.New("store: illegal state transition")
	ErrAlreadyInTerminal = errors.New("store: opportunity already terminal")
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
	ticker            TEXT PRIMARY KEY,
	event_ticker      TEXT NOT NULL,
	title             TEXT NOT NULL,
	subtitle          TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	yes_bid           INTEGER NOT NULL,
	yes_ask           INTEGER NOT NULL,
	no_bid            INTEGER NOT NULL,
	no_ask            INTEGER NOT NULL,
	rules             TEXT NOT NULL DEFAULT '',
	rules_fingerprint TEXT NOT NULL DEFAULT '',
	close_time        TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker     TEXT NOT NULL,
	yes_bid    INTEGER NOT NULL,
	yes_ask    INTEGER NOT NULL,
	taken_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ticker_time ON price_snapshots(ticker, taken_at);

CREATE TABLE IF NOT EXISTS events (
	event_ticker TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	tickers      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS relationships (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	tickers           TEXT NOT NULL,
	cond_prob         REAL NOT NULL DEFAULT 0,
	confidence        REAL NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	fingerprints      TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	last_validated_at TIMESTAMP NOT NULL,
	invalidated       INTEGER NOT NULL DEFAULT 0,
	invalid_reason    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	relationship_id TEXT NOT NULL,
	relation_type   TEXT NOT NULL,
	signal          TEXT NOT NULL,
	legs            TEXT NOT NULL,
	raw_edge        INTEGER NOT NULL,
	fee_estimate    INTEGER NOT NULL,
	net_magnitude   REAL NOT NULL,
	score           REAL NOT NULL,
	desired_count   INTEGER NOT NULL,
	state           TEXT NOT NULL,
	state_reason    TEXT NOT NULL DEFAULT '',
	detected_at     TIMESTAMP NOT NULL,
	expires_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_state ON opportunities(state);

CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL UNIQUE,
	opportunity_id  TEXT NOT NULL DEFAULT '',
	ticker          TEXT NOT NULL,
	side            TEXT NOT NULL,
	action          TEXT NOT NULL,
	status          TEXT NOT NULL,
	count           INTEGER NOT NULL,
	filled_count    INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  INTEGER NOT NULL DEFAULT 0,
	orphaned        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id  TEXT NOT NULL,
	ticker    TEXT NOT NULL,
	side      TEXT NOT NULL,
	action    TEXT NOT NULL,
	count     INTEGER NOT NULL,
	price     INTEGER NOT NULL,
	fee_cents INTEGER NOT NULL DEFAULT 0,
	filled_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_ticker ON fills(ticker);

CREATE TABLE IF NOT EXISTS portfolio_days (
	day            TEXT PRIMARY KEY,
	realized_cents INTEGER NOT NULL DEFAULT 0,
	trades         INTEGER NOT NULL DEFAULT 0,
	kill_engaged   INTEGER NOT NULL DEFAULT 0
);
`

// Store wraps the SQLite handle. database/sql serializes access; WAL mode
// keeps readers off the writer's back.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is single-writer; more connections just queue on the
	// busy handler.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Market and event snapshots
// ————————————————————————————————————————————————————————————————————————

// UpsertMarkets replaces stored market rows with the latest ingested view.
func (s *Store) UpsertMarkets(ctx context.Context, markets []types.Market) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO markets (ticker, event_ticker, title, subtitle, category, status,
			yes_bid, yes_ask, no_bid, no_ask, rules, rules_fingerprint, close_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			event_ticker = excluded.event_ticker,
			title = excluded.title,
			subtitle = excluded.subtitle,
			category = excluded.category,
			status = excluded.status,
			yes_bid = excluded.yes_bid,
			yes_ask = excluded.yes_ask,
			no_bid = excluded.no_bid,
			no_ask = excluded.no_ask,
			rules = excluded.rules,
			rules_fingerprint = excluded.rules_fingerprint,
			close_time = excluded.close_time,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range markets {
		if _, err := stmt.ExecContext(ctx,
			m.Ticker, m.EventTicker, m.Title, m.Subtitle, m.Category, string(m.Status),
			m.Quote.YesBid, m.Quote.YesAsk, m.Quote.NoBid, m.Quote.NoAsk,
			m.Rules, m.RulesFingerprint, m.CloseTime, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert market %s: %w", m.Ticker, err)
		}
	}
	return tx.Commit()
}

// UpsertEvents replaces stored event groupings.
func (s *Store) UpsertEvents(ctx context.Context, events []types.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		tickers, err := json.Marshal(e.Tickers)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_ticker, title, category, tickers)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_ticker) DO UPDATE SET
				title = excluded.title,
				category = excluded.category,
				tickers = excluded.tickers`,
			e.EventTicker, e.Title, e.Category, string(tickers),
		); err != nil {
			return fmt.Errorf("upsert event %s: %w", e.EventTicker, err)
		}
	}
	return tx.Commit()
}

// AppendPriceSnapshots records one top-of-book row per market for
// offline analysis. Never read on the hot path.
func (s *Store) AppendPriceSnapshots(ctx context.Context, markets []types.Market) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_snapshots (ticker, yes_bid, yes_ask, taken_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range markets {
		if _, err := stmt.ExecContext(ctx, m.Ticker, m.Quote.YesBid, m.Quote.YesAsk, m.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneSnapshots deletes price snapshots older than cutoff and returns
// the number removed.
func (s *Store) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_snapshots WHERE taken_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ————————————————————————————————————————————————————————————————————————
// Relationships
// ————————————————————————————————————————————————————————————————————————

// SaveRelationship persists a catalog record, overwriting any prior row
// with the same ID. The catalog remains the source of truth in memory;
// this is the restart path.
func (s *Store) SaveRelationship(ctx context.Context, rel types.Relationship) error {
	tickers, err := json.Marshal(rel.Tickers)
	if err != nil {
		return err
	}
	fingerprints, err := json.Marshal(rel.Fingerprints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, type, tickers, cond_prob, confidence, reasoning,
			fingerprints, created_at, last_validated_at, invalidated, invalid_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cond_prob = excluded.cond_prob,
			confidence = excluded.confidence,
			reasoning = excluded.reasoning,
			fingerprints = excluded.fingerprints,
			last_validated_at = excluded.last_validated_at,
			invalidated = excluded.invalidated,
			invalid_reason = excluded.invalid_reason`,
		rel.ID, string(rel.Type), string(tickers), rel.CondProb, rel.Confidence, rel.Reasoning,
		string(fingerprints), rel.CreatedAt, rel.LastValidatedAt, boolInt(rel.Invalidated), rel.InvalidReason,
	)
	return err
}

// LoadRelationships returns every stored relationship, including
// invalidated ones so the audit trail survives restarts.
func (s *Store) LoadRelationships(ctx context.Context) ([]types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, tickers, cond_prob, confidence, reasoning,
			fingerprints, created_at, last_validated_at, invalidated, invalid_reason
		FROM relationships ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Relationship
	for rows.Next() {
		var rel types.Relationship
		var relType, tickers, fingerprints string
		var invalidated int
		if err := rows.Scan(&rel.ID, &relType, &tickers, &rel.CondProb, &rel.Confidence, &rel.Reasoning,
			&fingerprints, &rel.CreatedAt, &rel.LastValidatedAt, &invalidated, &rel.InvalidReason); err != nil {
			return nil, err
		}
		rel.Type = types.RelationType(relType)
		rel.Invalidated = invalidated != 0
		if err := json.Unmarshal([]byte(tickers), &rel.Tickers); err != nil {
			return nil, fmt.Errorf("relationship %s tickers: %w", rel.ID, err)
		}
		if err := json.Unmarshal([]byte(fingerprints), &rel.Fingerprints); err != nil {
			return nil, fmt.Errorf("relationship %s fingerprints: %w", rel.ID, err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// InsertOpportunity records a freshly detected opportunity.
func (s *Store) InsertOpportunity(ctx context.Context, opp types.Opportunity) error {
	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, relationship_id, relation_type, signal, legs,
			raw_edge, fee_estimate, net_magnitude, score, desired_count,
			state, detected_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.ID, opp.RelationshipID, string(opp.RelationType), string(opp.Signal), string(legs),
		opp.RawEdge, opp.FeeEstimate, opp.NetMagnitude, opp.Score, opp.DesiredCount,
		string(opp.State), opp.DetectedAt, opp.ExpiresAt, time.Now(),
	)
	return err
}

// TransitionOpportunity moves an opportunity to a new lifecycle state,
// enforcing legality against the stored current state inside one
// transaction. Reason is recorded for rejections and failures.
func (s *Store) TransitionOpportunity(ctx context.Context, id string, to types.OppState, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM opportunities WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	from := types.OppState(current)
	if from.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInTerminal, id, from)
	}
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE opportunities SET state = ?, state_reason = ?, updated_at = ? WHERE id = ?`,
		string(to), reason, time.Now(), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetOpportunityState reads the stored lifecycle state.
func (s *Store) GetOpportunityState(ctx context.Context, id string) (types.OppState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM opportunities WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return types.OppState(state), nil
}

// OpportunitySummary is a row in the recent-activity report.
type OpportunitySummary struct {
	ID           string         `json:"id"`
	Signal       types.Signal   `json:"signal"`
	RelationType string         `json:"relation_type"`
	State        types.OppState `json:"state"`
	StateReason  string         `json:"state_reason,omitempty"`
	RawEdge      int            `json:"raw_edge"`
	Score        float64        `json:"score"`
	DesiredCount int            `json:"desired_count"`
	DetectedAt   time.Time      `json:"detected_at"`
}

// RecentOpportunities returns the newest opportunities, most recent first.
func (s *Store) RecentOpportunities(ctx context.Context, limit int) ([]OpportunitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal, relation_type, state, state_reason, raw_edge, score, desired_count, detected_at
		FROM opportunities ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpportunitySummary
	for rows.Next() {
		var o OpportunitySummary
		var signal string
		if err := rows.Scan(&o.ID, &signal, &o.RelationType, &o.State, &o.StateReason,
			&o.RawEdge, &o.Score, &o.DesiredCount, &o.DetectedAt); err != nil {
			return nil, err
		}
		o.Signal = types.Signal(signal)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// RecordOrder upserts the exchange view of an order keyed by order ID.
func (s *Store) RecordOrder(ctx context.Context, opportunityID string, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, client_order_id, opportunity_id, ticker, side, action,
			status, count, filled_count, avg_fill_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status = excluded.status,
			filled_count = excluded.filled_count,
			avg_fill_price = excluded.avg_fill_price`,
		o.ID, o.ClientOrderID, opportunityID, o.Ticker, string(o.Side), string(o.Action),
		string(o.Status), o.Count, o.FilledCount, o.AvgFillPrice, o.CreatedAt,
	)
	return err
}

// MarkOrderOrphaned flags an order whose cancel could not be confirmed.
// Orphans are surfaced for manual review, never silently forgotten.
func (s *Store) MarkOrderOrphaned(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET orphaned = 1 WHERE order_id = ?`, orderID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return nil
}

// OrphanedOrders lists order IDs flagged as orphaned.
func (s *Store) OrphanedOrders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT order_id FROM orders WHERE orphaned = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordFill appends a fill and bumps the day's trade counter in one
// transaction.
func (s *Store) RecordFill(ctx context.Context, f types.Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fills (order_id, ticker, side, action, count, price, fee_cents, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Ticker, string(f.Side), string(f.Action), f.Count, f.Price, f.FeeCents, f.FilledAt,
	); err != nil {
		return err
	}

	day := f.FilledAt.UTC().Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_days (day, trades) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET trades = trades + 1`, day,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// FillsForTicker returns all fills for one market in fill order.
func (s *Store) FillsForTicker(ctx context.Context, ticker string) ([]types.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, ticker, side, action, count, price, fee_cents, filled_at
		FROM fills WHERE ticker = ? ORDER BY filled_at, id`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var side, action string
		if err := rows.Scan(&f.OrderID, &f.Ticker, &side, &action, &f.Count, &f.Price, &f.FeeCents, &f.FilledAt); err != nil {
			return nil, err
		}
		f.Side = types.Side(side)
		f.Action = types.Action(action)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio day ledger
// ————————————————————————————————————————————————————————————————————————

// DayState is the per-UTC-day portfolio ledger row.
type DayState struct {
	Day           string `json:"day"`
	RealizedCents int    `json:"realized_cents"`
	Trades        int    `json:"trades"`
	KillEngaged   bool   `json:"kill_engaged"`
}

// AddDailyRealized adds delta cents (negative for losses) to the day's
// realized P&L and returns the new total.
func (s *Store) AddDailyRealized(ctx context.Context, day string, delta int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_days (day, realized_cents) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET realized_cents = realized_cents + excluded.realized_cents`,
		day, delta,
	); err != nil {
		return 0, err
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT realized_cents FROM portfolio_days WHERE day = ?`, day).Scan(&total); err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

// SetKillEngaged records the kill-switch flag for the day so a restart
// inside a tripped day does not resume trading.
func (s *Store) SetKillEngaged(ctx context.Context, day string, engaged bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolio_days (day, kill_engaged) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET kill_engaged = excluded.kill_engaged`,
		day, boolInt(engaged),
	)
	return err
}

// GetDayState reads the day ledger, returning a zero row when absent.
func (s *Store) GetDayState(ctx context.Context, day string) (DayState, error) {
	st := DayState{Day: day}
	var killEngaged int
	err := s.db.QueryRowContext(ctx,
		`SELECT realized_cents, trades, kill_engaged FROM portfolio_days WHERE day = ?`, day,
	).Scan(&st.RealizedCents, &st.Trades, &killEngaged)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return DayState{}, err
	}
	st.KillEngaged = killEngaged != 0
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
