// Package store provides crash-safe trade persistence on SQLite.
//
// Two tables hold all durable state: trades (one row per trade lifecycle,
// keyed by trade_id) and events (append-only audit log). The database runs
// in WAL mode with a busy timeout so the engine's per-trade goroutines and
// the dashboard reads never collide destructively. Every state transition
// is persisted before the next venue call, which is what makes startup
// reconciliation possible after a crash.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"shortbot/pkg/types"
)

// ErrNotFound is returned when a trade ID has no row.
var ErrNotFound = errors.New("trade not found")

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id          TEXT PRIMARY KEY,
	pair              TEXT NOT NULL,
	signal_ts         TEXT NOT NULL,
	signal_data       TEXT NOT NULL DEFAULT '{}',
	capital_per_trade REAL NOT NULL DEFAULT 0,
	leverage          INTEGER NOT NULL DEFAULT 1,
	entry_order_id    INTEGER NOT NULL DEFAULT 0,
	entry_price       REAL NOT NULL DEFAULT 0,
	entry_quantity    REAL NOT NULL DEFAULT 0,
	entry_fill_ts     TEXT NOT NULL DEFAULT '',
	tp_order_id       INTEGER NOT NULL DEFAULT 0,
	sl_order_id       INTEGER NOT NULL DEFAULT 0,
	tp_trigger_price  REAL NOT NULL DEFAULT 0,
	sl_trigger_price  REAL NOT NULL DEFAULT 0,
	exit_price        REAL NOT NULL DEFAULT 0,
	exit_fill_ts      TEXT NOT NULL DEFAULT '',
	exit_type         TEXT NOT NULL DEFAULT '',
	pnl_usdt          REAL NOT NULL DEFAULT 0,
	pnl_pct           REAL NOT NULL DEFAULT 0,
	fees_usdt         REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_pair   ON trades(pair);

CREATE TABLE IF NOT EXISTS events (
	event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_trade ON events(trade_id);
`

// tradeRow is the flat row shape; signal_data travels as JSON text.
type tradeRow struct {
	TradeID         string  `db:"trade_id"`
	Pair            string  `db:"pair"`
	SignalTS        string  `db:"signal_ts"`
	SignalData      string  `db:"signal_data"`
	CapitalPerTrade float64 `db:"capital_per_trade"`
	Leverage        int     `db:"leverage"`
	EntryOrderID    int64   `db:"entry_order_id"`
	EntryPrice      float64 `db:"entry_price"`
	EntryQuantity   float64 `db:"entry_quantity"`
	EntryFillTS     string  `db:"entry_fill_ts"`
	TPOrderID       int64   `db:"tp_order_id"`
	SLOrderID       int64   `db:"sl_order_id"`
	TPTriggerPrice  float64 `db:"tp_trigger_price"`
	SLTriggerPrice  float64 `db:"sl_trigger_price"`
	ExitPrice       float64 `db:"exit_price"`
	ExitFillTS      string  `db:"exit_fill_ts"`
	ExitType        string  `db:"exit_type"`
	PnLUSDT         float64 `db:"pnl_usdt"`
	PnLPct          float64 `db:"pnl_pct"`
	FeesUSDT        float64 `db:"fees_usdt"`
	Status          string  `db:"status"`
	ErrorMessage    string  `db:"error_message"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func toRow(t *types.Trade) (*tradeRow, error) {
	sig, err := json.Marshal(t.SignalData)
	if err != nil {
		return nil, fmt.Errorf("marshal signal data: %w", err)
	}
	return &tradeRow{
		TradeID: t.TradeID, Pair: t.Pair, SignalTS: t.SignalTS, SignalData: string(sig),
		CapitalPerTrade: t.CapitalPerTrade, Leverage: t.Leverage,
		EntryOrderID: t.EntryOrderID, EntryPrice: t.EntryPrice,
		EntryQuantity: t.EntryQuantity, EntryFillTS: t.EntryFillTS,
		TPOrderID: t.TPOrderID, SLOrderID: t.SLOrderID,
		TPTriggerPrice: t.TPTriggerPrice, SLTriggerPrice: t.SLTriggerPrice,
		ExitPrice: t.ExitPrice, ExitFillTS: t.ExitFillTS, ExitType: string(t.ExitType),
		PnLUSDT: t.PnLUSDT, PnLPct: t.PnLPct, FeesUSDT: t.FeesUSDT,
		Status: string(t.Status), ErrorMessage: t.ErrorMessage,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}, nil
}

func (r *tradeRow) toTrade() (*types.Trade, error) {
	t := &types.Trade{
		TradeID: r.TradeID, Pair: r.Pair, SignalTS: r.SignalTS,
		CapitalPerTrade: r.CapitalPerTrade, Leverage: r.Leverage,
		EntryOrderID: r.EntryOrderID, EntryPrice: r.EntryPrice,
		EntryQuantity: r.EntryQuantity, EntryFillTS: r.EntryFillTS,
		TPOrderID: r.TPOrderID, SLOrderID: r.SLOrderID,
		TPTriggerPrice: r.TPTriggerPrice, SLTriggerPrice: r.SLTriggerPrice,
		ExitPrice: r.ExitPrice, ExitFillTS: r.ExitFillTS, ExitType: types.ExitType(r.ExitType),
		PnLUSDT: r.PnLUSDT, PnLPct: r.PnLPct, FeesUSDT: r.FeesUSDT,
		Status: types.TradeStatus(r.Status), ErrorMessage: r.ErrorMessage,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.SignalData != "" {
		if err := json.Unmarshal([]byte(r.SignalData), &t.SignalData); err != nil {
			return nil, fmt.Errorf("unmarshal signal data for %s: %w", r.TradeID, err)
		}
	}
	return t, nil
}

// Store persists trades and events to a SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Parent directories are created automatically.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

const upsertTrade = `
INSERT INTO trades (
	trade_id, pair, signal_ts, signal_data, capital_per_trade, leverage,
	entry_order_id, entry_price, entry_quantity, entry_fill_ts,
	tp_order_id, sl_order_id, tp_trigger_price, sl_trigger_price,
	exit_price, exit_fill_ts, exit_type, pnl_usdt, pnl_pct, fees_usdt,
	status, error_message, created_at, updated_at
) VALUES (
	:trade_id, :pair, :signal_ts, :signal_data, :capital_per_trade, :leverage,
	:entry_order_id, :entry_price, :entry_quantity, :entry_fill_ts,
	:tp_order_id, :sl_order_id, :tp_trigger_price, :sl_trigger_price,
	:exit_price, :exit_fill_ts, :exit_type, :pnl_usdt, :pnl_pct, :fees_usdt,
	:status, :error_message, :created_at, :updated_at
)
ON CONFLICT(trade_id) DO UPDATE SET
	entry_order_id = excluded.entry_order_id,
	entry_price = excluded.entry_price,
	entry_quantity = excluded.entry_quantity,
	entry_fill_ts = excluded.entry_fill_ts,
	tp_order_id = excluded.tp_order_id,
	sl_order_id = excluded.sl_order_id,
	tp_trigger_price = excluded.tp_trigger_price,
	sl_trigger_price = excluded.sl_trigger_price,
	exit_price = excluded.exit_price,
	exit_fill_ts = excluded.exit_fill_ts,
	exit_type = excluded.exit_type,
	pnl_usdt = excluded.pnl_usdt,
	pnl_pct = excluded.pnl_pct,
	fees_usdt = excluded.fees_usdt,
	status = excluded.status,
	error_message = excluded.error_message,
	updated_at = excluded.updated_at
`

// SaveTrade inserts or updates a trade row. Identity columns (pair,
// signal_ts, signal_data, created_at) never change after insert.
func (s *Store) SaveTrade(t *types.Trade) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExec(upsertTrade, row); err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	return nil
}

// GetTrade loads one trade by ID. Returns ErrNotFound when absent.
func (s *Store) GetTrade(tradeID string) (*types.Trade, error) {
	var row tradeRow
	err := s.db.Get(&row, `SELECT * FROM trades WHERE trade_id = ?`, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", tradeID, err)
	}
	return row.toTrade()
}

// ActiveTrades returns every trade in a non-terminal state, oldest first.
// Called at startup to rebuild the in-memory registry.
func (s *Store) ActiveTrades() ([]*types.Trade, error) {
	var rows []tradeRow
	err := s.db.Select(&rows, `
		SELECT * FROM trades
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at`,
		string(types.StatusClosed), string(types.StatusNotExecuted), string(types.StatusError))
	if err != nil {
		return nil, fmt.Errorf("load active trades: %w", err)
	}
	return toTrades(rows)
}

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(limit int) ([]*types.Trade, error) {
	var rows []tradeRow
	err := s.db.Select(&rows, `SELECT * FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent trades: %w", err)
	}
	return toTrades(rows)
}

func toTrades(rows []tradeRow) ([]*types.Trade, error) {
	trades := make([]*types.Trade, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTrade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// AppendEvent writes an audit record and fills in its assigned EventID.
func (s *Store) AppendEvent(ev *types.Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	res, err := s.db.Exec(`
		INSERT INTO events (trade_id, event_type, details, timestamp)
		VALUES (?, ?, ?, ?)`,
		ev.TradeID, string(ev.EventType), string(details), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	ev.EventID, _ = res.LastInsertId()
	return nil
}

type eventRow struct {
	EventID   int64  `db:"event_id"`
	TradeID   string `db:"trade_id"`
	EventType string `db:"event_type"`
	Details   string `db:"details"`
	Timestamp string `db:"timestamp"`
}

func (r *eventRow) toEvent() types.Event {
	ev := types.Event{
		EventID:   r.EventID,
		TradeID:   r.TradeID,
		EventType: types.EventType(r.EventType),
		Timestamp: r.Timestamp,
		Details:   map[string]any{},
	}
	// Details are display-only; a corrupt blob should not fail a read.
	_ = json.Unmarshal([]byte(r.Details), &ev.Details)
	return ev
}

// TradeEvents returns the audit trail for one trade, oldest first.
func (s *Store) TradeEvents(tradeID string) ([]types.Event, error) {
	var rows []eventRow
	err := s.db.Select(&rows, `
		SELECT * FROM events WHERE trade_id = ? ORDER BY event_id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load trade events: %w", err)
	}
	return toEvents(rows), nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]types.Event, error) {
	var rows []eventRow
	err := s.db.Select(&rows, `SELECT * FROM events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	return toEvents(rows), nil
}

func toEvents(rows []eventRow) []types.Event {
	events := make([]types.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toEvent())
	}
	return events
}

// PnLSummary aggregates the terminal-trade ledger for the status endpoint.
type PnLSummary struct {
	ClosedCount int     `db:"closed_count"`
	WinCount    int     `db:"win_count"`
	ErrorCount  int     `db:"error_count"`
	TotalPnL    float64 `db:"total_pnl"`
	TotalFees   float64 `db:"total_fees"`
}

// ClosedPnLTotal sums realized PnL and fees over CLOSED trades and counts
// trades stranded in ERROR.
func (s *Store) ClosedPnLTotal() (PnLSummary, error) {
	var sum PnLSummary
	err := s.db.Get(&sum, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS closed_count,
			COALESCE(SUM(CASE WHEN status = ? AND pnl_usdt > 0 THEN 1 ELSE 0 END), 0) AS win_count,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS error_count,
			COALESCE(SUM(CASE WHEN status = ? THEN pnl_usdt ELSE 0 END), 0) AS total_pnl,
			COALESCE(SUM(CASE WHEN status = ? THEN fees_usdt ELSE 0 END), 0) AS total_fees
		FROM trades`,
		string(types.StatusClosed), string(types.StatusClosed), string(types.StatusError),
		string(types.StatusClosed), string(types.StatusClosed))
	if err != nil {
		return PnLSummary{}, fmt.Errorf("pnl summary: %w", err)
	}
	return sum, nil
}
