// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — trade lifecycle
// records, signal rows, audit events, and venue payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TradeStatus enumerates the trade state machine.
//
//	SIGNAL_RECEIVED → OPENING → OPEN → CLOSING → CLOSED
//	                     │
//	                     └→ NOT_EXECUTED
//	any non-terminal state → ERROR
type TradeStatus string

const (
	StatusSignalReceived TradeStatus = "signal_received"
	StatusOpening        TradeStatus = "opening"
	StatusNotExecuted    TradeStatus = "not_executed"
	StatusOpen           TradeStatus = "open"
	StatusClosing        TradeStatus = "closing"
	StatusClosed         TradeStatus = "closed"
	StatusError          TradeStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusNotExecuted, StatusError:
		return true
	}
	return false
}

// ExitType identifies which of the disjoint exit paths closed a trade.
type ExitType string

const (
	ExitTP      ExitType = "tp"
	ExitSL      ExitType = "sl"
	ExitTimeout ExitType = "timeout"
	ExitManual  ExitType = "manual"
)

// EventType tags entries in the append-only audit log.
type EventType string

const (
	EventSignal       EventType = "signal"
	EventEntrySent    EventType = "entry_sent"
	EventEntryFill    EventType = "entry_fill"
	EventTPPlaced     EventType = "tp_placed"
	EventSLPlaced     EventType = "sl_placed"
	EventTPFill       EventType = "tp_fill"
	EventSLFill       EventType = "sl_fill"
	EventTimeout      EventType = "timeout"
	EventCancel       EventType = "cancel"
	EventError        EventType = "error"
	EventWSConnect    EventType = "ws_connect"
	EventWSDisconnect EventType = "ws_disconnect"
	EventStartup      EventType = "startup"
	EventShutdown     EventType = "shutdown"
)

// PriceMatch selects a venue-computed price for a BBO order. On a SELL,
// OPPONENT tracks the best bid and OPPONENT_5 the fifth bid level; on a
// BUY the ask side. BBO orders never cross the spread.
type PriceMatch string

const (
	MatchOpponent  PriceMatch = "OPPONENT"
	MatchOpponent5 PriceMatch = "OPPONENT_5"
	MatchQueue     PriceMatch = "QUEUE"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is one row of the shared selector CSV. The column names come from
// the signal generator and are an external contract; they are kept verbatim
// in the JSON form so signal_data round-trips unchanged.
type Signal struct {
	Timestamp   string  `json:"fecha_hora"` // YYYY/MM/DD HH:MM:SS, as written by the generator
	Pair        string  `json:"par"`
	Rank        int     `json:"top"`
	Close       float64 `json:"close"`
	Momentum1h  float64 `json:"mom_1h_pct"`
	Momentum    float64 `json:"mom_pct"`
	VolRatio    float64 `json:"vol_ratio"`
	TradesRatio float64 `json:"trades_ratio"`
	Quintile    int     `json:"quintil"`

	ParsedAt time.Time `json:"-"` // Timestamp parsed as UTC
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is the central entity: one short position lifecycle per accepted
// signal. Pair, SignalTS, and SignalData are immutable after creation.
// ExitType is set exactly once, together with the transition that resolves
// the position.
type Trade struct {
	TradeID    string `db:"trade_id"`
	Pair       string `db:"pair"`
	SignalTS   string `db:"signal_ts"`
	SignalData Signal `db:"-"` // persisted as JSON in the signal_data column

	CapitalPerTrade float64 `db:"capital_per_trade"`
	Leverage        int     `db:"leverage"`

	EntryOrderID  int64   `db:"entry_order_id"`
	EntryPrice    float64 `db:"entry_price"`
	EntryQuantity float64 `db:"entry_quantity"`
	EntryFillTS   string  `db:"entry_fill_ts"`

	TPOrderID      int64   `db:"tp_order_id"`
	SLOrderID      int64   `db:"sl_order_id"`
	TPTriggerPrice float64 `db:"tp_trigger_price"`
	SLTriggerPrice float64 `db:"sl_trigger_price"`

	ExitPrice  float64  `db:"exit_price"`
	ExitFillTS string   `db:"exit_fill_ts"`
	ExitType   ExitType `db:"exit_type"`
	PnLUSDT    float64  `db:"pnl_usdt"`
	PnLPct     float64  `db:"pnl_pct"`
	FeesUSDT   float64  `db:"fees_usdt"`

	Status       TradeStatus `db:"status"`
	ErrorMessage string      `db:"error_message"`
	CreatedAt    string      `db:"created_at"`
	UpdatedAt    string      `db:"updated_at"`
}

// NewTrade creates a Trade in SIGNAL_RECEIVED for the given signal.
func NewTrade(sig Signal, capital float64, leverage int) *Trade {
	now := NowISO()
	return &Trade{
		TradeID:         uuid.NewString(),
		Pair:            sig.Pair,
		SignalTS:        sig.Timestamp,
		SignalData:      sig,
		CapitalPerTrade: capital,
		Leverage:        leverage,
		Status:          StatusSignalReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Touch refreshes UpdatedAt. Called before every persist.
func (t *Trade) Touch() { t.UpdatedAt = NowISO() }

// Active reports whether the trade counts against the open-trade limits.
func (t *Trade) Active() bool { return !t.Status.Terminal() }

// NowISO returns the current UTC time in RFC 3339 with sub-second precision,
// the textual timestamp format used throughout the store.
func NowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// Event is one append-only audit record. EventID is assigned by the store.
// TradeID is empty for global events such as startup or WS reconnects.
type Event struct {
	EventID   int64          `json:"event_id"`
	TradeID   string         `json:"trade_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(etype EventType, tradeID string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	return Event{
		TradeID:   tradeID,
		EventType: etype,
		Details:   details,
		Timestamp: NowISO(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Venue payloads
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters holds the per-symbol trading constraints from exchangeInfo.
type SymbolFilters struct {
	PriceTick   float64 // PRICE_FILTER.tickSize
	QtyStep     float64 // LOT_SIZE.stepSize
	MinQty      float64 // LOT_SIZE.minQty
	MinNotional float64 // MIN_NOTIONAL.notional
}

// OrderResult is the subset of the venue's order placement and query
// responses the engine uses. Conditional (algo) orders report their ID as
// algoId; the client copies it into OrderID so callers see one ID space.
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	AlgoID        int64  `json:"algoId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          Side   `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	TriggerPrice  string `json:"triggerPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// PositionRisk is one entry of GET /fapi/v2/positionRisk. Amounts are
// strings on the wire to preserve precision.
type PositionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	MarkPrice   string `json:"markPrice"`
	UnrealizedP string `json:"unRealizedProfit"`
}

// OrderUpdate is the parsed ORDER_TRADE_UPDATE payload from the user-data
// stream. Comments give the venue's single-letter wire keys.
type OrderUpdate struct {
	OrderID       int64   // o.i
	ClientOrderID string  // o.c
	Symbol        string  // o.s
	Side          Side    // o.S
	Status        string  // o.X: NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	ExecType      string  // o.x: TRADE on executions
	LastPrice     float64 // o.L
	LastQty       float64 // o.l
	CumQty        float64 // o.z
	AvgPrice      float64 // o.ap
	Commission    float64 // o.n
	EventTime     int64   // E, milliseconds
}

// Filled reports whether this update is a terminal full fill.
func (u OrderUpdate) Filled() bool { return u.Status == "FILLED" }
