// Package engine is the central orchestrator of the trading agent.
//
// It owns the trade state machine:
//
//	SIGNAL_RECEIVED → OPENING → OPEN → CLOSING → CLOSED
//	                     │
//	                     └→ NOT_EXECUTED
//
//  1. HandleSignal admits a signal (global and per-pair limits), creates a
//     Trade, and runs the entry chase in its own goroutine.
//  2. A dispatcher consumes user-data fills and routes them to the owning
//     trade by order ID, falling back to client order ID.
//  3. An entry fill promotes the trade to OPEN and arms the venue-resident
//     TP and SL orders (TP first; an SL failure tears the TP down again).
//  4. TP fill, SL fill, timeout, and manual close are the four disjoint exit
//     paths. The first one to claim a trade wins; replayed fill events are
//     logged and ignored.
//  5. A scanner forces trades out after the configured holding time, and
//     every stream reconnect triggers a reconciliation pass.
//
// Lifecycle: New() → Reconcile() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shortbot/internal/config"
	"shortbot/internal/store"
	"shortbot/pkg/types"
)

// timeoutScanInterval is how often open trades are checked against the
// maximum holding time.
const timeoutScanInterval = time.Minute

// Venue is the order-management surface the engine needs from the REST
// client. *exchange.Client satisfies it; tests substitute a fake.
type Venue interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	Filters(ctx context.Context, symbol string) (types.SymbolFilters, error)
	GetBestBid(ctx context.Context, symbol string) (float64, error)
	GetBestAsk(ctx context.Context, symbol string) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	PlaceBBO(ctx context.Context, symbol string, side types.Side, qty float64, match types.PriceMatch, reduceOnly bool) (*types.OrderResult, error)
	PlaceLimitGTX(ctx context.Context, symbol string, side types.Side, qty, price float64) (*types.OrderResult, error)
	PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price float64, reduceOnly bool) (*types.OrderResult, error)
	PlaceMarket(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool) (*types.OrderResult, error)
	PlaceTakeProfit(ctx context.Context, symbol string, qty, triggerPrice float64, match types.PriceMatch) (*types.OrderResult, error)
	PlaceStopLoss(ctx context.Context, symbol string, qty, triggerPrice float64) (*types.OrderResult, error)

	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error)
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]types.OrderResult, error)
	GetPosition(ctx context.Context, symbol string) (*types.PositionRisk, error)
	GetAllPositions(ctx context.Context) ([]types.PositionRisk, error)
}

// Stream is the user-data stream surface the engine consumes.
// *exchange.UserStream satisfies it.
type Stream interface {
	Updates() <-chan types.OrderUpdate
	Reconnects() <-chan struct{}
	Connected() bool
}

// EventSink receives every audit event after it is persisted, for live
// observers such as the dashboard hub. May be nil.
type EventSink func(types.Event)

// orderRole tags which leg of a trade an order ID belongs to.
type orderRole int

const (
	roleEntry orderRole = iota
	roleTP
	roleSL
)

type orderRef struct {
	tradeID string
	role    orderRole
}

// managedTrade wraps an active trade with its lifecycle lock. The lock
// serializes every state transition for the trade, which is what makes exit
// resolution at-most-once: the first claimant moves the trade out of OPEN
// and everyone after that sees a resolved state.
type managedTrade struct {
	mu    sync.Mutex
	trade *types.Trade

	// Venue-reported commissions summed across fills. When no fill carried
	// a commission the PnL falls back to the flat per-side fee estimate.
	commissions  float64
	feesReported bool
}

// Engine orchestrates the trade lifecycle across all subsystems.
type Engine struct {
	cfg    *config.Config
	venue  Venue
	stream Stream
	store  *store.Store
	sink   EventSink
	logger *slog.Logger

	// trades holds every non-terminal trade; orders and clientOrders route
	// fill events to the owning trade. All three protected by mu.
	mu           sync.RWMutex
	trades       map[string]*managedTrade
	orders       map[int64]orderRef
	clientOrders map[string]orderRef

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. Call Reconcile before Start so trades persisted by
// a previous run are re-adopted before new fills are processed.
func New(cfg *config.Config, venue Venue, stream Stream, st *store.Store, sink EventSink, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:          cfg,
		venue:        venue,
		stream:       stream,
		store:        st,
		sink:         sink,
		logger:       logger.With("component", "engine"),
		trades:       make(map[string]*managedTrade),
		orders:       make(map[int64]orderRef),
		clientOrders: make(map[string]orderRef),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the fill dispatcher, the reconnect listener, and the
// timeout scanner.
func (e *Engine) Start() {
	e.startedAt = time.Now().UTC()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.timeoutLoop()
	}()

	e.logger.Info("engine started",
		"max_open_trades", e.cfg.Strategy.MaxOpenTrades,
		"tp_pct", e.cfg.Strategy.TPPct,
		"sl_pct", e.cfg.Strategy.SLPct,
		"timeout_hours", e.cfg.Strategy.TimeoutHours,
	)
}

// Stop cancels all in-flight work and waits for goroutines to drain.
// Trades in OPENING have their resting entry orders cancelled so no order
// is left chasing while nobody is watching; OPEN trades keep their
// venue-resident TP/SL and are re-adopted by reconciliation on restart.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped", "open_trades", e.OpenCount())
}

// ————————————————————————————————————————————————————————————————————————
// Admission
// ————————————————————————————————————————————————————————————————————————

// OpenCount returns the number of trades counting against max_open_trades.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, mt := range e.trades {
		if mt.trade.Active() {
			n++
		}
	}
	return n
}

func (e *Engine) openCountPair(pair string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, mt := range e.trades {
		if mt.trade.Pair == pair && mt.trade.Active() {
			n++
		}
	}
	return n
}

// HandleSignal admits one signal and starts the entry chase. Rejected
// signals are logged and dropped; the watcher has already claimed the CSV
// row either way.
func (e *Engine) HandleSignal(sig types.Signal) {
	if open := e.OpenCount(); open >= e.cfg.Strategy.MaxOpenTrades {
		e.logger.Info("signal dropped: max_open_trades reached",
			"pair", sig.Pair, "open", open, "max", e.cfg.Strategy.MaxOpenTrades)
		return
	}
	if n := e.openCountPair(sig.Pair); n >= e.cfg.Strategy.MaxTradesPerPair {
		e.logger.Info("signal dropped: max_trades_per_pair reached",
			"pair", sig.Pair, "open_for_pair", n)
		return
	}

	trade := types.NewTrade(sig, e.cfg.Strategy.CapitalPerTrade, e.cfg.Strategy.Leverage)
	mt := &managedTrade{trade: trade}

	e.mu.Lock()
	e.trades[trade.TradeID] = mt
	e.mu.Unlock()

	if err := e.store.SaveTrade(trade); err != nil {
		e.logger.Error("persist new trade", "trade_id", trade.TradeID, "error", err)
	}
	e.emit(types.EventSignal, trade.TradeID, map[string]any{
		"pair":       sig.Pair,
		"top":        sig.Rank,
		"close":      sig.Close,
		"mom_1h_pct": sig.Momentum1h,
	})
	e.logger.Info("trade created", "trade_id", shortID(trade.TradeID), "pair", sig.Pair)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.openTrade(mt)
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Fill dispatch
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.stream.Updates():
			e.route(upd)
		case <-e.stream.Reconnects():
			e.logger.Warn("user stream reconnected, reconciling active trades")
			e.emit(types.EventWSConnect, "", map[string]any{"reconnect": true})
			if err := e.Reconcile(e.ctx); err != nil {
				e.logger.Error("post-reconnect reconciliation failed", "error", err)
			}
		}
	}
}

// route matches one fill to the owning trade leg. Unknown events are
// logged and discarded; they must never take the dispatcher down.
func (e *Engine) route(upd types.OrderUpdate) {
	e.mu.RLock()
	ref, ok := e.orders[upd.OrderID]
	if !ok && upd.ClientOrderID != "" {
		ref, ok = e.clientOrders[upd.ClientOrderID]
	}
	e.mu.RUnlock()

	// Order IDs are only unique per symbol: an ID that collides with one of
	// ours on a different pair is not our fill.
	if ok && upd.Symbol != "" {
		if mt := e.getTrade(ref.tradeID); mt != nil {
			mt.mu.Lock()
			pair := mt.trade.Pair
			mt.mu.Unlock()
			if pair != upd.Symbol {
				ok = false
			}
		}
	}

	if !ok {
		e.logger.Warn("fill for unknown order",
			"order_id", upd.OrderID, "symbol", upd.Symbol, "status", upd.Status)
		return
	}

	switch ref.role {
	case roleEntry:
		e.handleEntryFill(ref.tradeID, upd)
	case roleTP:
		e.handleExitFill(ref.tradeID, upd, types.ExitTP)
	case roleSL:
		e.handleExitFill(ref.tradeID, upd, types.ExitSL)
	}
}

func (e *Engine) getTrade(tradeID string) *managedTrade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trades[tradeID]
}

func (e *Engine) registerOrder(orderID int64, clientID, tradeID string, role orderRole) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[orderID] = orderRef{tradeID: tradeID, role: role}
	if clientID != "" {
		e.clientOrders[clientID] = orderRef{tradeID: tradeID, role: role}
	}
}

func (e *Engine) unregisterOrder(orderID int64, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, orderID)
	if clientID != "" {
		delete(e.clientOrders, clientID)
	}
}

// forget drops a terminal trade from the registry along with its order
// routes.
func (e *Engine) forget(mt *managedTrade) {
	t := mt.trade
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trades, t.TradeID)
	for id, ref := range e.orders {
		if ref.tradeID == t.TradeID {
			delete(e.orders, id)
		}
	}
	for id, ref := range e.clientOrders {
		if ref.tradeID == t.TradeID {
			delete(e.clientOrders, id)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Timeout scanner
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) timeoutLoop() {
	ticker := time.NewTicker(timeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkTimeouts()
		}
	}
}

func (e *Engine) checkTimeouts() {
	maxHold := time.Duration(e.cfg.Strategy.TimeoutHours * float64(time.Hour))
	now := time.Now().UTC()

	e.mu.RLock()
	candidates := make([]*managedTrade, 0, len(e.trades))
	for _, mt := range e.trades {
		candidates = append(candidates, mt)
	}
	e.mu.RUnlock()

	for _, mt := range candidates {
		mt.mu.Lock()
		t := mt.trade
		eligible := t.Status == types.StatusOpen && t.EntryFillTS != ""
		var held time.Duration
		if eligible {
			fillAt, err := time.Parse(time.RFC3339Nano, t.EntryFillTS)
			if err != nil {
				eligible = false
			} else {
				held = now.Sub(fillAt)
				eligible = held >= maxHold
			}
		}
		mt.mu.Unlock()
		if !eligible {
			continue
		}

		if !e.claimExit(mt, types.ExitTimeout) {
			continue // another exit path won the race
		}
		e.logger.Info("trade timed out",
			"trade_id", shortID(t.TradeID), "pair", t.Pair, "held", held.String())
		e.emit(types.EventTimeout, t.TradeID, map[string]any{
			"open_since": t.EntryFillTS,
			"hours":      held.Hours(),
		})
		e.wg.Add(1)
		go func(mt *managedTrade) {
			defer e.wg.Done()
			e.executeClose(mt)
		}(mt)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Status snapshot
// ————————————————————————————————————————————————————————————————————————

// Snapshot is the live status served by the dashboard.
type Snapshot struct {
	DryRun       bool
	WSConnected  bool
	UptimeSec    float64
	OpenCount    int
	ActiveTrades []types.Trade
	ClosedCount  int
	WinCount     int
	ErrorCount   int
	TotalPnLUSDT float64
	TotalFees    float64
}

// Status assembles the live snapshot: in-memory active trades plus closed
// totals from the store.
func (e *Engine) Status() Snapshot {
	snap := Snapshot{
		DryRun:      e.cfg.DryRun,
		WSConnected: e.stream.Connected(),
	}
	if !e.startedAt.IsZero() {
		snap.UptimeSec = time.Since(e.startedAt).Seconds()
	}

	e.mu.RLock()
	for _, mt := range e.trades {
		mt.mu.Lock()
		t := *mt.trade
		mt.mu.Unlock()
		if t.Active() {
			snap.OpenCount++
		}
		snap.ActiveTrades = append(snap.ActiveTrades, t)
	}
	e.mu.RUnlock()

	if sum, err := e.store.ClosedPnLTotal(); err == nil {
		snap.ClosedCount = sum.ClosedCount
		snap.WinCount = sum.WinCount
		snap.ErrorCount = sum.ErrorCount
		snap.TotalPnLUSDT = sum.TotalPnL
		snap.TotalFees = sum.TotalFees
	} else {
		e.logger.Error("closed pnl summary", "error", err)
	}
	return snap
}

// ————————————————————————————————————————————————————————————————————————
// Persistence and events
// ————————————————————————————————————————————————————————————————————————

// save persists the trade. Callers hold mt.mu.
func (e *Engine) save(t *types.Trade) {
	t.Touch()
	if err := e.store.SaveTrade(t); err != nil {
		e.logger.Error("persist trade", "trade_id", shortID(t.TradeID), "error", err)
	}
}

// emit appends an audit event and forwards it to the live sink.
func (e *Engine) emit(etype types.EventType, tradeID string, details map[string]any) {
	ev := types.NewEvent(etype, tradeID, details)
	if err := e.store.AppendEvent(&ev); err != nil {
		e.logger.Error("persist event", "event_type", etype, "error", err)
	}
	if e.sink != nil {
		e.sink(ev)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
