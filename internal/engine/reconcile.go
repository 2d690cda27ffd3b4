package engine

import (
	"context"
	"fmt"

	"shortbot/pkg/types"
)

// Reconcile aligns persisted trade state with the venue. It runs once at
// startup, before the signal watcher is live, and again after every user
// stream reconnect, when fills may have been missed:
//
//	OPEN    — verify the position exists; re-register or re-place TP/SL.
//	          A position gone from the venue is resolved from order
//	          history: an exit that filled while blind closes the trade
//	          with its real exit type and price.
//	OPENING — query the entry order: filled while we were away promotes the
//	          trade to OPEN and arms the exits, anything else cancels the
//	          order and discards the trade. Trades whose chase goroutine is
//	          still running only take the promote branch.
//	CLOSING — position gone means the close completed: finish it. Position
//	          still there means the close never happened: restore OPEN and
//	          reconcile the exits.
//
// Venue positions with no matching trade are reported for the operator;
// the agent never touches a position it did not open.
func (e *Engine) Reconcile(ctx context.Context) error {
	trades, err := e.store.ActiveTrades()
	if err != nil {
		return fmt.Errorf("load active trades: %w", err)
	}
	if len(trades) == 0 {
		e.logger.Info("reconciliation: no active trades in store")
		return nil
	}
	e.logger.Info("reconciling trades", "count", len(trades))

	venuePairs := make(map[string]bool)
	if positions, err := e.venue.GetAllPositions(ctx); err != nil {
		e.logger.Error("reconciliation: positions unavailable", "error", err)
	} else {
		for _, p := range positions {
			venuePairs[p.Symbol] = true
		}
		e.logger.Info("reconciliation: venue positions", "count", len(positions))
	}

	dbOpenPairs := make(map[string]bool)
	for _, t := range trades {
		mt, inMemory := e.adopt(t)

		switch {
		case e.statusIs(mt, types.StatusOpen):
			e.reconcileOpen(ctx, mt, venuePairs)
		case e.statusIs(mt, types.StatusOpening) || e.statusIs(mt, types.StatusSignalReceived):
			e.reconcileOpening(ctx, mt, inMemory)
		case e.statusIs(mt, types.StatusClosing):
			e.reconcileClosing(ctx, mt, venuePairs)
		}

		if e.statusIs(mt, types.StatusOpen) {
			dbOpenPairs[mt.trade.Pair] = true
		}
		e.logger.Info("reconciled trade",
			"trade_id", shortID(mt.trade.TradeID), "pair", mt.trade.Pair, "status", mt.trade.Status)
	}

	for pair := range venuePairs {
		if !dbOpenPairs[pair] {
			e.logger.Warn("venue position with no matching trade, inspect manually", "pair", pair)
		}
	}
	return nil
}

// adopt returns the in-memory trade when one exists (post-reconnect), or
// registers the persisted row. In-memory state is fresher than the store.
func (e *Engine) adopt(t *types.Trade) (*managedTrade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mt, ok := e.trades[t.TradeID]; ok {
		return mt, true
	}
	mt := &managedTrade{trade: t}
	e.trades[t.TradeID] = mt
	return mt, false
}

// reconcileOpen verifies the position and makes sure both exits rest at
// the venue, re-placing whichever is missing.
func (e *Engine) reconcileOpen(ctx context.Context, mt *managedTrade, venuePairs map[string]bool) {
	t := mt.trade
	if !venuePairs[t.Pair] && !e.positionAlive(ctx, t.Pair) {
		e.resolveVanishedPosition(ctx, mt)
		return
	}

	resting := e.openOrderIDs(ctx, t.Pair)

	mt.mu.Lock()
	tpID, slID := t.TPOrderID, t.SLOrderID
	mt.mu.Unlock()

	if tpID != 0 && resting[tpID] {
		e.registerOrder(tpID, "", t.TradeID, roleTP)
		e.logger.Info("take-profit re-registered", "trade_id", shortID(t.TradeID), "order_id", tpID)
	} else {
		e.logger.Warn("take-profit missing, re-placing", "trade_id", shortID(t.TradeID), "order_id", tpID)
		if err := e.placeTP(ctx, mt); err != nil {
			e.logger.Error("re-place take-profit", "trade_id", shortID(t.TradeID), "error", err)
			e.emit(types.EventError, t.TradeID, map[string]any{"msg": fmt.Sprintf("tp re-place: %v", err)})
		}
	}

	if !e.statusIs(mt, types.StatusOpen) {
		return // resolved while re-placing
	}

	if slID != 0 && resting[slID] {
		e.registerOrder(slID, "", t.TradeID, roleSL)
		e.logger.Info("stop-loss re-registered", "trade_id", shortID(t.TradeID), "order_id", slID)
	} else {
		e.logger.Warn("stop-loss missing, re-placing", "trade_id", shortID(t.TradeID), "order_id", slID)
		if err := e.placeSL(ctx, mt); err != nil {
			e.logger.Error("re-place stop-loss", "trade_id", shortID(t.TradeID), "error", err)
			e.emit(types.EventError, t.TradeID, map[string]any{"msg": fmt.Sprintf("sl re-place: %v", err)})
		}
	}
}

// positionAlive re-checks one symbol when the bulk position snapshot says
// it is flat; the snapshot may predate a fill seen moments later.
func (e *Engine) positionAlive(ctx context.Context, pair string) bool {
	pos, err := e.venue.GetPosition(ctx, pair)
	if err != nil {
		e.logger.Warn("reconciliation: position check", "pair", pair, "error", err)
		return false
	}
	return pos != nil && parseFloat(pos.PositionAmt) != 0
}

// resolveVanishedPosition finishes an OPEN trade whose position is gone
// from the venue. The persisted exit orders are queried first: a TP or SL
// that filled while the agent was away resolves the trade with its real
// exit type and fill price, and the surviving leg is cancelled. When
// neither shows a fill the close is recorded as manual at the current
// mark price.
func (e *Engine) resolveVanishedPosition(ctx context.Context, mt *managedTrade) {
	t := mt.trade
	e.logger.Warn("open trade has no venue position, resolving from order history",
		"trade_id", shortID(t.TradeID), "pair", t.Pair)

	mt.mu.Lock()
	pair, tpID, slID := t.Pair, t.TPOrderID, t.SLOrderID
	mt.mu.Unlock()

	et := types.ExitManual
	var exitOrderID int64
	price := 0.0
	if od := e.filledOrder(ctx, pair, tpID); od != nil {
		et, exitOrderID, price = types.ExitTP, tpID, firstPrice(od.AvgPrice, od.Price)
	} else if od := e.filledOrder(ctx, pair, slID); od != nil {
		et, exitOrderID, price = types.ExitSL, slID, firstPrice(od.AvgPrice, od.Price)
	}

	if et == types.ExitManual {
		if mark, err := e.venue.GetMarkPrice(ctx, pair); err != nil {
			e.logger.Warn("reconciliation: mark price unavailable, pnl will be off",
				"pair", pair, "error", err)
		} else {
			price = mark
		}
	}

	mt.mu.Lock()
	t.Status = types.StatusClosing
	t.ExitType = et
	t.ExitPrice = price
	t.ExitFillTS = types.NowISO()
	e.save(t)
	mt.mu.Unlock()

	switch et {
	case types.ExitTP:
		e.emit(types.EventTPFill, t.TradeID, map[string]any{
			"order_id": exitOrderID, "price": price, "reconciled": true,
		})
		e.cancelLeg(ctx, mt, roleSL)
	case types.ExitSL:
		e.emit(types.EventSLFill, t.TradeID, map[string]any{
			"order_id": exitOrderID, "price": price, "reconciled": true,
		})
		e.cancelLeg(ctx, mt, roleTP)
	default:
		e.emit(types.EventError, t.TradeID, map[string]any{"msg": "position closed externally"})
		e.cancelLeg(ctx, mt, roleTP)
		e.cancelLeg(ctx, mt, roleSL)
	}
	e.finalizeClose(mt)
}

// filledOrder queries one persisted order and returns it when it filled.
// Lookup failures count as not filled.
func (e *Engine) filledOrder(ctx context.Context, pair string, orderID int64) *types.OrderResult {
	if orderID == 0 {
		return nil
	}
	od, err := e.venue.GetOrder(ctx, pair, orderID)
	if err != nil {
		e.logger.Warn("reconciliation: order history unavailable",
			"pair", pair, "order_id", orderID, "error", err)
		return nil
	}
	if od.Status != "FILLED" {
		return nil
	}
	return od
}

// openOrderIDs collects the IDs of all resting orders, plain and
// conditional, for a symbol.
func (e *Engine) openOrderIDs(ctx context.Context, pair string) map[int64]bool {
	ids := make(map[int64]bool)
	if orders, err := e.venue.GetOpenOrders(ctx, pair); err != nil {
		e.logger.Error("reconciliation: open orders", "pair", pair, "error", err)
	} else {
		for _, o := range orders {
			ids[o.OrderID] = true
		}
	}
	if orders, err := e.venue.GetOpenAlgoOrders(ctx, pair); err != nil {
		e.logger.Debug("reconciliation: open algo orders", "pair", pair, "error", err)
	} else {
		for _, o := range orders {
			ids[o.OrderID] = true
		}
	}
	return ids
}

// reconcileOpening resolves a trade that was mid-chase when the process
// stopped. inMemory trades still have a live chase goroutine, so only the
// promote branch may act on them.
func (e *Engine) reconcileOpening(ctx context.Context, mt *managedTrade, inMemory bool) {
	t := mt.trade

	mt.mu.Lock()
	entryID := t.EntryOrderID
	mt.mu.Unlock()

	if entryID == 0 {
		if !inMemory {
			e.markNotExecuted(mt, "restarted before the entry order was placed")
		}
		return
	}

	order, err := e.venue.GetOrder(ctx, t.Pair, entryID)
	if err != nil {
		e.logger.Error("reconciliation: entry order unavailable",
			"trade_id", shortID(t.TradeID), "order_id", entryID, "error", err)
		if !inMemory {
			e.markNotExecuted(mt, fmt.Sprintf("entry order %d unavailable after restart", entryID))
		}
		return
	}

	if order.Status == "FILLED" {
		price := firstPrice(order.AvgPrice, order.Price)
		e.logger.Info("entry filled while disconnected, promoting",
			"trade_id", shortID(t.TradeID), "pair", t.Pair, "price", price)
		if e.applyEntryFillUpdate(mt, types.OrderUpdate{OrderID: entryID, AvgPrice: price}, price) {
			e.placeExits(mt)
		}
		return
	}

	if inMemory {
		return // the chase goroutine keeps driving this trade
	}

	if order.Status == "NEW" || order.Status == "PARTIALLY_FILLED" {
		if err := e.venue.CancelOrder(ctx, t.Pair, entryID); err != nil {
			e.logger.Warn("reconciliation: cancel stale entry", "order_id", entryID, "error", err)
		}
	}
	e.markNotExecuted(mt, fmt.Sprintf("entry order status %s after restart", order.Status))
}

// reconcileClosing finishes or rolls back an interrupted close.
func (e *Engine) reconcileClosing(ctx context.Context, mt *managedTrade, venuePairs map[string]bool) {
	t := mt.trade
	if !venuePairs[t.Pair] {
		e.logger.Info("interrupted close already completed at venue",
			"trade_id", shortID(t.TradeID), "pair", t.Pair)
		mt.mu.Lock()
		if t.ExitFillTS == "" {
			t.ExitFillTS = types.NowISO()
		}
		if t.ExitType == "" {
			t.ExitType = types.ExitManual
		}
		needPrice := t.ExitPrice == 0
		e.save(t)
		mt.mu.Unlock()
		if needPrice {
			// The close completed while we were away and the fill price was
			// never recorded; the mark price is the best reconstruction.
			if mark, err := e.venue.GetMarkPrice(ctx, t.Pair); err != nil {
				e.logger.Warn("reconciliation: mark price unavailable, pnl will be off",
					"pair", t.Pair, "error", err)
			} else {
				mt.mu.Lock()
				t.ExitPrice = mark
				e.save(t)
				mt.mu.Unlock()
			}
		}
		e.finalizeClose(mt)
		return
	}

	e.logger.Warn("interrupted close never completed, restoring to open",
		"trade_id", shortID(t.TradeID), "pair", t.Pair)
	mt.mu.Lock()
	t.Status = types.StatusOpen
	t.ExitType = ""
	t.ExitPrice = 0
	t.ExitFillTS = ""
	e.save(t)
	mt.mu.Unlock()
	e.reconcileOpen(ctx, mt, venuePairs)
}
