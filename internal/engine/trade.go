package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"shortbot/internal/exchange"
	"shortbot/pkg/types"
)

// fillPollInterval is how often the chase loop re-checks for an entry fill
// while an attempt is resting.
const fillPollInterval = 200 * time.Millisecond

// closePollInterval paces the REST polling of a passive close order.
const closePollInterval = 2 * time.Second

// marketFillWait bounds how long the market fallback waits for its fill
// event before the trade is given up on.
const marketFillWait = 10 * time.Second

var (
	// ErrTradeNotFound is returned by CloseManual for an unknown trade ID.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrNotOpen is returned by CloseManual when the trade cannot be
	// closed because it is not in OPEN.
	ErrNotOpen = errors.New("trade is not open")
)

// ————————————————————————————————————————————————————————————————————————
// Entry chase
// ————————————————————————————————————————————————————————————————————————

// openTrade runs the passive entry chase: place a maker order, wait
// chase_timeout for a fill, cancel, retry with a more aggressive price,
// up to max_chase_attempts, then optionally fall back to a market order.
func (e *Engine) openTrade(mt *managedTrade) {
	t := mt.trade
	mt.mu.Lock()
	t.Status = types.StatusOpening
	e.save(t)
	mt.mu.Unlock()

	pair := t.Pair
	filters, err := e.venue.Filters(e.ctx, pair)
	if err != nil {
		e.markNotExecuted(mt, fmt.Sprintf("symbol filters unavailable: %v", err))
		return
	}
	if err := e.venue.SetMarginType(e.ctx, pair, "ISOLATED"); err != nil {
		e.logger.Warn("set margin type", "pair", pair, "error", err)
	}
	if err := e.venue.SetLeverage(e.ctx, pair, t.Leverage); err != nil {
		// Usually means the leverage is already set; the entry itself will
		// fail if it is genuinely wrong.
		e.logger.Warn("set leverage", "pair", pair, "error", err)
	}

	cfg := e.cfg.Entry
	for attempt := 1; attempt <= cfg.MaxChaseAttempts; attempt++ {
		if e.ctx.Err() != nil {
			e.abortOpening(mt)
			return
		}

		bid, err := e.venue.GetBestBid(e.ctx, pair)
		if err != nil {
			e.logger.Error("entry attempt failed", "pair", pair, "attempt", attempt, "error", err)
			e.emit(types.EventError, t.TradeID, map[string]any{"attempt": attempt, "error": err.Error()})
			e.sleep(cfg.ChaseInterval)
			continue
		}
		qty, err := e.sizePosition(t, bid, filters)
		if err != nil {
			e.markNotExecuted(mt, err.Error())
			return
		}

		var res *types.OrderResult
		if cfg.OrderType == "BBO" {
			// First attempt rests deeper in the book; chases move to the
			// best bid for fill priority.
			match := types.MatchOpponent
			if attempt == 1 {
				match = types.MatchOpponent5
			}
			res, err = e.venue.PlaceBBO(e.ctx, pair, types.SELL, qty, match, false)
		} else {
			price := exchange.RoundToTick(bid, filters.PriceTick)
			res, err = e.venue.PlaceLimitGTX(e.ctx, pair, types.SELL, qty, price)
		}
		if err != nil {
			e.logger.Error("entry attempt failed", "pair", pair, "attempt", attempt, "error", err)
			e.emit(types.EventError, t.TradeID, map[string]any{"attempt": attempt, "error": err.Error()})
			if attempt < cfg.MaxChaseAttempts {
				e.sleep(cfg.ChaseInterval)
			}
			continue
		}

		mt.mu.Lock()
		t.EntryOrderID = res.OrderID
		t.EntryQuantity = qty
		e.save(t)
		mt.mu.Unlock()
		e.registerOrder(res.OrderID, res.ClientOrderID, t.TradeID, roleEntry)
		e.emit(types.EventEntrySent, t.TradeID, map[string]any{
			"order_id": res.OrderID,
			"qty":      qty,
			"attempt":  attempt,
			"type":     cfg.OrderType,
		})
		e.logger.Info("entry order placed",
			"trade_id", shortID(t.TradeID), "pair", pair,
			"order_id", res.OrderID, "qty", qty, "attempt", attempt)

		if res.Status == "FILLED" {
			e.applyEntryFill(mt, res.OrderID, firstPrice(res.AvgPrice, res.Price), bid)
			e.placeExits(mt)
			return
		}
		if e.waitFill(mt, cfg.ChaseTimeout) {
			return // the fill handler placed the exits
		}

		e.logger.Info("entry not filled, cancelling",
			"trade_id", shortID(t.TradeID), "order_id", res.OrderID, "attempt", attempt)
		if err := e.venue.CancelOrder(e.ctx, pair, res.OrderID); err != nil {
			e.logger.Warn("cancel entry order", "order_id", res.OrderID, "error", err)
		}
		// The fill may have raced the cancel; the stream wins that race.
		if e.statusIs(mt, types.StatusOpen) {
			return
		}
		e.unregisterOrder(res.OrderID, res.ClientOrderID)
		e.emit(types.EventCancel, t.TradeID, map[string]any{"order_id": res.OrderID, "attempt": attempt})

		if attempt < cfg.MaxChaseAttempts {
			e.sleep(cfg.ChaseInterval)
		}
	}

	if cfg.MarketFallback && e.ctx.Err() == nil {
		if e.marketEntry(mt, filters) {
			return
		}
	}

	e.markNotExecuted(mt, fmt.Sprintf("no fill after %d attempt(s)", cfg.MaxChaseAttempts))
}

// marketEntry is the taker fallback after the passive chase is exhausted.
// Returns true when the trade reached OPEN.
func (e *Engine) marketEntry(mt *managedTrade, filters types.SymbolFilters) bool {
	t := mt.trade
	pair := t.Pair

	bid, err := e.venue.GetBestBid(e.ctx, pair)
	if err != nil {
		e.logger.Error("market fallback failed", "pair", pair, "error", err)
		return false
	}
	qty, err := e.sizePosition(t, bid, filters)
	if err != nil {
		e.logger.Error("market fallback failed", "pair", pair, "error", err)
		return false
	}
	res, err := e.venue.PlaceMarket(e.ctx, pair, types.SELL, qty, false)
	if err != nil {
		e.logger.Error("market fallback failed", "pair", pair, "error", err)
		e.emit(types.EventError, t.TradeID, map[string]any{"error": err.Error(), "fallback": "market"})
		return false
	}

	mt.mu.Lock()
	t.EntryOrderID = res.OrderID
	t.EntryQuantity = qty
	e.save(t)
	mt.mu.Unlock()
	e.registerOrder(res.OrderID, res.ClientOrderID, t.TradeID, roleEntry)
	e.emit(types.EventEntrySent, t.TradeID, map[string]any{
		"order_id": res.OrderID, "qty": qty, "type": "MARKET",
	})
	e.logger.Info("market fallback entry placed",
		"trade_id", shortID(t.TradeID), "pair", pair, "order_id", res.OrderID, "qty", qty)

	if res.Status == "FILLED" {
		e.applyEntryFill(mt, res.OrderID, firstPrice(res.AvgPrice, res.Price), bid)
		e.placeExits(mt)
		return true
	}
	if e.waitFill(mt, marketFillWait) {
		return true
	}

	e.logger.Error("market fallback not filled", "trade_id", shortID(t.TradeID), "order_id", res.OrderID)
	e.unregisterOrder(res.OrderID, res.ClientOrderID)
	return false
}

// sizePosition converts capital × leverage at the reference price into a
// step-aligned quantity and checks it against the venue minimums.
func (e *Engine) sizePosition(t *types.Trade, refPrice float64, filters types.SymbolFilters) (float64, error) {
	if refPrice <= 0 {
		return 0, fmt.Errorf("no reference price for %s", t.Pair)
	}
	qty := exchange.FloorToStep(t.CapitalPerTrade*float64(t.Leverage)/refPrice, filters.QtyStep)
	if qty <= 0 || qty < filters.MinQty {
		return 0, fmt.Errorf("quantity %v below venue minimum %v for %s", qty, filters.MinQty, t.Pair)
	}
	if filters.MinNotional > 0 && qty*refPrice < filters.MinNotional {
		return 0, fmt.Errorf("notional %.4f below venue minimum %.4f for %s",
			qty*refPrice, filters.MinNotional, t.Pair)
	}
	return qty, nil
}

// waitFill polls the trade status until it leaves OPENING or the window
// closes. True means the entry filled.
func (e *Engine) waitFill(mt *managedTrade, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		switch {
		case e.statusIs(mt, types.StatusOpen):
			return true
		case e.statusIs(mt, types.StatusOpening):
			// still resting
		default:
			return false
		}
		select {
		case <-e.ctx.Done():
			return e.statusIs(mt, types.StatusOpen)
		case <-time.After(fillPollInterval):
		}
	}
	return e.statusIs(mt, types.StatusOpen)
}

func (e *Engine) statusIs(mt *managedTrade, s types.TradeStatus) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.trade.Status == s
}

// abortOpening is the shutdown path for a trade still chasing: cancel the
// resting order with a fresh context and discard the trade.
func (e *Engine) abortOpening(mt *managedTrade) {
	mt.mu.Lock()
	orderID, pair := mt.trade.EntryOrderID, mt.trade.Pair
	opening := mt.trade.Status == types.StatusOpening
	mt.mu.Unlock()

	if opening && orderID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.venue.CancelOrder(ctx, pair, orderID); err != nil {
			e.logger.Warn("cancel entry on shutdown", "order_id", orderID, "error", err)
		}
	}
	e.markNotExecuted(mt, "shutdown during entry chase")
}

func (e *Engine) markNotExecuted(mt *managedTrade, reason string) {
	t := mt.trade
	mt.mu.Lock()
	if t.Status != types.StatusSignalReceived && t.Status != types.StatusOpening {
		mt.mu.Unlock()
		return
	}
	t.Status = types.StatusNotExecuted
	e.save(t)
	mt.mu.Unlock()

	e.logger.Warn("trade not executed", "trade_id", shortID(t.TradeID), "pair", t.Pair, "reason", reason)
	e.emit(types.EventError, t.TradeID, map[string]any{"msg": "NOT_EXECUTED: " + reason})
	e.forget(mt)
}

// markError moves a trade to the terminal ERROR state. The position, if
// any, is left for the operator: this state means the agent no longer
// knows how to manage it safely.
func (e *Engine) markError(mt *managedTrade, msg string) {
	t := mt.trade
	mt.mu.Lock()
	t.Status = types.StatusError
	t.ErrorMessage = msg
	e.save(t)
	mt.mu.Unlock()

	e.logger.Error("trade errored", "trade_id", shortID(t.TradeID), "pair", t.Pair, "msg", msg)
	e.emit(types.EventError, t.TradeID, map[string]any{"msg": msg})
	e.forget(mt)
}

// ————————————————————————————————————————————————————————————————————————
// Entry fill
// ————————————————————————————————————————————————————————————————————————

// handleEntryFill is the stream path to OPEN. Exits are armed on a
// separate goroutine so the dispatcher is never blocked on REST calls.
func (e *Engine) handleEntryFill(tradeID string, upd types.OrderUpdate) {
	mt := e.getTrade(tradeID)
	if mt == nil {
		e.logger.Warn("entry fill for unknown trade", "trade_id", tradeID, "order_id", upd.OrderID)
		return
	}
	price := upd.AvgPrice
	if price == 0 {
		price = upd.LastPrice
	}
	if !e.applyEntryFillUpdate(mt, upd, price) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.placeExits(mt)
	}()
}

func (e *Engine) applyEntryFillUpdate(mt *managedTrade, upd types.OrderUpdate, price float64) bool {
	mt.mu.Lock()
	t := mt.trade
	if t.Status != types.StatusOpening {
		mt.mu.Unlock()
		e.logger.Debug("replayed entry fill ignored",
			"trade_id", shortID(t.TradeID), "order_id", upd.OrderID, "status", t.Status)
		e.emit(types.EventEntryFill, t.TradeID, map[string]any{
			"order_id": upd.OrderID, "price": price, "replay": true,
		})
		return false
	}
	t.EntryPrice = price
	t.EntryFillTS = types.NowISO()
	t.Status = types.StatusOpen
	if upd.Commission > 0 {
		mt.commissions += upd.Commission
		mt.feesReported = true
	}
	e.save(t)
	qty := t.EntryQuantity
	mt.mu.Unlock()

	e.emit(types.EventEntryFill, t.TradeID, map[string]any{
		"order_id": upd.OrderID, "price": price, "qty": qty,
	})
	e.logger.Info("trade open",
		"trade_id", shortID(t.TradeID), "pair", t.Pair, "entry_price", price, "qty", qty)
	return true
}

// applyEntryFill is the synchronous variant for fills already reported in
// the placement response (market orders, dry run). The stream replay of
// the same fill is a no-op.
func (e *Engine) applyEntryFill(mt *managedTrade, orderID int64, price, refPrice float64) {
	if price == 0 {
		price = refPrice
	}
	e.applyEntryFillUpdate(mt, types.OrderUpdate{OrderID: orderID, AvgPrice: price}, price)
}

// ————————————————————————————————————————————————————————————————————————
// Exit orders
// ————————————————————————————————————————————————————————————————————————

// placeExits arms the venue-resident exits: TP first, then SL. An SL that
// cannot be placed tears the TP down again so the trade never rests with a
// stop and no target, or vice versa.
func (e *Engine) placeExits(mt *managedTrade) {
	if !e.statusIs(mt, types.StatusOpen) {
		return
	}

	if err := e.placeTP(e.ctx, mt); err != nil {
		e.markError(mt, fmt.Sprintf("tp placement failed: %v", err))
		return
	}
	if err := e.placeSL(e.ctx, mt); err != nil {
		e.cancelLeg(e.ctx, mt, roleTP)
		e.markError(mt, fmt.Sprintf("sl placement failed: %v", err))
		return
	}
}

func (e *Engine) placeTP(ctx context.Context, mt *managedTrade) error {
	t := mt.trade
	mt.mu.Lock()
	pair, qty, entry := t.Pair, t.EntryQuantity, t.EntryPrice
	mt.mu.Unlock()

	// A filters failure does not stop the exit: the order goes out with the
	// unrounded trigger rather than leaving the position unprotected.
	filters, err := e.venue.Filters(ctx, pair)
	if err != nil {
		e.logger.Warn("symbol filters unavailable, trigger not tick-aligned", "pair", pair, "error", err)
	}
	trigger := exchange.RoundToTick(entry*(1-e.cfg.Strategy.TPPct/100), filters.PriceTick)

	res, err := e.venue.PlaceTakeProfit(ctx, pair, qty, trigger, types.MatchOpponent)
	if err != nil {
		return err
	}
	if p := parseFloat(res.TriggerPrice); p > 0 {
		trigger = p
	}

	mt.mu.Lock()
	t.TPOrderID = res.OrderID
	t.TPTriggerPrice = trigger
	e.save(t)
	mt.mu.Unlock()
	e.registerOrder(res.OrderID, res.ClientOrderID, t.TradeID, roleTP)
	e.emit(types.EventTPPlaced, t.TradeID, map[string]any{"order_id": res.OrderID, "trigger_price": trigger})
	e.logger.Info("take-profit armed",
		"trade_id", shortID(t.TradeID), "order_id", res.OrderID, "trigger_price", trigger)
	return nil
}

// placeSL arms the stop. A −2021 rejection means the mark price is already
// beyond the trigger: the position is closed at market immediately with
// exit_type=sl, and nil is returned because the trade is resolved.
func (e *Engine) placeSL(ctx context.Context, mt *managedTrade) error {
	t := mt.trade
	mt.mu.Lock()
	pair, qty, entry := t.Pair, t.EntryQuantity, t.EntryPrice
	mt.mu.Unlock()

	filters, err := e.venue.Filters(ctx, pair)
	if err != nil {
		e.logger.Warn("symbol filters unavailable, trigger not tick-aligned", "pair", pair, "error", err)
	}
	trigger := exchange.RoundToTick(entry*(1+e.cfg.Strategy.SLPct/100), filters.PriceTick)

	res, err := e.venue.PlaceStopLoss(ctx, pair, qty, trigger)
	if err != nil {
		if exchange.IsVenueCode(err, exchange.CodeWouldTriggerNow) {
			e.logger.Warn("stop trigger already crossed, closing at market",
				"trade_id", shortID(t.TradeID), "pair", pair, "trigger_price", trigger)
			e.closeCrossedStop(ctx, mt)
			return nil
		}
		return err
	}
	if p := parseFloat(res.TriggerPrice); p > 0 {
		trigger = p
	}

	mt.mu.Lock()
	t.SLOrderID = res.OrderID
	t.SLTriggerPrice = trigger
	e.save(t)
	mt.mu.Unlock()
	e.registerOrder(res.OrderID, res.ClientOrderID, t.TradeID, roleSL)
	e.emit(types.EventSLPlaced, t.TradeID, map[string]any{"order_id": res.OrderID, "trigger_price": trigger})
	e.logger.Info("stop-loss armed",
		"trade_id", shortID(t.TradeID), "order_id", res.OrderID, "trigger_price", trigger)
	return nil
}

// closeCrossedStop handles the −2021 rejection: the stop would fire the
// moment it rests, so the position is closed at market right away.
func (e *Engine) closeCrossedStop(ctx context.Context, mt *managedTrade) {
	t := mt.trade
	if !e.claimExit(mt, types.ExitSL) {
		return
	}
	e.cancelLeg(ctx, mt, roleTP)

	mt.mu.Lock()
	pair, qty := t.Pair, t.EntryQuantity
	mt.mu.Unlock()

	res, err := e.venue.PlaceMarket(ctx, pair, types.BUY, qty, true)
	if err != nil {
		e.markError(mt, fmt.Sprintf("market close after crossed stop failed: %v", err))
		return
	}
	exitPrice := firstPrice(res.AvgPrice, res.Price)
	if exitPrice == 0 {
		e.logger.Warn("market close reported no average price, pnl will be off",
			"trade_id", shortID(t.TradeID), "pair", pair)
	}

	mt.mu.Lock()
	t.ExitPrice = exitPrice
	t.ExitFillTS = types.NowISO()
	e.save(t)
	mt.mu.Unlock()
	e.finalizeClose(mt)
}

// ————————————————————————————————————————————————————————————————————————
// Exit resolution
// ————————————————————————————————————————————————————————————————————————

// claimExit is the at-most-once gate on exit resolution: only a trade in
// OPEN can be claimed, and claiming moves it to CLOSING with its exit_type
// set. Every later claimant finds the trade resolved and backs off.
func (e *Engine) claimExit(mt *managedTrade, et types.ExitType) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	t := mt.trade
	if t.Status != types.StatusOpen {
		return false
	}
	t.Status = types.StatusClosing
	t.ExitType = et
	e.save(t)
	return true
}

// handleExitFill is the stream path for TP and SL fills.
func (e *Engine) handleExitFill(tradeID string, upd types.OrderUpdate, et types.ExitType) {
	mt := e.getTrade(tradeID)
	if mt == nil {
		return
	}
	t := mt.trade

	price := upd.AvgPrice
	if price == 0 {
		price = upd.LastPrice
	}

	eventType := types.EventTPFill
	if et == types.ExitSL {
		eventType = types.EventSLFill
	}

	if !e.claimExit(mt, et) {
		// Audit replays even though they change nothing.
		e.logger.Debug("replayed exit fill ignored",
			"trade_id", shortID(t.TradeID), "order_id", upd.OrderID, "exit_type", et)
		e.emit(eventType, t.TradeID, map[string]any{
			"order_id": upd.OrderID, "price": price, "replay": true,
		})
		return
	}

	mt.mu.Lock()
	t.ExitPrice = price
	t.ExitFillTS = types.NowISO()
	if upd.Commission > 0 {
		mt.commissions += upd.Commission
		mt.feesReported = true
	}
	e.save(t)
	mt.mu.Unlock()

	e.emit(eventType, t.TradeID, map[string]any{"order_id": upd.OrderID, "price": price})
	if et == types.ExitSL {
		e.logger.Warn("stop-loss filled", "trade_id", shortID(t.TradeID), "pair", t.Pair, "price", price)
	} else {
		e.logger.Info("take-profit filled", "trade_id", shortID(t.TradeID), "pair", t.Pair, "price", price)
	}

	counterpart := roleSL
	if et == types.ExitSL {
		counterpart = roleTP
	}
	e.cancelLeg(e.ctx, mt, counterpart)
	e.finalizeClose(mt)
}

// cancelLeg cancels the resting TP or SL order, idempotently; an order
// that is already gone counts as cancelled.
func (e *Engine) cancelLeg(ctx context.Context, mt *managedTrade, role orderRole) {
	t := mt.trade
	mt.mu.Lock()
	var orderID int64
	if role == roleTP {
		orderID = t.TPOrderID
	} else {
		orderID = t.SLOrderID
	}
	pair := t.Pair
	mt.mu.Unlock()
	if orderID == 0 {
		return
	}

	if err := e.venue.CancelOrder(ctx, pair, orderID); err != nil {
		e.logger.Warn("cancel exit order", "trade_id", shortID(t.TradeID), "order_id", orderID, "error", err)
	} else {
		e.logger.Info("exit order cancelled", "trade_id", shortID(t.TradeID), "order_id", orderID)
	}
	e.unregisterOrder(orderID, "")
	e.emit(types.EventCancel, t.TradeID, map[string]any{"order_id": orderID})
}

// finalizeClose computes PnL, marks the trade CLOSED, and drops it from
// the registry.
func (e *Engine) finalizeClose(mt *managedTrade) {
	t := mt.trade
	mt.mu.Lock()
	computePnL(t, mt.commissions, mt.feesReported)
	t.Status = types.StatusClosed
	e.save(t)
	pnl, pct, et := t.PnLUSDT, t.PnLPct, t.ExitType
	mt.mu.Unlock()

	e.logger.Info("trade closed",
		"trade_id", shortID(t.TradeID), "pair", t.Pair, "exit_type", et,
		"pnl_usdt", fmt.Sprintf("%+.4f", pnl), "pnl_pct", fmt.Sprintf("%+.2f", pct))
	e.forget(mt)
}

// ————————————————————————————————————————————————————————————————————————
// Forced closes: timeout and manual
// ————————————————————————————————————————————————————————————————————————

// CloseManual resolves an OPEN trade on operator request, reusing the
// forced-close path with exit_type=manual.
func (e *Engine) CloseManual(tradeID string) error {
	mt := e.getTrade(tradeID)
	if mt == nil {
		return ErrTradeNotFound
	}
	if !e.claimExit(mt, types.ExitManual) {
		return ErrNotOpen
	}
	e.logger.Info("manual close requested", "trade_id", shortID(tradeID))
	e.emit(types.EventCancel, tradeID, map[string]any{"reason": "manual_close"})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executeClose(mt)
	}()
	return nil
}

// executeClose unwinds a claimed trade: cancel both exits, close the
// position passively per timeout_order_type, and fall back to market.
// The caller must have won claimExit.
func (e *Engine) executeClose(mt *managedTrade) {
	t := mt.trade
	e.cancelLeg(e.ctx, mt, roleTP)
	e.cancelLeg(e.ctx, mt, roleSL)

	mt.mu.Lock()
	pair, qty := t.Pair, t.EntryQuantity
	mt.mu.Unlock()
	if qty == 0 {
		e.markError(mt, "forced close impossible: no entry quantity recorded")
		return
	}

	orderType := e.cfg.Exit.TimeoutOrderType
	if orderType != "MARKET" {
		if e.passiveClose(mt, pair, qty, orderType) {
			return
		}
	}

	if orderType == "MARKET" || e.cfg.Exit.TimeoutMarketFallback {
		res, err := e.venue.PlaceMarket(e.ctx, pair, types.BUY, qty, true)
		if err != nil {
			e.markError(mt, fmt.Sprintf("forced market close failed: %v", err))
			return
		}
		mt.mu.Lock()
		t.ExitPrice = firstPrice(res.AvgPrice, res.Price)
		t.ExitFillTS = types.NowISO()
		e.save(t)
		mt.mu.Unlock()
		e.finalizeClose(mt)
		return
	}

	e.markError(mt, "forced close not filled and market fallback disabled")
}

// passiveClose tries a maker close and polls for its fill. True when the
// trade was closed.
func (e *Engine) passiveClose(mt *managedTrade, pair string, qty float64, orderType string) bool {
	t := mt.trade

	var res *types.OrderResult
	var err error
	if orderType == "BBO" {
		res, err = e.venue.PlaceBBO(e.ctx, pair, types.BUY, qty, types.MatchOpponent, true)
	} else {
		var ask float64
		ask, err = e.venue.GetBestAsk(e.ctx, pair)
		if err == nil {
			filters, ferr := e.venue.Filters(e.ctx, pair)
			if ferr != nil {
				e.logger.Warn("symbol filters unavailable, close price not tick-aligned", "pair", pair, "error", ferr)
			}
			res, err = e.venue.PlaceLimit(e.ctx, pair, types.BUY, qty,
				exchange.RoundToTick(ask, filters.PriceTick), true)
		}
	}
	if err != nil {
		e.logger.Error("passive close failed", "trade_id", shortID(t.TradeID), "type", orderType, "error", err)
		return false
	}
	e.logger.Info("passive close placed",
		"trade_id", shortID(t.TradeID), "order_id", res.OrderID, "type", orderType)

	exitPrice := 0.0
	if res.Status == "FILLED" {
		exitPrice = firstPrice(res.AvgPrice, res.Price)
	} else {
		exitPrice = e.waitCloseFill(pair, res.OrderID, e.cfg.Exit.TimeoutChaseTimeout)
	}
	if exitPrice == 0 {
		if err := e.venue.CancelOrder(e.ctx, pair, res.OrderID); err != nil {
			e.logger.Warn("cancel passive close", "order_id", res.OrderID, "error", err)
		}
		return false
	}

	mt.mu.Lock()
	t.ExitPrice = exitPrice
	t.ExitFillTS = types.NowISO()
	e.save(t)
	mt.mu.Unlock()
	e.finalizeClose(mt)
	return true
}

// waitCloseFill polls the close order over REST; the fill also arrives on
// the stream but close orders are not registered for dispatch. Returns the
// average fill price, or 0 when the window closes first.
func (e *Engine) waitCloseFill(pair string, orderID int64, window time.Duration) float64 {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		select {
		case <-e.ctx.Done():
			return 0
		case <-time.After(closePollInterval):
		}
		od, err := e.venue.GetOrder(e.ctx, pair, orderID)
		if err != nil {
			e.logger.Debug("poll close order", "order_id", orderID, "error", err)
			continue
		}
		if od.Status == "FILLED" {
			return firstPrice(od.AvgPrice, od.Price)
		}
	}
	return 0
}

// ————————————————————————————————————————————————————————————————————————
// Small helpers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) sleep(d time.Duration) {
	select {
	case <-e.ctx.Done():
	case <-time.After(d):
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// firstPrice returns the first non-zero price among the venue's avgPrice
// and price fields.
func firstPrice(avg, price string) float64 {
	if f := parseFloat(avg); f > 0 {
		return f
	}
	return parseFloat(price)
}
