// Package exchange implements the venue REST client and user-data stream
// for a USDⓈ-M perpetual futures venue.
//
// The REST client (Client) covers the order management surface the engine
// needs:
//   - PlaceBBO / PlaceLimitGTX / PlaceMarket: POST /fapi/v1/order
//   - PlaceTakeProfit / PlaceStopLoss:        POST /fapi/v1/algoOrder
//   - CancelOrder:    DELETE /fapi/v1/order with algo-order fallback
//   - GetOrder, GetOpenOrders, GetOpenAlgoOrders: order queries
//   - GetPosition, GetAllPositions: GET /fapi/v2/positionRisk
//   - GetMarkPrice, GetBestBid: public price reads
//   - AvailableBalance, SetLeverage, SetMarginType, Filters: account and
//     symbol setup
//   - CreateListenKey / KeepAliveListenKey / CloseListenKey: user stream keys
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 429/5xx with backoff. Signed endpoints carry an HMAC-SHA256 signature
// over the query string (see Signer). Rejections with a JSON error body are
// surfaced as *VenueError and never retried; exhausted retries surface
// ErrVenueUnavailable.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

const filtersTTL = time.Hour

type cachedFilters struct {
	filters   types.SymbolFilters
	fetchedAt time.Time
}

// Client is the venue REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	filtersMu sync.Mutex
	filters   map[string]cachedFilters

	dryOrderID atomic.Int64 // fabricated IDs for dry-run order results
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Venue.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", cfg.Venue.APIKey)

	return &Client{
		http:    httpClient,
		signer:  NewSigner(cfg.Venue.APIKey, cfg.Venue.APISecret),
		rl:      NewRateLimiter(),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "exchange"),
		filters: make(map[string]cachedFilters),
	}
}

// call executes one request against path. When sign is true the params are
// signed and the signature appended; otherwise they are sent as-is. The
// response body is unmarshalled into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, sign bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	var query string
	if sign {
		query = c.signer.Sign(params)
	} else {
		query = params.Encode()
	}

	req := c.http.R().SetContext(ctx)
	if query != "" {
		req.SetQueryString(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrVenueUnavailable, err)
	}
	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%s %s: status %d after retries: %w", method, path, status, ErrVenueUnavailable)
	}
	if status >= 400 {
		ve := &VenueError{}
		if jsonErr := json.Unmarshal(resp.Body(), ve); jsonErr == nil && ve.Code != 0 {
			return fmt.Errorf("%s %s: %w", method, path, ve)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, resp.String())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Clock, account, symbol setup
// ————————————————————————————————————————————————————————————————————————

// SyncClock fetches the venue clock and stores the offset used by the
// signer. Called at startup and again whenever a signature is rejected
// for timestamp drift.
func (c *Client) SyncClock(ctx context.Context) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/time", nil, false, &result); err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}
	c.signer.SetServerTime(result.ServerTime)
	return nil
}

// AvailableBalance returns the free USDT margin balance.
func (c *Client) AvailableBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return 0, err
	}
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &balances); err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return strconv.ParseFloat(b.AvailableBalance, 64)
		}
	}
	return 0, fmt.Errorf("get balance: no USDT asset in response")
}

// SetLeverage sets the leverage for a symbol before the entry order.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil); err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	return nil
}

// SetMarginType sets the margin mode for a symbol before the entry order.
// The venue rejects a no-op change with a dedicated code; that rejection
// counts as success.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set margin type", "symbol", symbol, "margin_type", marginType)
		return nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil); err != nil {
		if IsVenueCode(err, CodeMarginTypeNoOp) {
			return nil
		}
		return fmt.Errorf("set margin type %s: %w", symbol, err)
	}
	return nil
}

// Filters returns the trading constraints for a symbol, cached with a TTL
// so the exchangeInfo payload is not refetched per trade.
func (c *Client) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	c.filtersMu.Lock()
	if cached, ok := c.filters[symbol]; ok && time.Since(cached.fetchedAt) < filtersTTL {
		c.filtersMu.Unlock()
		return cached.filters, nil
	}
	c.filtersMu.Unlock()

	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.SymbolFilters{}, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &info); err != nil {
		return types.SymbolFilters{}, fmt.Errorf("exchange info %s: %w", symbol, err)
	}

	var out types.SymbolFilters
	found := false
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		found = true
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				out.PriceTick, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				out.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
				out.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				out.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
			}
		}
	}
	if !found {
		return types.SymbolFilters{}, fmt.Errorf("exchange info: symbol %s not listed", symbol)
	}

	c.filtersMu.Lock()
	c.filters[symbol] = cachedFilters{filters: out, fetchedAt: time.Now()}
	c.filtersMu.Unlock()
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Price reads
// ————————————————————————————————————————————————————————————————————————

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var result struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &result); err != nil {
		return 0, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	return strconv.ParseFloat(result.MarkPrice, 64)
}

// GetBestBid returns the top-of-book bid, used to price post-only entries.
func (c *Client) GetBestBid(ctx context.Context, symbol string) (float64, error) {
	bid, _, err := c.bookTicker(ctx, symbol)
	return bid, err
}

// GetBestAsk returns the top-of-book ask, used to price passive closes.
func (c *Client) GetBestAsk(ctx context.Context, symbol string) (float64, error) {
	_, ask, err := c.bookTicker(ctx, symbol)
	return ask, err
}

func (c *Client) bookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return 0, 0, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var result struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, &result); err != nil {
		return 0, 0, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	if bid, err = strconv.ParseFloat(result.BidPrice, 64); err != nil {
		return 0, 0, fmt.Errorf("book ticker %s: bad bidPrice: %w", symbol, err)
	}
	if ask, err = strconv.ParseFloat(result.AskPrice, 64); err != nil {
		return 0, 0, fmt.Errorf("book ticker %s: bad askPrice: %w", symbol, err)
	}
	return bid, ask, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order placement
// ————————————————————————————————————————————————————————————————————————

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (c *Client) dryOrder(symbol string, side types.Side, qty float64) *types.OrderResult {
	id := c.dryOrderID.Add(1)
	return &types.OrderResult{
		OrderID:     id,
		Symbol:      symbol,
		Side:        side,
		Status:      "NEW",
		OrigQty:     fmtFloat(qty),
		ExecutedQty: "0",
	}
}

// PlaceBBO places a passive limit order priced by the venue via priceMatch.
// The order rests at (or near) the best opposing level and never crosses.
func (c *Client) PlaceBBO(ctx context.Context, symbol string, side types.Side, qty float64, match types.PriceMatch, reduceOnly bool) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place BBO order",
			"symbol", symbol, "side", side, "qty", qty, "price_match", match, "reduce_only", reduceOnly)
		return c.dryOrder(symbol, side, qty), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtFloat(qty))
	params.Set("priceMatch", string(match))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("place bbo: %w", err)
	}
	return &result, nil
}

// PlaceLimit places a plain GTC limit order at an explicit price, used to
// close positions passively at the best ask before any market fallback.
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price float64, reduceOnly bool) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place limit order",
			"symbol", symbol, "side", side, "qty", qty, "price", price, "reduce_only", reduceOnly)
		r := c.dryOrder(symbol, side, qty)
		r.Price = fmtFloat(price)
		return r, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtFloat(qty))
	params.Set("price", fmtFloat(price))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("place limit: %w", err)
	}
	return &result, nil
}

// PlaceLimitGTX places a post-only limit order. The venue rejects it
// instead of crossing, so a fill can only be a maker fill.
func (c *Client) PlaceLimitGTX(ctx context.Context, symbol string, side types.Side, qty, price float64) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place GTX limit order",
			"symbol", symbol, "side", side, "qty", qty, "price", price)
		r := c.dryOrder(symbol, side, qty)
		r.Price = fmtFloat(price)
		return r, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTX")
	params.Set("quantity", fmtFloat(qty))
	params.Set("price", fmtFloat(price))

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("place gtx limit: %w", err)
	}
	return &result, nil
}

// PlaceMarket places a market order. reduceOnly guards position closes so
// they can never flip the position direction.
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place market order",
			"symbol", symbol, "side", side, "qty", qty, "reduce_only", reduceOnly)
		r := c.dryOrder(symbol, side, qty)
		r.Status = "FILLED"
		r.ExecutedQty = fmtFloat(qty)
		return r, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", fmtFloat(qty))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("place market: %w", err)
	}
	return &result, nil
}

// normalizeAlgo copies algoId into OrderID so callers see one ID space for
// plain and conditional orders.
func normalizeAlgo(r *types.OrderResult) *types.OrderResult {
	if r.OrderID == 0 && r.AlgoID != 0 {
		r.OrderID = r.AlgoID
	}
	return r
}

// PlaceTakeProfit arms the venue-resident take-profit for a short: a
// conditional BUY that triggers on mark price and then rests passively at
// the opposing best level. priceProtect rejects pathological trigger states.
func (c *Client) PlaceTakeProfit(ctx context.Context, symbol string, qty, triggerPrice float64, match types.PriceMatch) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place take-profit",
			"symbol", symbol, "qty", qty, "trigger", triggerPrice)
		r := c.dryOrder(symbol, types.BUY, qty)
		r.TriggerPrice = fmtFloat(triggerPrice)
		return r, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(types.BUY))
	params.Set("type", "TAKE_PROFIT")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", fmtFloat(qty))
	params.Set("triggerPrice", fmtFloat(triggerPrice))
	params.Set("priceMatch", string(match))
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")
	params.Set("timeInForce", "GTC")

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/algoOrder", params, true, &result); err != nil {
		return nil, fmt.Errorf("place take-profit: %w", err)
	}
	return normalizeAlgo(&result), nil
}

// PlaceStopLoss arms the venue-resident stop for a short: a conditional
// BUY STOP_MARKET on mark price. A −2021 rejection means the mark is
// already beyond the trigger; the caller closes at market instead.
func (c *Client) PlaceStopLoss(ctx context.Context, symbol string, qty, triggerPrice float64) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place stop-loss",
			"symbol", symbol, "qty", qty, "trigger", triggerPrice)
		r := c.dryOrder(symbol, types.BUY, qty)
		r.TriggerPrice = fmtFloat(triggerPrice)
		return r, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(types.BUY))
	params.Set("type", "STOP_MARKET")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", fmtFloat(qty))
	params.Set("triggerPrice", fmtFloat(triggerPrice))
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")

	var result types.OrderResult
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/algoOrder", params, true, &result); err != nil {
		return nil, fmt.Errorf("place stop-loss: %w", err)
	}
	return normalizeAlgo(&result), nil
}

// ————————————————————————————————————————————————————————————————————————
// Cancels and queries
// ————————————————————————————————————————————————————————————————————————

// CancelOrder cancels an order by ID, idempotently. Plain orders are tried
// first; on "unknown order" the algo-order endpoint is tried with the same
// ID. Unknown on both means the order is already gone, which is success.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	err := c.call(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
	if err == nil {
		return nil
	}
	if !IsVenueCode(err, CodeUnknownOrder) {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	// Not a plain order: try the conditional endpoint before concluding
	// the order no longer exists.
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	algoParams := url.Values{}
	algoParams.Set("symbol", symbol)
	algoParams.Set("algoId", strconv.FormatInt(orderID, 10))
	err = c.call(ctx, http.MethodDelete, "/fapi/v1/algoOrder", algoParams, true, nil)
	if err == nil || IsVenueCode(err, CodeUnknownOrder) {
		return nil
	}
	return fmt.Errorf("cancel algo order %d: %w", orderID, err)
}

// GetOrder queries the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	var result types.OrderResult
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return &result, nil
}

// GetOpenOrders lists resting plain orders; symbol may be empty for all.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var results []types.OrderResult
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &results); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return results, nil
}

// GetOpenAlgoOrders lists resting conditional orders with algo IDs
// normalized into OrderID.
func (c *Client) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]types.OrderResult, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var results []types.OrderResult
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", params, true, &results); err != nil {
		return nil, fmt.Errorf("open algo orders: %w", err)
	}
	for i := range results {
		normalizeAlgo(&results[i])
	}
	return results, nil
}

// GetPosition returns the position for a symbol, or nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*types.PositionRisk, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var results []types.PositionRisk
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &results); err != nil {
		return nil, fmt.Errorf("position %s: %w", symbol, err)
	}
	for i := range results {
		amt, _ := strconv.ParseFloat(results[i].PositionAmt, 64)
		if amt != 0 {
			return &results[i], nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every non-flat position on the account.
func (c *Client) GetAllPositions(ctx context.Context) ([]types.PositionRisk, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var results []types.PositionRisk
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &results); err != nil {
		return nil, fmt.Errorf("all positions: %w", err)
	}
	open := results[:0]
	for _, p := range results {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// ————————————————————————————————————————————————————————————————————————
// User-data stream keys
// ————————————————————————————————————————————————————————————————————————

// CreateListenKey opens a user-data stream and returns its key.
// Listen-key endpoints authenticate with the API key header only.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, &result); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if result.ListenKey == "" {
		return "", fmt.Errorf("create listen key: empty key in response")
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the stream's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	if err := c.call(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes the user-data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	if err := c.call(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, false, nil); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}
