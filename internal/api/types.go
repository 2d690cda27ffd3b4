package api

import (
	"shortbot/internal/engine"
	"shortbot/pkg/types"
)

// TradeView is the JSON shape of a trade as served by the dashboard.
type TradeView struct {
	TradeID  string `json:"trade_id"`
	Pair     string `json:"pair"`
	Status   string `json:"status"`
	SignalTS string `json:"signal_ts"`

	CapitalPerTrade float64 `json:"capital_per_trade"`
	Leverage        int     `json:"leverage"`

	EntryOrderID  int64   `json:"entry_order_id,omitempty"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
	EntryQuantity float64 `json:"entry_quantity,omitempty"`
	EntryFillTS   string  `json:"entry_fill_ts,omitempty"`

	TPOrderID      int64   `json:"tp_order_id,omitempty"`
	SLOrderID      int64   `json:"sl_order_id,omitempty"`
	TPTriggerPrice float64 `json:"tp_trigger_price,omitempty"`
	SLTriggerPrice float64 `json:"sl_trigger_price,omitempty"`

	ExitPrice  float64 `json:"exit_price,omitempty"`
	ExitFillTS string  `json:"exit_fill_ts,omitempty"`
	ExitType   string  `json:"exit_type,omitempty"`
	PnLUSDT    float64 `json:"pnl_usdt"`
	PnLPct     float64 `json:"pnl_pct"`
	FeesUSDT   float64 `json:"fees_usdt"`

	ErrorMessage string       `json:"error_message,omitempty"`
	SignalData   types.Signal `json:"signal_data"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

// NewTradeView converts a trade record to its dashboard form.
func NewTradeView(t *types.Trade) TradeView {
	return TradeView{
		TradeID:         t.TradeID,
		Pair:            t.Pair,
		Status:          string(t.Status),
		SignalTS:        t.SignalTS,
		CapitalPerTrade: t.CapitalPerTrade,
		Leverage:        t.Leverage,
		EntryOrderID:    t.EntryOrderID,
		EntryPrice:      t.EntryPrice,
		EntryQuantity:   t.EntryQuantity,
		EntryFillTS:     t.EntryFillTS,
		TPOrderID:       t.TPOrderID,
		SLOrderID:       t.SLOrderID,
		TPTriggerPrice:  t.TPTriggerPrice,
		SLTriggerPrice:  t.SLTriggerPrice,
		ExitPrice:       t.ExitPrice,
		ExitFillTS:      t.ExitFillTS,
		ExitType:        string(t.ExitType),
		PnLUSDT:         t.PnLUSDT,
		PnLPct:          t.PnLPct,
		FeesUSDT:        t.FeesUSDT,
		ErrorMessage:    t.ErrorMessage,
		SignalData:      t.SignalData,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// StatusResponse is the /api/status payload and the initial WebSocket
// snapshot: live engine state plus closed-trade totals.
type StatusResponse struct {
	DryRun        bool        `json:"dry_run"`
	WSConnected   bool        `json:"ws_connected"`
	UptimeSec     float64     `json:"uptime_sec"`
	OpenCount     int         `json:"open_count"`
	ActiveTrades  []TradeView `json:"active_trades"`
	ClosedCount   int         `json:"closed_count"`
	WinCount      int         `json:"win_count"`
	ErrorCount    int         `json:"error_count"`
	TotalPnLUSDT  float64     `json:"total_pnl_usdt"`
	TotalFeesUSDT float64     `json:"total_fees_usdt"`
}

// NewStatusResponse converts an engine snapshot to the wire form.
func NewStatusResponse(snap engine.Snapshot) StatusResponse {
	active := make([]TradeView, 0, len(snap.ActiveTrades))
	for i := range snap.ActiveTrades {
		active = append(active, NewTradeView(&snap.ActiveTrades[i]))
	}
	return StatusResponse{
		DryRun:        snap.DryRun,
		WSConnected:   snap.WSConnected,
		UptimeSec:     snap.UptimeSec,
		OpenCount:     snap.OpenCount,
		ActiveTrades:  active,
		ClosedCount:   snap.ClosedCount,
		WinCount:      snap.WinCount,
		ErrorCount:    snap.ErrorCount,
		TotalPnLUSDT:  snap.TotalPnLUSDT,
		TotalFeesUSDT: snap.TotalFees,
	}
}

// TradeDetail is the /api/trades/{id} payload: the trade with its audit
// trail.
type TradeDetail struct {
	Trade  TradeView     `json:"trade"`
	Events []types.Event `json:"events"`
}
