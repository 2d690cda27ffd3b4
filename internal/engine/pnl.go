package engine

import "shortbot/pkg/types"

// fallbackFeeRate is the per-side taker fee estimate used when the venue
// did not report commissions on the fill events.
const fallbackFeeRate = 0.0004

// computePnL fills in the realized result of a short round trip:
//
//	pnl_gross = (entry − exit) × qty
//	fees      = Σ reported commissions, else (entry+exit notional) × rate
//	pnl_usdt  = pnl_gross − fees
//	pnl_pct   = pnl_usdt / capital_per_trade × 100
//
// A trade without both fill prices (closed externally, market close with
// no avgPrice) keeps zero PnL rather than a misleading number.
func computePnL(t *types.Trade, commissions float64, feesReported bool) {
	if t.EntryPrice <= 0 || t.ExitPrice <= 0 || t.EntryQuantity <= 0 {
		return
	}

	gross := (t.EntryPrice - t.ExitPrice) * t.EntryQuantity

	fees := commissions
	if !feesReported {
		fees = (t.EntryPrice + t.ExitPrice) * t.EntryQuantity * fallbackFeeRate
	}

	t.FeesUSDT = fees
	t.PnLUSDT = gross - fees
	if t.CapitalPerTrade > 0 {
		t.PnLPct = t.PnLUSDT / t.CapitalPerTrade * 100
	}
}
