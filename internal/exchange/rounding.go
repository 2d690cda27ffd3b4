package exchange

import "github.com/shopspring/decimal"

// FloorToStep truncates qty down to a multiple of step (LOT_SIZE.stepSize).
// Decimal arithmetic avoids the float artifacts that make the venue reject
// quantities like 12.340000000000002.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	f, _ := q.Div(st).Floor().Mul(st).Float64()
	return f
}

// RoundToTick rounds price to the nearest multiple of tick (PRICE_FILTER.tickSize).
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tk := decimal.NewFromFloat(tick)
	f, _ := p.Div(tk).Round(0).Mul(tk).Float64()
	return f
}
