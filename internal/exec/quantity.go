package exec

import "github.com/shopspring/decimal"

const defaultQtyStep = 0.00000001

// RoundDown floors qty to a multiple of step.
func RoundDown(qty, step float64) float64 {
	if qty <= 0 {
		return 0
	}
	if step <= 0 {
		step = defaultQtyStep
	}
	d := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := d.Div(s).Floor().Mul(s).Float64()
	return out
}

// HedgeQuantity is the shared base quantity for both legs: notional converted
// at the domestic price and floored to both venues' steps.
func HedgeQuantity(notionalKRW, domesticPrice, domesticStep, offshoreStep float64) float64 {
	if notionalKRW <= 0 || domesticPrice <= 0 {
		return 0
	}
	raw := decimal.NewFromFloat(notionalKRW).Div(decimal.NewFromFloat(domesticPrice))
	qty, _ := raw.Float64()
	return RoundDown(RoundDown(qty, domesticStep), offshoreStep)
}

// SubQty is a - b without binary rounding noise.
func SubQty(a, b float64) float64 {
	out, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Float64()
	return out
}
