package strategy

// roundTripLegs counts the entry pair plus the exit pair.
const roundTripLegs = 4

// EstimatedCostKRW is the fee and slippage bill for a full round trip of a
// hedged position with the given per-leg notional.
func EstimatedCostKRW(notionalKRW, feeRate, slippageRate float64) float64 {
	if notionalKRW <= 0 {
		return 0
	}
	rate := feeRate + slippageRate
	if rate <= 0 {
		return 0
	}
	return notionalKRW * rate * roundTripLegs
}

// GrossProfitKRW converts a premium move in percentage points into KRW on the
// position's notional.
func GrossProfitKRW(notionalKRW, profitPct float64) float64 {
	return notionalKRW * profitPct / 100
}

func NetProfitKRW(notionalKRW, profitPct, feeRate, slippageRate float64) (float64, float64) {
	cost := EstimatedCostKRW(notionalKRW, feeRate, slippageRate)
	return GrossProfitKRW(notionalKRW, profitPct) - cost, cost
}
