package exec

import "testing"

func TestRoundDown(t *testing.T) {
	cases := []struct {
		qty, step, want float64
	}{
		{0.123456789, 0.0001, 0.1234},
		{1.99999, 0.1, 1.9},
		{5, 1, 5},
		{0.00000001, 0.00001, 0},
		{-1, 0.1, 0},
	}
	for _, tc := range cases {
		if got := RoundDown(tc.qty, tc.step); got != tc.want {
			t.Fatalf("RoundDown(%v, %v) expected %v, got %v", tc.qty, tc.step, tc.want, got)
		}
	}
}

func TestHedgeQuantity(t *testing.T) {
	if got := HedgeQuantity(24000, 140000000, 0.00000001, 0.00001); got != 0.00017 {
		t.Fatalf("expected 0.00017, got %v", got)
	}
	if got := HedgeQuantity(100000, 800, 0.0001, 0.1); got != 125 {
		t.Fatalf("expected 125, got %v", got)
	}
	if got := HedgeQuantity(0, 800, 0.1, 0.1); got != 0 {
		t.Fatalf("expected 0 for zero notional, got %v", got)
	}
}

func TestSubQty(t *testing.T) {
	if got := SubQty(0.00017, 0.00016); got != 0.00001 {
		t.Fatalf("expected 0.00001, got %v", got)
	}
}
