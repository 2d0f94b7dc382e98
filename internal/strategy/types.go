package strategy

type Side string

const (
	SideNone  Side = ""
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return SideNone
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

type Tier string

const (
	TierUltraExtreme Tier = "ultra_extreme"
	TierExtreme      Tier = "extreme"
	TierNormal       Tier = "normal"
	TierTooSmall     Tier = "too_small"
	TierNone         Tier = ""
)

// Decision is the output of entry signal evaluation. Reason is set whenever
// Side is SideNone.
type Decision struct {
	Side   Side
	Reason string
}

func (d Decision) Signal() bool {
	return d.Side != SideNone
}

// Size is the output of position sizing. A rejection has Fraction 0.
type Size struct {
	Fraction  float64
	Tier      Tier
	CapExempt bool
	Reason    string
}

func (s Size) Accepted() bool {
	return s.Fraction > 0
}

type ExitDecision struct {
	Exit         bool
	Profit       float64
	ProfitTarget float64
	ExitZ        float64
	Reason       string
}
