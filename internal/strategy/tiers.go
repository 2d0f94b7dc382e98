package strategy

import (
	"sort"

	"kimp-arb-bot/internal/config"
)

// normalScaleUnit is the fraction that the normal tier's base fraction is
// scaled against: base 0.15 sizes at 1.5x the split fraction.
const normalScaleUnit = 0.1

type SizingRule int

const (
	// SizingFixed uses Fraction verbatim.
	SizingFixed SizingRule = iota
	// SizingSplit uses split[n] * allocation * Multiplier.
	SizingSplit
)

type TierSpec struct {
	Tier         Tier
	EntryZ       float64
	Rule         SizingRule
	Fraction     float64
	Multiplier   float64
	CapExempt    bool
	ProfitTarget float64
	ExitZ        float64
}

// TierTable is ordered by EntryZ, highest first.
type TierTable []TierSpec

func NewTierTable(cfg config.StrategyConfig) TierTable {
	table := TierTable{
		{
			Tier:         TierUltraExtreme,
			EntryZ:       cfg.Tiers.UltraExtreme.EntryZ,
			Rule:         SizingFixed,
			Fraction:     cfg.UltraFraction,
			CapExempt:    true,
			ProfitTarget: cfg.Tiers.UltraExtreme.ProfitTarget,
			ExitZ:        cfg.Tiers.UltraExtreme.ExitZ,
		},
		{
			Tier:         TierExtreme,
			EntryZ:       cfg.Tiers.Extreme.EntryZ,
			Rule:         SizingSplit,
			Multiplier:   cfg.ExtremeMultiplier,
			ProfitTarget: cfg.Tiers.Extreme.ProfitTarget,
			ExitZ:        cfg.Tiers.Extreme.ExitZ,
		},
		{
			Tier:         TierNormal,
			EntryZ:       cfg.Tiers.Normal.EntryZ,
			Rule:         SizingSplit,
			Multiplier:   cfg.NormalBaseFraction / normalScaleUnit,
			ProfitTarget: cfg.Tiers.Normal.ProfitTarget,
			ExitZ:        cfg.Tiers.Normal.ExitZ,
		},
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].EntryZ > table[j].EntryZ })
	return table
}

// Match returns the first tier whose threshold absZ reaches.
func (t TierTable) Match(absZ float64) (TierSpec, bool) {
	for _, band := range t {
		if absZ >= band.EntryZ {
			return band, true
		}
	}
	return TierSpec{}, false
}

func (t TierTable) Lookup(tier Tier) (TierSpec, bool) {
	for _, band := range t {
		if band.Tier == tier {
			return band, true
		}
	}
	return TierSpec{}, false
}
