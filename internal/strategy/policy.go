package strategy

import (
	"math"

	"kimp-arb-bot/internal/config"
)

const (
	ReasonPremiumTooSmall   = "premium_below_minimum"
	ReasonZBelowThreshold   = "zscore_below_threshold"
	ReasonAllocationFull    = "allocation_exhausted"
	ReasonDirectionMismatch = "direction_mismatch"
	ReasonUnknownSymbol     = "unknown_symbol"
	ReasonSplitExhausted    = "split_exhausted"
	ReasonBelowFloor        = "below_min_size"
)

// Policy bundles a validated strategy config with its tier table. It is
// immutable; a config update builds a new Policy.
type Policy struct {
	cfg   config.StrategyConfig
	tiers TierTable
}

func NewPolicy(cfg config.StrategyConfig) *Policy {
	cfg = cfg.Clone()
	return &Policy{cfg: cfg, tiers: NewTierTable(cfg)}
}

func (p *Policy) Config() config.StrategyConfig {
	return p.cfg.Clone()
}

func (p *Policy) Tiers() TierTable {
	return append(TierTable(nil), p.tiers...)
}

type SignalInput struct {
	Symbol   string
	Premium  float64
	ZScore   float64
	Exposure float64
}

// Signal decides the entry direction. An extreme Z whose premium sign
// disagrees is no trade, not an error.
func (p *Policy) Signal(in SignalInput) Decision {
	symCfg, ok := p.cfg.Symbol(in.Symbol)
	if !ok {
		return Decision{Reason: ReasonUnknownSymbol}
	}
	threshold := p.cfg.EntryThreshold()
	switch {
	case math.Abs(in.Premium) < p.cfg.MinPremiumEntry:
		return Decision{Reason: ReasonPremiumTooSmall}
	case math.Abs(in.ZScore) < threshold:
		return Decision{Reason: ReasonZBelowThreshold}
	case in.Exposure >= symCfg.Allocation:
		return Decision{Reason: ReasonAllocationFull}
	}
	if in.ZScore <= -threshold && in.Premium < 0 {
		return Decision{Side: SideLong}
	}
	if in.ZScore >= threshold && in.Premium > 0 {
		return Decision{Side: SideShort}
	}
	return Decision{Reason: ReasonDirectionMismatch}
}

type SizeInput struct {
	Symbol   string
	ZScore   float64
	Exposure float64
	// SameSide counts open positions on the entry side only, while Exposure
	// sums both sides.
	SameSide int
}

func (p *Policy) Size(in SizeInput) Size {
	symCfg, ok := p.cfg.Symbol(in.Symbol)
	if !ok {
		return Size{Tier: TierTooSmall, Reason: ReasonUnknownSymbol}
	}
	band, ok := p.tiers.Match(math.Abs(in.ZScore))
	if !ok {
		return Size{Tier: TierNone, Reason: ReasonZBelowThreshold}
	}
	if band.Rule == SizingFixed {
		return Size{Fraction: band.Fraction, Tier: band.Tier, CapExempt: band.CapExempt}
	}
	if in.SameSide < 0 || in.SameSide >= len(symCfg.SplitPattern) {
		return Size{Tier: TierTooSmall, Reason: ReasonSplitExhausted}
	}
	size := symCfg.SplitPattern[in.SameSide] * symCfg.Allocation * band.Multiplier
	if remaining := symCfg.Allocation - in.Exposure; size > remaining {
		size = remaining
	}
	if size < p.cfg.MinSizeFraction {
		return Size{Tier: TierTooSmall, Reason: ReasonBelowFloor}
	}
	return Size{Fraction: size, Tier: band.Tier}
}

type ExitInput struct {
	Side         Side
	Tier         Tier
	EntryPremium float64
	Premium      float64
	ZScore       float64
}

// Profit is the premium move in the position's favour, in percentage points.
func Profit(side Side, entryPremium, premium float64) float64 {
	if side == SideLong {
		return premium - entryPremium
	}
	return entryPremium - premium
}

// ShouldExit requires both the tier's profit target and a Z-score strictly
// inside the tier's exit band. There is no stop-loss or holding limit.
func (p *Policy) ShouldExit(in ExitInput) ExitDecision {
	band, ok := p.tiers.Lookup(in.Tier)
	if !ok {
		band, _ = p.tiers.Lookup(TierNormal)
	}
	out := ExitDecision{
		Profit:       Profit(in.Side, in.EntryPremium, in.Premium),
		ProfitTarget: band.ProfitTarget,
		ExitZ:        band.ExitZ,
	}
	switch {
	case out.Profit < band.ProfitTarget:
		out.Reason = "profit_below_target"
	case math.Abs(in.ZScore) >= band.ExitZ:
		out.Reason = "zscore_outside_exit_band"
	default:
		out.Exit = true
	}
	return out
}
