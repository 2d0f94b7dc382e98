package config

import (
	"errors"
	"fmt"
	"sort"
)

// StrategyConfig holds every tunable the decision components read. It is
// treated as immutable once handed to the engine; updates produce a new value.
type StrategyConfig struct {
	CapitalKRW         float64                 `yaml:"capital_krw" json:"capital_krw"`
	MinPremiumEntry    float64                 `yaml:"min_premium_entry" json:"min_premium_entry"`
	NormalBaseFraction float64                 `yaml:"normal_base_fraction" json:"normal_base_fraction"`
	ExtremeMultiplier  float64                 `yaml:"extreme_multiplier" json:"extreme_multiplier"`
	UltraFraction      float64                 `yaml:"ultra_fraction" json:"ultra_fraction"`
	MinSizeFraction    float64                 `yaml:"min_size_fraction" json:"min_size_fraction"`
	HistoryCapacity    int                     `yaml:"history_capacity" json:"history_capacity"`
	HistoryPeriod      int                     `yaml:"history_period" json:"history_period"`
	FeeRate            float64                 `yaml:"fee_rate" json:"fee_rate"`
	SlippageRate       float64                 `yaml:"slippage_rate" json:"slippage_rate"`
	Tiers              TiersConfig             `yaml:"tiers" json:"tiers"`
	Symbols            map[string]SymbolConfig `yaml:"symbols" json:"symbols"`
}

type TiersConfig struct {
	UltraExtreme TierConfig `yaml:"ultra_extreme" json:"ultra_extreme"`
	Extreme      TierConfig `yaml:"extreme" json:"extreme"`
	Normal       TierConfig `yaml:"normal" json:"normal"`
}

// TierConfig thresholds are in Z-score units; ProfitTarget is in premium
// percentage points.
type TierConfig struct {
	EntryZ       float64 `yaml:"entry_z" json:"entry_z"`
	ProfitTarget float64 `yaml:"profit_target" json:"profit_target"`
	ExitZ        float64 `yaml:"exit_z" json:"exit_z"`
}

type SymbolConfig struct {
	Allocation   float64   `yaml:"allocation" json:"allocation"`
	SplitPattern []float64 `yaml:"split_pattern" json:"split_pattern"`
}

var defaultSplitPattern = []float64{0.4, 0.35, 0.25}

func applyStrategyDefaults(s *StrategyConfig, symbols []string) {
	if s.CapitalKRW == 0 {
		s.CapitalKRW = 100000
	}
	if s.MinPremiumEntry == 0 {
		s.MinPremiumEntry = 0.5
	}
	if s.NormalBaseFraction == 0 {
		s.NormalBaseFraction = 0.15
	}
	if s.ExtremeMultiplier == 0 {
		s.ExtremeMultiplier = 2.0
	}
	if s.UltraFraction == 0 {
		s.UltraFraction = 0.4
	}
	if s.MinSizeFraction == 0 {
		s.MinSizeFraction = 0.02
	}
	if s.HistoryCapacity == 0 {
		s.HistoryCapacity = 30
	}
	if s.HistoryPeriod == 0 {
		s.HistoryPeriod = 20
	}
	if s.FeeRate == 0 {
		s.FeeRate = 0.0005
	}
	if s.SlippageRate == 0 {
		s.SlippageRate = 0.0005
	}
	setTierDefaults(&s.Tiers.UltraExtreme, 4.0, 1.0, 1.5)
	setTierDefaults(&s.Tiers.Extreme, 3.0, 0.6, 1.0)
	setTierDefaults(&s.Tiers.Normal, 2.0, 0.4, 0.5)
	if s.Symbols == nil {
		s.Symbols = make(map[string]SymbolConfig, len(symbols))
	}
	for _, sym := range symbols {
		symCfg := s.Symbols[sym]
		if symCfg.Allocation == 0 {
			symCfg.Allocation = 0.4
		}
		if len(symCfg.SplitPattern) == 0 {
			symCfg.SplitPattern = append([]float64(nil), defaultSplitPattern...)
		}
		s.Symbols[sym] = symCfg
	}
}

// DefaultStrategy returns the default strategy for symbols, or for the
// default symbol set when none are given.
func DefaultStrategy(symbols ...string) StrategyConfig {
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}
	var s StrategyConfig
	applyStrategyDefaults(&s, symbols)
	return s
}

func setTierDefaults(t *TierConfig, entryZ, profitTarget, exitZ float64) {
	if t.EntryZ == 0 {
		t.EntryZ = entryZ
	}
	if t.ProfitTarget == 0 {
		t.ProfitTarget = profitTarget
	}
	if t.ExitZ == 0 {
		t.ExitZ = exitZ
	}
}

// Clone returns a deep copy so callers can mutate maps and slices freely.
func (s StrategyConfig) Clone() StrategyConfig {
	out := s
	out.Symbols = make(map[string]SymbolConfig, len(s.Symbols))
	for sym, cfg := range s.Symbols {
		cfg.SplitPattern = append([]float64(nil), cfg.SplitPattern...)
		out.Symbols[sym] = cfg
	}
	return out
}

// EntryThreshold is the base |Z| needed for any entry signal.
func (s StrategyConfig) EntryThreshold() float64 {
	return s.Tiers.Normal.EntryZ
}

func (s StrategyConfig) Symbol(symbol string) (SymbolConfig, bool) {
	cfg, ok := s.Symbols[symbol]
	return cfg, ok
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

const (
	MinEntryZ        = 1.0
	MaxEntryZ        = 5.0
	MinProfitTarget  = 0.1
	MaxProfitTarget  = 5.0
	MinCapitalKRW    = 10000
	MaxCapitalKRW    = 10000000
	MaxMinPremium    = 10.0
	MaxCostRate      = 0.01
	MaxExitZ         = 5.0
	maxHistoryLength = 1000
)

func ValidateStrategy(s StrategyConfig) error {
	if s.CapitalKRW < MinCapitalKRW || s.CapitalKRW > MaxCapitalKRW {
		return invalid("capital_krw", "must be between %d and %d", MinCapitalKRW, MaxCapitalKRW)
	}
	if s.MinPremiumEntry < 0 || s.MinPremiumEntry > MaxMinPremium {
		return invalid("min_premium_entry", "must be between 0 and %.1f", MaxMinPremium)
	}
	if s.NormalBaseFraction <= 0 || s.NormalBaseFraction > 1 {
		return invalid("normal_base_fraction", "must be in (0, 1]")
	}
	if s.ExtremeMultiplier <= 0 {
		return invalid("extreme_multiplier", "must be > 0")
	}
	if s.UltraFraction <= 0 || s.UltraFraction > 1 {
		return invalid("ultra_fraction", "must be in (0, 1]")
	}
	if s.MinSizeFraction <= 0 || s.MinSizeFraction > 1 {
		return invalid("min_size_fraction", "must be in (0, 1]")
	}
	if s.HistoryPeriod < 2 || s.HistoryPeriod > s.HistoryCapacity || s.HistoryCapacity > maxHistoryLength {
		return invalid("history_period", "must be >= 2 and <= history_capacity (<= %d)", maxHistoryLength)
	}
	if s.FeeRate < 0 || s.FeeRate > MaxCostRate {
		return invalid("fee_rate", "must be between 0 and %.2f", MaxCostRate)
	}
	if s.SlippageRate < 0 || s.SlippageRate > MaxCostRate {
		return invalid("slippage_rate", "must be between 0 and %.2f", MaxCostRate)
	}
	tiers := []struct {
		name string
		tier TierConfig
	}{
		{"tiers.normal", s.Tiers.Normal},
		{"tiers.extreme", s.Tiers.Extreme},
		{"tiers.ultra_extreme", s.Tiers.UltraExtreme},
	}
	for _, t := range tiers {
		if t.tier.ProfitTarget < MinProfitTarget || t.tier.ProfitTarget > MaxProfitTarget {
			return invalid(t.name+".profit_target", "must be between %.1f and %.1f", MinProfitTarget, MaxProfitTarget)
		}
		if t.tier.ExitZ <= 0 || t.tier.ExitZ > MaxExitZ {
			return invalid(t.name+".exit_z", "must be in (0, %.1f]", MaxExitZ)
		}
	}
	if s.Tiers.Normal.EntryZ < MinEntryZ || s.Tiers.Normal.EntryZ > MaxEntryZ {
		return invalid("tiers.normal.entry_z", "must be between %.1f and %.1f", MinEntryZ, MaxEntryZ)
	}
	if s.Tiers.Extreme.EntryZ <= s.Tiers.Normal.EntryZ {
		return invalid("tiers.extreme.entry_z", "must be greater than tiers.normal.entry_z")
	}
	if s.Tiers.UltraExtreme.EntryZ <= s.Tiers.Extreme.EntryZ {
		return invalid("tiers.ultra_extreme.entry_z", "must be greater than tiers.extreme.entry_z")
	}
	if len(s.Symbols) == 0 {
		return invalid("symbols", "at least one symbol is required")
	}
	for _, sym := range sortedSymbols(s.Symbols) {
		if err := validateSymbol(sym, s.Symbols[sym]); err != nil {
			return err
		}
	}
	return nil
}

func validateSymbol(symbol string, cfg SymbolConfig) error {
	field := "symbols." + symbol
	if cfg.Allocation <= 0 || cfg.Allocation > 1 {
		return invalid(field+".allocation", "must be in (0, 1]")
	}
	if len(cfg.SplitPattern) == 0 {
		return invalid(field+".split_pattern", "must not be empty")
	}
	for i, frac := range cfg.SplitPattern {
		if frac <= 0 || frac > 1 {
			return invalid(fmt.Sprintf("%s.split_pattern[%d]", field, i), "must be in (0, 1]")
		}
	}
	return nil
}

func sortedSymbols(symbols map[string]SymbolConfig) []string {
	out := make([]string, 0, len(symbols))
	for sym := range symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// StrategyUpdate is a partial update. Nil fields keep their current value.
type StrategyUpdate struct {
	CapitalKRW      *float64               `json:"capital_krw,omitempty"`
	MinPremiumEntry *float64               `json:"min_premium_entry,omitempty"`
	EntryZ          *float64               `json:"entry_z,omitempty"`
	ExtremeZ        *float64               `json:"extreme_z,omitempty"`
	UltraExtremeZ   *float64               `json:"ultra_extreme_z,omitempty"`
	ProfitTarget    *float64               `json:"profit_target,omitempty"`
	ProfitTargets   map[string]float64     `json:"profit_targets,omitempty"`
	ExitZ           map[string]float64     `json:"exit_z,omitempty"`
	FeeRate         *float64               `json:"fee_rate,omitempty"`
	SlippageRate    *float64               `json:"slippage_rate,omitempty"`
	Symbols         map[string]SymbolPatch `json:"symbols,omitempty"`
}

type SymbolPatch struct {
	Allocation   *float64  `json:"allocation,omitempty"`
	SplitPattern []float64 `json:"split_pattern,omitempty"`
}

// Apply returns the updated config, or the validation error and the receiver
// untouched.
func (s StrategyConfig) Apply(update StrategyUpdate) (StrategyConfig, error) {
	next := s.Clone()
	if update.CapitalKRW != nil {
		next.CapitalKRW = *update.CapitalKRW
	}
	if update.MinPremiumEntry != nil {
		next.MinPremiumEntry = *update.MinPremiumEntry
	}
	if update.EntryZ != nil {
		next.Tiers.Normal.EntryZ = *update.EntryZ
	}
	if update.ExtremeZ != nil {
		next.Tiers.Extreme.EntryZ = *update.ExtremeZ
	}
	if update.UltraExtremeZ != nil {
		next.Tiers.UltraExtreme.EntryZ = *update.UltraExtremeZ
	}
	if update.ProfitTarget != nil {
		next.Tiers.Normal.ProfitTarget = *update.ProfitTarget
	}
	for name, val := range update.ProfitTargets {
		tier, err := next.Tiers.byName(name)
		if err != nil {
			return s, err
		}
		tier.ProfitTarget = val
	}
	for name, val := range update.ExitZ {
		tier, err := next.Tiers.byName(name)
		if err != nil {
			return s, err
		}
		tier.ExitZ = val
	}
	if update.FeeRate != nil {
		next.FeeRate = *update.FeeRate
	}
	if update.SlippageRate != nil {
		next.SlippageRate = *update.SlippageRate
	}
	for sym, patch := range update.Symbols {
		cur, ok := next.Symbols[sym]
		if !ok {
			return s, invalid("symbols."+sym, "unknown symbol")
		}
		if patch.Allocation != nil {
			cur.Allocation = *patch.Allocation
		}
		if patch.SplitPattern != nil {
			cur.SplitPattern = append([]float64(nil), patch.SplitPattern...)
		}
		next.Symbols[sym] = cur
	}
	if err := ValidateStrategy(next); err != nil {
		return s, err
	}
	return next, nil
}

func (t *TiersConfig) byName(name string) (*TierConfig, error) {
	switch name {
	case "normal":
		return &t.Normal, nil
	case "extreme":
		return &t.Extreme, nil
	case "ultra_extreme":
		return &t.UltraExtreme, nil
	}
	return nil, invalid("tier", "unknown tier %q", name)
}

// Merge folds next over u. Fields set in next win; map entries are merged
// key by key.
func (u StrategyUpdate) Merge(next StrategyUpdate) StrategyUpdate {
	out := u.clone()
	if next.CapitalKRW != nil {
		out.CapitalKRW = floatPtr(*next.CapitalKRW)
	}
	if next.MinPremiumEntry != nil {
		out.MinPremiumEntry = floatPtr(*next.MinPremiumEntry)
	}
	if next.EntryZ != nil {
		out.EntryZ = floatPtr(*next.EntryZ)
	}
	if next.ExtremeZ != nil {
		out.ExtremeZ = floatPtr(*next.ExtremeZ)
	}
	if next.UltraExtremeZ != nil {
		out.UltraExtremeZ = floatPtr(*next.UltraExtremeZ)
	}
	if next.ProfitTarget != nil {
		out.ProfitTarget = floatPtr(*next.ProfitTarget)
	}
	if next.FeeRate != nil {
		out.FeeRate = floatPtr(*next.FeeRate)
	}
	if next.SlippageRate != nil {
		out.SlippageRate = floatPtr(*next.SlippageRate)
	}
	out.ProfitTargets = mergeFloats(out.ProfitTargets, next.ProfitTargets)
	out.ExitZ = mergeFloats(out.ExitZ, next.ExitZ)
	for sym, patch := range next.Symbols {
		if out.Symbols == nil {
			out.Symbols = make(map[string]SymbolPatch)
		}
		cur := out.Symbols[sym]
		if patch.Allocation != nil {
			cur.Allocation = floatPtr(*patch.Allocation)
		}
		if patch.SplitPattern != nil {
			cur.SplitPattern = append([]float64(nil), patch.SplitPattern...)
		}
		out.Symbols[sym] = cur
	}
	return out
}

// OnlySymbols drops symbol patches for symbols outside cfg.
func (u StrategyUpdate) OnlySymbols(cfg StrategyConfig) (StrategyUpdate, []string) {
	out := u.clone()
	var dropped []string
	for sym := range out.Symbols {
		if _, ok := cfg.Symbols[sym]; !ok {
			delete(out.Symbols, sym)
			dropped = append(dropped, sym)
		}
	}
	sort.Strings(dropped)
	return out, dropped
}

func (u StrategyUpdate) clone() StrategyUpdate {
	out := u
	out.ProfitTargets = mergeFloats(nil, u.ProfitTargets)
	out.ExitZ = mergeFloats(nil, u.ExitZ)
	out.Symbols = nil
	if len(u.Symbols) > 0 {
		out.Symbols = make(map[string]SymbolPatch, len(u.Symbols))
		for sym, patch := range u.Symbols {
			patch.SplitPattern = append([]float64(nil), patch.SplitPattern...)
			if len(patch.SplitPattern) == 0 {
				patch.SplitPattern = nil
			}
			out.Symbols[sym] = patch
		}
	}
	return out
}

func mergeFloats(dst, src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]float64, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func floatPtr(v float64) *float64 {
	return &v
}
