package app

import (
	"context"
	"sort"
	"time"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/ledger"
	"kimp-arb-bot/internal/market"
	"kimp-arb-bot/internal/stats"
	"kimp-arb-bot/internal/strategy"
)

type ObservationView struct {
	market.Observation
	AgeSeconds float64 `json:"age_seconds"`
}

type Snapshot struct {
	Enabled      bool                      `json:"enabled"`
	DryRun       bool                      `json:"dry_run"`
	Symbols      []string                  `json:"symbols"`
	Strategy     config.StrategyConfig     `json:"strategy"`
	Positions    []ledger.Position         `json:"positions"`
	Exposure     map[string]float64        `json:"exposure"`
	Stats        stats.Stats               `json:"stats"`
	History      []strategy.HistorySummary `json:"history"`
	Observations []ObservationView         `json:"observations"`
	Unresolved   []exec.Result             `json:"unresolved"`
	LastTick     time.Time                 `json:"last_tick"`
	GeneratedAt  time.Time                 `json:"generated_at"`
}

func (e *Engine) Snapshot() Snapshot {
	now := e.now()
	e.mu.RLock()
	snap := Snapshot{
		Enabled:     e.enabled,
		DryRun:      e.dryRun,
		Symbols:     append([]string(nil), e.opts.Symbols...),
		Strategy:    e.policy.Config(),
		LastTick:    e.lastTick,
		GeneratedAt: now,
	}
	for _, obs := range e.latest {
		snap.Observations = append(snap.Observations, ObservationView{
			Observation: obs,
			AgeSeconds:  now.Sub(obs.Time).Seconds(),
		})
	}
	e.mu.RUnlock()
	sort.Slice(snap.Observations, func(i, j int) bool {
		return snap.Observations[i].Symbol < snap.Observations[j].Symbol
	})
	snap.Positions = e.ledger.All()
	snap.Exposure = make(map[string]float64, len(snap.Symbols))
	for _, sym := range snap.Symbols {
		snap.Exposure[sym] = e.ledger.Exposure(sym)
	}
	snap.Stats = e.recorder.Stats()
	snap.History = e.history.Summaries()
	if e.executor != nil {
		snap.Unresolved = e.executor.Unresolved()
	}
	return snap
}

// Recent returns the newest closed trades.
func (e *Engine) Recent(ctx context.Context, limit int) ([]stats.Trade, error) {
	return e.recorder.Recent(ctx, limit)
}
