package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/alerts"
	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/state"
	"kimp-arb-bot/internal/strategy"
)

const auditPrefix = "ops:audit:"

var ErrLiveTradingUnavailable = errors.New("live trading unavailable: venue credentials are not configured")

type auditEvent struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Before any       `json:"before"`
	After  any       `json:"after"`
}

func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

func (e *Engine) DryRun() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dryRun
}

func (e *Engine) Policy() *strategy.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetEnabled takes effect from the next tick.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) {
	e.mu.Lock()
	before := e.enabled
	e.enabled = enabled
	e.mu.Unlock()
	if before == enabled {
		return
	}
	e.saveSettings(ctx)
	e.audit(ctx, "set_enabled", before, enabled)
	title := "Trading disabled"
	if enabled {
		title = "Trading enabled"
	}
	e.notify(ctx, alerts.Event{Level: alerts.LevelWarning, Title: title, Message: e.modeLine()})
}

// SetDryRun switches the mode for new entries. Open positions keep the mode
// they were opened in. Going live requires venue credentials.
func (e *Engine) SetDryRun(ctx context.Context, dryRun bool) error {
	if !dryRun && !e.opts.LiveTrading {
		return ErrLiveTradingUnavailable
	}
	e.mu.Lock()
	before := e.dryRun
	e.dryRun = dryRun
	e.mu.Unlock()
	if before == dryRun {
		return nil
	}
	e.saveSettings(ctx)
	e.audit(ctx, "set_dry_run", before, dryRun)
	title := "Live trading mode"
	if dryRun {
		title = "Dry-run mode"
	}
	e.notify(ctx, alerts.Event{Level: alerts.LevelWarning, Title: title, Message: e.modeLine()})
	return nil
}

// SetStrategyConfig validates update against the active config. A rejected
// update leaves the active policy untouched.
func (e *Engine) SetStrategyConfig(ctx context.Context, update config.StrategyUpdate) error {
	e.mu.Lock()
	current := e.policy.Config()
	next, err := current.Apply(update)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.policy = strategy.NewPolicy(next)
	e.overrides = e.overrides.Merge(update)
	e.mu.Unlock()
	e.saveSettings(ctx)
	e.audit(ctx, "set_strategy", current, next)
	e.log.Info("strategy updated",
		zap.Float64("capital_krw", next.CapitalKRW),
		zap.Float64("entry_z", next.Tiers.Normal.EntryZ),
		zap.Float64("profit_target", next.Tiers.Normal.ProfitTarget),
	)
	e.notify(ctx, alerts.Event{
		Level:   alerts.LevelInfo,
		Title:   "Strategy updated",
		Message: fmt.Sprintf("capital %.0f KRW, entry z %.2f, profit target %.2f%%p", next.CapitalKRW, next.Tiers.Normal.EntryZ, next.Tiers.Normal.ProfitTarget),
	})
	return nil
}

func (e *Engine) saveSettings(ctx context.Context) {
	e.mu.RLock()
	settings := state.Settings{
		Enabled:     e.enabled,
		DryRun:      e.dryRun,
		Overrides:   e.overrides,
		UpdatedAtMS: e.now().UnixMilli(),
	}
	e.mu.RUnlock()
	if err := state.SaveSettings(ctx, e.store, settings); err != nil {
		e.log.Error("settings persist failed", zap.Error(err))
	}
}

func (e *Engine) audit(ctx context.Context, action string, before, after any) {
	e.log.Info("operator change", zap.String("action", action), zap.Any("before", before), zap.Any("after", after))
	if e.store == nil {
		return
	}
	now := e.now().UTC()
	payload, err := json.Marshal(auditEvent{Time: now, Action: action, Before: before, After: after})
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%020d:%s", auditPrefix, now.UnixNano(), action)
	if err := e.store.Set(ctx, key, string(payload)); err != nil {
		e.log.Warn("audit write failed", zap.Error(err))
	}
}

func (e *Engine) modeLine() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mode := "live"
	if e.dryRun {
		mode = "dry-run"
	}
	return fmt.Sprintf("enabled=%t mode=%s symbols=%v", e.enabled, mode, e.opts.Symbols)
}
