package state

import (
	"context"
	"encoding/json"
	"strings"

	"kimp-arb-bot/internal/config"
)

const (
	PositionsKey = "ledger:positions"
	StatsKey     = "stats:summary"
	SettingsKey  = "engine:settings"
	HistoryKey   = "history:"
	TradePrefix  = "trade:"
)

// Settings are the operator-controlled toggles that must survive a restart.
// Overrides holds only the strategy fields an operator changed; they are
// re-applied over the loaded config. DryRun is recorded for audit and never
// overrides the startup mode.
type Settings struct {
	Enabled     bool                  `json:"enabled"`
	DryRun      bool                  `json:"dry_run"`
	Overrides   config.StrategyUpdate `json:"strategy_overrides"`
	UpdatedAtMS int64                 `json:"updated_at_ms"`
}

func LoadSettings(ctx context.Context, store Store) (Settings, bool, error) {
	var settings Settings
	ok, err := LoadJSON(ctx, store, SettingsKey, &settings)
	return settings, ok, err
}

func SaveSettings(ctx context.Context, store Store, settings Settings) error {
	return SaveJSON(ctx, store, SettingsKey, settings)
}

// LoadJSON decodes the value stored under key into out. A missing or blank
// value reports false without error.
func LoadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
