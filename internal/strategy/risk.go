package strategy

import (
	"errors"
	"fmt"
	"time"

	"kimp-arb-bot/internal/config"
)

var (
	ErrMarketStale = errors.New("market data stale")
	ErrFXStale     = errors.New("fx rate stale")
)

func CheckFreshness(cfg config.RiskConfig, marketAge, fxAge time.Duration) error {
	if cfg.MaxMarketAge > 0 && marketAge > cfg.MaxMarketAge {
		return fmt.Errorf("market data age %s exceeds %s: %w", marketAge, cfg.MaxMarketAge, ErrMarketStale)
	}
	if cfg.MaxFXAge > 0 && fxAge > cfg.MaxFXAge {
		return fmt.Errorf("fx age %s exceeds %s: %w", fxAge, cfg.MaxFXAge, ErrFXStale)
	}
	return nil
}
