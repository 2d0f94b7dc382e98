package app

import (
	"context"
	"fmt"
	"io"

	"kimp-arb-bot/internal/strategy"
)

// Verify checks connectivity without trading: FX, both prices and the
// premium per symbol, and balances when credentials are present.
func (a *App) Verify(ctx context.Context, out io.Writer) error {
	defer a.store.Close()
	rate, err := a.fx.Rate(ctx)
	if err != nil {
		return fmt.Errorf("fx: %w", err)
	}
	fmt.Fprintf(out, "fx usd/krw: %.2f\n", rate)
	var failures int
	for _, sym := range a.cfg.Engine.Symbols {
		dom, domErr := a.upbit.Price(ctx, sym)
		off, offErr := a.binance.Price(ctx, sym)
		if domErr != nil || offErr != nil {
			failures++
			fmt.Fprintf(out, "%-5s upbit=%v binance=%v\n", sym, domErr, offErr)
			continue
		}
		premium, _ := strategy.Premium(dom, off, rate)
		fmt.Fprintf(out, "%-5s upbit=%.2f KRW binance=%.6f USDT premium=%.3f%%\n", sym, dom, off, premium)
	}
	for _, venue := range []interface {
		Name() string
		QuoteAsset() string
		Balance(context.Context, string) (float64, error)
	}{a.upbit, a.binance} {
		bal, err := venue.Balance(ctx, venue.QuoteAsset())
		if err != nil {
			fmt.Fprintf(out, "%s balance: %v\n", venue.Name(), err)
			continue
		}
		fmt.Fprintf(out, "%s %s balance: %.4f\n", venue.Name(), venue.QuoteAsset(), bal)
	}
	if failures > 0 {
		return fmt.Errorf("%d symbols without prices", failures)
	}
	return nil
}
