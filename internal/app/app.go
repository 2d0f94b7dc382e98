package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/alerts"
	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/market"
	"kimp-arb-bot/internal/metrics"
	"kimp-arb-bot/internal/state/sqlite"
	"kimp-arb-bot/internal/timescale"
	"kimp-arb-bot/internal/venue/binance"
	"kimp-arb-bot/internal/venue/upbit"
)

// App wires the venues, persistence and side channels around an Engine.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	upbit     *upbit.Client
	binance   *binance.Client
	stream    *binance.Stream
	fx        *market.FXCache
	notifier  *alerts.Async
	timescale *timescale.Writer
	prom      *metrics.Prometheus
	engine    *Engine
}

func New(cfg *config.Config, creds config.Credentials, log *zap.Logger) (*App, error) {
	dryRun := cfg.Engine.DryRunValue()
	if !dryRun && !creds.Complete() {
		return nil, errors.New("live trading needs UPBIT_ACCESS_KEY, UPBIT_SECRET_KEY, BINANCE_API_KEY and BINANCE_SECRET_KEY")
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	upbitClient, binanceClient := newVenues(cfg, creds, log)
	stream := binance.NewStream(cfg.Binance.StreamURL, cfg.Engine.Symbols, cfg.Risk.MaxMarketAge, log)
	binanceClient.WithStream(stream)
	fx := market.NewFXCache(
		market.NewExchangeRateClient(cfg.FX.URL, cfg.FX.Timeout, log),
		cfg.FX.RefreshInterval,
		cfg.Risk.MaxFXAge,
		log,
	)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	fetcher := market.NewFetcher(upbitClient, binanceClient, fx, market.FetcherOptions{
		Timeout: cfg.Engine.FetchTimeout,
		Retries: cfg.Engine.FetchRetries,
		OnTrip:  func(string) { m.BreakerTrips.Inc() },
	}, log)

	executor := exec.New(upbitClient, binanceClient, exec.NewJournal(store), log, exec.Options{
		OrderTimeout:   cfg.Engine.OrderTimeout,
		BalanceTimeout: cfg.Engine.BalanceTimeout,
		DomesticSteps:  cfg.Upbit.QtySteps,
		OffshoreSteps:  cfg.Binance.QtySteps,
	})

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifier := alerts.NewAsync(alerts.NewDiscord(cfg.Discord, log), cfg.Discord.QueueSize, log)

	engine := NewEngine(EngineOptions{
		Symbols:      cfg.Engine.Symbols,
		TickInterval: cfg.Engine.TickInterval,
		TickBudget:   cfg.Engine.TickBudget,
		Risk:         cfg.Risk,
		Strategy:     cfg.Strategy,
		Enabled:      cfg.Engine.Enabled,
		DryRun:       dryRun,
		LiveTrading:  creds.Complete(),
	}, EngineDeps{
		Store:     store,
		Fetcher:   fetcher,
		Executor:  executor,
		Notifier:  notifier,
		Metrics:   m,
		Timescale: writer,
		Log:       log,
	})
	if !creds.Complete() {
		log.Warn("venue credentials incomplete; only dry-run rounds can execute")
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		upbit:     upbitClient,
		binance:   binanceClient,
		stream:    stream,
		fx:        fx,
		notifier:  notifier,
		timescale: writer,
		prom:      prom,
		engine:    engine,
	}, nil
}

// newVenues builds both venue clients. Missing keys leave the signer nil so
// public endpoints still work.
func newVenues(cfg *config.Config, creds config.Credentials, log *zap.Logger) (*upbit.Client, *binance.Client) {
	var upbitSigner *upbit.Signer
	if s, err := upbit.NewSigner(creds.UpbitAccessKey, creds.UpbitSecretKey); err == nil {
		upbitSigner = s
	}
	var binanceSigner *binance.Signer
	if s, err := binance.NewSigner(creds.BinanceAPIKey, creds.BinanceSecretKey); err == nil {
		binanceSigner = s
	}
	return upbit.New(cfg.Upbit, upbitSigner, log), binance.New(cfg.Binance, binanceSigner, log)
}

func (a *App) Engine() *Engine {
	return a.engine
}

// MetricsHandler is nil when metrics are disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.prom == nil {
		return nil
	}
	return a.prom.Handler()
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	a.timescale.Start(ctx)
	notifyDone := make(chan struct{})
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go func() {
		defer close(notifyDone)
		a.notifier.Run(notifyCtx)
	}()
	defer func() {
		stopNotify()
		<-notifyDone
	}()
	go func() {
		if err := a.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("binance stream stopped", zap.Error(err))
		}
	}()
	return a.engine.Run(ctx)
}
