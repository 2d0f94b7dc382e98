package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kimp-arb-bot/internal/alerts"
	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/ledger"
	"kimp-arb-bot/internal/market"
	"kimp-arb-bot/internal/metrics"
	"kimp-arb-bot/internal/state"
	"kimp-arb-bot/internal/stats"
	"kimp-arb-bot/internal/strategy"
	"kimp-arb-bot/internal/timescale"
)

// QuoteFetcher is satisfied by *market.Fetcher.
type QuoteFetcher interface {
	Fetch(ctx context.Context, symbols []string) []market.Quote
}

type EngineOptions struct {
	Symbols      []string
	TickInterval time.Duration
	TickBudget   time.Duration
	Risk         config.RiskConfig
	Strategy     config.StrategyConfig
	Enabled      bool
	DryRun       bool
	// LiveTrading reports that venue credentials are configured. Without it
	// the engine stays in dry-run.
	LiveTrading bool
}

type EngineDeps struct {
	Store     state.Store
	Fetcher   QuoteFetcher
	Executor  *exec.Executor
	Notifier  alerts.Notifier
	Metrics   *metrics.Metrics
	Timescale *timescale.Writer
	Log       *zap.Logger
}

// Engine owns the per-symbol history, the ledger, the trade recorder and the
// active policy, and drives one evaluation pass per tick.
type Engine struct {
	opts      EngineOptions
	store     state.Store
	fetcher   QuoteFetcher
	executor  *exec.Executor
	notifier  alerts.Notifier
	metrics   *metrics.Metrics
	timescale *timescale.Writer
	log       *zap.Logger

	history  *strategy.History
	ledger   *ledger.Ledger
	recorder *stats.Recorder

	now   func() time.Time
	newID func() string

	mu        sync.RWMutex
	policy    *strategy.Policy
	overrides config.StrategyUpdate
	enabled   bool
	dryRun    bool
	latest    map[string]market.Observation
	lastTick  time.Time
}

func NewEngine(opts EngineOptions, deps EngineDeps) *Engine {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.Nop{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 15 * time.Second
	}
	if opts.TickBudget <= 0 || opts.TickBudget > opts.TickInterval {
		opts.TickBudget = opts.TickInterval
	}
	symbols := make([]string, 0, len(opts.Symbols))
	for _, sym := range opts.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(sym)))
	}
	opts.Symbols = symbols
	if !opts.DryRun && !opts.LiveTrading {
		log.Warn("venue credentials missing, starting in dry-run")
		opts.DryRun = true
	}
	return &Engine{
		opts:      opts,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		executor:  deps.Executor,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		timescale: deps.Timescale,
		log:       log,
		history:   strategy.NewHistory(opts.Strategy.HistoryCapacity, opts.Strategy.HistoryPeriod),
		ledger:    ledger.New(deps.Store, log),
		recorder:  stats.NewRecorder(deps.Store, log),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		policy:    strategy.NewPolicy(opts.Strategy),
		enabled:   opts.Enabled,
		dryRun:    opts.DryRun,
		latest:    make(map[string]market.Observation),
	}
}

// Init restores persisted state and settles rounds a previous process left
// open. It must run before the first tick.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.ledger.Load(ctx); err != nil {
		return err
	}
	if err := e.recorder.Load(ctx); err != nil {
		return err
	}
	e.loadSettings(ctx)
	e.loadHistory(ctx)
	if e.executor != nil {
		recovered, err := e.executor.Recover(ctx)
		if err != nil {
			e.log.Warn("execution recovery incomplete", zap.Error(err))
		}
		for _, res := range recovered {
			e.applyRecovered(ctx, res)
		}
	}
	e.log.Info("engine initialised",
		zap.Strings("symbols", e.opts.Symbols),
		zap.Int("open_positions", e.ledger.Count()),
		zap.Bool("enabled", e.Enabled()),
		zap.Bool("dry_run", e.DryRun()),
	)
	return nil
}

// loadSettings restores the operator toggles. The startup dry-run mode is
// authoritative; a persisted mode is only reported. Strategy overrides are
// re-applied over the loaded config so config edits and new symbols survive.
func (e *Engine) loadSettings(ctx context.Context) {
	settings, ok, err := state.LoadSettings(ctx, e.store)
	if err != nil {
		e.log.Warn("settings load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = settings.Enabled
	if settings.DryRun != e.dryRun {
		e.log.Info("persisted dry-run mode ignored",
			zap.Bool("persisted_dry_run", settings.DryRun),
			zap.Bool("dry_run", e.dryRun),
		)
	}
	overrides, dropped := settings.Overrides.OnlySymbols(e.opts.Strategy)
	if len(dropped) > 0 {
		e.log.Warn("strategy overrides for unconfigured symbols dropped", zap.Strings("symbols", dropped))
	}
	next, err := e.opts.Strategy.Apply(overrides)
	if err != nil {
		e.log.Warn("persisted strategy overrides rejected", zap.Error(err))
		return
	}
	e.overrides = overrides
	e.policy = strategy.NewPolicy(next)
}

func (e *Engine) loadHistory(ctx context.Context) {
	for _, sym := range e.opts.Symbols {
		var values []float64
		ok, err := state.LoadJSON(ctx, e.store, state.HistoryKey+sym, &values)
		if err != nil {
			e.log.Warn("history load failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if ok {
			e.history.Restore(sym, values)
		}
	}
}

// Run initialises the engine and ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	e.notify(ctx, alerts.Event{
		Level:   alerts.LevelInfo,
		Title:   "Engine started",
		Message: e.modeLine(),
	})
	defer e.notify(context.Background(), alerts.Event{Level: alerts.LevelWarning, Title: "Engine stopped"})

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

type tickFlags struct {
	enabled bool
	dryRun  bool
	policy  *strategy.Policy
	// symbols with a round that is not settled and acknowledged
	unresolved map[string]bool
}

// Tick settles open rounds, then fetches every symbol and evaluates them in
// order. Flags and policy are read once so an operator change never applies
// halfway through a tick.
func (e *Engine) Tick(ctx context.Context) {
	start := e.now()
	deadline := start.Add(e.opts.TickBudget)
	e.mu.RLock()
	flags := tickFlags{enabled: e.enabled, dryRun: e.dryRun, policy: e.policy}
	e.mu.RUnlock()
	e.metrics.Ticks.Inc()
	flags.unresolved = e.reconcile(ctx)

	quotes := e.fetcher.Fetch(ctx, e.opts.Symbols)
	for i, q := range quotes {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && e.now().After(deadline) {
			e.metrics.TicksDeferred.Inc()
			e.log.Warn("tick budget exhausted", zap.Int("deferred", len(quotes)-i))
			break
		}
		e.evaluate(ctx, q, flags)
	}
	e.mu.Lock()
	e.lastTick = start
	e.mu.Unlock()
}

func (e *Engine) evaluate(ctx context.Context, q market.Quote, flags tickFlags) {
	log := e.log.With(zap.String("symbol", q.Symbol))
	if !q.OK() {
		e.metrics.FetchFailures.Inc()
		log.Warn("market data unavailable", zap.Error(q.Err))
		return
	}
	if err := strategy.CheckFreshness(e.opts.Risk, e.now().Sub(q.At), q.FXAge); err != nil {
		log.Warn("stale market data", zap.Error(err))
		return
	}
	premium, ok := strategy.Premium(q.Domestic, q.Offshore, q.FX)
	if !ok {
		log.Warn("premium undefined", zap.Float64("offshore", q.Offshore), zap.Float64("fx", q.FX))
		return
	}
	z := e.history.ZScore(q.Symbol, premium)
	e.history.Record(q.Symbol, premium)
	obs := market.Observation{
		Symbol:   q.Symbol,
		Time:     q.At,
		Domestic: q.Domestic,
		Offshore: q.Offshore,
		FX:       q.FX,
		Premium:  premium,
		ZScore:   z,
	}
	e.observe(ctx, obs)

	if !flags.enabled {
		return
	}
	if e.executor.Busy(q.Symbol) {
		log.Debug("execution in flight")
		return
	}
	if flags.unresolved[q.Symbol] {
		log.Warn("trading paused until open execution settles")
		return
	}
	for _, pos := range e.ledger.Positions(q.Symbol) {
		decision := flags.policy.ShouldExit(strategy.ExitInput{
			Side:         pos.Side,
			Tier:         pos.Tier,
			EntryPremium: pos.EntryPremium,
			Premium:      premium,
			ZScore:       z,
		})
		if !decision.Exit {
			continue
		}
		e.exit(ctx, pos, obs)
		if e.symbolUnresolved(q.Symbol) {
			log.Warn("exit left an open execution, trading paused")
			return
		}
	}

	exposure := e.ledger.ExposureFor(q.Symbol, flags.dryRun)
	decision := flags.policy.Signal(strategy.SignalInput{
		Symbol:   q.Symbol,
		Premium:  premium,
		ZScore:   z,
		Exposure: exposure,
	})
	if !decision.Signal() {
		log.Debug("no entry", zap.String("reason", decision.Reason), zap.Float64("premium", premium), zap.Float64("z", z))
		return
	}
	size := flags.policy.Size(strategy.SizeInput{
		Symbol:   q.Symbol,
		ZScore:   z,
		Exposure: exposure,
		SameSide: e.ledger.SameSideCountFor(q.Symbol, decision.Side, flags.dryRun),
	})
	if !size.Accepted() {
		log.Info("entry signal too small", zap.String("side", string(decision.Side)), zap.String("reason", size.Reason))
		return
	}
	e.enter(ctx, decision.Side, size, obs, flags)
}

// reconcile retries every round the executor still holds open and returns the
// symbols that must not trade this tick.
func (e *Engine) reconcile(ctx context.Context) map[string]bool {
	if e.executor == nil {
		return nil
	}
	for _, res := range e.executor.Reconcile(ctx) {
		e.applyRecovered(ctx, res)
	}
	open := e.executor.Unresolved()
	if len(open) == 0 {
		return nil
	}
	blocked := make(map[string]bool, len(open))
	for _, res := range open {
		blocked[res.Request.Symbol] = true
	}
	return blocked
}

func (e *Engine) symbolUnresolved(symbol string) bool {
	if e.executor == nil {
		return false
	}
	for _, res := range e.executor.Unresolved() {
		if res.Request.Symbol == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) observe(ctx context.Context, obs market.Observation) {
	e.mu.Lock()
	e.latest[obs.Symbol] = obs
	e.mu.Unlock()
	e.metrics.Premium.Set(obs.Symbol, obs.Premium)
	e.metrics.ZScore.Set(obs.Symbol, obs.ZScore)
	e.timescale.EnqueueObservation(timescale.Observation{
		Time:     obs.Time,
		Symbol:   obs.Symbol,
		Domestic: obs.Domestic,
		Offshore: obs.Offshore,
		FX:       obs.FX,
		Premium:  obs.Premium,
		ZScore:   obs.ZScore,
	})
	if err := state.SaveJSON(ctx, e.store, state.HistoryKey+obs.Symbol, e.history.Values(obs.Symbol)); err != nil {
		e.log.Warn("history persist failed", zap.String("symbol", obs.Symbol), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, event alerts.Event) {
	if event.Time.IsZero() {
		event.Time = e.now()
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.log.Warn("notify failed", zap.String("title", event.Title), zap.Error(err))
	}
}

func isBusy(err error) bool {
	return errors.Is(err, exec.ErrSymbolBusy)
}
