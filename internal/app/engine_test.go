package app

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/market"
	"kimp-arb-bot/internal/state"
	"kimp-arb-bot/internal/strategy"
)

type fakeFetcher struct {
	mu     sync.Mutex
	quotes map[string]market.Quote
	calls  int
}

func (f *fakeFetcher) set(q market.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = make(map[string]market.Quote)
	}
	f.quotes[q.Symbol] = q
}

func (f *fakeFetcher) Fetch(_ context.Context, symbols []string) []market.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]market.Quote, 0, len(symbols))
	for _, sym := range symbols {
		q, ok := f.quotes[sym]
		if !ok {
			q = market.Quote{Symbol: sym, Err: market.ErrDataUnavailable}
		}
		out = append(out, q)
	}
	return out
}

type fakeVenue struct {
	mu      sync.Mutex
	name    string
	quote   string
	place   func(order exec.Order) (exec.Fill, error)
	lookup  func(clientOrderID string) (exec.Fill, error)
	orders  []exec.Order
	lookups int
}

func (v *fakeVenue) Name() string       { return v.name }
func (v *fakeVenue) QuoteAsset() string { return v.quote }

func (v *fakeVenue) Balance(context.Context, string) (float64, error) {
	return 1e12, nil
}

func (v *fakeVenue) PlaceMarketOrder(_ context.Context, order exec.Order) (exec.Fill, error) {
	v.mu.Lock()
	v.orders = append(v.orders, order)
	place := v.place
	v.mu.Unlock()
	if place != nil {
		return place(order)
	}
	return exec.Fill{Status: exec.FillFilled, OrderID: v.name + "-" + order.ClientOrderID, FilledQty: order.Quantity, AvgPrice: order.RefPrice}, nil
}

func (v *fakeVenue) LookupOrder(_ context.Context, _ string, clientOrderID string) (exec.Fill, error) {
	v.mu.Lock()
	v.lookups++
	lookup := v.lookup
	v.mu.Unlock()
	if lookup != nil {
		return lookup(clientOrderID)
	}
	return exec.Fill{Status: exec.FillRejected}, nil
}

func (v *fakeVenue) lookupCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookups
}

func (v *fakeVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type harness struct {
	engine   *Engine
	store    *state.Memory
	fetcher  *fakeFetcher
	domestic *fakeVenue
	offshore *fakeVenue
	now      time.Time
}

func newHarness(t *testing.T, dryRun bool, symbols ...string) *harness {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"BTC"}
	}
	h := &harness{
		store:    state.NewMemory(),
		fetcher:  &fakeFetcher{},
		domestic: &fakeVenue{name: "upbit", quote: "KRW"},
		offshore: &fakeVenue{name: "binance", quote: "USDT"},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = h.build(dryRun, symbols)
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

// build creates an engine over the harness store, as a restart would.
func (h *harness) build(dryRun bool, symbols []string) *Engine {
	executor := exec.New(h.domestic, h.offshore, exec.NewJournal(h.store), zap.NewNop(), exec.Options{})
	engine := NewEngine(EngineOptions{
		Symbols:      symbols,
		TickInterval: time.Minute,
		Risk:         config.RiskConfig{MaxMarketAge: time.Minute, MaxFXAge: time.Hour},
		Strategy:     config.DefaultStrategy(symbols...),
		Enabled:      true,
		DryRun:       dryRun,
		LiveTrading:  true,
	}, EngineDeps{
		Store:    h.store,
		Fetcher:  h.fetcher,
		Executor: executor,
		Log:      zap.NewNop(),
	})
	engine.now = func() time.Time { return h.now }
	return engine
}

// seed fills the window so its mean is 1.1 and its std dev 0.1.
func (h *harness) seed(symbol string) {
	values := make([]float64, 0, 20)
	for i := 0; i < 10; i++ {
		values = append(values, 1.0, 1.2)
	}
	h.engine.history.Restore(symbol, values)
}

// quote prices symbol so that its premium is premium percent at fx 1000.
func (h *harness) quote(symbol string, premium float64) {
	h.fetcher.set(market.Quote{
		Symbol:   symbol,
		Domestic: 100000 * (1 + premium/100),
		Offshore: 100,
		FX:       1000,
		At:       h.now,
	})
}

func TestTickOpensLongOnDeepDiscount(t *testing.T) {
	h := newHarness(t, true)
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(context.Background())

	positions := h.engine.ledger.Positions("BTC")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Side != strategy.SideLong {
		t.Fatalf("expected long, got %s", pos.Side)
	}
	if pos.Tier != strategy.TierUltraExtreme {
		t.Fatalf("expected ultra_extreme tier, got %s", pos.Tier)
	}
	if pos.Fraction != 0.4 {
		t.Fatalf("expected fraction 0.4, got %f", pos.Fraction)
	}
	if pos.ID != pos.Receipt.ExecutionID {
		t.Fatalf("expected position id to be the execution id, got %s and %s", pos.ID, pos.Receipt.ExecutionID)
	}
	if h.domestic.orderCount() != 0 || h.offshore.orderCount() != 0 {
		t.Fatalf("expected no venue orders in dry-run")
	}
	if got := h.engine.history.Len("BTC"); got != 21 {
		t.Fatalf("expected premium recorded after scoring, got window %d", got)
	}
}

func TestTickZScoreUsesWindowBeforeRecording(t *testing.T) {
	h := newHarness(t, true)
	h.seed("BTC")
	h.quote("BTC", 1.3)

	h.engine.Tick(context.Background())

	snap := h.engine.Snapshot()
	if len(snap.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(snap.Observations))
	}
	z := snap.Observations[0].ZScore
	if z < 1.99 || z > 2.01 {
		t.Fatalf("expected z 2, got %f", z)
	}
}

func TestTickClosesPositionAndRecordsTrade(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)
	entry := h.engine.ledger.Positions("BTC")
	if len(entry) != 1 {
		t.Fatalf("expected an open position, got %d", len(entry))
	}

	h.now = h.now.Add(10 * time.Minute)
	h.seed("BTC")
	h.quote("BTC", 1.1)
	h.engine.Tick(ctx)

	if n := h.engine.ledger.Count(); n != 0 {
		t.Fatalf("expected ledger empty after exit, got %d", n)
	}
	st := h.engine.recorder.Stats()
	if st.TotalTrades != 1 || st.SuccessfulTrades != 1 {
		t.Fatalf("expected 1 winning trade, got %+v", st)
	}
	trades, err := h.engine.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	trade := trades[0]
	if trade.PositionID != entry[0].ID {
		t.Fatalf("expected trade for %s, got %s", entry[0].ID, trade.PositionID)
	}
	if trade.GrossProfitPct < 2.09 || trade.GrossProfitPct > 2.11 {
		t.Fatalf("expected profit 2.1, got %f", trade.GrossProfitPct)
	}
	if trade.HoldingDuration != 10*time.Minute {
		t.Fatalf("expected 10m holding, got %s", trade.HoldingDuration)
	}
}

func TestTickHoldsWhenProfitBelowTarget(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)

	h.seed("BTC")
	h.quote("BTC", -0.5)
	h.engine.Tick(ctx)

	if n := h.engine.ledger.Count(); n != 1 {
		t.Fatalf("expected position held, got %d", n)
	}
}

func TestDisabledEngineObservesWithoutTrading(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.engine.SetEnabled(ctx, false)
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(ctx)

	if n := h.engine.ledger.Count(); n != 0 {
		t.Fatalf("expected no positions while disabled, got %d", n)
	}
	if h.domestic.orderCount() != 0 {
		t.Fatalf("expected no orders while disabled")
	}
	snap := h.engine.Snapshot()
	if snap.Enabled {
		t.Fatalf("expected snapshot to report disabled")
	}
	if len(snap.Observations) != 1 || snap.Observations[0].Symbol != "BTC" {
		t.Fatalf("expected BTC observation, got %+v", snap.Observations)
	}
}

func TestLiveEntryPlacesBothLegs(t *testing.T) {
	h := newHarness(t, false)
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(context.Background())

	if h.domestic.orderCount() != 1 || h.offshore.orderCount() != 1 {
		t.Fatalf("expected one order per venue, got %d and %d", h.domestic.orderCount(), h.offshore.orderCount())
	}
	if h.domestic.orders[0].Side != exec.Buy || h.offshore.orders[0].Side != exec.Sell {
		t.Fatalf("expected buy domestic and sell offshore, got %s and %s", h.domestic.orders[0].Side, h.offshore.orders[0].Side)
	}
	if n := h.engine.ledger.Count(); n != 1 {
		t.Fatalf("expected 1 position, got %d", n)
	}
	if unresolved := h.engine.executor.Unresolved(); len(unresolved) != 0 {
		t.Fatalf("expected committed round acknowledged, got %d unresolved", len(unresolved))
	}
}

func TestPartialFailureIsCompensatedAndCounted(t *testing.T) {
	h := newHarness(t, false)
	h.offshore.place = func(exec.Order) (exec.Fill, error) {
		return exec.Fill{Status: exec.FillRejected, Reason: "insufficient margin"}, nil
	}
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(context.Background())

	if n := h.engine.ledger.Count(); n != 0 {
		t.Fatalf("expected no position after partial failure, got %d", n)
	}
	if h.domestic.orderCount() != 2 {
		t.Fatalf("expected entry and compensation on domestic, got %d orders", h.domestic.orderCount())
	}
	comp := h.domestic.orders[1]
	if comp.Side != exec.Sell || comp.ClientOrderID[:2] != "kc" {
		t.Fatalf("expected compensating sell, got %+v", comp)
	}
	st := h.engine.recorder.Stats()
	if st.PartialFailures != 1 || st.Compensated != 1 {
		t.Fatalf("expected 1 compensated partial failure, got %+v", st)
	}
	if st.TotalTrades != 0 {
		t.Fatalf("expected no trades, got %d", st.TotalTrades)
	}
}

func TestBothLegsRejectedCountsAbort(t *testing.T) {
	h := newHarness(t, false)
	reject := func(exec.Order) (exec.Fill, error) {
		return exec.Fill{Status: exec.FillRejected, Reason: "rejected"}, nil
	}
	h.domestic.place = reject
	h.offshore.place = reject
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(context.Background())

	st := h.engine.recorder.Stats()
	if st.Aborted != 1 || st.PartialFailures != 0 {
		t.Fatalf("expected 1 abort, got %+v", st)
	}
}

func TestInitAppliesUnacknowledgedCommit(t *testing.T) {
	store := state.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	committed := exec.Result{
		ID: "exec1",
		Request: exec.Request{
			Symbol:     "BTC",
			Intent:     exec.IntentEntry,
			Side:       strategy.SideShort,
			Fraction:   0.1,
			CapitalKRW: 100000,
			Prices:     exec.Prices{Domestic: 101000, Offshore: 100, FX: 1000},
			Premium:    1.0,
			ZScore:     2.5,
			Tier:       strategy.TierNormal,
		},
		State:     exec.StateCommitted,
		Quantity:  0.099,
		Domestic:  exec.Leg{Venue: "upbit", Side: exec.Sell, ClientOrderID: "kdexec1", Fill: exec.Fill{Status: exec.FillFilled, FilledQty: 0.099, AvgPrice: 101000}},
		Offshore:  exec.Leg{Venue: "binance", Side: exec.Buy, ClientOrderID: "koexec1", Fill: exec.Fill{Status: exec.FillFilled, FilledQty: 0.099, AvgPrice: 100}},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := exec.NewJournal(store).Save(ctx, committed); err != nil {
		t.Fatalf("journal save: %v", err)
	}

	h := &harness{
		store:    store,
		fetcher:  &fakeFetcher{},
		domestic: &fakeVenue{name: "upbit", quote: "KRW"},
		offshore: &fakeVenue{name: "binance", quote: "USDT"},
		now:      now,
	}
	engine := h.build(false, []string{"BTC"})
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	pos, ok := engine.ledger.Get("exec1")
	if !ok {
		t.Fatalf("expected recovered position exec1")
	}
	if pos.Side != strategy.SideShort || pos.Quantity != 0.099 {
		t.Fatalf("unexpected position %+v", pos)
	}

	again := h.build(false, []string{"BTC"})
	if err := again.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if n := again.ledger.Count(); n != 1 {
		t.Fatalf("expected recovery applied once, got %d positions", n)
	}
}

func TestInitRecordsRoundInterruptedAfterSubmit(t *testing.T) {
	store := state.NewMemory()
	ctx := context.Background()
	interrupted := exec.Result{
		ID: "exec2",
		Request: exec.Request{
			Symbol:     "BTC",
			Intent:     exec.IntentEntry,
			Side:       strategy.SideLong,
			Fraction:   0.1,
			CapitalKRW: 100000,
			Prices:     exec.Prices{Domestic: 99000, Offshore: 100, FX: 1000},
		},
		State:    exec.StateSubmitBoth,
		Quantity: 0.1,
		Domestic: exec.Leg{Venue: "upbit", Side: exec.Buy, ClientOrderID: "kdexec2"},
		Offshore: exec.Leg{Venue: "binance", Side: exec.Sell, ClientOrderID: "koexec2"},
	}
	if err := exec.NewJournal(store).Save(ctx, interrupted); err != nil {
		t.Fatalf("journal save: %v", err)
	}
	h := &harness{
		store:    store,
		fetcher:  &fakeFetcher{},
		domestic: &fakeVenue{name: "upbit", quote: "KRW"},
		offshore: &fakeVenue{name: "binance", quote: "USDT"},
	}
	engine := h.build(false, []string{"BTC"})
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := engine.recorder.Stats()
	if st.Aborted != 1 {
		t.Fatalf("expected interrupted round counted as aborted, got %+v", st)
	}
	if n := engine.ledger.Count(); n != 0 {
		t.Fatalf("expected no position, got %d", n)
	}
}

func TestSetStrategyConfigRejectsInvalidUpdate(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	before := h.engine.Policy().Config()
	negative := -5.0

	err := h.engine.SetStrategyConfig(ctx, config.StrategyUpdate{CapitalKRW: &negative})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !config.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := h.engine.Policy().Config().CapitalKRW; got != before.CapitalKRW {
		t.Fatalf("expected capital %f, got %f", before.CapitalKRW, got)
	}
}

func TestStrategyAndTogglesSurviveRestart(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	capital := 250000.0
	if err := h.engine.SetStrategyConfig(ctx, config.StrategyUpdate{CapitalKRW: &capital}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.engine.SetEnabled(ctx, false)

	restarted := h.build(true, []string{"BTC"})
	if err := restarted.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := restarted.Policy().Config().CapitalKRW; got != capital {
		t.Fatalf("expected capital %f, got %f", capital, got)
	}
	if restarted.Enabled() {
		t.Fatalf("expected disabled after restart")
	}
	audits, err := h.store.List(ctx, auditPrefix)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audits))
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	h := newHarness(t, true)
	h.seed("BTC")
	h.quote("BTC", 1.1)
	h.engine.Tick(context.Background())

	restarted := h.build(true, []string{"BTC"})
	if err := restarted.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := restarted.history.Len("BTC"); got != 21 {
		t.Fatalf("expected 21 restored values, got %d", got)
	}
}

func TestTickDefersSymbolsPastBudget(t *testing.T) {
	h := newHarness(t, true, "BTC", "ETH")
	h.engine.opts.TickBudget = time.Second
	start := h.now
	calls := 0
	h.engine.now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * 2 * time.Second)
	}
	h.fetcher.set(market.Quote{Symbol: "BTC", Domestic: 100000, Offshore: 100, FX: 1000, At: start})
	h.fetcher.set(market.Quote{Symbol: "ETH", Domestic: 5000, Offshore: 5, FX: 1000, At: start})

	h.engine.Tick(context.Background())

	snap := h.engine.Snapshot()
	if len(snap.Observations) != 1 || snap.Observations[0].Symbol != "BTC" {
		t.Fatalf("expected only BTC evaluated, got %+v", snap.Observations)
	}
}

func TestTickSkipsUnavailableQuote(t *testing.T) {
	h := newHarness(t, true)
	h.seed("BTC")

	h.engine.Tick(context.Background())

	if got := h.engine.history.Len("BTC"); got != 20 {
		t.Fatalf("expected history untouched, got %d", got)
	}
}

func TestTickSkipsStaleQuote(t *testing.T) {
	h := newHarness(t, true)
	h.seed("BTC")
	h.fetcher.set(market.Quote{Symbol: "BTC", Domestic: 99000, Offshore: 100, FX: 1000, At: h.now.Add(-time.Hour)})

	h.engine.Tick(context.Background())

	if got := h.engine.history.Len("BTC"); got != 20 {
		t.Fatalf("expected stale quote ignored, got window %d", got)
	}
}

func TestDryRunPositionClosesWithoutOrdersAfterGoingLive(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)
	if n := h.engine.ledger.Count(); n != 1 {
		t.Fatalf("expected dry-run position, got %d", n)
	}
	if err := h.engine.SetDryRun(ctx, false); err != nil {
		t.Fatalf("set live: %v", err)
	}

	h.seed("BTC")
	h.quote("BTC", 1.1)
	h.engine.Tick(ctx)

	if h.domestic.orderCount() != 0 || h.offshore.orderCount() != 0 {
		t.Fatalf("expected no venue orders for a dry-run position, got %d and %d", h.domestic.orderCount(), h.offshore.orderCount())
	}
	if n := h.engine.ledger.Count(); n != 0 {
		t.Fatalf("expected dry-run position closed, got %d", n)
	}
	trades, err := h.engine.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(trades) != 1 || !trades[0].DryRun {
		t.Fatalf("expected one dry-run trade, got %+v", trades)
	}
}

func TestLivePositionClosesWithOrdersInDryRun(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)
	if err := h.engine.SetDryRun(ctx, true); err != nil {
		t.Fatalf("set dry-run: %v", err)
	}

	h.seed("BTC")
	h.quote("BTC", 1.1)
	h.engine.Tick(ctx)

	if h.domestic.orderCount() != 2 || h.offshore.orderCount() != 2 {
		t.Fatalf("expected live exit orders, got %d and %d", h.domestic.orderCount(), h.offshore.orderCount())
	}
	if h.domestic.orders[1].Side != exec.Sell || h.offshore.orders[1].Side != exec.Buy {
		t.Fatalf("expected exit to reverse both legs, got %s and %s", h.domestic.orders[1].Side, h.offshore.orders[1].Side)
	}
	if n := h.engine.ledger.Count(); n != 0 {
		t.Fatalf("expected live position closed, got %d", n)
	}
}

func TestDryRunExposureDoesNotLimitLiveEntries(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)
	if err := h.engine.SetDryRun(ctx, false); err != nil {
		t.Fatalf("set live: %v", err)
	}

	h.seed("BTC")
	h.engine.Tick(ctx)

	if h.domestic.orderCount() != 1 || h.offshore.orderCount() != 1 {
		t.Fatalf("expected a live entry, got %d and %d", h.domestic.orderCount(), h.offshore.orderCount())
	}
	if got := h.engine.ledger.ExposureFor("BTC", false); math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("expected live exposure 0.4, got %f", got)
	}
	if n := h.engine.ledger.Count(); n != 2 {
		t.Fatalf("expected dry-run and live positions, got %d", n)
	}
}

func TestStartupDryRunWinsOverPersistedMode(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.engine.SetEnabled(ctx, false)
	h.engine.SetEnabled(ctx, true)

	restarted := h.build(true, []string{"BTC"})
	if err := restarted.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !restarted.DryRun() {
		t.Fatalf("expected startup dry-run to hold after restart")
	}
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.engine.opts.LiveTrading = false

	err := h.engine.SetDryRun(ctx, false)
	if !errors.Is(err, ErrLiveTradingUnavailable) {
		t.Fatalf("expected ErrLiveTradingUnavailable, got %v", err)
	}
	if !h.engine.DryRun() {
		t.Fatalf("expected dry-run kept")
	}

	engine := NewEngine(EngineOptions{
		Symbols:  []string{"BTC"},
		Strategy: config.DefaultStrategy("BTC"),
		DryRun:   false,
	}, EngineDeps{Store: state.NewMemory(), Fetcher: &fakeFetcher{}})
	if !engine.DryRun() {
		t.Fatalf("expected engine without credentials to start in dry-run")
	}
}

func TestUnverifiedRoundIsRetriedAndBlocksTrading(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.domestic.place = func(exec.Order) (exec.Fill, error) {
		return exec.Fill{}, context.DeadlineExceeded
	}
	h.domestic.lookup = func(string) (exec.Fill, error) {
		return exec.Fill{}, errors.New("venue unavailable")
	}
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)

	if n := len(h.engine.executor.Unresolved()); n != 1 {
		t.Fatalf("expected 1 unresolved round, got %d", n)
	}
	if st := h.engine.recorder.Stats(); st.Unverified != 1 {
		t.Fatalf("expected 1 unverified, got %+v", st)
	}

	for i := 0; i < 3; i++ {
		h.seed("BTC")
		h.engine.Tick(ctx)
	}
	if h.offshore.orderCount() != 1 || h.domestic.orderCount() != 1 {
		t.Fatalf("expected no new orders beside the open round, got %d and %d", h.domestic.orderCount(), h.offshore.orderCount())
	}
	if got := h.domestic.lookupCount(); got != 4 {
		t.Fatalf("expected the unknown leg looked up every tick, got %d lookups", got)
	}

	qty := h.domestic.orders[0].Quantity
	h.domestic.lookup = func(clientOrderID string) (exec.Fill, error) {
		return exec.Fill{Status: exec.FillFilled, OrderID: "d-" + clientOrderID, FilledQty: qty, AvgPrice: 99000}, nil
	}
	h.fetcher.mu.Lock()
	delete(h.fetcher.quotes, "BTC")
	h.fetcher.mu.Unlock()
	h.engine.Tick(ctx)

	if n := len(h.engine.executor.Unresolved()); n != 0 {
		t.Fatalf("expected round settled, got %d unresolved", n)
	}
	if n := h.engine.ledger.Count(); n != 1 {
		t.Fatalf("expected the settled round booked as a position, got %d", n)
	}
	st := h.engine.recorder.Stats()
	if st.Unverified != 0 || st.PartialFailures != 1 {
		t.Fatalf("expected unverified count resolved, got %+v", st)
	}
}

func TestStrategyOverridesMergeOverConfigOnRestart(t *testing.T) {
	h := newHarness(t, true, "BTC")
	ctx := context.Background()
	capital := 250000.0
	if err := h.engine.SetStrategyConfig(ctx, config.StrategyUpdate{CapitalKRW: &capital}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.engine.SetEnabled(ctx, false)
	h.engine.SetEnabled(ctx, true)

	restarted := h.build(true, []string{"BTC", "ETH"})
	if err := restarted.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg := restarted.Policy().Config()
	if cfg.CapitalKRW != capital {
		t.Fatalf("expected capital override kept, got %f", cfg.CapitalKRW)
	}
	if _, ok := cfg.Symbol("ETH"); !ok {
		t.Fatalf("expected ETH from config after restart")
	}

	h.engine = restarted
	h.seed("ETH")
	h.quote("ETH", -1.0)
	h.engine.Tick(ctx)
	if n := len(h.engine.ledger.Positions("ETH")); n != 1 {
		t.Fatalf("expected ETH to trade after restart, got %d positions", n)
	}
}

func TestShortFillScalesPositionFraction(t *testing.T) {
	h := newHarness(t, false)
	h.offshore.place = func(order exec.Order) (exec.Fill, error) {
		return exec.Fill{Status: exec.FillFilled, OrderID: "o-" + order.ClientOrderID, FilledQty: order.Quantity / 2, AvgPrice: order.RefPrice}, nil
	}
	h.seed("BTC")
	h.quote("BTC", -1.0)

	h.engine.Tick(context.Background())

	positions := h.engine.ledger.Positions("BTC")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if got := positions[0].Fraction; math.Abs(got-0.2) > 1e-6 {
		t.Fatalf("expected fraction scaled to 0.2, got %f", got)
	}
}

func TestPartialExitKeepsRemainder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.seed("BTC")
	h.quote("BTC", -1.0)
	h.engine.Tick(ctx)
	entry := h.engine.ledger.Positions("BTC")
	if len(entry) != 1 {
		t.Fatalf("expected an open position, got %d", len(entry))
	}

	h.offshore.place = func(order exec.Order) (exec.Fill, error) {
		return exec.Fill{Status: exec.FillFilled, OrderID: "o-" + order.ClientOrderID, FilledQty: order.Quantity / 2, AvgPrice: order.RefPrice}, nil
	}
	h.seed("BTC")
	h.quote("BTC", 1.1)
	h.engine.Tick(ctx)

	left := h.engine.ledger.Positions("BTC")
	if len(left) != 1 {
		t.Fatalf("expected remainder kept open, got %d positions", len(left))
	}
	if got, want := left[0].Quantity, entry[0].Quantity/2; math.Abs(got-want) > 1e-8 {
		t.Fatalf("expected %v left, got %v", want, got)
	}
	if len(left[0].Exits) != 1 {
		t.Fatalf("expected the exit recorded on the position, got %v", left[0].Exits)
	}
	st := h.engine.recorder.Stats()
	if st.TotalTrades != 1 {
		t.Fatalf("expected the closed part booked as a trade, got %+v", st)
	}
}
