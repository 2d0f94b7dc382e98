package stats

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"kimp-arb-bot/internal/ledger"
	"kimp-arb-bot/internal/state"
	"kimp-arb-bot/internal/strategy"
)

func closedTrade(id string, entry, exit float64, at time.Time) Trade {
	pos := ledger.Position{
		ID:           "pos-" + id,
		Symbol:       "BTC",
		Side:         strategy.SideLong,
		Tier:         strategy.TierNormal,
		EntryPremium: entry,
		Fraction:     0.24,
		NotionalKRW:  100000,
		EntryTime:    at.Add(-time.Hour),
	}
	return NewTrade(pos, Exit{TradeID: id, Premium: exit, ZScore: 0.1, Time: at}, CostModel{FeeRate: 0.0005, SlippageRate: 0.0005})
}

func TestNewTradeProfit(t *testing.T) {
	at := time.Unix(1700000000, 0)
	trade := closedTrade("t1", -3, -2, at)
	if math.Abs(trade.GrossProfitPct-1) > 1e-9 {
		t.Fatalf("expected 1pp gross, got %f", trade.GrossProfitPct)
	}
	if math.Abs(trade.GrossProfitKRW-1000) > 1e-9 {
		t.Fatalf("expected 1000 KRW gross, got %f", trade.GrossProfitKRW)
	}
	if math.Abs(trade.CostKRW-400) > 1e-9 {
		t.Fatalf("expected 400 KRW cost, got %f", trade.CostKRW)
	}
	if math.Abs(trade.NetProfitKRW-600) > 1e-9 {
		t.Fatalf("expected 600 KRW net, got %f", trade.NetProfitKRW)
	}
	if trade.HoldingDuration != time.Hour {
		t.Fatalf("expected 1h holding, got %v", trade.HoldingDuration)
	}
}

func TestRecorderAggregates(t *testing.T) {
	store := state.NewMemory()
	r := NewRecorder(store, nil)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)
	if err := r.Record(ctx, closedTrade("t1", -3, -2, at)); err != nil {
		t.Fatalf("record t1: %v", err)
	}
	// 0.2pp gross on 100k is 200 KRW, below the 400 KRW cost
	if err := r.Record(ctx, closedTrade("t2", -3, -2.8, at.Add(time.Minute))); err != nil {
		t.Fatalf("record t2: %v", err)
	}
	s := r.Stats()
	if s.TotalTrades != 2 || s.SuccessfulTrades != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if math.Abs(s.WinRate-50) > 1e-9 {
		t.Fatalf("expected 50%% win rate, got %f", s.WinRate)
	}
	if math.Abs(s.TotalProfitKRW-400) > 1e-6 || math.Abs(s.AverageProfitKRW-200) > 1e-6 {
		t.Fatalf("unexpected profit totals: %+v", s)
	}

	reloaded := NewRecorder(store, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Stats().TotalTrades != 2 {
		t.Fatalf("expected persisted stats, got %+v", reloaded.Stats())
	}
	recent, err := reloaded.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "t2" {
		t.Fatalf("expected newest trade t2, got %+v", recent)
	}
}

func TestRecordIsAppendOnly(t *testing.T) {
	r := NewRecorder(state.NewMemory(), nil)
	ctx := context.Background()
	trade := closedTrade("t1", -3, -2, time.Unix(1700000000, 0))
	if err := r.Record(ctx, trade); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Record(ctx, trade); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}
	if r.Stats().TotalTrades != 1 {
		t.Fatalf("duplicate must not count, got %d", r.Stats().TotalTrades)
	}
}

func TestPartialFailureCounters(t *testing.T) {
	r := NewRecorder(nil, nil)
	ctx := context.Background()
	r.RecordPartialFailure(ctx, OutcomeCompensated)
	r.RecordPartialFailure(ctx, OutcomeUnverified)
	r.RecordAborted(ctx)
	s := r.Stats()
	if s.PartialFailures != 2 || s.Compensated != 1 || s.Unverified != 1 || s.Aborted != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
	r.ResolveUnverified(ctx, OutcomeCompensationFailed)
	s = r.Stats()
	if s.Unverified != 0 || s.CompensationFailed != 1 || s.PartialFailures != 2 {
		t.Fatalf("unexpected counters after resolve: %+v", s)
	}
}
