package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/state"
)

var ErrDuplicateTrade = errors.New("trade already recorded")

// Stats are running totals. WinRate is a percentage.
type Stats struct {
	TotalTrades        int       `json:"total_trades"`
	SuccessfulTrades   int       `json:"successful_trades"`
	TotalProfitKRW     float64   `json:"total_profit_krw"`
	AverageProfitKRW   float64   `json:"average_profit_krw"`
	WinRate            float64   `json:"win_rate"`
	TotalCostKRW       float64   `json:"total_cost_krw"`
	Aborted            int       `json:"aborted"`
	PartialFailures    int       `json:"partial_failures"`
	Compensated        int       `json:"compensated"`
	CompensationFailed int       `json:"compensation_failed"`
	Unverified         int       `json:"unverified"`
	LastTradeAt        time.Time `json:"last_trade_at,omitempty"`
}

type Outcome string

const (
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeUnverified         Outcome = "unverified"
)

// Recorder appends trades to the store and keeps the aggregate current.
type Recorder struct {
	mu    sync.Mutex
	stats Stats
	store state.Store
	log   *zap.Logger
}

func NewRecorder(store state.Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Load(ctx context.Context) error {
	var persisted Stats
	ok, err := state.LoadJSON(ctx, r.store, state.StatsKey, &persisted)
	if err != nil {
		return err
	}
	if ok {
		r.mu.Lock()
		r.stats = persisted
		r.mu.Unlock()
	}
	return nil
}

// Record appends the trade and folds it into the totals. The trade log is
// append-only: an existing key is never overwritten.
func (r *Recorder) Record(ctx context.Context, trade Trade) error {
	key := tradeKey(trade)
	if r.store != nil {
		_, exists, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTrade, trade.ID)
		}
		if err := state.SaveJSON(ctx, r.store, key, trade); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.stats.TotalTrades++
	if trade.NetProfitKRW > 0 {
		r.stats.SuccessfulTrades++
	}
	r.stats.TotalProfitKRW += trade.NetProfitKRW
	r.stats.TotalCostKRW += trade.CostKRW
	r.stats.AverageProfitKRW = r.stats.TotalProfitKRW / float64(r.stats.TotalTrades)
	r.stats.WinRate = float64(r.stats.SuccessfulTrades) / float64(r.stats.TotalTrades) * 100
	r.stats.LastTradeAt = trade.ExitTime
	snapshot := r.stats
	r.mu.Unlock()
	r.persist(ctx, snapshot)
	return nil
}

func (r *Recorder) RecordAborted(ctx context.Context) {
	r.update(ctx, func(s *Stats) { s.Aborted++ })
}

func (r *Recorder) RecordPartialFailure(ctx context.Context, outcome Outcome) {
	r.update(ctx, func(s *Stats) {
		s.PartialFailures++
		switch outcome {
		case OutcomeCompensated:
			s.Compensated++
		case OutcomeCompensationFailed:
			s.CompensationFailed++
		case OutcomeUnverified:
			s.Unverified++
		}
	})
}

// ResolveUnverified moves an unverified partial failure to its final outcome
// once recovery settles it.
func (r *Recorder) ResolveUnverified(ctx context.Context, outcome Outcome) {
	r.update(ctx, func(s *Stats) {
		if s.Unverified > 0 {
			s.Unverified--
		}
		switch outcome {
		case OutcomeCompensated:
			s.Compensated++
		case OutcomeCompensationFailed:
			s.CompensationFailed++
		}
	})
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Recent returns up to limit trades, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Trade, error) {
	if r.store == nil {
		return nil, nil
	}
	entries, err := r.store.List(ctx, state.TradePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		var trade Trade
		if err := json.Unmarshal([]byte(entries[i].Value), &trade); err != nil {
			r.log.Warn("skip unreadable trade", zap.String("key", entries[i].Key), zap.Error(err))
			continue
		}
		out = append(out, trade)
	}
	return out, nil
}

func (r *Recorder) update(ctx context.Context, fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	snapshot := r.stats
	r.mu.Unlock()
	r.persist(ctx, snapshot)
}

func (r *Recorder) persist(ctx context.Context, snapshot Stats) {
	if err := state.SaveJSON(ctx, r.store, state.StatsKey, snapshot); err != nil {
		r.log.Error("stats persist failed", zap.Error(err))
	}
}

// tradeKey sorts lexically by exit time.
func tradeKey(trade Trade) string {
	return fmt.Sprintf("%s%020d:%s", state.TradePrefix, trade.ExitTime.UnixNano(), trade.ID)
}
