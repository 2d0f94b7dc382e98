package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/alerts"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/ledger"
	"kimp-arb-bot/internal/market"
	"kimp-arb-bot/internal/stats"
	"kimp-arb-bot/internal/strategy"
	"kimp-arb-bot/internal/timescale"
)

func (e *Engine) enter(ctx context.Context, side strategy.Side, size strategy.Size, obs market.Observation, flags tickFlags) {
	cfg := flags.policy.Config()
	req := exec.Request{
		Symbol:     obs.Symbol,
		Intent:     exec.IntentEntry,
		Side:       side,
		Fraction:   size.Fraction,
		CapitalKRW: cfg.CapitalKRW,
		Prices:     exec.Prices{Domestic: obs.Domestic, Offshore: obs.Offshore, FX: obs.FX},
		CostRate:   cfg.FeeRate + cfg.SlippageRate,
		Premium:    obs.Premium,
		ZScore:     obs.ZScore,
		Tier:       size.Tier,
		DryRun:     flags.dryRun,
	}
	e.log.Info("entry signal",
		zap.String("symbol", obs.Symbol),
		zap.String("side", string(side)),
		zap.String("tier", string(size.Tier)),
		zap.Float64("fraction", size.Fraction),
		zap.Float64("premium", obs.Premium),
		zap.Float64("z", obs.ZScore),
		zap.Bool("dry_run", flags.dryRun),
	)
	res, err := e.executor.Execute(ctx, req)
	e.handleResult(ctx, res, err)
}

// exit closes pos in the mode it was opened in: a dry-run position never sends
// orders and a live position is never dropped without them.
func (e *Engine) exit(ctx context.Context, pos ledger.Position, obs market.Observation) {
	req := exec.Request{
		Symbol:     pos.Symbol,
		Intent:     exec.IntentExit,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		PositionID: pos.ID,
		Prices:     exec.Prices{Domestic: obs.Domestic, Offshore: obs.Offshore, FX: obs.FX},
		Premium:    obs.Premium,
		ZScore:     obs.ZScore,
		Tier:       pos.Tier,
		DryRun:     pos.Receipt.DryRun,
	}
	e.log.Info("exit signal",
		zap.String("symbol", pos.Symbol),
		zap.String("position_id", pos.ID),
		zap.Float64("entry_premium", pos.EntryPremium),
		zap.Float64("premium", obs.Premium),
		zap.Float64("z", obs.ZScore),
		zap.Bool("dry_run", pos.Receipt.DryRun),
	)
	res, err := e.executor.Execute(ctx, req)
	e.handleResult(ctx, res, err)
}

func (e *Engine) handleResult(ctx context.Context, res exec.Result, err error) {
	log := e.log.With(zap.String("symbol", res.Request.Symbol), zap.String("execution_id", res.ID))
	switch {
	case isBusy(err):
		e.log.Debug("symbol busy, skipped")
	case res.ID == "":
		e.log.Error("execution request rejected", zap.Error(err))
	case res.State == exec.StateCommitted:
		e.applyCommitted(ctx, res)
	case res.State == exec.StateAborted:
		e.metrics.ExecutionsAborted.Inc()
		e.recorder.RecordAborted(ctx)
		log.Warn("execution aborted", zap.String("intent", string(res.Request.Intent)), zap.Error(err))
		if errors.Is(err, exec.ErrExchangeRejected) {
			e.notify(ctx, alerts.Event{
				Level:   alerts.LevelWarning,
				Title:   "Both legs rejected",
				Message: res.Error,
				Fields:  resultFields(res),
			})
		}
	case res.State == exec.StatePartialFailure:
		e.recordPartialFailure(ctx, res)
		log.Error("partial execution", zap.String("outcome", string(res.Outcome)), zap.Error(err))
	default:
		log.Error("execution ended in unexpected state", zap.String("state", string(res.State)), zap.Error(err))
	}
}

func (e *Engine) recordPartialFailure(ctx context.Context, res exec.Result) {
	e.metrics.PartialFailures.Inc()
	switch res.Outcome {
	case exec.OutcomeCompensationFailed:
		e.metrics.CompensationFailed.Inc()
	case exec.OutcomeUnverified:
		e.metrics.Unverified.Inc()
	}
	e.recorder.RecordPartialFailure(ctx, stats.Outcome(res.Outcome))
	e.notify(ctx, alerts.Event{
		Level:   alerts.LevelCritical,
		Title:   "Partial execution: " + string(res.Outcome),
		Message: res.Error,
		Fields:  resultFields(res),
	})
}

// applyCommitted books a committed round and acknowledges it. Position and
// trade IDs derive from the execution ID so re-applying after a restart is a
// no-op.
func (e *Engine) applyCommitted(ctx context.Context, res exec.Result) {
	var err error
	switch res.Request.Intent {
	case exec.IntentEntry:
		err = e.openPosition(ctx, res)
	case exec.IntentExit:
		err = e.closePosition(ctx, res)
	}
	if err != nil {
		e.log.Error("committed execution not applied",
			zap.String("execution_id", res.ID),
			zap.String("symbol", res.Request.Symbol),
			zap.Error(err),
		)
		e.notify(ctx, alerts.Event{
			Level:   alerts.LevelCritical,
			Title:   "Committed execution not applied",
			Message: err.Error(),
			Fields:  resultFields(res),
		})
		return
	}
	e.executor.Acknowledge(ctx, res)
	e.updatePositionGauges(res.Request.Symbol)
}

func (e *Engine) openPosition(ctx context.Context, res exec.Result) error {
	req := res.Request
	qty := res.FilledQuantity()
	fraction := req.Fraction
	if res.Quantity > 0 && qty < res.Quantity {
		fraction = req.Fraction * qty / res.Quantity
	}
	pos := ledger.Position{
		ID:           res.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Tier:         req.Tier,
		EntryPremium: req.Premium,
		EntryZ:       req.ZScore,
		Fraction:     fraction,
		Quantity:     qty,
		NotionalKRW:  qty * req.Prices.Domestic,
		EntryTime:    res.UpdatedAt,
		EntryPrices:  ledger.Prices{Domestic: req.Prices.Domestic, Offshore: req.Prices.Offshore, FX: req.Prices.FX},
		Receipt: ledger.Receipt{
			ExecutionID:     res.ID,
			DomesticOrderID: res.Domestic.Fill.OrderID,
			OffshoreOrderID: res.Offshore.Fill.OrderID,
			DryRun:          req.DryRun,
		},
	}
	if _, exists := e.ledger.Get(pos.ID); exists {
		return nil
	}
	if err := e.ledger.Open(ctx, pos); err != nil {
		return err
	}
	e.metrics.EntriesCommitted.Inc()
	e.log.Info("position opened",
		zap.String("symbol", pos.Symbol),
		zap.String("position_id", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.String("tier", string(pos.Tier)),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("notional_krw", pos.NotionalKRW),
	)
	e.notify(ctx, alerts.Event{
		Level:   alerts.LevelInfo,
		Title:   fmt.Sprintf("Entered %s %s", pos.Symbol, pos.Side),
		Message: fmt.Sprintf("premium %.3f%%, z %.2f, tier %s", pos.EntryPremium, pos.EntryZ, pos.Tier),
		Fields:  resultFields(res),
	})
	return nil
}

// closePosition books an exit. A fill short of the position quantity books a
// trade for the closed part and leaves the rest open, unless the rest is too
// small to trade.
func (e *Engine) closePosition(ctx context.Context, res exec.Result) error {
	req := res.Request
	pos, ok := e.ledger.Get(req.PositionID)
	if !ok {
		e.log.Warn("exit for unknown position", zap.String("position_id", req.PositionID))
		return nil
	}
	if pos.HasExit(res.ID) {
		return nil
	}
	closed := res.FilledQuantity()
	remaining := exec.SubQty(pos.Quantity, closed)
	partial := closed > 0 && remaining > 0 && e.executor.ExitQuantity(pos.Symbol, remaining) > 0
	booked := pos
	if partial {
		ratio := closed / pos.Quantity
		booked.Quantity = closed
		booked.Fraction = pos.Fraction * ratio
		booked.NotionalKRW = pos.NotionalKRW * ratio
	}
	cfg := e.Policy().Config()
	trade := stats.NewTrade(booked, stats.Exit{
		TradeID:     res.ID,
		Premium:     req.Premium,
		ZScore:      req.ZScore,
		Time:        res.UpdatedAt,
		ExecutionID: res.ID,
		DryRun:      req.DryRun,
	}, stats.CostModel{FeeRate: cfg.FeeRate, SlippageRate: cfg.SlippageRate})
	if err := e.recorder.Record(ctx, trade); err != nil && !errors.Is(err, stats.ErrDuplicateTrade) {
		return err
	}
	if partial {
		left, err := e.ledger.Reduce(ctx, pos.ID, res.ID, closed)
		if err != nil {
			return err
		}
		e.log.Warn("position partially closed",
			zap.String("symbol", pos.Symbol),
			zap.String("position_id", pos.ID),
			zap.Float64("closed_qty", closed),
			zap.Float64("remaining_qty", left.Quantity),
		)
	} else if _, err := e.ledger.Close(ctx, pos.ID); err != nil && !errors.Is(err, ledger.ErrPositionNotFound) {
		return err
	}
	e.metrics.ExitsCommitted.Inc()
	e.timescale.EnqueueTrade(timescale.Trade{
		ID:             trade.ID,
		Symbol:         trade.Symbol,
		Side:           string(trade.Side),
		Tier:           string(trade.Tier),
		EntryTime:      trade.EntryTime,
		ExitTime:       trade.ExitTime,
		EntryPremium:   trade.EntryPremium,
		ExitPremium:    trade.ExitPremium,
		NotionalKRW:    trade.NotionalKRW,
		GrossProfitKRW: trade.GrossProfitKRW,
		CostKRW:        trade.CostKRW,
		NetProfitKRW:   trade.NetProfitKRW,
		DryRun:         trade.DryRun,
	})
	e.log.Info("position closed",
		zap.String("symbol", trade.Symbol),
		zap.String("position_id", pos.ID),
		zap.Float64("profit_pct", trade.GrossProfitPct),
		zap.Float64("net_profit_krw", trade.NetProfitKRW),
		zap.Duration("held", trade.HoldingDuration),
	)
	e.notify(ctx, alerts.Event{
		Level:   alerts.LevelInfo,
		Title:   fmt.Sprintf("Exited %s %s", trade.Symbol, trade.Side),
		Message: fmt.Sprintf("profit %.3f%%p, net %.0f KRW", trade.GrossProfitPct, trade.NetProfitKRW),
		Fields:  resultFields(res),
	})
	return nil
}

// applyRecovered folds a round settled by Recover into the ledger and stats.
// Stats already counted whatever the round looked like before the restart.
func (e *Engine) applyRecovered(ctx context.Context, res exec.Result) {
	switch res.State {
	case exec.StateCommitted:
		if res.PriorOutcome == exec.OutcomeUnverified {
			e.recorder.ResolveUnverified(ctx, stats.Outcome(res.Outcome))
			e.notify(ctx, alerts.Event{
				Level:  alerts.LevelWarning,
				Title:  "Unverified execution resolved: committed",
				Fields: resultFields(res),
			})
		}
		if !res.Acknowledged {
			e.applyCommitted(ctx, res)
		}
	case exec.StateAborted:
		switch {
		case res.PriorState == exec.StateSubmitBoth:
			e.metrics.ExecutionsAborted.Inc()
			e.recorder.RecordAborted(ctx)
		case res.PriorOutcome == exec.OutcomeUnverified:
			e.recorder.ResolveUnverified(ctx, stats.Outcome(res.Outcome))
		}
	case exec.StatePartialFailure:
		switch {
		case res.PriorState == exec.StateSubmitBoth:
			e.recordPartialFailure(ctx, res)
		case res.PriorOutcome == exec.OutcomeUnverified && res.Outcome != exec.OutcomeUnverified:
			e.recorder.ResolveUnverified(ctx, stats.Outcome(res.Outcome))
			e.notify(ctx, alerts.Event{
				Level:  alerts.LevelWarning,
				Title:  "Unverified execution resolved: " + string(res.Outcome),
				Fields: resultFields(res),
			})
		}
	}
}

func (e *Engine) updatePositionGauges(symbol string) {
	e.metrics.OpenPositions.Set(symbol, float64(len(e.ledger.Positions(symbol))))
	e.metrics.Exposure.Set(symbol, e.ledger.Exposure(symbol))
}

func resultFields(res exec.Result) []alerts.Field {
	fields := []alerts.Field{
		{Name: "symbol", Value: res.Request.Symbol},
		{Name: "intent", Value: string(res.Request.Intent)},
		{Name: "side", Value: string(res.Request.Side)},
		{Name: "execution", Value: res.ID},
	}
	if res.Quantity > 0 {
		fields = append(fields, alerts.Field{Name: "qty", Value: fmt.Sprintf("%.8f", res.Quantity)})
	}
	if res.Request.DryRun {
		fields = append(fields, alerts.Field{Name: "mode", Value: "dry-run"})
	}
	return fields
}
