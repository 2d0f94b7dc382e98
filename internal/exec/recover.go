package exec

import (
	"context"

	"go.uber.org/zap"
)

// Recover re-examines rounds a previous process left open. Unknown legs are
// looked up, one-sided fills are compensated, and committed rounds that were
// never acknowledged are returned for the caller to apply.
func (e *Executor) Recover(ctx context.Context) ([]Result, error) {
	open, err := e.journal.Open(ctx)
	if err != nil {
		e.log.Error("journal scan incomplete", zap.Error(err))
	}
	return e.settle(ctx, open), err
}

// Reconcile retries every round this process still holds open: unverified
// legs and compensations are looked up again and committed rounds the caller
// has not acknowledged are handed back. It is meant to run once per tick.
func (e *Executor) Reconcile(ctx context.Context) []Result {
	return e.settle(ctx, e.Unresolved())
}

func (e *Executor) settle(ctx context.Context, rounds []Result) []Result {
	out := make([]Result, 0, len(rounds))
	for _, res := range rounds {
		symbol := res.Request.Symbol
		if !e.locks.TryLock(symbol) {
			e.log.Warn("skip recovery for busy symbol", zap.String("symbol", symbol), zap.String("execution_id", res.ID))
			continue
		}
		before, beforeOutcome := res.State, res.Outcome
		res = e.recoverOne(ctx, res)
		e.locks.Unlock(symbol)
		fields := []zap.Field{
			zap.String("execution_id", res.ID),
			zap.String("symbol", symbol),
			zap.String("from_state", string(before)),
			zap.String("state", string(res.State)),
			zap.String("outcome", string(res.Outcome)),
		}
		if res.State == before && res.Outcome == beforeOutcome {
			e.log.Debug("execution still open", fields...)
		} else {
			e.log.Info("recovered execution", fields...)
		}
		out = append(out, res)
	}
	return out
}

func (e *Executor) recoverOne(ctx context.Context, res Result) Result {
	res.PriorState, res.PriorOutcome = res.State, res.Outcome
	switch {
	case res.State == StateCommitted:
		// awaiting acknowledgement only
	case res.Compensation != nil && compensationOutcome(res.Compensation) == OutcomeUnverified:
		venue := e.venueByName(res.Compensation.Venue)
		lookupCtx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
		fill, err := venue.LookupOrder(lookupCtx, res.Request.Symbol, res.Compensation.ClientOrderID)
		cancel()
		if err == nil && fill.Status != "" {
			res.Compensation.Fill = fill
		}
		res.Outcome = compensationOutcome(res.Compensation)
		res.Acknowledged = res.Outcome != OutcomeUnverified
		res.UpdatedAt = e.now()
	case res.State == StateSubmitBoth || res.State == StatePartialFailure:
		for _, item := range []struct {
			venue Venue
			leg   *Leg
		}{{e.domestic, &res.Domestic}, {e.offshore, &res.Offshore}} {
			if item.leg.Fill.Status == "" || item.leg.Fill.Status == FillUnknown {
				e.lookupLeg(ctx, item.venue, res.Request.Symbol, item.leg)
				if item.leg.Fill.Status == "" {
					item.leg.Fill.Status = FillUnknown
				}
			}
		}
		sm := &StateMachine{State: StateSubmitBoth}
		res.State = StateSubmitBoth
		res.Outcome = OutcomeNone
		res.Error = ""
		if err := e.reconcile(ctx, sm, &res); err != nil {
			e.log.Error("recovered execution unresolved", zap.String("execution_id", res.ID), zap.Error(err))
		}
	default:
		res.Acknowledged = true
		res.UpdatedAt = e.now()
	}
	e.save(ctx, res)
	return res
}

func (e *Executor) venueByName(name string) Venue {
	if name == e.offshore.Name() {
		return e.offshore
	}
	return e.domestic
}
