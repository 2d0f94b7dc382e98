package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kimp-arb-bot/internal/strategy"
)

const (
	defaultOrderTimeout   = 10 * time.Second
	defaultBalanceTimeout = 5 * time.Second
)

type Options struct {
	OrderTimeout   time.Duration
	BalanceTimeout time.Duration
	// Qty steps per symbol for each venue.
	DomesticSteps map[string]float64
	OffshoreSteps map[string]float64
}

// Executor runs two-leg market rounds across the domestic and offshore
// venues. A symbol never has more than one round in flight.
type Executor struct {
	domestic Venue
	offshore Venue
	journal  *Journal
	log      *zap.Logger
	opts     Options
	locks    *symbolLocks

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	pending map[string]Result
}

func New(domestic, offshore Venue, journal *Journal, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = defaultOrderTimeout
	}
	if opts.BalanceTimeout <= 0 {
		opts.BalanceTimeout = defaultBalanceTimeout
	}
	return &Executor{
		domestic: domestic,
		offshore: offshore,
		journal:  journal,
		log:      log,
		opts:     opts,
		locks:    newSymbolLocks(),
		now:      time.Now,
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		pending:  make(map[string]Result),
	}
}

func (e *Executor) Busy(symbol string) bool {
	return e.locks.Busy(symbol)
}

// legSides maps the position side and intent to the domestic and offshore
// order sides. A long position buys domestic and sells offshore.
func legSides(side strategy.Side, intent Intent) (OrderSide, OrderSide) {
	dom, off := Buy, Sell
	if side == strategy.SideShort {
		dom, off = Sell, Buy
	}
	if intent == IntentExit {
		return dom.Opposite(), off.Opposite()
	}
	return dom, off
}

func (r Request) validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidRequest)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	case r.Prices.Domestic <= 0 || r.Prices.Offshore <= 0:
		return fmt.Errorf("%w: prices must be positive", ErrInvalidRequest)
	}
	switch r.Intent {
	case IntentEntry:
		if r.Fraction <= 0 || r.CapitalKRW <= 0 {
			return fmt.Errorf("%w: entry needs fraction and capital", ErrInvalidRequest)
		}
	case IntentExit:
		if r.Quantity <= 0 || r.PositionID == "" {
			return fmt.Errorf("%w: exit needs quantity and position id", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: intent %q", ErrInvalidRequest, r.Intent)
	}
	return nil
}

// Execute runs one round. The returned Result is meaningful whenever a round
// was started, including on error. Committed rounds must be acknowledged with
// Acknowledge once the caller has applied them.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if !e.locks.TryLock(req.Symbol) {
		return Result{}, ErrSymbolBusy
	}
	defer e.locks.Unlock(req.Symbol)

	id := e.newID()
	domSide, offSide := legSides(req.Side, req.Intent)
	res := Result{
		ID:        id,
		Request:   req,
		State:     StateInit,
		Domestic:  Leg{Venue: e.domestic.Name(), Side: domSide, ClientOrderID: "kd" + id},
		Offshore:  Leg{Venue: e.offshore.Name(), Side: offSide, ClientOrderID: "ko" + id},
		StartedAt: e.now(),
	}
	sm := NewStateMachine()
	res.State = sm.Apply(EventLocked)

	target := req.Quantity
	if req.Intent == IntentEntry {
		target = req.Fraction * req.CapitalKRW / req.Prices.Domestic
	}
	if !req.DryRun {
		if err := e.checkBalances(ctx, req, res.Domestic.Side, res.Offshore.Side, target); err != nil {
			return e.abort(sm, res, err)
		}
	}
	res.State = sm.Apply(EventBalanceOK)

	qty := e.quantity(req)
	if qty <= 0 {
		return e.abort(sm, res, ErrZeroQuantity)
	}
	res.Quantity = qty
	res.State = sm.Apply(EventSized)

	if req.DryRun {
		res.Domestic.Fill = syntheticFill(res.Domestic.ClientOrderID, qty, req.Prices.Domestic)
		res.Offshore.Fill = syntheticFill(res.Offshore.ClientOrderID, qty, req.Prices.Offshore)
		res.State = sm.Apply(EventBothFilled)
		res.UpdatedAt = e.now()
		return res, nil
	}

	// From here on the venues may change; every step is journaled and the
	// caller's cancellation no longer applies.
	subCtx := context.WithoutCancel(ctx)
	e.save(subCtx, res)
	e.submitBoth(subCtx, &res)
	e.verifyUnknown(subCtx, &res)
	err := e.reconcile(subCtx, sm, &res)
	e.save(subCtx, res)
	return res, err
}

func (e *Executor) abort(sm *StateMachine, res Result, cause error) (Result, error) {
	res.State = sm.Apply(EventAbort)
	res.Error = cause.Error()
	res.UpdatedAt = e.now()
	return res, cause
}

func (e *Executor) quantity(req Request) float64 {
	domStep := e.opts.DomesticSteps[req.Symbol]
	offStep := e.opts.OffshoreSteps[req.Symbol]
	if req.Intent == IntentExit {
		return RoundDown(RoundDown(req.Quantity, domStep), offStep)
	}
	return HedgeQuantity(req.Fraction*req.CapitalKRW, req.Prices.Domestic, domStep, offStep)
}

// ExitQuantity is qty floored to both venues' steps for symbol. Zero means
// the quantity cannot be traded.
func (e *Executor) ExitQuantity(symbol string, qty float64) float64 {
	return e.quantity(Request{Symbol: symbol, Intent: IntentExit, Quantity: qty})
}

// checkBalances queries both venues concurrently. Buys need quote currency
// for the notional plus costs; sells need the base asset.
func (e *Executor) checkBalances(ctx context.Context, req Request, domSide, offSide OrderSide, qty float64) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.BalanceTimeout)
	defer cancel()
	type check struct {
		venue Venue
		side  OrderSide
		price float64
		err   error
	}
	checks := []*check{
		{venue: e.domestic, side: domSide, price: req.Prices.Domestic},
		{venue: e.offshore, side: offSide, price: req.Prices.Offshore},
	}
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c *check) {
			defer wg.Done()
			asset, need := req.Symbol, qty
			if c.side == Buy {
				asset = c.venue.QuoteAsset()
				need = qty * c.price * (1 + req.CostRate)
			}
			have, err := c.venue.Balance(ctx, asset)
			if err != nil {
				c.err = fmt.Errorf("%s %s balance: %v: %w", c.venue.Name(), asset, err, ErrBalanceUnavailable)
				return
			}
			if have < need {
				c.err = fmt.Errorf("%s %s balance %.8f below %.8f: %w", c.venue.Name(), asset, have, need, ErrInsufficientBalance)
			}
		}(c)
	}
	wg.Wait()
	var errs []error
	for _, c := range checks {
		if c.err != nil {
			errs = append(errs, c.err)
		}
	}
	return errors.Join(errs...)
}

// submitBoth places both legs concurrently and waits for both, each under its
// own deadline.
func (e *Executor) submitBoth(ctx context.Context, res *Result) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.placeLeg(ctx, e.domestic, res.Request.Symbol, res.Quantity, res.Request.Prices.Domestic, &res.Domestic)
	}()
	go func() {
		defer wg.Done()
		e.placeLeg(ctx, e.offshore, res.Request.Symbol, res.Quantity, res.Request.Prices.Offshore, &res.Offshore)
	}()
	wg.Wait()
	res.UpdatedAt = e.now()
}

func (e *Executor) placeLeg(ctx context.Context, venue Venue, symbol string, qty, price float64, leg *Leg) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()
	fill, err := venue.PlaceMarketOrder(ctx, Order{
		Symbol:        symbol,
		Side:          leg.Side,
		Quantity:      qty,
		RefPrice:      price,
		ClientOrderID: leg.ClientOrderID,
	})
	if err != nil {
		leg.Fill = Fill{Status: FillUnknown}
		leg.Err = err.Error()
		return
	}
	if fill.Status == "" {
		fill.Status = FillUnknown
	}
	leg.Fill = fill
}

// verifyUnknown resolves each unknown leg exactly once through the venue's
// order lookup. Orders are never resubmitted.
func (e *Executor) verifyUnknown(ctx context.Context, res *Result) {
	var wg sync.WaitGroup
	for _, item := range []struct {
		venue Venue
		leg   *Leg
	}{{e.domestic, &res.Domestic}, {e.offshore, &res.Offshore}} {
		if item.leg.Fill.Status != FillUnknown {
			continue
		}
		wg.Add(1)
		go func(venue Venue, leg *Leg) {
			defer wg.Done()
			e.lookupLeg(ctx, venue, res.Request.Symbol, leg)
		}(item.venue, item.leg)
	}
	wg.Wait()
}

func (e *Executor) lookupLeg(ctx context.Context, venue Venue, symbol string, leg *Leg) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	defer cancel()
	fill, err := venue.LookupOrder(ctx, symbol, leg.ClientOrderID)
	leg.Verified = true
	if err != nil {
		e.log.Warn("order lookup failed",
			zap.String("venue", venue.Name()),
			zap.String("client_order_id", leg.ClientOrderID),
			zap.Error(err),
		)
		return
	}
	if fill.Status == "" || fill.Status == FillUnknown {
		return
	}
	leg.Fill = fill
}

func (e *Executor) reconcile(ctx context.Context, sm *StateMachine, res *Result) error {
	dom, off := res.Domestic, res.Offshore
	defer func() { res.UpdatedAt = e.now() }()
	switch {
	case dom.Fill.Status == FillUnknown || off.Fill.Status == FillUnknown:
		res.State = sm.Apply(EventOneSided)
		res.Outcome = OutcomeUnverified
		res.Error = "leg outcome unknown after verification"
		return fmt.Errorf("%s: %w", res.Error, ErrPartialExecution)
	case dom.filled() && off.filled():
		res.State = sm.Apply(EventBothFilled)
		e.compensateResidual(ctx, res)
		return nil
	case !dom.filled() && !off.filled():
		res.State = sm.Apply(EventBothRejected)
		res.Acknowledged = true
		res.Error = fmt.Sprintf("domestic: %s; offshore: %s", legReason(dom), legReason(off))
		return fmt.Errorf("%s: %w", res.Error, ErrExchangeRejected)
	}
	res.State = sm.Apply(EventOneSided)
	venue, leg := e.domestic, dom
	if off.filled() {
		venue, leg = e.offshore, off
	}
	res.Compensation = e.compensate(ctx, venue, res.Request.Symbol, leg, "kc"+res.ID)
	res.Outcome = compensationOutcome(res.Compensation)
	res.Acknowledged = res.Outcome != OutcomeUnverified
	res.Error = fmt.Sprintf("%s leg filled %.8f, other leg %s", leg.Venue, leg.Fill.FilledQty, legReason(otherLeg(res, leg)))
	return fmt.Errorf("%s: %w", res.Error, ErrPartialExecution)
}

// compensate unwinds a one-sided fill with an opposite market order of the
// filled quantity. An unknown outcome is looked up once.
func (e *Executor) compensate(ctx context.Context, venue Venue, symbol string, leg Leg, clientID string) *Compensation {
	comp := &Compensation{
		Venue:         venue.Name(),
		Side:          leg.Side.Opposite(),
		Quantity:      leg.Fill.FilledQty,
		ClientOrderID: clientID,
	}
	price := leg.Fill.AvgPrice
	orderCtx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
	fill, err := venue.PlaceMarketOrder(orderCtx, Order{
		Symbol:        symbol,
		Side:          comp.Side,
		Quantity:      comp.Quantity,
		RefPrice:      price,
		ClientOrderID: clientID,
	})
	cancel()
	if err != nil {
		comp.Err = err.Error()
		lookupCtx, cancel := context.WithTimeout(ctx, e.opts.OrderTimeout)
		fill, err = venue.LookupOrder(lookupCtx, symbol, clientID)
		cancel()
		if err != nil {
			fill = Fill{Status: FillUnknown}
		}
	}
	comp.Fill = fill
	e.log.Error("compensating one-sided fill",
		zap.String("venue", comp.Venue),
		zap.String("symbol", symbol),
		zap.String("side", string(comp.Side)),
		zap.Float64("qty", comp.Quantity),
		zap.String("status", string(fill.Status)),
		zap.String("client_order_id", clientID),
	)
	return comp
}

func compensationOutcome(comp *Compensation) Outcome {
	if comp == nil {
		return OutcomeNone
	}
	switch comp.Fill.Status {
	case FillFilled:
		if comp.Fill.FilledQty > 0 && comp.Fill.FilledQty < comp.Quantity-1e-12 {
			return OutcomeCompensationFailed
		}
		return OutcomeCompensated
	case FillRejected:
		return OutcomeCompensationFailed
	}
	return OutcomeUnverified
}

// compensateResidual trims the larger leg of a committed round back to the
// hedged quantity. It never changes the committed state.
func (e *Executor) compensateResidual(ctx context.Context, res *Result) {
	diff := SubQty(res.Domestic.Fill.FilledQty, res.Offshore.Fill.FilledQty)
	venue, leg := e.domestic, res.Domestic
	step := e.opts.DomesticSteps[res.Request.Symbol]
	if diff < 0 {
		venue, leg = e.offshore, res.Offshore
		step = e.opts.OffshoreSteps[res.Request.Symbol]
	}
	residual := RoundDown(math.Abs(diff), step)
	if residual <= 0 {
		return
	}
	leg.Fill.FilledQty = residual
	res.Residual = e.compensate(ctx, venue, res.Request.Symbol, leg, "kr"+res.ID)
}

func otherLeg(res *Result, leg Leg) Leg {
	if leg.ClientOrderID == res.Domestic.ClientOrderID {
		return res.Offshore
	}
	return res.Domestic
}

func legReason(leg Leg) string {
	if leg.Fill.Reason != "" {
		return leg.Fill.Reason
	}
	if leg.Err != "" {
		return leg.Err
	}
	return string(leg.Fill.Status)
}

func syntheticFill(clientID string, qty, price float64) Fill {
	return Fill{Status: FillFilled, OrderID: "dry-" + clientID, FilledQty: qty, AvgPrice: price}
}

func (e *Executor) save(ctx context.Context, res Result) {
	e.mu.Lock()
	if res.Settled() && res.Acknowledged {
		delete(e.pending, res.ID)
	} else {
		e.pending[res.ID] = res
	}
	e.mu.Unlock()
	if err := e.journal.Save(ctx, res); err != nil {
		e.log.Error("journal write failed", zap.String("execution_id", res.ID), zap.String("state", string(res.State)), zap.Error(err))
	}
}

// Acknowledge marks a committed round as applied by the caller.
func (e *Executor) Acknowledge(ctx context.Context, res Result) Result {
	if res.Request.DryRun {
		return res
	}
	res.Acknowledged = true
	res.UpdatedAt = e.now()
	e.save(ctx, res)
	return res
}

// Unresolved lists rounds that are not settled or not yet acknowledged.
func (e *Executor) Unresolved() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, 0, len(e.pending))
	for _, res := range e.pending {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
