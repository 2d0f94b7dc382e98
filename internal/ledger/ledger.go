package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kimp-arb-bot/internal/state"
	"kimp-arb-bot/internal/strategy"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidPosition  = errors.New("invalid position")
)

type Prices struct {
	Domestic float64 `json:"domestic"`
	Offshore float64 `json:"offshore"`
	FX       float64 `json:"fx"`
}

// Receipt ties a position back to the execution that created it.
type Receipt struct {
	ExecutionID     string `json:"execution_id"`
	DomesticOrderID string `json:"domestic_order_id"`
	OffshoreOrderID string `json:"offshore_order_id"`
	DryRun          bool   `json:"dry_run"`
}

type Position struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Side         strategy.Side `json:"side"`
	Tier         strategy.Tier `json:"tier"`
	EntryPremium float64       `json:"entry_premium"`
	EntryZ       float64       `json:"entry_z"`
	Fraction     float64       `json:"fraction"`
	Quantity     float64       `json:"quantity"`
	NotionalKRW  float64       `json:"notional_krw"`
	EntryTime    time.Time     `json:"entry_time"`
	EntryPrices  Prices        `json:"entry_prices"`
	Receipt      Receipt       `json:"receipt"`
	// Exits lists executions that partially closed the position.
	Exits []string `json:"exits,omitempty"`
}

func (p Position) HasExit(executionID string) bool {
	for _, id := range p.Exits {
		if id == executionID {
			return true
		}
	}
	return false
}

func (p Position) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidPosition)
	case p.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidPosition)
	case !p.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidPosition, p.Side)
	case p.Fraction <= 0 || p.Fraction > 1:
		return fmt.Errorf("%w: fraction %f", ErrInvalidPosition, p.Fraction)
	}
	return nil
}

// Ledger owns every open position. Each mutation is written through to the
// store so positions survive a restart.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string][]Position
	store     state.Store
	log       *zap.Logger
}

func New(store state.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[string][]Position),
		store:     store,
		log:       log,
	}
}

// Load replaces in-memory positions with the persisted set.
func (l *Ledger) Load(ctx context.Context) error {
	var persisted []Position
	ok, err := state.LoadJSON(ctx, l.store, state.PositionsKey, &persisted)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string][]Position)
	if !ok {
		return nil
	}
	for _, pos := range persisted {
		l.positions[pos.Symbol] = append(l.positions[pos.Symbol], pos)
	}
	return nil
}

// Open appends a position. Exposure limits are the caller's concern; the
// ledger only rejects malformed or duplicate positions.
func (l *Ledger) Open(ctx context.Context, pos Position) error {
	if err := pos.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	for _, list := range l.positions {
		for _, existing := range list {
			if existing.ID == pos.ID {
				l.mu.Unlock()
				return fmt.Errorf("%w: duplicate id %s", ErrInvalidPosition, pos.ID)
			}
		}
	}
	l.positions[pos.Symbol] = append(l.positions[pos.Symbol], pos)
	snapshot := l.allLocked()
	l.mu.Unlock()
	l.persist(ctx, snapshot)
	return nil
}

func (l *Ledger) Close(ctx context.Context, id string) (Position, error) {
	l.mu.Lock()
	for sym, list := range l.positions {
		for i, pos := range list {
			if pos.ID != id {
				continue
			}
			next := append(append([]Position(nil), list[:i]...), list[i+1:]...)
			if len(next) == 0 {
				delete(l.positions, sym)
			} else {
				l.positions[sym] = next
			}
			snapshot := l.allLocked()
			l.mu.Unlock()
			l.persist(ctx, snapshot)
			return pos, nil
		}
	}
	l.mu.Unlock()
	return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

// Reduce takes closedQty off a position after a partial exit. Fraction and
// notional shrink in proportion. Applying the same exit twice is a no-op.
func (l *Ledger) Reduce(ctx context.Context, id, executionID string, closedQty float64) (Position, error) {
	l.mu.Lock()
	for sym, list := range l.positions {
		for i, pos := range list {
			if pos.ID != id {
				continue
			}
			if pos.HasExit(executionID) {
				l.mu.Unlock()
				return pos, nil
			}
			remaining, _ := decimal.NewFromFloat(pos.Quantity).Sub(decimal.NewFromFloat(closedQty)).Float64()
			if closedQty <= 0 || remaining <= 0 {
				l.mu.Unlock()
				return Position{}, fmt.Errorf("%w: reduce %s by %f of %f", ErrInvalidPosition, id, closedQty, pos.Quantity)
			}
			ratio := remaining / pos.Quantity
			next := pos
			next.Quantity = remaining
			next.Fraction = pos.Fraction * ratio
			next.NotionalKRW = pos.NotionalKRW * ratio
			next.Exits = append(append([]string(nil), pos.Exits...), executionID)
			updated := append([]Position(nil), list...)
			updated[i] = next
			l.positions[sym] = updated
			snapshot := l.allLocked()
			l.mu.Unlock()
			l.persist(ctx, snapshot)
			return next, nil
		}
	}
	l.mu.Unlock()
	return Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

func (l *Ledger) Get(id string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, list := range l.positions {
		for _, pos := range list {
			if pos.ID == id {
				return pos, true
			}
		}
	}
	return Position{}, false
}

// Exposure sums size fractions over both sides of the symbol.
func (l *Ledger) Exposure(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, pos := range l.positions[symbol] {
		total += pos.Fraction
	}
	return total
}

// ExposureFor sums fractions of the symbol's positions opened in the given
// mode. Dry-run positions never count against live sizing and vice versa.
func (l *Ledger) ExposureFor(symbol string, dryRun bool) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, pos := range l.positions[symbol] {
		if pos.Receipt.DryRun == dryRun {
			total += pos.Fraction
		}
	}
	return total
}

func (l *Ledger) SameSideCountFor(symbol string, side strategy.Side, dryRun bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, pos := range l.positions[symbol] {
		if pos.Side == side && pos.Receipt.DryRun == dryRun {
			n++
		}
	}
	return n
}

func (l *Ledger) SameSideCount(symbol string, side strategy.Side) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, pos := range l.positions[symbol] {
		if pos.Side == side {
			n++
		}
	}
	return n
}

// Positions returns the symbol's open positions in entry order.
func (l *Ledger) Positions(symbol string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Position(nil), l.positions[symbol]...)
}

func (l *Ledger) All() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allLocked()
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, list := range l.positions {
		n += len(list)
	}
	return n
}

func (l *Ledger) allLocked() []Position {
	symbols := make([]string, 0, len(l.positions))
	for sym := range l.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	out := make([]Position, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, l.positions[sym]...)
	}
	return out
}

// persist failures are logged, not returned: the in-memory ledger mirrors
// fills that already happened on the venues.
func (l *Ledger) persist(ctx context.Context, positions []Position) {
	if l.store == nil {
		return
	}
	if err := state.SaveJSON(ctx, l.store, state.PositionsKey, positions); err != nil {
		l.log.Error("ledger persist failed", zap.Int("positions", len(positions)), zap.Error(err))
	}
}
