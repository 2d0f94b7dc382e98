package exec

import (
	"context"
	"errors"
	"time"

	"kimp-arb-bot/internal/strategy"
)

var (
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrSymbolBusy          = errors.New("execution already in flight for symbol")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceUnavailable  = errors.New("balance unavailable")
	ErrZeroQuantity        = errors.New("order quantity rounds to zero")
	ErrExchangeRejected    = errors.New("both legs rejected")
	ErrPartialExecution    = errors.New("partial execution")
)

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a market order in base-asset quantity. RefPrice is the quote price
// the quantity was derived from; venues that size market buys in quote
// currency use it.
type Order struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	RefPrice      float64   `json:"ref_price"`
	ClientOrderID string    `json:"client_order_id"`
}

type FillStatus string

const (
	FillFilled   FillStatus = "filled"
	FillRejected FillStatus = "rejected"
	FillUnknown  FillStatus = "unknown"
)

type Fill struct {
	Status    FillStatus `json:"status"`
	OrderID   string     `json:"order_id,omitempty"`
	FilledQty float64    `json:"filled_qty"`
	AvgPrice  float64    `json:"avg_price"`
	Reason    string     `json:"reason,omitempty"`
}

// Venue is one side of the hedge. PlaceMarketOrder returns a rejected Fill
// with a nil error when the venue refused the order; a non-nil error means
// the outcome is unknown. LookupOrder resolves an order by client order ID and
// reports FillRejected when the venue has no such order.
type Venue interface {
	Name() string
	QuoteAsset() string
	Balance(ctx context.Context, asset string) (float64, error)
	PlaceMarketOrder(ctx context.Context, order Order) (Fill, error)
	LookupOrder(ctx context.Context, symbol, clientOrderID string) (Fill, error)
}

type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

type Prices struct {
	Domestic float64 `json:"domestic"`
	Offshore float64 `json:"offshore"`
	FX       float64 `json:"fx"`
}

// Request describes one two-leg round. Entries are sized by Fraction of
// CapitalKRW; exits carry the position Quantity. Premium, ZScore and Tier are
// carried through to the result untouched.
type Request struct {
	Symbol     string        `json:"symbol"`
	Intent     Intent        `json:"intent"`
	Side       strategy.Side `json:"side"`
	Fraction   float64       `json:"fraction,omitempty"`
	CapitalKRW float64       `json:"capital_krw,omitempty"`
	Quantity   float64       `json:"quantity,omitempty"`
	PositionID string        `json:"position_id,omitempty"`
	Prices     Prices        `json:"prices"`
	CostRate   float64       `json:"cost_rate,omitempty"`
	Premium    float64       `json:"premium"`
	ZScore     float64       `json:"z_score"`
	Tier       strategy.Tier `json:"tier,omitempty"`
	DryRun     bool          `json:"dry_run"`
}

type Outcome string

const (
	OutcomeNone               Outcome = ""
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeUnverified         Outcome = "unverified"
)

type Leg struct {
	Venue         string    `json:"venue"`
	Side          OrderSide `json:"side"`
	ClientOrderID string    `json:"client_order_id"`
	Fill          Fill      `json:"fill"`
	Err           string    `json:"err,omitempty"`
	Verified      bool      `json:"verified,omitempty"`
}

func (l Leg) filled() bool {
	return l.Fill.Status == FillFilled && l.Fill.FilledQty > 0
}

type Compensation struct {
	Venue         string    `json:"venue"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	ClientOrderID string    `json:"client_order_id"`
	Fill          Fill      `json:"fill"`
	Err           string    `json:"err,omitempty"`
}

// Result is both the return value of Execute and the journal record.
type Result struct {
	ID           string        `json:"id"`
	Request      Request       `json:"request"`
	State        State         `json:"state"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	Quantity     float64       `json:"quantity"`
	Domestic     Leg           `json:"domestic"`
	Offshore     Leg           `json:"offshore"`
	Compensation *Compensation `json:"compensation,omitempty"`
	Residual     *Compensation `json:"residual,omitempty"`
	Error        string        `json:"error,omitempty"`
	Acknowledged bool          `json:"acknowledged,omitempty"`
	// Prior* record where Recover found the round.
	PriorState   State         `json:"prior_state,omitempty"`
	PriorOutcome Outcome       `json:"prior_outcome,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// FilledQuantity is the hedged quantity of a committed round.
func (r Result) FilledQuantity() float64 {
	if r.Domestic.Fill.FilledQty < r.Offshore.Fill.FilledQty {
		return r.Domestic.Fill.FilledQty
	}
	return r.Offshore.Fill.FilledQty
}

// Settled reports whether nothing further can happen to the round without
// operator action.
func (r Result) Settled() bool {
	return r.State.Terminal() && r.Outcome != OutcomeUnverified
}
