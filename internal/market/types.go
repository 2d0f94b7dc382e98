package market

import (
	"context"
	"errors"
	"time"
)

var ErrDataUnavailable = errors.New("market data unavailable")

// PriceSource returns the last traded price of symbol in the venue's quote
// currency.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// FXSource returns KRW per USD.
type FXSource interface {
	Rate(ctx context.Context) (float64, error)
}

// Quote is the raw per-symbol input to an observation.
type Quote struct {
	Symbol   string
	Domestic float64
	Offshore float64
	FX       float64
	FXAge    time.Duration
	At       time.Time
	Err      error
}

func (q Quote) OK() bool {
	return q.Err == nil && q.Domestic > 0 && q.Offshore > 0 && q.FX > 0
}

type Observation struct {
	Symbol   string    `json:"symbol"`
	Time     time.Time `json:"time"`
	Domestic float64   `json:"domestic"`
	Offshore float64   `json:"offshore"`
	FX       float64   `json:"fx"`
	Premium  float64   `json:"premium"`
	ZScore   float64   `json:"z_score"`
}
