package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type FetcherOptions struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	// OnTrip is called when a venue breaker opens.
	OnTrip func(venue string)
}

// Fetcher collects one quote per symbol from both venues and the FX source.
// Each venue sits behind its own circuit breaker.
type Fetcher struct {
	domestic PriceSource
	offshore PriceSource
	fx       FXSource
	opts     FetcherOptions
	log      *zap.Logger
	now      func() time.Time

	breakers map[string]*gobreaker.CircuitBreaker
}

func NewFetcher(domestic, offshore PriceSource, fx FXSource, opts FetcherOptions, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	f := &Fetcher{
		domestic: domestic,
		offshore: offshore,
		fx:       fx,
		opts:     opts,
		log:      log,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	f.breakers["domestic"] = f.newBreaker("domestic")
	f.breakers["offshore"] = f.newBreaker("offshore")
	return f
}

func (f *Fetcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		f.log.Warn("price source breaker state change",
			zap.String("venue", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if to == gobreaker.StateOpen && f.opts.OnTrip != nil {
			f.opts.OnTrip(name)
		}
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Fetch returns quotes in symbol order. A missing FX rate fails every symbol.
func (f *Fetcher) Fetch(ctx context.Context, symbols []string) []Quote {
	quotes := make([]Quote, len(symbols))
	fxCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	rate, fxAge, fxErr := f.rate(fxCtx)
	cancel()
	if fxErr != nil {
		for i, sym := range symbols {
			quotes[i] = Quote{Symbol: sym, At: f.now(), Err: fxErr}
		}
		return quotes
	}

	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			symCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()
			quotes[i] = f.quote(symCtx, sym, rate, fxAge)
		}(i, sym)
	}
	wg.Wait()
	return quotes
}

func (f *Fetcher) rate(ctx context.Context) (float64, time.Duration, error) {
	if aged, ok := f.fx.(interface {
		RateWithAge(context.Context) (float64, time.Duration, error)
	}); ok {
		return aged.RateWithAge(ctx)
	}
	rate, err := f.fx.Rate(ctx)
	if err != nil {
		if !errors.Is(err, ErrDataUnavailable) {
			err = fmt.Errorf("%w: fx: %v", ErrDataUnavailable, err)
		}
		return 0, 0, err
	}
	return rate, 0, nil
}

func (f *Fetcher) quote(ctx context.Context, symbol string, rate float64, fxAge time.Duration) Quote {
	q := Quote{Symbol: symbol, FX: rate, FXAge: fxAge}
	var domErr, offErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Domestic, domErr = f.price(ctx, "domestic", f.domestic, symbol)
	}()
	go func() {
		defer wg.Done()
		q.Offshore, offErr = f.price(ctx, "offshore", f.offshore, symbol)
	}()
	wg.Wait()
	q.At = f.now()
	if err := errors.Join(domErr, offErr); err != nil {
		q.Err = fmt.Errorf("%w: %s: %v", ErrDataUnavailable, symbol, err)
	}
	return q
}

// price retries transient failures with exponential backoff until the
// context deadline. An open breaker is not retried.
func (f *Fetcher) price(ctx context.Context, venue string, src PriceSource, symbol string) (float64, error) {
	breaker := f.breakers[venue]
	delay := f.opts.Backoff
	var lastErr error
	for attempt := 0; attempt <= f.opts.Retries; attempt++ {
		out, err := breaker.Execute(func() (any, error) {
			price, err := src.Price(ctx, symbol)
			if err == nil && price <= 0 {
				err = fmt.Errorf("non-positive price %v", price)
			}
			return price, err
		})
		if err == nil {
			return out.(float64), nil
		}
		lastErr = fmt.Errorf("%s: %w", venue, err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, lastErr
		}
		if attempt == f.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, lastErr
}

// BreakerState reports the breaker state of "domestic" or "offshore".
func (f *Fetcher) BreakerState(venue string) string {
	if b, ok := f.breakers[venue]; ok {
		return b.State().String()
	}
	return ""
}
