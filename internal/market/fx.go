package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/venue/httpx"
)

// ExchangeRateClient reads USD/KRW from an exchangerate-api style endpoint
// ({"rates":{"KRW":...}}).
type ExchangeRateClient struct {
	http *httpx.Client
}

func NewExchangeRateClient(url string, timeout time.Duration, log *zap.Logger) *ExchangeRateClient {
	return &ExchangeRateClient{http: httpx.New(url, httpx.Options{Timeout: timeout}, log)}
}

type exchangeRates struct {
	Rates map[string]float64 `json:"rates"`
}

func (c *ExchangeRateClient) Rate(ctx context.Context) (float64, error) {
	var out exchangeRates
	if err := c.http.Do(ctx, httpx.Request{}, &out); err != nil {
		return 0, err
	}
	rate := out.Rates["KRW"]
	if rate <= 0 {
		return 0, fmt.Errorf("fx response missing KRW rate")
	}
	return rate, nil
}

// FXCache refreshes the rate at most once per refresh interval and serves the
// cached value until it is older than maxAge. There is no default rate.
type FXCache struct {
	source     FXSource
	refresh    time.Duration
	retryAfter time.Duration
	maxAge     time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	rate        float64
	fetchedAt   time.Time
	lastAttempt time.Time
	lastErr     error
}

func NewFXCache(source FXSource, refresh, maxAge time.Duration, log *zap.Logger) *FXCache {
	if log == nil {
		log = zap.NewNop()
	}
	retryAfter := 30 * time.Second
	if refresh > 0 && refresh < retryAfter {
		retryAfter = refresh
	}
	return &FXCache{
		source:     source,
		refresh:    refresh,
		retryAfter: retryAfter,
		maxAge:     maxAge,
		log:        log,
		now:        time.Now,
	}
}

func (c *FXCache) Rate(ctx context.Context) (float64, error) {
	rate, _, err := c.RateWithAge(ctx)
	return rate, err
}

// RateWithAge returns the cached rate and how old it is, refreshing first when
// the refresh window has passed.
func (c *FXCache) RateWithAge(ctx context.Context) (float64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.shouldRefresh(now) {
		c.lastAttempt = now
		rate, err := c.source.Rate(ctx)
		if err != nil {
			c.lastErr = err
			c.log.Warn("fx refresh failed", zap.Error(err))
		} else {
			c.rate = rate
			c.fetchedAt = now
			c.lastErr = nil
		}
	}
	if c.rate <= 0 {
		return 0, 0, fmt.Errorf("%w: no fx rate: %v", ErrDataUnavailable, c.lastErr)
	}
	age := now.Sub(c.fetchedAt)
	if c.maxAge > 0 && age > c.maxAge {
		return 0, age, fmt.Errorf("%w: fx rate is %s old", ErrDataUnavailable, age.Truncate(time.Second))
	}
	return c.rate, age, nil
}

func (c *FXCache) shouldRefresh(now time.Time) bool {
	if c.lastAttempt.IsZero() {
		return true
	}
	if c.lastErr != nil {
		return now.Sub(c.lastAttempt) >= c.retryAfter
	}
	if c.refresh <= 0 {
		return true
	}
	return now.Sub(c.fetchedAt) >= c.refresh
}
