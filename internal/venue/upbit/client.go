package upbit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/venue/httpx"
)

const (
	Name  = "upbit"
	Quote = "KRW"
)

var ErrNoTicker = errors.New("upbit ticker missing")

// Client is the KRW-quoted domestic venue. Public endpoints work without a
// signer; account and order endpoints need one.
type Client struct {
	http         *httpx.Client
	signer       *Signer
	log          *zap.Logger
	pollInterval time.Duration
}

func New(cfg config.VenueConfig, signer *Signer, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: httpx.New(cfg.BaseURL, httpx.Options{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
		}, log),
		signer:       signer,
		log:          log,
		pollInterval: 250 * time.Millisecond,
	}
}

func Market(symbol string) string {
	return Quote + "-" + strings.ToUpper(symbol)
}

func (c *Client) Name() string       { return Name }
func (c *Client) QuoteAsset() string { return Quote }

type ticker struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
}

// Price returns the last trade price in KRW.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	var out []ticker
	err := c.http.Do(ctx, httpx.Request{
		Path:  "/v1/ticker",
		Query: url.Values{"markets": {Market(symbol)}},
	}, &out)
	if err != nil {
		return 0, err
	}
	for _, t := range out {
		if t.Market == Market(symbol) && t.TradePrice > 0 {
			return t.TradePrice, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoTicker, symbol)
}

type account struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

// Balance returns the free balance of asset. Assets without an account row
// are reported as zero.
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	var out []account
	if err := c.private(ctx, http.MethodGet, "/v1/accounts", nil, nil, &out); err != nil {
		return 0, err
	}
	asset = strings.ToUpper(asset)
	for _, acct := range out {
		if strings.EqualFold(acct.Currency, asset) {
			val, ok := httpx.Float(acct.Balance)
			if !ok {
				return 0, fmt.Errorf("upbit balance %s: bad value %q", asset, acct.Balance)
			}
			return val, nil
		}
	}
	return 0, nil
}

type orderTrade struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Funds  string `json:"funds"`
}

type order struct {
	UUID           string       `json:"uuid"`
	Identifier     string       `json:"identifier"`
	State          string       `json:"state"`
	ExecutedVolume string       `json:"executed_volume"`
	Trades         []orderTrade `json:"trades"`
}

// PlaceMarketOrder submits a market order and polls until it settles. Market
// buys are sized in KRW from the reference price.
func (c *Client) PlaceMarketOrder(ctx context.Context, o exec.Order) (exec.Fill, error) {
	params := url.Values{
		"market":     {Market(o.Symbol)},
		"identifier": {o.ClientOrderID},
	}
	switch o.Side {
	case exec.Buy:
		if o.RefPrice <= 0 {
			return exec.Fill{Status: exec.FillRejected, Reason: "missing reference price"}, nil
		}
		params.Set("side", "bid")
		params.Set("ord_type", "price")
		params.Set("price", httpx.FormatQty(roundKRW(o.Quantity*o.RefPrice)))
	case exec.Sell:
		params.Set("side", "ask")
		params.Set("ord_type", "market")
		params.Set("volume", httpx.FormatQty(o.Quantity))
	default:
		return exec.Fill{Status: exec.FillRejected, Reason: "unknown side"}, nil
	}
	body := map[string]string{}
	for key := range params {
		body[key] = params.Get(key)
	}
	var placed order
	if err := c.private(ctx, http.MethodPost, "/v1/orders", params, body, &placed); err != nil {
		if statusErr, ok := httpx.ClientError(err); ok {
			return exec.Fill{Status: exec.FillRejected, Reason: statusErr.Body}, nil
		}
		return exec.Fill{Status: exec.FillUnknown}, err
	}
	return c.await(ctx, url.Values{"uuid": {placed.UUID}}, placed)
}

// LookupOrder resolves an order by the identifier it was submitted with.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientOrderID string) (exec.Fill, error) {
	var out order
	params := url.Values{"identifier": {clientOrderID}}
	if err := c.private(ctx, http.MethodGet, "/v1/order", params, nil, &out); err != nil {
		if statusErr, ok := httpx.ClientError(err); ok && statusErr.Code == http.StatusNotFound {
			return exec.Fill{Status: exec.FillRejected, Reason: "order not found"}, nil
		}
		return exec.Fill{Status: exec.FillUnknown}, err
	}
	return toFill(out), nil
}

func (c *Client) await(ctx context.Context, params url.Values, current order) (exec.Fill, error) {
	for {
		fill := toFill(current)
		if fill.Status != exec.FillUnknown {
			return fill, nil
		}
		select {
		case <-ctx.Done():
			return fill, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		var next order
		if err := c.private(ctx, http.MethodGet, "/v1/order", params, nil, &next); err != nil {
			c.log.Warn("upbit order poll failed", zap.String("uuid", current.UUID), zap.Error(err))
			continue
		}
		current = next
	}
}

func toFill(o order) exec.Fill {
	executed, _ := httpx.Float(o.ExecutedVolume)
	switch o.State {
	case "done", "cancel":
		if executed <= 0 {
			return exec.Fill{Status: exec.FillRejected, OrderID: o.UUID, Reason: "cancelled without fill"}
		}
		return exec.Fill{
			Status:    exec.FillFilled,
			OrderID:   o.UUID,
			FilledQty: executed,
			AvgPrice:  averagePrice(o.Trades),
		}
	default:
		return exec.Fill{Status: exec.FillUnknown, OrderID: o.UUID}
	}
}

func averagePrice(trades []orderTrade) float64 {
	var volume, funds float64
	for _, t := range trades {
		v, _ := httpx.Float(t.Volume)
		f, ok := httpx.Float(t.Funds)
		if !ok {
			p, _ := httpx.Float(t.Price)
			f = p * v
		}
		volume += v
		funds += f
	}
	if volume == 0 {
		return 0
	}
	return funds / volume
}

func roundKRW(v float64) float64 {
	return float64(int64(v))
}

// private signs params. Orders send them as a JSON body, reads as the query.
func (c *Client) private(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if c.signer == nil {
		return ErrMissingCredentials
	}
	token, err := c.signer.Token(params)
	if err != nil {
		return err
	}
	req := httpx.Request{
		Method: method,
		Path:   path,
		Header: http.Header{"Authorization": {"Bearer " + token}},
	}
	if body != nil {
		req.Body = body
	} else {
		req.Query = params
	}
	return c.http.Do(ctx, req, out)
}

var _ exec.Venue = (*Client)(nil)
