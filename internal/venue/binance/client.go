package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
	"kimp-arb-bot/internal/venue/httpx"
)

const (
	Name  = "binance"
	Quote = "USDT"

	codeOrderNotFound = -2013
)

type Client struct {
	http   *httpx.Client
	signer *Signer
	stream *Stream
	log    *zap.Logger
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
		signer: signer,
		log:    log,
	}
}

// WithStream makes Price prefer fresh streamed prices over REST.
func (c *Client) WithStream(stream *Stream) *Client {
	c.stream = stream
	return c
}

func Pair(symbol string) string {
	return strings.ToUpper(symbol) + Quote
}

func (c *Client) Name() string       { return Name }
func (c *Client) QuoteAsset() string { return Quote }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseAPIError(body string) apiError {
	var out apiError
	_ = json.Unmarshal([]byte(body), &out)
	return out
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Price returns the last price in USDT.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	if c.stream != nil {
		if price, ok := c.stream.Price(symbol); ok {
			return price, nil
		}
	}
	var out tickerPrice
	err := c.http.Do(ctx, httpx.Request{
		Path:  "/api/v3/ticker/price",
		Query: url.Values{"symbol": {Pair(symbol)}},
	}, &out)
	if err != nil {
		return 0, err
	}
	price, ok := httpx.Float(out.Price)
	if !ok || price <= 0 {
		return 0, fmt.Errorf("binance price %s: bad value %q", symbol, out.Price)
	}
	return price, nil
}

type accountBalance struct {
	Asset string `json:"asset"`
	Free  string `json:"free"`
}

type account struct {
	Balances []accountBalance `json:"balances"`
}

func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	var out account
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", nil, &out); err != nil {
		return 0, err
	}
	for _, bal := range out.Balances {
		if strings.EqualFold(bal.Asset, asset) {
			val, ok := httpx.Float(bal.Free)
			if !ok {
				return 0, fmt.Errorf("binance balance %s: bad value %q", asset, bal.Free)
			}
			return val, nil
		}
	}
	return 0, nil
}

type orderFill struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type orderResponse struct {
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	Status              string      `json:"status"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Fills               []orderFill `json:"fills"`
}

func (c *Client) PlaceMarketOrder(ctx context.Context, o exec.Order) (exec.Fill, error) {
	side := "BUY"
	if o.Side == exec.Sell {
		side = "SELL"
	}
	params := url.Values{
		"symbol":           {Pair(o.Symbol)},
		"side":             {side},
		"type":             {"MARKET"},
		"quantity":         {httpx.FormatQty(o.Quantity)},
		"newClientOrderId": {o.ClientOrderID},
		"newOrderRespType": {"FULL"},
	}
	var out orderResponse
	if err := c.signed(ctx, http.MethodPost, "/api/v3/order", params, &out); err != nil {
		if statusErr, ok := httpx.ClientError(err); ok {
			apiErr := parseAPIError(statusErr.Body)
			reason := apiErr.Msg
			if reason == "" {
				reason = statusErr.Body
			}
			return exec.Fill{Status: exec.FillRejected, Reason: reason}, nil
		}
		return exec.Fill{Status: exec.FillUnknown}, err
	}
	return toFill(out), nil
}

func (c *Client) LookupOrder(ctx context.Context, symbol, clientOrderID string) (exec.Fill, error) {
	params := url.Values{
		"symbol":            {Pair(symbol)},
		"origClientOrderId": {clientOrderID},
	}
	var out orderResponse
	if err := c.signed(ctx, http.MethodGet, "/api/v3/order", params, &out); err != nil {
		if statusErr, ok := httpx.ClientError(err); ok && parseAPIError(statusErr.Body).Code == codeOrderNotFound {
			return exec.Fill{Status: exec.FillRejected, Reason: "order not found"}, nil
		}
		return exec.Fill{Status: exec.FillUnknown}, err
	}
	return toFill(out), nil
}

func toFill(o orderResponse) exec.Fill {
	orderID := ""
	if o.OrderID != 0 {
		orderID = fmt.Sprintf("%d", o.OrderID)
	}
	executed, _ := httpx.Float(o.ExecutedQty)
	switch o.Status {
	case "FILLED", "EXPIRED", "CANCELED", "REJECTED", "EXPIRED_IN_MATCH":
		if executed <= 0 {
			return exec.Fill{Status: exec.FillRejected, OrderID: orderID, Reason: strings.ToLower(o.Status)}
		}
		return exec.Fill{
			Status:    exec.FillFilled,
			OrderID:   orderID,
			FilledQty: executed,
			AvgPrice:  averagePrice(o, executed),
		}
	default:
		return exec.Fill{Status: exec.FillUnknown, OrderID: orderID}
	}
}

func averagePrice(o orderResponse, executed float64) float64 {
	if quote, ok := httpx.Float(o.CummulativeQuoteQty); ok && quote > 0 {
		return quote / executed
	}
	var qty, notional float64
	for _, f := range o.Fills {
		p, _ := httpx.Float(f.Price)
		q, _ := httpx.Float(f.Qty)
		qty += q
		notional += p * q
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.signer == nil {
		return ErrMissingCredentials
	}
	return c.http.Do(ctx, httpx.Request{
		Method:   method,
		Path:     path,
		RawQuery: c.signer.Sign(params),
		Header:   http.Header{"X-MBX-APIKEY": {c.signer.apiKey}},
	}, out)
}

var _ exec.Venue = (*Client)(nil)
