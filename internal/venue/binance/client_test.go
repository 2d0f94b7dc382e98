package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	signer, err := NewSigner("key", "secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signer.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return New(config.VenueConfig{BaseURL: srv.URL, Timeout: time.Second}, signer, nil)
}

func checkSignature(t *testing.T, r *http.Request) {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		t.Errorf("missing signature in %s", raw)
		return
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(raw[:idx]))
	if raw[idx+len("&signature="):] != hex.EncodeToString(mac.Sum(nil)) {
		t.Errorf("bad signature for %s", raw)
	}
	if r.Header.Get("X-MBX-APIKEY") != "key" {
		t.Errorf("missing api key header")
	}
}

func TestSignerStampsTimestamp(t *testing.T) {
	signer, _ := NewSigner("key", "secret")
	signer.now = func() time.Time { return time.UnixMilli(42) }
	query := signer.Sign(url.Values{"symbol": {"BTCUSDT"}})
	if !strings.HasPrefix(query, "recvWindow=5000&symbol=BTCUSDT&timestamp=42&signature=") {
		t.Fatalf("unexpected signed query %s", query)
	}
}

func TestPriceREST(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "ETHUSDT" {
			t.Errorf("unexpected symbol %q", r.URL.Query().Get("symbol"))
		}
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"2500.10"}`))
	})
	price, err := c.Price(context.Background(), "eth")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 2500.10 {
		t.Fatalf("expected 2500.10, got %v", price)
	}
}

func TestPricePrefersFreshStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("REST must not be called when the stream is fresh")
	})
	stream := NewStream("ws://unused", []string{"BTC"}, time.Minute, nil)
	stream.handle([]byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"65000.5"}}`))
	c.WithStream(stream)
	price, err := c.Price(context.Background(), "BTC")
	if err != nil || price != 65000.5 {
		t.Fatalf("expected streamed 65000.5, got %v %v", price, err)
	}
}

func TestBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		checkSignature(t, r)
		_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"1200.5","locked":"0"},{"asset":"BTC","free":"0.25","locked":"0"}]}`))
	})
	usdt, err := c.Balance(context.Background(), "USDT")
	if err != nil || usdt != 1200.5 {
		t.Fatalf("expected 1200.5, got %v %v", usdt, err)
	}
	xrp, err := c.Balance(context.Background(), "XRP")
	if err != nil || xrp != 0 {
		t.Fatalf("expected 0 for missing asset, got %v %v", xrp, err)
	}
}

func TestPlaceMarketOrderFilled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		checkSignature(t, r)
		q := r.URL.Query()
		if r.Method != http.MethodPost || q.Get("type") != "MARKET" || q.Get("side") != "SELL" {
			t.Errorf("unexpected order %s %s", r.Method, r.URL.RawQuery)
		}
		if q.Get("quantity") != "0.5" || q.Get("newClientOrderId") != "ko1" {
			t.Errorf("unexpected quantity or client id in %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"orderId":77,"clientOrderId":"ko1","status":"FILLED","executedQty":"0.50000000","cummulativeQuoteQty":"32500.00"}`))
	})
	fill, err := c.PlaceMarketOrder(context.Background(), exec.Order{
		Symbol: "BTC", Side: exec.Sell, Quantity: 0.5, ClientOrderID: "ko1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill.Status != exec.FillFilled || fill.OrderID != "77" || fill.FilledQty != 0.5 || fill.AvgPrice != 65000 {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestPlaceMarketOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})
	fill, err := c.PlaceMarketOrder(context.Background(), exec.Order{
		Symbol: "BTC", Side: exec.Buy, Quantity: 0.5, ClientOrderID: "ko2",
	})
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if fill.Status != exec.FillRejected || !strings.Contains(fill.Reason, "insufficient balance") {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestLookupOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		checkSignature(t, r)
		switch r.URL.Query().Get("origClientOrderId") {
		case "done":
			_, _ = w.Write([]byte(`{"orderId":5,"status":"FILLED","executedQty":"10","cummulativeQuoteQty":"5.5"}`))
		case "new":
			_, _ = w.Write([]byte(`{"orderId":6,"status":"NEW","executedQty":"0"}`))
		case "gone":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	ctx := context.Background()
	if fill, err := c.LookupOrder(ctx, "XRP", "done"); err != nil || fill.Status != exec.FillFilled || fill.FilledQty != 10 {
		t.Fatalf("unexpected done lookup %+v %v", fill, err)
	}
	if fill, err := c.LookupOrder(ctx, "XRP", "new"); err != nil || fill.Status != exec.FillUnknown {
		t.Fatalf("expected unknown for open order, got %+v %v", fill, err)
	}
	if fill, err := c.LookupOrder(ctx, "XRP", "gone"); err != nil || fill.Status != exec.FillRejected {
		t.Fatalf("expected rejected for missing order, got %+v %v", fill, err)
	}
	if _, err := c.LookupOrder(ctx, "XRP", "down"); err == nil {
		t.Fatalf("expected error when venue is down")
	}
}
