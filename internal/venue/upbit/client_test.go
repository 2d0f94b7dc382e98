package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/exec"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	signer, err := NewSigner("access", "secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	c := New(config.VenueConfig{BaseURL: srv.URL, Timeout: time.Second}, signer, nil)
	c.pollInterval = time.Millisecond
	return c
}

func parseClaims(t *testing.T, header string) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(header, "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	})
	if err != nil {
		t.Errorf("parse token: %v", err)
	}
	return claims
}

func TestSignerQueryHash(t *testing.T) {
	signer, err := NewSigner("access", "secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signer.nonce = func() string { return "n-1" }
	params := url.Values{"market": {"KRW-BTC"}, "side": {"bid"}}
	token, err := signer.Token(params)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims := parseClaims(t, token)
	sum := sha512.Sum512([]byte("market=KRW-BTC&side=bid"))
	if claims["query_hash"] != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected query hash %v", claims["query_hash"])
	}
	if claims["access_key"] != "access" || claims["nonce"] != "n-1" || claims["query_hash_alg"] != "SHA512" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestSignerRequiresKeys(t *testing.T) {
	if _, err := NewSigner("", "secret"); err == nil {
		t.Fatalf("expected missing credential error")
	}
}

func TestPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("markets") != "KRW-BTC" {
			t.Errorf("unexpected markets %q", r.URL.Query().Get("markets"))
		}
		_, _ = w.Write([]byte(`[{"market":"KRW-BTC","trade_price":95000000}]`))
	})
	price, err := c.Price(context.Background(), "btc")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 95000000 {
		t.Fatalf("expected 95000000, got %v", price)
	}
}

func TestBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`[{"currency":"KRW","balance":"1500000.5"},{"currency":"BTC","balance":"0.01"}]`))
	})
	krw, err := c.Balance(context.Background(), "KRW")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if krw != 1500000.5 {
		t.Fatalf("expected 1500000.5, got %v", krw)
	}
	xrp, err := c.Balance(context.Background(), "XRP")
	if err != nil || xrp != 0 {
		t.Fatalf("expected zero for missing asset, got %v %v", xrp, err)
	}
}

func TestMarketBuySizedInKRWAndPolled(t *testing.T) {
	var polls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/orders":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if body["side"] != "bid" || body["ord_type"] != "price" || body["price"] != "50000000" {
				t.Errorf("unexpected order body %v", body)
			}
			if body["identifier"] != "kd1" {
				t.Errorf("expected identifier kd1, got %q", body["identifier"])
			}
			claims := parseClaims(t, r.Header.Get("Authorization"))
			if claims["query_hash"] == nil {
				t.Errorf("order token must carry a query hash")
			}
			_, _ = w.Write([]byte(`{"uuid":"u-1","state":"wait","executed_volume":"0"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/order":
			if r.URL.Query().Get("uuid") != "u-1" {
				t.Errorf("unexpected poll query %s", r.URL.RawQuery)
			}
			if atomic.AddInt32(&polls, 1) < 2 {
				_, _ = w.Write([]byte(`{"uuid":"u-1","state":"wait","executed_volume":"0"}`))
				return
			}
			_, _ = w.Write([]byte(`{"uuid":"u-1","state":"cancel","executed_volume":"0.5","trades":[{"price":"100000000","volume":"0.5","funds":"50000000"}]}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	fill, err := c.PlaceMarketOrder(context.Background(), exec.Order{
		Symbol: "BTC", Side: exec.Buy, Quantity: 0.5, RefPrice: 100000000, ClientOrderID: "kd1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill.Status != exec.FillFilled || fill.FilledQty != 0.5 || fill.AvgPrice != 100000000 {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestOrderRejectedOnClientError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"name":"insufficient_funds_ask"}}`))
	})
	fill, err := c.PlaceMarketOrder(context.Background(), exec.Order{
		Symbol: "BTC", Side: exec.Sell, Quantity: 0.1, ClientOrderID: "kd2",
	})
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if fill.Status != exec.FillRejected || !strings.Contains(fill.Reason, "insufficient_funds_ask") {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestOrderUnknownOnServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fill, err := c.PlaceMarketOrder(context.Background(), exec.Order{
		Symbol: "BTC", Side: exec.Sell, Quantity: 0.1, ClientOrderID: "kd3",
	})
	if err == nil || fill.Status != exec.FillUnknown {
		t.Fatalf("expected unknown fill with error, got %+v %v", fill, err)
	}
}

func TestLookupOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("identifier") {
		case "found":
			_, _ = w.Write([]byte(`{"uuid":"u-9","state":"done","executed_volume":"1.5","trades":[{"price":"700","volume":"1.5"}]}`))
		case "pending":
			_, _ = w.Write([]byte(`{"uuid":"u-8","state":"wait","executed_volume":"0"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"name":"order_not_found"}}`))
		}
	})
	ctx := context.Background()
	fill, err := c.LookupOrder(ctx, "XRP", "found")
	if err != nil || fill.Status != exec.FillFilled || fill.FilledQty != 1.5 || fill.AvgPrice != 700 {
		t.Fatalf("unexpected found fill %+v %v", fill, err)
	}
	fill, err = c.LookupOrder(ctx, "XRP", "pending")
	if err != nil || fill.Status != exec.FillUnknown {
		t.Fatalf("expected unknown for pending order, got %+v %v", fill, err)
	}
	fill, err = c.LookupOrder(ctx, "XRP", "missing")
	if err != nil || fill.Status != exec.FillRejected {
		t.Fatalf("expected rejected for missing order, got %+v %v", fill, err)
	}
}

func TestPrivateWithoutSigner(t *testing.T) {
	c := New(config.VenueConfig{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	if _, err := c.Balance(context.Background(), "KRW"); err != ErrMissingCredentials {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}
