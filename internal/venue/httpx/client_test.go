package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ticker" || r.URL.Query().Get("markets") != "KRW-BTC" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("missing header")
		}
		_, _ = w.Write([]byte(`{"price":"123.5"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Timeout: time.Second}, nil)
	var out struct {
		Price string `json:"price"`
	}
	err := c.Do(context.Background(), Request{
		Path:   "/v1/ticker",
		Query:  map[string][]string{"markets": {"KRW-BTC"}},
		Header: http.Header{"X-Test": {"yes"}},
	}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Price != "123.5" {
		t.Fatalf("expected 123.5, got %q", out.Price)
	}
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"insufficient balance"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Timeout: time.Second}, nil)
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/order"}, nil)
	statusErr, ok := ClientError(err)
	if !ok {
		t.Fatalf("expected client error, got %v", err)
	}
	if statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", statusErr.Code)
	}
}

func TestServerErrorIsNotClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Timeout: time.Second}, nil)
	err := c.Do(context.Background(), Request{Path: "/"}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := ClientError(err); ok {
		t.Fatalf("5xx must not be classified as a client error")
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(srv.URL, Options{Timeout: time.Second, RateLimit: 0.001, Burst: 1}, nil)
	if err := c.Do(context.Background(), Request{Path: "/"}, nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Do(ctx, Request{Path: "/"}, nil); err == nil {
		t.Fatalf("expected limiter wait to fail on short deadline")
	}
}

func TestFloatAndFormat(t *testing.T) {
	if v, ok := Float("0.00017"); !ok || v != 0.00017 {
		t.Fatalf("expected 0.00017, got %v %v", v, ok)
	}
	if _, ok := Float(true); ok {
		t.Fatalf("bool is not numeric")
	}
	if got := FormatQty(0.00001); got != "0.00001" {
		t.Fatalf("expected plain decimal, got %s", got)
	}
}
