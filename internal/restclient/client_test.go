package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bitmex-hub/internal/config"
	"bitmex-hub/internal/errs"
)

func testClient(t *testing.T, srv *httptest.Server, creds Credentials) *Client {
	t.Helper()
	cfg := config.RESTConfig{
		BaseURL:        srv.URL,
		Timeout:        2 * time.Second,
		RequestsPerSec: 1000,
		BurstSize:      1000,
	}
	return New(cfg, creds, 60, zerolog.Nop(), nil)
}

func TestDoSuccessReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{})
	body, err := c.Do(context.Background(), "GET", "/ping", RequestOptions{})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestDoAuthWithoutCredentialsFailsLocally(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should never reach the server")
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{})
	_, err := c.Do(context.Background(), "POST", "/api/v1/order", RequestOptions{Auth: true})
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("err = %v, want KindValidation", err)
	}
}

func TestDoSignsAuthenticatedRequests(t *testing.T) {
	t.Parallel()

	var gotKey, gotExpires, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotExpires = r.Header.Get("api-expires")
		gotSig = r.Header.Get("api-signature")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{APIKey: "key1", APISecret: "sec1"})
	if _, err := c.Do(context.Background(), "POST", "/api/v1/order", RequestOptions{Auth: true, Body: map[string]string{"symbol": "XBTUSD"}}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if gotKey != "key1" {
		t.Errorf("api-key = %q, want key1", gotKey)
	}
	if gotExpires == "" {
		t.Errorf("api-expires header missing")
	}
	if gotSig == "" {
		t.Errorf("api-signature header missing")
	}
}

func TestDoMapsStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		want   errs.Kind
	}{
		{400, `{"error":{"message":"bad request"}}`, errs.KindValidation},
		{401, `{"error":{"message":"unauthorized"}}`, errs.KindAuth},
		{403, `{"error":{"message":"forbidden"}}`, errs.KindAuth},
		{409, `{"error":{"message":"duplicate clOrdID"}}`, errs.KindOrderRejected},
		{500, `{"error":{"message":"internal"}}`, errs.KindExchangeDown},
		{503, `{"error":{"message":"unavailable"}}`, errs.KindExchangeDown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.want.String(), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := testClient(t, srv, Credentials{})
			_, err := c.Do(context.Background(), "GET", "/x", RequestOptions{})
			if !errs.Is(err, tt.want) {
				t.Fatalf("status %d: err = %v, want kind %v", tt.status, err, tt.want)
			}
		})
	}
}

func TestDoParsesRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{})
	_, err := c.Do(context.Background(), "GET", "/x", RequestOptions{})

	classified, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if classified.Kind != errs.KindRateLimit {
		t.Errorf("kind = %v, want RateLimit", classified.Kind)
	}
	if classified.RetryAfter != 7 {
		t.Errorf("retryAfter = %d, want 7", classified.RetryAfter)
	}
}

func TestGetActiveInstrumentsDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/instrument/active" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]InstrumentWire{
			{Symbol: "XBTUSD", TickSize: 0.5, LotSize: 1, State: "Open"},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{})
	out, err := c.GetActiveInstruments(context.Background())
	if err != nil {
		t.Fatalf("GetActiveInstruments: %v", err)
	}
	if len(out) != 1 || out[0].Symbol != "XBTUSD" {
		t.Fatalf("out = %+v", out)
	}
}

func TestPlaceOrderSignsAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-signature") == "" {
			t.Errorf("expected signed request")
		}
		json.NewEncoder(w).Encode(OrderResponse{OrderID: "o1", ClOrdID: "c1", OrdStatus: "New"})
	}))
	defer srv.Close()

	c := testClient(t, srv, Credentials{APIKey: "k", APISecret: "s"})
	resp, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "XBTUSD", Side: "Buy", OrderQty: 1, OrdType: "Market", ClOrdID: "c1"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderID != "o1" {
		t.Errorf("OrderID = %q, want o1", resp.OrderID)
	}
}
