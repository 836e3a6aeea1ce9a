package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*RESTAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{}
	cfg.Broker = config.BrokerConfig{
		BaseURL:      srv.URL,
		APIKey:       "k",
		APISecret:    "c2VjcmV0", // "secret"
		Passphrase:   "p",
		RateLimitRPS: 100,
		RateBurst:    100,
	}
	return NewRESTAdapter(cfg, testLogger()), srv
}

func TestRESTPlaceOrder(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-SIGNATURE") == "" {
			t.Error("request missing signature header")
		}
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.Order{
			ID:       "broker-1",
			ClientID: req.ClientID,
			Symbol:   req.Symbol,
			Side:     req.Side,
			Qty:      req.Qty,
			Status:   types.OrderStatusAccepted,
		})
	})
	adapter, _ := newTestAdapter(t, mux)

	order, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: types.BUY, Kind: types.KindEntry, Qty: 10, LimitPrice: 100,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID != "broker-1" || order.ClientID != "c1" {
		t.Errorf("order = %+v", order)
	}
}

func TestRESTCancelOrderNotFound(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/orders/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	adapter, _ := newTestAdapter(t, mux)

	err := adapter.CancelOrder(context.Background(), "gone")
	if err != ErrOrderNotFound {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestRESTGetPositionFlat(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/positions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	adapter, _ := newTestAdapter(t, mux)

	pos, err := adapter.GetPosition(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Symbol != "AAPL" || pos.Qty != 0 {
		t.Errorf("flat symbol should map to zero position, got %+v", pos)
	}
}

func TestRESTDryRunPlacesNothing(t *testing.T) {
	t.Parallel()
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { called = true })

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Config{DryRun: true}
	cfg.Broker.BaseURL = srv.URL
	adapter := NewRESTAdapter(cfg, testLogger())

	order, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: types.BUY, Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != types.OrderStatusAccepted {
		t.Errorf("dry-run order status = %s", order.Status)
	}
	if err := adapter.CancelOrder(context.Background(), order.ID); err != nil {
		t.Errorf("dry-run cancel: %v", err)
	}
	if called {
		t.Error("dry-run hit the HTTP server")
	}
}
