package evaluator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.EvaluatorConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, testLogger())
}

func evalReq() types.EvaluationRequest {
	return types.EvaluationRequest{
		StrategyID:   "s1",
		UserID:       "u1",
		Symbol:       "AAPL",
		YAMLContent:  "meta: {}",
		CurrentState: "ARMED",
		BarsActive:   42,
	}
}

func TestEvaluateSwap(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.EvaluationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.StrategyID != "s1" {
			t.Errorf("request strategy = %q", req.StrategyID)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.EvaluationResult{
			Recommendation: types.RecommendSwap,
			Confidence:     0.8,
			Reason:         "trend reversed",
			SuggestedYAML:  "meta: {symbol: AAPL}",
		})
	})

	result, err := c.Evaluate(context.Background(), evalReq())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Recommendation != types.RecommendSwap || result.SuggestedYAML == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestEvaluateFailureDegradesToKeep(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	result, err := c.Evaluate(context.Background(), evalReq())
	if err == nil {
		t.Error("expected error from 503")
	}
	if result.Recommendation != types.RecommendKeep {
		t.Errorf("failure verdict = %q, want keep", result.Recommendation)
	}
}

func TestEvaluateSwapWithoutYAMLDegradesToKeep(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.EvaluationResult{Recommendation: types.RecommendSwap})
	})

	result, err := c.Evaluate(context.Background(), evalReq())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Recommendation != types.RecommendKeep {
		t.Errorf("verdict = %q, want keep for swap without replacement", result.Recommendation)
	}
}

func TestEvaluateUnknownVerdictDegradesToKeep(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recommendation":"hodl"}`))
	})

	result, err := c.Evaluate(context.Background(), evalReq())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Recommendation != types.RecommendKeep {
		t.Errorf("verdict = %q, want keep", result.Recommendation)
	}
}
