// Package evaluator talks to the external strategy advisor service. The
// advisor looks at a running strategy and recommends keep, swap (with a
// replacement document), or close.
//
// Evaluation is advisory and slow. Failures degrade to "keep": a strategy
// is never touched because the advisor was unreachable.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

// Client is the advisor REST client.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates the advisor client. The timeout defaults to 50s in
// config; advisor calls are expected to be slow.
func NewClient(cfg config.EvaluatorConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "evaluator"),
	}
}

// Evaluate asks the advisor about one running strategy. Any transport or
// server failure returns a "keep" verdict with the error attached so the
// caller can log it; the strategy keeps running either way.
func (c *Client) Evaluate(ctx context.Context, req types.EvaluationRequest) (types.EvaluationResult, error) {
	var result types.EvaluationResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/evaluate")
	if err != nil {
		c.logger.Warn("evaluation failed, keeping strategy",
			"strategy", req.StrategyID, "error", err)
		return keep(), fmt.Errorf("evaluate %s: %w", req.StrategyID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("evaluate %s: status %d: %s", req.StrategyID, resp.StatusCode(), resp.String())
		c.logger.Warn("evaluation failed, keeping strategy",
			"strategy", req.StrategyID, "status", resp.StatusCode())
		return keep(), err
	}

	switch result.Recommendation {
	case types.RecommendKeep, types.RecommendClose:
	case types.RecommendSwap:
		if result.SuggestedYAML == "" {
			c.logger.Warn("swap verdict without replacement, keeping strategy",
				"strategy", req.StrategyID)
			return keep(), nil
		}
	default:
		c.logger.Warn("unknown recommendation, keeping strategy",
			"strategy", req.StrategyID, "recommendation", result.Recommendation)
		return keep(), nil
	}
	return result, nil
}

func keep() types.EvaluationResult {
	return types.EvaluationResult{Recommendation: types.RecommendKeep, Reason: "evaluator unavailable"}
}
