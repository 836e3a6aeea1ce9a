// Package marketdata implements the market data service clients: a REST
// client for bar history and a WebSocket feed for live closed bars.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

// Client is the bar history REST client. It satisfies bars.Fetcher.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a REST client with retry.
func NewClient(cfg config.MarketDataConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "marketdata"),
	}
}

// GetBars fetches closed bars for [fromMs, toMs], ordered by timestamp.
// Bars that fail OHLC validation are dropped rather than poisoning the
// cache.
func (c *Client) GetBars(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error) {
	var result []types.Bar
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("timeframe", string(tf)).
		SetQueryParam("from", strconv.FormatInt(fromMs, 10)).
		SetQueryParam("to", strconv.FormatInt(toMs, 10)).
		SetResult(&result).
		Get("/v1/bars")
	if err != nil {
		return nil, fmt.Errorf("get bars %s/%s: %w", symbol, tf, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get bars %s/%s: status %d: %s", symbol, tf, resp.StatusCode(), resp.String())
	}

	out := result[:0]
	for _, b := range result {
		if err := b.Validate(); err != nil {
			c.logger.Warn("dropping invalid bar from history", "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
