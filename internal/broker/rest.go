package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

// RESTAdapter is the brokerage REST API client. It wraps a resty HTTP
// client with rate limiting, retry, and HMAC auth.
type RESTAdapter struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewRESTAdapter creates a REST adapter with rate limiting and retry.
func NewRESTAdapter(cfg config.Config, logger *slog.Logger) *RESTAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.Broker.BaseURL).
		SetTimeout(cfg.Broker.RequestTimeout).
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

	return &RESTAdapter{
		http:   httpClient,
		auth:   NewAuth(cfg.Broker),
		rl:     NewRateLimiter(cfg.Broker.RateLimitRPS, cfg.Broker.RateBurst),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "broker"),
	}
}

// PlaceOrder submits one order.
func (c *RESTAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "kind", req.Kind, "qty", req.Qty)
		return &types.Order{
			ID:         "dry-run-" + uuid.NewString(),
			ClientID:   req.ClientID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Kind:       req.Kind,
			Qty:        req.Qty,
			LimitPrice: req.LimitPrice,
			StopPrice:  req.StopPrice,
			Status:     types.OrderStatusAccepted,
			CreatedAt:  time.Now(),
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.Headers("POST", "/v1/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels one order by broker ID. A 404 maps to
// ErrOrderNotFound so callers can treat already-gone orders as cancelled.
func (c *RESTAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := "/v1/orders/" + orderID
	headers, err := c.auth.Headers("DELETE", path, "")
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrOrderNotFound
	default:
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
}

// GetOrder fetches one order by broker ID.
func (c *RESTAdapter) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/v1/orders/" + orderID
	headers, err := c.auth.Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders fetches all working orders for a symbol.
func (c *RESTAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/v1/orders", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result []types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", symbol).
		SetQueryParam("status", "open").
		SetResult(&result).
		Get("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetPosition fetches the position for a symbol. A flat symbol returns a
// zero-quantity position, not an error.
func (c *RESTAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/v1/positions/" + symbol
	headers, err := c.auth.Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &Position{Symbol: symbol}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get position %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetAccount fetches account equity and buying power.
func (c *RESTAdapter) GetAccount(ctx context.Context) (*Account, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/v1/account", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result Account
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/v1/account")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetFills fetches fills for a symbol since the given Unix-millisecond
// timestamp.
func (c *RESTAdapter) GetFills(ctx context.Context, symbol string, sinceMillis int64) ([]types.Fill, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/v1/fills", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result []types.Fill
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", symbol).
		SetQueryParam("since", strconv.FormatInt(sinceMillis, 10)).
		SetResult(&result).
		Get("/v1/fills")
	if err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fills: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}
