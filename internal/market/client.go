// Package market implements the marketplace node REST client.
//
// The client (Client) talks to the local marketplace node for order, deal,
// and task management:
//   - OrderCreate: POST /OrderManagementServer/CreateOrder — place a bid order
//   - OrderList:   POST /OrderManagementServer/GetOrders   — list own open orders
//   - OrderStatus: POST /OrderManagementServer/GetOrderByID
//   - DealList:    POST /DealManagementServer/GetDeals     — active consumer-side deals
//   - DealStatus:  POST /DealManagementServer/Status
//   - DealClose:   POST /DealManagementServer/Finish       — optionally blacklisting the worker
//   - TaskStart:   POST /TaskManagementServer/Start
//   - TaskStatus:  POST /TaskManagementServer/Status
//   - TaskLogs:    POST /TaskManagementServer/Logs         — dump task logs to a file
//   - PredictBid:  POST /PredictorServer/Predict           — price estimate for a resource profile
//
// Responses are normalized into the stable shapes in pkg/types: base64 tags
// are decoded, wei-per-second prices kept as raw strings (or converted for
// predictions), nanosecond uptimes reduced to seconds. Read-style calls,
// DealClose, and TaskStatus are retried on failure; OrderCreate and
// TaskStart attempt once and leave retrying to the state machine.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"sonm-fleet/internal/pricing"
	"sonm-fleet/pkg/types"
)

// API is the marketplace surface the rest of the system depends on. Every
// call is best-effort: a failed call returns an error which callers treat
// as "no response this tick", never as a reason to stop.
type API interface {
	OrderCreate(ctx context.Context, bid types.BidOrder) (*types.CreatedOrder, error)
	OrderList(ctx context.Context, limit int) ([]types.OrderSummary, error)
	OrderStatus(ctx context.Context, orderID string) (*types.OrderInfo, error)
	DealList(ctx context.Context, limit int) ([]types.DealSummary, error)
	DealStatus(ctx context.Context, dealID string) (*types.DealInfo, error)
	DealClose(ctx context.Context, dealID string, blacklist bool) error
	TaskStart(ctx context.Context, dealID, taskFile string) (*types.StartedTask, error)
	TaskStatus(ctx context.Context, dealID, taskID string) (*types.TaskInfo, error)
	TaskLogs(ctx context.Context, dealID, taskID, tail, path string) error
	PredictBid(ctx context.Context, resources types.Resources) (*types.Prediction, error)
}

const (
	retryAttempts = 3
	retryWait     = 3 * time.Second

	readTimeout      = 2 * time.Minute
	taskStartTimeout = 15 * time.Minute

	// LogTail is the tail line count used when capturing task logs.
	LogTail = "1000000"
)

// Client is the marketplace node REST API client. It keeps two resty
// clients over the same endpoint: one with the retry policy for calls that
// are safe to repeat, one attempting exactly once.
type Client struct {
	retry    *resty.Client
	once     *resty.Client
	consumer common.Address // owner/consumer filter for list calls
	logger   *slog.Logger
}

// NewClient creates a client against the marketplace node at nodeAddr
// ("host:port" or a full URL), acting as the given consumer address.
func NewClient(nodeAddr string, consumer common.Address, logger *slog.Logger) *Client {
	return newClient(nodeAddr, consumer, logger, retryWait)
}

func newClient(nodeAddr string, consumer common.Address, logger *slog.Logger, wait time.Duration) *Client {
	baseURL := nodeAddr
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	retry := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(retryAttempts).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(wait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() != http.StatusOK
		}).
		SetHeader("Content-Type", "application/json")

	once := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json")

	return &Client{
		retry:    retry,
		once:     once,
		consumer: consumer,
		logger:   logger.With("component", "market"),
	}
}

// OrderCreate places a bid order. Single attempt: the state machine stays
// in its order-creation step and retries on the next cycle.
func (c *Client) OrderCreate(ctx context.Context, bid types.BidOrder) (*types.CreatedOrder, error) {
	order, err := buildWireOrder(bid)
	if err != nil {
		return nil, fmt.Errorf("order create: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var result createOrderResponse
	resp, err := c.once.R().
		SetContext(ctx).
		SetBody(order).
		SetResult(&result).
		Post("/OrderManagementServer/CreateOrder")
	if err != nil {
		return nil, fmt.Errorf("order create: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("order create: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &types.CreatedOrder{ID: result.ID}, nil
}

// OrderList returns the consumer's open orders, tags decoded.
func (c *Client) OrderList(ctx context.Context, limit int) ([]types.OrderSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	body := map[string]any{"ownerID": c.consumer.Hex(), "limit": limit}
	var result orderListResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/OrderManagementServer/GetOrders")
	if err != nil {
		return nil, fmt.Errorf("order list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("order list: status %d: %s", resp.StatusCode(), resp.String())
	}

	orders := make([]types.OrderSummary, 0, len(result.Orders))
	for _, entry := range result.Orders {
		tag, err := ParseTag(entry.Order.Tag)
		if err != nil {
			c.logger.Warn("order with malformed tag skipped", "order", entry.Order.ID, "error", err)
			continue
		}
		orders = append(orders, types.OrderSummary{
			ID:       entry.Order.ID,
			Tag:      tag,
			PriceWei: entry.Order.Price,
		})
	}
	return orders, nil
}

// OrderStatus fetches one order's status, tag decoded.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*types.OrderInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var result orderStatusResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(map[string]any{"id": orderID}).
		SetResult(&result).
		Post("/OrderManagementServer/GetOrderByID")
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("order status: status %d: %s", resp.StatusCode(), resp.String())
	}

	tag, err := ParseTag(result.Tag)
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	return &types.OrderInfo{
		OrderStatus: result.OrderStatus,
		Tag:         tag,
		DealID:      result.DealID,
	}, nil
}

// DealList returns the consumer's active deals.
func (c *Client) DealList(ctx context.Context, limit int) ([]types.DealSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	body := map[string]any{
		"status":     1,
		"consumerID": c.consumer.Hex(),
		"limit":      limit,
	}
	var result dealListResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/DealManagementServer/GetDeals")
	if err != nil {
		return nil, fmt.Errorf("deal list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("deal list: status %d: %s", resp.StatusCode(), resp.String())
	}

	deals := make([]types.DealSummary, 0, len(result.Deals))
	for _, entry := range result.Deals {
		deals = append(deals, types.DealSummary{ID: entry.Deal.ID})
	}
	return deals, nil
}

// DealStatus fetches one deal's status with its running task IDs and the
// worker-offline flag.
func (c *Client) DealStatus(ctx context.Context, dealID string) (*types.DealInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var result dealStatusResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(map[string]any{"id": dealID}).
		SetResult(&result).
		Post("/DealManagementServer/Status")
	if err != nil {
		return nil, fmt.Errorf("deal status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("deal status: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &types.DealInfo{
		Status:        result.Deal.Status,
		BidID:         result.Deal.BidID,
		Running:       result.runningTasks(),
		WorkerOffline: len(result.Resources) == 0,
		PriceWei:      result.Deal.Price,
	}, nil
}

// DealClose terminates a deal, optionally adding the worker to the
// consumer's blacklist.
func (c *Client) DealClose(ctx context.Context, dealID string, blacklist bool) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	body := map[string]any{"id": dealID, "addToBlacklist": blacklist}
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(body).
		Post("/DealManagementServer/Finish")
	if err != nil {
		return fmt.Errorf("deal close: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("deal close: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// TaskStart launches the task described by taskFile on an open deal.
// Single attempt with a long timeout: the worker may pull the image first.
func (c *Client) TaskStart(ctx context.Context, dealID, taskFile string) (*types.StartedTask, error) {
	spec, err := os.ReadFile(taskFile)
	if err != nil {
		return nil, fmt.Errorf("task start: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, taskStartTimeout)
	defer cancel()

	body := map[string]any{"dealID": dealID, "spec": string(spec)}
	var result startTaskResponse
	resp, err := c.once.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/TaskManagementServer/Start")
	if err != nil {
		return nil, fmt.Errorf("task start: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("task start: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &types.StartedTask{ID: result.ID}, nil
}

// TaskStatus fetches a task's status, uptime reduced to whole seconds.
func (c *Client) TaskStatus(ctx context.Context, dealID, taskID string) (*types.TaskInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var result taskStatusResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(map[string]any{"dealID": dealID, "id": taskID}).
		SetResult(&result).
		Post("/TaskManagementServer/Status")
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("task status: status %d: %s", resp.StatusCode(), resp.String())
	}

	uptime, err := uptimeSeconds(result.Uptime)
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}
	return &types.TaskInfo{
		Status: parseTaskStatus(result.Status),
		Uptime: uptime,
	}, nil
}

// TaskLogs fetches the tail of a task's logs and writes it to path.
func (c *Client) TaskLogs(ctx context.Context, dealID, taskID, tail, path string) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	body := map[string]any{"dealID": dealID, "id": taskID, "tail": tail}
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(body).
		Post("/TaskManagementServer/Logs")
	if err != nil {
		return fmt.Errorf("task logs: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("task logs: status %d: %s", resp.StatusCode(), resp.String())
	}

	if err := os.WriteFile(path, resp.Body(), 0o644); err != nil {
		return fmt.Errorf("task logs: %w", err)
	}
	return nil
}

// PredictBid asks the marketplace for a price estimate matching a resource
// profile, converted to USD per hour.
func (c *Client) PredictBid(ctx context.Context, resources types.Resources) (*types.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var result predictResponse
	resp, err := c.retry.R().
		SetContext(ctx).
		SetBody(map[string]any{"resources": resources}).
		SetResult(&result).
		Post("/PredictorServer/Predict")
	if err != nil {
		return nil, fmt.Errorf("predict bid: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("predict bid: status %d: %s", resp.StatusCode(), resp.String())
	}

	usd, err := pricing.FromWire(result.PerSecond)
	if err != nil {
		return nil, fmt.Errorf("predict bid: %w", err)
	}
	return &types.Prediction{PerHourUSD: usd}, nil
}
