// Package node implements the per-node lifecycle state machine.
//
// A WorkNode autonomously drives one logical node through its full life:
// build a bid, place an order, wait for a deal, launch the task on the
// counterparty worker, watch it to completion, close the deal. Every
// failure path loops back to order creation; workers that fail to deliver
// any useful uptime are blacklisted on the way out.
//
// The machine is driven by a single loop (Watch): each iteration dispatches
// on the current status, performs its step, assigns the next status and a
// sleep duration, then sleeps. Marketplace calls are best-effort; a failed
// call maps to a state transition or a re-tick, never to a loop exit.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"sonm-fleet/internal/bid"
	"sonm-fleet/internal/config"
	"sonm-fleet/internal/market"
	"sonm-fleet/internal/pricing"
	"sonm-fleet/pkg/types"
)

const (
	tickSleep  = 60 * time.Second // regular polling cadence
	shortSleep = time.Second      // transitions that should be acted on immediately
	dealSleep  = 15 * time.Second // pause between deal open and task start
)

// ConfigSource supplies the current per-node config. The node re-reads it
// at the top of every order-creation step, so config reloads take effect on
// the next cycle.
type ConfigSource interface {
	Node(tag string) (config.NodeConfig, bool)
}

// WorkNode is one logical node's state. It is mutated only by its own Watch
// loop; the mutex guards the snapshot reads the fleet printer and dashboard
// perform concurrently.
type WorkNode struct {
	logger *slog.Logger
	api    market.API
	cfg    ConfigSource
	tag    string

	mu         sync.RWMutex
	status     types.State
	orderID    string
	dealID     string
	taskID     string
	taskUptime int64
	price      string // display form, e.g. "0.1234 USD/h"

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a fresh node starting from scratch.
func New(api market.API, cfg ConfigSource, tag string, logger *slog.Logger) *WorkNode {
	return &WorkNode{
		logger: logger.With("component", "node", "tag", tag),
		api:    api,
		cfg:    cfg,
		tag:    tag,
		status: types.StateStart,
		sleep:  sleepCtx,
	}
}

// Adopt creates a node resuming from marketplace state recovered during
// startup reconciliation. priceWei is the raw wire price of the adopted
// order or deal; it is kept for display only.
func Adopt(api market.API, cfg ConfigSource, tag string, status types.State,
	orderID, dealID, taskID, priceWei string, logger *slog.Logger) *WorkNode {

	price := ""
	if priceWei != "" {
		if usd, err := pricing.FromWire(priceWei); err == nil {
			price = pricing.Display(usd)
		}
	}
	return &WorkNode{
		logger:  logger.With("component", "node", "tag", tag),
		api:     api,
		cfg:     cfg,
		tag:     tag,
		status:  status,
		orderID: orderID,
		dealID:  dealID,
		taskID:  taskID,
		price:   price,
		sleep:   sleepCtx,
	}
}

// Tag returns the node's tag.
func (n *WorkNode) Tag() string {
	return n.tag
}

// Status returns the current lifecycle state.
func (n *WorkNode) Status() types.State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Snapshot returns a point-in-time view for the fleet table and dashboard.
func (n *WorkNode) Snapshot() types.NodeSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return types.NodeSnapshot{
		Tag:        n.tag,
		OrderID:    n.orderID,
		Price:      n.price,
		DealID:     n.dealID,
		TaskID:     n.taskID,
		TaskUptime: n.taskUptime,
		Status:     n.status.String(),
	}
}

// Watch runs the node's lifecycle until it reaches WORK_COMPLETED or the
// context is cancelled. A panic inside a step is logged and leaves the node
// in its last status; the rest of the fleet keeps running.
func (n *WorkNode) Watch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("node loop failed", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for n.Status() != types.StateWorkCompleted {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d := n.step(ctx)
		if d <= 0 {
			d = tickSleep
		}
		if err := n.sleep(ctx, d); err != nil {
			return
		}
	}
	n.logger.Info("node completed its work")
}

func (n *WorkNode) step(ctx context.Context) time.Duration {
	switch n.Status() {
	case types.StateStart, types.StateCreateOrder:
		return n.createOrder(ctx)
	case types.StateAwaitingDeal:
		return n.checkOrder(ctx)
	case types.StateDealOpened:
		return n.startTask(ctx)
	case types.StateDealDisappeared:
		n.clearIDs()
		n.setStatus(types.StateCreateOrder)
		return shortSleep
	case types.StateStartingTask, types.StateTaskRunning:
		return n.checkTask(ctx)
	case types.StateTaskFailedToStart:
		return n.closeDeal(ctx, types.StateCreateOrder, true)
	case types.StateTaskFailed, types.StateTaskBroken:
		return n.closeDeal(ctx, types.StateCreateOrder, false)
	case types.StateTaskFinished:
		return n.closeDeal(ctx, types.StateWorkCompleted, false)
	}
	return tickSleep
}

// createOrder builds and prices a bid, dumps it under out/orders/, and
// places it. Any failure keeps the node in CREATE_ORDER for the next cycle.
func (n *WorkNode) createOrder(ctx context.Context) time.Duration {
	cfg, ok := n.cfg.Node(n.tag)
	if !ok {
		n.logger.Error("no config for node, waiting for reload")
		n.setStatus(types.StateCreateOrder)
		return tickSleep
	}

	order := bid.Build(cfg, n.tag, "")

	predicted, havePrediction := 0.0, false
	if pred, err := n.api.PredictBid(ctx, order.Resources); err != nil {
		n.logger.Warn("price prediction unavailable", "error", err)
	} else {
		predicted, havePrediction = pred.PerHourUSD, true
	}

	price, err := pricing.OrderPrice(predicted, havePrediction, cfg.MaxPrice, cfg.PriceCoefficient)
	if err != nil {
		n.logger.Error("cannot price order", "error", err)
		n.setStatus(types.StateCreateOrder)
		return tickSleep
	}
	order.Price = pricing.Bid(price)
	n.setPrice(pricing.Display(price))
	n.logger.Info("order priced", "price", order.Price)

	if err := bid.WriteBid(order, bid.BidFile(n.tag)); err != nil {
		n.logger.Warn("cannot dump bid descriptor", "error", err)
	}

	n.setStatus(types.StatePlacingOrder)
	n.logger.Info("creating order")
	created, err := n.api.OrderCreate(ctx, order)
	if err != nil {
		n.logger.Error("order creation failed", "error", err)
		n.setStatus(types.StateCreateOrder)
		return tickSleep
	}

	n.setOrderID(created.ID)
	n.setStatus(types.StateAwaitingDeal)
	n.logger.Info("order placed", "order", created.ID)
	return tickSleep
}

// checkOrder polls the placed order for a deal.
func (n *WorkNode) checkOrder(ctx context.Context) time.Duration {
	orderID := n.snapshotIDs().OrderID
	n.logger.Info("checking order for new deal", "order", orderID)

	status, err := n.api.OrderStatus(ctx, orderID)
	if err != nil {
		n.logger.Error("order status failed", "error", err)
		return tickSleep
	}

	switch {
	case status.OrderStatus == types.OrderInactive && status.DealID != types.NoDeal:
		n.setDealID(status.DealID)
		n.setStatus(types.StateDealOpened)
		n.logger.Info("deal opened", "order", orderID, "deal", status.DealID)
		return dealSleep
	case status.OrderStatus == types.OrderInactive && status.DealID == types.NoDeal:
		n.logger.Info("order was cancelled, creating new order", "order", orderID)
		n.setOrderID("")
		n.setStatus(types.StateCreateOrder)
		return shortSleep
	}
	return tickSleep
}

// startTask renders the task descriptor and launches it on the open deal.
func (n *WorkNode) startTask(ctx context.Context) time.Duration {
	cfg, ok := n.cfg.Node(n.tag)
	if !ok {
		n.logger.Error("no config for node, waiting for reload")
		return tickSleep
	}

	task, err := bid.RenderTask(cfg.TemplateFile, n.tag)
	if err != nil {
		n.logger.Error("cannot render task descriptor", "error", err)
		return tickSleep
	}
	taskFile := bid.TaskFile(n.tag)
	if err := bid.WriteTask(task, taskFile); err != nil {
		n.logger.Error("cannot write task descriptor", "error", err)
		return tickSleep
	}

	n.setStatus(types.StateStartingTask)
	dealID := n.snapshotIDs().DealID
	n.logger.Info("starting task on deal", "deal", dealID)

	started, err := n.api.TaskStart(ctx, dealID, taskFile)
	if err != nil {
		n.logger.Error("failed to start task, closing deal and blacklisting worker",
			"deal", dealID, "error", err)
		n.setStatus(types.StateTaskFailedToStart)
		return tickSleep
	}

	n.setTaskID(started.ID)
	n.setStatus(types.StateTaskRunning)
	n.logger.Info("task started", "deal", dealID, "task", started.ID)
	return tickSleep
}

// checkTask is the TASK_RUNNING polling step: verify the deal still exists,
// then dispatch on the task status.
func (n *WorkNode) checkTask(ctx context.Context) time.Duration {
	ids := n.snapshotIDs()

	deal, err := n.api.DealStatus(ctx, ids.DealID)
	if err != nil {
		n.logger.Error("cannot retrieve deal status", "deal", ids.DealID, "error", err)
		return tickSleep
	}
	if deal.Status == types.DealClosed {
		n.logger.Info("deal was closed on the marketplace side", "deal", ids.DealID)
		n.clearIDs()
		n.setStatus(types.StateDealDisappeared)
		return shortSleep
	}

	task, err := n.api.TaskStatus(ctx, ids.DealID, ids.TaskID)
	if err != nil {
		n.logger.Error("cannot retrieve task status, worker offline?",
			"deal", ids.DealID, "task", ids.TaskID, "error", err)
		n.setStatus(types.StateTaskFailed)
		return shortSleep
	}

	switch task.Status {
	case types.TaskRunning:
		n.setTaskUptime(task.Uptime)
		if n.Status() == types.StateStartingTask {
			n.setStatus(types.StateTaskRunning)
		}
		n.logger.Info("task is running", "task", ids.TaskID, "uptime_s", task.Uptime)
		return tickSleep
	case types.TaskSpooling:
		n.logger.Info("task is uploading", "task", ids.TaskID)
		n.setStatus(types.StateStartingTask)
		return tickSleep
	case types.TaskBroken:
		cfg, _ := n.cfg.Node(n.tag)
		if task.Uptime < cfg.ETS {
			n.logger.Error("task failed before ETS, closing deal and blacklisting worker",
				"task", ids.TaskID, "uptime_s", task.Uptime, "ets", cfg.ETS)
			n.setStatus(types.StateTaskFailedToStart)
		} else {
			n.logger.Error("task failed after ETS, closing deal and recreating order",
				"task", ids.TaskID, "uptime_s", task.Uptime, "ets", cfg.ETS)
			n.setStatus(types.StateTaskBroken)
		}
		return shortSleep
	case types.TaskFinished:
		n.setTaskUptime(task.Uptime)
		n.logger.Info("task finished, fetching logs and shutting node down",
			"task", ids.TaskID, "uptime_s", task.Uptime)
		n.setStatus(types.StateTaskFinished)
		return shortSleep
	}
	return tickSleep
}

// closeDeal captures task logs, closes the deal unless the marketplace
// already did, clears all per-deal state, and moves to the after status.
func (n *WorkNode) closeDeal(ctx context.Context, after types.State, blacklist bool) time.Duration {
	ids := n.snapshotIDs()
	status := n.Status()

	if ids.TaskID != "" {
		switch status {
		case types.StateTaskFailed, types.StateTaskBroken:
			n.saveTaskLogs(ctx, ids, "fail_")
		case types.StateTaskFinished:
			n.saveTaskLogs(ctx, ids, "success_")
		}
	}

	n.logger.Info("closing deal", "deal", ids.DealID, "blacklist", blacklist)
	deal, err := n.api.DealStatus(ctx, ids.DealID)
	if err == nil && deal.Status == types.DealClosed {
		n.logger.Error("deal already closed", "deal", ids.DealID)
	} else if err := n.api.DealClose(ctx, ids.DealID, blacklist); err != nil {
		n.logger.Error("deal close failed", "deal", ids.DealID, "error", err)
	}

	n.clearIDs()
	n.setStatus(after)
	return shortSleep
}

func (n *WorkNode) saveTaskLogs(ctx context.Context, ids types.NodeSnapshot, prefix string) {
	path := fmt.Sprintf("out/%s%s-deal-%s.log", prefix, n.tag, ids.DealID)
	n.logger.Info("saving task logs", "deal", ids.DealID, "task", ids.TaskID, "file", path)
	if err := n.api.TaskLogs(ctx, ids.DealID, ids.TaskID, market.LogTail, path); err != nil {
		n.logger.Error("task log capture failed", "error", err)
	}
}

func (n *WorkNode) snapshotIDs() types.NodeSnapshot {
	return n.Snapshot()
}

func (n *WorkNode) setStatus(s types.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = s
}

func (n *WorkNode) setOrderID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orderID = id
}

func (n *WorkNode) setDealID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dealID = id
}

func (n *WorkNode) setTaskID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskID = id
}

func (n *WorkNode) setTaskUptime(s int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskUptime = s
}

func (n *WorkNode) setPrice(p string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.price = p
}

// clearIDs wipes every per-deal field. Called on every path that leaves a
// deal behind, so stale IDs never leak into the next cycle.
func (n *WorkNode) clearIDs() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orderID = ""
	n.dealID = ""
	n.taskID = ""
	n.taskUptime = 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
