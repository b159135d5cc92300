// Package fleet runs the whole fleet: it reconciles configured nodes with
// marketplace state at startup, drives one worker goroutine per node,
// prints a periodic fleet table, and applies config reloads by retiring
// removed nodes and spawning new ones.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sonm-fleet/internal/config"
	"sonm-fleet/internal/market"
	"sonm-fleet/internal/node"
	"sonm-fleet/pkg/types"
)

const (
	printInterval  = 60 * time.Second
	reloadInterval = 60 * time.Second
)

type entry struct {
	node   *node.WorkNode
	cancel context.CancelFunc
}

// Supervisor owns the fleet. Nodes are mutated only by their own workers;
// the supervisor's map of entries is guarded by mu.
type Supervisor struct {
	logger *slog.Logger
	api    market.API
	cfg    *config.Manager

	mu        sync.Mutex
	nodes     map[string]*entry
	completed map[string]bool // tags that reached WORK_COMPLETED; never respawned
	wg        sync.WaitGroup

	drainOnce sync.Once
	drained   chan struct{}
}

// NewSupervisor creates a supervisor over the given marketplace client and
// config manager.
func NewSupervisor(api market.API, cfg *config.Manager, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:    logger.With("component", "fleet"),
		api:       api,
		cfg:       cfg,
		nodes:     make(map[string]*entry),
		completed: make(map[string]bool),
		drained:   make(chan struct{}),
	}
}

// Bootstrap reconciles the configured fleet with marketplace state: deals
// are adopted first, then open orders, and every remaining tag starts
// fresh. Reconciliation is best-effort; a failing marketplace call leaves
// the affected tags starting from scratch.
func (s *Supervisor) Bootstrap(ctx context.Context) {
	nodes := s.reconcile(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, n := range nodes {
		s.nodes[tag] = &entry{node: n}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) map[string]*node.WorkNode {
	tags := s.cfg.Tags()
	configured := make(map[string]bool, len(tags))
	for _, tag := range tags {
		configured[tag] = true
	}

	nodes := make(map[string]*node.WorkNode, len(tags))

	deals, err := s.api.DealList(ctx, len(tags))
	if err != nil {
		s.logger.Warn("deal listing failed, skipping deal adoption", "error", err)
	}
	for _, deal := range deals {
		info, err := s.api.DealStatus(ctx, deal.ID)
		if err != nil {
			s.logger.Warn("deal status failed during reconciliation", "deal", deal.ID, "error", err)
			continue
		}
		order, err := s.api.OrderStatus(ctx, info.BidID)
		if err != nil {
			s.logger.Warn("order status failed during reconciliation", "order", info.BidID, "error", err)
			continue
		}
		tag := order.Tag
		if !configured[tag] {
			continue
		}
		if _, ok := nodes[tag]; ok {
			s.logger.Warn("multiple deals match one configured tag, keeping the first",
				"tag", tag, "ignored_deal", deal.ID)
			continue
		}

		status, taskID := types.StateDealOpened, ""
		switch {
		case len(info.Running) > 0:
			status, taskID = types.StateTaskRunning, info.Running[0]
		case info.WorkerOffline:
			status = types.StateTaskFailed
		}
		s.logger.Info("adopting deal", "tag", tag, "deal", deal.ID, "status", status.String())
		nodes[tag] = node.Adopt(s.api, s.cfg, tag, status, info.BidID, deal.ID, taskID, info.PriceWei, s.logger)
	}

	orders, err := s.api.OrderList(ctx, len(tags))
	if err != nil {
		s.logger.Warn("order listing failed, skipping order adoption", "error", err)
	}
	for _, order := range orders {
		if !configured[order.Tag] {
			continue
		}
		if _, ok := nodes[order.Tag]; ok {
			continue
		}
		s.logger.Info("adopting open order", "tag", order.Tag, "order", order.ID)
		nodes[order.Tag] = node.Adopt(s.api, s.cfg, order.Tag, types.StateAwaitingDeal,
			order.ID, "", "", order.PriceWei, s.logger)
	}

	for _, tag := range tags {
		if _, ok := nodes[tag]; ok {
			continue
		}
		nodes[tag] = node.New(s.api, s.cfg, tag, s.logger)
	}
	return nodes
}

// Run starts every bootstrapped node plus the printer and reload loops and
// blocks until the fleet drains naturally or the context is cancelled. On
// cancellation nodes stop at their next sleep boundary; no marketplace
// state is touched.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	for tag, e := range s.nodes {
		s.startLocked(runCtx, tag, e)
	}
	s.checkDrainedLocked()
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return s.printLoop(runCtx) })
	g.Go(func() error { return s.reloadLoop(runCtx) })
	g.Wait()

	cancel()
	s.wg.Wait()
}

// Snapshot returns the current per-node views in natural tag order
// (tag_2 before tag_10).
func (s *Supervisor) Snapshot() []types.NodeSnapshot {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.nodes))
	for _, e := range s.nodes {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	snaps := make([]types.NodeSnapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.node.Snapshot())
	}
	sortSnapshots(snaps)
	return snaps
}

func (s *Supervisor) startLocked(ctx context.Context, tag string, e *entry) {
	nctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.node.Watch(nctx)
		s.removeNode(tag)
	}()
}

func (s *Supervisor) removeNode(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nodes[tag]
	if !ok {
		return
	}
	if e.node.Status() == types.StateWorkCompleted {
		s.completed[tag] = true
	}
	e.cancel()
	delete(s.nodes, tag)
	s.checkDrainedLocked()
}

// checkDrainedLocked signals natural termination once no nodes remain.
func (s *Supervisor) checkDrainedLocked() {
	if len(s.nodes) == 0 {
		s.drainOnce.Do(func() { close(s.drained) })
	}
}

func (s *Supervisor) printLoop(ctx context.Context) error {
	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.drained:
			return nil
		case <-ticker.C:
			s.logger.Info("fleet state\n" + RenderTable(s.Snapshot()))
		}
	}
}

func (s *Supervisor) reloadLoop(ctx context.Context) error {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.drained:
			return nil
		case <-ticker.C:
			s.applyReload(ctx)
		}
	}
}

// applyReload re-reads the config and diffs the fleet against it: nodes
// whose tags vanished are signalled to stop, new tags are spawned. Tags
// that already completed their work are left alone.
func (s *Supervisor) applyReload(ctx context.Context) {
	if err := s.cfg.Reload(); err != nil {
		s.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	want := make(map[string]bool)
	for _, tag := range s.cfg.Tags() {
		want[tag] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for tag, e := range s.nodes {
		if !want[tag] {
			s.logger.Info("node removed from config, retiring", "tag", tag)
			e.cancel()
		}
	}
	for tag := range want {
		if _, ok := s.nodes[tag]; ok {
			continue
		}
		if s.completed[tag] {
			continue
		}
		s.logger.Info("new node in config, spawning", "tag", tag)
		e := &entry{node: node.New(s.api, s.cfg, tag, s.logger)}
		s.nodes[tag] = e
		s.startLocked(ctx, tag, e)
	}
}
