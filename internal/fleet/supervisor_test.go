package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"sonm-fleet/internal/config"
	"sonm-fleet/pkg/types"
)

// marketStub serves reconciliation and order polling from fixed fixtures.
type marketStub struct {
	deals      []types.DealSummary
	dealInfos  map[string]*types.DealInfo
	orders     []types.OrderSummary
	orderInfos map[string]*types.OrderInfo
}

func (m *marketStub) OrderCreate(context.Context, types.BidOrder) (*types.CreatedOrder, error) {
	return nil, errors.New("not stubbed")
}

func (m *marketStub) OrderList(context.Context, int) ([]types.OrderSummary, error) {
	return m.orders, nil
}

func (m *marketStub) OrderStatus(_ context.Context, orderID string) (*types.OrderInfo, error) {
	if info, ok := m.orderInfos[orderID]; ok {
		return info, nil
	}
	return nil, errors.New("no such order")
}

func (m *marketStub) DealList(context.Context, int) ([]types.DealSummary, error) {
	return m.deals, nil
}

func (m *marketStub) DealStatus(_ context.Context, dealID string) (*types.DealInfo, error) {
	if info, ok := m.dealInfos[dealID]; ok {
		return info, nil
	}
	return nil, errors.New("no such deal")
}

func (m *marketStub) DealClose(context.Context, string, bool) error {
	return errors.New("not stubbed")
}

func (m *marketStub) TaskStart(context.Context, string, string) (*types.StartedTask, error) {
	return nil, errors.New("not stubbed")
}

func (m *marketStub) TaskStatus(context.Context, string, string) (*types.TaskInfo, error) {
	return nil, errors.New("not stubbed")
}

func (m *marketStub) TaskLogs(context.Context, string, string, string, string) error {
	return errors.New("not stubbed")
}

func (m *marketStub) PredictBid(context.Context, types.Resources) (*types.Prediction, error) {
	return nil, errors.New("not stubbed")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func taskYAML(nodes int) string {
	return `numberofnodes: ` + strconv.Itoa(nodes) + `
tag: "demo"
template_file: "task_template.yaml"
duration: "0h"
identity: "anonymous"
counterparty: ""
max_price: 0.5
price_coefficient: 10
ets: 60
ramsize: 1024
storagesize: 10
cpucores: 2
sysbenchsingle: 1000
sysbenchmulti: 2000
netdownload: 10
netupload: 10
gpucount: 0
gpumem: 0
ethhashrate: 0
overlay: false
incoming: false
`
}

const fleetBaseYAML = `node_address: "127.0.0.1:15031"
ethereum:
  key_path: "keys"
  password: "secret"
tasks:
  - task.yaml
`

func testManager(t *testing.T, nodes int) (*config.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{"config.yaml": fleetBaseYAML, "task.yaml": taskYAML(nodes)}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	m := config.NewManager(dir, testLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, dir
}

func TestReconcileAdoptsDealsThenOrdersThenFresh(t *testing.T) {
	t.Parallel()

	api := &marketStub{
		deals: []types.DealSummary{{ID: "D1"}},
		dealInfos: map[string]*types.DealInfo{
			"D1": {Status: 1, BidID: "O1", Running: []string{"T1"}, PriceWei: "100"},
		},
		orders: []types.OrderSummary{{ID: "O2", Tag: "demo_2", PriceWei: "100"}},
		orderInfos: map[string]*types.OrderInfo{
			"O1": {OrderStatus: types.OrderInactive, Tag: "demo_1", DealID: "D1"},
		},
	}
	cfg, _ := testManager(t, 3)
	s := NewSupervisor(api, cfg, testLogger())

	nodes := s.reconcile(context.Background())
	if len(nodes) != 3 {
		t.Fatalf("reconciled %d nodes, want 3", len(nodes))
	}
	want := map[string]types.State{
		"demo_1": types.StateTaskRunning,
		"demo_2": types.StateAwaitingDeal,
		"demo_3": types.StateStart,
	}
	for tag, wantStatus := range want {
		n, ok := nodes[tag]
		if !ok {
			t.Fatalf("node %s missing", tag)
		}
		if got := n.Status(); got != wantStatus {
			t.Errorf("%s status = %v, want %v", tag, got, wantStatus)
		}
	}
	if snap := nodes["demo_1"].Snapshot(); snap.DealID != "D1" || snap.TaskID != "T1" {
		t.Errorf("adopted deal node = %+v", snap)
	}
	if snap := nodes["demo_2"].Snapshot(); snap.OrderID != "O2" {
		t.Errorf("adopted order node = %+v", snap)
	}
}

func TestReconcileOfflineWorkerFailsTask(t *testing.T) {
	t.Parallel()

	api := &marketStub{
		deals: []types.DealSummary{{ID: "D1"}},
		dealInfos: map[string]*types.DealInfo{
			"D1": {Status: 1, BidID: "O1", WorkerOffline: true, PriceWei: "100"},
		},
		orderInfos: map[string]*types.OrderInfo{
			"O1": {OrderStatus: types.OrderInactive, Tag: "demo_1", DealID: "D1"},
		},
	}
	cfg, _ := testManager(t, 1)
	s := NewSupervisor(api, cfg, testLogger())

	nodes := s.reconcile(context.Background())
	if got := nodes["demo_1"].Status(); got != types.StateTaskFailed {
		t.Errorf("status = %v, want TASK_FAILED", got)
	}
}

func TestReconcileDuplicateDealKeepsFirst(t *testing.T) {
	t.Parallel()

	api := &marketStub{
		deals: []types.DealSummary{{ID: "D1"}, {ID: "D2"}},
		dealInfos: map[string]*types.DealInfo{
			"D1": {Status: 1, BidID: "O1", Running: []string{"T1"}},
			"D2": {Status: 1, BidID: "O2", Running: []string{"T2"}},
		},
		orderInfos: map[string]*types.OrderInfo{
			"O1": {OrderStatus: types.OrderInactive, Tag: "demo_1", DealID: "D1"},
			"O2": {OrderStatus: types.OrderInactive, Tag: "demo_1", DealID: "D2"},
		},
	}
	cfg, _ := testManager(t, 1)
	s := NewSupervisor(api, cfg, testLogger())

	nodes := s.reconcile(context.Background())
	if len(nodes) != 1 {
		t.Fatalf("reconciled %d nodes, want 1", len(nodes))
	}
	if snap := nodes["demo_1"].Snapshot(); snap.DealID != "D1" {
		t.Errorf("adopted deal = %s, want first match D1", snap.DealID)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()

	api := &marketStub{
		deals: []types.DealSummary{{ID: "D1"}},
		dealInfos: map[string]*types.DealInfo{
			"D1": {Status: 1, BidID: "O1", Running: []string{"T1"}},
		},
		orders: []types.OrderSummary{{ID: "O2", Tag: "demo_2"}},
		orderInfos: map[string]*types.OrderInfo{
			"O1": {OrderStatus: types.OrderInactive, Tag: "demo_1", DealID: "D1"},
		},
	}
	cfg, _ := testManager(t, 3)
	s := NewSupervisor(api, cfg, testLogger())

	first := s.reconcile(context.Background())
	second := s.reconcile(context.Background())
	if len(first) != len(second) {
		t.Fatalf("reconcile sizes differ: %d vs %d", len(first), len(second))
	}
	for tag, n := range first {
		m, ok := second[tag]
		if !ok {
			t.Fatalf("second reconcile missing %s", tag)
		}
		if n.Status() != m.Status() {
			t.Errorf("%s status differs: %v vs %v", tag, n.Status(), m.Status())
		}
	}
}

func TestReloadRetiresRemovedNode(t *testing.T) {
	api := &marketStub{
		orders: []types.OrderSummary{
			{ID: "O1", Tag: "demo_1"},
			{ID: "O2", Tag: "demo_2"},
		},
		orderInfos: map[string]*types.OrderInfo{
			"O1": {OrderStatus: 0, Tag: "demo_1", DealID: types.NoDeal},
			"O2": {OrderStatus: 0, Tag: "demo_2", DealID: types.NoDeal},
		},
	}
	cfg, dir := testManager(t, 2)
	s := NewSupervisor(api, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Bootstrap(ctx)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(s.Snapshot()) == 2 })

	// Drop demo_2 from the config and apply the reload diff.
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte(taskYAML(1)), 0o644); err != nil {
		t.Fatalf("rewrite task.yaml: %v", err)
	}
	s.applyReload(ctx)

	waitFor(t, func() bool {
		snaps := s.Snapshot()
		return len(snaps) == 1 && snaps[0].Tag == "demo_1"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestRunReturnsWhenFleetEmpty(t *testing.T) {
	t.Parallel()

	cfg, _ := testManager(t, 1)
	s := NewSupervisor(&marketStub{}, cfg, testLogger())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return for an empty fleet")
	}
}

func TestNaturalSort(t *testing.T) {
	t.Parallel()

	snaps := []types.NodeSnapshot{
		{Tag: "demo_10"}, {Tag: "demo_2"}, {Tag: "demo_1"}, {Tag: "alt_3"},
	}
	sortSnapshots(snaps)
	want := []string{"alt_3", "demo_1", "demo_2", "demo_10"}
	for i, tag := range want {
		if snaps[i].Tag != tag {
			t.Fatalf("order[%d] = %s, want %s", i, snaps[i].Tag, tag)
		}
	}
}

func TestRenderTable(t *testing.T) {
	t.Parallel()

	out := RenderTable([]types.NodeSnapshot{
		{Tag: "demo_1", OrderID: "O1", Price: "0.1000 USD/h", DealID: "D1", TaskID: "T1", TaskUptime: 120, Status: "TASK_RUNNING"},
	})
	for _, want := range []string{"demo_1", "O1", "D1", "T1", "120s", "TASK_RUNNING"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
