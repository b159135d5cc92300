package market

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sonm-fleet/pkg/types"
)

var testConsumer = common.HexToAddress("0x417c92fbd944b125a578848de44a4fd9132e0911")

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newClient(url, testConsumer, logger, time.Millisecond)
}

func decodeBody(t *testing.T, r *http.Request, dst any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		t.Errorf("decode request body: %v", err)
	}
}

func TestOrderCreateWireForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/OrderManagementServer/CreateOrder" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var order wireOrder
		decodeBody(t, r, &order)
		if order.Duration.Nanoseconds != 0 {
			t.Errorf("duration = %d, want 0", order.Duration.Nanoseconds)
		}
		if order.Price.PerSecond != "27777777777777" {
			t.Errorf("price = %s", order.Price.PerSecond)
		}
		if tag, _ := ParseTag(order.Tag); tag != "demo_1" {
			t.Errorf("tag decodes to %q", tag)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "O1"})
	}))
	defer srv.Close()

	created, err := testClient(t, srv.URL).OrderCreate(context.Background(), types.BidOrder{
		Duration: "0h",
		Price:    "0.1000USD/h",
		Identity: "anonymous",
		Tag:      "demo_1",
	})
	if err != nil {
		t.Fatalf("OrderCreate: %v", err)
	}
	if created.ID != "O1" {
		t.Errorf("created order id = %q", created.ID)
	}
}

func TestOrderStatusRetriesOnFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"orderStatus": 1,
			"tag":         EncodeTag("demo_1"),
			"dealID":      "D1",
		})
	}))
	defer srv.Close()

	info, err := testClient(t, srv.URL).OrderStatus(context.Background(), "O1")
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
	if info.OrderStatus != 1 || info.Tag != "demo_1" || info.DealID != "D1" {
		t.Errorf("unexpected order info: %+v", info)
	}
}

func TestTaskStartSingleAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	taskFile := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(taskFile, []byte("container:\n  image: alpine\n"), 0o644); err != nil {
		t.Fatalf("write task file: %v", err)
	}

	_, err := testClient(t, srv.URL).TaskStart(context.Background(), "D1", taskFile)
	if err == nil {
		t.Fatal("expected error from failing server")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want exactly 1", got)
	}
}

func TestDealListSendsConsumerFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var filter struct {
			Status     int    `json:"status"`
			ConsumerID string `json:"consumerID"`
			Limit      int    `json:"limit"`
		}
		decodeBody(t, r, &filter)
		if filter.Status != 1 || filter.ConsumerID != testConsumer.Hex() || filter.Limit != 5 {
			t.Errorf("unexpected filter: %+v", filter)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"deals": []map[string]any{
				{"deal": map[string]string{"id": "D1"}},
				{"deal": map[string]string{"id": "D2"}},
			},
		})
	}))
	defer srv.Close()

	deals, err := testClient(t, srv.URL).DealList(context.Background(), 5)
	if err != nil {
		t.Fatalf("DealList: %v", err)
	}
	if len(deals) != 2 || deals[0].ID != "D1" || deals[1].ID != "D2" {
		t.Errorf("deals = %+v", deals)
	}
}

func TestDealStatusWorkerSections(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		decodeBody(t, r, &req)
		w.Header().Set("Content-Type", "application/json")
		switch req.ID {
		case "online":
			json.NewEncoder(w).Encode(map[string]any{
				"deal":      map[string]any{"status": 1, "bidID": "O1", "price": "100"},
				"running":   map[string]any{"T2": map[string]any{}, "T1": map[string]any{}},
				"resources": map[string]any{"cpu": 2},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"deal": map[string]any{"status": 1, "bidID": "O2", "price": "100"},
			})
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	online, err := client.DealStatus(context.Background(), "online")
	if err != nil {
		t.Fatalf("DealStatus: %v", err)
	}
	if online.WorkerOffline {
		t.Error("worker with resources reported offline")
	}
	if len(online.Running) != 2 || online.Running[0] != "T1" || online.Running[1] != "T2" {
		t.Errorf("running = %v, want sorted [T1 T2]", online.Running)
	}

	offline, err := client.DealStatus(context.Background(), "offline")
	if err != nil {
		t.Fatalf("DealStatus: %v", err)
	}
	if !offline.WorkerOffline {
		t.Error("worker without resources not reported offline")
	}
	if len(offline.Running) != 0 {
		t.Errorf("running = %v, want empty", offline.Running)
	}
}

func TestTaskStatusUptimeSeconds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "RUNNING",
			"uptime": "300000000000",
		})
	}))
	defer srv.Close()

	info, err := testClient(t, srv.URL).TaskStatus(context.Background(), "D1", "T1")
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if info.Status != types.TaskRunning || info.Uptime != 300 {
		t.Errorf("task info = %+v", info)
	}
}

func TestTaskLogsWritesFile(t *testing.T) {
	t.Parallel()

	const logBody = "line one\nline two\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tail string `json:"tail"`
		}
		decodeBody(t, r, &req)
		if req.Tail != LogTail {
			t.Errorf("tail = %q, want %s", req.Tail, LogTail)
		}
		io.WriteString(w, logBody)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "success_demo_1-deal-D1.log")
	if err := testClient(t, srv.URL).TaskLogs(context.Background(), "D1", "T1", LogTail, path); err != nil {
		t.Fatalf("TaskLogs: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(got) != logBody {
		t.Errorf("log file contents = %q", got)
	}
}

func TestPredictBidConvertsPrice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"perSecond": "1000000000000000000"})
	}))
	defer srv.Close()

	pred, err := testClient(t, srv.URL).PredictBid(context.Background(), types.Resources{})
	if err != nil {
		t.Fatalf("PredictBid: %v", err)
	}
	if pred.PerHourUSD != 3600 {
		t.Errorf("PerHourUSD = %v, want 3600", pred.PerHourUSD)
	}
}
