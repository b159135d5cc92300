// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the keeper — the work-node
// lifecycle states, task statuses, identity levels, and the normalized
// shapes returned by the marketplace adapter. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// State is the lifecycle state of a single work node. A node walks from
// StateStart through order placement, deal matching, and task execution to
// the terminal StateWorkCompleted; every failure path loops it back to
// StateCreateOrder.
type State int

const (
	StateStart State = iota
	StateCreateOrder
	StatePlacingOrder // transient: OrderCreate in flight, visible to the printer
	StateAwaitingDeal
	StateDealOpened
	StateDealDisappeared
	StateStartingTask
	StateTaskRunning
	StateTaskFailed
	StateTaskFailedToStart
	StateTaskBroken
	StateTaskFinished
	StateWorkCompleted // terminal
)

var stateNames = map[State]string{
	StateStart:             "START",
	StateCreateOrder:       "CREATE_ORDER",
	StatePlacingOrder:      "PLACING_ORDER",
	StateAwaitingDeal:      "AWAITING_DEAL",
	StateDealOpened:        "DEAL_OPENED",
	StateDealDisappeared:   "DEAL_DISAPPEARED",
	StateStartingTask:      "STARTING_TASK",
	StateTaskRunning:       "TASK_RUNNING",
	StateTaskFailed:        "TASK_FAILED",
	StateTaskFailedToStart: "TASK_FAILED_TO_START",
	StateTaskBroken:        "TASK_BROKEN",
	StateTaskFinished:      "TASK_FINISHED",
	StateWorkCompleted:     "WORK_COMPLETED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// TaskStatus is the marketplace-reported status of a task on a deal.
type TaskStatus int

const (
	TaskUnknown TaskStatus = iota
	TaskSpooling
	TaskSpawning
	TaskRunning
	TaskFinished
	TaskBroken
)

var taskStatusNames = map[TaskStatus]string{
	TaskUnknown:  "UNKNOWN",
	TaskSpooling: "SPOOLING",
	TaskSpawning: "SPAWNING",
	TaskRunning:  "RUNNING",
	TaskFinished: "FINISHED",
	TaskBroken:   "BROKEN",
}

func (t TaskStatus) String() string {
	if name, ok := taskStatusNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Identity is the minimum KYC level a counterparty worker must carry for an
// order to match it.
type Identity int

const (
	IdentityUnknown Identity = iota
	IdentityAnonymous
	IdentityRegistered
	IdentityIdentified
	IdentityProfessional
)

var identityLevels = map[string]Identity{
	"unknown":      IdentityUnknown,
	"anonymous":    IdentityAnonymous,
	"registered":   IdentityRegistered,
	"identified":   IdentityIdentified,
	"professional": IdentityProfessional,
}

// ParseIdentity maps a config identity name to its wire value.
// Unrecognized names fall back to IdentityUnknown.
func ParseIdentity(name string) Identity {
	if id, ok := identityLevels[name]; ok {
		return id
	}
	return IdentityUnknown
}

// Marketplace wire constants.
const (
	// OrderInactive means the order is no longer open: either it matched
	// a deal (DealID != "0") or it was cancelled (DealID == "0").
	OrderInactive = 1

	// DealClosed is the deal status meaning the deal has been terminated.
	DealClosed = 2

	// NoDeal is the DealID an inactive order carries when it was cancelled
	// rather than matched.
	NoDeal = "0"
)

// ————————————————————————————————————————————————————————————————————————
// Bid descriptor
// ————————————————————————————————————————————————————————————————————————

// BidOrder is the bid descriptor a node submits to buy compute. Price is
// kept in its human-readable form ("0.1234USD/h"); the marketplace adapter
// converts it to wei-per-second on the wire.
type BidOrder struct {
	Duration     string    `yaml:"duration" json:"duration"`
	Price        string    `yaml:"price" json:"price"`
	Identity     string    `yaml:"identity" json:"identity"`
	Tag          string    `yaml:"tag" json:"tag"`
	Resources    Resources `yaml:"resources" json:"resources"`
	Counterparty string    `yaml:"counterparty,omitempty" json:"counterparty,omitempty"`
}

// Resources is the resource requirement sub-document of a bid.
type Resources struct {
	Network    Network    `yaml:"network" json:"network"`
	Benchmarks Benchmarks `yaml:"benchmarks" json:"benchmarks"`
}

// Network holds the network requirement flags.
type Network struct {
	Overlay  bool `yaml:"overlay" json:"overlay"`
	Outbound bool `yaml:"outbound" json:"outbound"`
	Incoming bool `yaml:"incoming" json:"incoming"`
}

// Benchmarks holds the minimum benchmark values a worker must satisfy.
// All values are in wire units (bytes, bytes/s, hashes/s).
type Benchmarks struct {
	RAMSize        int64 `yaml:"ram-size" json:"ram-size"`
	StorageSize    int64 `yaml:"storage-size" json:"storage-size"`
	CPUCores       int64 `yaml:"cpu-cores" json:"cpu-cores"`
	CPUSysbenchOne int64 `yaml:"cpu-sysbench-single" json:"cpu-sysbench-single"`
	CPUSysbenchAll int64 `yaml:"cpu-sysbench-multi" json:"cpu-sysbench-multi"`
	NetDownload    int64 `yaml:"net-download" json:"net-download"`
	NetUpload      int64 `yaml:"net-upload" json:"net-upload"`
	GPUCount       int64 `yaml:"gpu-count" json:"gpu-count"`
	GPUMem         int64 `yaml:"gpu-mem" json:"gpu-mem"`
	GPUEthHashrate int64 `yaml:"gpu-eth-hashrate" json:"gpu-eth-hashrate"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalized marketplace shapes
// ————————————————————————————————————————————————————————————————————————
// These are the stable shapes the rest of the system consumes. The adapter
// in internal/market translates the marketplace wire format (base64 tags,
// wei-per-second price strings, nanosecond uptimes) into these.

// CreatedOrder is the result of placing a bid order.
type CreatedOrder struct {
	ID string
}

// OrderSummary is one entry of an order listing. PriceWei is the raw
// wei-per-second price string as reported by the marketplace.
type OrderSummary struct {
	ID       string
	Tag      string
	PriceWei string
}

// OrderInfo is the normalized order status. Tag is decoded from its wire
// base64 form with trailing NULs stripped.
type OrderInfo struct {
	OrderStatus int
	Tag         string
	DealID      string
}

// DealSummary is one entry of a deal listing (active consumer-side deals).
type DealSummary struct {
	ID string
}

// DealInfo is the normalized deal status. Running lists the task IDs
// currently executing on the worker side; WorkerOffline is set when the
// worker did not answer the resources request.
type DealInfo struct {
	Status        int
	BidID         string
	Running       []string
	WorkerOffline bool
	PriceWei      string
}

// StartedTask is the result of launching a task on a deal.
type StartedTask struct {
	ID string
}

// TaskInfo is the normalized task status. Uptime is in whole seconds
// (the wire reports nanoseconds).
type TaskInfo struct {
	Status TaskStatus
	Uptime int64
}

// Prediction is the marketplace's price estimate for a resource profile.
type Prediction struct {
	PerHourUSD float64
}

// ————————————————————————————————————————————————————————————————————————
// Fleet display
// ————————————————————————————————————————————————————————————————————————

// NodeSnapshot is a point-in-time view of one work node, taken by the fleet
// printer and the dashboard. It may be slightly behind an in-flight
// transition; per-node ordering is still total.
type NodeSnapshot struct {
	Tag        string `json:"tag"`
	OrderID    string `json:"order_id"`
	Price      string `json:"price"`
	DealID     string `json:"deal_id"`
	TaskID     string `json:"task_id"`
	TaskUptime int64  `json:"task_uptime"`
	Status     string `json:"status"`
}
