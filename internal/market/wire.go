package market

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"sonm-fleet/internal/pricing"
	"sonm-fleet/pkg/types"
)

// EncodeTag encodes a node tag the way the marketplace carries it.
func EncodeTag(tag string) string {
	return base64.StdEncoding.EncodeToString([]byte(tag))
}

// ParseTag decodes a wire tag, stripping the trailing NUL padding the
// marketplace adds to short tags.
func ParseTag(wire string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return "", fmt.Errorf("decode tag %q: %w", wire, err)
	}
	return string(bytes.TrimRight(raw, "\x00")), nil
}

// durationNanoseconds parses a config duration ("0h", "24h") into the wire
// nanosecond count.
func durationNanoseconds(s string) (int64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d.Nanoseconds(), nil
}

// uptimeSeconds converts the wire nanosecond uptime string to whole seconds.
func uptimeSeconds(wire string) (int64, error) {
	ns, err := strconv.ParseInt(wire, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime %q: %w", wire, err)
	}
	return ns / int64(time.Second), nil
}

var taskStatusByName = map[string]types.TaskStatus{
	"SPOOLING": types.TaskSpooling,
	"SPAWNING": types.TaskSpawning,
	"RUNNING":  types.TaskRunning,
	"FINISHED": types.TaskFinished,
	"BROKEN":   types.TaskBroken,
}

func parseTaskStatus(name string) types.TaskStatus {
	if s, ok := taskStatusByName[name]; ok {
		return s
	}
	return types.TaskUnknown
}

type wireDuration struct {
	Nanoseconds int64 `json:"nanoseconds"`
}

type wirePrice struct {
	PerSecond string `json:"perSecond"`
}

// wireOrder is the order document the marketplace expects: nanosecond
// duration, wei-per-second price, numeric identity, base64 tag.
type wireOrder struct {
	Duration     wireDuration    `json:"duration"`
	Price        wirePrice       `json:"price"`
	Identity     int             `json:"identity"`
	Tag          string          `json:"tag"`
	Resources    types.Resources `json:"resources"`
	Counterparty string          `json:"counterparty,omitempty"`
}

// buildWireOrder translates a bid descriptor to its wire form.
func buildWireOrder(bid types.BidOrder) (*wireOrder, error) {
	ns, err := durationNanoseconds(bid.Duration)
	if err != nil {
		return nil, err
	}
	usd, err := pricing.ParseHuman(bid.Price)
	if err != nil {
		return nil, err
	}
	return &wireOrder{
		Duration:     wireDuration{Nanoseconds: ns},
		Price:        wirePrice{PerSecond: pricing.ToWire(usd)},
		Identity:     int(types.ParseIdentity(bid.Identity)),
		Tag:          EncodeTag(bid.Tag),
		Resources:    bid.Resources,
		Counterparty: bid.Counterparty,
	}, nil
}

type createOrderResponse struct {
	ID string `json:"id"`
}

type orderListResponse struct {
	Orders []struct {
		Order struct {
			ID    string `json:"id"`
			Tag   string `json:"tag"`
			Price string `json:"price"`
		} `json:"order"`
	} `json:"orders"`
}

type orderStatusResponse struct {
	OrderStatus int    `json:"orderStatus"`
	Tag         string `json:"tag"`
	DealID      string `json:"dealID"`
}

type dealListResponse struct {
	Deals []struct {
		Deal struct {
			ID string `json:"id"`
		} `json:"deal"`
	} `json:"deals"`
}

// dealStatusResponse carries the deal itself plus two optional sections:
// "running" maps the worker's running task IDs, "resources" is present only
// when the worker answered the resources request. An absent resources
// section is how the marketplace reports an offline worker.
type dealStatusResponse struct {
	Deal struct {
		Status int    `json:"status"`
		BidID  string `json:"bidID"`
		Price  string `json:"price"`
	} `json:"deal"`
	Running   map[string]json.RawMessage `json:"running"`
	Resources json.RawMessage            `json:"resources"`
}

func (r *dealStatusResponse) runningTasks() []string {
	if len(r.Running) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Running))
	for id := range r.Running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type startTaskResponse struct {
	ID string `json:"id"`
}

type taskStatusResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type predictResponse struct {
	PerSecond string `json:"perSecond"`
}
