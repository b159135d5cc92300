// Package bid builds the order and task descriptors a node submits to the
// marketplace. Bid descriptors are composed from the node config with
// benchmark values scaled to wire units; task descriptors are expanded from
// the per-task template file. Both are dumped under out/ so the operator
// can inspect exactly what each node sent.
package bid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"sonm-fleet/internal/config"
	"sonm-fleet/pkg/types"
)

const (
	ordersDir = "out/orders"
	tasksDir  = "out/tasks"

	mib = 1 << 20
	gib = 1 << 30
	mh  = 1_000_000
)

// BidFile is the path the node's last-generated bid descriptor is dumped to.
func BidFile(nodeTag string) string {
	return filepath.Join(ordersDir, nodeTag+".yaml")
}

// TaskFile is the path the node's expanded task descriptor is dumped to.
func TaskFile(nodeTag string) string {
	return filepath.Join(tasksDir, nodeTag+".yaml")
}

// Build composes a bid descriptor from the node config. price is the final
// order price in its human form ("0.1234USD/h"). When the config requests
// no GPUs, the GPU memory and hashrate requirements are forced to zero so
// the order can match CPU-only workers.
func Build(cfg config.NodeConfig, nodeTag, price string) types.BidOrder {
	gpuMem := cfg.GPUMem
	hashrate := cfg.EthHashrate
	if cfg.GPUCount == 0 {
		gpuMem = 0
		hashrate = 0
	}

	return types.BidOrder{
		Duration: cfg.Duration,
		Price:    price,
		Identity: cfg.Identity,
		Tag:      nodeTag,
		Resources: types.Resources{
			Network: types.Network{
				Overlay:  cfg.Overlay,
				Outbound: true,
				Incoming: cfg.Incoming,
			},
			Benchmarks: types.Benchmarks{
				RAMSize:        cfg.RAMSize * mib,
				StorageSize:    cfg.StorageSize * gib,
				CPUCores:       cfg.CPUCores,
				CPUSysbenchOne: cfg.SysbenchSingle,
				CPUSysbenchAll: cfg.SysbenchMulti,
				NetDownload:    cfg.NetDownload * mib,
				NetUpload:      cfg.NetUpload * mib,
				GPUCount:       cfg.GPUCount,
				GPUMem:         gpuMem * mib,
				GPUEthHashrate: hashrate * mh,
			},
		},
		Counterparty: cfg.Counterparty,
	}
}

// RenderTask expands the task template file for one node. The template may
// reference {{.NodeTag}} anywhere; the result is the task descriptor text
// sent to the worker.
func RenderTask(templateFile, nodeTag string) ([]byte, error) {
	raw, err := os.ReadFile(templateFile)
	if err != nil {
		return nil, fmt.Errorf("read task template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(templateFile)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse task template: %w", err)
	}

	var out strings.Builder
	data := struct{ NodeTag string }{NodeTag: nodeTag}
	if err := tmpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("render task template: %w", err)
	}
	return []byte(out.String()), nil
}

// WriteBid dumps a bid descriptor as YAML.
func WriteBid(bidOrder types.BidOrder, path string) error {
	data, err := yaml.Marshal(bidOrder)
	if err != nil {
		return fmt.Errorf("marshal bid: %w", err)
	}
	return writeAtomic(path, data)
}

// WriteTask dumps a rendered task descriptor.
func WriteTask(data []byte, path string) error {
	return writeAtomic(path, data)
}

// writeAtomic writes via a temp file in the same directory plus rename, so
// a reader never sees a half-written descriptor.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
