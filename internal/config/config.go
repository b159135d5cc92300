// Package config loads and validates the keeper configuration.
//
// The base config (conf/config.yaml) names the marketplace node endpoint,
// the Ethereum identity material, and a list of per-task config files.
// Each task config describes one pool of logical work nodes; it fans out
// into numberofnodes per-node configs keyed by "<tag>_<ordinal>".
//
// The Manager keeps the parsed result in an atomically-swapped snapshot so
// that reload and the per-node workers never observe a half-updated view:
// a reader sees either the old or the new full config, nothing in between.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"sonm-fleet/pkg/types"
)

// Base is the top-level configuration.
type Base struct {
	NodeAddress string    `mapstructure:"node_address"`
	Ethereum    Ethereum  `mapstructure:"ethereum"`
	Tasks       []string  `mapstructure:"tasks"`
	Logging     Logging   `mapstructure:"logging"`
	Dashboard   Dashboard `mapstructure:"dashboard"`
}

// Ethereum holds the identity material: a keystore directory and the
// password that decrypts its key files. The first key file (by directory
// listing order) is used.
type Ethereum struct {
	KeyPath  string `mapstructure:"key_path"`
	Password string `mapstructure:"password"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Dashboard controls the optional fleet dashboard server.
type Dashboard struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NodeConfig is the per-node view of a task config. Every node of the same
// task shares these values; only the derived tag differs.
type NodeConfig struct {
	NumberOfNodes    int     `mapstructure:"numberofnodes"`
	Tag              string  `mapstructure:"tag"`
	TemplateFile     string  `mapstructure:"template_file"`
	Duration         string  `mapstructure:"duration"`
	Identity         string  `mapstructure:"identity"`
	Counterparty     string  `mapstructure:"counterparty"`
	MaxPrice         float64 `mapstructure:"max_price"`
	PriceCoefficient int     `mapstructure:"price_coefficient"`
	ETS              int64   `mapstructure:"ets"`

	RAMSize        int64 `mapstructure:"ramsize"`     // MiB
	StorageSize    int64 `mapstructure:"storagesize"` // GiB
	CPUCores       int64 `mapstructure:"cpucores"`
	SysbenchSingle int64 `mapstructure:"sysbenchsingle"`
	SysbenchMulti  int64 `mapstructure:"sysbenchmulti"`
	NetDownload    int64 `mapstructure:"netdownload"` // MiB/s
	NetUpload      int64 `mapstructure:"netupload"`   // MiB/s
	GPUCount       int64 `mapstructure:"gpucount"`
	GPUMem         int64 `mapstructure:"gpumem"`      // MiB
	EthHashrate    int64 `mapstructure:"ethhashrate"` // Mh/s
	Overlay        bool  `mapstructure:"overlay"`
	Incoming       bool  `mapstructure:"incoming"`
}

var requiredBaseKeys = []string{
	"node_address",
	"ethereum.key_path",
	"ethereum.password",
	"tasks",
}

var requiredTaskKeys = []string{
	"numberofnodes",
	"tag",
	"template_file",
	"duration",
	"identity",
	"max_price",
	"price_coefficient",
	"ets",
	"ramsize",
	"storagesize",
	"cpucores",
	"sysbenchsingle",
	"sysbenchmulti",
	"netdownload",
	"netupload",
	"gpucount",
	"gpumem",
	"ethhashrate",
	"overlay",
	"incoming",
}

// snapshot is one immutable parse of the whole configuration.
type snapshot struct {
	base  Base
	nodes map[string]NodeConfig // node tag -> config
	tags  map[string]string     // task file -> task tag (for reload carry-forward)
}

// Manager loads the configuration and republishes it on reload.
// All accessors read the current snapshot; Reload swaps it atomically.
type Manager struct {
	folder string
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

// NewManager creates a manager reading from the given config folder.
func NewManager(folder string, logger *slog.Logger) *Manager {
	return &Manager{
		folder: folder,
		logger: logger.With("component", "config"),
	}
}

// Load reads the base config and every task config. Any error is fatal:
// at startup there is no previous snapshot to fall back to.
func (m *Manager) Load() error {
	base, err := m.loadBase()
	if err != nil {
		return err
	}

	nodes := make(map[string]NodeConfig)
	tags := make(map[string]string)
	for _, file := range base.Tasks {
		task, err := m.loadTask(file)
		if err != nil {
			return fmt.Errorf("task config %s: %w", file, err)
		}
		if prev, ok := tagOwner(tags, task.Tag); ok {
			return fmt.Errorf("task config %s: tag %q already used by %s", file, task.Tag, prev)
		}
		tags[file] = task.Tag
		fanOut(nodes, task)
	}

	m.snap.Store(&snapshot{base: *base, nodes: nodes, tags: tags})
	m.logger.Debug("config loaded", "tasks", len(base.Tasks), "nodes", len(nodes))
	return nil
}

// Reload re-reads the configuration. A failing base config keeps the old
// snapshot and returns the error. A failing task config does not bring
// that task down: its nodes are carried forward from the old snapshot and
// the error is logged, so running nodes keep their last good config.
func (m *Manager) Reload() error {
	old := m.snap.Load()
	if old == nil {
		return m.Load()
	}

	base, err := m.loadBase()
	if err != nil {
		return err
	}

	nodes := make(map[string]NodeConfig)
	tags := make(map[string]string)
	for _, file := range base.Tasks {
		task, err := m.loadTask(file)
		if err != nil {
			m.logger.Error("task config failed on reload, keeping previous", "file", file, "error", err)
			if oldTag, ok := old.tags[file]; ok {
				tags[file] = oldTag
				carryForward(nodes, old.nodes, oldTag)
			}
			continue
		}
		if prev, ok := tagOwner(tags, task.Tag); ok {
			m.logger.Error("duplicate task tag on reload, skipping", "file", file, "tag", task.Tag, "owner", prev)
			continue
		}
		tags[file] = task.Tag
		fanOut(nodes, task)
	}

	m.snap.Store(&snapshot{base: *base, nodes: nodes, tags: tags})
	return nil
}

// Base returns the current base config.
func (m *Manager) Base() Base {
	return m.snap.Load().base
}

// Tags returns the sorted tags of all configured nodes.
func (m *Manager) Tags() []string {
	snap := m.snap.Load()
	tags := make([]string, 0, len(snap.nodes))
	for tag := range snap.nodes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Node returns the config for one node tag.
func (m *Manager) Node(tag string) (NodeConfig, bool) {
	cfg, ok := m.snap.Load().nodes[tag]
	return cfg, ok
}

func (m *Manager) loadBase() (*Base, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(m.folder, "config.yaml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if missed := missingKeys(v, requiredBaseKeys); len(missed) > 0 {
		return nil, fmt.Errorf("missed keys: '%s'", strings.Join(missed, "', '"))
	}

	var base Base
	if err := v.Unmarshal(&base); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(base.Tasks) == 0 {
		return nil, fmt.Errorf("tasks list is empty")
	}
	return &base, nil
}

func (m *Manager) loadTask(file string) (*NodeConfig, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(m.folder, file))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if missed := missingKeys(v, requiredTaskKeys); len(missed) > 0 {
		return nil, fmt.Errorf("missed keys: '%s'", strings.Join(missed, "', '"))
	}

	var task NodeConfig
	if err := v.Unmarshal(&task); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if task.NumberOfNodes <= 0 {
		return nil, fmt.Errorf("numberofnodes must be positive, got %d", task.NumberOfNodes)
	}
	if _, ok := identityKnown(task.Identity); !ok {
		return nil, fmt.Errorf("unknown identity %q", task.Identity)
	}
	task.Counterparty = ValidEthAddr(task.Counterparty)
	return &task, nil
}

// ValidEthAddr returns the address if it is a well-formed 0x-prefixed
// Ethereum address, otherwise the empty string (invalid counterparties are
// treated as absent).
func ValidEthAddr(addr string) string {
	if strings.HasPrefix(addr, "0x") && len(addr) == 42 && common.IsHexAddress(addr) {
		return addr
	}
	return ""
}

// NodeTag forms the stable per-node identity from a task tag and a
// 1-based ordinal.
func NodeTag(taskTag string, ordinal int) string {
	return fmt.Sprintf("%s_%d", taskTag, ordinal)
}

func fanOut(nodes map[string]NodeConfig, task *NodeConfig) {
	for n := 1; n <= task.NumberOfNodes; n++ {
		nodes[NodeTag(task.Tag, n)] = *task
	}
}

func carryForward(dst, src map[string]NodeConfig, taskTag string) {
	prefix := taskTag + "_"
	for tag, cfg := range src {
		if strings.HasPrefix(tag, prefix) {
			dst[tag] = cfg
		}
	}
}

func tagOwner(tags map[string]string, tag string) (string, bool) {
	for file, t := range tags {
		if t == tag {
			return file, true
		}
	}
	return "", false
}

func identityKnown(name string) (types.Identity, bool) {
	if name == "unknown" {
		return types.IdentityUnknown, true
	}
	id := types.ParseIdentity(name)
	return id, id != types.IdentityUnknown
}

func missingKeys(v *viper.Viper, keys []string) []string {
	var missed []string
	for _, key := range keys {
		if !v.IsSet(key) {
			missed = append(missed, key)
		}
	}
	return missed
}
