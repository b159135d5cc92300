package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const baseYAML = `node_address: "127.0.0.1:15031"
ethereum:
  key_path: "keys"
  password: "secret"
tasks:
  - task.yaml
`

const taskYAML = `numberofnodes: 2
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

func writeConf(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadFansOutNodeTags(t *testing.T) {
	t.Parallel()
	dir := writeConf(t, map[string]string{"config.yaml": baseYAML, "task.yaml": taskYAML})

	m := NewManager(dir, testLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tags := m.Tags()
	if len(tags) != 2 || tags[0] != "demo_1" || tags[1] != "demo_2" {
		t.Fatalf("Tags = %v, want [demo_1 demo_2]", tags)
	}

	cfg, ok := m.Node("demo_1")
	if !ok {
		t.Fatal("Node(demo_1) not found")
	}
	if cfg.ETS != 60 || cfg.MaxPrice != 0.5 || cfg.Identity != "anonymous" {
		t.Errorf("unexpected node config: %+v", cfg)
	}
	if _, ok := m.Node("demo_3"); ok {
		t.Error("Node(demo_3) should not exist")
	}
}

func TestLoadReportsAllMissingBaseKeys(t *testing.T) {
	t.Parallel()
	dir := writeConf(t, map[string]string{"config.yaml": "node_address: x\n"})

	m := NewManager(dir, testLogger())
	err := m.Load()
	if err == nil {
		t.Fatal("expected error for missing keys")
	}
	for _, key := range []string{"ethereum.key_path", "ethereum.password", "tasks"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestLoadReportsMissingTaskKeys(t *testing.T) {
	t.Parallel()
	dir := writeConf(t, map[string]string{
		"config.yaml": baseYAML,
		"task.yaml":   "numberofnodes: 1\ntag: demo\n",
	})

	m := NewManager(dir, testLogger())
	err := m.Load()
	if err == nil {
		t.Fatal("expected error for missing task keys")
	}
	for _, key := range []string{"template_file", "ets", "max_price"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestLoadRejectsDuplicateTags(t *testing.T) {
	t.Parallel()
	base := strings.Replace(baseYAML, "- task.yaml", "- task.yaml\n  - other.yaml", 1)
	dir := writeConf(t, map[string]string{
		"config.yaml": base,
		"task.yaml":   taskYAML,
		"other.yaml":  taskYAML,
	})

	m := NewManager(dir, testLogger())
	if err := m.Load(); err == nil {
		t.Fatal("expected error for duplicate tag")
	}
}

func TestCounterpartyValidation(t *testing.T) {
	t.Parallel()

	valid := "0x417c92fbd944b125a578848de44a4fd9132e0911"
	if got := ValidEthAddr(valid); got != valid {
		t.Errorf("ValidEthAddr(%s) = %q", valid, got)
	}
	for _, bad := range []string{"", "nonsense", "0x1234", "417c92fbd944b125a578848de44a4fd9132e0911"} {
		if got := ValidEthAddr(bad); got != "" {
			t.Errorf("ValidEthAddr(%q) = %q, want empty", bad, got)
		}
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	t.Parallel()
	dir := writeConf(t, map[string]string{"config.yaml": baseYAML, "task.yaml": taskYAML})

	m := NewManager(dir, testLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := strings.Replace(taskYAML, "numberofnodes: 2", "numberofnodes: 3", 1)
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite task.yaml: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if tags := m.Tags(); len(tags) != 3 {
		t.Errorf("Tags after reload = %v, want 3 entries", tags)
	}
}

func TestReloadKeepsNodesOnBrokenTask(t *testing.T) {
	t.Parallel()
	dir := writeConf(t, map[string]string{"config.yaml": baseYAML, "task.yaml": taskYAML})

	m := NewManager(dir, testLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Break the task config: required keys vanish.
	if err := os.WriteFile(filepath.Join(dir, "task.yaml"), []byte("tag: demo\n"), 0o644); err != nil {
		t.Fatalf("rewrite task.yaml: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if tags := m.Tags(); len(tags) != 2 {
		t.Errorf("Tags after broken reload = %v, want carried-forward 2 entries", tags)
	}
}

func TestNodeTag(t *testing.T) {
	t.Parallel()
	if got := NodeTag("demo", 7); got != "demo_7" {
		t.Errorf("NodeTag = %q", got)
	}
}
