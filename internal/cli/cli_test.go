package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/middlewared/internal/controller"
	"github.com/ChuLiYu/middlewared/internal/server"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "middlewared", cmd.Use, "Root command should be 'middlewared'")
	assert.Equal(t, service.Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "call", "jobs", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("url"))
}

func TestCallCommandFlags(t *testing.T) {
	cmd := buildCallCommand()

	assert.NotNil(t, cmd.Flags().Lookup("job"))
	assert.Equal(t, "json", cmd.Flags().Lookup("format").DefValue)
	assert.Error(t, cmd.Args(cmd, nil), "call requires a method")
}

// ============================================================================
// Config Tests
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
server:
  websocket_addr: "0.0.0.0:7000"
  grpc_addr: ""

auth:
  trust_loopback: false

jobs:
  history_size: 50
  export_path: /var/db/jobs.json

metrics:
  enabled: true
  port: 8080

log:
  level: debug
  format: json

periodic:
  - name: heartbeat
    schedule: "@every 30s"
    method: core.ping
    params: []
  - name: export
    schedule: "0 3 * * *"
    method: core.export_jobs
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.WebSocketAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.False(t, cfg.Auth.TrustLoopback)
	assert.Equal(t, 50, cfg.Jobs.HistorySize)
	assert.Equal(t, "/var/db/jobs.json", cfg.Jobs.ExportPath)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Periodic, 2)
	assert.Equal(t, "heartbeat", cfg.Periodic[0].Name)
	assert.Equal(t, "@every 30s", cfg.Periodic[0].Schedule)
	assert.Equal(t, "core.export_jobs", cfg.Periodic[1].Method)
}

func TestLoadConfig_PartialKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("jobs:\n  history_size: 10\n"), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	defaults := controller.DefaultConfig()
	assert.Equal(t, 10, cfg.Jobs.HistorySize)
	assert.Equal(t, defaults.Server, cfg.Server, "Unset sections keep defaults")
	assert.Equal(t, defaults.Metrics, cfg.Metrics)
}

func TestLoadConfig_RepositoryDefault(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, controller.DefaultConfig().Server, cfg.Server)
	assert.NotEmpty(t, cfg.Periodic)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")

	require.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_DefaultPathMissing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := loadConfig(defaultConfigFile)
	require.NoError(t, err)
	assert.Equal(t, controller.DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
jobs:
  history_size: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := loadConfig(configPath)
	require.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("jobs:\n  history_size: 0\n"), 0644))

	_, err := loadConfig(configPath)
	assert.ErrorIs(t, err, controller.ErrInvalidConfig)
}

// ============================================================================
// Helper Tests
// ============================================================================

func TestParseParams(t *testing.T) {
	params := parseParams([]string{`{"state": "FAILED"}`, "42", "tank", `["a"]`, "true", `"quoted"`})

	assert.Equal(t, []any{
		map[string]any{"state": "FAILED"},
		float64(42),
		"tank",
		[]any{"a"},
		true,
		"quoted",
	}, params)
	assert.Empty(t, parseParams(nil))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger(controller.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	_, err = newLogger(controller.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(controller.LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, nil)
	assert.Equal(t, "No jobs\n", buf.String())

	pct := 40
	buf.Reset()
	printJobs(&buf, []types.JobSnapshot{
		{ID: 1, Method: "pool.scrub", State: types.StateRunning, Progress: types.Progress{Percent: &pct, Description: "scanning"}},
		{ID: 2, Method: "pool.import", State: types.StateFailed, Error: "pool busy"},
	})
	out := buf.String()
	assert.Contains(t, out, "pool.scrub")
	assert.Contains(t, out, "40%")
	assert.Contains(t, out, "scanning")
	assert.Contains(t, out, "pool busy")
}

// ============================================================================
// Command Tests Against a Running Daemon
// ============================================================================

func startDaemon(t *testing.T) string {
	t.Helper()

	cfg := controller.DefaultConfig()
	cfg.Server.WebSocketAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = ""
	cfg.Metrics.Enabled = false
	cfg.Jobs.ExportPath = filepath.Join(t.TempDir(), "jobs.json")

	ctrl, err := controller.New(cfg, controller.WithMetricsRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(context.Background()) }()
	require.Eventually(t, func() bool { return ctrl.WebSocket().Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctrl.Stop()
		<-errCh
	})
	return "ws://" + ctrl.WebSocket().Addr().String() + server.WebSocketPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	url := startDaemon(t)

	out, err := execute(t, "--url", url, "call", "core.ping")
	require.NoError(t, err)
	assert.Equal(t, "\"pong\"\n", out)

	_, err = execute(t, "--url", url, "call", "no.such_method")
	assert.Error(t, err)
}

func TestCallCommandWaitsForJob(t *testing.T) {
	url := startDaemon(t)

	out, err := execute(t, "--url", url, "call", "--job", "--format", "msgpack", "core.export_jobs")
	require.NoError(t, err)

	var snap types.JobSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, types.StateSuccess, snap.State)
	assert.Equal(t, "core.export_jobs", snap.Method)
}

func TestJobsCommand(t *testing.T) {
	url := startDaemon(t)

	out, err := execute(t, "--url", url, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "No jobs\n", out)

	_, err = execute(t, "--url", url, "call", "--job", "core.export_jobs")
	require.NoError(t, err)

	out, err = execute(t, "--url", url, "jobs", "--state", "success")
	require.NoError(t, err)
	assert.Contains(t, out, "core.export_jobs")
	assert.Contains(t, out, "SUCCESS")
}

func TestStatusCommandUnreachable(t *testing.T) {
	out, err := execute(t, "--url", "ws://127.0.0.1:1/websocket", "--timeout", "1s", "status")
	require.NoError(t, err, "status reports an unreachable daemon without failing")
	assert.Contains(t, out, "not reachable")
}

func TestStatusCommand(t *testing.T) {
	url := startDaemon(t)

	out, err := execute(t, "--url", url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "middlewared Status")
	assert.Contains(t, out, "go_version")
}
