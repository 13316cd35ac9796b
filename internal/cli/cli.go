// ============================================================================
// middlewared CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the daemon entry point and a small client based on Cobra
//
// Command Structure:
//   middlewared                    # Root command
//   ├── run                        # Start the daemon
//   ├── call <method> [params...]  # Invoke a method, params are JSON values
//   │   ├── --job                 # Wait for a job method and print its snapshot
//   │   └── --format              # json or msgpack frames
//   ├── jobs                       # List job snapshots
//   │   └── --state, --method, --id
//   ├── status                     # Show config and daemon information
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --url                      # WebSocket URL, derived from config when empty
//
// Configuration Management:
//   YAML config file overlaid on controller.DefaultConfig(). A missing file
//   at the default path is not an error; defaults apply.
//
// run Command:
//   1. Load config and install the slog handler (text or json)
//   2. Create the Controller
//   3. Run until SIGINT or SIGTERM, then shut down gracefully
//
//   Examples:
//     ./middlewared run
//     ./middlewared run -c custom-config.yaml
//     ./middlewared call core.get_jobs '{"state": "FAILED"}'
//     ./middlewared call --job core.export_jobs
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/middlewared/internal/client"
	"github.com/ChuLiYu/middlewared/internal/controller"
	"github.com/ChuLiYu/middlewared/internal/server"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

const defaultConfigFile = "configs/default.yaml"

var (
	configFile string
	serverURL  string
	timeout    time.Duration
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "middlewared",
		Short: "middlewared: job and RPC middleware daemon",
		Long: `middlewared serves method calls over persistent sessions with:
- Tracked asynchronous jobs with named-lock mutual exclusion
- WebSocket (JSON or msgpack) and gRPC transports
- Periodic method calls on cron schedules
- Prometheus metrics`,
		Version:       service.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "daemon WebSocket URL (default: from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "client call timeout")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCallCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the middlewared daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg controller.Config) error {
	ctrl, err := controller.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	slog.Info("Starting middlewared", "config", configFile, "version", service.Version)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	slog.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// call
// ============================================================================

func buildCallCommand() *cobra.Command {
	var (
		waitJob bool
		format  string
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params...]",
		Short: "Invoke a method on the daemon",
		Long:  "Invoke a method. Each param is parsed as JSON and falls back to a plain string.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := parseParams(args[1:])
			return withClient(cmd, client.Format(format), func(ctx context.Context, c *client.Client) error {
				if waitJob {
					id, err := c.CallJob(ctx, args[0], params...)
					if err != nil {
						return err
					}
					snap, err := c.WaitJob(ctx, id, 200*time.Millisecond)
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
						return err
					}
					if snap.State == types.StateFailed {
						return fmt.Errorf("job %d failed: %s", snap.ID, snap.Error)
					}
					return nil
				}

				result, err := c.Call(ctx, args[0], params...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().BoolVar(&waitJob, "job", false, "wait for the job and print its final snapshot")
	cmd.Flags().StringVar(&format, "format", string(client.FormatJSON), "frame format: json or msgpack")
	return cmd
}

// parseParams decodes each argument as JSON, keeping bare words as strings.
func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}
	return params
}

// ============================================================================
// jobs
// ============================================================================

func buildJobsCommand() *cobra.Command {
	var (
		state  string
		method string
		id     int64
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List job snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := map[string]any{}
			if state != "" {
				filter["state"] = strings.ToUpper(state)
			}
			if method != "" {
				filter["method"] = method
			}
			if id > 0 {
				filter["id"] = id
			}

			return withClient(cmd, client.FormatJSON, func(ctx context.Context, c *client.Client) error {
				jobs, err := c.Jobs(ctx, filter)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state (WAITING, RUNNING, SUCCESS, FAILED)")
	cmd.Flags().StringVar(&method, "method", "", "filter by method name")
	cmd.Flags().Int64Var(&id, "id", 0, "show a single job")
	return cmd
}

func printJobs(w io.Writer, jobs []types.JobSnapshot) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}
	fmt.Fprintf(w, "%-6s %-8s %-30s %-9s %s\n", "ID", "STATE", "METHOD", "PROGRESS", "DETAIL")
	for _, j := range jobs {
		progress := "-"
		if j.Progress.Percent != nil {
			progress = fmt.Sprintf("%d%%", *j.Progress.Percent)
		}
		detail := j.Progress.Description
		if j.State == types.StateFailed {
			detail = j.Error
		}
		fmt.Fprintf(w, "%-6d %-8s %-30s %-9s %s\n", j.ID, j.State, j.Method, progress, detail)
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd)
		},
	}
}

func showStatus(cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                  middlewared Status")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Config:     %s\n", configFile)
	fmt.Fprintf(w, "WebSocket:  %s\n", orDisabled(cfg.Server.WebSocketAddr))
	fmt.Fprintf(w, "gRPC:       %s\n", orDisabled(cfg.Server.GRPCAddr))
	fmt.Fprintf(w, "History:    %d jobs\n", cfg.Jobs.HistorySize)
	fmt.Fprintf(w, "Periodic:   %d entries\n", len(cfg.Periodic))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "Metrics:    http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "Metrics:    disabled")
	}
	fmt.Fprintln(w)

	err = withClient(cmd, client.FormatJSON, func(ctx context.Context, c *client.Client) error {
		info, err := c.Call(ctx, "system.info")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Daemon:")
		return printJSON(w, info)
	})
	if err != nil {
		fmt.Fprintf(w, "Daemon:     not reachable (%v)\n", err)
	}
	return nil
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}

// ============================================================================
// Helpers
// ============================================================================

// withClient dials the daemon for the duration of fn.
func withClient(cmd *cobra.Command, format client.Format, fn func(ctx context.Context, c *client.Client) error) error {
	url := serverURL
	if url == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.WebSocketAddr == "" {
			return errors.New("websocket transport disabled in config, pass --url")
		}
		url = "ws://" + cfg.Server.WebSocketAddr + server.WebSocketPath
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := client.Dial(ctx, url, client.WithFormat(format))
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger builds the process logger from config.
func newLogger(cfg controller.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

// loadConfig overlays the YAML file on the default config.
func loadConfig(path string) (controller.Config, error) {
	cfg := controller.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == defaultConfigFile {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
