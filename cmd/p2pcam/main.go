package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/p2pcam/internal/config"
	"github.com/philsphicas/p2pcam/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "p2pcam",
		Short:        "Peer-to-peer camera streaming",
		Long:         "Stream a camera to authenticated viewers over TCP, TLS or WebSocket.",
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().String("config", "", "config file (default: p2pcam/config.yaml in the user config dir)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	cmd.PersistentFlags().Int("metrics-max-users", 500, "max unique user labels in metrics (0 = unlimited)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(viewCmd())
	cmd.AddCommand(discoverCmd())
	cmd.AddCommand(usersCmd())
	cmd.AddCommand(natCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig reads --config, P2PCAM_CONFIG or the default path. Only an
// explicitly named file has to exist.
func loadConfig(cmd *cobra.Command) (*config.File, error) {
	path := config.String(cmd.Flags(), "config", "")
	required := path != ""
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path, required)
}

// defaultCredentialsPath places the credential store next to the default
// config file.
func defaultCredentialsPath() string {
	p := config.DefaultPath()
	if p == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(p), "credentials.yaml")
}

// resolveLogger builds the logger from --log-level, P2PCAM_LOG_LEVEL or the
// config file.
func resolveLogger(cmd *cobra.Command, file *config.File) *slog.Logger {
	return newLogger(config.String(cmd.Flags(), "log-level", file.LogLevel))
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr, P2PCAM_METRICS_ADDR or the config file names an address.
// Returns nil if metrics are disabled. The server lives until ctx is
// cancelled.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, file *config.File, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := config.String(cmd.Flags(), "metrics-addr", file.MetricsAddr)
	if addr == "" {
		return nil, nil
	}
	maxUsers, err := config.Int(cmd.Flags(), "metrics-max-users", 0)
	if err != nil {
		return nil, err
	}
	if maxUsers < 0 {
		return nil, fmt.Errorf("--metrics-max-users must be >= 0, got %d", maxUsers)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxUsers = maxUsers
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
