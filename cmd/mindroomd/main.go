// Package main provides the CLI entry point for mindroomd, the MindRoom
// multi-agent orchestrator daemon.
//
// mindroomd watches a YAML configuration file, starts one Matrix bot per
// configured entity (agent, team, or router), and dispatches incoming
// room messages to the Reply Pipeline according to the addressing rules
// in internal/dispatch.
//
// # Basic Usage
//
// Start the daemon:
//
//	mindroomd run --config mindroom.yaml --credentials credentials.json
//
// Validate a configuration file without booting anything:
//
//	mindroomd validate-config --config mindroom.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mindroom/internal/config"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/internal/observability"
	"github.com/haasonsaas/mindroom/internal/supervisor"
	"github.com/haasonsaas/mindroom/internal/tools"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mindroomd",
		Short: "MindRoom - Multi-agent orchestrator for federated Matrix rooms",
		Long: `mindroomd runs one Matrix bot per configured agent, team, and router
entity, and dispatches room messages between them and the humans in a room.

Documentation: https://github.com/haasonsaas/mindroom`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildValidateConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath      string
		credentialsPath string
		debug           bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the mindroomd daemon",
		Long: `Start mindroomd with the given configuration and credentials files.

The daemon will:
1. Load configuration from the specified file
2. Watch the file for changes and hot-reload entities on edit
3. Start a Matrix bot per configured agent, team, and router
4. Dispatch incoming room messages per the addressing rules
5. Run scheduled "!schedule" jobs and admin commands addressed to the router

Graceful shutdown is handled on SIGINT/SIGTERM signals.

Exit codes: 0 clean shutdown, 1 configuration error at boot, 2 chat-client
authentication failure during boot.`,
		Example: `  # Start with explicit config and credentials
  mindroomd run --config mindroom.yaml --credentials credentials.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, credentialsPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mindroom.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&credentialsPath, "credentials", "credentials.json", "Path to the Matrix credentials file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// runDaemon boots the Supervisor and blocks until it shuts down, mapping
// its reported exit code through os.Exit.
func runDaemon(ctx context.Context, configPath, credentialsPath string, debug bool) error {
	// A best-effort early load picks up the log level/format before the
	// supervisor's own (authoritative) load; if the file is broken, the
	// defaults apply and the supervisor reports the config error properly.
	logCfg := observability.LogConfig{}
	if snap, err := config.Load(configPath); err == nil {
		logCfg.Level = snap.Observability.LogLevel
		logCfg.Format = snap.Observability.LogFormat
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting mindroomd",
		"version", version,
		"commit", commit,
		"config", configPath,
		"credentials", credentialsPath,
		"debug", debug,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// LLM, Tools, and Memory are external collaborators: no concrete LLM
	// provider ships in this repo, so the router and reply pipeline run
	// without one until an operator wires a provider in. Tools and
	// Memory default to empty/no-op implementations.
	sup := supervisor.New(supervisor.Config{
		ConfigPath:      configPath,
		CredentialsPath: credentialsPath,
		Tools:           tools.NewStaticRegistry(nil),
		Memory:          memory.NoopStore{},
		Metrics:         observability.NewMetrics(),
		Logger:          logger,
	})

	exitCode, err := sup.Run(ctx)
	if err != nil {
		logger.Error("mindroomd exited with error", "error", err, "exit_code", exitCode)
	} else {
		logger.Info("mindroomd exited cleanly", "exit_code", exitCode)
	}
	os.Exit(exitCode)
	return nil
}

func buildValidateConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file without starting any bots",
		Example: `  mindroomd validate-config --config mindroom.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
			fmt.Fprintf(out, "  fingerprint: %s\n", snap.Fingerprint)
			fmt.Fprintf(out, "  entities:    %d\n", len(snap.Entities))
			fmt.Fprintf(out, "  rooms:       %d\n", len(snap.Rooms))
			fmt.Fprintf(out, "  router:      %s\n", snap.RouterID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mindroom.yaml", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mindroomd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "mindroomd %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
