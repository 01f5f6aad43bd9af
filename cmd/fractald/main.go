package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/molforge/fractal/pkg/config"
	"github.com/molforge/fractal/pkg/coordinator"
	"github.com/molforge/fractal/pkg/log"
	"github.com/molforge/fractal/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fractald",
	Short: "Fractald - distributed quantum chemistry compute server",
	Long: `Fractald coordinates a fleet of remote compute managers running
quantum chemistry calculations. Submitted work is deduplicated down to
the molecule and specification level, tracked through a record state
machine, and iterated server-side for multi-step services such as
torsion drives.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fractald version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	serveCmd.Flags().String("config", "", "Path to configuration file (YAML)")
	serveCmd.Flags().String("data-dir", "", "Override the data directory")
	serveCmd.Flags().String("metrics-addr", "", "Override the metrics listen address")
	validateCmd.Flags().String("config", "", "Path to configuration file (YAML)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fractal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			cfg.MetricsAddr = addr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		metrics.SetVersion(Version)

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		coord, err := coordinator.New(cfg)
		if err != nil {
			return err
		}
		defer coord.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("fractal server starting")
		if err := coord.Run(ctx); err != nil {
			return err
		}
		log.Info("fractal server stopped")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  Data directory: %s\n", cfg.DataDir)
		fmt.Printf("  Heartbeat timeout: %s\n", cfg.HeartbeatTimeout)
		fmt.Printf("  Service interval: %s\n", cfg.ServiceIterationInterval)
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}
