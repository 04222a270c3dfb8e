// Command conductord is the conductor background daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewfead/conductor/internal/config"
	"github.com/drewfead/conductor/internal/daemon"
	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/internal/tracing"
)

// Version is set at build time
var Version = "dev"

var (
	configPath string
	logLevel   string
	foreground bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "conductord",
	Short:         "Conductor background daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if code := run(); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("conductord", Version)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default $CONDUCTOR_CONFIG or ~/.config/conductor/config.yaml)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override daemon.log_level")
	rootCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Log to stderr instead of the log file")
	rootCmd.AddCommand(versionCmd)
}

func run() (exitCode int) {
	// Top-level panic recovery
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}

	level, err := logging.ParseLevel(cfg.Daemon.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logFile := cfg.Daemon.LogFile
	if foreground {
		logFile = ""
	}
	if err := logging.Init(logging.Config{
		Level:     level,
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   logFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	tracer, err := tracing.Setup(context.Background(), tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logging.Warn("tracing disabled", "error", err)
	}

	d, err := daemon.New(cfg, daemon.Options{
		ConfigPath: configPath,
		Version:    Version,
		Tracer:     tracer,
	})
	if err != nil {
		logging.Error("failed to initialize daemon", "error", err)
		return 1
	}

	logging.Info("starting conductord",
		"version", Version,
		"socket", cfg.Daemon.Socket,
		"sentry", cfg.Daemon.SentryDSN != "",
		"tracing", tracer != nil,
	)

	if err := d.Run(); err != nil {
		logging.Error("daemon error", "error", err)
		return 1
	}
	return 0
}

func getEnv() string {
	if env := os.Getenv("CONDUCTOR_ENV"); env != "" {
		return env
	}
	return "development"
}
