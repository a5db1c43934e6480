package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"loopsmith/internal/config"
	"loopsmith/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "loopsmith",
	Short: "loopsmith - autonomous build-fix-verify engine",
	Long: `loopsmith turns a natural-language goal into a running web app.

It builds the required files with an LLM, deploys the app, verifies it
(files, HTTP backend, rendered frontend) and keeps fixing until the
checks pass, escalating through its fix strategies when it gets stuck.
Verified fixes are remembered per error signature and reused instantly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Build, deploy and verify a goal until it works",
	Long: `Runs the supervisor loop for a goal:
  1. Research the stack and decompose the goal into tasks
  2. Generate the required files and deploy the app
  3. Verify build integrity, backend and frontend
  4. Apply fix strategies until verification passes

Exits 0 when the goal is verified and 1 when every strategy was exhausted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGoal,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.loopsmith/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Hour, "Overall run timeout")

	runCmd.Flags().StringSliceVar(&requiredFiles, "file", nil, "Required file (repeatable; default: Flask layout)")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt cap (default from config)")
	runCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Use the static HTML inspector instead of a headless browser")
	runCmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the run in history.db")

	memoryCmd.Flags().BoolVar(&showContent, "content", false, "Print stored file contents")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the absolute workspace path, creating it if needed.
func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("invalid workspace %q: %w", ws, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return abs, nil
}

// loadConfig loads .env files and the workspace config, then starts category
// logging. The config is not validated; commands that call an LLM do that.
func loadConfig(ws string) (*config.Config, error) {
	if err := config.LoadDotEnv(ws, "."); err != nil {
		logger.Warn("Failed to load .env", zap.Error(err))
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(ws, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		logger.Warn("Failed to initialize category logging", zap.Error(err))
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or after timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
