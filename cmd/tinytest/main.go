package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tinytest/internal/config"
	"tinytest/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tinytest",
	Short: "tinytest - LLM pytest generation with automatic repair",
	Long: `tinytest asks a language model to write pytest tests for small Python
modules, runs them, classifies the outcome and feeds only the failing tests
back to the model for repair.

Passing suites can be consolidated into one test file per module and measured
with coverage.py.`,
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

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = filepath.Join(ws, "tinytest.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(ws, cfg.Logging.Settings()); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		}
		logger.Debug("Configuration loaded", zap.String("path", path), zap.String("provider", cfg.LLM.Provider))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/tinytest.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(templatesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// inWorkspace resolves a relative path against the workspace.
func inWorkspace(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	ws, err := resolveWorkspace()
	if err != nil {
		return path
	}
	return filepath.Join(ws, path)
}
