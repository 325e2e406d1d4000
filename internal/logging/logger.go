// Package logging provides config-driven categorized file-based logging for tinytest.
// Logs are written to .tinytest/logs/ with separate files per category.
// Each category is a zap logger writing to its own dated file; when debug mode
// is off every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryClassifier  Category = "classifier"  // Outcome classification
	CategoryExtract     Category = "extract"     // Failing-subset extraction
	CategoryConsolidate Category = "consolidate" // Artifact consolidation
	CategoryRepair      Category = "repair"      // Repair orchestrator
	CategoryGenerate    Category = "generate"    // Model calls
	CategoryPrompt      Category = "prompt"      // Template registry
	CategorySandbox     Category = "sandbox"     // Pytest execution
	CategoryTactile     Category = "tactile"     // Process execution
	CategoryStore       Category = "store"       // Run layout and index
	CategoryDataset     Category = "dataset"     // Dataset extraction
	CategoryPipeline    Category = "pipeline"    // Batch driver
	CategoryReport      Category = "report"      // Batch statistics
	CategoryCoverage    Category = "coverage"    // Coverage runs
)

// Settings mirrors config.LoggingConfig to avoid circular imports.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Settings
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the logging directory and applies settings.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, settings Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	configMu.Lock()
	config = settings
	configMu.Unlock()

	lvl, err := zapcore.ParseLevel(settings.Level)
	if err != nil || settings.Level == "" {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	if !settings.DebugMode {
		logsDir = ""
		return nil
	}

	dir := filepath.Join(workspace, ".tinytest", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	logsDir = dir

	boot := Get(CategoryBoot)
	boot.Info("=== tinytest logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", lvl)
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func newEncoder() zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.NameKey = "cat"

	configMu.RLock()
	jsonFormat := config.JSONFormat
	configMu.RUnlock()
	if jsonFormat {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key/value context, e.g.
// logging.Get(logging.CategoryRepair).With("module", id).Info(...).
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Classifier(format string, args ...interface{})      { Get(CategoryClassifier).Info(format, args...) }
func ClassifierDebug(format string, args ...interface{}) { Get(CategoryClassifier).Debug(format, args...) }

func Extract(format string, args ...interface{})      { Get(CategoryExtract).Info(format, args...) }
func ExtractDebug(format string, args ...interface{}) { Get(CategoryExtract).Debug(format, args...) }

func Consolidate(format string, args ...interface{})      { Get(CategoryConsolidate).Info(format, args...) }
func ConsolidateDebug(format string, args ...interface{}) { Get(CategoryConsolidate).Debug(format, args...) }
func ConsolidateWarn(format string, args ...interface{})  { Get(CategoryConsolidate).Warn(format, args...) }

func Repair(format string, args ...interface{})      { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) { Get(CategoryRepair).Debug(format, args...) }
func RepairWarn(format string, args ...interface{})  { Get(CategoryRepair).Warn(format, args...) }
func RepairError(format string, args ...interface{}) { Get(CategoryRepair).Error(format, args...) }

func Generate(format string, args ...interface{})      { Get(CategoryGenerate).Info(format, args...) }
func GenerateDebug(format string, args ...interface{}) { Get(CategoryGenerate).Debug(format, args...) }
func GenerateWarn(format string, args ...interface{})  { Get(CategoryGenerate).Warn(format, args...) }

func Prompt(format string, args ...interface{})      { Get(CategoryPrompt).Info(format, args...) }
func PromptDebug(format string, args ...interface{}) { Get(CategoryPrompt).Debug(format, args...) }

func Sandbox(format string, args ...interface{})      { Get(CategorySandbox).Info(format, args...) }
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debug(format, args...) }

func Tactile(format string, args ...interface{})      { Get(CategoryTactile).Info(format, args...) }
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }
func TactileWarn(format string, args ...interface{})  { Get(CategoryTactile).Warn(format, args...) }
func TactileError(format string, args ...interface{}) { Get(CategoryTactile).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

func Dataset(format string, args ...interface{})     { Get(CategoryDataset).Info(format, args...) }
func DatasetWarn(format string, args ...interface{}) { Get(CategoryDataset).Warn(format, args...) }

func Report(format string, args ...interface{}) { Get(CategoryReport).Info(format, args...) }

func Coverage(format string, args ...interface{})     { Get(CategoryCoverage).Info(format, args...) }
func CoverageWarn(format string, args ...interface{}) { Get(CategoryCoverage).Warn(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineError(format string, args ...interface{}) { Get(CategoryPipeline).Error(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
