// Package logging provides config-driven categorized file-based logging for loopsmith.
// Logs are written to <workspace>/.loopsmith/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in the workspace config - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategorySupervisor Category = "supervisor" // Outer loop, escalation
	CategoryExecutor   Category = "executor"   // Build phase and fix strategies
	CategoryVerify     Category = "verify"     // Verification layers
	CategoryBrowser    Category = "browser"    // Headless browser, DOM events
	CategoryLLM        Category = "llm"        // Provider calls, retries, fallover
	CategoryMemory     Category = "memory"     // Meta-memory and signatures
	CategoryKnowledge  Category = "knowledge"  // Knowledge base
	CategoryResearch   Category = "research"   // Proactive research
	CategoryTasks      Category = "tasks"      // Task queue
	CategoryDeploy     Category = "deploy"     // Server process management
	CategoryStore      Category = "store"      // Run history database
)

// Options mirrors config.LoggingConfig to avoid circular imports.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	nop       = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	optsMu.Lock()
	opts = o
	optsMu.Unlock()
	level.SetLevel(parseLevel(o.Level))

	if !o.DebugMode {
		return nil
	}

	dir := filepath.Join(workspace, ".loopsmith", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== loopsmith logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", level.Level())
	if len(o.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether file logging is enabled
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: nop}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	dir := logsDir
	loggersMu.RUnlock()

	if dir == "" {
		return &Logger{category: category, sugar: nop}
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category, sugar: nop}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	optsMu.RLock()
	if opts.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	optsMu.RUnlock()

	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with key-value fields.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.sugar.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	logsDir = ""
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Supervisor(format string, args ...interface{})      { Get(CategorySupervisor).Info(format, args...) }
func SupervisorDebug(format string, args ...interface{}) { Get(CategorySupervisor).Debug(format, args...) }
func SupervisorWarn(format string, args ...interface{})  { Get(CategorySupervisor).Warn(format, args...) }

func Executor(format string, args ...interface{})      { Get(CategoryExecutor).Info(format, args...) }
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }
func ExecutorWarn(format string, args ...interface{})  { Get(CategoryExecutor).Warn(format, args...) }
func ExecutorError(format string, args ...interface{}) { Get(CategoryExecutor).Error(format, args...) }

func Verify(format string, args ...interface{})      { Get(CategoryVerify).Info(format, args...) }
func VerifyDebug(format string, args ...interface{}) { Get(CategoryVerify).Debug(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }

func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }
func LLMWarn(format string, args ...interface{})  { Get(CategoryLLM).Warn(format, args...) }
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

func Memory(format string, args ...interface{})      { Get(CategoryMemory).Info(format, args...) }
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }
func MemoryWarn(format string, args ...interface{})  { Get(CategoryMemory).Warn(format, args...) }

func Knowledge(format string, args ...interface{})      { Get(CategoryKnowledge).Info(format, args...) }
func KnowledgeDebug(format string, args ...interface{}) { Get(CategoryKnowledge).Debug(format, args...) }

func Research(format string, args ...interface{})      { Get(CategoryResearch).Info(format, args...) }
func ResearchDebug(format string, args ...interface{}) { Get(CategoryResearch).Debug(format, args...) }
func ResearchWarn(format string, args ...interface{})  { Get(CategoryResearch).Warn(format, args...) }

func Tasks(format string, args ...interface{})      { Get(CategoryTasks).Info(format, args...) }
func TasksDebug(format string, args ...interface{}) { Get(CategoryTasks).Debug(format, args...) }

func Deploy(format string, args ...interface{})      { Get(CategoryDeploy).Info(format, args...) }
func DeployDebug(format string, args ...interface{}) { Get(CategoryDeploy).Debug(format, args...) }
func DeployWarn(format string, args ...interface{})  { Get(CategoryDeploy).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
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
