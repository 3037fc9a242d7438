// Package logging provides config-driven categorized file-based logging.
// Logs are written to .dirforge/logs/ with separate files per category.
// Logging is controlled by debug_mode in the workspace config - when false,
// no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup/initialization
	CategoryCampaign   Category = "campaign"   // Orchestrator loop, state transitions
	CategoryQueue      Category = "queue"      // Query queue building
	CategorySearch     Category = "search"     // Search phase executor
	CategoryEnrich     Category = "enrich"     // Enrichment phase executor
	CategoryPublish    Category = "publish"    // Publish phase executor
	CategoryBudget     Category = "budget"     // Budget ledger decisions
	CategoryCheckpoint Category = "checkpoint" // Checkpoint snapshots/restores
	CategoryDedup      Category = "dedup"      // Identity matcher decisions
	CategoryStore      Category = "store"      // Local record store
	CategoryReport     Category = "report"     // Reporting sink
)

// Settings controls logging behavior. It mirrors config.LoggingConfig to
// avoid a circular import with the config package.
type Settings struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// StructuredLogEntry is the JSON form of one log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	setMu     sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory with the given settings.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	setMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	setMu.Unlock()

	logsDir = filepath.Join(workspace, ".dirforge", "logs")

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== dirforge logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", s.Level)

	return nil
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	setMu.RLock()
	defer setMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true // All enabled by default in debug mode
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
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

	// Date prefix makes rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	setMu.RLock()
	jsonFmt := settings.JSONFormat
	setMu.RUnlock()
	if jsonFmt {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.write(LevelError, "ERROR", format, args...)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// Convenience functions. No-ops if the category is disabled.

// Campaign logs to the campaign category.
func Campaign(format string, args ...interface{}) {
	Get(CategoryCampaign).Info(format, args...)
}

// CampaignDebug logs debug to the campaign category.
func CampaignDebug(format string, args ...interface{}) {
	Get(CategoryCampaign).Debug(format, args...)
}

// CampaignError logs error to the campaign category.
func CampaignError(format string, args ...interface{}) {
	Get(CategoryCampaign).Error(format, args...)
}

// Queue logs to the queue category.
func Queue(format string, args ...interface{}) {
	Get(CategoryQueue).Info(format, args...)
}

// Budget logs to the budget category.
func Budget(format string, args ...interface{}) {
	Get(CategoryBudget).Info(format, args...)
}

// BudgetDebug logs debug to the budget category.
func BudgetDebug(format string, args ...interface{}) {
	Get(CategoryBudget).Debug(format, args...)
}

// Checkpoint logs to the checkpoint category.
func Checkpoint(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Info(format, args...)
}

// CheckpointDebug logs debug to the checkpoint category.
func CheckpointDebug(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Debug(format, args...)
}

// Dedup logs to the dedup category.
func Dedup(format string, args ...interface{}) {
	Get(CategoryDedup).Info(format, args...)
}

// DedupDebug logs debug to the dedup category.
func DedupDebug(format string, args ...interface{}) {
	Get(CategoryDedup).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreError logs error to the store category.
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Phase logs at info level to the category for the named phase executor.
func Phase(category Category, format string, args ...interface{}) {
	Get(category).Info(format, args...)
}
