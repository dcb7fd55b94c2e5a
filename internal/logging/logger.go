// Package logging provides config-driven categorized logging for browserd.
// Every category logs through one shared zap logger tagged with a "category" field.
// Until Initialize is called every logger is a no-op, so packages and tests need no setup.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, wiring, shutdown
	CategoryConfig    Category = "config"    // Config load and reload
	CategoryPool      Category = "pool"      // Instance pool, leases, eviction
	CategoryBrowser   Category = "browser"   // Browser processes, contexts, pages
	CategorySession   Category = "session"   // Session/window/tab lifecycle
	CategorySnapshot  Category = "snapshot"  // Accessibility snapshots
	CategoryIntercept Category = "intercept" // Request interception and guard
	CategoryAction    Category = "action"    // Action dispatch
	CategoryCDP       Category = "cdp"       // External browser connections
	CategoryStream    Category = "stream"    // Live view relay
	CategoryStore     Category = "store"     // Storage export/import, profiles
	CategoryHTTP      Category = "http"      // Serve command HTTP surface
	CategoryAudit     Category = "audit"     // Audit trail
)

// Options mirrors the parts of config.LoggingConfig the logger needs,
// kept separate to avoid an import cycle.
type Options struct {
	Level      string
	Categories map[string]bool
}

// Logger is a printf-style logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggers    = make(map[Category]*Logger)
)

// Initialize installs the process logger. It may be called again to
// swap loggers (tests, config reload).
func Initialize(l *zap.Logger, opts Options) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()

	base = l
	categories = opts.Categories
	if opts.Level != "" {
		if lvl, err := zapcore.ParseLevel(strings.ToLower(opts.Level)); err == nil {
			level.SetLevel(lvl)
		}
	}
	loggers = make(map[Category]*Logger)
}

// SetCategories replaces the per-category toggles.
func SetCategories(c map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	categories = c
	loggers = make(map[Category]*Logger)
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories missing from the toggle map are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Zap returns the underlying zap logger for a category, for callers that want typed fields.
func Zap(category Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !categoryEnabledLocked(category) {
		return zap.NewNop()
	}
	return base.With(zap.String("category", string(category)))
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	var sugar *zap.SugaredLogger
	if categoryEnabledLocked(category) {
		sugar = base.With(zap.String("category", string(category))).Sugar()
	} else {
		sugar = zap.NewNop().Sugar()
	}
	l := &Logger{category: category, sugar: sugar}
	loggers[category] = l
	return l
}

func (l *Logger) enabled(lvl zapcore.Level) bool {
	return level.Enabled(lvl)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.enabled(zapcore.DebugLevel) {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.enabled(zapcore.InfoLevel) {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.enabled(zapcore.WarnLevel) {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying extra key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes the base logger.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

func Pool(format string, args ...interface{})      { Get(CategoryPool).Info(format, args...) }
func PoolDebug(format string, args ...interface{}) { Get(CategoryPool).Debug(format, args...) }
func PoolWarn(format string, args ...interface{})  { Get(CategoryPool).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }

func Intercept(format string, args ...interface{})      { Get(CategoryIntercept).Info(format, args...) }
func InterceptDebug(format string, args ...interface{}) { Get(CategoryIntercept).Debug(format, args...) }
func InterceptWarn(format string, args ...interface{})  { Get(CategoryIntercept).Warn(format, args...) }

func CDP(format string, args ...interface{})      { Get(CategoryCDP).Info(format, args...) }
func CDPDebug(format string, args ...interface{}) { Get(CategoryCDP).Debug(format, args...) }
func CDPWarn(format string, args ...interface{})  { Get(CategoryCDP).Warn(format, args...) }

func Stream(format string, args ...interface{})      { Get(CategoryStream).Info(format, args...) }
func StreamDebug(format string, args ...interface{}) { Get(CategoryStream).Debug(format, args...) }
func StreamWarn(format string, args ...interface{})  { Get(CategoryStream).Warn(format, args...) }

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

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// Truncate shortens s for log lines.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d more)", s[:n], len(s)-n)
}
