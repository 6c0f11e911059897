// Package debug sets up the process logger and adds category-scoped debug
// output on top of it.
//
// Levels (how much) come from --log-level or COMPOSER_LOG_LEVEL. Categories
// (what) come from --debug or COMPOSER_DEBUG, a comma-separated list:
//
//	debug.Log("sandbox", "exec", "cmd", cmd)
//	debug.Trace("modelapi", "request body", "body", debug.Truncate(body, 4096))
//
// Categories: sandbox, template, executor, callback, modelapi, auth, all.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is below slog.LevelDebug. Full request and response bodies are
// only logged at this level.
const LevelTrace = slog.LevelDebug - 4

// categories is written by Setup before any goroutine logs and read-only after.
var categories = parseCategories(os.Getenv("COMPOSER_DEBUG"))

// Options configures Setup. Empty fields fall back to COMPOSER_LOG_LEVEL,
// COMPOSER_LOG_FORMAT and COMPOSER_DEBUG.
type Options struct {
	Level      string // trace, debug, info, warn, error
	Format     string // text or json
	Categories string
	Output     io.Writer
}

// Setup builds the logger, installs it as the slog default and enables the
// requested categories.
func Setup(opts Options) (*slog.Logger, error) {
	level := firstNonEmpty(opts.Level, os.Getenv("COMPOSER_LOG_LEVEL"), "info")
	lvl, ok := ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: traceName}
	var handler slog.Handler
	switch format := firstNonEmpty(opts.Format, os.Getenv("COMPOSER_LOG_FORMAT"), "text"); strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(out, hopts)
	case "json":
		handler = slog.NewJSONHandler(out, hopts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	categories = parseCategories(firstNonEmpty(opts.Categories, os.Getenv("COMPOSER_DEBUG")))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// traceName prints LevelTrace as TRACE instead of DEBUG-4.
func traceName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Enabled reports whether debug output is active for the category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message tagged with the category if it is enabled.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message tagged with the category if it is enabled.
func Trace(category string, msg string, args ...any) {
	if !TraceEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceEnabled reports whether trace output is active for the category.
func TraceEnabled(category string) bool {
	return Enabled(category) && slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, true
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Truncate cuts s to maxLen bytes and marks the cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
