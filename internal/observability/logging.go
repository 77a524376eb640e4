// Package observability wires logging, metrics, and tracing for the
// Parachute server. Components receive a *slog.Logger and scope it with
// With("component", ...); metrics live behind one Metrics value; traces
// go out via OTLP when an endpoint is configured.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool
}

// defaultRedactPatterns match secret-shaped strings in log values.
// Connector health errors pass through the same scrubber.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{24,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
	`(?i)bearer\s+[a-zA-Z0-9_\-.]{16,}`,
	`\b\d{8,10}:[a-zA-Z0-9_-]{35}\b`, // telegram bot tokens
	`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?[^\s"']{12,}["']?`,
}

var redactRegexps = compileRedactPatterns(defaultRedactPatterns)

func compileRedactPatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// Redact replaces secret-shaped substrings with [REDACTED]. Used on every
// string log value and on connector error surfaces.
func Redact(s string) string {
	for _, re := range redactRegexps {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// RedactError is Redact over an error's message. Nil-safe.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// ScrubPaths removes the operator's home prefix from a string so health
// surfaces do not leak the host layout.
func ScrubPaths(s string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		s = strings.ReplaceAll(s, home, "~")
	}
	return s
}

// NewLogger builds the process logger. Invalid levels fall back to info.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// redactAttr scrubs string values before they reach the handler.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(Redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(RedactError(err))
		} else {
			a.Value = slog.StringValue(Redact(fmt.Sprintf("%v", a.Value.Any())))
		}
	}
	return a
}
