package ciris

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger is the structured logging contract used throughout the core.
// Every subsystem accepts a Logger at construction time rather than
// reaching for a package-level default.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with a sub-component tag so logs from
// the registry, audit chain, bus, and processor can be filtered
// independently even though they share one logger instance.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Useful as a safe zero value.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// logLevel orders severities for the minimum-level filter.
type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) logLevel {
	switch s {
	case "DEBUG", "debug":
		return levelDebug
	case "WARN", "warn":
		return levelWarn
	case "ERROR", "error":
		return levelError
	default:
		return levelInfo
	}
}

// ProductionLogger is a structured JSON (or text, for local development)
// logger. Format auto-detects a Kubernetes environment and can be
// overridden explicitly.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
	minLevel  logLevel
	format    string // "json" or "text"
}

// NewProductionLogger builds a logger writing to os.Stdout, with level and
// format derived from CIRIS_LOG_LEVEL / CIRIS_LOG_FORMAT, falling back to
// JSON when KUBERNETES_SERVICE_HOST is set and text otherwise.
func NewProductionLogger() *ProductionLogger {
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if f := os.Getenv("CIRIS_LOG_FORMAT"); f != "" {
		format = f
	}
	return &ProductionLogger{
		out:      os.Stdout,
		minLevel: parseLevel(os.Getenv("CIRIS_LOG_LEVEL")),
		format:   format,
	}
}

// WithComponent returns a logger tagged with component, sharing the same
// output and level configuration.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		out:       l.out,
		component: component,
		minLevel:  l.minLevel,
		format:    l.format,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, withCorrelation(ctx, fields))
}
func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, withCorrelation(ctx, fields))
}

type correlationKey struct{}

// WithCorrelationID stashes a correlation id on the context so any logger
// call downstream can attach it automatically.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func withCorrelation(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(correlationKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["correlation_id"] = id
	return out
}

func (l *ProductionLogger) log(level logLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     levelName,
			"message":   msg,
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc := json.NewEncoder(l.out)
		_ = enc.Encode(entry)
		return
	}

	line := fmt.Sprintf("%s [%s]", ts, levelName)
	if l.component != "" {
		line += fmt.Sprintf(" (%s)", l.component)
	}
	line += " " + msg
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.out, line)
}
