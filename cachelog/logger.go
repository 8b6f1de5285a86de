// Package cachelog provides the structured logging contract used across the
// coordinator and its handles. It is deliberately small: callers supply
// whatever sink they like (zap, zerolog, the stdlib) by implementing Logger;
// SimpleLogger is a dependency-free default good enough for local runs and
// tests.
package cachelog

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// Logger is the structured logging contract. Fields are passed as a map so
// callers can attach arbitrary key/value context without a variadic
// key1, val1, key2, val2 footgun.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentLogger is a Logger that can be scoped to a component name. The
// coordinator and every handle call WithComponent so log lines can be
// filtered by subsystem ("cachecoord", "handle/<name>", "backplane/redis").
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOp discards everything. It is the default when no logger is supplied.
type NoOp struct{}

func (NoOp) Debug(string, map[string]interface{})                                   {}
func (NoOp) Info(string, map[string]interface{})                                    {}
func (NoOp) Warn(string, map[string]interface{})                                    {}
func (NoOp) Error(string, map[string]interface{})                                   {}
func (NoOp) DebugWithContext(context.Context, string, map[string]interface{})       {}
func (NoOp) InfoWithContext(context.Context, string, map[string]interface{})        {}
func (NoOp) WarnWithContext(context.Context, string, map[string]interface{})        {}
func (NoOp) ErrorWithContext(context.Context, string, map[string]interface{})       {}

// Level controls which messages SimpleLogger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// SimpleLogger is a minimal structured logger writing "key=value" pairs to
// the standard library logger, with fields in sorted key order for stable
// output.
type SimpleLogger struct {
	level     Level
	component string
	out       *log.Logger
}

// NewSimpleLogger creates a logger at LevelInfo writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{level: LevelInfo, out: log.New(os.Stderr, "", log.LstdFlags)}
}

// SetLevel changes the minimum level emitted.
func (l *SimpleLogger) SetLevel(level Level) { l.level = level }

// WithComponent returns a copy of l tagged with the given component name.
func (l *SimpleLogger) WithComponent(component string) Logger {
	return &SimpleLogger{level: l.level, component: component, out: l.out}
}

func (l *SimpleLogger) log(level Level, tag, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(tag)
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString(l.component)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	l.out.Println(b.String())
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, "DEBUG", msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, "INFO", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, "WARN", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, "ERROR", msg, fields) }

func (l *SimpleLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}
func (l *SimpleLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *SimpleLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *SimpleLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}

// WithComponent tags logger with component if it supports it, otherwise
// returns it unchanged. Safe to call with a nil logger.
func WithComponent(logger Logger, component string) Logger {
	if logger == nil {
		return NoOp{}
	}
	if cl, ok := logger.(ComponentLogger); ok {
		return cl.WithComponent(component)
	}
	return logger
}
