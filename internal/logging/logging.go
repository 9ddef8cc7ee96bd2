// Package logging provides the structured, levelled logger used across quickdrop.
//
// Call sites pass a message plus a field map, the same shape everywhere:
//
//	logging.Info("upload_stored", map[string]any{"token": logging.Token(tok), "bytes": n})
//
// Output is rendered by charmbracelet/log as text, logfmt or JSON.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Options configures a Logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, logfmt, json
	Output io.Writer
	Prefix string
}

// Logger wraps a charmbracelet logger with the map-of-fields call style.
type Logger struct {
	base *log.Logger
}

var (
	mu  sync.RWMutex
	std = mustDefault()
)

func mustDefault() *Logger {
	l, err := New(Options{Level: "info", Format: "text", Output: os.Stderr})
	if err != nil {
		panic(err)
	}
	return l
}

// New builds a Logger from opts. Empty fields fall back to info/text/stderr.
func New(opts Options) (*Logger, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "json":
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	base := log.NewWithOptions(opts.Output, log.Options{
		Level:           level,
		Formatter:       formatter,
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
	})
	return &Logger{base: base}, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{base: log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})}
}

// Default returns the process-wide logger.
func Default() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	std = l
	mu.Unlock()
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{base: l.base.With(keyvals(fields, nil)...)}
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.base.Debug(msg, keyvals(fields, nil)...)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.base.Info(msg, keyvals(fields, nil)...)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.base.Warn(msg, keyvals(fields, nil)...)
}

// Error logs msg at error level; err may be nil.
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	l.base.Error(msg, keyvals(fields, err)...)
}

// keyvals flattens fields in key order so output is stable.
func keyvals(fields map[string]any, err error) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys)+2)
	for _, k := range keys {
		out = append(out, k, fields[k])
	}
	if err != nil {
		out = append(out, "error", err.Error())
	}
	return out
}

// Token shortens a capability token for log output. Full tokens are credentials.
func Token(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func Debug(msg string, fields map[string]any) { Default().Debug(msg, fields) }

func Info(msg string, fields map[string]any) { Default().Info(msg, fields) }

func Warn(msg string, fields map[string]any) { Default().Warn(msg, fields) }

func Error(msg string, fields map[string]any, err error) { Default().Error(msg, fields, err) }
