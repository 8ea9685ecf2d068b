package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	level log.Level
	dir   string
}

// WithLevel sets the minimum level from a config string such as "debug" or "warn".
// Unknown values keep the info default.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err == nil {
			opts.level = parsed
		}
	}
}

// WithDir overrides the log directory (defaults to ~/.specforge/logs).
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New initializes logging under ~/.specforge/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".specforge", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	filePath := filepath.Join(logDir, fmt.Sprintf("specforge-%s.log", timestamp))
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		Logger: logger,
		file:   file,
		path:   filePath,
	}
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// Discard returns a logger that drops every record. Components use it when
// constructed without a logger.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ForRun tags logger with the run id and, when sc is valid, the trace and
// span ids of the span the run executes under.
func ForRun(logger *log.Logger, runID string, sc trace.SpanContext) *log.Logger {
	tagged := OrDiscard(logger).With("run_id", strings.TrimSpace(runID))
	if sc.IsValid() {
		tagged = tagged.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return tagged
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
