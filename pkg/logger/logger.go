// Package logger provides structured logging with trace correlation.
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blendle/zapdriver"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with trace context support.
type Logger struct {
	*zap.Logger
	projectID string
}

// Options configures a Logger.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // json (default) or console
	ProjectID string // GCP project used for Cloud Logging trace correlation
}

// NewLogger creates a logger writing to standard error so that standard
// output stays reserved for the diagnosis.
// If ProjectID is empty, it will be read from the GCP_PROJECT_ID environment variable.
func NewLogger(opts Options) (*Logger, error) {
	if opts.ProjectID == "" {
		opts.ProjectID = os.Getenv("GCP_PROJECT_ID")
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var config zap.Config
	if strings.EqualFold(opts.Format, "console") {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.MessageKey = "message"
		config.EncoderConfig.LevelKey = "severity"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{
		Logger:    logger,
		projectID: opts.ProjectID,
	}, nil
}

// ParseLevel converts a level name into a zap level. Empty means warn.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.WarnLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.WarnLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// WithContext returns a logger with trace context fields if available.
// With a project ID the fields follow the Cloud Logging format
// (logging.googleapis.com/trace, spanId, trace_sampled); otherwise a plain
// trace_id field is added.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l.Logger
	}

	if l.projectID != "" {
		return l.With(zapdriver.TraceContext(
			spanCtx.TraceID().String(),
			spanCtx.SpanID().String(),
			spanCtx.IsSampled(),
			l.projectID,
		)...)
	}

	return l.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
