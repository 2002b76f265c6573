// Package logger wraps a zap SugaredLogger teed into OpenTelemetry so every
// record can be correlated with the span that produced it.
package logger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
)

const serviceName = "bolagate"

type Logger struct {
	*zap.SugaredLogger
	tracer     trace.Tracer
	baseLogger *zap.Logger
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}
	zapConfig.InitialFields = map[string]interface{}{"service": serviceName}

	encoded, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	bridge := otelzap.NewCore(serviceName, otelzap.WithAttributes(attribute.String("service", serviceName)))
	base := zap.New(zapcore.NewTee(encoded.Core(), bridge),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/logger"),
		baseLogger:    base,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/nop"),
		baseLogger:    base,
	}
}

func (l *Logger) Sync() error {
	return l.baseLogger.Sync()
}

func (l *Logger) derive(s *zap.SugaredLogger) *Logger {
	return &Logger{SugaredLogger: s, tracer: l.tracer, baseLogger: l.baseLogger}
}

// WithContext adds trace_id and span_id when ctx carries a recording span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l
	}
	sc := span.SpanContext()
	return l.derive(l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()))
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return l.derive(l.With(fields...))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithFields("test_run_id", runID)
}

func (l *Logger) WithWorkflowID(workflowID string) *Logger {
	return l.WithFields("workflow_id", workflowID)
}

// event logs msg at level and mirrors it as a span event when ctx is traced.
func (l *Logger) event(ctx context.Context, level zapcore.Level, msg, spanEvent string, attrs []attribute.KeyValue, fields []interface{}) {
	l.WithContext(ctx).Logw(level, msg, fields...)
	if span := trace.SpanFromContext(ctx); span.IsRecording() && spanEvent != "" {
		span.AddEvent(spanEvent, trace.WithAttributes(attrs...))
	}
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	ms := time.Since(start).Milliseconds()
	l.event(ctx, zapcore.InfoLevel, "Operation completed", "operation_completed",
		[]attribute.KeyValue{attribute.String("operation", operation), attribute.Int64("duration_ms", ms)},
		append([]interface{}{"operation", operation, "duration_ms", ms}, fields...),
	)
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}
	l.WithContext(ctx).Errorw("Operation failed", append([]interface{}{
		"error", err.Error(),
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}, fields...)...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogFinding records a persisted or gated finding. Dropped findings are
// routine and log at info; everything else warns.
func (l *Logger) LogFinding(ctx context.Context, findingID, workflowID, decision string, fields ...interface{}) {
	level, msg := zapcore.WarnLevel, "Finding recorded"
	if decision == "drop" {
		level, msg = zapcore.InfoLevel, "Finding dropped"
	}
	l.event(ctx, level, msg, "finding",
		[]attribute.KeyValue{attribute.String("finding_id", findingID), attribute.String("decision", decision)},
		append([]interface{}{
			"finding_id", findingID,
			"workflow_id", workflowID,
			"decision", decision,
			"finding_event", true,
		}, fields...),
	)
}

func (l *Logger) LogRunProgress(ctx context.Context, runID string, completed, total int, status string, fields ...interface{}) {
	l.event(ctx, zapcore.DebugLevel, "Run progress update", "run_progress",
		[]attribute.KeyValue{
			attribute.Int("completed", completed),
			attribute.Int("total", total),
			attribute.String("status", status),
		},
		append([]interface{}{"test_run_id", runID, "completed", completed, "total", total, "status", status}, fields...),
	)
}

// LogHTTPRequest logs at debug: refused requests are the expected outcome
// of most mutated replays.
func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, statusCode int, duration time.Duration, fields ...interface{}) {
	ms := duration.Milliseconds()
	l.event(ctx, zapcore.DebugLevel, "HTTP request completed", "http_request",
		[]attribute.KeyValue{
			attribute.String("method", method),
			attribute.String("url", url),
			attribute.Int("status_code", statusCode),
			attribute.Int64("duration_ms", ms),
		},
		append([]interface{}{"http_method", method, "http_url", url, "http_status", statusCode, "duration_ms", ms}, fields...),
	)
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation string, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	l.event(ctx, zapcore.DebugLevel, "Database operation completed", "database_operation",
		[]attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("table", table),
			attribute.Int64("rows_affected", rowsAffected),
		},
		append([]interface{}{
			"db_operation", operation,
			"db_table", table,
			"rows_affected", rowsAffected,
			"duration_ms", duration.Milliseconds(),
		}, fields...),
	)
}

// StartOperation opens a span named after operation.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	if l.tracer == nil {
		l.tracer = otel.Tracer(serviceName + "/default")
	}
	ctx, span := l.tracer.Start(ctx, operation)
	l.WithContext(ctx).Debugw("Operation started", append([]interface{}{"operation", operation}, fields...)...)
	return ctx, span
}

// FinishOperation ends span, logging err through LogError when set.
func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	all := append([]interface{}{"operation", operation, "duration_ms", time.Since(start).Milliseconds()}, fields...)
	if err != nil {
		l.LogError(ctx, err, operation, all...)
		return
	}
	l.WithContext(ctx).Debugw("Operation completed successfully", all...)
	span.SetStatus(codes.Ok, "completed")
}
