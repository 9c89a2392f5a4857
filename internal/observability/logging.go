package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

// ServiceName identifies the process in logs and traces.
const ServiceName = "tessera"

// Log encodings accepted by NewLogger.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

const redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger builds the process logger. JSON goes to stdout unless the
// console format is selected for local runs.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), job retries, stale idempotency reclaims
//   - info:  Request start/end, instance lifecycle, task resolution, seeding
//   - debug: Interpreter steps, cache operations, gate payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := LogFormatJSON
	encoder := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.LogFormat == LogFormatConsole {
		encoding = LogFormatConsole
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder.EncodeDuration = zapcore.StringDurationEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": ServiceName},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// actor of the command: tenant, subject and correlation. Engine components
// acting for a tenant are marked with system=true.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.IsSystem() {
		fields = append(fields, zap.Bool("system", true))
	}
	return logger.With(fields...)
}

// defaultSensitiveFields are payload keys never written to logs. Gate
// payloads routinely carry banking and card details.
var defaultSensitiveFields = []string{
	"password",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"authorization",
	"card_number",
	"credit_card",
	"cvv",
	"iban",
	"account_number",
	"ssn",
	"pin",
}

// RedactBody returns a copy of body with sensitive values replaced by
// "[REDACTED]", descending into nested maps and lists. Keys match
// case-insensitively; extra names are added to the defaults.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	set := make(map[string]struct{}, len(defaultSensitiveFields)+len(extra))
	for _, f := range defaultSensitiveFields {
		set[f] = struct{}{}
	}
	for _, f := range extra {
		set[strings.ToLower(f)] = struct{}{}
	}
	return redactMap(body, set)
}

func redactMap(body map[string]any, set map[string]struct{}) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if _, ok := set[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, set)
	}
	return out
}

func redactValue(v any, set map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, set)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, set)
		}
		return out
	default:
		return v
	}
}
