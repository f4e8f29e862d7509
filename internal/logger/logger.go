// Package logger configures the process-wide slog logger.
//
// Output is JSON on stdout unless OTEL_ENABLED=true, in which case records
// are exported over OTLP/gRPC through the slog bridge. Warnings and errors
// are counted in Prometheus before sampling, so dropped log lines still show
// up on /metrics.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/liamcoop/hearth/internal/metrics"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelFatal = slog.Level(12)
)

// Events counted by Count, WarnEvent and ErrorEvent.
const (
	EventHTTP4xx     = "http_4xx"
	EventHTTP5xx     = "http_5xx"
	EventSlowRequest = "slow_request"
	EventRuleFailure = "rule_failure"
	EventHookError   = "hook_error"
)

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
)

// settings is the environment-derived logger configuration.
type settings struct {
	level       slog.Level
	sampleRate  int
	otelEnabled bool
	serviceName string
}

func settingsFromEnv() settings {
	s := settings{level: LevelInfo, sampleRate: 1, serviceName: "hearth"}

	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		s.level = lvl
	}
	// ERROR_SAMPLE_RATE=N keeps one in N warning/error lines.
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		s.sampleRate = rate
	}
	s.otelEnabled = strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		s.serviceName = name
	}
	return s
}

func init() {
	s := settingsFromEnv()
	programLevel.Set(s.level)
	sampleRate.Store(int32(s.sampleRate))

	if !s.otelEnabled {
		useHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel}))
		return
	}

	shutdown, err := setupOTEL(context.Background(), s.serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel logging unavailable, using JSON: %v\n", err)
		useHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel}))
		return
	}
	shutdownFunc = shutdown
}

func useHandler(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

// setupOTEL routes slog records to an OTLP/gRPC exporter.
func setupOTEL(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	// The bridge ignores slog levels, so filter in front of it.
	useHandler(&levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	})
	return provider.Shutdown, nil
}

type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTLP exporter. It is a no-op in JSON mode.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name such as "debug" or "WARN".
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func sampled() bool {
	rate := sampleRate.Load()
	return rate <= 1 || rand.Int32N(rate) == 0
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts the warning and logs it subject to sampling.
func Warn(msg string, args ...any) {
	metrics.LogMessages.WithLabelValues("warn").Inc()
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error counts the error and logs it subject to sampling.
func Error(msg string, args ...any) {
	metrics.LogMessages.WithLabelValues("error").Inc()
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes the exporter and exits.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// Count records an event without logging anything.
func Count(event string) {
	metrics.LogEvents.WithLabelValues(event).Inc()
}

// WarnEvent counts event and logs a warning.
func WarnEvent(event, msg string, args ...any) {
	Count(event)
	Warn(msg, args...)
}

// ErrorEvent counts event and logs an error.
func ErrorEvent(event, msg string, args ...any) {
	Count(event)
	Error(msg, args...)
}
