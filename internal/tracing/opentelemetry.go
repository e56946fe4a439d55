package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spacechat/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "spacechat"
	shutdownTimeout = 5 * time.Second
)

// Span attribute keys shared by the API client and the message store
var (
	AttrConversationID = attribute.Key("spacechat.conversation_id")
	AttrCorrelationID  = attribute.Key("spacechat.correlation_id")
	AttrMessageCount   = attribute.Key("spacechat.message_count")
	AttrTransport      = attribute.Key("spacechat.transport")
)

// DefaultTracingConfig returns tracing disabled with stdout export when enabled
func DefaultTracingConfig() models.TracingConfig {
	return models.TracingConfig{
		ServiceName:    tracerName,
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     1.0,
		Enabled:        false,
		UseStdout:      true,
	}
}

// Validate checks an enabled configuration; disabled configurations always pass
func Validate(config models.TracingConfig) error {
	if !config.Enabled {
		return nil
	}
	if config.ServiceName == "" {
		return fmt.Errorf("tracing service_name is required")
	}
	if config.SampleRate < 0 || config.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1, got %v", config.SampleRate)
	}
	if !config.UseStdout && config.OTLPEndpoint == "" {
		return fmt.Errorf("tracing otlp_endpoint is required when stdout export is off")
	}
	return nil
}

// TracingManager manages OpenTelemetry setup and lifecycle
type TracingManager struct {
	config         models.TracingConfig
	logger         *logrus.Logger
	mu             sync.Mutex
	tracerProvider *trace.TracerProvider
}

func NewTracingManager(config models.TracingConfig, logger *logrus.Logger) *TracingManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &TracingManager{
		config: config,
		logger: logger,
	}
}

// Initialize installs the global tracer provider when tracing is enabled
func (tm *TracingManager) Initialize(ctx context.Context) error {
	if !tm.config.Enabled {
		tm.logger.Debug("OpenTelemetry tracing is disabled")
		return nil
	}
	if err := Validate(tm.config); err != nil {
		return err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tm.config.ServiceName),
			semconv.ServiceVersionKey.String(tm.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(tm.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter trace.SpanExporter
	if tm.config.UseStdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	} else {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(tm.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(tm.config.SampleRate))),
	)

	tm.mu.Lock()
	tm.tracerProvider = provider
	tm.mu.Unlock()

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tm.logger.WithFields(logrus.Fields{
		"service":     tm.config.ServiceName,
		"sample_rate": tm.config.SampleRate,
		"stdout":      tm.config.UseStdout,
	}).Info("OpenTelemetry tracing initialized")

	return nil
}

// Shutdown flushes pending spans. It is safe to call more than once.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	provider := tm.tracerProvider
	tm.tracerProvider = nil
	tm.mu.Unlock()

	if provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	tm.logger.Debug("OpenTelemetry tracing shutdown completed")
	return nil
}

// StartSpan starts a new span on the global spacechat tracer
func StartSpan(ctx context.Context, spanName string, attributes ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	return spanCtx, span
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attributes...)
	}
}

// SetSpanStatus sets the status of the current span
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, attributes ...attribute.KeyValue) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, oteltrace.WithAttributes(attributes...))
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the OpenTelemetry trace id of the current span, or "" when there is none
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
