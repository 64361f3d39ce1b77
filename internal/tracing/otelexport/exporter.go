package otelexport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goloop/pkg/protocol"
)

// Config configures the OpenTelemetry OTLP exporter.
type Config struct {
	Endpoint    string            // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local dev
	ServiceName string            // OTEL service name (default "goloop")
	Version     string            // reported as service.version
	Headers     map[string]string // extra headers (auth tokens, etc.)
}

// Exporter converts loop progress events into OTel spans and exports them via OTLP.
// Every event of a session lands in the same trace. It implements tracing.EventExporter.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates an OTLP exporter with the given config.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "goloop"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case "grpc", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown OTLP protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	return newWithProvider(tp), nil
}

func newWithProvider(tp *sdktrace.TracerProvider) *Exporter {
	return &Exporter{
		provider: tp,
		tracer:   tp.Tracer("goloop"),
	}
}

// ExportEvents converts events to OTel spans and exports them.
// Called by the Collector during flush alongside the event store insert.
func (e *Exporter) ExportEvents(ctx context.Context, events []protocol.IterationEvent) {
	if e == nil || len(events) == 0 {
		return
	}
	for _, ev := range events {
		e.exportEvent(ctx, ev)
	}
}

func (e *Exporter) exportEvent(ctx context.Context, ev protocol.IterationEvent) {
	traceID := sessionTraceID(ev.SessionID)

	// A synthetic remote parent pins every span of the session to one trace.
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     uuidToSpanID(traceID),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	parentCtx := trace.ContextWithRemoteSpanContext(ctx, parent)

	attrs := []attribute.KeyValue{
		attribute.String("goloop.event_type", string(ev.Type)),
		attribute.String("goloop.session_id", ev.SessionID),
		attribute.Int("goloop.iteration", ev.Iteration),
		attribute.Int("goloop.max_iterations", ev.MaxIterations),
		attribute.Int("goloop.conditions_met", ev.ConditionsMet),
		attribute.Int("goloop.conditions_total", ev.ConditionsAll),
	}
	if ev.AgentID != "" {
		attrs = append(attrs, attribute.String("goloop.agent_id", ev.AgentID))
	}
	if ev.Phase != "" {
		attrs = append(attrs, attribute.String("goloop.phase", ev.Phase))
	}
	if ev.DurationMS != nil {
		attrs = append(attrs, attribute.Int64("goloop.duration_ms", *ev.DurationMS))
	}
	for k, v := range ev.Details {
		attrs = append(attrs, detailAttr(k, v))
	}

	// Events carrying a duration become spans covering that interval;
	// the rest are instantaneous markers.
	end := ev.Timestamp
	start := end
	if ev.DurationMS != nil && *ev.DurationMS > 0 {
		start = end.Add(-time.Duration(*ev.DurationMS) * time.Millisecond)
	}

	_, span := e.tracer.Start(parentCtx, spanName(ev),
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if ev.Error != "" || ev.Type == protocol.EventLoopError || ev.Type == protocol.EventPolicyViolation {
		span.SetStatus(codes.Error, ev.Error)
		if ev.Error != "" {
			span.RecordError(fmt.Errorf("%s", ev.Error))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// Shutdown gracefully shuts down the OTel exporter, flushing remaining spans.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}

func spanName(ev protocol.IterationEvent) string {
	switch ev.Type {
	case protocol.EventIterationStarted, protocol.EventIterationCompleted, protocol.EventExitConditionEvaluated:
		return fmt.Sprintf("%s #%d", ev.Type, ev.Iteration)
	}
	return string(ev.Type)
}

func detailAttr(k string, v any) attribute.KeyValue {
	key := "goloop.detail." + k
	switch x := v.(type) {
	case string:
		return attribute.String(key, x)
	case bool:
		return attribute.Bool(key, x)
	case int:
		return attribute.Int(key, x)
	case int64:
		return attribute.Int64(key, x)
	case float64:
		return attribute.Float64(key, x)
	}
	return attribute.String(key, fmt.Sprint(v))
}

// sessionTraceID maps a session id to a trace id. UUID session ids are used
// as-is; anything else is hashed into a name-based UUID.
func sessionTraceID(sessionID string) trace.TraceID {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("goloop:session:"+sessionID))
	}
	return uuidToTraceID(id)
}

// uuidToTraceID converts a UUID to an OTel TraceID (16 bytes).
func uuidToTraceID(id [16]byte) trace.TraceID {
	return trace.TraceID(id)
}

// uuidToSpanID converts a UUID to an OTel SpanID (8 bytes, uses last 8 bytes of UUID).
func uuidToSpanID(id [16]byte) trace.SpanID {
	var sid trace.SpanID
	copy(sid[:], id[8:16])
	return sid
}
