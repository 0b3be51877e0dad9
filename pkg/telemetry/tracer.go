package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrPlanExecutionID = attribute.Key("plan_execution.id")
	AttrNodeExecutionID = attribute.Key("node_execution.id")
	AttrStepType        = attribute.Key("step.type")
	AttrAdviseType      = attribute.Key("advise.type")
	AttrEventType       = attribute.Key("event.type")
)

// Tracer starts the plan execution, node phase and SDK event spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. A disabled config yields a tracer whose spans
// go to the global provider, which is a no-op unless someone installed one.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string, attrs map[string]string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer(serviceName)}, nil
	}

	res, err := newResource(serviceName, serviceVersion, environment, attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newResource describes the service. Extra attributes never override the
// service name, version or environment.
func newResource(serviceName, serviceVersion, environment string, extra map[string]string) (*resource.Resource, error) {
	kvs := make([]attribute.KeyValue, 0, len(extra)+3)
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		kvs = append(kvs, attribute.String(k, extra[k]))
	}
	kvs = append(kvs,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	)
	return resource.New(context.Background(), resource.WithAttributes(kvs...))
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled and
// carried in contexts but never leave the process.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// NewNoopTracer returns a tracer whose spans are never recorded.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Start begins a span. A nil tracer yields no-op spans.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, spanName, opts...)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartPlanExecutionSpan starts a span for a plan execution lifecycle call.
func (t *Tracer) StartPlanExecutionSpan(ctx context.Context, operation, planExecutionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "plan_execution."+operation,
		trace.WithAttributes(AttrPlanExecutionID.String(planExecutionID)))
}

// StartNodeSpan starts a span for one phase (facilitate, start, resume,
// advise, progress) of a node execution.
func (t *Tracer) StartNodeSpan(ctx context.Context, phase, planExecutionID, nodeExecutionID, stepType string) (context.Context, trace.Span) {
	return t.Start(ctx, "node."+phase, trace.WithAttributes(
		AttrPlanExecutionID.String(planExecutionID),
		AttrNodeExecutionID.String(nodeExecutionID),
		AttrStepType.String(stepType),
	))
}

// StartSdkEventSpan starts a span for the application of an SDK event.
func (t *Tracer) StartSdkEventSpan(ctx context.Context, eventType, nodeExecutionID string) (context.Context, trace.Span) {
	return t.Start(ctx, "sdk."+eventType, trace.WithAttributes(
		AttrEventType.String(eventType),
		AttrNodeExecutionID.String(nodeExecutionID),
	))
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
