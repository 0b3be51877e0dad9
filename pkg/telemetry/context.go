package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and status event publisher
// of one engine process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// NewNopTelemetry returns telemetry that logs, traces, counts and publishes
// nothing.
func NewNopTelemetry() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNoopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// WithContext stores the telemetry and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains the event publisher and flushes the tracer. The metrics
// server is stopped by the func StartMetricsServer returned.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// StartMetricsServer serves the metrics registry when metrics are enabled.
func (t *Telemetry) StartMetricsServer() (func(context.Context) error, error) {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics"))
}

// NodeOperation identifies a node execution for RecordNodeOperation.
type NodeOperation struct {
	Phase           string
	PlanExecutionID string
	NodeExecutionID string
	NodeID          string
	StepType        string
}

// RecordNodeOperation runs fn inside a node span with a node scoped logger
// in its context, recording the outcome on the span.
func RecordNodeOperation(ctx context.Context, op NodeOperation, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	var span trace.Span
	ctx, span = tel.Tracer.StartNodeSpan(ctx, op.Phase, op.PlanExecutionID, op.NodeExecutionID, op.StepType)
	defer span.End()
	ctx = tel.Logger.
		WithNodeExecution(op.PlanExecutionID, op.NodeExecutionID, op.NodeID).
		WithField("phase", op.Phase).
		WithContext(ctx)

	err := fn(ctx)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
