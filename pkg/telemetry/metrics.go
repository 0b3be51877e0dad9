package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A nil *Metrics, or one
// built from a disabled config, records nothing.
type Metrics struct {
	config MetricsConfig

	// Node execution metrics
	nodesStarted    *prometheus.CounterVec
	nodesEnded      *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	advisements     *prometheus.CounterVec
	facilitationErr prometheus.Counter
	identityClones  *prometheus.CounterVec

	// Protocol metrics
	sdkEvents      *prometheus.CounterVec
	waitDeliveries *prometheus.CounterVec

	// Queue metrics
	queueMessages *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	// Store metrics
	storeDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Plan execution metrics
	activePlans prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		nodesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_started_total",
				Help:      "Total number of node executions started",
			},
			[]string{"mode"},
		),
		nodesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_ended_total",
				Help:      "Total number of node executions that reached a terminal status",
			},
			[]string{"mode", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_seconds",
				Help:      "Duration from start to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		advisements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advisements_total",
				Help:      "Total number of adviser decisions applied",
			},
			[]string{"type"},
		),
		facilitationErr: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facilitation_failures_total",
				Help:      "Total number of node executions no facilitator could decide",
			},
		),
		identityClones: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_clones_total",
				Help:      "Total number of identity node executions started",
			},
			[]string{"mode"},
		),
		sdkEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sdk_events_total",
				Help:      "Total number of SDK response events handled",
			},
			[]string{"type", "result"},
		),
		waitDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_notify_deliveries_total",
				Help:      "Total number of wait-notify callback deliveries",
			},
			[]string{"kind"},
		),
		queueMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_total",
				Help:      "Total number of queue messages handled",
			},
			[]string{"topic", "outcome"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending messages per topic",
			},
			[]string{"topic"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Duration of store operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plan_executions",
				Help:      "Current number of running plan executions",
			},
		),
	}

	registry.MustRegister(
		m.nodesStarted,
		m.nodesEnded,
		m.nodeDuration,
		m.advisements,
		m.facilitationErr,
		m.identityClones,
		m.sdkEvents,
		m.waitDeliveries,
		m.queueMessages,
		m.queueDepth,
		m.storeDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activePlans,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Node Execution Metrics

// RecordNodeStarted counts a node execution moving to RUNNING.
func (m *Metrics) RecordNodeStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.nodesStarted.WithLabelValues(mode).Inc()
}

// RecordNodeEnded counts a terminal transition and observes its duration.
func (m *Metrics) RecordNodeEnded(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.nodesEnded.WithLabelValues(mode, status).Inc()
	if duration > 0 {
		m.nodeDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// RecordAdvise counts an applied adviser decision.
func (m *Metrics) RecordAdvise(adviseType string) {
	if !m.enabled() {
		return
	}
	m.advisements.WithLabelValues(adviseType).Inc()
}

// RecordFacilitationFailure counts a FACILITATION_FAILED transition.
func (m *Metrics) RecordFacilitationFailure() {
	if !m.enabled() {
		return
	}
	m.facilitationErr.Inc()
}

// RecordIdentityClone counts an identity node start.
func (m *Metrics) RecordIdentityClone(mode string) {
	if !m.enabled() {
		return
	}
	m.identityClones.WithLabelValues(mode).Inc()
}

// Protocol Metrics

// RecordSdkEvent counts a handled SDK event. Result is applied, skipped or error.
func (m *Metrics) RecordSdkEvent(eventType, result string) {
	if !m.enabled() {
		return
	}
	m.sdkEvents.WithLabelValues(eventType, result).Inc()
}

// RecordWaitDelivery counts a wait-notify delivery (resume, error, progress).
func (m *Metrics) RecordWaitDelivery(kind string) {
	if !m.enabled() {
		return
	}
	m.waitDeliveries.WithLabelValues(kind).Inc()
}

// Queue Metrics

// RecordQueueMessage counts a message outcome: processed, failed or dead_lettered.
func (m *Metrics) RecordQueueMessage(topic, outcome string) {
	if !m.enabled() {
		return
	}
	m.queueMessages.WithLabelValues(topic, outcome).Inc()
}

// SetQueueDepth sets the number of pending messages of a topic.
func (m *Metrics) SetQueueDepth(topic string, depth float64) {
	if !m.enabled() {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(depth)
}

// Store Metrics

// ObserveStoreOperation records the latency of a store call.
func (m *Metrics) ObserveStoreOperation(operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Plan Execution Metrics

// PlanStarted increments the active plan execution gauge.
func (m *Metrics) PlanStarted() {
	if !m.enabled() {
		return
	}
	m.activePlans.Inc()
}

// PlanEnded decrements the active plan execution gauge.
func (m *Metrics) PlanEnded() {
	if !m.enabled() {
		return
	}
	m.activePlans.Dec()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. The returned
// shutdown function stops it; it is a no-op when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) (func(context.Context) error, error) {
	if !m.enabled() {
		return func(context.Context) error { return nil }, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			logger.WithError(err).WithField("address", m.config.ListenAddress).Error("metrics server error")
		}
	}()

	return server.Shutdown, nil
}
