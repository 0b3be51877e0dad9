// Package telemetry provides observability instrumentation for the engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and status update events into one
// Telemetry value that is built once at process start and handed to every
// component.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	stop, err := tel.StartMetricsServer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// # Structured Logging
//
// Component loggers carry the identifying fields of the node execution they
// work on:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithNodeExecution(planExecutionID, nodeExecutionID, nodeID)
//	logger.Info("node started")
//	logger.WithError(err).Error("resume failed")
//
// # Tracing
//
// Every node phase (facilitate, start, resume, advise, progress) and every
// applied SDK event gets a span:
//
//	err := telemetry.RecordNodeOperation(ctx, telemetry.NodeOperation{
//	    Phase:           "start",
//	    PlanExecutionID: planExecutionID,
//	    NodeExecutionID: nodeExecutionID,
//	}, func(ctx context.Context) error {
//	    return strategy.Start(ctx, invoker)
//	})
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// All Record methods are safe on a nil or disabled *Metrics:
//
//	tel.Metrics.RecordNodeStarted("SYNC")
//	tel.Metrics.RecordNodeEnded("SYNC", "SUCCESS", duration)
//	tel.Metrics.RecordAdvise("RETRY")
//	tel.Metrics.RecordQueueMessage("pms.node_events", "dead_lettered")
//
// # Events
//
// The EventPublisher delivers node status updates to in-process observers
// such as `pms run --follow`:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByPlanExecutionID(planExecutionID))
package telemetry
