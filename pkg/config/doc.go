// Package config loads the engine process configuration and plan files.
//
// # Overview
//
// Configuration is read from YAML on top of Default, overridden by PMS_*
// environment variables, checked with validator tags and finally unified
// with an embedded CUE schema that holds the cross-field rules (a SQL queue
// needs a SQL store, a postgres store needs a postgres URL, and so on).
//
// # Usage Example
//
//	cfg, err := config.Load("pms.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	w, err := config.NewWatcher("pms.yaml", logger, func(cfg *config.Config) {
//	    // react to the new configuration
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go w.Run(ctx)
//
// # Environment
//
//	PMS_STORE_DRIVER        memory, sqlite or postgres
//	PMS_STORE_DSN           database path or URL
//	PMS_QUEUE_DRIVER        memory or sql
//	PMS_QUEUE_WORKERS       listener workers per topic
//	PMS_LOG_LEVEL           trace to error (LOG_LEVEL is honored too)
//	PMS_LOG_FORMAT          console or json
//	PMS_METRICS_ADDRESS     metrics listen address
//	PMS_TRACING_EXPORTER    otlp, stdout or none
//	PMS_TRACING_ENDPOINT    OTLP gRPC endpoint
//
// # Plan files
//
// LoadPlan reads a plan from YAML or JSON, checks it against the plan schema
// and then against engine.Plan.Validate.
package config
