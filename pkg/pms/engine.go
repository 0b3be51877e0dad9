// Package pms assembles an engine process from configuration: the store, the
// work queue, the wait-notify engine, the output service, the orchestrator
// and the step execution side with its registries and task runner.
//
// One Engine runs both sides of the event protocol. Serve consumes both
// topics with listener pools; Drain processes them synchronously until the
// process is idle, which is how embedded callers and tests run plans.
package pms

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/pms/pkg/advisers"
	"github.com/openfroyo/pms/pkg/config"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/facilitators"
	"github.com/openfroyo/pms/pkg/identity"
	"github.com/openfroyo/pms/pkg/orchestrator"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/plugins"
	"github.com/openfroyo/pms/pkg/policy"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/stores"
	"github.com/openfroyo/pms/pkg/telemetry"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// Engine is one wired engine process.
type Engine struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	store    stores.Store
	queue    queue.Queue
	producer queue.Producer
	pending  func(ctx context.Context) (int, error)

	waits    *waitnotify.Engine
	outputs  *outputs.Service
	orch     *orchestrator.Orchestrator
	registry *executor.Registry
	tasks    *executor.LocalTaskRunner
	retries  *identity.RetryPlanBuilder
	policies *policy.Engine
	plugins  *plugins.Host

	responses  *queue.Listener
	nodeEvents *queue.Listener

	ownsTelemetry bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	tel   *telemetry.Telemetry
	store stores.Store
	queue queue.Queue
}

// WithTelemetry uses tel instead of building telemetry from the config.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithStore uses store instead of the configured one. The engine closes it.
func WithStore(store stores.Store) Option {
	return func(o *options) { o.store = store }
}

// WithQueue uses q instead of the configured queue.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// New builds an engine from cfg. The task runner is started; listeners are
// not until Serve.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, tel: o.tel}
	if e.tel == nil {
		tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.tel = tel
		e.ownsTelemetry = true
	}
	e.logger = e.tel.Logger.NewComponentLogger("pms")

	if err := e.openStore(ctx, o.store); err != nil {
		return nil, err
	}
	if err := e.openQueue(o.queue); err != nil {
		_ = e.store.Close()
		return nil, err
	}
	if err := e.wire(ctx); err != nil {
		_ = e.store.Close()
		return nil, err
	}
	e.tasks.Start(context.WithoutCancel(ctx))

	e.logger.WithFields(map[string]interface{}{
		"store": cfg.Store.Driver,
		"queue": cfg.Queue.Driver,
		"steps": e.registry.StepTypes(),
	}).Info("engine ready")
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, store stores.Store) error {
	if store != nil {
		e.store = store
		return nil
	}
	switch e.cfg.Store.Driver {
	case "", "memory":
		e.store = stores.NewMemoryStore()
	case stores.DriverSQLite, stores.DriverPostgres:
		s, err := stores.Open(ctx, stores.Config{
			Driver:          e.cfg.Store.Driver,
			DSN:             e.cfg.Store.DSN,
			MaxOpenConns:    e.cfg.Store.MaxOpenConns,
			MaxIdleConns:    e.cfg.Store.MaxIdleConns,
			ConnMaxLifetime: e.cfg.Store.ConnMaxLifetime,
		}, e.tel.Logger, e.tel.Metrics)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", e.cfg.Store.Driver, err)
		}
		e.store = s
	default:
		return fmt.Errorf("unsupported store driver %q", e.cfg.Store.Driver)
	}
	return nil
}

func (e *Engine) openQueue(q queue.Queue) error {
	topics := []string{sdk.TopicNodeEvents, sdk.TopicResponseEvents}
	switch {
	case q != nil:
		e.queue = q
	case e.cfg.Queue.Driver == "" || e.cfg.Queue.Driver == "memory":
		e.queue = queue.NewMemoryQueue()
	case e.cfg.Queue.Driver == "sql":
		s, ok := e.store.(*stores.SQLStore)
		if !ok {
			return fmt.Errorf("sql queue needs a sql store, have %q", e.cfg.Store.Driver)
		}
		e.queue = stores.NewSQLQueue(s)
	default:
		return fmt.Errorf("unsupported queue driver %q", e.cfg.Queue.Driver)
	}

	switch cq := e.queue.(type) {
	case *queue.MemoryQueue:
		e.pending = func(context.Context) (int, error) { return cq.Pending(), nil }
	case interface {
		Depth(ctx context.Context, topic string) (int, error)
	}:
		e.pending = func(ctx context.Context) (int, error) {
			total := 0
			for _, t := range topics {
				n, err := cq.Depth(ctx, t)
				if err != nil {
					return 0, err
				}
				e.tel.Metrics.SetQueueDepth(t, float64(n))
				total += n
			}
			return total, nil
		}
	default:
		e.pending = func(context.Context) (int, error) { return 0, nil }
	}

	e.producer = queue.NewRetryingProducer(e.queue, e.cfg.Queue.PublishRetries, e.tel.Logger)
	return nil
}

func (e *Engine) wire(ctx context.Context) error {
	if e.cfg.Policy.Enabled {
		policies, err := policy.NewEngine(ctx, e.tel.Logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if err := policies.LoadPolicies(ctx, e.cfg.Policy.Paths); err != nil {
			return err
		}
		for _, name := range e.cfg.Policy.Disabled {
			if err := policies.Disable(name); err != nil {
				return fmt.Errorf("failed to disable policy %s: %w", name, err)
			}
		}
		e.policies = policies
	}

	e.waits = waitnotify.New(e.store, e.tel.Logger, e.tel.Metrics)
	e.outputs = outputs.NewService(e.store, e.tel.Logger,
		outputs.WithTTLs(e.cfg.Engine.OutcomeTTL, e.cfg.Engine.SweepingOutputTTL))

	e.tasks = executor.NewLocalTaskRunner(executor.TaskRunnerConfig{
		Workers:        e.cfg.Engine.TaskWorkers,
		QueueSize:      e.cfg.Engine.TaskQueueSize,
		DefaultTimeout: e.cfg.Engine.TaskTimeout,
	}, e.waits, e.tel)
	e.tasks.RegisterHandler(executor.ShellTaskType, executor.ShellTask{})

	orch, err := orchestrator.New(orchestrator.Options{
		Nodes:          e.store,
		Plans:          e.store,
		PlanExecutions: e.store,
		Waits:          e.waits,
		Outputs:        e.outputs,
		Producer:       e.producer,
		Tasks:          e.tasks,
		Telemetry:      e.tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	e.orch = orch

	e.registry = executor.NewRegistry()
	executor.RegisterBuiltinSteps(e.registry)
	host, err := plugins.NewHost(ctx, plugins.HostConfig{
		ModuleDir:        e.cfg.Engine.PluginDir,
		MemoryLimitPages: e.cfg.Engine.PluginMemoryPages,
	}, e.tel.Logger)
	if err != nil {
		return fmt.Errorf("failed to create plugin host: %w", err)
	}
	e.plugins = host
	plugins.Register(e.registry, e.tasks, host)
	facilitators.Register(e.registry)
	advisers.Register(e.registry, e.tel.Logger)
	identity.Register(orch, e.registry, e.store)
	e.retries = identity.NewRetryPlanBuilder(e.store, e.store, e.store)

	svc := sdk.NewNodeExecutionService(e.producer, e.tel.Logger, e.tel.Metrics)
	nodeListener := executor.NewNodeEventListener(e.registry, svc, e.outputs, e.tel)

	lc := queue.ListenerConfig{
		Workers:        e.cfg.Queue.Workers,
		BatchSize:      e.cfg.Queue.BatchSize,
		PollInterval:   e.cfg.Queue.PollInterval,
		Lease:          e.cfg.Queue.Lease,
		MaxAttempts:    e.cfg.Queue.MaxAttempts,
		BaseRetryDelay: e.cfg.Queue.BaseRetryDelay,
	}
	e.responses = orch.NewResponseListener(lc, e.queue)
	e.nodeEvents = nodeListener.NewQueueListener(lc, e.queue)
	return nil
}

// Orchestrator returns the engine side.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Registry returns the step, facilitator and adviser registry.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Tasks returns the local task runner.
func (e *Engine) Tasks() *executor.LocalTaskRunner { return e.tasks }

// Policies returns the plan admission policies, or nil when disabled.
func (e *Engine) Policies() *policy.Engine { return e.policies }

// Store returns the store.
func (e *Engine) Store() stores.Store { return e.store }

// Telemetry returns the telemetry bundle.
func (e *Engine) Telemetry() *telemetry.Telemetry { return e.tel }

// Close stops the task runner and releases the store and the telemetry the
// engine created.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.tasks.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop task runner: %w", err))
	}
	if err := e.plugins.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close plugin host: %w", err))
	}
	if c, ok := e.queue.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if e.ownsTelemetry {
		if err := e.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
