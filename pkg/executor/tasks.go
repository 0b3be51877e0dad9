package executor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

const localTaskTopic = "local-tasks"

// TaskNotifier receives the outcome of a task on its callback id. The
// wait-notify engine implements it.
type TaskNotifier interface {
	Notify(ctx context.Context, correlationID string, data json.RawMessage) error
	NotifyError(ctx context.Context, correlationID string, data json.RawMessage) error
	Progress(ctx context.Context, correlationID string, data json.RawMessage) error
}

// Task is one queued task as seen by its handler.
type Task struct {
	ID         string
	CallbackID string
	Setup      map[string]string
	Request    engine.TaskRequest

	progress func(ctx context.Context, data json.RawMessage) error
}

// ReportProgress sends a progress update to the waiting node.
func (t *Task) ReportProgress(ctx context.Context, data json.RawMessage) error {
	if t.progress == nil {
		return nil
	}
	return t.progress(ctx, data)
}

// TaskHandler runs tasks of one type. The returned data is the task's
// response; an error is reported to the node as an async error.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *Task) (json.RawMessage, error)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

// HandleTask calls f.
func (f TaskHandlerFunc) HandleTask(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// TaskRunnerConfig configures a LocalTaskRunner.
type TaskRunnerConfig struct {
	// Workers is the number of tasks run concurrently.
	Workers int

	// QueueSize bounds the tasks waiting for a worker.
	QueueSize int

	// DefaultTimeout applies to tasks without a timeout of their own.
	DefaultTimeout time.Duration
}

// DefaultTaskRunnerConfig returns the runner defaults.
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		Workers:        4,
		QueueSize:      256,
		DefaultTimeout: 10 * time.Minute,
	}
}

type taskJob struct {
	task    *Task
	timeout time.Duration
}

// LocalTaskRunner runs TASK and TASK_CHAIN work in process on a worker pool
// and notifies each task's callback id when it finishes.
type LocalTaskRunner struct {
	config   TaskRunnerConfig
	notifier TaskNotifier
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]TaskHandler

	jobs     chan *taskJob
	inflight atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewLocalTaskRunner creates a stopped runner. Zero config fields take their
// defaults.
func NewLocalTaskRunner(cfg TaskRunnerConfig, notifier TaskNotifier, tel *telemetry.Telemetry) *LocalTaskRunner {
	def := DefaultTaskRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &LocalTaskRunner{
		config:   cfg,
		notifier: notifier,
		logger:   tel.Logger.NewComponentLogger("task-runner"),
		metrics:  tel.Metrics,
		handlers: make(map[string]TaskHandler),
		jobs:     make(chan *taskJob, cfg.QueueSize),
	}
}

// RegisterHandler binds taskType to h.
func (r *LocalTaskRunner) RegisterHandler(taskType string, h TaskHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[taskType] = h
}

func (r *LocalTaskRunner) handler(taskType string) (TaskHandler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (r *LocalTaskRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Workers; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	r.group = g
	r.running = true
	r.logger.Infof("task runner started with %d workers", r.config.Workers)
}

// Stop cancels running tasks and waits for the workers to exit. Tasks still
// queued are dropped; their nodes stay waiting until the wait is resolved.
func (r *LocalTaskRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	g := r.group
	r.mu.Unlock()

	err := g.Wait()
	r.logger.Info("task runner stopped")
	return err
}

// InFlight returns the number of queued or running tasks whose outcome has
// not been reported yet.
func (r *LocalTaskRunner) InFlight() int {
	return int(r.inflight.Load())
}

// QueueTask implements engine.TaskQueuer.
func (r *LocalTaskRunner) QueueTask(ctx context.Context, setup map[string]string, request *engine.TaskRequest, callbackID string) (string, error) {
	if request == nil || request.TaskType == "" {
		return "", engine.NewPermanentError("task type is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if callbackID == "" {
		return "", engine.NewPermanentError("task callback id is required", nil).WithCode(engine.ErrCodeValidation)
	}
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return "", engine.NewTransientError("task runner is not running", nil).WithResource(callbackID)
	}

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	job := &taskJob{
		task: &Task{
			ID:         ulid.MustNew(ulid.Now(), rand.Reader).String(),
			CallbackID: callbackID,
			Setup:      setup,
			Request:    *request,
		},
		timeout: timeout,
	}
	r.inflight.Add(1)
	select {
	case r.jobs <- job:
	case <-ctx.Done():
		r.inflight.Add(-1)
		return "", fmt.Errorf("failed to queue task %s: %w", request.TaskType, ctx.Err())
	}
	r.logger.WithFields(map[string]interface{}{
		"task_id":     job.task.ID,
		"task_type":   request.TaskType,
		"callback_id": callbackID,
	}).Debug("task queued")
	return job.task.ID, nil
}

func (r *LocalTaskRunner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.run(ctx, job)
		}
	}
}

// run executes job and reports its outcome. The report outlives a stopping
// runner so a finished task is never lost.
func (r *LocalTaskRunner) run(ctx context.Context, job *taskJob) {
	defer r.inflight.Add(-1)
	task := job.task
	logger := r.logger.WithFields(map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.Request.TaskType,
	})
	task.progress = func(ctx context.Context, data json.RawMessage) error {
		return r.notifier.Progress(ctx, task.CallbackID, data)
	}

	start := time.Now()
	data, err := r.execute(ctx, job)
	notifyCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.WithError(err).Warnf("task failed after %s", time.Since(start))
		r.metrics.RecordQueueMessage(localTaskTopic, "failed")
		if nerr := r.notifier.NotifyError(notifyCtx, task.CallbackID, taskErrorData(err)); nerr != nil {
			logger.WithError(nerr).Error("failed to report task error")
		}
		return
	}
	logger.Debugf("task finished after %s", time.Since(start))
	r.metrics.RecordQueueMessage(localTaskTopic, "processed")
	if nerr := r.notifier.Notify(notifyCtx, task.CallbackID, data); nerr != nil {
		logger.WithError(nerr).Error("failed to report task result")
	}
}

func (r *LocalTaskRunner) execute(ctx context.Context, job *taskJob) (data json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("stack", string(debug.Stack())).Errorf("task handler panic: %v", rec)
			err = fmt.Errorf("task handler panic: %v", rec)
		}
	}()

	h, ok := r.handler(job.task.Request.TaskType)
	if !ok {
		return nil, engine.NewPermanentError("no handler for task type "+job.task.Request.TaskType, nil).
			WithCode(engine.ErrCodeUnknownStepType)
	}
	execCtx, cancel := context.WithTimeout(ctx, job.timeout)
	defer cancel()

	data, err = h.HandleTask(execCtx, job.task)
	if err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err = execCtx.Err()
	}
	return data, err
}

// taskErrorData encodes err as the engine's error response.
func taskErrorData(err error) json.RawMessage {
	failure := engine.FailureApplication
	if errors.Is(err, context.DeadlineExceeded) {
		failure = engine.FailureTimeout
	}
	data, _ := json.Marshal(engine.ErrorResponse{
		Message:      err.Error(),
		FailureTypes: []engine.FailureType{failure},
	})
	return data
}
