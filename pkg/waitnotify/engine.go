// Package waitnotify correlates asynchronous work across process boundaries.
//
// A waiter registers a durable wait instance on a set of correlation ids
// together with a callback descriptor. Producers report exactly one terminal
// response per correlation id with Notify or NotifyError, and any number of
// progress updates before that. Once every id has a terminal response the
// instance is claimed and its callback runs exactly once; a failed callback
// releases the claim so a later delivery attempt can run it again.
package waitnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

const lockStripes = 64

// Engine is the wait-notify engine.
type Engine struct {
	store   Store
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	callbacks map[string]CallbackHandler
	progress  map[string]ProgressHandler

	// Serializes deliveries per wait instance inside this process.
	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// New creates an engine backed by store.
func New(store Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Engine{
		store:     store,
		logger:    logger.NewComponentLogger("waitnotify"),
		metrics:   metrics,
		callbacks: make(map[string]CallbackHandler),
		progress:  make(map[string]ProgressHandler),
		now:       time.Now,
	}
}

// RegisterCallback binds a callback type to its handler.
func (e *Engine) RegisterCallback(callbackType string, h CallbackHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[callbackType] = h
}

// RegisterProgressHandler binds a progress callback type to its handler.
func (e *Engine) RegisterProgressHandler(callbackType string, h ProgressHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress[callbackType] = h
}

// WaitOption configures a wait registration.
type WaitOption func(*WaitInstance)

// WithWaitID registers the wait under a caller chosen id. Registering the
// same id again is a no-op, which makes redelivered registrations safe.
func WithWaitID(id string) WaitOption {
	return func(wi *WaitInstance) { wi.ID = id }
}

// WithProgress attaches a progress callback to the wait.
func WithProgress(cb Callback) WaitOption {
	return func(wi *WaitInstance) { wi.ProgressCallback = &cb }
}

// WaitForAll registers a wait on every correlation id. When all responses
// already arrived the callback fires before WaitForAll returns.
func (e *Engine) WaitForAll(ctx context.Context, callback Callback, progress *Callback, correlationIDs ...string) (string, error) {
	var opts []WaitOption
	if progress != nil {
		opts = append(opts, WithProgress(*progress))
	}
	return e.Wait(ctx, callback, correlationIDs, opts...)
}

// Wait is WaitForAll with options.
func (e *Engine) Wait(ctx context.Context, callback Callback, correlationIDs []string, opts ...WaitOption) (string, error) {
	if len(correlationIDs) == 0 {
		return "", engine.NewPermanentError("wait needs at least one correlation id", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if !e.hasCallback(callback.Type) {
		return "", engine.NewPermanentError("unknown callback type "+callback.Type, nil).
			WithCode(engine.ErrCodeValidation)
	}

	wi := &WaitInstance{
		ID:             NewCorrelationID(),
		CorrelationIDs: dedupe(correlationIDs),
		Callback:       callback,
		Status:         WaitStatusWaiting,
		CreatedAt:      e.now(),
	}
	for _, opt := range opts {
		opt(wi)
	}
	if err := e.store.CreateWaitInstance(ctx, wi); err != nil {
		if !errors.Is(err, engine.ErrAlreadyExists) {
			return "", fmt.Errorf("failed to create wait instance: %w", err)
		}
		existing, getErr := e.store.GetWaitInstance(ctx, wi.ID)
		if getErr != nil {
			return "", fmt.Errorf("failed to read wait instance %s: %w", wi.ID, getErr)
		}
		wi = existing
	}

	e.logger.WithFields(map[string]interface{}{
		"wait_id":         wi.ID,
		"callback":        callback.Type,
		"correlation_ids": correlationIDs,
	}).Debug("wait registered")

	if err := e.tryComplete(ctx, wi); err != nil {
		return wi.ID, err
	}
	return wi.ID, nil
}

// Notify stores a successful terminal response for correlationID.
func (e *Engine) Notify(ctx context.Context, correlationID string, data json.RawMessage) error {
	return e.notify(ctx, correlationID, data, false)
}

// NotifyError stores an error terminal response for correlationID.
func (e *Engine) NotifyError(ctx context.Context, correlationID string, data json.RawMessage) error {
	return e.notify(ctx, correlationID, data, true)
}

func (e *Engine) notify(ctx context.Context, correlationID string, data json.RawMessage, isError bool) error {
	inserted, err := e.store.SaveNotifyResponse(ctx, &NotifyResponse{
		CorrelationID: correlationID,
		Data:          data,
		Error:         isError,
		CreatedAt:     e.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save notify response %s: %w", correlationID, err)
	}
	if !inserted {
		e.logger.WithField("correlation_id", correlationID).Debug("duplicate terminal response ignored")
	}

	// A redelivered notify still re-checks its waiters so a completion whose
	// callback failed earlier gets another attempt.
	waits, err := e.store.ListWaitInstances(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("failed to list waits of %s: %w", correlationID, err)
	}
	var firstErr error
	for _, wi := range waits {
		if err := e.tryComplete(ctx, wi); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Progress delivers a non-terminal update to every instance still waiting on
// correlationID. Updates for unknown or completed ids are dropped.
func (e *Engine) Progress(ctx context.Context, correlationID string, data json.RawMessage) error {
	stored, err := e.store.GetNotifyResponses(ctx, []string{correlationID})
	if err != nil {
		return fmt.Errorf("failed to read responses of %s: %w", correlationID, err)
	}
	if _, done := stored[correlationID]; done {
		e.logger.WithField("correlation_id", correlationID).Debug("progress after terminal response dropped")
		return nil
	}

	waits, err := e.store.ListWaitInstances(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("failed to list waits of %s: %w", correlationID, err)
	}
	for _, wi := range waits {
		if wi.ProgressCallback == nil {
			continue
		}
		if err := e.deliverProgress(ctx, wi.ID, correlationID, data); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deliverProgress(ctx context.Context, waitID, correlationID string, data json.RawMessage) error {
	lock := e.lockFor(waitID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a terminal delivery may have won the race.
	wi, err := e.store.GetWaitInstance(ctx, waitID)
	if err != nil {
		return err
	}
	if wi.Status != WaitStatusWaiting {
		return nil
	}
	stored, err := e.store.GetNotifyResponses(ctx, []string{correlationID})
	if err != nil {
		return err
	}
	if _, done := stored[correlationID]; done {
		return nil
	}

	h, ok := e.progressHandler(wi.ProgressCallback.Type)
	if !ok {
		e.logger.WithField("callback", wi.ProgressCallback.Type).Warn("no progress handler registered")
		return nil
	}
	if err := h.OnProgress(ctx, wi.ProgressCallback.Payload, correlationID, data); err != nil {
		return fmt.Errorf("progress callback %s failed: %w", wi.ProgressCallback.Type, err)
	}
	e.metrics.RecordWaitDelivery("progress")
	return nil
}

// tryComplete claims and delivers wi when all of its responses are present.
func (e *Engine) tryComplete(ctx context.Context, wi *WaitInstance) error {
	if wi.Status != WaitStatusWaiting {
		return nil
	}
	stored, err := e.store.GetNotifyResponses(ctx, wi.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("failed to read responses of wait %s: %w", wi.ID, err)
	}
	if len(stored) < len(wi.CorrelationIDs) {
		return nil
	}

	// The claim is taken under the instance lock so an in-flight progress
	// delivery finishes first. The callback itself runs unlocked because it
	// may notify other waits.
	lock := e.lockFor(wi.ID)
	lock.Lock()
	claimed, err := e.store.ClaimWaitInstance(ctx, wi.ID, e.now())
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to claim wait %s: %w", wi.ID, err)
	}
	if !claimed {
		return nil
	}

	responses := make(map[string]Response, len(stored))
	anyError := false
	for id, r := range stored {
		responses[id] = Response{Data: r.Data, Error: r.Error}
		anyError = anyError || r.Error
	}

	if err := e.deliver(ctx, wi, responses, anyError); err != nil {
		if relErr := e.store.ReleaseWaitInstance(ctx, wi.ID); relErr != nil {
			e.logger.WithError(relErr).WithField("wait_id", wi.ID).Error("failed to release wait claim")
		}
		return err
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, wi *WaitInstance, responses map[string]Response, anyError bool) error {
	h, ok := e.callbackHandler(wi.Callback.Type)
	if !ok {
		return engine.NewTransientError("no handler registered for callback "+wi.Callback.Type, nil).
			WithCode(engine.ErrCodeInternal).
			WithResource(wi.ID)
	}

	logger := e.logger.WithFields(map[string]interface{}{
		"wait_id":  wi.ID,
		"callback": wi.Callback.Type,
	})

	var err error
	kind := "resume"
	if anyError {
		kind = "error"
		err = h.OnError(ctx, wi.Callback.Payload, responses)
	} else {
		err = h.OnResume(ctx, wi.Callback.Payload, responses)
	}
	if err != nil {
		logger.WithError(err).Warn("callback failed, claim released")
		return fmt.Errorf("callback %s of wait %s failed: %w", wi.Callback.Type, wi.ID, err)
	}
	e.metrics.RecordWaitDelivery(kind)
	logger.Debugf("wait delivered (%s)", kind)
	return nil
}

// Reconcile retries completion of up to limit waiting instances. It picks up
// instances whose callback failed after every response had arrived.
func (e *Engine) Reconcile(ctx context.Context, limit int) (int, error) {
	waits, err := e.store.ListWaitingInstances(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting instances: %w", err)
	}
	delivered := 0
	for _, wi := range waits {
		if err := e.tryComplete(ctx, wi); err != nil {
			e.logger.WithError(err).WithField("wait_id", wi.ID).Warn("reconcile delivery failed")
			continue
		}
		if cur, err := e.store.GetWaitInstance(ctx, wi.ID); err == nil && cur.Status == WaitStatusDone {
			delivered++
		}
	}
	return delivered, nil
}

func (e *Engine) hasCallback(t string) bool {
	_, ok := e.callbackHandler(t)
	return ok
}

func (e *Engine) callbackHandler(t string) (CallbackHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.callbacks[t]
	return h, ok
}

func (e *Engine) progressHandler(t string) (ProgressHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.progress[t]
	return h, ok
}

func (e *Engine) lockFor(waitID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(waitID))
	return &e.locks[h.Sum32()%lockStripes]
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
