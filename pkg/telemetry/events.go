package telemetry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a status update delivered to observers of plan and node
// executions.
type Event struct {
	ID              string                 `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	Type            string                 `json:"type"`
	PlanExecutionID string                 `json:"plan_execution_id,omitempty"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	NodeID          string                 `json:"node_id,omitempty"`
	Message         string                 `json:"message"`
	Level           string                 `json:"level"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypePlanExecutionStarted = "plan_execution.started"
	EventTypePlanExecutionEnded   = "plan_execution.ended"
	EventTypeNodeStatusUpdated    = "node.status_updated"
	EventTypeNodeAdvised          = "node.advised"
	EventTypeInterventionWaiting  = "node.intervention_waiting"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives events. An async publisher calls it on a new
// goroutine per event; a synchronous one calls it from Publish.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans status events out to subscribers. With EnableAsync,
// events are buffered and delivered in batches by a background goroutine;
// a full buffer drops the event and Publish reports it.
type EventPublisher struct {
	cfg    EventsConfig
	buffer chan Event
	done   chan struct{}
	stop   context.CancelFunc
	ctx    context.Context

	mu   sync.RWMutex
	subs []subscription
}

// NewEventPublisher creates a publisher. A disabled config yields a
// publisher that drops everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.ctx, ep.stop = context.WithCancel(context.Background())
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// Publish stamps and delivers event. A nil or disabled publisher drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.cfg.EnableAsync {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s event", event.Type)
	}
}

func (ep *EventPublisher) PublishPlanExecutionStarted(planExecutionID, planID string) error {
	return ep.Publish(Event{
		Type:            EventTypePlanExecutionStarted,
		PlanExecutionID: planExecutionID,
		Message:         fmt.Sprintf("Plan execution %s of plan %s started", planExecutionID, planID),
		Level:           EventLevelInfo,
		Data:            map[string]interface{}{"plan_id": planID},
	})
}

func (ep *EventPublisher) PublishPlanExecutionEnded(planExecutionID, status string, duration time.Duration) error {
	level := EventLevelError
	if slices.Contains(positiveStatuses, status) {
		level = EventLevelInfo
	}
	return ep.Publish(Event{
		Type:            EventTypePlanExecutionEnded,
		PlanExecutionID: planExecutionID,
		Message:         fmt.Sprintf("Plan execution %s ended with status %s", planExecutionID, status),
		Level:           level,
		Data:            map[string]interface{}{"status": status, "duration": duration.Seconds()},
	})
}

// PublishNodeStatusUpdate publishes a node execution status transition.
func (ep *EventPublisher) PublishNodeStatusUpdate(planExecutionID, nodeExecutionID, nodeID, from, to string) error {
	level := EventLevelInfo
	switch {
	case to == "ABORTED":
		level = EventLevelWarning
	case slices.Contains(failedStatuses, to):
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:            EventTypeNodeStatusUpdated,
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		NodeID:          nodeID,
		Message:         fmt.Sprintf("Node execution %s moved from %s to %s", nodeExecutionID, from, to),
		Level:           level,
		Data:            map[string]interface{}{"from": from, "to": to},
	})
}

// PublishNodeAdvised publishes the adviser decision applied to a node. An
// INTERVENTION_WAIT decision is published as an intervention waiting event.
func (ep *EventPublisher) PublishNodeAdvised(planExecutionID, nodeExecutionID, nodeID, adviseType string) error {
	ev := Event{
		Type:            EventTypeNodeAdvised,
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		NodeID:          nodeID,
		Message:         fmt.Sprintf("Node execution %s advised %s", nodeExecutionID, adviseType),
		Level:           EventLevelInfo,
		Data:            map[string]interface{}{"advise_type": adviseType},
	}
	if adviseType == "INTERVENTION_WAIT" {
		ev.Type = EventTypeInterventionWaiting
		ev.Level = EventLevelWarning
	}
	return ep.Publish(ev)
}

var (
	positiveStatuses = []string{"SUCCESS", "SKIPPED", "IGNORE_FAILED"}
	failedStatuses   = []string{"FAILED", "ERRORED", "TIMED_OUT", "FACILITATION_FAILED"}
)

func (ep *EventPublisher) run() {
	defer close(ep.done)

	interval := ep.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		for _, ev := range batch {
			ep.deliver(ev)
		}
		batch = batch[:0]
	}
	for {
		select {
		case ev := <-ep.buffer:
			batch = append(batch, ev)
			if len(batch) >= max(ep.cfg.MaxBatchSize, 1) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case ev := <-ep.buffer:
					batch = append(batch, ev)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		if ep.cfg.EnableAsync {
			go s.fn(event)
		} else {
			s.fn(event)
		}
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	ep.stop()
	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool { return slices.Contains(types, event.Type) }
}

// FilterByPlanExecutionID accepts events of one plan execution.
func FilterByPlanExecutionID(planExecutionID string) EventFilter {
	return func(event Event) bool { return event.PlanExecutionID == planExecutionID }
}
