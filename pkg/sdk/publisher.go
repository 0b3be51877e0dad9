package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// eventNamespace derives response event ids from the node event that caused
// them, so a redelivered node event produces the same ids.
var eventNamespace = uuid.MustParse("5b0f7c3e-8a53-4c55-9a1e-6f3f0b1d2c4a")

// Target addresses the response events published while handling one node
// event. It is not safe for concurrent use.
type Target struct {
	NodeExecutionID string
	NotifyID        string
	Ambiance        *engine.Ambiance

	// SourceEventID is the node event being handled; empty for events not
	// caused by a node event.
	SourceEventID string

	seq int
}

// NewTarget addresses a node execution outside of node event handling.
func NewTarget(ambiance *engine.Ambiance) *Target {
	return &Target{NodeExecutionID: ambiance.CurrentRuntimeID(), Ambiance: ambiance}
}

func (t *Target) nextEventID(eventType ResponseEventType) string {
	if t.SourceEventID == "" {
		return uuid.New().String()
	}
	t.seq++
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%s/%d", t.SourceEventID, eventType, t.seq))).String()
}

// NodeExecutionService is the SDK side API for requesting node execution
// state changes. Every method publishes one response event.
type NodeExecutionService struct {
	producer queue.Producer
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewNodeExecutionService creates a publisher over producer.
func NewNodeExecutionService(producer queue.Producer, logger *telemetry.Logger, metrics *telemetry.Metrics) *NodeExecutionService {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &NodeExecutionService{
		producer: producer,
		logger:   logger.NewComponentLogger("sdk"),
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *NodeExecutionService) publish(ctx context.Context, t *Target, ev *ResponseEvent) error {
	ev.EventID = t.nextEventID(ev.Type)
	ev.NodeExecutionID = t.NodeExecutionID
	ev.NotifyID = t.NotifyID
	ev.Ambiance = t.Ambiance
	ev.CreatedAt = s.now()

	payload, err := EncodeResponseEvent(ev)
	if err != nil {
		return engine.NewPermanentError("cannot encode "+string(ev.Type), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(t.NodeExecutionID)
	}
	if err := s.producer.Publish(ctx, TopicResponseEvents, payload); err != nil {
		s.metrics.RecordSdkEvent(string(ev.Type), "publish_failed")
		return fmt.Errorf("failed to publish %s for %s: %w", ev.Type, t.NodeExecutionID, err)
	}
	s.metrics.RecordSdkEvent(string(ev.Type), "published")
	s.logger.WithFields(map[string]interface{}{
		"event_type":        ev.Type,
		"event_id":          ev.EventID,
		"node_execution_id": t.NodeExecutionID,
	}).Debug("response event published")
	return nil
}

// AddExecutableResponse records resp and moves the node to status when one
// is given.
func (s *NodeExecutionService) AddExecutableResponse(ctx context.Context, t *Target, status engine.Status, resp engine.ExecutableResponse) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:                  EventAddExecutableResponse,
		AddExecutableResponse: &AddExecutableResponseRequest{Status: status, Response: resp},
	})
}

// HandleStepResponse completes the node.
func (s *NodeExecutionService) HandleStepResponse(ctx context.Context, t *Target, resp *engine.StepResponse) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:         EventHandleStepResponse,
		StepResponse: &StepResponseRequest{Response: *resp},
	})
}

// ResumeNodeExecution resumes the node with responses.
func (s *NodeExecutionService) ResumeNodeExecution(ctx context.Context, t *Target, responses map[string]engine.ResponseData, asyncError bool) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:                EventResumeNodeExecution,
		ResumeNodeExecution: &ResumeRequest{Responses: responses, AsyncError: asyncError},
	})
}

// HandleFacilitateResponse delivers the facilitation decision. resp is nil
// when no facilitator decided.
func (s *NodeExecutionService) HandleFacilitateResponse(ctx context.Context, t *Target, resp *engine.FacilitatorResponse, failure *engine.FailureInfo) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:               EventHandleFacilitateResponse,
		FacilitateResponse: &FacilitateResponseRequest{Response: resp, FailureInfo: failure},
	})
}

// HandleAdviserResponse delivers the advisement decision. resp is nil when
// no adviser applied.
func (s *NodeExecutionService) HandleAdviserResponse(ctx context.Context, t *Target, resp *engine.AdviserResponse) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:            EventHandleAdviserResponse,
		AdviserResponse: &AdviserResponseRequest{Response: resp},
	})
}

// HandleEventError reports a failure while handling a node event.
func (s *NodeExecutionService) HandleEventError(ctx context.Context, t *Target, eventType NodeEventType, failure *engine.FailureInfo) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:       EventHandleEventError,
		EventError: &EventErrorRequest{EventType: eventType, FailureInfo: failure},
	})
}

// SpawnChild spawns the child of a CHILD node.
func (s *NodeExecutionService) SpawnChild(ctx context.Context, t *Target, childNodeID string) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:       EventSpawnChild,
		SpawnChild: &SpawnChildRequest{ChildNodeID: childNodeID},
	})
}

// SpawnChildren spawns children of a CHILDREN node, or the next link of a
// child chain when chain is set.
func (s *NodeExecutionService) SpawnChildren(ctx context.Context, t *Target, children []engine.ChildSpec, maxConcurrency int, chain *engine.ChildChainResponse) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type: EventSpawnChildren,
		SpawnChildren: &SpawnChildrenRequest{
			Children:       children,
			MaxConcurrency: maxConcurrency,
			ChildChain:     chain,
		},
	})
}

// QueueTask dispatches task and suspends the node on callbackID.
func (s *NodeExecutionService) QueueTask(ctx context.Context, t *Target, task engine.TaskRequest, callbackID string, chain *engine.TaskChainResponse) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:      EventQueueTask,
		QueueTask: &QueueTaskRequest{Task: task, CallbackID: callbackID, TaskChain: chain},
	})
}

// SuspendChain records a chain link and resumes the node with responses.
func (s *NodeExecutionService) SuspendChain(ctx context.Context, t *Target, resp engine.ExecutableResponse, responses map[string]engine.ResponseData) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:         EventSuspendChain,
		SuspendChain: &SuspendChainRequest{Response: resp, Responses: responses},
	})
}

// HandleProgress stores progress data on the node.
func (s *NodeExecutionService) HandleProgress(ctx context.Context, t *Target, data json.RawMessage) error {
	return s.publish(ctx, t, &ResponseEvent{
		Type:     EventHandleProgress,
		Progress: &ProgressRequest{Data: data},
	})
}

// NodeEventPublisher is the engine side publisher of node events.
type NodeEventPublisher struct {
	producer queue.Producer
	now      func() time.Time
}

// NewNodeEventPublisher creates a publisher over producer.
func NewNodeEventPublisher(producer queue.Producer) *NodeEventPublisher {
	return &NodeEventPublisher{producer: producer, now: time.Now}
}

// Publish assigns an event id when missing and publishes ev, visible after
// delay.
func (p *NodeEventPublisher) Publish(ctx context.Context, ev *NodeEvent, delay time.Duration) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.now()
	}
	payload, err := EncodeNodeEvent(ev)
	if err != nil {
		return engine.NewPermanentError("cannot encode "+string(ev.Type), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(ev.NodeExecutionID)
	}
	var opts []queue.PublishOption
	if delay > 0 {
		opts = append(opts, queue.WithDelay(delay))
	}
	if err := p.producer.Publish(ctx, TopicNodeEvents, payload, opts...); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", ev.Type, ev.NodeExecutionID, err)
	}
	return nil
}
