// Package sdk defines the messages exchanged between the orchestration
// engine and the processes that execute steps.
//
// The engine drives steps with NodeEvents published on TopicNodeEvents. Step
// processes never write engine state directly: they publish ResponseEvents on
// TopicResponseEvents and the engine applies them. Both directions are JSON
// envelopes over an at-least-once queue, so every consumer must tolerate
// redelivery; EventID is the idempotency key.
package sdk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// Queue topics.
const (
	TopicNodeEvents     = "pms.node_events"
	TopicResponseEvents = "pms.response_events"
)

// NodeEventType is the kind of work the engine asks a step process to do.
type NodeEventType string

const (
	NodeEventFacilitate NodeEventType = "FACILITATE"
	NodeEventStart      NodeEventType = "START"
	NodeEventResume     NodeEventType = "RESUME"
	NodeEventAdvise     NodeEventType = "ADVISE"
	NodeEventProgress   NodeEventType = "PROGRESS"
)

// Validate checks the node event type.
func (t NodeEventType) Validate() error {
	switch t {
	case NodeEventFacilitate, NodeEventStart, NodeEventResume, NodeEventAdvise, NodeEventProgress:
		return nil
	default:
		return fmt.Errorf("invalid node event type: %s", t)
	}
}

// NodeEvent is an engine to SDK message about one node execution.
type NodeEvent struct {
	EventID         string           `json:"event_id"`
	Type            NodeEventType    `json:"type"`
	NodeExecutionID string           `json:"node_execution_id"`
	NotifyID        string           `json:"notify_id,omitempty"`
	Ambiance        *engine.Ambiance `json:"ambiance"`

	NodeID         string               `json:"node_id"`
	StepType       string               `json:"step_type"`
	Mode           engine.ExecutionMode `json:"mode,omitempty"`
	StepParameters json.RawMessage      `json:"step_parameters,omitempty"`
	RefObjects     []engine.RefObject   `json:"ref_objects,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`

	Facilitate *FacilitatePayload `json:"facilitate,omitempty"`
	Start      *StartPayload      `json:"start,omitempty"`
	Resume     *ResumePayload     `json:"resume,omitempty"`
	Advise     *AdvisePayload     `json:"advise,omitempty"`
	Progress   *ProgressPayload   `json:"progress,omitempty"`
}

// FacilitatePayload lists the facilitators to evaluate in order.
type FacilitatePayload struct {
	Facilitators []engine.FacilitatorObtainment `json:"facilitators"`
}

// StartPayload carries the facilitation decision into start.
type StartPayload struct {
	FacilitatorResponse engine.FacilitatorResponse `json:"facilitator_response"`
}

// ResumePayload carries the responses a suspended node waited on.
type ResumePayload struct {
	Responses map[string]engine.ResponseData `json:"responses"`

	// AsyncError is set when any waited-on id reported an error.
	AsyncError bool `json:"async_error"`

	// ExecutableResponse is the latest executable response of the node; chain
	// strategies read their link state from it.
	ExecutableResponse *engine.ExecutableResponse `json:"executable_response,omitempty"`
}

// AdvisePayload is the input of the adviser chain.
type AdvisePayload struct {
	Advisers    []engine.AdviserObtainment `json:"advisers"`
	FromStatus  engine.Status              `json:"from_status"`
	ToStatus    engine.Status              `json:"to_status"`
	FailureInfo *engine.FailureInfo        `json:"failure_info,omitempty"`
	RetryIDs    []string                   `json:"retry_ids,omitempty"`
}

// ProgressPayload carries one progress update.
type ProgressPayload struct {
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Validate checks that exactly the payload matching Type is set.
func (e *NodeEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("node event id is required")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.NodeExecutionID == "" {
		return fmt.Errorf("node event %s has no node execution id", e.EventID)
	}
	if e.Ambiance == nil {
		return fmt.Errorf("node event %s has no ambiance", e.EventID)
	}
	var ok bool
	switch e.Type {
	case NodeEventFacilitate:
		ok = e.Facilitate != nil
	case NodeEventStart:
		ok = e.Start != nil
	case NodeEventResume:
		ok = e.Resume != nil
	case NodeEventAdvise:
		ok = e.Advise != nil
	case NodeEventProgress:
		ok = e.Progress != nil
	}
	if !ok || countSet(e.Facilitate != nil, e.Start != nil, e.Resume != nil, e.Advise != nil, e.Progress != nil) != 1 {
		return fmt.Errorf("node event %s payload does not match type %s", e.EventID, e.Type)
	}
	return nil
}

// Target returns the addressing of response events published while handling
// this event.
func (e *NodeEvent) Target() *Target {
	return &Target{
		NodeExecutionID: e.NodeExecutionID,
		NotifyID:        e.NotifyID,
		Ambiance:        e.Ambiance,
		SourceEventID:   e.EventID,
	}
}

// ResponseEventType is the kind of state change a step process requests.
type ResponseEventType string

const (
	EventAddExecutableResponse    ResponseEventType = "ADD_EXECUTABLE_RESPONSE"
	EventHandleStepResponse       ResponseEventType = "HANDLE_STEP_RESPONSE"
	EventResumeNodeExecution      ResponseEventType = "RESUME_NODE_EXECUTION"
	EventHandleFacilitateResponse ResponseEventType = "HANDLE_FACILITATE_RESPONSE"
	EventHandleAdviserResponse    ResponseEventType = "HANDLE_ADVISER_RESPONSE"
	EventHandleEventError         ResponseEventType = "HANDLE_EVENT_ERROR"
	EventSpawnChild               ResponseEventType = "SPAWN_CHILD"
	EventSpawnChildren            ResponseEventType = "SPAWN_CHILDREN"
	EventQueueTask                ResponseEventType = "QUEUE_TASK"
	EventSuspendChain             ResponseEventType = "SUSPEND_CHAIN"
	EventHandleProgress           ResponseEventType = "HANDLE_PROGRESS"
)

// ResponseEventTypes lists every response event type.
func ResponseEventTypes() []ResponseEventType {
	return []ResponseEventType{
		EventAddExecutableResponse, EventHandleStepResponse, EventResumeNodeExecution,
		EventHandleFacilitateResponse, EventHandleAdviserResponse, EventHandleEventError,
		EventSpawnChild, EventSpawnChildren, EventQueueTask, EventSuspendChain, EventHandleProgress,
	}
}

// Validate checks the response event type.
func (t ResponseEventType) Validate() error {
	for _, known := range ResponseEventTypes() {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid response event type: %s", t)
}

// ResponseEvent is an SDK to engine request. Exactly the payload matching
// Type is set.
type ResponseEvent struct {
	EventID         string            `json:"event_id"`
	Type            ResponseEventType `json:"type"`
	NodeExecutionID string            `json:"node_execution_id"`
	NotifyID        string            `json:"notify_id,omitempty"`
	Ambiance        *engine.Ambiance  `json:"ambiance"`
	CreatedAt       time.Time         `json:"created_at"`

	AddExecutableResponse *AddExecutableResponseRequest `json:"add_executable_response,omitempty"`
	StepResponse          *StepResponseRequest          `json:"step_response,omitempty"`
	ResumeNodeExecution   *ResumeRequest                `json:"resume_node_execution,omitempty"`
	FacilitateResponse    *FacilitateResponseRequest    `json:"facilitate_response,omitempty"`
	AdviserResponse       *AdviserResponseRequest       `json:"adviser_response,omitempty"`
	EventError            *EventErrorRequest            `json:"event_error,omitempty"`
	SpawnChild            *SpawnChildRequest            `json:"spawn_child,omitempty"`
	SpawnChildren         *SpawnChildrenRequest         `json:"spawn_children,omitempty"`
	QueueTask             *QueueTaskRequest             `json:"queue_task,omitempty"`
	SuspendChain          *SuspendChainRequest          `json:"suspend_chain,omitempty"`
	Progress              *ProgressRequest              `json:"progress,omitempty"`
}

// AddExecutableResponseRequest records an executable response and optionally
// moves the node within the running family.
type AddExecutableResponseRequest struct {
	Status   engine.Status             `json:"status,omitempty"`
	Response engine.ExecutableResponse `json:"response"`
}

// StepResponseRequest completes a node.
type StepResponseRequest struct {
	Response engine.StepResponse `json:"response"`
}

// ResumeRequest resumes a suspended node with a response map.
type ResumeRequest struct {
	Responses  map[string]engine.ResponseData `json:"responses"`
	AsyncError bool                           `json:"async_error"`
}

// FacilitateResponseRequest carries the facilitation decision. A nil
// Response means no facilitator decided.
type FacilitateResponseRequest struct {
	Response    *engine.FacilitatorResponse `json:"response,omitempty"`
	FailureInfo *engine.FailureInfo         `json:"failure_info,omitempty"`
}

// AdviserResponseRequest carries the advisement decision. A nil Response
// means no adviser applied.
type AdviserResponseRequest struct {
	Response *engine.AdviserResponse `json:"response,omitempty"`
}

// EventErrorRequest reports a failure while handling a node event.
type EventErrorRequest struct {
	EventType   NodeEventType       `json:"event_type"`
	FailureInfo *engine.FailureInfo `json:"failure_info"`
}

// SpawnChildRequest spawns the single child of a CHILD node.
type SpawnChildRequest struct {
	ChildNodeID string `json:"child_node_id"`
}

// SpawnChildrenRequest spawns the children of a CHILDREN or CHILD_CHAIN
// node.
type SpawnChildrenRequest struct {
	Children       []engine.ChildSpec `json:"children"`
	MaxConcurrency int                `json:"max_concurrency,omitempty"`

	// ChildChain is set when a chain link spawns its next child.
	ChildChain *engine.ChildChainResponse `json:"child_chain,omitempty"`
}

// QueueTaskRequest dispatches a task. CallbackID is chosen by the caller so
// redelivery waits on the same id.
type QueueTaskRequest struct {
	Task       engine.TaskRequest `json:"task"`
	CallbackID string             `json:"callback_id"`

	// TaskChain is set when the task is a link of a task chain.
	TaskChain *engine.TaskChainResponse `json:"task_chain,omitempty"`
}

// SuspendChainRequest records a chain link that does not dispatch work and
// resumes the node with the supplied responses.
type SuspendChainRequest struct {
	Response  engine.ExecutableResponse      `json:"response"`
	Responses map[string]engine.ResponseData `json:"responses,omitempty"`
}

// ProgressRequest stores progress data on a running node.
type ProgressRequest struct {
	Data json.RawMessage `json:"data"`
}

// Validate checks the envelope and its payload.
func (e *ResponseEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("response event id is required")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.NodeExecutionID == "" {
		return fmt.Errorf("response event %s has no node execution id", e.EventID)
	}
	if countSet(e.AddExecutableResponse != nil, e.StepResponse != nil, e.ResumeNodeExecution != nil,
		e.FacilitateResponse != nil, e.AdviserResponse != nil, e.EventError != nil, e.SpawnChild != nil,
		e.SpawnChildren != nil, e.QueueTask != nil, e.SuspendChain != nil, e.Progress != nil) != 1 {
		return fmt.Errorf("response event %s must carry exactly one payload", e.EventID)
	}

	switch e.Type {
	case EventAddExecutableResponse:
		if e.AddExecutableResponse == nil {
			break
		}
		if s := e.AddExecutableResponse.Status; s != "" && !s.IsRunning() {
			return fmt.Errorf("executable response status %s is not a running status", s)
		}
		return e.AddExecutableResponse.Response.Validate()
	case EventHandleStepResponse:
		if e.StepResponse == nil {
			break
		}
		return e.StepResponse.Response.Validate()
	case EventResumeNodeExecution:
		if e.ResumeNodeExecution != nil {
			return nil
		}
	case EventHandleFacilitateResponse:
		if r := e.FacilitateResponse; r != nil {
			if r.Response != nil {
				return r.Response.ExecutionMode.Validate()
			}
			return nil
		}
	case EventHandleAdviserResponse:
		if r := e.AdviserResponse; r != nil {
			if r.Response != nil {
				return r.Response.Validate()
			}
			return nil
		}
	case EventHandleEventError:
		if r := e.EventError; r != nil {
			if r.FailureInfo == nil {
				return fmt.Errorf("event error of %s has no failure info", e.EventID)
			}
			return r.EventType.Validate()
		}
	case EventSpawnChild:
		if r := e.SpawnChild; r != nil {
			if r.ChildNodeID == "" {
				return fmt.Errorf("spawn child event %s has no child node id", e.EventID)
			}
			return nil
		}
	case EventSpawnChildren:
		if r := e.SpawnChildren; r != nil {
			for i, c := range r.Children {
				if c.ChildNodeID == "" {
					return fmt.Errorf("spawn children event %s child %d has no node id", e.EventID, i)
				}
			}
			if r.MaxConcurrency < 0 {
				return fmt.Errorf("spawn children event %s has negative max concurrency", e.EventID)
			}
			return nil
		}
	case EventQueueTask:
		if r := e.QueueTask; r != nil {
			if r.CallbackID == "" || r.Task.TaskType == "" {
				return fmt.Errorf("queue task event %s needs a task type and a callback id", e.EventID)
			}
			return nil
		}
	case EventSuspendChain:
		if r := e.SuspendChain; r != nil {
			if !r.Response.Mode.IsChain() {
				return fmt.Errorf("suspend chain event %s carries a %s response", e.EventID, r.Response.Mode)
			}
			return r.Response.Validate()
		}
	case EventHandleProgress:
		if e.Progress != nil {
			return nil
		}
	}
	return fmt.Errorf("response event %s payload does not match type %s", e.EventID, e.Type)
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
