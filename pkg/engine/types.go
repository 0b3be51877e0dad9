package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// NodeExecution is the persisted state machine instance of one execution
// attempt of a plan node.
type NodeExecution struct {
	// UUID is the node execution id; it is also the runtime id of the
	// current ambiance level.
	UUID string `json:"uuid"`

	// Ambiance is the position of the execution in the plan execution tree.
	Ambiance *Ambiance `json:"ambiance"`

	// NodeID is the plan node this execution runs.
	NodeID string `json:"node_id"`

	// Kind is PLAN for real nodes and IDENTITY for retry proxies.
	Kind NodeKind `json:"kind"`

	// Identifier is the user facing identifier of the plan node.
	Identifier string `json:"identifier"`

	// Name is the display name of the plan node.
	Name string `json:"name,omitempty"`

	// Group is the structural tier of the plan node.
	Group string `json:"group,omitempty"`

	// StepType is the step implementation type.
	StepType string `json:"step_type"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// Mode is fixed by facilitation and selects the execute strategy.
	Mode ExecutionMode `json:"mode,omitempty"`

	// ExecutableResponses records every executable response in order.
	ExecutableResponses []ExecutableResponse `json:"executable_responses,omitempty"`

	// AdviserResponse is the advisement decision applied to this execution.
	AdviserResponse *AdviserResponse `json:"adviser_response,omitempty"`

	// FailureInfo describes a failed terminal status.
	FailureInfo *FailureInfo `json:"failure_info,omitempty"`

	// NotifyID is the correlation id the parent waits on.
	NotifyID string `json:"notify_id,omitempty"`

	// ParentID is the node execution that spawned this one.
	ParentID string `json:"parent_id,omitempty"`

	// PreviousID is the sibling that ran before this one.
	PreviousID string `json:"previous_id,omitempty"`

	// NextID is the sibling started after this one.
	NextID string `json:"next_id,omitempty"`

	// OriginalNodeExecutionID is set on identity and cloned executions.
	OriginalNodeExecutionID string `json:"original_node_execution_id,omitempty"`

	// RetryIDs lists the executions this one supersedes, oldest first.
	RetryIDs []string `json:"retry_ids,omitempty"`

	// OldRetry marks an execution superseded by a retry.
	OldRetry bool `json:"old_retry"`

	// InterruptHistories records interrupts that took effect.
	InterruptHistories []InterruptEffect `json:"interrupt_histories,omitempty"`

	// ResolvedParameters is the step parameter payload.
	ResolvedParameters json.RawMessage `json:"resolved_parameters,omitempty"`

	// ProgressData is the latest non-terminal progress payload.
	ProgressData json.RawMessage `json:"progress_data,omitempty"`

	// Deferred marks a child held back by max concurrency.
	Deferred bool `json:"deferred,omitempty"`

	// StartTs is when the execution moved to RUNNING.
	StartTs *time.Time `json:"start_ts,omitempty"`

	// EndTs is when the execution reached a terminal status.
	EndTs *time.Time `json:"end_ts,omitempty"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// LastUpdatedAt is when the record was last written.
	LastUpdatedAt time.Time `json:"last_updated_at"`

	// Version is the optimistic concurrency token.
	Version int64 `json:"version"`
}

// Validate checks the node execution for structural errors.
func (n *NodeExecution) Validate() error {
	if n.UUID == "" {
		return fmt.Errorf("node execution uuid is required")
	}
	if n.NodeID == "" {
		return fmt.Errorf("node execution %s has no node id", n.UUID)
	}
	if err := n.Ambiance.Validate(); err != nil {
		return fmt.Errorf("node execution %s: %w", n.UUID, err)
	}
	if n.Ambiance.CurrentRuntimeID() != n.UUID {
		return fmt.Errorf("node execution %s does not own the current ambiance level", n.UUID)
	}
	if err := n.Status.Validate(); err != nil {
		return err
	}
	if n.Status == StatusIgnoreFailed {
		return fmt.Errorf("status %s cannot be persisted", n.Status)
	}
	if n.Mode != "" {
		if err := n.Mode.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PlanExecutionID returns the plan execution of the node.
func (n *NodeExecution) PlanExecutionID() string {
	return n.Ambiance.PlanExecutionID
}

// IsIdentity reports whether the execution proxies an earlier one.
func (n *NodeExecution) IsIdentity() bool {
	return n.Kind == NodeKindIdentity
}

// OutcomeStatus returns the status the parent observes, taking mark and
// ignore advisements into account.
func (n *NodeExecution) OutcomeStatus() Status {
	if n.AdviserResponse == nil {
		return n.Status
	}
	switch n.AdviserResponse.Type {
	case AdviseMarkSuccess:
		return StatusSucceeded
	case AdviseIgnoreFailure:
		return StatusIgnoreFailed
	case AdviseMarkFailure:
		return StatusFailed
	default:
		return n.Status
	}
}

// LatestExecutableResponse returns the last recorded executable response.
func (n *NodeExecution) LatestExecutableResponse() *ExecutableResponse {
	if len(n.ExecutableResponses) == 0 {
		return nil
	}
	return &n.ExecutableResponses[len(n.ExecutableResponses)-1]
}

// HasExecutableResponseFor reports whether an executable response recorded
// by the given event is already present.
func (n *NodeExecution) HasExecutableResponseFor(eventID string) bool {
	if eventID == "" {
		return false
	}
	return slices.ContainsFunc(n.ExecutableResponses, func(r ExecutableResponse) bool {
		return r.EventID == eventID
	})
}

// Level returns the ambiance level owned by the execution.
func (n *NodeExecution) Level() *Level {
	return n.Ambiance.CurrentLevel()
}

// ExecutableResponse records how a node was executed. Exactly the variant
// matching Mode is set.
type ExecutableResponse struct {
	// Mode selects the variant.
	Mode ExecutionMode `json:"mode"`

	// EventID is the SDK event that recorded the response.
	EventID string `json:"event_id,omitempty"`

	Sync       *SyncResponse       `json:"sync,omitempty"`
	Async      *AsyncResponse      `json:"async,omitempty"`
	Child      *ChildResponse      `json:"child,omitempty"`
	Children   *ChildrenResponse   `json:"children,omitempty"`
	ChildChain *ChildChainResponse `json:"child_chain,omitempty"`
	Task       *TaskResponse       `json:"task,omitempty"`
	TaskChain  *TaskChainResponse  `json:"task_chain,omitempty"`
}

// SyncResponse records a synchronous execution.
type SyncResponse struct {
	LogKeys []string `json:"log_keys,omitempty"`
}

// AsyncResponse records the callbacks an async step waits on.
type AsyncResponse struct {
	CallbackIDs []string      `json:"callback_ids"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	LogKeys     []string      `json:"log_keys,omitempty"`
}

// ChildResponse records the single child a node spawned.
type ChildResponse struct {
	ChildNodeID string `json:"child_node_id"`
}

// ChildSpec describes one child of a CHILDREN node.
type ChildSpec struct {
	ChildNodeID      string            `json:"child_node_id"`
	StrategyMetadata *StrategyMetadata `json:"strategy_metadata,omitempty"`
}

// ChildrenResponse records the children a node spawned.
type ChildrenResponse struct {
	Children []ChildSpec `json:"children"`

	// MaxConcurrency bounds how many children run at once; zero is unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// ChildChainResponse records one link of a child chain.
type ChildChainResponse struct {
	NextChildID     string          `json:"next_child_id,omitempty"`
	PreviousChildID string          `json:"previous_child_id,omitempty"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
	LastLink        bool            `json:"last_link"`
	Suspend         bool            `json:"suspend"`
}

// TaskResponse records a queued task.
type TaskResponse struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskType string `json:"task_type"`
}

// TaskChainResponse records one link of a task chain.
type TaskChainResponse struct {
	TaskID          string          `json:"task_id,omitempty"`
	TaskType        string          `json:"task_type,omitempty"`
	ChainEnd        bool            `json:"chain_end"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
}

// Validate checks that exactly the variant matching Mode is set.
func (r *ExecutableResponse) Validate() error {
	if err := r.Mode.Validate(); err != nil {
		return err
	}
	set := 0
	for _, ok := range []bool{r.Sync != nil, r.Async != nil, r.Child != nil, r.Children != nil,
		r.ChildChain != nil, r.Task != nil, r.TaskChain != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("executable response must set exactly one variant, got %d", set)
	}
	var ok bool
	switch r.Mode {
	case ModeSync:
		ok = r.Sync != nil
	case ModeAsync:
		ok = r.Async != nil && len(r.Async.CallbackIDs) > 0
	case ModeChild:
		ok = r.Child != nil && r.Child.ChildNodeID != ""
	case ModeChildren:
		ok = r.Children != nil
	case ModeChildChain:
		ok = r.ChildChain != nil
	case ModeTask:
		ok = r.Task != nil
	case ModeTaskChain:
		ok = r.TaskChain != nil
	}
	if !ok {
		return fmt.Errorf("executable response variant does not match mode %s", r.Mode)
	}
	return nil
}

// StepOutcome is an outcome a step publishes with its response.
type StepOutcome struct {
	Name    string          `json:"name"`
	Group   string          `json:"group,omitempty"`
	Outcome json.RawMessage `json:"outcome"`
}

// StepResponse is the terminal result of a step.
type StepResponse struct {
	Status       Status        `json:"status"`
	FailureInfo  *FailureInfo  `json:"failure_info,omitempty"`
	StepOutcomes []StepOutcome `json:"step_outcomes,omitempty"`
}

// Validate checks the step response.
func (r *StepResponse) Validate() error {
	if err := r.Status.Validate(); err != nil {
		return err
	}
	if !r.Status.IsTerminal() || r.Status == StatusIgnoreFailed {
		return fmt.Errorf("step response status %s is not a terminal status", r.Status)
	}
	return nil
}

// FailureData is one structured failure entry.
type FailureData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// FailureInfo describes why an execution failed.
type FailureInfo struct {
	ErrorMessage string        `json:"error_message"`
	FailureTypes []FailureType `json:"failure_types,omitempty"`
	FailureData  []FailureData `json:"failure_data,omitempty"`
}

// NewFailureInfo builds failure info with a single typed entry.
func NewFailureInfo(failureType FailureType, code, message string) *FailureInfo {
	return &FailureInfo{
		ErrorMessage: message,
		FailureTypes: []FailureType{failureType},
		FailureData:  []FailureData{{Code: code, Message: message, Level: "Error"}},
	}
}

// HasFailureType reports whether any of the given types is present.
func (f *FailureInfo) HasFailureType(types ...FailureType) bool {
	if f == nil {
		return false
	}
	for _, t := range types {
		if slices.Contains(f.FailureTypes, t) {
			return true
		}
	}
	return false
}

// FacilitatorResponse is the decision of a facilitator.
type FacilitatorResponse struct {
	ExecutionMode   ExecutionMode   `json:"execution_mode"`
	InitialWait     time.Duration   `json:"initial_wait,omitempty"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
}

// AdviserResponse is the decision of an adviser. Exactly the variant
// matching Type is set; UNKNOWN carries no variant.
type AdviserResponse struct {
	Type AdviseType `json:"type"`

	Retry            *RetryAdvise            `json:"retry,omitempty"`
	MarkSuccess      *NextNodeAdvise         `json:"mark_success,omitempty"`
	IgnoreFailure    *NextNodeAdvise         `json:"ignore_failure,omitempty"`
	MarkFailure      *NextNodeAdvise         `json:"mark_failure,omitempty"`
	InterventionWait *InterventionWaitAdvise `json:"intervention_wait,omitempty"`
	NextStep         *NextNodeAdvise         `json:"next_step,omitempty"`
	EndPlan          *EndPlanAdvise          `json:"end_plan,omitempty"`
}

// RetryAdvise asks for a fresh execution of the node.
type RetryAdvise struct {
	WaitInterval time.Duration `json:"wait_interval,omitempty"`
	RetryCount   int           `json:"retry_count,omitempty"`
}

// NextNodeAdvise optionally names the sibling to run next.
type NextNodeAdvise struct {
	NextNodeID string `json:"next_node_id,omitempty"`
}

// InterventionWaitAdvise parks the node until a manual decision arrives.
type InterventionWaitAdvise struct {
	Timeout          time.Duration `json:"timeout,omitempty"`
	RepairActionCode AdviseType    `json:"repair_action_code,omitempty"`
}

// EndPlanAdvise ends the plan execution.
type EndPlanAdvise struct {
	Abort bool `json:"abort"`
}

// NextNodeID returns the sibling a response continues with, if any.
func (r *AdviserResponse) NextNodeID() string {
	var v *NextNodeAdvise
	switch r.Type {
	case AdviseNextStep:
		v = r.NextStep
	case AdviseMarkSuccess:
		v = r.MarkSuccess
	case AdviseIgnoreFailure:
		v = r.IgnoreFailure
	case AdviseMarkFailure:
		v = r.MarkFailure
	}
	if v == nil {
		return ""
	}
	return v.NextNodeID
}

// Validate checks that the variant matches the type.
func (r *AdviserResponse) Validate() error {
	if err := r.Type.Validate(); err != nil {
		return err
	}
	var ok bool
	switch r.Type {
	case AdviseRetry:
		ok = r.Retry != nil
	case AdviseMarkSuccess:
		ok = r.MarkSuccess != nil
	case AdviseIgnoreFailure:
		ok = r.IgnoreFailure != nil
	case AdviseMarkFailure:
		ok = r.MarkFailure != nil
	case AdviseInterventionWait:
		ok = r.InterventionWait != nil
	case AdviseNextStep:
		ok = r.NextStep != nil && r.NextStep.NextNodeID != ""
	case AdviseEndPlan:
		ok = r.EndPlan != nil
	case AdviseUnknown:
		ok = true
	}
	if !ok {
		return fmt.Errorf("adviser response variant does not match type %s", r.Type)
	}
	return nil
}

// NewAdviserResponse builds a response of the given type with an empty
// variant, used to apply manual decisions.
func NewAdviserResponse(t AdviseType, nextNodeID string) *AdviserResponse {
	r := &AdviserResponse{Type: t}
	switch t {
	case AdviseRetry:
		r.Retry = &RetryAdvise{}
	case AdviseMarkSuccess:
		r.MarkSuccess = &NextNodeAdvise{NextNodeID: nextNodeID}
	case AdviseIgnoreFailure:
		r.IgnoreFailure = &NextNodeAdvise{NextNodeID: nextNodeID}
	case AdviseMarkFailure:
		r.MarkFailure = &NextNodeAdvise{NextNodeID: nextNodeID}
	case AdviseNextStep:
		r.NextStep = &NextNodeAdvise{NextNodeID: nextNodeID}
	case AdviseInterventionWait:
		r.InterventionWait = &InterventionWaitAdvise{}
	case AdviseEndPlan:
		r.EndPlan = &EndPlanAdvise{}
	}
	return r
}

// AdvisingEvent is the input of the adviser chain.
type AdvisingEvent struct {
	Ambiance          *Ambiance       `json:"ambiance"`
	NodeExecutionID   string          `json:"node_execution_id"`
	FromStatus        Status          `json:"from_status"`
	ToStatus          Status          `json:"to_status"`
	FailureInfo       *FailureInfo    `json:"failure_info,omitempty"`
	AdviserParameters json.RawMessage `json:"adviser_parameters,omitempty"`
	StepParameters    json.RawMessage `json:"step_parameters,omitempty"`
	RetryIDs          []string        `json:"retry_ids,omitempty"`
}

// InterruptEffect records an interrupt that took effect on an execution.
type InterruptEffect struct {
	InterruptID  string        `json:"interrupt_id"`
	Type         InterruptType `json:"type"`
	TookEffectAt time.Time     `json:"took_effect_at"`

	// RetryID names the execution a retry interrupt created.
	RetryID string `json:"retry_id,omitempty"`
}

// Interrupt is recorded against a plan execution and observed by node
// executions at their next transition point.
type Interrupt struct {
	UUID      string        `json:"uuid"`
	Type      InterruptType `json:"type"`
	CreatedAt time.Time     `json:"created_at"`
}

// ResponseData is one entry of a resume response map.
type ResponseData struct {
	// Data is the success payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Error is set when the producer reported an async error.
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the payload of an async error notification.
type ErrorResponse struct {
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failure_types,omitempty"`
}

// ChildStatusData is the notification a child sends its parent when it ends.
type ChildStatusData struct {
	NodeExecutionID string `json:"node_execution_id"`
	NodeID          string `json:"node_id"`
	Status          Status `json:"status"`
}

// StepInputPackage carries resolved ref object values into steps and
// facilitators.
type StepInputPackage struct {
	Inputs map[string]json.RawMessage `json:"inputs,omitempty"`
}

// TaskRequest describes work dispatched to a remote task executor.
type TaskRequest struct {
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
}
