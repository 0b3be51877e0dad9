package engine

import (
	"context"
	"encoding/json"
)

// Facilitator decides how a node runs. Returning a nil response passes the
// decision to the next facilitator in the plan node's list.
type Facilitator interface {
	// Facilitate returns the execution mode for the node or nil.
	Facilitate(ctx context.Context, ambiance *Ambiance, resolvedParams, obtainmentParams json.RawMessage, inputs *StepInputPackage) (*FacilitatorResponse, error)
}

// Adviser decides what happens after a node reaches a terminal status.
type Adviser interface {
	// CanAdvise is the gate evaluated before OnAdviseEvent.
	CanAdvise(ctx context.Context, event *AdvisingEvent) bool

	// OnAdviseEvent returns the decision or nil to let the next adviser answer.
	OnAdviseEvent(ctx context.Context, event *AdvisingEvent) (*AdviserResponse, error)
}

// OutputAccess is the view of the output stores handed to steps.
type OutputAccess interface {
	// ConsumeSweepingOutput publishes a sweeping output from the step.
	ConsumeSweepingOutput(ctx context.Context, ambiance *Ambiance, name string, value json.RawMessage, group string) error

	// ResolveSweepingOutput returns the nearest visible sweeping output.
	ResolveSweepingOutput(ctx context.Context, ambiance *Ambiance, name string) (json.RawMessage, error)

	// ResolveOutcome returns the nearest visible outcome.
	ResolveOutcome(ctx context.Context, ambiance *Ambiance, name string) (json.RawMessage, error)
}

// StepContext is everything a step receives for one invocation.
type StepContext struct {
	Ambiance        *Ambiance
	NodeExecutionID string
	StepType        string
	Parameters      json.RawMessage
	Inputs          *StepInputPackage
	PassThroughData json.RawMessage
	Outputs         OutputAccess
}

// SyncExecutable is a step that completes inside start.
type SyncExecutable interface {
	ExecuteSync(ctx context.Context, sc *StepContext) (*StepResponse, error)
}

// AsyncExecutable is a step that waits on external callbacks.
type AsyncExecutable interface {
	ExecuteAsync(ctx context.Context, sc *StepContext) (*AsyncResponse, error)
	HandleAsyncResponse(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// ChildExecutable is a step that runs one child node.
type ChildExecutable interface {
	ObtainChild(ctx context.Context, sc *StepContext) (*ChildResponse, error)
	HandleChildResponse(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// ChildrenExecutable is a step that fans out to many child nodes.
type ChildrenExecutable interface {
	ObtainChildren(ctx context.Context, sc *StepContext) (*ChildrenResponse, error)
	HandleChildrenResponse(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// ChildChainExecutable is a step that runs child nodes one after another,
// deciding the next link from the previous result.
type ChildChainExecutable interface {
	ExecuteFirstChild(ctx context.Context, sc *StepContext) (*ChildChainResponse, error)
	ExecuteNextChild(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*ChildChainResponse, error)
	FinalizeExecution(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// TaskExecutable is a step that dispatches one remote task.
type TaskExecutable interface {
	ObtainTask(ctx context.Context, sc *StepContext) (*TaskRequest, error)
	HandleTaskResult(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// TaskChainLink is one link of a task chain. A link without a task and
// without ChainEnd suspends the chain until the engine resumes it.
type TaskChainLink struct {
	Task            *TaskRequest
	ChainEnd        bool
	PassThroughData json.RawMessage
}

// TaskChainExecutable is a step that dispatches a sequence of tasks.
type TaskChainExecutable interface {
	StartChainLink(ctx context.Context, sc *StepContext) (*TaskChainLink, error)
	ExecuteNextLink(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*TaskChainLink, error)
	FinalizeExecution(ctx context.Context, sc *StepContext, responses map[string]ResponseData) (*StepResponse, error)
}

// ProgressableStep accepts progress updates while suspended. The returned
// payload is stored on the node execution.
type ProgressableStep interface {
	HandleProgress(ctx context.Context, sc *StepContext, progress json.RawMessage) (json.RawMessage, error)
}

// TaskQueuer dispatches remote tasks. The executor notifies callbackID on
// the wait-notify engine when the task finishes.
type TaskQueuer interface {
	QueueTask(ctx context.Context, setup map[string]string, request *TaskRequest, callbackID string) (taskID string, err error)
}

// NodeExecutionFilter selects node executions for range queries. Empty
// fields do not constrain the result.
type NodeExecutionFilter struct {
	PlanExecutionID   string
	ParentID          string
	NodeID            string
	NotifyID          string
	PathPrefix        string
	Statuses          []Status
	IncludeOldRetries bool
}

// NodeExecutionRepository persists node executions.
type NodeExecutionRepository interface {
	// CreateNodeExecution inserts a new record with version 1.
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error

	// GetNodeExecution returns the record or a NOT_FOUND error.
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)

	// UpdateNodeExecution writes ne if its Version matches the stored one and
	// increments ne.Version. A stale version yields ErrVersionConflict.
	UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error

	// ListNodeExecutions returns matching records ordered by creation time.
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)
}

// PlanRepository persists plans and their nodes.
type PlanRepository interface {
	// SavePlan stores the plan and every node it holds.
	SavePlan(ctx context.Context, plan *Plan) error

	// GetPlan returns the plan with all nodes.
	GetPlan(ctx context.Context, id string) (*Plan, error)

	// GetPlanNode returns one node of a plan.
	GetPlanNode(ctx context.Context, planID, nodeID string) (*PlanNode, error)

	// SavePlanNodes upserts nodes into an existing plan.
	SavePlanNodes(ctx context.Context, planID string, nodes ...*PlanNode) error
}

// PlanExecutionRepository persists plan executions.
type PlanExecutionRepository interface {
	CreatePlanExecution(ctx context.Context, pe *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)

	// UpdatePlanExecution is a versioned write like UpdateNodeExecution.
	UpdatePlanExecution(ctx context.Context, pe *PlanExecution) error
}
