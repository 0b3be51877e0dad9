package pms

import (
	"context"
	"fmt"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/identity"
	"github.com/openfroyo/pms/pkg/orchestrator"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/policy"
)

// StartPlan admits plan against the policies, stores it and starts a new
// execution of it.
func (e *Engine) StartPlan(ctx context.Context, plan *engine.Plan, setup map[string]string) (*engine.PlanExecution, error) {
	if err := e.admit(ctx, policy.Input{Plan: plan, Setup: setup, Operation: policy.OperationStart}); err != nil {
		return nil, err
	}
	pe, err := e.orch.StartPlan(ctx, plan, setup, "")
	if err != nil {
		return nil, err
	}
	e.logger.WithPlanExecutionID(pe.UUID).WithField("plan_id", plan.UUID).Info("plan execution started")
	return pe, nil
}

// Run starts plan and drains the engine, returning the execution as it
// stands once the process is idle.
func (e *Engine) Run(ctx context.Context, plan *engine.Plan, setup map[string]string) (*engine.PlanExecution, error) {
	pe, err := e.StartPlan(ctx, plan, setup)
	if err != nil {
		return nil, err
	}
	if err := e.Drain(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain plan execution %s: %w", pe.UUID, err)
	}
	return e.orch.PlanExecutions().Get(ctx, pe.UUID)
}

// Retry builds the retry plan of a finished plan execution and starts it
// with the original setup. Stages that succeeded become identity nodes.
func (e *Engine) Retry(ctx context.Context, planExecutionID string, opts identity.RetryOptions) (*engine.PlanExecution, error) {
	orig, err := e.orch.PlanExecutions().Get(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	plan, err := e.retries.Build(ctx, planExecutionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry plan for %s: %w", planExecutionID, err)
	}
	in := policy.Input{Plan: plan, Setup: orig.SetupAbstractions, Operation: policy.OperationRetry, RetryOf: planExecutionID}
	if err := e.admit(ctx, in); err != nil {
		return nil, err
	}
	pe, err := e.orch.StartPlan(ctx, plan, orig.SetupAbstractions, planExecutionID)
	if err != nil {
		return nil, err
	}
	e.logger.WithPlanExecutionID(pe.UUID).WithField("retry_of", planExecutionID).Info("retry started")
	return pe, nil
}

func (e *Engine) admit(ctx context.Context, in policy.Input) error {
	if e.policies == nil {
		return nil
	}
	_, err := e.policies.Admit(ctx, in)
	return err
}

// Abort aborts a running plan execution.
func (e *Engine) Abort(ctx context.Context, planExecutionID string) error {
	return e.orch.AbortPlanExecution(ctx, planExecutionID)
}

// ResolveIntervention answers a node waiting on manual intervention.
func (e *Engine) ResolveIntervention(ctx context.Context, nodeExecutionID string, decision orchestrator.InterventionDecision) error {
	return e.orch.ResolveIntervention(ctx, nodeExecutionID, decision)
}

// Report is the state of one plan execution.
type Report struct {
	PlanExecution *engine.PlanExecution   `json:"plan_execution"`
	Nodes         []*engine.NodeExecution `json:"nodes"`
	Outcomes      []*outputs.Instance     `json:"outcomes,omitempty"`
}

// Inspect returns a plan execution with every node execution, old retries
// included, in creation order.
func (e *Engine) Inspect(ctx context.Context, planExecutionID string) (*Report, error) {
	pe, err := e.orch.PlanExecutions().Get(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.orch.Nodes().ListByPlanExecution(ctx, planExecutionID, true)
	if err != nil {
		return nil, err
	}
	outcomes, err := e.outputs.ListOutcomes(ctx, planExecutionID, "")
	if err != nil {
		return nil, err
	}
	return &Report{PlanExecution: pe, Nodes: nodes, Outcomes: outcomes}, nil
}

// ListPlanExecutions returns recent plan executions, newest first.
func (e *Engine) ListPlanExecutions(ctx context.Context, limit int, statuses ...engine.Status) ([]*engine.PlanExecution, error) {
	return e.store.ListPlanExecutions(ctx, limit, statuses...)
}
