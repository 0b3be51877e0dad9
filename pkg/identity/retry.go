package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/orchestrator"
)

// RetryOptions control which nodes a retry plan re-runs.
type RetryOptions struct {
	// Group is the tier at which succeeded nodes are replaced by identity
	// nodes. Defaults to STAGE.
	Group string

	// Rerun lists identifiers that run again even if they succeeded.
	Rerun []string

	// PlanID names the retry plan. Derived from the original when empty.
	PlanID string
}

// RetryPlanBuilder builds the plan that retries a finished plan execution.
type RetryPlanBuilder struct {
	plans          engine.PlanRepository
	planExecutions engine.PlanExecutionRepository
	nodes          engine.NodeExecutionRepository
}

// NewRetryPlanBuilder creates a builder over the given repositories.
func NewRetryPlanBuilder(plans engine.PlanRepository, planExecutions engine.PlanExecutionRepository, nodes engine.NodeExecutionRepository) *RetryPlanBuilder {
	return &RetryPlanBuilder{plans: plans, planExecutions: planExecutions, nodes: nodes}
}

// Build copies the plan of planExecutionID, replacing every node of the
// group whose executions all succeeded by an identity node with the same
// id. The plan is saved before it is returned.
func (b *RetryPlanBuilder) Build(ctx context.Context, planExecutionID string, opts RetryOptions) (*engine.Plan, error) {
	pe, err := b.planExecutions.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	if !pe.Status.IsTerminal() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plan execution %s is %s; only finished executions can be retried", pe.UUID, pe.Status), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(pe.UUID)
	}
	src, err := b.plans.GetPlan(ctx, pe.PlanID)
	if err != nil {
		return nil, err
	}

	group := opts.Group
	if group == "" {
		group = engine.GroupStage
	}
	plan := &engine.Plan{
		UUID:           opts.PlanID,
		StartingNodeID: src.StartingNodeID,
		Nodes:          make([]*engine.PlanNode, 0, len(src.Nodes)),
	}
	if plan.UUID == "" {
		plan.UUID = orchestrator.DeriveID(src.UUID, "retry", pe.UUID)
	}

	for _, n := range src.Nodes {
		node, err := copyNode(n)
		if err != nil {
			return nil, err
		}
		if n.Group == group && !slices.Contains(opts.Rerun, n.Identifier) {
			orig, err := b.reusable(ctx, pe.UUID, n.UUID)
			if err != nil {
				return nil, err
			}
			if orig != nil {
				node.Kind = engine.NodeKindIdentity
				node.OriginalNodeExecutionID = orig.UUID
				node.Facilitators = nil
			}
		}
		plan.Nodes = append(plan.Nodes, node)
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry plan: %w", err)
	}
	if err := b.plans.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save retry plan: %w", err)
	}
	return plan, nil
}

// reusable returns the latest execution of nodeID when every execution of
// it ended positive, nil otherwise.
func (b *RetryPlanBuilder) reusable(ctx context.Context, planExecutionID, nodeID string) (*engine.NodeExecution, error) {
	execs, err := b.nodes.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		NodeID:          nodeID,
	})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	for _, ne := range execs {
		if !ne.OutcomeStatus().IsPositive() {
			return nil, nil
		}
	}
	return execs[len(execs)-1], nil
}

func copyNode(n *engine.PlanNode) (*engine.PlanNode, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to copy plan node %s: %w", n.UUID, err)
	}
	var c engine.PlanNode
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to copy plan node %s: %w", n.UUID, err)
	}
	return &c, nil
}
