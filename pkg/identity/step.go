package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
)

// Step re-spawns the children of a spawning original. It runs in CHILDREN
// mode whatever the original's mode was; a chain keeps its order by
// running one child at a time.
type Step struct {
	nodes engine.NodeExecutionRepository
	plans engine.PlanRepository
}

// NewStep creates the IDENTITY_STRATEGY step.
func NewStep(nodes engine.NodeExecutionRepository, plans engine.PlanRepository) *Step {
	return &Step{nodes: nodes, plans: plans}
}

// ObtainChildren implements engine.ChildrenExecutable.
func (s *Step) ObtainChildren(ctx context.Context, sc *engine.StepContext) (*engine.ChildrenResponse, error) {
	var pt passThrough
	if err := sdk.ParseParams(sc.PassThroughData, &pt); err != nil {
		return nil, engine.NewPermanentError("invalid identity pass through data", err)
	}
	if pt.OriginalNodeExecutionID == "" {
		return nil, engine.NewPermanentError("identity step started without an original execution", nil).
			WithCode(engine.ErrCodeIdentityMatchFailed).
			WithResource(sc.NodeExecutionID)
	}

	orig, err := s.nodes.GetNodeExecution(ctx, pt.OriginalNodeExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load original execution %s: %w", pt.OriginalNodeExecutionID, err)
	}
	children, err := s.nodes.ListNodeExecutions(ctx, engine.NodeExecutionFilter{ParentID: orig.UUID})
	if err != nil {
		return nil, err
	}

	resp := &engine.ChildrenResponse{}
	for _, child := range children {
		// Later siblings are reached by replaying the first child's advice.
		if child.PreviousID != "" {
			continue
		}
		id, err := nodeFor(ctx, s.plans, sc.Ambiance.PlanID, child)
		if err != nil {
			return nil, err
		}
		spec := engine.ChildSpec{ChildNodeID: id}
		if l := child.Level(); l != nil {
			spec.StrategyMetadata = l.StrategyMetadata.Clone()
		}
		resp.Children = append(resp.Children, spec)
	}

	switch orig.Mode {
	case engine.ModeChildChain:
		resp.MaxConcurrency = 1
	case engine.ModeChildren:
		for i := len(orig.ExecutableResponses) - 1; i >= 0; i-- {
			if r := orig.ExecutableResponses[i].Children; r != nil {
				resp.MaxConcurrency = r.MaxConcurrency
				break
			}
		}
	}
	return resp, nil
}

// HandleChildrenResponse implements engine.ChildrenExecutable.
func (s *Step) HandleChildrenResponse(_ context.Context, _ *engine.StepContext, responses map[string]engine.ResponseData) (*engine.StepResponse, error) {
	children, err := sdk.ChildStatuses(responses)
	if err != nil {
		return nil, err
	}
	statuses := make([]engine.Status, len(children))
	var failed []string
	for i, c := range children {
		statuses[i] = c.Status
		if c.Status.IsFailure() {
			failed = append(failed, c.NodeID)
		}
	}

	switch engine.AggregateStatus(statuses) {
	case engine.StatusAborted:
		return &engine.StepResponse{Status: engine.StatusAborted}, nil
	case engine.StatusFailed:
		return &engine.StepResponse{
			Status: engine.StatusFailed,
			FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "CHILD_FAILED",
				"children failed: "+strings.Join(failed, ", ")),
		}, nil
	default:
		return &engine.StepResponse{Status: engine.StatusSucceeded}, nil
	}
}
