package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/orchestrator"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// StepType is the step type identity nodes of spawning originals run.
const StepType = "IDENTITY_STRATEGY"

// passThrough is handed from the node strategy to the identity step.
type passThrough struct {
	OriginalNodeExecutionID string `json:"original_node_execution_id"`
}

// NodeStrategy starts and advises IDENTITY nodes.
type NodeStrategy struct {
	o      *orchestrator.Orchestrator
	logger *telemetry.Logger
}

// NewNodeStrategy creates the strategy for o.
func NewNodeStrategy(o *orchestrator.Orchestrator) *NodeStrategy {
	return &NodeStrategy{
		o:      o,
		logger: o.Telemetry().Logger.NewComponentLogger("identity"),
	}
}

// Start implements orchestrator.NodeStrategy.
func (s *NodeStrategy) Start(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, _ time.Duration) error {
	tel := s.o.Telemetry()
	ctx, span := tel.Tracer.StartNodeSpan(ctx, "identity_start", ne.PlanExecutionID(), ne.UUID, ne.StepType)
	defer span.End()

	err := s.start(ctx, ne, node)
	if err != nil {
		telemetry.RecordError(span, err)
		if engine.IsRetryable(err) || errors.Is(err, context.Canceled) {
			return err
		}
		return s.fail(ctx, ne, err)
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (s *NodeStrategy) start(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode) error {
	orig, err := s.matchOriginal(ctx, ne, node)
	if err != nil {
		return err
	}
	retryIDs, err := s.cloneRetryChain(ctx, ne, orig)
	if err != nil {
		return err
	}

	spawning := orig.Status != engine.StatusSkipped && orig.Mode.IsSpawning()
	claimed, applied, err := s.o.Nodes().UpdateStatus(ctx, ne.UUID, engine.StatusRunning,
		[]engine.Status{engine.StatusQueued}, func(n *engine.NodeExecution) {
			n.OriginalNodeExecutionID = orig.UUID
			n.RetryIDs = retryIDs
			n.InterruptHistories = rewriteInterrupts(orig.InterruptHistories, idMapping(orig, ne.UUID, retryIDs))
			if spawning {
				n.Mode = engine.ModeChildren
				n.StepType = StepType
				return
			}
			n.Mode = orig.Mode
			n.ExecutableResponses = slices.Clone(orig.ExecutableResponses)
		})
	if err != nil {
		return err
	}
	if !applied && claimed.Status != engine.StatusRunning {
		return nil
	}

	if _, err := s.o.Outputs().CloneForRetryExecution(ctx, claimed.Ambiance, orig.UUID); err != nil {
		return err
	}
	s.o.Telemetry().Metrics.RecordIdentityClone(string(orig.Mode))
	logger := s.logger.WithNodeExecution(claimed.PlanExecutionID(), claimed.UUID, claimed.NodeID).
		WithFields(map[string]interface{}{"original": orig.UUID, "mode": orig.Mode})

	if !spawning {
		logger.Debug("identity node cloned")
		return s.o.CompleteNode(ctx, claimed.UUID, orig.Status, orig.FailureInfo, []engine.Status{engine.StatusRunning})
	}

	data, err := json.Marshal(passThrough{OriginalNodeExecutionID: orig.UUID})
	if err != nil {
		return err
	}
	logger.Debug("identity node spawning")
	return s.o.PublishStart(ctx, claimed, node, engine.FacilitatorResponse{
		ExecutionMode:   engine.ModeChildren,
		PassThroughData: data,
	})
}

// matchOriginal finds the execution ne proxies. Under a looping strategy
// the original plan execution holds one execution of the node per
// instance; exactly one of them must match ne's strategy stack.
func (s *NodeStrategy) matchOriginal(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode) (*engine.NodeExecution, error) {
	base, err := s.o.Nodes().Get(ctx, node.OriginalNodeExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load original execution %s: %w", node.OriginalNodeExecutionID, err)
	}
	candidates, err := s.o.Nodes().ListByNode(ctx, base.PlanExecutionID(), base.NodeID)
	if err != nil {
		return nil, err
	}
	if !ne.Ambiance.HasStrategyMetadata() && len(candidates) <= 1 {
		return base, nil
	}

	var matched []*engine.NodeExecution
	for _, c := range candidates {
		if c.Ambiance.MatchesStrategyStack(ne.Ambiance) {
			matched = append(matched, c)
		}
	}
	if len(matched) != 1 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%d of %d original executions of %s match the strategy stack", len(matched), len(candidates), base.NodeID), nil).
			WithCode(engine.ErrCodeIdentityMatchFailed).
			WithResource(ne.UUID)
	}
	return matched[0], nil
}

// cloneRetryChain copies the superseded attempts of orig below ne's parent.
// Clone ids derive from ne, so a repeated start finds them in place.
func (s *NodeStrategy) cloneRetryChain(ctx context.Context, ne, orig *engine.NodeExecution) ([]string, error) {
	if len(orig.RetryIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(orig.RetryIDs))
	for i, oldID := range orig.RetryIDs {
		ids[i] = orchestrator.DeriveID(ne.UUID, "identity-retry", oldID)
	}
	mapping := idMapping(orig, ne.UUID, ids)

	for i, oldID := range orig.RetryIDs {
		old, err := s.o.Nodes().Get(ctx, oldID)
		if err != nil {
			return nil, fmt.Errorf("failed to load retried execution %s: %w", oldID, err)
		}
		level := *ne.Level()
		level.RuntimeID = ids[i]
		if l := old.Level(); l != nil {
			level.RetryIndex = l.RetryIndex
			level.StartTs = l.StartTs
		}
		clone := &engine.NodeExecution{
			UUID:                    ids[i],
			Ambiance:                ne.Ambiance.CloneForFinish().CloneForChild(level),
			NodeID:                  ne.NodeID,
			Kind:                    engine.NodeKindIdentity,
			Identifier:              ne.Identifier,
			Name:                    ne.Name,
			Group:                   ne.Group,
			StepType:                old.StepType,
			Status:                  old.Status,
			Mode:                    old.Mode,
			ExecutableResponses:     slices.Clone(old.ExecutableResponses),
			AdviserResponse:         old.AdviserResponse,
			FailureInfo:             old.FailureInfo,
			NotifyID:                ne.NotifyID,
			ParentID:                ne.ParentID,
			PreviousID:              ne.PreviousID,
			OriginalNodeExecutionID: oldID,
			RetryIDs:                slices.Clone(ids[:i]),
			OldRetry:                true,
			InterruptHistories:      rewriteInterrupts(old.InterruptHistories, mapping),
			ResolvedParameters:      old.ResolvedParameters,
			StartTs:                 old.StartTs,
			EndTs:                   old.EndTs,
		}
		if err := s.o.Nodes().Save(ctx, clone); err != nil && !errors.Is(err, engine.ErrAlreadyExists) {
			return nil, err
		}
	}
	return ids, nil
}

// fail completes ne as FAILED with err as an identity match failure. The
// node's own advisers then decide what happens next.
func (s *NodeStrategy) fail(ctx context.Context, ne *engine.NodeExecution, cause error) error {
	s.logger.WithNodeExecution(ne.PlanExecutionID(), ne.UUID, ne.NodeID).
		WithError(cause).
		Warn("identity start failed")
	code := engine.ErrCodeIdentityMatchFailed
	var ee *engine.EngineError
	if errors.As(cause, &ee) && ee.Code != "" {
		code = ee.Code
	}
	failure := engine.NewFailureInfo(engine.FailureIdentityMatch, code, cause.Error())
	return s.o.CompleteNode(ctx, ne.UUID, engine.StatusFailed, failure,
		[]engine.Status{engine.StatusQueued, engine.StatusRunning})
}

// Advise implements orchestrator.NodeStrategy. A node that reproduced its
// original's status replays the original decision; anything else goes to
// the node's advisers.
func (s *NodeStrategy) Advise(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, from engine.Status) error {
	if ne.FailureInfo.HasFailureType(engine.FailureIdentityMatch) || ne.OriginalNodeExecutionID == "" {
		return s.adviseWithNode(ctx, ne, node, from)
	}
	orig, err := s.o.Nodes().Get(ctx, ne.OriginalNodeExecutionID)
	if err != nil {
		return err
	}
	if orig.Status != ne.Status {
		return s.adviseWithNode(ctx, ne, node, from)
	}

	resp, err := s.replay(ctx, ne, node, orig)
	if err != nil {
		return err
	}
	if resp == nil {
		return s.o.EndNode(ctx, ne)
	}
	return s.o.ApplyAdviserResponse(ctx, ne, resp)
}

func (s *NodeStrategy) adviseWithNode(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, from engine.Status) error {
	if len(node.Advisers) == 0 {
		return s.o.EndNode(ctx, ne)
	}
	return s.o.PublishAdvise(ctx, ne, node, from)
}

// replay returns the decision to apply to ne, or nil when the original's
// decision has nothing to repeat. Inside a fabricated subtree the next
// sibling is mapped onto an identity node when its original succeeded.
func (s *NodeStrategy) replay(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, orig *engine.NodeExecution) (*engine.AdviserResponse, error) {
	resp := orig.AdviserResponse
	if resp == nil {
		return nil, nil
	}
	switch resp.Type {
	case engine.AdviseRetry, engine.AdviseInterventionWait, engine.AdviseUnknown:
		return nil, nil
	case engine.AdviseEndPlan:
		return resp, nil
	}

	next := resp.NextNodeID()
	if next == "" || node.UUID == orig.NodeID || orig.NextID == "" {
		return resp, nil
	}
	nextOrig, err := s.o.Nodes().Get(ctx, orig.NextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load next execution %s: %w", orig.NextID, err)
	}
	mapped, err := nodeFor(ctx, s.o.Plans(), ne.Ambiance.PlanID, nextOrig)
	if err != nil {
		return nil, err
	}
	return engine.NewAdviserResponse(resp.Type, mapped), nil
}

func idMapping(orig *engine.NodeExecution, newID string, retryIDs []string) map[string]string {
	m := make(map[string]string, len(retryIDs)+1)
	m[orig.UUID] = newID
	for i, id := range orig.RetryIDs {
		if i < len(retryIDs) {
			m[id] = retryIDs[i]
		}
	}
	return m
}

// rewriteInterrupts copies effects, pointing retry ids at their clones.
func rewriteInterrupts(effects []engine.InterruptEffect, mapping map[string]string) []engine.InterruptEffect {
	if len(effects) == 0 {
		return nil
	}
	out := slices.Clone(effects)
	for i := range out {
		if id, ok := mapping[out[i].RetryID]; ok {
			out[i].RetryID = id
		}
	}
	return out
}

// nodeFor returns the plan node that re-runs orig inside planID: a fresh
// identity node when orig ended positive, the real plan node otherwise.
func nodeFor(ctx context.Context, plans engine.PlanRepository, planID string, orig *engine.NodeExecution) (string, error) {
	if !orig.OutcomeStatus().IsPositive() {
		return orig.NodeID, nil
	}
	id := orchestrator.DeriveID(planID, "identity", orig.UUID)
	if _, err := plans.GetPlanNode(ctx, planID, id); err == nil {
		return id, nil
	} else if !engine.IsNotFound(err) {
		return "", err
	}

	src, err := plans.GetPlanNode(ctx, orig.Ambiance.PlanID, orig.NodeID)
	if err != nil {
		return "", fmt.Errorf("failed to load plan node %s: %w", orig.NodeID, err)
	}
	node := &engine.PlanNode{
		UUID:                    id,
		Identifier:              src.Identifier,
		Name:                    src.Name,
		Kind:                    engine.NodeKindIdentity,
		Group:                   src.Group,
		StepType:                src.StepType,
		Advisers:                src.Advisers,
		OriginalNodeExecutionID: orig.UUID,
	}
	if err := plans.SavePlanNodes(ctx, planID, node); err != nil {
		return "", fmt.Errorf("failed to save identity node for %s: %w", orig.UUID, err)
	}
	return id, nil
}
