package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// ApplyAdviserResponse records resp on a terminal node and carries it out.
// A response is recorded only while none is set or a pending
// INTERVENTION_WAIT is being resolved. Redelivering the recorded response
// repeats its side effects, which are themselves idempotent.
func (o *Orchestrator) ApplyAdviserResponse(ctx context.Context, ne *engine.NodeExecution, resp *engine.AdviserResponse) error {
	if err := resp.Validate(); err != nil {
		return engine.NewPermanentError("invalid adviser response", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(ne.UUID)
	}

	updated, applied, err := o.nodes.Update(ctx, ne.UUID, func(n *engine.NodeExecution) (bool, error) {
		if !n.Status.IsTerminal() {
			return false, nil
		}
		cur := n.AdviserResponse
		if cur != nil && (cur.Type != engine.AdviseInterventionWait || resp.Type == engine.AdviseInterventionWait) {
			return false, nil
		}
		n.AdviserResponse = resp
		return true, nil
	})
	if err != nil {
		return err
	}
	if !updated.Status.IsTerminal() {
		return engine.NewConflictError("cannot advise an active node", nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(ne.UUID)
	}
	if !applied && (updated.AdviserResponse == nil || updated.AdviserResponse.Type != resp.Type) {
		return nil
	}

	logger := o.nodeLogger(updated).WithField("advise_type", resp.Type)
	if applied {
		o.tel.Metrics.RecordAdvise(string(resp.Type))
		if err := o.tel.Events.PublishNodeAdvised(updated.PlanExecutionID(), updated.UUID, updated.NodeID, string(resp.Type)); err != nil {
			logger.WithError(err).Debug("advise event dropped")
		}
		logger.Info("adviser response applied")
	}

	if aborted, err := o.isAborted(ctx, updated.PlanExecutionID()); err != nil {
		return err
	} else if aborted && resp.Type != engine.AdviseEndPlan {
		return o.EndNode(ctx, updated)
	}

	switch resp.Type {
	case engine.AdviseRetry:
		return o.retryNode(ctx, updated, resp.Retry)
	case engine.AdviseNextStep, engine.AdviseMarkSuccess, engine.AdviseIgnoreFailure, engine.AdviseMarkFailure:
		if next := resp.NextNodeID(); next != "" {
			return o.runNextNode(ctx, updated, next)
		}
		return o.EndNode(ctx, updated)
	case engine.AdviseInterventionWait:
		return o.waitForIntervention(ctx, updated)
	case engine.AdviseEndPlan:
		return o.endPlanFromNode(ctx, updated, resp.EndPlan.Abort)
	default:
		return o.EndNode(ctx, updated)
	}
}

func (o *Orchestrator) isAborted(ctx context.Context, planExecutionID string) (bool, error) {
	pe, err := o.planExecutions.Get(ctx, planExecutionID)
	if err != nil {
		return false, err
	}
	_, aborted := pe.IsAborted()
	return aborted, nil
}

// retryNode supersedes old with a fresh execution of the same plan node.
func (o *Orchestrator) retryNode(ctx context.Context, old *engine.NodeExecution, advise *engine.RetryAdvise) error {
	lvl := old.Level()
	id := retryID(old.UUID)
	retry, node, err := o.createNode(ctx, old.Ambiance.CloneForFinish(), nodeRequest{
		ID:               id,
		NodeID:           old.NodeID,
		ParentID:         old.ParentID,
		NotifyID:         old.NotifyID,
		PreviousID:       old.PreviousID,
		RetryIndex:       lvl.RetryIndex + 1,
		RetryIDs:         append(slices.Clone(old.RetryIDs), old.UUID),
		StrategyMetadata: lvl.StrategyMetadata,
	})
	if err != nil {
		return fmt.Errorf("failed to create retry of %s: %w", old.UUID, err)
	}
	if _, err := o.nodes.MarkRetried(ctx, old.UUID); err != nil {
		return err
	}
	if err := o.nodes.UpdateRelationshipsForRetry(ctx, old.UUID, retry.UUID); err != nil {
		return err
	}
	o.nodeLogger(old).
		WithFields(map[string]interface{}{"retry_id": retry.UUID, "retry_index": lvl.RetryIndex + 1}).
		Info("node retried")
	return o.startNode(ctx, retry, node, advise.WaitInterval)
}

// runNextNode starts nextNodeID as the sibling following ne.
func (o *Orchestrator) runNextNode(ctx context.Context, ne *engine.NodeExecution, nextNodeID string) error {
	id := nextStepID(ne.UUID)
	next, node, err := o.createNode(ctx, ne.Ambiance.CloneForFinish(), nodeRequest{
		ID:         id,
		NodeID:     nextNodeID,
		ParentID:   ne.ParentID,
		NotifyID:   ne.NotifyID,
		PreviousID: ne.UUID,
	})
	if err != nil {
		return fmt.Errorf("failed to create next node of %s: %w", ne.UUID, err)
	}
	if _, _, err := o.nodes.Update(ctx, ne.UUID, func(n *engine.NodeExecution) (bool, error) {
		if n.NextID == next.UUID {
			return false, nil
		}
		n.NextID = next.UUID
		return true, nil
	}); err != nil {
		return err
	}
	return o.startNode(ctx, next, node, 0)
}

func (o *Orchestrator) waitForIntervention(ctx context.Context, ne *engine.NodeExecution) error {
	payload, err := json.Marshal(interventionPayload{NodeExecutionID: ne.UUID})
	if err != nil {
		return err
	}
	correlationID := InterventionCorrelationID(ne.UUID)
	_, err = o.waits.Wait(ctx, waitnotify.Callback{Type: CallbackIntervention, Payload: payload},
		[]string{correlationID}, waitnotify.WithWaitID(correlationID))
	if err != nil {
		return fmt.Errorf("failed to register intervention wait of %s: %w", ne.UUID, err)
	}
	o.nodeLogger(ne).Warn("node waiting for intervention")
	return nil
}

// endPlanFromNode ends the plan execution of ne. An ABORT_ALL interrupt
// stops in-flight nodes at their next transition point. Aborting aborts
// every active node and ends the plan as ABORTED; otherwise active nodes are
// errored out and the plan takes the outcome of ne.
func (o *Orchestrator) endPlanFromNode(ctx context.Context, ne *engine.NodeExecution, abort bool) error {
	peID := ne.PlanExecutionID()
	if abort {
		return o.AbortPlanExecution(ctx, peID)
	}
	if _, err := o.planExecutions.AddInterrupt(ctx, peID, engine.InterruptAbortAll); err != nil {
		return err
	}
	if _, err := o.nodes.ErrorOutActiveNodes(ctx, peID); err != nil {
		return err
	}
	_, _, err := o.planExecutions.End(ctx, peID, ne.OutcomeStatus())
	return err
}
