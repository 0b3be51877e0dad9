package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// HandleResponseEvent applies one response event published by a step
// execution process.
func (o *Orchestrator) HandleResponseEvent(ctx context.Context, ev *sdk.ResponseEvent) error {
	if err := ev.Validate(); err != nil {
		return engine.NewPermanentError("invalid response event", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(ev.NodeExecutionID)
	}
	ctx, span := o.tel.Tracer.StartSdkEventSpan(ctx, string(ev.Type), ev.NodeExecutionID)
	defer span.End()

	ne, err := o.nodes.Get(ctx, ev.NodeExecutionID)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to load node execution for %s: %w", ev.Type, err)
	}

	switch ev.Type {
	case sdk.EventAddExecutableResponse:
		err = o.handleAddExecutableResponse(ctx, ne, ev)
	case sdk.EventHandleStepResponse:
		err = o.handleStepResponse(ctx, ne, ev)
	case sdk.EventResumeNodeExecution:
		err = o.handleResumeNodeExecution(ctx, ne, ev)
	case sdk.EventHandleFacilitateResponse:
		err = o.handleFacilitateResponse(ctx, ne, ev)
	case sdk.EventHandleAdviserResponse:
		err = o.handleAdviserResponse(ctx, ne, ev)
	case sdk.EventHandleEventError:
		err = o.handleEventError(ctx, ne, ev)
	case sdk.EventSpawnChild:
		resp := engine.ExecutableResponse{
			Mode:  engine.ModeChild,
			Child: &engine.ChildResponse{ChildNodeID: ev.SpawnChild.ChildNodeID},
		}
		err = o.spawnChildren(ctx, ne, ev.EventID, []engine.ChildSpec{{ChildNodeID: ev.SpawnChild.ChildNodeID}}, 0, resp)
	case sdk.EventSpawnChildren:
		err = o.handleSpawnChildren(ctx, ne, ev)
	case sdk.EventQueueTask:
		err = o.handleQueueTask(ctx, ne, ev)
	case sdk.EventSuspendChain:
		err = o.handleSuspendChain(ctx, ne, ev)
	case sdk.EventHandleProgress:
		err = o.handleProgress(ctx, ne, ev)
	default:
		err = engine.NewPermanentError("unhandled response event "+string(ev.Type), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if err != nil {
		o.tel.Metrics.RecordSdkEvent(string(ev.Type), "failed")
		telemetry.RecordError(span, err)
		return err
	}
	o.tel.Metrics.RecordSdkEvent(string(ev.Type), "applied")
	telemetry.RecordSuccess(span)
	return nil
}

func (o *Orchestrator) nodeLogger(ne *engine.NodeExecution) *telemetry.Logger {
	return o.logger.WithNodeExecution(ne.PlanExecutionID(), ne.UUID, ne.NodeID)
}

func (o *Orchestrator) handleAddExecutableResponse(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	req := ev.AddExecutableResponse
	updated, _, err := o.nodes.AddExecutableResponse(ctx, ne.UUID, ev.EventID, req.Response, req.Status)
	if err != nil {
		return err
	}
	if req.Response.Mode != engine.ModeAsync || !updated.Status.IsRunning() {
		return nil
	}
	return o.waitForResume(ctx, updated, ev.EventID, req.Response.Async.CallbackIDs, true)
}

// waitForResume registers the resume wait of ne on correlationIDs, keyed by
// the event that suspended the node.
func (o *Orchestrator) waitForResume(ctx context.Context, ne *engine.NodeExecution, key string, correlationIDs []string, progress bool) error {
	payload, err := json.Marshal(resumePayload{NodeExecutionID: ne.UUID, Key: key})
	if err != nil {
		return err
	}
	opts := []waitnotify.WaitOption{waitnotify.WithWaitID(resumeWaitID(ne.UUID, key))}
	if progress {
		opts = append(opts, waitnotify.WithProgress(waitnotify.Callback{Type: CallbackProgress, Payload: payload}))
	}
	if _, err := o.waits.Wait(ctx, waitnotify.Callback{Type: CallbackResume, Payload: payload}, correlationIDs, opts...); err != nil {
		return fmt.Errorf("failed to register resume wait of %s: %w", ne.UUID, err)
	}
	return nil
}

func (o *Orchestrator) handleStepResponse(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	resp := ev.StepResponse.Response
	return o.CompleteNode(ctx, ne.UUID, resp.Status, resp.FailureInfo, engine.RunningStatuses())
}

func (o *Orchestrator) handleResumeNodeExecution(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	if !ne.Status.IsRunning() {
		o.nodeLogger(ne).WithField("status", ne.Status).Debug("resume dropped for inactive node")
		return nil
	}
	req := ev.ResumeNodeExecution
	return o.publishResume(ctx, ne, ev.EventID, req.Responses, req.AsyncError, nil)
}

func (o *Orchestrator) handleFacilitateResponse(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	req := ev.FacilitateResponse
	if req.Response == nil {
		failure := req.FailureInfo
		if failure == nil {
			failure = engine.NewFailureInfo(engine.FailureFacilitation, engine.ErrCodeFacilitationFailed,
				"no facilitator decided how to run the node")
		}
		return o.failFacilitation(ctx, ne, failure)
	}

	if aborted, err := o.abortIfInterrupted(ctx, ne); err != nil || aborted {
		return err
	}
	resp := *req.Response
	updated, applied, err := o.nodes.UpdateStatus(ctx, ne.UUID, engine.StatusRunning, []engine.Status{engine.StatusQueued},
		func(n *engine.NodeExecution) { n.Mode = resp.ExecutionMode })
	if err != nil {
		return err
	}
	if !applied {
		// A redelivery after the claim but before START was published.
		if updated.Status != engine.StatusRunning || updated.Mode != resp.ExecutionMode || len(updated.ExecutableResponses) > 0 {
			return nil
		}
	}
	node, err := o.planNode(ctx, updated)
	if err != nil {
		return err
	}
	return o.PublishStart(ctx, updated, node, resp)
}

func (o *Orchestrator) failFacilitation(ctx context.Context, ne *engine.NodeExecution, failure *engine.FailureInfo) error {
	updated, from, applied, err := o.nodes.Transition(ctx, ne.UUID, engine.StatusFacilitationFailed,
		[]engine.Status{engine.StatusQueued},
		func(n *engine.NodeExecution) { n.FailureInfo = failure })
	if err != nil || !applied {
		return err
	}
	o.tel.Metrics.RecordFacilitationFailure()
	o.nodeLogger(updated).WithField("reason", failure.ErrorMessage).Warn("facilitation failed")
	return o.afterTerminal(ctx, updated, from)
}

func (o *Orchestrator) handleAdviserResponse(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	resp := ev.AdviserResponse.Response
	if resp == nil {
		resp = &engine.AdviserResponse{Type: engine.AdviseUnknown}
	}
	return o.ApplyAdviserResponse(ctx, ne, resp)
}

func (o *Orchestrator) handleEventError(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	req := ev.EventError
	o.nodeLogger(ne).
		WithFields(map[string]interface{}{"event_type": req.EventType, "reason": req.FailureInfo.ErrorMessage}).
		Warn("node event failed")

	switch req.EventType {
	case sdk.NodeEventFacilitate:
		return o.failFacilitation(ctx, ne, req.FailureInfo)
	case sdk.NodeEventAdvise:
		if ne.Status.IsTerminal() && ne.AdviserResponse == nil {
			return o.EndNode(ctx, ne)
		}
		return nil
	default:
		return o.CompleteNode(ctx, ne.UUID, engine.StatusFailed, req.FailureInfo, engine.ActiveStatuses())
	}
}

func (o *Orchestrator) handleSpawnChildren(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	req := ev.SpawnChildren
	if req.ChildChain != nil {
		resp := engine.ExecutableResponse{Mode: engine.ModeChildChain, ChildChain: req.ChildChain}
		if req.ChildChain.Suspend || req.ChildChain.NextChildID == "" {
			return o.suspend(ctx, ne, ev.EventID, resp, nil)
		}
		return o.spawnChildren(ctx, ne, ev.EventID, []engine.ChildSpec{{ChildNodeID: req.ChildChain.NextChildID}}, 0, resp)
	}
	resp := engine.ExecutableResponse{
		Mode: engine.ModeChildren,
		Children: &engine.ChildrenResponse{
			Children:       req.Children,
			MaxConcurrency: req.MaxConcurrency,
		},
	}
	return o.spawnChildren(ctx, ne, ev.EventID, req.Children, req.MaxConcurrency, resp)
}

// spawnChildren creates the children of parent, records resp, waits on the
// children's notify ids and starts the children not held back by
// maxConcurrency. Every step tolerates a redelivered event.
func (o *Orchestrator) spawnChildren(ctx context.Context, parent *engine.NodeExecution, eventID string, specs []engine.ChildSpec, maxConcurrency int, resp engine.ExecutableResponse) error {
	if !parent.Status.IsRunning() {
		o.nodeLogger(parent).WithField("status", parent.Status).Debug("spawn dropped for inactive node")
		return nil
	}

	type spawned struct {
		ne   *engine.NodeExecution
		node *engine.PlanNode
	}
	children := make([]spawned, 0, len(specs))
	notifyIDs := make([]string, 0, len(specs))
	for i, spec := range specs {
		id := childID(parent.UUID, eventID, i)
		child, node, err := o.createNode(ctx, parent.Ambiance, nodeRequest{
			ID:               id,
			NodeID:           spec.ChildNodeID,
			ParentID:         parent.UUID,
			NotifyID:         notifyIDFor(id),
			StrategyMetadata: spec.StrategyMetadata,
			Deferred:         maxConcurrency > 0 && i >= maxConcurrency,
		})
		if err != nil {
			return fmt.Errorf("failed to create child %d of %s: %w", i, parent.UUID, err)
		}
		children = append(children, spawned{ne: child, node: node})
		notifyIDs = append(notifyIDs, child.NotifyID)
	}

	updated, _, err := o.nodes.AddExecutableResponse(ctx, parent.UUID, eventID, resp, engine.StatusAsyncWaiting)
	if err != nil {
		return err
	}
	if !updated.Status.IsRunning() {
		return nil
	}

	if len(children) == 0 {
		return o.publishResume(ctx, updated, eventID, nil, false, &resp)
	}
	if err := o.waitForResume(ctx, updated, eventID, notifyIDs, false); err != nil {
		return err
	}
	if maxConcurrency > 0 && len(children) > maxConcurrency {
		payload, err := json.Marshal(childrenPayload{ParentID: parent.UUID})
		if err != nil {
			return err
		}
		for _, c := range children {
			_, err := o.waits.Wait(ctx, waitnotify.Callback{Type: CallbackChildren, Payload: payload},
				[]string{c.ne.NotifyID}, waitnotify.WithWaitID(childrenWaitID(c.ne.UUID)))
			if err != nil {
				return fmt.Errorf("failed to register concurrency wait of %s: %w", c.ne.UUID, err)
			}
		}
	}

	for _, c := range children {
		if err := o.startNode(ctx, c.ne, c.node, 0); err != nil {
			return fmt.Errorf("failed to start child %s: %w", c.ne.UUID, err)
		}
	}
	return nil
}

// startNextDeferredChild releases the oldest deferred child of parentID.
func (o *Orchestrator) startNextDeferredChild(ctx context.Context, parentID string) error {
	children, err := o.nodes.FetchChildren(ctx, parentID, false)
	if err != nil {
		return err
	}
	for _, c := range children {
		if !c.Deferred || c.Status != engine.StatusQueued {
			continue
		}
		released, applied, err := o.nodes.Update(ctx, c.UUID, func(n *engine.NodeExecution) (bool, error) {
			if !n.Deferred || n.Status != engine.StatusQueued {
				return false, nil
			}
			n.Deferred = false
			return true, nil
		})
		if err != nil {
			return err
		}
		if applied {
			return o.startNode(ctx, released, nil, 0)
		}
	}
	return nil
}

func (o *Orchestrator) handleQueueTask(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	if !ne.Status.IsRunning() {
		return nil
	}
	req := ev.QueueTask
	if err := o.waitForResume(ctx, ne, ev.EventID, []string{req.CallbackID}, true); err != nil {
		return err
	}
	if ne.HasExecutableResponseFor(ev.EventID) {
		return nil
	}
	if o.tasks == nil {
		return o.CompleteNode(ctx, ne.UUID, engine.StatusErrored,
			engine.NewFailureInfo(engine.FailureApplication, engine.ErrCodeUnsupportedMode, "no task queuer is configured"),
			engine.RunningStatuses())
	}

	task := req.Task
	taskID, err := o.tasks.QueueTask(ctx, ne.Ambiance.SetupAbstractions, &task, req.CallbackID)
	if err != nil {
		return fmt.Errorf("failed to queue task for %s: %w", ne.UUID, err)
	}

	resp := engine.ExecutableResponse{Mode: engine.ModeTask, Task: &engine.TaskResponse{TaskID: taskID, TaskType: task.TaskType}}
	if req.TaskChain != nil {
		chain := *req.TaskChain
		chain.TaskID = taskID
		chain.TaskType = task.TaskType
		resp = engine.ExecutableResponse{Mode: engine.ModeTaskChain, TaskChain: &chain}
	}
	_, _, err = o.nodes.AddExecutableResponse(ctx, ne.UUID, ev.EventID, resp, engine.StatusTaskWaiting)
	return err
}

func (o *Orchestrator) handleSuspendChain(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	req := ev.SuspendChain
	return o.suspend(ctx, ne, ev.EventID, req.Response, req.Responses)
}

// suspend records a chain link and resumes the node right away with
// responses.
func (o *Orchestrator) suspend(ctx context.Context, ne *engine.NodeExecution, eventID string, resp engine.ExecutableResponse, responses map[string]engine.ResponseData) error {
	updated, _, err := o.nodes.AddExecutableResponse(ctx, ne.UUID, eventID, resp, "")
	if err != nil {
		return err
	}
	if !updated.Status.IsRunning() {
		return nil
	}
	return o.publishResume(ctx, updated, eventID, responses, false, &resp)
}

func (o *Orchestrator) handleProgress(ctx context.Context, ne *engine.NodeExecution, ev *sdk.ResponseEvent) error {
	data := ev.Progress.Data
	_, _, err := o.nodes.Update(ctx, ne.UUID, func(n *engine.NodeExecution) (bool, error) {
		if n.Status.IsTerminal() {
			return false, nil
		}
		n.ProgressData = data
		return true, nil
	})
	return err
}

func encodeChildStatus(ne *engine.NodeExecution, outcome engine.Status) (json.RawMessage, error) {
	data, err := json.Marshal(engine.ChildStatusData{
		NodeExecutionID: ne.UUID,
		NodeID:          ne.NodeID,
		Status:          outcome,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode child status of %s: %w", ne.UUID, err)
	}
	return data, nil
}
