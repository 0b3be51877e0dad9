package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/sdk"
)

// Invocation is one call into a step for one node event.
type Invocation struct {
	Event   *sdk.NodeEvent
	Target  *sdk.Target
	Step    interface{}
	Context *engine.StepContext
}

// ExecuteStrategy drives a step of one execution mode. Start runs on START,
// Resume on RESUME once everything the node waited on has responded.
type ExecuteStrategy interface {
	Start(ctx context.Context, inv *Invocation) error
	Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error
}

// ProgressStrategy is implemented by strategies whose steps accept progress
// while suspended.
type ProgressStrategy interface {
	Progress(ctx context.Context, inv *Invocation, progress *sdk.ProgressPayload) error
}

// deliveryError marks failures to reach the engine or the output store.
// They are returned to the queue for redelivery instead of failing the node.
type deliveryError struct {
	err error
}

func (e *deliveryError) Error() string { return e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

func delivery(err error) error {
	if err == nil {
		return nil
	}
	return &deliveryError{err: err}
}

func isDeliveryError(err error) bool {
	var d *deliveryError
	return errors.As(err, &d)
}

var callbackNamespace = uuid.MustParse("6a1f0f3e-52d4-4c38-9d3b-0c7e2f1d9a44")

// taskCallbackID is the correlation id of the task queued while handling
// eventID. Handling the event again waits on the same id.
func taskCallbackID(eventID string) string {
	return uuid.NewSHA1(callbackNamespace, []byte(eventID+"/task")).String()
}

// completer publishes terminal step responses.
type completer struct {
	svc     *sdk.NodeExecutionService
	outputs *outputs.Service
}

// complete consumes the step outcomes and completes the node. Outcomes
// already stored by an earlier delivery of the same event are kept; those of
// an earlier retry attempt are replaced by the outputs service.
func (c *completer) complete(ctx context.Context, inv *Invocation, resp *engine.StepResponse) error {
	if resp == nil {
		return engine.NewPermanentError("step returned no response", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	if err := resp.Validate(); err != nil {
		return engine.NewPermanentError("step returned an invalid response", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	for _, o := range resp.StepOutcomes {
		_, err := c.outputs.ConsumeOutcome(ctx, inv.Event.Ambiance, o.Name, o.Outcome, o.Group)
		if err != nil && !engine.IsConflict(err) {
			return delivery(fmt.Errorf("failed to consume outcome %s: %w", o.Name, err))
		}
	}
	return delivery(c.svc.HandleStepResponse(ctx, inv.Target, resp))
}

func unsupported(inv *Invocation, kind string) error {
	return engine.NewPermanentError(fmt.Sprintf("step %s is not %s", inv.Event.StepType, kind), nil).
		WithCode(engine.ErrCodeUnsupportedMode).
		WithResource(inv.Event.NodeExecutionID)
}

func noResume(inv *Invocation) error {
	return engine.NewPermanentError("mode "+string(inv.Event.Mode)+" does not resume", nil).
		WithCode(engine.ErrCodeUnsupportedMode).
		WithResource(inv.Event.NodeExecutionID)
}

type syncStrategy struct{ completer }

func (s *syncStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.SyncExecutable)
	if !ok {
		return unsupported(inv, "a sync step")
	}
	resp, err := step.ExecuteSync(ctx, inv.Context)
	if err != nil {
		return err
	}
	return s.complete(ctx, inv, resp)
}

func (s *syncStrategy) Resume(ctx context.Context, inv *Invocation, _ *sdk.ResumePayload) error {
	return noResume(inv)
}

type asyncStrategy struct{ completer }

func (s *asyncStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.AsyncExecutable)
	if !ok {
		return unsupported(inv, "an async step")
	}
	resp, err := step.ExecuteAsync(ctx, inv.Context)
	if err != nil {
		return err
	}
	if resp == nil || len(resp.CallbackIDs) == 0 {
		return engine.NewPermanentError("async step returned no callback ids", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	return delivery(s.svc.AddExecutableResponse(ctx, inv.Target, engine.StatusAsyncWaiting,
		engine.ExecutableResponse{Mode: engine.ModeAsync, Async: resp}))
}

func (s *asyncStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.AsyncExecutable)
	if !ok {
		return unsupported(inv, "an async step")
	}
	resp, err := step.HandleAsyncResponse(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	return s.complete(ctx, inv, resp)
}

func (s *asyncStrategy) Progress(ctx context.Context, inv *Invocation, progress *sdk.ProgressPayload) error {
	return forwardProgress(ctx, s.svc, inv, progress)
}

func forwardProgress(ctx context.Context, svc *sdk.NodeExecutionService, inv *Invocation, progress *sdk.ProgressPayload) error {
	step, ok := inv.Step.(engine.ProgressableStep)
	if !ok {
		return nil
	}
	data, err := step.HandleProgress(ctx, inv.Context, progress.Data)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return delivery(svc.HandleProgress(ctx, inv.Target, data))
}

type childStrategy struct{ completer }

func (s *childStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.ChildExecutable)
	if !ok {
		return unsupported(inv, "a child step")
	}
	resp, err := step.ObtainChild(ctx, inv.Context)
	if err != nil {
		return err
	}
	if resp == nil || resp.ChildNodeID == "" {
		return engine.NewPermanentError("child step returned no child", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	return delivery(s.svc.SpawnChild(ctx, inv.Target, resp.ChildNodeID))
}

func (s *childStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.ChildExecutable)
	if !ok {
		return unsupported(inv, "a child step")
	}
	resp, err := step.HandleChildResponse(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	return s.complete(ctx, inv, resp)
}

type childrenStrategy struct{ completer }

func (s *childrenStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.ChildrenExecutable)
	if !ok {
		return unsupported(inv, "a children step")
	}
	resp, err := step.ObtainChildren(ctx, inv.Context)
	if err != nil {
		return err
	}
	if resp == nil {
		resp = &engine.ChildrenResponse{}
	}
	return delivery(s.svc.SpawnChildren(ctx, inv.Target, resp.Children, resp.MaxConcurrency, nil))
}

func (s *childrenStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.ChildrenExecutable)
	if !ok {
		return unsupported(inv, "a children step")
	}
	resp, err := step.HandleChildrenResponse(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	return s.complete(ctx, inv, resp)
}

type childChainStrategy struct{ completer }

func (s *childChainStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.ChildChainExecutable)
	if !ok {
		return unsupported(inv, "a child chain step")
	}
	link, err := step.ExecuteFirstChild(ctx, inv.Context)
	if err != nil {
		return err
	}
	return s.publishLink(ctx, inv, link)
}

func (s *childChainStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.ChildChainExecutable)
	if !ok {
		return unsupported(inv, "a child chain step")
	}
	var last *engine.ChildChainResponse
	if r := resume.ExecutableResponse; r != nil && r.ChildChain != nil {
		last = r.ChildChain
	}
	if last == nil {
		return engine.NewPermanentError("child chain resumed without a link", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	inv.Context.PassThroughData = last.PassThroughData
	if last.LastLink {
		resp, err := step.FinalizeExecution(ctx, inv.Context, resume.Responses)
		if err != nil {
			return err
		}
		return s.complete(ctx, inv, resp)
	}
	next, err := step.ExecuteNextChild(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	if next != nil && next.PreviousChildID == "" {
		next.PreviousChildID = last.NextChildID
	}
	return s.publishLink(ctx, inv, next)
}

// publishLink spawns the next child of the chain, or suspends the chain
// when the link has no child to run.
func (s *childChainStrategy) publishLink(ctx context.Context, inv *Invocation, link *engine.ChildChainResponse) error {
	if link == nil {
		link = &engine.ChildChainResponse{LastLink: true, Suspend: true}
	}
	if link.Suspend || link.NextChildID == "" {
		link.Suspend = true
		return delivery(s.svc.SuspendChain(ctx, inv.Target,
			engine.ExecutableResponse{Mode: engine.ModeChildChain, ChildChain: link}, nil))
	}
	return delivery(s.svc.SpawnChildren(ctx, inv.Target, nil, 0, link))
}

type taskStrategy struct{ completer }

func (s *taskStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.TaskExecutable)
	if !ok {
		return unsupported(inv, "a task step")
	}
	task, err := step.ObtainTask(ctx, inv.Context)
	if err != nil {
		return err
	}
	if task == nil || task.TaskType == "" {
		return engine.NewPermanentError("task step returned no task", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	return delivery(s.svc.QueueTask(ctx, inv.Target, *task, taskCallbackID(inv.Event.EventID), nil))
}

func (s *taskStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.TaskExecutable)
	if !ok {
		return unsupported(inv, "a task step")
	}
	resp, err := step.HandleTaskResult(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	return s.complete(ctx, inv, resp)
}

func (s *taskStrategy) Progress(ctx context.Context, inv *Invocation, progress *sdk.ProgressPayload) error {
	return forwardProgress(ctx, s.svc, inv, progress)
}

type taskChainStrategy struct{ completer }

func (s *taskChainStrategy) Start(ctx context.Context, inv *Invocation) error {
	step, ok := inv.Step.(engine.TaskChainExecutable)
	if !ok {
		return unsupported(inv, "a task chain step")
	}
	link, err := step.StartChainLink(ctx, inv.Context)
	if err != nil {
		return err
	}
	return s.publishLink(ctx, inv, link)
}

func (s *taskChainStrategy) Resume(ctx context.Context, inv *Invocation, resume *sdk.ResumePayload) error {
	step, ok := inv.Step.(engine.TaskChainExecutable)
	if !ok {
		return unsupported(inv, "a task chain step")
	}
	var last *engine.TaskChainResponse
	if r := resume.ExecutableResponse; r != nil && r.TaskChain != nil {
		last = r.TaskChain
	}
	if last == nil {
		return engine.NewPermanentError("task chain resumed without a link", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(inv.Event.NodeExecutionID)
	}
	inv.Context.PassThroughData = last.PassThroughData
	if last.ChainEnd {
		resp, err := step.FinalizeExecution(ctx, inv.Context, resume.Responses)
		if err != nil {
			return err
		}
		return s.complete(ctx, inv, resp)
	}
	link, err := step.ExecuteNextLink(ctx, inv.Context, resume.Responses)
	if err != nil {
		return err
	}
	return s.publishLink(ctx, inv, link)
}

func (s *taskChainStrategy) Progress(ctx context.Context, inv *Invocation, progress *sdk.ProgressPayload) error {
	return forwardProgress(ctx, s.svc, inv, progress)
}

// publishLink queues the task of link. A link without a task suspends the
// chain and the engine resumes it right away.
func (s *taskChainStrategy) publishLink(ctx context.Context, inv *Invocation, link *engine.TaskChainLink) error {
	if link == nil {
		link = &engine.TaskChainLink{ChainEnd: true}
	}
	chain := &engine.TaskChainResponse{ChainEnd: link.ChainEnd, PassThroughData: link.PassThroughData}
	if link.Task == nil {
		return delivery(s.svc.SuspendChain(ctx, inv.Target,
			engine.ExecutableResponse{Mode: engine.ModeTaskChain, TaskChain: chain}, nil))
	}
	return delivery(s.svc.QueueTask(ctx, inv.Target, *link.Task, taskCallbackID(inv.Event.EventID), chain))
}

// asyncErrorResponse converts an async error resume into the ERRORED step
// response the node completes with.
func asyncErrorResponse(responses map[string]engine.ResponseData) *engine.StepResponse {
	msg := "async operation failed"
	types := []engine.FailureType{engine.FailureAsync}
	for _, id := range slices.Sorted(maps.Keys(responses)) {
		r := responses[id]
		if r.Error == nil {
			continue
		}
		if r.Error.Message != "" {
			msg = r.Error.Message
		}
		if len(r.Error.FailureTypes) > 0 {
			types = r.Error.FailureTypes
		}
		break
	}
	info := engine.NewFailureInfo(engine.FailureAsync, "ASYNC_ERROR", msg)
	info.FailureTypes = types
	return &engine.StepResponse{Status: engine.StatusErrored, FailureInfo: info}
}
