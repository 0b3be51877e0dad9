// Package orchestrator is the engine side of node execution. It owns every
// write to node and plan executions, applies the response events published
// by step execution processes, applies adviser decisions, and drives the
// plan execution lifecycle.
//
// Application is idempotent: status changes are version guarded and
// status guarded writes, records created in reaction to an event carry ids
// derived from the event, and executable responses are tagged with the
// event that recorded them. Every event may be delivered more than once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// Callback types the orchestrator registers on the wait-notify engine.
const (
	CallbackResume       = "engine.resume"
	CallbackProgress     = "engine.progress"
	CallbackChildren     = "engine.children"
	CallbackIntervention = "engine.intervention"
)

// Options holds the collaborators of an Orchestrator.
type Options struct {
	Nodes          engine.NodeExecutionRepository
	Plans          engine.PlanRepository
	PlanExecutions engine.PlanExecutionRepository
	Waits          *waitnotify.Engine
	Outputs        *outputs.Service

	// Producer carries node events to step execution processes.
	Producer queue.Producer

	// Tasks dispatches QUEUE_TASK requests. Optional; without it task
	// modes fail.
	Tasks engine.TaskQueuer

	Telemetry *telemetry.Telemetry
}

// Orchestrator drives node executions through their lifecycle.
type Orchestrator struct {
	nodes          *NodeExecutionService
	planExecutions *PlanExecutionService
	plans          engine.PlanRepository
	waits          *waitnotify.Engine
	outputs        *outputs.Service
	events         *sdk.NodeEventPublisher
	tasks          engine.TaskQueuer

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu         sync.RWMutex
	strategies map[engine.NodeKind]NodeStrategy

	now func() time.Time
}

// New creates an orchestrator, registers its callbacks on the wait-notify
// engine and installs the strategy for PLAN nodes.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Nodes == nil, opts.Plans == nil, opts.PlanExecutions == nil:
		return nil, engine.NewPermanentError("orchestrator needs node, plan and plan execution repositories", nil).
			WithCode(engine.ErrCodeValidation)
	case opts.Waits == nil:
		return nil, engine.NewPermanentError("orchestrator needs a wait-notify engine", nil).
			WithCode(engine.ErrCodeValidation)
	case opts.Outputs == nil:
		return nil, engine.NewPermanentError("orchestrator needs an output service", nil).
			WithCode(engine.ErrCodeValidation)
	case opts.Producer == nil:
		return nil, engine.NewPermanentError("orchestrator needs a producer", nil).
			WithCode(engine.ErrCodeValidation)
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	o := &Orchestrator{
		nodes:          NewNodeExecutionService(opts.Nodes, tel),
		planExecutions: NewPlanExecutionService(opts.PlanExecutions, tel),
		plans:          opts.Plans,
		waits:          opts.Waits,
		outputs:        opts.Outputs,
		events:         sdk.NewNodeEventPublisher(opts.Producer),
		tasks:          opts.Tasks,
		tel:            tel,
		logger:         tel.Logger.NewComponentLogger("orchestrator"),
		strategies:     make(map[engine.NodeKind]NodeStrategy),
		now:            time.Now,
	}
	o.RegisterNodeStrategy(engine.NodeKindPlan, &planNodeStrategy{o: o})

	o.waits.RegisterCallback(CallbackResume, &resumeCallback{o: o})
	o.waits.RegisterCallback(CallbackChildren, &childrenCallback{o: o})
	o.waits.RegisterCallback(CallbackIntervention, &interventionCallback{o: o})
	o.waits.RegisterProgressHandler(CallbackProgress, waitnotify.ProgressHandlerFunc(o.onProgress))
	return o, nil
}

// RegisterNodeStrategy binds the strategy that starts and advises nodes of
// kind.
func (o *Orchestrator) RegisterNodeStrategy(kind engine.NodeKind, s NodeStrategy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.strategies[kind] = s
}

func (o *Orchestrator) strategyFor(kind engine.NodeKind) (NodeStrategy, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.strategies[kind]
	if !ok {
		return nil, engine.NewPermanentError("no node strategy for kind "+string(kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return s, nil
}

// Nodes returns the node execution service.
func (o *Orchestrator) Nodes() *NodeExecutionService { return o.nodes }

// PlanExecutions returns the plan execution service.
func (o *Orchestrator) PlanExecutions() *PlanExecutionService { return o.planExecutions }

// Plans returns the plan repository.
func (o *Orchestrator) Plans() engine.PlanRepository { return o.plans }

// Outputs returns the output service.
func (o *Orchestrator) Outputs() *outputs.Service { return o.outputs }

// Waits returns the wait-notify engine.
func (o *Orchestrator) Waits() *waitnotify.Engine { return o.waits }

// Logger returns the orchestrator logger.
func (o *Orchestrator) Logger() *telemetry.Logger { return o.logger }

// Telemetry returns the telemetry bundle.
func (o *Orchestrator) Telemetry() *telemetry.Telemetry { return o.tel }

// StartPlan stores plan, creates a plan execution and starts its root node.
func (o *Orchestrator) StartPlan(ctx context.Context, plan *engine.Plan, setup map[string]string, retryOf string) (*engine.PlanExecution, error) {
	if err := plan.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid plan", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(plan.UUID)
	}
	if err := o.plans.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan %s: %w", plan.UUID, err)
	}

	pe, err := o.planExecutions.Create(ctx, plan.UUID, setup, retryOf)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tel.Tracer.StartPlanExecutionSpan(ctx, "start", pe.UUID)
	defer span.End()

	amb, err := engine.NewAmbiance(pe.UUID, plan.UUID, setup)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, engine.NewPermanentError("invalid ambiance", err).WithCode(engine.ErrCodeValidation)
	}
	rootID := DeriveID(pe.UUID, "root")
	root, node, err := o.createNode(ctx, amb, nodeRequest{
		ID:       rootID,
		NodeID:   plan.StartingNodeID,
		NotifyID: notifyIDFor(rootID),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := o.startNode(ctx, root, node, 0); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return pe, nil
}

// nodeRequest describes a node execution to create.
type nodeRequest struct {
	ID               string
	NodeID           string
	ParentID         string
	NotifyID         string
	PreviousID       string
	RetryIndex       int
	RetryIDs         []string
	StrategyMetadata *engine.StrategyMetadata
	Deferred         bool
}

// createNode creates a QUEUED node execution below parent. A record that
// already exists under req.ID is returned as is.
func (o *Orchestrator) createNode(ctx context.Context, parent *engine.Ambiance, req nodeRequest) (*engine.NodeExecution, *engine.PlanNode, error) {
	node, err := o.plans.GetPlanNode(ctx, parent.PlanID, req.NodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan node %s: %w", req.NodeID, err)
	}

	if existing, err := o.nodes.Get(ctx, req.ID); err == nil {
		return existing, node, nil
	} else if !engine.IsNotFound(err) {
		return nil, nil, err
	}

	level := engine.Level{
		SetupID:          node.UUID,
		RuntimeID:        req.ID,
		Identifier:       node.Identifier,
		Group:            node.Group,
		StepType:         node.StepType,
		NodeKind:         node.Kind,
		StartTs:          o.now().UnixMilli(),
		RetryIndex:       req.RetryIndex,
		StrategyMetadata: req.StrategyMetadata.Clone(),
	}
	ne := &engine.NodeExecution{
		UUID:                    req.ID,
		Ambiance:                parent.CloneForChild(level),
		NodeID:                  node.UUID,
		Kind:                    node.Kind,
		Identifier:              node.Identifier,
		Name:                    node.Name,
		Group:                   node.Group,
		StepType:                node.StepType,
		Status:                  engine.StatusQueued,
		NotifyID:                req.NotifyID,
		ParentID:                req.ParentID,
		PreviousID:              req.PreviousID,
		OriginalNodeExecutionID: node.OriginalNodeExecutionID,
		RetryIDs:                req.RetryIDs,
		ResolvedParameters:      node.StepParameters,
		Deferred:                req.Deferred,
	}
	if err := o.nodes.Save(ctx, ne); err != nil {
		if !errors.Is(err, engine.ErrAlreadyExists) {
			return nil, nil, err
		}
		existing, getErr := o.nodes.Get(ctx, req.ID)
		if getErr != nil {
			return nil, nil, getErr
		}
		return existing, node, nil
	}
	return ne, node, nil
}

// startNode hands a QUEUED node to the strategy of its kind. delay defers
// the first event the strategy publishes.
func (o *Orchestrator) startNode(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, delay time.Duration) error {
	if ne.Status != engine.StatusQueued || ne.Deferred {
		return nil
	}
	if node == nil {
		var err error
		if node, err = o.planNode(ctx, ne); err != nil {
			return err
		}
	}
	if aborted, err := o.abortIfInterrupted(ctx, ne); err != nil || aborted {
		return err
	}
	s, err := o.strategyFor(node.Kind)
	if err != nil {
		return err
	}
	return telemetry.RecordNodeOperation(ctx, telemetry.NodeOperation{
		Phase:           "start",
		PlanExecutionID: ne.PlanExecutionID(),
		NodeExecutionID: ne.UUID,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
	}, func(ctx context.Context) error {
		return s.Start(ctx, ne, node, delay)
	})
}

func (o *Orchestrator) planNode(ctx context.Context, ne *engine.NodeExecution) (*engine.PlanNode, error) {
	node, err := o.plans.GetPlanNode(ctx, ne.Ambiance.PlanID, ne.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan node %s: %w", ne.NodeID, err)
	}
	return node, nil
}

// PublishFacilitate asks the step execution process to facilitate ne.
func (o *Orchestrator) PublishFacilitate(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, delay time.Duration) error {
	return o.events.Publish(ctx, &sdk.NodeEvent{
		EventID:         nodeEventID(ne.UUID, string(sdk.NodeEventFacilitate)),
		Type:            sdk.NodeEventFacilitate,
		NodeExecutionID: ne.UUID,
		NotifyID:        ne.NotifyID,
		Ambiance:        ne.Ambiance,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
		StepParameters:  ne.ResolvedParameters,
		RefObjects:      node.RefObjects,
		Facilitate:      &sdk.FacilitatePayload{Facilitators: node.Facilitators},
	}, delay)
}

// PublishStart asks the step execution process to start ne in mode. The
// event id is derived from the node, so publishing twice starts the step
// under the same id and its response events are deduplicated.
func (o *Orchestrator) PublishStart(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, resp engine.FacilitatorResponse) error {
	return o.events.Publish(ctx, &sdk.NodeEvent{
		EventID:         nodeEventID(ne.UUID, string(sdk.NodeEventStart)),
		Type:            sdk.NodeEventStart,
		NodeExecutionID: ne.UUID,
		NotifyID:        ne.NotifyID,
		Ambiance:        ne.Ambiance,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
		Mode:            resp.ExecutionMode,
		StepParameters:  ne.ResolvedParameters,
		RefObjects:      node.RefObjects,
		Start:           &sdk.StartPayload{FacilitatorResponse: resp},
	}, resp.InitialWait)
}

func (o *Orchestrator) publishResume(ctx context.Context, ne *engine.NodeExecution, key string, responses map[string]engine.ResponseData, asyncError bool, latest *engine.ExecutableResponse) error {
	if responses == nil {
		responses = map[string]engine.ResponseData{}
	}
	if latest == nil {
		latest = ne.LatestExecutableResponse()
	}
	return o.events.Publish(ctx, &sdk.NodeEvent{
		EventID:         nodeEventID(ne.UUID, string(sdk.NodeEventResume), key),
		Type:            sdk.NodeEventResume,
		NodeExecutionID: ne.UUID,
		NotifyID:        ne.NotifyID,
		Ambiance:        ne.Ambiance,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
		Mode:            ne.Mode,
		StepParameters:  ne.ResolvedParameters,
		Resume: &sdk.ResumePayload{
			Responses:          responses,
			AsyncError:         asyncError,
			ExecutableResponse: latest,
		},
	}, 0)
}

// PublishAdvise asks the step execution process to run the advisers of
// node for ne, which just left from.
func (o *Orchestrator) PublishAdvise(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, from engine.Status) error {
	return o.events.Publish(ctx, &sdk.NodeEvent{
		EventID:         nodeEventID(ne.UUID, string(sdk.NodeEventAdvise), string(ne.Status)),
		Type:            sdk.NodeEventAdvise,
		NodeExecutionID: ne.UUID,
		NotifyID:        ne.NotifyID,
		Ambiance:        ne.Ambiance,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
		Mode:            ne.Mode,
		StepParameters:  ne.ResolvedParameters,
		Advise: &sdk.AdvisePayload{
			Advisers:    node.Advisers,
			FromStatus:  from,
			ToStatus:    ne.Status,
			FailureInfo: ne.FailureInfo,
			RetryIDs:    ne.RetryIDs,
		},
	}, 0)
}

// CompleteNode moves a node to a terminal status and proceeds to
// advisement. Completing a node that already left allowedFrom is a no-op.
func (o *Orchestrator) CompleteNode(ctx context.Context, id string, status engine.Status, failure *engine.FailureInfo, allowedFrom []engine.Status) error {
	ne, from, applied, err := o.nodes.Transition(ctx, id, status, allowedFrom, func(ne *engine.NodeExecution) {
		if failure != nil {
			ne.FailureInfo = failure
		}
	})
	if err != nil || !applied {
		return err
	}
	return o.afterTerminal(ctx, ne, from)
}

// afterTerminal runs advisement for a node that just reached a terminal
// status. Nodes of an aborted plan execution end without advisement.
func (o *Orchestrator) afterTerminal(ctx context.Context, ne *engine.NodeExecution, from engine.Status) error {
	pe, err := o.planExecutions.Get(ctx, ne.PlanExecutionID())
	if err != nil {
		return err
	}
	if _, aborted := pe.IsAborted(); aborted {
		return o.EndNode(ctx, ne)
	}
	node, err := o.planNode(ctx, ne)
	if err != nil {
		return err
	}
	s, err := o.strategyFor(node.Kind)
	if err != nil {
		return err
	}
	return telemetry.RecordNodeOperation(ctx, telemetry.NodeOperation{
		Phase:           "advise",
		PlanExecutionID: ne.PlanExecutionID(),
		NodeExecutionID: ne.UUID,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
	}, func(ctx context.Context) error {
		return s.Advise(ctx, ne, node, from)
	})
}

// EndNode propagates the completion of a terminal node: the root ends its
// plan execution, a node continued by a sibling stays silent, any other node
// notifies the parent waiting on its notify id.
func (o *Orchestrator) EndNode(ctx context.Context, ne *engine.NodeExecution) error {
	logger := o.logger.WithNodeExecution(ne.PlanExecutionID(), ne.UUID, ne.NodeID)
	if ne.OldRetry || ne.NextID != "" {
		return nil
	}
	outcome := ne.OutcomeStatus()
	if ne.ParentID == "" {
		_, _, err := o.planExecutions.End(ctx, ne.PlanExecutionID(), outcome)
		return err
	}

	data, err := encodeChildStatus(ne, outcome)
	if err != nil {
		return err
	}
	if err := o.waits.Notify(ctx, ne.NotifyID, data); err != nil {
		return fmt.Errorf("failed to notify parent of %s: %w", ne.UUID, err)
	}
	logger.WithField("outcome", outcome).Debug("node ended")
	return nil
}

// AbortPlanExecution records an ABORT_ALL interrupt, aborts every active
// node and ends the plan execution as ABORTED.
func (o *Orchestrator) AbortPlanExecution(ctx context.Context, planExecutionID string) error {
	interrupt, err := o.planExecutions.AddInterrupt(ctx, planExecutionID, engine.InterruptAbortAll)
	if err != nil {
		return err
	}
	n, err := o.nodes.AbortActiveNodes(ctx, planExecutionID, *interrupt)
	if err != nil {
		return err
	}
	if _, _, err := o.planExecutions.End(ctx, planExecutionID, engine.StatusAborted); err != nil {
		return err
	}
	o.logger.WithPlanExecutionID(planExecutionID).
		WithField("aborted_nodes", n).
		Info("plan execution aborted")
	return nil
}

// abortIfInterrupted aborts ne when its plan execution carries ABORT_ALL.
func (o *Orchestrator) abortIfInterrupted(ctx context.Context, ne *engine.NodeExecution) (bool, error) {
	pe, err := o.planExecutions.Get(ctx, ne.PlanExecutionID())
	if err != nil {
		return false, err
	}
	interrupt, aborted := pe.IsAborted()
	if !aborted {
		return false, nil
	}
	ended, applied, err := o.nodes.UpdateStatus(ctx, ne.UUID, engine.StatusAborted, engine.ActiveStatuses(), func(n *engine.NodeExecution) {
		n.InterruptHistories = append(n.InterruptHistories, engine.InterruptEffect{
			InterruptID:  interrupt.UUID,
			Type:         interrupt.Type,
			TookEffectAt: o.now(),
		})
	})
	if err != nil {
		return true, err
	}
	if applied {
		return true, o.EndNode(ctx, ended)
	}
	return true, nil
}
