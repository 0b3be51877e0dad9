package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// NodeEventListener answers the node events the engine publishes.
type NodeEventListener struct {
	registry     *Registry
	facilitation *FacilitationChain
	advise       *AdviseChain
	processor    *ExecutableProcessor
	svc          *sdk.NodeExecutionService
	outputs      *outputs.Service
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
}

// NewNodeEventListener creates a listener that runs the steps, facilitators
// and advisers of registry.
func NewNodeEventListener(registry *Registry, svc *sdk.NodeExecutionService, outs *outputs.Service, tel *telemetry.Telemetry) *NodeEventListener {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &NodeEventListener{
		registry:     registry,
		facilitation: NewFacilitationChain(registry),
		advise:       NewAdviseChain(registry),
		processor:    NewExecutableProcessor(registry, svc, outs, tel),
		svc:          svc,
		outputs:      outs,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("node-event-listener"),
	}
}

// Registry returns the registry the listener dispatches to.
func (l *NodeEventListener) Registry() *Registry {
	return l.registry
}

// NewQueueListener returns a queue listener over cfg.Topic,
// sdk.TopicNodeEvents when unset.
func (l *NodeEventListener) NewQueueListener(cfg queue.ListenerConfig, consumer queue.Consumer) *queue.Listener {
	if cfg.Topic == "" {
		cfg.Topic = sdk.TopicNodeEvents
	}
	return queue.NewListener(cfg, consumer, queue.HandlerFunc(l.handleMessage), l.logger, l.tel.Metrics)
}

func (l *NodeEventListener) handleMessage(ctx context.Context, msg *queue.Message) error {
	ev, err := sdk.DecodeNodeEvent(msg.Payload)
	if err != nil {
		return engine.NewPermanentError("undecodable node event", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(msg.ID)
	}
	return l.HandleNodeEvent(ctx, ev)
}

// HandleNodeEvent handles one node event. A returned error means the
// response could not be delivered and the event should be redelivered.
func (l *NodeEventListener) HandleNodeEvent(ctx context.Context, ev *sdk.NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return engine.NewPermanentError("invalid node event", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(ev.EventID)
	}
	l.logger.WithNodeExecution(ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.NodeID).
		WithFields(map[string]interface{}{"event_type": ev.Type, "event_id": ev.EventID}).
		Debug("node event received")

	switch ev.Type {
	case sdk.NodeEventFacilitate:
		return l.handleFacilitate(ctx, ev)
	case sdk.NodeEventStart:
		inputs, err := l.outputs.ResolveRefObjects(ctx, ev.Ambiance, ev.RefObjects)
		if err != nil {
			return l.inputError(ctx, ev, err)
		}
		return l.processor.Start(ctx, ev, inputs)
	case sdk.NodeEventResume:
		return l.processor.Resume(ctx, ev)
	case sdk.NodeEventAdvise:
		return l.handleAdvise(ctx, ev)
	case sdk.NodeEventProgress:
		return l.processor.Progress(ctx, ev)
	default:
		return engine.NewPermanentError("unknown node event type "+string(ev.Type), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (l *NodeEventListener) handleFacilitate(ctx context.Context, ev *sdk.NodeEvent) error {
	ctx, span := l.tel.Tracer.StartNodeSpan(ctx, "facilitate", ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.StepType)
	defer span.End()

	inputs, err := l.outputs.ResolveRefObjects(ctx, ev.Ambiance, ev.RefObjects)
	if err != nil {
		return l.inputError(ctx, ev, err)
	}
	resp, failure := l.runFacilitation(ctx, ev, inputs)
	if failure != nil {
		l.logger.WithNodeExecutionID(ev.NodeExecutionID).Warnf("facilitation failed: %s", failure.ErrorMessage)
	}
	if err := l.svc.HandleFacilitateResponse(ctx, ev.Target(), resp, failure); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (l *NodeEventListener) handleAdvise(ctx context.Context, ev *sdk.NodeEvent) error {
	ctx, span := l.tel.Tracer.StartNodeSpan(ctx, "advise", ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.StepType)
	defer span.End()

	resp, err := l.runAdvise(ctx, ev)
	if err != nil {
		l.logger.WithNodeExecutionID(ev.NodeExecutionID).WithError(err).Warn("advise failed")
		telemetry.RecordError(span, err)
		return l.svc.HandleEventError(ctx, ev.Target(), ev.Type, failureInfo(err))
	}
	if resp != nil {
		span.SetAttributes(telemetry.AttrAdviseType.String(string(resp.Type)))
	}
	if err := l.svc.HandleAdviserResponse(ctx, ev.Target(), resp); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// runFacilitation runs the facilitation chain. A panicking facilitator fails
// facilitation like one returning an error.
func (l *NodeEventListener) runFacilitation(ctx context.Context, ev *sdk.NodeEvent, inputs *engine.StepInputPackage) (resp *engine.FacilitatorResponse, failure *engine.FailureInfo) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithNodeExecutionID(ev.NodeExecutionID).
				WithField("stack", string(debug.Stack())).
				Errorf("facilitator panicked: %v", r)
			resp, failure = nil, facilitationFailure(fmt.Errorf("facilitator panicked: %v", r))
		}
	}()
	return l.facilitation.Run(ctx, ev, inputs)
}

// runAdvise runs the advise chain, turning an adviser panic into an error.
func (l *NodeEventListener) runAdvise(ctx context.Context, ev *sdk.NodeEvent) (resp *engine.AdviserResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithNodeExecutionID(ev.NodeExecutionID).
				WithField("stack", string(debug.Stack())).
				Errorf("adviser panicked: %v", r)
			resp, err = nil, engine.NewPermanentError(fmt.Sprintf("adviser panicked: %v", r), nil).
				WithCode(engine.ErrCodeInternal).
				WithResource(ev.NodeExecutionID)
		}
	}()
	return l.advise.Run(ctx, ev)
}

// inputError returns transient resolution errors for redelivery and reports
// the rest against the event.
func (l *NodeEventListener) inputError(ctx context.Context, ev *sdk.NodeEvent, err error) error {
	if engine.IsRetryable(err) {
		return fmt.Errorf("failed to resolve inputs of %s: %w", ev.NodeExecutionID, err)
	}
	if ev.Type == sdk.NodeEventFacilitate {
		return l.svc.HandleFacilitateResponse(ctx, ev.Target(), nil, facilitationFailure(err))
	}
	return l.svc.HandleEventError(ctx, ev.Target(), ev.Type, failureInfo(err))
}
