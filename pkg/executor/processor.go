package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// ExecutableProcessor runs the ExecuteStrategy of a node's mode for START,
// RESUME and PROGRESS events. A strategy or step that fails or panics is
// reported to the engine as HANDLE_EVENT_ERROR; only failures to reach the
// engine are returned to the caller.
type ExecutableProcessor struct {
	registry   *Registry
	strategies map[engine.ExecutionMode]ExecuteStrategy
	completer  completer
	gate       *progressGate
	svc        *sdk.NodeExecutionService
	outputs    *outputs.Service
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
}

// NewExecutableProcessor creates a processor with the strategies of every
// execution mode installed.
func NewExecutableProcessor(registry *Registry, svc *sdk.NodeExecutionService, outs *outputs.Service, tel *telemetry.Telemetry) *ExecutableProcessor {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	c := completer{svc: svc, outputs: outs}
	return &ExecutableProcessor{
		registry: registry,
		strategies: map[engine.ExecutionMode]ExecuteStrategy{
			engine.ModeSync:       &syncStrategy{c},
			engine.ModeAsync:      &asyncStrategy{c},
			engine.ModeChild:      &childStrategy{c},
			engine.ModeChildren:   &childrenStrategy{c},
			engine.ModeChildChain: &childChainStrategy{c},
			engine.ModeTask:       &taskStrategy{c},
			engine.ModeTaskChain:  &taskChainStrategy{c},
		},
		completer: c,
		gate:      newProgressGate(resumedCallbackLimit),
		svc:       svc,
		outputs:   outs,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("executor"),
	}
}

// Start runs the strategy start of ev's mode.
func (p *ExecutableProcessor) Start(ctx context.Context, ev *sdk.NodeEvent, inputs *engine.StepInputPackage) error {
	passThrough := ev.Start.FacilitatorResponse.PassThroughData
	return p.invoke(ctx, ev, inputs, func(ctx context.Context, s ExecuteStrategy, inv *Invocation) error {
		inv.Context.PassThroughData = passThrough
		return s.Start(ctx, inv)
	})
}

// Resume runs the strategy resume of ev's mode. An async error resume
// completes the node as ERRORED without calling into the step.
func (p *ExecutableProcessor) Resume(ctx context.Context, ev *sdk.NodeEvent) error {
	unlock := p.gate.lock(ev.NodeExecutionID)
	defer unlock()

	resume := ev.Resume
	defer p.gate.markResumed(ev.NodeExecutionID, maps.Keys(resume.Responses))
	return p.invoke(ctx, ev, nil, func(ctx context.Context, s ExecuteStrategy, inv *Invocation) error {
		if resume.AsyncError {
			return p.completer.complete(ctx, inv, asyncErrorResponse(resume.Responses))
		}
		return s.Resume(ctx, inv, resume)
	})
}

// Progress hands ev's progress data to the step when its strategy and the
// step accept progress. Other progress events are dropped, as is progress
// for a callback whose resume was already handled.
func (p *ExecutableProcessor) Progress(ctx context.Context, ev *sdk.NodeEvent) error {
	unlock := p.gate.lock(ev.NodeExecutionID)
	defer unlock()

	if p.gate.resumed(ev.NodeExecutionID, ev.Progress.CorrelationID) {
		p.logger.WithNodeExecutionID(ev.NodeExecutionID).
			WithField("correlation_id", ev.Progress.CorrelationID).
			Debug("progress after resume dropped")
		return nil
	}
	return p.invoke(ctx, ev, nil, func(ctx context.Context, s ExecuteStrategy, inv *Invocation) error {
		ps, ok := s.(ProgressStrategy)
		if !ok {
			return nil
		}
		return ps.Progress(ctx, inv, ev.Progress)
	})
}

func (p *ExecutableProcessor) invoke(ctx context.Context, ev *sdk.NodeEvent, inputs *engine.StepInputPackage, fn func(context.Context, ExecuteStrategy, *Invocation) error) (err error) {
	logger := p.logger.WithNodeExecution(ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.NodeID).
		WithField("event_type", ev.Type)
	ctx, span := p.tel.Tracer.StartNodeSpan(ctx, strings.ToLower(string(ev.Type)), ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.StepType)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("step panicked: %v", r)
			err = p.reportError(ctx, ev, fmt.Errorf("step panicked: %v", r))
		}
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}()

	s, ok := p.strategies[ev.Mode]
	if !ok {
		return p.reportError(ctx, ev, engine.NewPermanentError("no strategy for mode "+string(ev.Mode), nil).
			WithCode(engine.ErrCodeUnsupportedMode))
	}
	step, err := p.registry.Step(ev.StepType)
	if err != nil {
		return p.reportError(ctx, ev, err)
	}
	if inputs == nil {
		inputs = &engine.StepInputPackage{}
	}
	inv := &Invocation{
		Event:  ev,
		Target: ev.Target(),
		Step:   step,
		Context: &engine.StepContext{
			Ambiance:        ev.Ambiance,
			NodeExecutionID: ev.NodeExecutionID,
			StepType:        ev.StepType,
			Parameters:      ev.StepParameters,
			Inputs:          inputs,
			Outputs:         p.outputs,
		},
	}

	if err := fn(ctx, s, inv); err != nil {
		if isDeliveryError(err) {
			logger.WithError(err).Warn("response event not delivered")
			return err
		}
		logger.WithError(err).Warn("step failed")
		return p.reportError(ctx, ev, err)
	}
	return nil
}

// reportError publishes HANDLE_EVENT_ERROR for ev.
func (p *ExecutableProcessor) reportError(ctx context.Context, ev *sdk.NodeEvent, cause error) error {
	info := failureInfo(cause)
	var ee *engine.EngineError
	if errors.As(cause, &ee) {
		p.tel.Metrics.RecordError(string(ee.Class), ee.Code)
	}
	if err := p.svc.HandleEventError(ctx, ev.Target(), ev.Type, info); err != nil {
		return fmt.Errorf("failed to report %s error of %s: %w", ev.Type, ev.NodeExecutionID, err)
	}
	return nil
}

// failureInfo describes err as an application failure. Engine errors keep
// their code.
func failureInfo(err error) *engine.FailureInfo {
	code := "STEP_ERROR"
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		code = ee.Code
	}
	return engine.NewFailureInfo(engine.FailureApplication, code, err.Error())
}

// resumedCallbackLimit bounds the callbacks a progressGate remembers.
const resumedCallbackLimit = 4096

// progressGate orders PROGRESS against RESUME of the same node execution.
// Both run under a per node lock, and a callback that was resumed takes no
// more progress. Redelivered or reordered progress messages therefore never
// reach a step after its terminal call.
type progressGate struct {
	mu    sync.Mutex
	nodes map[string]*gateEntry
	done  map[string]struct{}
	order []string
	limit int
}

type gateEntry struct {
	mu   sync.Mutex
	refs int
}

func newProgressGate(limit int) *progressGate {
	return &progressGate{
		nodes: make(map[string]*gateEntry),
		done:  make(map[string]struct{}),
		limit: limit,
	}
}

func (g *progressGate) lock(nodeExecutionID string) (unlock func()) {
	g.mu.Lock()
	e := g.nodes[nodeExecutionID]
	if e == nil {
		e = &gateEntry{}
		g.nodes[nodeExecutionID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		g.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.nodes, nodeExecutionID)
		}
		g.mu.Unlock()
	}
}

func (g *progressGate) markResumed(nodeExecutionID string, callbackIDs iter.Seq[string]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range callbackIDs {
		k := nodeExecutionID + "/" + id
		if _, ok := g.done[k]; ok {
			continue
		}
		g.done[k] = struct{}{}
		g.order = append(g.order, k)
	}
	for len(g.order) > g.limit {
		delete(g.done, g.order[0])
		g.order = g.order[1:]
	}
}

func (g *progressGate) resumed(nodeExecutionID, callbackID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.done[nodeExecutionID+"/"+callbackID]
	return ok
}
