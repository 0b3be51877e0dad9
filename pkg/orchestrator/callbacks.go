package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

type resumePayload struct {
	NodeExecutionID string `json:"node_execution_id"`
	Key             string `json:"key"`
}

type childrenPayload struct {
	ParentID string `json:"parent_id"`
}

type interventionPayload struct {
	NodeExecutionID string `json:"node_execution_id"`
}

// InterventionDecision is the manual decision that resolves an
// INTERVENTION_WAIT.
type InterventionDecision struct {
	Type       engine.AdviseType `json:"type"`
	NextNodeID string            `json:"next_node_id,omitempty"`
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return engine.NewPermanentError("invalid callback payload", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// toResponseData converts wait responses into the resume map. Error
// responses carry their payload as the error message when it is not an
// ErrorResponse.
func toResponseData(responses map[string]waitnotify.Response) map[string]engine.ResponseData {
	out := make(map[string]engine.ResponseData, len(responses))
	for id, r := range responses {
		if !r.Error {
			out[id] = engine.ResponseData{Data: r.Data}
			continue
		}
		var e engine.ErrorResponse
		if err := json.Unmarshal(r.Data, &e); err != nil || e.Message == "" {
			e = engine.ErrorResponse{Message: string(r.Data), FailureTypes: []engine.FailureType{engine.FailureAsync}}
		}
		out[id] = engine.ResponseData{Error: &e}
	}
	return out
}

// resumeCallback resumes a suspended node once everything it waited on
// responded.
type resumeCallback struct {
	o *Orchestrator
}

func (c *resumeCallback) OnResume(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response) error {
	return c.resume(ctx, payload, responses, false)
}

func (c *resumeCallback) OnError(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response) error {
	return c.resume(ctx, payload, responses, true)
}

func (c *resumeCallback) resume(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response, asyncError bool) error {
	var p resumePayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	ne, err := c.o.nodes.Get(ctx, p.NodeExecutionID)
	if err != nil {
		return err
	}
	if !ne.Status.IsRunning() {
		c.o.nodeLogger(ne).WithField("status", ne.Status).Debug("resume dropped for inactive node")
		return nil
	}
	if aborted, err := c.o.abortIfInterrupted(ctx, ne); err != nil || aborted {
		return err
	}
	return c.o.publishResume(ctx, ne, p.Key, toResponseData(responses), asyncError, nil)
}

// onProgress forwards a progress update of a suspended node to its step.
func (o *Orchestrator) onProgress(ctx context.Context, payload json.RawMessage, correlationID string, data json.RawMessage) error {
	var p resumePayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	ne, err := o.nodes.Get(ctx, p.NodeExecutionID)
	if err != nil {
		return err
	}
	if !ne.Status.IsRunning() {
		return nil
	}
	return o.events.Publish(ctx, &sdk.NodeEvent{
		Type:            sdk.NodeEventProgress,
		NodeExecutionID: ne.UUID,
		NotifyID:        ne.NotifyID,
		Ambiance:        ne.Ambiance,
		NodeID:          ne.NodeID,
		StepType:        ne.StepType,
		Mode:            ne.Mode,
		StepParameters:  ne.ResolvedParameters,
		Progress:        &sdk.ProgressPayload{CorrelationID: correlationID, Data: data},
	}, 0)
}

// childrenCallback starts the next deferred child whenever a child of a
// concurrency bounded parent ends.
type childrenCallback struct {
	o *Orchestrator
}

func (c *childrenCallback) OnResume(ctx context.Context, payload json.RawMessage, _ map[string]waitnotify.Response) error {
	var p childrenPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	return c.o.startNextDeferredChild(ctx, p.ParentID)
}

func (c *childrenCallback) OnError(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response) error {
	return c.OnResume(ctx, payload, responses)
}

// interventionCallback applies the manual decision of an intervention wait.
type interventionCallback struct {
	o *Orchestrator
}

func (c *interventionCallback) OnResume(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response) error {
	var p interventionPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	r, ok := responses[InterventionCorrelationID(p.NodeExecutionID)]
	if !ok {
		return engine.NewPermanentError("intervention response missing", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(p.NodeExecutionID)
	}
	var d InterventionDecision
	if err := decodePayload(r.Data, &d); err != nil {
		return err
	}
	ne, err := c.o.nodes.Get(ctx, p.NodeExecutionID)
	if err != nil {
		return err
	}
	return c.o.ApplyAdviserResponse(ctx, ne, engine.NewAdviserResponse(d.Type, d.NextNodeID))
}

func (c *interventionCallback) OnError(ctx context.Context, payload json.RawMessage, responses map[string]waitnotify.Response) error {
	return c.OnResume(ctx, payload, responses)
}

// ResolveIntervention delivers the manual decision for a node parked in
// INTERVENTION_WAIT. Only the first decision counts.
func (o *Orchestrator) ResolveIntervention(ctx context.Context, nodeExecutionID string, decision InterventionDecision) error {
	if err := decision.Type.Validate(); err != nil {
		return engine.NewPermanentError("invalid intervention decision", err).WithCode(engine.ErrCodeValidation)
	}
	if decision.Type == engine.AdviseInterventionWait || decision.Type == engine.AdviseUnknown {
		return engine.NewPermanentError("intervention decision must resolve the wait", nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("type", decision.Type)
	}
	if decision.Type == engine.AdviseNextStep && decision.NextNodeID == "" {
		return engine.NewPermanentError("NEXT_STEP needs a next node", nil).WithCode(engine.ErrCodeValidation)
	}
	ne, err := o.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if ne.AdviserResponse == nil || ne.AdviserResponse.Type != engine.AdviseInterventionWait {
		return engine.NewConflictError("node is not waiting for intervention", nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(nodeExecutionID)
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	if err := o.waits.Notify(ctx, InterventionCorrelationID(nodeExecutionID), data); err != nil {
		return fmt.Errorf("failed to resolve intervention of %s: %w", nodeExecutionID, err)
	}
	return nil
}
