package executor

import (
	"context"
	"fmt"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
)

// FacilitationChain evaluates the facilitators of a plan node in declared
// order. The first facilitator returning a response decides the mode.
type FacilitationChain struct {
	registry *Registry
}

// NewFacilitationChain creates a chain over registry.
func NewFacilitationChain(registry *Registry) *FacilitationChain {
	return &FacilitationChain{registry: registry}
}

// Run returns the winning facilitator response. When no facilitator decides
// it returns nil and nil; when a facilitator fails it returns the failure.
func (c *FacilitationChain) Run(ctx context.Context, ev *sdk.NodeEvent, inputs *engine.StepInputPackage) (*engine.FacilitatorResponse, *engine.FailureInfo) {
	for _, obt := range ev.Facilitate.Facilitators {
		f, err := c.registry.Facilitator(obt.Type)
		if err != nil {
			return nil, facilitationFailure(err)
		}
		resp, err := f.Facilitate(ctx, ev.Ambiance, ev.StepParameters, obt.Parameters, inputs)
		if err != nil {
			return nil, facilitationFailure(fmt.Errorf("facilitator %s: %w", obt.Type, err))
		}
		if resp == nil {
			continue
		}
		if err := resp.ExecutionMode.Validate(); err != nil {
			return nil, facilitationFailure(fmt.Errorf("facilitator %s: %w", obt.Type, err))
		}
		return resp, nil
	}
	return nil, nil
}

func facilitationFailure(err error) *engine.FailureInfo {
	return engine.NewFailureInfo(engine.FailureFacilitation, engine.ErrCodeFacilitationFailed, err.Error())
}

// AdviseChain evaluates the advisers of a plan node in declared order. An
// adviser answers only when its CanAdvise gate passes; the first non-nil
// response wins and later advisers are never asked.
type AdviseChain struct {
	registry *Registry
}

// NewAdviseChain creates a chain over registry.
func NewAdviseChain(registry *Registry) *AdviseChain {
	return &AdviseChain{registry: registry}
}

// Run returns the first adviser response, or nil when no adviser applies.
func (c *AdviseChain) Run(ctx context.Context, ev *sdk.NodeEvent) (*engine.AdviserResponse, error) {
	p := ev.Advise
	for _, obt := range p.Advisers {
		a, err := c.registry.Adviser(obt.Type)
		if err != nil {
			return nil, err
		}
		event := &engine.AdvisingEvent{
			Ambiance:          ev.Ambiance,
			NodeExecutionID:   ev.NodeExecutionID,
			FromStatus:        p.FromStatus,
			ToStatus:          p.ToStatus,
			FailureInfo:       p.FailureInfo,
			AdviserParameters: obt.Parameters,
			StepParameters:    ev.StepParameters,
			RetryIDs:          p.RetryIDs,
		}
		if !a.CanAdvise(ctx, event) {
			continue
		}
		resp, err := a.OnAdviseEvent(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("adviser %s: %w", obt.Type, err)
		}
		if resp == nil {
			continue
		}
		if err := resp.Validate(); err != nil {
			return nil, engine.NewPermanentError("adviser "+obt.Type+" returned an invalid response", err).
				WithCode(engine.ErrCodeValidation)
		}
		return resp, nil
	}
	return nil, nil
}
