// Package facilitators provides one built-in facilitator per execution
// mode, registered under the mode name.
//
// Obtainment parameters:
//
//	initial_wait       delay before START, as "30s"
//	pass_through_data  JSON handed to the step untouched
//	skip_unless_input  answer only when the named ref object input resolved
package facilitators

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/sdk"
)

// Params are the obtainment parameters every built-in facilitator reads.
type Params struct {
	InitialWait     string          `json:"initial_wait,omitempty"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
	SkipUnlessInput string          `json:"skip_unless_input,omitempty"`
}

// Modes lists the modes Register installs a facilitator for.
var Modes = []engine.ExecutionMode{
	engine.ModeSync,
	engine.ModeAsync,
	engine.ModeChild,
	engine.ModeChildren,
	engine.ModeChildChain,
	engine.ModeTask,
	engine.ModeTaskChain,
}

// Facilitator always chooses one mode.
type Facilitator struct {
	Mode engine.ExecutionMode
}

// Facilitate implements engine.Facilitator.
func (f Facilitator) Facilitate(_ context.Context, _ *engine.Ambiance, _, obtainment json.RawMessage, inputs *engine.StepInputPackage) (*engine.FacilitatorResponse, error) {
	var p Params
	if err := sdk.ParseParams(obtainment, &p); err != nil {
		return nil, engine.NewPermanentError("invalid facilitator parameters", err).WithCode(engine.ErrCodeValidation)
	}
	if p.SkipUnlessInput != "" {
		if inputs == nil {
			return nil, nil
		}
		if _, ok := inputs.Inputs[p.SkipUnlessInput]; !ok {
			return nil, nil
		}
	}

	resp := &engine.FacilitatorResponse{
		ExecutionMode:   f.Mode,
		PassThroughData: p.PassThroughData,
	}
	if p.InitialWait != "" {
		d, err := time.ParseDuration(p.InitialWait)
		if err != nil || d < 0 {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid initial_wait %q", p.InitialWait), err).
				WithCode(engine.ErrCodeValidation)
		}
		resp.InitialWait = d
	}
	return resp, nil
}

// Register adds a facilitator for every mode to registry.
func Register(registry *executor.Registry) {
	for _, m := range Modes {
		registry.RegisterFacilitator(string(m), Facilitator{Mode: m})
	}
}
