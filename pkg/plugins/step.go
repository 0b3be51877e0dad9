package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/sdk"
)

// StepType is the step that runs a WASM module as a task.
const StepType = "WASM"

// Register adds the WASM step to registry and the task handler to runner.
func Register(registry *executor.Registry, runner *executor.LocalTaskRunner, host *Host) {
	registry.RegisterStep(StepType, Step{})
	runner.RegisterHandler(TaskType, host)
}

// Step dispatches its parameters as a WASM task and publishes the module
// output as the "result" outcome. Stdout that is a JSON document is
// published as is; any other output is published as a JSON string.
type Step struct{}

type stepParams struct {
	Params
	Timeout string `json:"timeout,omitempty"`
}

// ObtainTask implements engine.TaskExecutable.
func (Step) ObtainTask(_ context.Context, sc *engine.StepContext) (*engine.TaskRequest, error) {
	var p stepParams
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Module == "" {
		return nil, engine.NewPermanentError("wasm step needs a module", nil).WithCode(engine.ErrCodeValidation)
	}
	req := &engine.TaskRequest{TaskType: TaskType}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid timeout %q", p.Timeout), err).
				WithCode(engine.ErrCodeValidation)
		}
		req.Timeout = d
	}
	params, err := json.Marshal(p.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wasm parameters: %w", err)
	}
	req.Parameters = params
	return req, nil
}

// HandleTaskResult implements engine.TaskExecutable.
func (Step) HandleTaskResult(_ context.Context, _ *engine.StepContext, responses map[string]engine.ResponseData) (*engine.StepResponse, error) {
	for _, r := range responses {
		if r.Error != nil {
			return &engine.StepResponse{
				Status:      engine.StatusFailed,
				FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "WASM_FAILED", r.Error.Message),
			}, nil
		}
		var res Result
		if err := json.Unmarshal(r.Data, &res); err != nil {
			return nil, fmt.Errorf("failed to decode wasm result: %w", err)
		}
		out := json.RawMessage(res.Stdout)
		if !json.Valid(out) {
			quoted, err := json.Marshal(res.Stdout)
			if err != nil {
				return nil, err
			}
			out = quoted
		}
		return &engine.StepResponse{
			Status:       engine.StatusSucceeded,
			StepOutcomes: []engine.StepOutcome{{Name: "result", Outcome: out}},
		}, nil
	}
	return nil, fmt.Errorf("wasm step resumed without a task result")
}
