package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
)

// Built-in step types.
const (
	NoopStepType   = "NOOP"
	ShellStepType  = "SHELL"
	FanoutStepType = "FANOUT"
)

// RegisterBuiltinSteps adds the generic steps every process can run.
func RegisterBuiltinSteps(registry *Registry) {
	registry.RegisterStep(NoopStepType, NoopStep{})
	registry.RegisterStep(ShellStepType, ShellStep{})
	registry.RegisterStep(FanoutStepType, FanoutStep{})
}

// NoopParams are the parameters of a NOOP step.
type NoopParams struct {
	// Status is the terminal status to report, SUCCESS when empty.
	Status engine.Status `json:"status,omitempty"`

	// Outcomes are published as step outcomes by name.
	Outcomes map[string]json.RawMessage `json:"outcomes,omitempty"`
}

// NoopStep completes synchronously with the configured status and
// outcomes.
type NoopStep struct{}

// ExecuteSync implements engine.SyncExecutable.
func (NoopStep) ExecuteSync(_ context.Context, sc *engine.StepContext) (*engine.StepResponse, error) {
	var p NoopParams
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	status := p.Status
	if status == "" {
		status = engine.StatusSucceeded
	}
	resp := &engine.StepResponse{Status: status}
	if status.IsFailure() {
		resp.FailureInfo = engine.NewFailureInfo(engine.FailureApplication, "NOOP_FAILED", "step configured to "+string(status))
	}

	names := make([]string, 0, len(p.Outcomes))
	for name := range p.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.StepOutcomes = append(resp.StepOutcomes, engine.StepOutcome{Name: name, Outcome: p.Outcomes[name]})
	}
	return resp, nil
}

// ShellStep runs its parameters as a SHELL task and publishes the result as
// the "result" outcome.
type ShellStep struct{}

type shellStepParams struct {
	ShellParams
	Timeout string `json:"timeout,omitempty"`
}

// ObtainTask implements engine.TaskExecutable.
func (ShellStep) ObtainTask(_ context.Context, sc *engine.StepContext) (*engine.TaskRequest, error) {
	var p shellStepParams
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, engine.NewPermanentError("shell step needs a command", nil).WithCode(engine.ErrCodeValidation)
	}
	req := &engine.TaskRequest{TaskType: ShellTaskType}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid timeout %q", p.Timeout), err).
				WithCode(engine.ErrCodeValidation)
		}
		req.Timeout = d
	}
	params, err := json.Marshal(p.ShellParams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shell parameters: %w", err)
	}
	req.Parameters = params
	return req, nil
}

// HandleTaskResult implements engine.TaskExecutable.
func (ShellStep) HandleTaskResult(_ context.Context, _ *engine.StepContext, responses map[string]engine.ResponseData) (*engine.StepResponse, error) {
	for _, r := range responses {
		if r.Error != nil {
			return &engine.StepResponse{
				Status:      engine.StatusFailed,
				FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "SHELL_FAILED", r.Error.Message),
			}, nil
		}
		return &engine.StepResponse{
			Status:       engine.StatusSucceeded,
			StepOutcomes: []engine.StepOutcome{{Name: "result", Outcome: r.Data}},
		}, nil
	}
	return nil, engine.NewPermanentError("shell step resumed without a task result", nil).
		WithCode(engine.ErrCodeValidation)
}

// FanoutParams are the parameters of a FANOUT step.
type FanoutParams struct {
	Children       []string `json:"children"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

// FanoutStep spawns the listed plan nodes as children and succeeds when all
// of them ended positively.
type FanoutStep struct{}

// ObtainChildren implements engine.ChildrenExecutable.
func (FanoutStep) ObtainChildren(_ context.Context, sc *engine.StepContext) (*engine.ChildrenResponse, error) {
	var p FanoutParams
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	if len(p.Children) == 0 {
		return nil, engine.NewPermanentError("fanout step needs children", nil).WithCode(engine.ErrCodeValidation)
	}
	resp := &engine.ChildrenResponse{MaxConcurrency: p.MaxConcurrency}
	for _, id := range p.Children {
		resp.Children = append(resp.Children, engine.ChildSpec{ChildNodeID: id})
	}
	return resp, nil
}

// HandleChildrenResponse implements engine.ChildrenExecutable.
func (FanoutStep) HandleChildrenResponse(_ context.Context, _ *engine.StepContext, responses map[string]engine.ResponseData) (*engine.StepResponse, error) {
	statuses, err := sdk.ChildStatuses(responses)
	if err != nil {
		return nil, err
	}
	for _, cs := range statuses {
		if !cs.Status.IsPositive() {
			return &engine.StepResponse{
				Status: engine.StatusFailed,
				FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "CHILD_FAILED",
					fmt.Sprintf("child %s ended %s", cs.NodeID, cs.Status)),
			}, nil
		}
	}
	return &engine.StepResponse{Status: engine.StatusSucceeded}, nil
}
