// Package advisers provides the built-in advisers. Every adviser reads its
// decision from the obtainment parameters of the plan node and can be
// narrowed with a gate: a status list, a failure type list and a Starlark
// `when` expression.
package advisers

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// Adviser types registered by Register.
const (
	TypeRetry              = "RETRY"
	TypeOnFail             = "ON_FAIL"
	TypeNextStep           = "NEXT_STEP"
	TypeManualIntervention = "MANUAL_INTERVENTION"
	TypeIgnoreFailure      = "IGNORE_FAILURE"
	TypeMarkSuccess        = "MARK_SUCCESS"
	TypeMarkFailure        = "MARK_FAILURE"
	TypeEndPlan            = "END_PLAN"
)

var validate = validator.New()

// Duration is a time.Duration that decodes from "30s" style strings or
// from nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// Gate narrows when an adviser applies. Empty fields do not constrain.
type Gate struct {
	When         string               `json:"when,omitempty"`
	Statuses     []engine.Status      `json:"statuses,omitempty"`
	FailureTypes []engine.FailureType `json:"failure_types,omitempty"`
}

// Next names the sibling a decision continues with.
type Next struct {
	NextNodeID string `json:"next_node_id,omitempty"`
}

// RetryParams configure the RETRY adviser. Once RetryCount attempts have
// been made the After decision applies; without one the next adviser is
// asked.
type RetryParams struct {
	Gate
	Next
	RetryCount    int               `json:"retry_count" validate:"gte=0"`
	WaitIntervals []Duration        `json:"wait_intervals,omitempty"`
	After         engine.AdviseType `json:"after,omitempty"`
}

// InterventionParams configure the MANUAL_INTERVENTION adviser.
type InterventionParams struct {
	Gate
	Timeout          Duration          `json:"timeout,omitempty"`
	RepairActionCode engine.AdviseType `json:"repair_action_code,omitempty"`
}

// NextParams configure the advisers that only name a next node.
type NextParams struct {
	Gate
	Next
}

// EndPlanParams configure the END_PLAN adviser.
type EndPlanParams struct {
	Gate
	Abort bool `json:"abort"`
}

// Register adds every built-in adviser to registry.
func Register(registry *executor.Registry, logger *telemetry.Logger) {
	cond := NewCondition(0)
	logger = logger.NewComponentLogger("advisers")
	mk := func(name string, applies func(engine.Status) bool, decide decideFunc) *adviser {
		return &adviser{name: name, applies: applies, decide: decide, cond: cond, logger: logger}
	}

	registry.RegisterAdviser(TypeRetry, mk(TypeRetry, isFailure, decideRetry))
	registry.RegisterAdviser(TypeOnFail, mk(TypeOnFail, isFailure, decideNext(engine.AdviseNextStep, true)))
	registry.RegisterAdviser(TypeNextStep, mk(TypeNextStep, engine.Status.IsPositive, decideNext(engine.AdviseNextStep, true)))
	registry.RegisterAdviser(TypeIgnoreFailure, mk(TypeIgnoreFailure, isFailure, decideNext(engine.AdviseIgnoreFailure, false)))
	registry.RegisterAdviser(TypeMarkSuccess, mk(TypeMarkSuccess, isFailure, decideNext(engine.AdviseMarkSuccess, false)))
	registry.RegisterAdviser(TypeMarkFailure, mk(TypeMarkFailure, engine.Status.IsTerminal, decideNext(engine.AdviseMarkFailure, false)))
	registry.RegisterAdviser(TypeManualIntervention, mk(TypeManualIntervention, isFailure, decideIntervention))
	registry.RegisterAdviser(TypeEndPlan, mk(TypeEndPlan, engine.Status.IsTerminal, decideEndPlan))
}

func isFailure(s engine.Status) bool {
	return s.IsFailure()
}

type decideFunc func(ev *engine.AdvisingEvent) (*engine.AdviserResponse, error)

type adviser struct {
	name    string
	applies func(engine.Status) bool
	decide  decideFunc
	cond    *Condition
	logger  *telemetry.Logger
}

// CanAdvise implements engine.Adviser.
func (a *adviser) CanAdvise(ctx context.Context, ev *engine.AdvisingEvent) bool {
	var g Gate
	if err := sdk.ParseParams(ev.AdviserParameters, &g); err != nil {
		a.warn(ev, err)
		return false
	}
	if len(g.Statuses) > 0 {
		if !slices.Contains(g.Statuses, ev.ToStatus) {
			return false
		}
	} else if !a.applies(ev.ToStatus) {
		return false
	}
	if len(g.FailureTypes) > 0 && !ev.FailureInfo.HasFailureType(g.FailureTypes...) {
		return false
	}
	ok, err := a.cond.Eval(ctx, g.When, ev)
	if err != nil {
		a.warn(ev, err)
		return false
	}
	return ok
}

// OnAdviseEvent implements engine.Adviser.
func (a *adviser) OnAdviseEvent(_ context.Context, ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	return a.decide(ev)
}

func (a *adviser) warn(ev *engine.AdvisingEvent, err error) {
	a.logger.WithNodeExecution(ev.Ambiance.PlanExecutionID, ev.NodeExecutionID, ev.Ambiance.CurrentIdentifier()).
		WithField("adviser", a.name).
		WithError(err).
		Warn("adviser gate rejected the event")
}

func parse(raw json.RawMessage, v interface{}) error {
	if err := sdk.ParseParams(raw, v); err != nil {
		return engine.NewPermanentError("invalid adviser parameters", err).WithCode(engine.ErrCodeValidation)
	}
	if err := validate.Struct(v); err != nil {
		return engine.NewPermanentError("invalid adviser parameters", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func decideRetry(ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	var p RetryParams
	if err := parse(ev.AdviserParameters, &p); err != nil {
		return nil, err
	}
	attempt := len(ev.RetryIDs)
	if attempt < p.RetryCount {
		resp := engine.NewAdviserResponse(engine.AdviseRetry, "")
		resp.Retry.RetryCount = p.RetryCount
		if n := len(p.WaitIntervals); n > 0 {
			resp.Retry.WaitInterval = time.Duration(p.WaitIntervals[min(attempt, n-1)])
		}
		return resp, nil
	}

	switch p.After {
	case "":
		return nil, nil
	case engine.AdviseRetry, engine.AdviseUnknown:
		return nil, engine.NewPermanentError(fmt.Sprintf("%s cannot follow exhausted retries", p.After), nil).
			WithCode(engine.ErrCodeValidation)
	case engine.AdviseNextStep:
		if p.NextNodeID == "" {
			return nil, engine.NewPermanentError("next_node_id is required after retries", nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	if err := p.After.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid after action", err).WithCode(engine.ErrCodeValidation)
	}
	return engine.NewAdviserResponse(p.After, p.NextNodeID), nil
}

// decideNext answers with t. requireNext makes next_node_id mandatory.
func decideNext(t engine.AdviseType, requireNext bool) decideFunc {
	return func(ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
		var p NextParams
		if err := parse(ev.AdviserParameters, &p); err != nil {
			return nil, err
		}
		if requireNext && p.NextNodeID == "" {
			return nil, engine.NewPermanentError("next_node_id is required", nil).
				WithCode(engine.ErrCodeValidation)
		}
		return engine.NewAdviserResponse(t, p.NextNodeID), nil
	}
}

func decideIntervention(ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	var p InterventionParams
	if err := parse(ev.AdviserParameters, &p); err != nil {
		return nil, err
	}
	if p.RepairActionCode != "" {
		if err := p.RepairActionCode.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid repair action", err).WithCode(engine.ErrCodeValidation)
		}
	}
	resp := engine.NewAdviserResponse(engine.AdviseInterventionWait, "")
	resp.InterventionWait.Timeout = time.Duration(p.Timeout)
	resp.InterventionWait.RepairActionCode = p.RepairActionCode
	return resp, nil
}

func decideEndPlan(ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	var p EndPlanParams
	if err := parse(ev.AdviserParameters, &p); err != nil {
		return nil, err
	}
	resp := engine.NewAdviserResponse(engine.AdviseEndPlan, "")
	resp.EndPlan.Abort = p.Abort
	return resp, nil
}
