package advisers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/pms/pkg/engine"
)

const (
	defaultConditionTimeout = time.Second
	maxConditionSteps       = 1_000_000
)

// Condition evaluates Starlark `when` expressions against advising events.
// The expression sees the following names:
//
//	status          terminal status of the node
//	from_status     status the node left
//	failure_types   list of failure types, empty on success
//	error           failure message, empty on success
//	retry_count     number of earlier attempts of the node
//	identifier      plan node identifier
//	group           plan node group
//	step_type       step type
//	setup           setup abstractions dict
//	matrix          matrix values of the nearest looped level
//	params          decoded step parameters, or None
type Condition struct {
	timeout time.Duration
}

// NewCondition creates a condition evaluator. A zero timeout means one
// second.
func NewCondition(timeout time.Duration) *Condition {
	if timeout <= 0 {
		timeout = defaultConditionTimeout
	}
	return &Condition{timeout: timeout}
}

// Eval evaluates expr and reports its truth value. An empty expression is
// true.
func (c *Condition) Eval(ctx context.Context, expr string, ev *engine.AdvisingEvent) (bool, error) {
	if expr == "" {
		return true, nil
	}
	env, err := conditionEnv(ev)
	if err != nil {
		return false, err
	}

	thread := &starlark.Thread{
		Name:  "when",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxConditionSteps)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("condition timed out after %v", c.timeout))
	})
	defer stop()

	v, err := starlark.Eval(thread, "when", expr, env)
	if err != nil {
		return false, engine.NewPermanentError(fmt.Sprintf("invalid when condition %q", expr), err).
			WithCode(engine.ErrCodeValidation)
	}
	return bool(v.Truth()), nil
}

func conditionEnv(ev *engine.AdvisingEvent) (starlark.StringDict, error) {
	failureTypes := []interface{}{}
	message := ""
	if ev.FailureInfo != nil {
		for _, t := range ev.FailureInfo.FailureTypes {
			failureTypes = append(failureTypes, string(t))
		}
		message = ev.FailureInfo.ErrorMessage
	}

	var identifier, group, stepType string
	matrix := map[string]interface{}{}
	setup := map[string]interface{}{}
	if amb := ev.Ambiance; amb != nil {
		if l := amb.CurrentLevel(); l != nil {
			identifier, group, stepType = l.Identifier, l.Group, l.StepType
		}
		for i := len(amb.Levels) - 1; i >= 0; i-- {
			if md := amb.Levels[i].StrategyMetadata; md != nil {
				for k, v := range md.MatrixValues {
					matrix[k] = v
				}
				break
			}
		}
		for k, v := range amb.SetupAbstractions {
			setup[k] = v
		}
	}

	var params interface{}
	if len(ev.StepParameters) > 0 {
		if err := json.Unmarshal(ev.StepParameters, &params); err != nil {
			return nil, fmt.Errorf("failed to decode step parameters: %w", err)
		}
	}

	input := map[string]interface{}{
		"status":        string(ev.ToStatus),
		"from_status":   string(ev.FromStatus),
		"failure_types": failureTypes,
		"error":         message,
		"retry_count":   len(ev.RetryIDs),
		"identifier":    identifier,
		"group":         group,
		"step_type":     stepType,
		"setup":         setup,
		"matrix":        matrix,
		"params":        params,
	}
	env := starlark.StringDict{"struct": starlarkstruct.Default}
	for k, v := range input {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", k, err)
		}
		env[k] = sv
	}
	return env, nil
}

// toStarlarkValue converts decoded JSON values to Starlark values. Dict
// keys are inserted in sorted order so iteration in expressions is stable.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
