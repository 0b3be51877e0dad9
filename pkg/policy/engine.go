package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// Engine evaluates plan policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
}

type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(ctx context.Context, logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.Add(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Add compiles p and stores it, replacing a policy of the same name.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query, compiled: time.Now()}
	e.mu.Unlock()

	e.logger.WithField("policy", p.Name).Debug("policy compiled")
	return nil
}

// LoadPolicies loads and compiles the policies found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for _, p := range policies {
		if err := e.Add(ctx, p); err != nil {
			return err
		}
	}
	e.logger.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

// EvaluatePlan evaluates every enabled policy against in.
func (e *Engine) EvaluatePlan(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	doc, err := inputDocument(in)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	res := &Result{Allowed: true, EvaluatedPolicies: make([]string, 0, len(compiled))}
	for _, cp := range compiled {
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, cp.policy.Name)
		violations, err := evaluate(ctx, cp, doc)
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("policy evaluation failed")
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", cp.policy.Name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	res.Duration = time.Since(start)

	planID := ""
	if in.Plan != nil {
		planID = in.Plan.UUID
	}
	e.logger.WithFields(map[string]interface{}{
		"plan_id":    planID,
		"operation":  in.Operation,
		"violations": len(res.Violations),
		"warnings":   len(res.Warnings),
		"duration":   res.Duration.String(),
	}).Debug("plan policy evaluation completed")
	return res, nil
}

// Admit evaluates in and returns a permanent POLICY_DENIED error when a
// blocking violation is found. Warnings are logged.
func (e *Engine) Admit(ctx context.Context, in Input) (*Result, error) {
	res, err := e.EvaluatePlan(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		e.logger.WithFields(map[string]interface{}{"policy": w.Policy, "node": w.Node}).Warn(w.Message)
	}
	if res.Allowed {
		return res, nil
	}

	msgs := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	denied := engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation(string(in.Operation))
	if in.Plan != nil {
		denied = denied.WithResource(in.Plan.UUID)
	}
	return res, denied
}

// inputDocument converts in to the plain JSON value OPA evaluates.
func inputDocument(in Input) (interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, doc interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Node != violations[j].Node {
			return violations[i].Node < violations[j].Node
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

func newViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if node, ok := r["node"].(string); ok {
			v.Node = node
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", r)
	}
	return v
}

// Get returns a policy by name.
func (e *Engine) Get(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, engine.NewNotFoundError("policy", name)
	}
	return cp.policy, nil
}

// Policies returns every policy sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable enables a policy by name.
func (e *Engine) Enable(name string) error { return e.setEnabled(name, true) }

// Disable disables a policy by name.
func (e *Engine) Disable(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]interface{}{"policy": name, "enabled": enabled}).Info("policy toggled")
	return nil
}
