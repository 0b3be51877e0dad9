package policy

import (
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with its metadata.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Operation is what the plan is being admitted for.
type Operation string

const (
	OperationStart Operation = "start"
	OperationRetry Operation = "retry"
)

// Input is the document policies see as input.
type Input struct {
	Plan      *engine.Plan      `json:"plan"`
	Setup     map[string]string `json:"setup,omitempty"`
	Operation Operation         `json:"operation"`

	// RetryOf is the retried plan execution for OperationRetry.
	RetryOf string `json:"retry_of,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Node     string   `json:"node,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed bool `json:"allowed"`

	// Violations block the plan; Warnings do not.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// Errors lists policies whose evaluation failed. They do not block.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}
