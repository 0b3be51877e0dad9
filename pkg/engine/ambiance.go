package engine

import (
	"fmt"
	"maps"
	"strings"
)

// Setup abstraction keys carried on every ambiance.
const (
	SetupAccountID         = "accountId"
	SetupOrgIdentifier     = "orgIdentifier"
	SetupProjectIdentifier = "projectIdentifier"
)

// Structural groups used on levels.
const (
	GroupPipeline = "PIPELINE"
	GroupStages   = "STAGES"
	GroupStage    = "STAGE"
	GroupStep     = "STEP"
)

// StrategyMetadata identifies one fan-out instance of a looped or matrix node.
type StrategyMetadata struct {
	// CurrentIteration is the zero based index of this instance.
	CurrentIteration int `json:"current_iteration"`

	// TotalIterations is the fan-out width.
	TotalIterations int `json:"total_iterations"`

	// MatrixValues holds the axis values of a matrix instance.
	MatrixValues map[string]string `json:"matrix_values,omitempty"`

	// ForValue holds the item of a repeat/for instance.
	ForValue string `json:"for_value,omitempty"`
}

// Equal reports whether two metadata values describe the same instance.
func (m *StrategyMetadata) Equal(o *StrategyMetadata) bool {
	if m == nil || o == nil {
		return m == nil && o == nil
	}
	return m.CurrentIteration == o.CurrentIteration &&
		m.TotalIterations == o.TotalIterations &&
		m.ForValue == o.ForValue &&
		maps.Equal(m.MatrixValues, o.MatrixValues)
}

// Clone returns a deep copy of the metadata.
func (m *StrategyMetadata) Clone() *StrategyMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.MatrixValues = maps.Clone(m.MatrixValues)
	return &c
}

// Level is one hop of an ambiance path.
type Level struct {
	// SetupID is the plan node id.
	SetupID string `json:"setup_id"`

	// RuntimeID is the node execution id.
	RuntimeID string `json:"runtime_id"`

	// Identifier is the user facing identifier of the plan node.
	Identifier string `json:"identifier"`

	// Group is the structural tier of the node (PIPELINE, STAGE, STEP, ...).
	Group string `json:"group,omitempty"`

	// StepType is the step type of the node.
	StepType string `json:"step_type,omitempty"`

	// NodeKind is PLAN or IDENTITY.
	NodeKind NodeKind `json:"node_kind,omitempty"`

	// StartTs is the creation time of the level in unix milliseconds.
	StartTs int64 `json:"start_ts,omitempty"`

	// RetryIndex counts adviser retries of this node.
	RetryIndex int `json:"retry_index,omitempty"`

	// StrategyMetadata is set when the node runs under a looping strategy.
	StrategyMetadata *StrategyMetadata `json:"strategy_metadata,omitempty"`
}

// Ambiance identifies the position of a node execution inside one plan
// execution. Values are treated as immutable: every mutation helper returns
// a copy.
type Ambiance struct {
	// PlanExecutionID is the plan execution the path belongs to.
	PlanExecutionID string `json:"plan_execution_id"`

	// PlanID is the plan being executed.
	PlanID string `json:"plan_id"`

	// Levels is the ordered path from the root node to the current node.
	Levels []Level `json:"levels"`

	// SetupAbstractions carries tenant scoping (account, org, project).
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
}

// NewAmbiance creates the root ambiance of a plan execution.
func NewAmbiance(planExecutionID, planID string, setup map[string]string) (*Ambiance, error) {
	if planExecutionID == "" {
		return nil, fmt.Errorf("plan execution id is required")
	}
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	return &Ambiance{
		PlanExecutionID:   planExecutionID,
		PlanID:            planID,
		Levels:            []Level{},
		SetupAbstractions: maps.Clone(setup),
	}, nil
}

// Validate checks the ambiance for structural errors.
func (a *Ambiance) Validate() error {
	if a == nil {
		return fmt.Errorf("ambiance is nil")
	}
	if a.PlanExecutionID == "" {
		return fmt.Errorf("ambiance has no plan execution id")
	}
	seen := make(map[string]bool, len(a.Levels))
	for i, l := range a.Levels {
		if l.RuntimeID == "" || l.SetupID == "" {
			return fmt.Errorf("level %d is missing setup or runtime id", i)
		}
		if seen[l.RuntimeID] {
			return fmt.Errorf("level %d repeats runtime id %s", i, l.RuntimeID)
		}
		seen[l.RuntimeID] = true
	}
	return nil
}

// Clone returns a deep copy.
func (a *Ambiance) Clone() *Ambiance {
	if a == nil {
		return nil
	}
	return a.CloneToDepth(len(a.Levels))
}

// CloneToDepth returns a copy keeping only the first n levels.
func (a *Ambiance) CloneToDepth(n int) *Ambiance {
	if n > len(a.Levels) {
		n = len(a.Levels)
	}
	if n < 0 {
		n = 0
	}
	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		levels[i] = a.Levels[i]
		levels[i].StrategyMetadata = a.Levels[i].StrategyMetadata.Clone()
	}
	return &Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		PlanID:            a.PlanID,
		Levels:            levels,
		SetupAbstractions: maps.Clone(a.SetupAbstractions),
	}
}

// CloneForChild returns a copy with level appended.
func (a *Ambiance) CloneForChild(level Level) *Ambiance {
	c := a.Clone()
	level.StrategyMetadata = level.StrategyMetadata.Clone()
	c.Levels = append(c.Levels, level)
	return c
}

// CloneForFinish returns a copy without the current level, the ambiance a
// sibling of the current node is created under.
func (a *Ambiance) CloneForFinish() *Ambiance {
	return a.CloneToDepth(len(a.Levels) - 1)
}

// WithPlanExecution returns a copy re-homed to another plan execution.
func (a *Ambiance) WithPlanExecution(planExecutionID, planID string) *Ambiance {
	c := a.Clone()
	c.PlanExecutionID = planExecutionID
	c.PlanID = planID
	return c
}

// CurrentLevel returns the last level or nil for a root ambiance.
func (a *Ambiance) CurrentLevel() *Level {
	if a == nil || len(a.Levels) == 0 {
		return nil
	}
	return &a.Levels[len(a.Levels)-1]
}

// CurrentRuntimeID returns the runtime id of the current level.
func (a *Ambiance) CurrentRuntimeID() string {
	if l := a.CurrentLevel(); l != nil {
		return l.RuntimeID
	}
	return ""
}

// CurrentSetupID returns the setup id of the current level.
func (a *Ambiance) CurrentSetupID() string {
	if l := a.CurrentLevel(); l != nil {
		return l.SetupID
	}
	return ""
}

// CurrentIdentifier returns the identifier of the current level.
func (a *Ambiance) CurrentIdentifier() string {
	if l := a.CurrentLevel(); l != nil {
		return l.Identifier
	}
	return ""
}

// RuntimeIDs returns the runtime ids of every level in order.
func (a *Ambiance) RuntimeIDs() []string {
	ids := make([]string, len(a.Levels))
	for i, l := range a.Levels {
		ids[i] = l.RuntimeID
	}
	return ids
}

// RuntimePath joins the runtime ids of every level with "/".
func (a *Ambiance) RuntimePath() string {
	return strings.Join(a.RuntimeIDs(), "/")
}

// PathPrefixes returns the runtime path of every ancestor, longest first.
func (a *Ambiance) PathPrefixes() []string {
	ids := a.RuntimeIDs()
	prefixes := make([]string, 0, len(ids))
	for i := len(ids); i > 0; i-- {
		prefixes = append(prefixes, strings.Join(ids[:i], "/"))
	}
	return prefixes
}

// IndexOfGroup returns the index of the deepest level in the given group.
func (a *Ambiance) IndexOfGroup(group string) (int, bool) {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			return i, true
		}
	}
	return -1, false
}

// ScopePath returns the path outputs are published under: the full runtime
// path, or the path of the deepest level of group when one is given.
func (a *Ambiance) ScopePath(group string) (string, error) {
	if group == "" {
		return a.RuntimePath(), nil
	}
	idx, ok := a.IndexOfGroup(group)
	if !ok {
		return "", fmt.Errorf("no level of group %s in ambiance", group)
	}
	return strings.Join(a.RuntimeIDs()[:idx+1], "/"), nil
}

// StrategyFrame is one entry of a strategy metadata stack.
type StrategyFrame struct {
	Identifier string
	Metadata   *StrategyMetadata
}

// StrategyStack returns the identifier and metadata of every level that ran
// under a looping strategy, root first.
func (a *Ambiance) StrategyStack() []StrategyFrame {
	var stack []StrategyFrame
	for _, l := range a.Levels {
		if l.StrategyMetadata != nil {
			stack = append(stack, StrategyFrame{Identifier: l.Identifier, Metadata: l.StrategyMetadata})
		}
	}
	return stack
}

// HasStrategyMetadata reports whether any level carries strategy metadata.
func (a *Ambiance) HasStrategyMetadata() bool {
	for _, l := range a.Levels {
		if l.StrategyMetadata != nil {
			return true
		}
	}
	return false
}

// MatchesStrategyStack reports whether two ambiances were produced by the
// same combination of strategy instances.
func (a *Ambiance) MatchesStrategyStack(other *Ambiance) bool {
	mine, theirs := a.StrategyStack(), other.StrategyStack()
	if len(mine) != len(theirs) {
		return false
	}
	for i := range mine {
		if mine[i].Identifier != theirs[i].Identifier || !mine[i].Metadata.Equal(theirs[i].Metadata) {
			return false
		}
	}
	return true
}

// AccountID returns the account setup abstraction.
func (a *Ambiance) AccountID() string { return a.SetupAbstractions[SetupAccountID] }

// OrgIdentifier returns the org setup abstraction.
func (a *Ambiance) OrgIdentifier() string { return a.SetupAbstractions[SetupOrgIdentifier] }

// ProjectIdentifier returns the project setup abstraction.
func (a *Ambiance) ProjectIdentifier() string { return a.SetupAbstractions[SetupProjectIdentifier] }
