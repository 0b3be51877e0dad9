package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// FacilitatorObtainment attaches a facilitator to a plan node.
type FacilitatorObtainment struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// AdviserObtainment attaches an adviser to a plan node.
type AdviserObtainment struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RefObjectKind selects the store a ref object is resolved from.
type RefObjectKind string

const (
	RefOutcome        RefObjectKind = "OUTCOME"
	RefSweepingOutput RefObjectKind = "SWEEPING_OUTPUT"
)

// RefObject declares an output a step consumes as input.
type RefObject struct {
	Name string        `json:"name"`
	Kind RefObjectKind `json:"kind"`

	// Key is the input package key; Name is used when empty.
	Key string `json:"key,omitempty"`
}

// PlanNode is one node of an execution plan.
type PlanNode struct {
	// UUID is the node id referenced by ambiance setup ids.
	UUID string `json:"uuid"`

	// Identifier is the user facing identifier.
	Identifier string `json:"identifier"`

	// Name is the display name.
	Name string `json:"name,omitempty"`

	// Kind is PLAN or IDENTITY.
	Kind NodeKind `json:"kind"`

	// Group is the structural tier of the node.
	Group string `json:"group,omitempty"`

	// StepType selects the step implementation.
	StepType string `json:"step_type"`

	// StepParameters is passed to the step untouched.
	StepParameters json.RawMessage `json:"step_parameters,omitempty"`

	// Facilitators are evaluated in order before start.
	Facilitators []FacilitatorObtainment `json:"facilitators,omitempty"`

	// Advisers are evaluated in order after a terminal transition.
	Advisers []AdviserObtainment `json:"advisers,omitempty"`

	// RefObjects are resolved into the step input package.
	RefObjects []RefObject `json:"ref_objects,omitempty"`

	// OriginalNodeExecutionID is the execution an identity node proxies.
	OriginalNodeExecutionID string `json:"original_node_execution_id,omitempty"`
}

// Validate checks the plan node.
func (n *PlanNode) Validate() error {
	if n.UUID == "" {
		return fmt.Errorf("plan node uuid is required")
	}
	if n.Identifier == "" {
		return fmt.Errorf("plan node %s has no identifier", n.UUID)
	}
	switch n.Kind {
	case NodeKindPlan:
		if n.StepType == "" {
			return fmt.Errorf("plan node %s has no step type", n.UUID)
		}
	case NodeKindIdentity:
		if n.OriginalNodeExecutionID == "" {
			return fmt.Errorf("identity node %s has no original node execution id", n.UUID)
		}
	default:
		return fmt.Errorf("plan node %s has invalid kind %q", n.UUID, n.Kind)
	}
	for i, f := range n.Facilitators {
		if f.Type == "" {
			return fmt.Errorf("plan node %s facilitator %d has no type", n.UUID, i)
		}
	}
	for i, a := range n.Advisers {
		if a.Type == "" {
			return fmt.Errorf("plan node %s adviser %d has no type", n.UUID, i)
		}
	}
	return nil
}

// Plan is an executable graph of plan nodes.
type Plan struct {
	UUID           string      `json:"uuid"`
	StartingNodeID string      `json:"starting_node_id"`
	Nodes          []*PlanNode `json:"nodes"`
}

// Validate checks node ids are unique and the starting node exists.
func (p *Plan) Validate() error {
	if p.UUID == "" {
		return fmt.Errorf("plan uuid is required")
	}
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if seen[n.UUID] {
			return fmt.Errorf("plan %s has duplicate node %s", p.UUID, n.UUID)
		}
		seen[n.UUID] = true
	}
	if !seen[p.StartingNodeID] {
		return fmt.Errorf("plan %s starting node %s not found", p.UUID, p.StartingNodeID)
	}
	return nil
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (*PlanNode, bool) {
	for _, n := range p.Nodes {
		if n.UUID == id {
			return n, true
		}
	}
	return nil, false
}

// PlanExecution is one run of a plan.
type PlanExecution struct {
	UUID              string            `json:"uuid"`
	PlanID            string            `json:"plan_id"`
	Status            Status            `json:"status"`
	Interrupts        []Interrupt       `json:"interrupts,omitempty"`
	RetryOf           string            `json:"retry_of,omitempty"`
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
	StartTs           time.Time         `json:"start_ts"`
	EndTs             *time.Time        `json:"end_ts,omitempty"`
	Version           int64             `json:"version"`
}

// IsAborted reports whether an ABORT_ALL interrupt was recorded.
func (p *PlanExecution) IsAborted() (*Interrupt, bool) {
	for i := range p.Interrupts {
		if p.Interrupts[i].Type == InterruptAbortAll {
			return &p.Interrupts[i], true
		}
	}
	return nil, false
}
