package outputs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// Kind separates outcomes from sweeping outputs. Each kind has its own key
// space.
type Kind string

const (
	KindOutcome        Kind = "OUTCOME"
	KindSweepingOutput Kind = "SWEEPING_OUTPUT"
)

// Instance is one immutable output row.
type Instance struct {
	UUID            string `json:"uuid"`
	Kind            Kind   `json:"kind"`
	PlanExecutionID string `json:"plan_execution_id"`

	// ProducedBy is the level of the node that published the value.
	ProducedBy          engine.Level `json:"produced_by"`
	ProducedByRuntimeID string       `json:"produced_by_runtime_id"`

	// ScopePath is the producer path the row is keyed under.
	ScopePath string `json:"scope_path"`
	GroupName string `json:"group_name,omitempty"`

	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	ValidUntil time.Time       `json:"valid_until"`
}

// Store persists output rows. (Kind, PlanExecutionID, ScopePath, Name) is
// unique.
type Store interface {
	// InsertOutput stores a new row; a duplicate key yields ErrAlreadyExists.
	InsertOutput(ctx context.Context, inst *Instance) error

	// InsertOutputIfAbsent stores the row unless its key exists and reports
	// whether it was inserted.
	InsertOutputIfAbsent(ctx context.Context, inst *Instance) (bool, error)

	// ReplaceOutput overwrites the row with id oldID by inst, which carries
	// the same key. It reports false when no row with oldID exists.
	ReplaceOutput(ctx context.Context, oldID string, inst *Instance) (bool, error)

	// FindOutput returns the row with the given key valid at now, or a
	// NOT_FOUND error.
	FindOutput(ctx context.Context, kind Kind, planExecutionID, scopePath, name string, now time.Time) (*Instance, error)

	// ListOutputs returns rows whose scope path starts with pathPrefix.
	ListOutputs(ctx context.Context, kind Kind, planExecutionID, pathPrefix string, now time.Time) ([]*Instance, error)

	// ListOutputsProducedBy returns every row of every kind produced by the
	// given node execution.
	ListOutputsProducedBy(ctx context.Context, runtimeID string) ([]*Instance, error)

	// DeleteExpired removes rows whose ValidUntil is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
