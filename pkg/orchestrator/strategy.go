package orchestrator

import (
	"context"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// NodeStrategy starts and advises the nodes of one kind.
type NodeStrategy interface {
	// Start runs a QUEUED node. delay defers the first event published.
	Start(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, delay time.Duration) error

	// Advise runs after ne reached a terminal status coming from from.
	Advise(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, from engine.Status) error
}

// planNodeStrategy runs real plan nodes: facilitation, then start in the
// chosen mode, then the node's advisers.
type planNodeStrategy struct {
	o *Orchestrator
}

func (s *planNodeStrategy) Start(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, delay time.Duration) error {
	return s.o.PublishFacilitate(ctx, ne, node, delay)
}

func (s *planNodeStrategy) Advise(ctx context.Context, ne *engine.NodeExecution, node *engine.PlanNode, from engine.Status) error {
	if len(node.Advisers) == 0 {
		return s.o.EndNode(ctx, ne)
	}
	return s.o.PublishAdvise(ctx, ne, node, from)
}
