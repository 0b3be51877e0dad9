package identity

import (
	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/orchestrator"
)

// Register installs the IDENTITY node strategy on o and the identity step
// on registry. Both sides must be registered in a process that starts
// identity nodes.
func Register(o *orchestrator.Orchestrator, registry *executor.Registry, nodes engine.NodeExecutionRepository) {
	o.RegisterNodeStrategy(engine.NodeKindIdentity, NewNodeStrategy(o))
	registry.RegisterStep(StepType, NewStep(nodes, o.Plans()))
}
