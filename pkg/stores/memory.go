package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// MemoryStore keeps every record in process memory. It implements the
// engine repositories, outputs.Store and waitnotify.Store and is meant for
// tests and single process embedding.
type MemoryStore struct {
	*outputMemory
	*waitMemory

	mu             sync.RWMutex
	seq            int64
	nodes          map[string]*nodeRow
	plans          map[string]*engine.Plan
	planExecutions map[string]*engine.PlanExecution
}

type (
	outputMemory = outputs.MemoryStore
	waitMemory   = waitnotify.MemoryStore
)

type nodeRow struct {
	seq int64
	ne  *engine.NodeExecution
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outputMemory:   outputs.NewMemoryStore(),
		waitMemory:     waitnotify.NewMemoryStore(),
		nodes:          make(map[string]*nodeRow),
		plans:          make(map[string]*engine.Plan),
		planExecutions: make(map[string]*engine.PlanExecution),
	}
}

// deepCopy clones records through their JSON form, which every persisted
// record round trips through anyway.
func deepCopy[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stores: cannot clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("stores: cannot clone %T: %v", v, err))
	}
	return &out
}

// CreateNodeExecution implements engine.NodeExecutionRepository.
func (s *MemoryStore) CreateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[ne.UUID]; ok {
		return engine.NewConflictError("node execution exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(ne.UUID)
	}
	ne.Version = 1
	s.seq++
	s.nodes[ne.UUID] = &nodeRow{seq: s.seq, ne: deepCopy(ne)}
	return nil
}

// GetNodeExecution implements engine.NodeExecutionRepository.
func (s *MemoryStore) GetNodeExecution(ctx context.Context, id string) (*engine.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.nodes[id]
	if !ok {
		return nil, engine.NewNotFoundError("node execution", id)
	}
	return deepCopy(row.ne), nil
}

// UpdateNodeExecution implements engine.NodeExecutionRepository.
func (s *MemoryStore) UpdateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.nodes[ne.UUID]
	if !ok {
		return engine.NewNotFoundError("node execution", ne.UUID)
	}
	if row.ne.Version != ne.Version {
		return engine.NewVersionConflictError(ne.UUID, ne.Version)
	}
	ne.Version++
	row.ne = deepCopy(ne)
	return nil
}

// ListNodeExecutions implements engine.NodeExecutionRepository.
func (s *MemoryStore) ListNodeExecutions(ctx context.Context, f engine.NodeExecutionFilter) ([]*engine.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*nodeRow, 0)
	for _, row := range s.nodes {
		if matchesFilter(row.ne, f) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*engine.NodeExecution, len(rows))
	for i, row := range rows {
		out[i] = deepCopy(row.ne)
	}
	return out, nil
}

func matchesFilter(ne *engine.NodeExecution, f engine.NodeExecutionFilter) bool {
	switch {
	case f.PlanExecutionID != "" && ne.PlanExecutionID() != f.PlanExecutionID:
		return false
	case f.ParentID != "" && ne.ParentID != f.ParentID:
		return false
	case f.NodeID != "" && ne.NodeID != f.NodeID:
		return false
	case f.NotifyID != "" && ne.NotifyID != f.NotifyID:
		return false
	case f.PathPrefix != "" && !strings.HasPrefix(ne.Ambiance.RuntimePath(), f.PathPrefix):
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, ne.Status):
		return false
	case !f.IncludeOldRetries && ne.OldRetry:
		return false
	}
	return true
}

// SavePlan implements engine.PlanRepository.
func (s *MemoryStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.UUID] = deepCopy(plan)
	return nil
}

// GetPlan implements engine.PlanRepository.
func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, engine.NewNotFoundError("plan", id)
	}
	return deepCopy(p), nil
}

// GetPlanNode implements engine.PlanRepository.
func (s *MemoryStore) GetPlanNode(ctx context.Context, planID, nodeID string) (*engine.PlanNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, engine.NewNotFoundError("plan", planID)
	}
	n, ok := p.Node(nodeID)
	if !ok {
		return nil, engine.NewNotFoundError("plan node", nodeID)
	}
	return deepCopy(n), nil
}

// SavePlanNodes implements engine.PlanRepository.
func (s *MemoryStore) SavePlanNodes(ctx context.Context, planID string, nodes ...*engine.PlanNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return engine.NewNotFoundError("plan", planID)
	}
	for _, n := range nodes {
		c := deepCopy(n)
		idx := slices.IndexFunc(p.Nodes, func(x *engine.PlanNode) bool { return x.UUID == n.UUID })
		if idx >= 0 {
			p.Nodes[idx] = c
		} else {
			p.Nodes = append(p.Nodes, c)
		}
	}
	return nil
}

// CreatePlanExecution implements engine.PlanExecutionRepository.
func (s *MemoryStore) CreatePlanExecution(ctx context.Context, pe *engine.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.planExecutions[pe.UUID]; ok {
		return engine.NewConflictError("plan execution exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(pe.UUID)
	}
	pe.Version = 1
	s.planExecutions[pe.UUID] = deepCopy(pe)
	return nil
}

// GetPlanExecution implements engine.PlanExecutionRepository.
func (s *MemoryStore) GetPlanExecution(ctx context.Context, id string) (*engine.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pe, ok := s.planExecutions[id]
	if !ok {
		return nil, engine.NewNotFoundError("plan execution", id)
	}
	return deepCopy(pe), nil
}

// UpdatePlanExecution implements engine.PlanExecutionRepository.
func (s *MemoryStore) UpdatePlanExecution(ctx context.Context, pe *engine.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.planExecutions[pe.UUID]
	if !ok {
		return engine.NewNotFoundError("plan execution", pe.UUID)
	}
	if cur.Version != pe.Version {
		return engine.NewVersionConflictError(pe.UUID, pe.Version)
	}
	pe.Version++
	s.planExecutions[pe.UUID] = deepCopy(pe)
	return nil
}

// ListPlanExecutions returns plan executions, newest first, optionally
// narrowed to the given statuses.
func (s *MemoryStore) ListPlanExecutions(ctx context.Context, limit int, statuses ...engine.Status) ([]*engine.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*engine.PlanExecution{}
	for _, pe := range s.planExecutions {
		if len(statuses) == 0 || slices.Contains(statuses, pe.Status) {
			out = append(out, deepCopy(pe))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTs.Equal(out[j].StartTs) {
			return out[i].StartTs.After(out[j].StartTs)
		}
		return out[i].UUID < out[j].UUID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
