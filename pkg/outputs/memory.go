package outputs

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

type outputKey struct {
	kind            Kind
	planExecutionID string
	scopePath       string
	name            string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[outputKey]*Instance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[outputKey]*Instance)}
}

func keyOf(inst *Instance) outputKey {
	return outputKey{inst.Kind, inst.PlanExecutionID, inst.ScopePath, inst.Name}
}

func cloneInstance(inst *Instance) *Instance {
	c := *inst
	c.Value = slices.Clone(inst.Value)
	c.ProducedBy.StrategyMetadata = inst.ProducedBy.StrategyMetadata.Clone()
	return &c
}

// InsertOutput implements Store.
func (s *MemoryStore) InsertOutput(ctx context.Context, inst *Instance) error {
	inserted, err := s.InsertOutputIfAbsent(ctx, inst)
	if err != nil {
		return err
	}
	if !inserted {
		return engine.NewConflictError("output "+inst.Name+" already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(inst.ScopePath)
	}
	return nil
}

// InsertOutputIfAbsent implements Store.
func (s *MemoryStore) InsertOutputIfAbsent(ctx context.Context, inst *Instance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(inst)
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = cloneInstance(inst)
	return true, nil
}

// ReplaceOutput implements Store.
func (s *MemoryStore) ReplaceOutput(ctx context.Context, oldID string, inst *Instance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(inst)
	cur, ok := s.rows[k]
	if !ok || cur.UUID != oldID {
		return false, nil
	}
	s.rows[k] = cloneInstance(inst)
	return true, nil
}

// FindOutput implements Store.
func (s *MemoryStore) FindOutput(ctx context.Context, kind Kind, planExecutionID, scopePath, name string, now time.Time) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.rows[outputKey{kind, planExecutionID, scopePath, name}]
	if !ok || inst.ValidUntil.Before(now) {
		return nil, engine.NewNotFoundError(string(kind), name)
	}
	return cloneInstance(inst), nil
}

// ListOutputs implements Store.
func (s *MemoryStore) ListOutputs(ctx context.Context, kind Kind, planExecutionID, pathPrefix string, now time.Time) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for k, inst := range s.rows {
		if k.kind != kind || k.planExecutionID != planExecutionID || inst.ValidUntil.Before(now) {
			continue
		}
		if strings.HasPrefix(k.scopePath, pathPrefix) {
			out = append(out, cloneInstance(inst))
		}
	}
	sortInstances(out)
	return out, nil
}

// ListOutputsProducedBy implements Store.
func (s *MemoryStore) ListOutputsProducedBy(ctx context.Context, runtimeID string) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.rows {
		if inst.ProducedByRuntimeID == runtimeID {
			out = append(out, cloneInstance(inst))
		}
	}
	sortInstances(out)
	return out, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, inst := range s.rows {
		if inst.ValidUntil.Before(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func sortInstances(out []*Instance) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
}
