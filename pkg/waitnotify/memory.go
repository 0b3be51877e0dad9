package waitnotify

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	waits     map[string]*WaitInstance
	byCorrID  map[string][]string
	responses map[string]*NotifyResponse
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		waits:     make(map[string]*WaitInstance),
		byCorrID:  make(map[string][]string),
		responses: make(map[string]*NotifyResponse),
	}
}

func cloneWait(wi *WaitInstance) *WaitInstance {
	c := *wi
	c.CorrelationIDs = slices.Clone(wi.CorrelationIDs)
	if wi.ProgressCallback != nil {
		pc := *wi.ProgressCallback
		c.ProgressCallback = &pc
	}
	if wi.DoneAt != nil {
		t := *wi.DoneAt
		c.DoneAt = &t
	}
	return &c
}

// CreateWaitInstance implements Store.
func (s *MemoryStore) CreateWaitInstance(ctx context.Context, wi *WaitInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waits[wi.ID]; ok {
		return engine.NewConflictError("wait instance exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(wi.ID)
	}
	s.waits[wi.ID] = cloneWait(wi)
	for _, id := range wi.CorrelationIDs {
		s.byCorrID[id] = append(s.byCorrID[id], wi.ID)
	}
	return nil
}

// GetWaitInstance implements Store.
func (s *MemoryStore) GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wi, ok := s.waits[id]
	if !ok {
		return nil, engine.NewNotFoundError("wait instance", id)
	}
	return cloneWait(wi), nil
}

// ListWaitInstances implements Store.
func (s *MemoryStore) ListWaitInstances(ctx context.Context, correlationID string) ([]*WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WaitInstance
	for _, id := range s.byCorrID[correlationID] {
		out = append(out, cloneWait(s.waits[id]))
	}
	return out, nil
}

// ListWaitingInstances implements Store.
func (s *MemoryStore) ListWaitingInstances(ctx context.Context, limit int) ([]*WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WaitInstance
	for _, wi := range s.waits {
		if wi.Status == WaitStatusWaiting {
			out = append(out, cloneWait(wi))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimWaitInstance implements Store.
func (s *MemoryStore) ClaimWaitInstance(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.waits[id]
	if !ok {
		return false, engine.NewNotFoundError("wait instance", id)
	}
	if wi.Status != WaitStatusWaiting {
		return false, nil
	}
	wi.Status = WaitStatusDone
	wi.DoneAt = &at
	return true, nil
}

// ReleaseWaitInstance implements Store.
func (s *MemoryStore) ReleaseWaitInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.waits[id]
	if !ok {
		return engine.NewNotFoundError("wait instance", id)
	}
	wi.Status = WaitStatusWaiting
	wi.DoneAt = nil
	return nil
}

// SaveNotifyResponse implements Store.
func (s *MemoryStore) SaveNotifyResponse(ctx context.Context, resp *NotifyResponse) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[resp.CorrelationID]; ok {
		return false, nil
	}
	c := *resp
	c.Data = slices.Clone(resp.Data)
	s.responses[resp.CorrelationID] = &c
	return true, nil
}

// GetNotifyResponses implements Store.
func (s *MemoryStore) GetNotifyResponses(ctx context.Context, correlationIDs []string) (map[string]*NotifyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*NotifyResponse, len(correlationIDs))
	for _, id := range correlationIDs {
		if r, ok := s.responses[id]; ok {
			c := *r
			out[id] = &c
		}
	}
	return out, nil
}
