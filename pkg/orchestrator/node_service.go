package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// DefaultMaxUpdateTries bounds the optimistic update loop of one write.
const DefaultMaxUpdateTries = 10

// NodeExecutionService owns every write to node executions. Writes are
// read-modify-write cycles guarded by the record version and retried on
// version conflicts.
type NodeExecutionService struct {
	repo     engine.NodeExecutionRepository
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	maxTries uint
	now      func() time.Time
}

// NewNodeExecutionService creates a service over repo.
func NewNodeExecutionService(repo engine.NodeExecutionRepository, tel *telemetry.Telemetry) *NodeExecutionService {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &NodeExecutionService{
		repo:     repo,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("node_executions"),
		maxTries: DefaultMaxUpdateTries,
		now:      time.Now,
	}
}

// Save stores a new node execution. Saving an id that already exists is a
// conflict the caller can detect with engine.ErrAlreadyExists.
func (s *NodeExecutionService) Save(ctx context.Context, ne *engine.NodeExecution) error {
	now := s.now()
	if ne.CreatedAt.IsZero() {
		ne.CreatedAt = now
	}
	ne.LastUpdatedAt = now
	if err := ne.Validate(); err != nil {
		return engine.NewPermanentError("invalid node execution", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(ne.UUID)
	}
	if err := s.repo.CreateNodeExecution(ctx, ne); err != nil {
		return fmt.Errorf("failed to save node execution %s: %w", ne.UUID, err)
	}
	s.logger.WithNodeExecution(ne.PlanExecutionID(), ne.UUID, ne.NodeID).
		WithField("status", ne.Status).
		Debug("node execution saved")
	return nil
}

// Get returns a node execution.
func (s *NodeExecutionService) Get(ctx context.Context, id string) (*engine.NodeExecution, error) {
	return s.repo.GetNodeExecution(ctx, id)
}

// Update runs mutate on the latest version of the record and writes the
// result. mutate returns false to leave the record untouched. The returned
// bool reports whether a write happened.
func (s *NodeExecutionService) Update(ctx context.Context, id string, mutate func(ne *engine.NodeExecution) (bool, error)) (*engine.NodeExecution, bool, error) {
	type result struct {
		ne      *engine.NodeExecution
		applied bool
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	r, err := backoff.Retry(ctx, func() (result, error) {
		ne, err := s.repo.GetNodeExecution(ctx, id)
		if err != nil {
			return result{}, backoff.Permanent(err)
		}
		ok, err := mutate(ne)
		if err != nil {
			return result{}, backoff.Permanent(err)
		}
		if !ok {
			return result{ne: ne}, nil
		}
		ne.LastUpdatedAt = s.now()
		start := time.Now()
		err = s.repo.UpdateNodeExecution(ctx, ne)
		s.tel.Metrics.ObserveStoreOperation("update_node_execution", time.Since(start))
		if err != nil {
			if errors.Is(err, engine.ErrVersionConflict) {
				return result{}, err
			}
			return result{}, backoff.Permanent(err)
		}
		return result{ne: ne, applied: true}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update node execution %s: %w", id, err)
	}
	return r.ne, r.applied, nil
}

// UpdateStatus moves the node to status when its current status is one of
// allowedFrom. A disallowed current status is not an error: the node is
// returned unchanged with applied set to false. mutate, when given, runs on
// the record before it is written.
func (s *NodeExecutionService) UpdateStatus(ctx context.Context, id string, to engine.Status, allowedFrom []engine.Status, mutate func(ne *engine.NodeExecution)) (*engine.NodeExecution, bool, error) {
	ne, _, applied, err := s.Transition(ctx, id, to, allowedFrom, mutate)
	return ne, applied, err
}

// Transition is UpdateStatus that also reports the status the node left.
func (s *NodeExecutionService) Transition(ctx context.Context, id string, to engine.Status, allowedFrom []engine.Status, mutate func(ne *engine.NodeExecution)) (*engine.NodeExecution, engine.Status, bool, error) {
	var from engine.Status
	ne, applied, err := s.Update(ctx, id, func(ne *engine.NodeExecution) (bool, error) {
		if !slices.Contains(allowedFrom, ne.Status) || !ne.Status.CanTransitionTo(to) {
			return false, nil
		}
		from = ne.Status
		now := s.now()
		ne.Status = to
		if from == engine.StatusQueued && to.IsRunning() && ne.StartTs == nil {
			ne.StartTs = &now
		}
		if to.IsTerminal() && ne.EndTs == nil {
			ne.EndTs = &now
		}
		if mutate != nil {
			mutate(ne)
		}
		return true, nil
	})
	if err != nil || !applied {
		return ne, from, applied, err
	}

	s.observeTransition(ne, from, to)
	return ne, from, true, nil
}

// AddExecutableResponse appends resp, tagged with eventID, to a running
// node and moves it to status. A response already recorded for eventID is
// not added twice.
func (s *NodeExecutionService) AddExecutableResponse(ctx context.Context, id, eventID string, resp engine.ExecutableResponse, status engine.Status) (*engine.NodeExecution, bool, error) {
	var from engine.Status
	ne, applied, err := s.Update(ctx, id, func(ne *engine.NodeExecution) (bool, error) {
		if !ne.Status.IsRunning() || ne.HasExecutableResponseFor(eventID) {
			return false, nil
		}
		from = ne.Status
		resp.EventID = eventID
		ne.ExecutableResponses = append(ne.ExecutableResponses, resp)
		if status != "" && status != ne.Status && ne.Status.CanTransitionTo(status) {
			ne.Status = status
		}
		return true, nil
	})
	if err != nil || !applied {
		return ne, applied, err
	}
	if ne.Status != from {
		s.observeTransition(ne, from, ne.Status)
	}
	return ne, true, nil
}

func (s *NodeExecutionService) observeTransition(ne *engine.NodeExecution, from, to engine.Status) {
	logger := s.logger.WithNodeExecution(ne.PlanExecutionID(), ne.UUID, ne.NodeID)
	logger.WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
	}).Debug("node status updated")

	if from == engine.StatusQueued && to.IsRunning() {
		s.tel.Metrics.RecordNodeStarted(string(ne.Mode))
	}
	if to.IsTerminal() {
		var d time.Duration
		if ne.StartTs != nil && ne.EndTs != nil {
			d = ne.EndTs.Sub(*ne.StartTs)
		}
		s.tel.Metrics.RecordNodeEnded(string(ne.Mode), string(to), d)
	}
	if err := s.tel.Events.PublishNodeStatusUpdate(ne.PlanExecutionID(), ne.UUID, ne.NodeID, string(from), string(to)); err != nil {
		logger.WithError(err).Debug("status event dropped")
	}
}

// ErrorOutActiveNodes moves every non-terminal node of a plan execution to
// ERRORED and returns how many moved.
func (s *NodeExecutionService) ErrorOutActiveNodes(ctx context.Context, planExecutionID string) (int, error) {
	return s.terminateActive(ctx, planExecutionID, engine.StatusErrored, nil)
}

// AbortActiveNodes moves every non-terminal node of a plan execution to
// ABORTED, deepest first, recording the interrupt effect.
func (s *NodeExecutionService) AbortActiveNodes(ctx context.Context, planExecutionID string, interrupt engine.Interrupt) (int, error) {
	effect := engine.InterruptEffect{InterruptID: interrupt.UUID, Type: interrupt.Type, TookEffectAt: s.now()}
	return s.terminateActive(ctx, planExecutionID, engine.StatusAborted, func(ne *engine.NodeExecution) {
		ne.InterruptHistories = append(ne.InterruptHistories, effect)
	})
}

func (s *NodeExecutionService) terminateActive(ctx context.Context, planExecutionID string, to engine.Status, mutate func(*engine.NodeExecution)) (int, error) {
	active, err := s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		PlanExecutionID:   planExecutionID,
		Statuses:          engine.ActiveStatuses(),
		IncludeOldRetries: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list active nodes of %s: %w", planExecutionID, err)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return len(active[i].Ambiance.Levels) > len(active[j].Ambiance.Levels)
	})

	n := 0
	for _, ne := range active {
		_, applied, err := s.UpdateStatus(ctx, ne.UUID, to, engine.ActiveStatuses(), mutate)
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// MarkRetried flags a node execution as superseded by a retry.
func (s *NodeExecutionService) MarkRetried(ctx context.Context, id string) (*engine.NodeExecution, error) {
	ne, _, err := s.Update(ctx, id, func(ne *engine.NodeExecution) (bool, error) {
		if ne.OldRetry {
			return false, nil
		}
		ne.OldRetry = true
		return true, nil
	})
	return ne, err
}

// UpdateRelationshipsForRetry points the previous and next links
// that referenced oldID at newID.
func (s *NodeExecutionService) UpdateRelationshipsForRetry(ctx context.Context, oldID, newID string) error {
	old, err := s.repo.GetNodeExecution(ctx, oldID)
	if err != nil {
		return err
	}

	var linked []*engine.NodeExecution
	if old.PreviousID != "" {
		if prev, err := s.repo.GetNodeExecution(ctx, old.PreviousID); err == nil {
			linked = append(linked, prev)
		} else if !engine.IsNotFound(err) {
			return err
		}
	}
	if old.NextID != "" {
		if next, err := s.repo.GetNodeExecution(ctx, old.NextID); err == nil {
			linked = append(linked, next)
		} else if !engine.IsNotFound(err) {
			return err
		}
	}

	for _, l := range linked {
		_, _, err := s.Update(ctx, l.UUID, func(ne *engine.NodeExecution) (bool, error) {
			changed := false
			if ne.NextID == oldID {
				ne.NextID, changed = newID, true
			}
			if ne.PreviousID == oldID {
				ne.PreviousID, changed = newID, true
			}
			return changed, nil
		})
		if err != nil {
			return fmt.Errorf("failed to relink %s for retry: %w", l.UUID, err)
		}
	}
	return nil
}

// FetchChildren returns the direct children of parentID.
func (s *NodeExecutionService) FetchChildren(ctx context.Context, parentID string, includeOldRetries bool) ([]*engine.NodeExecution, error) {
	return s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		ParentID:          parentID,
		IncludeOldRetries: includeOldRetries,
	})
}

// FetchChildrenRecursively returns every descendant of parentID that was
// not superseded by a retry.
func (s *NodeExecutionService) FetchChildrenRecursively(ctx context.Context, parentID string) ([]*engine.NodeExecution, error) {
	var out []*engine.NodeExecution
	frontier := []string{parentID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		children, err := s.FetchChildren(ctx, id, false)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			frontier = append(frontier, c.UUID)
		}
	}
	return out, nil
}

// CountByParentAndStatus counts the non-retried children of parentID in one
// of statuses.
func (s *NodeExecutionService) CountByParentAndStatus(ctx context.Context, parentID string, statuses []engine.Status) (int, error) {
	children, err := s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		ParentID: parentID,
		Statuses: statuses,
	})
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// ListByPlanExecution returns the node executions of a plan execution.
func (s *NodeExecutionService) ListByPlanExecution(ctx context.Context, planExecutionID string, includeOldRetries bool) ([]*engine.NodeExecution, error) {
	return s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		PlanExecutionID:   planExecutionID,
		IncludeOldRetries: includeOldRetries,
	})
}

// ListByNode returns the non-retried executions of a plan node inside a
// plan execution.
func (s *NodeExecutionService) ListByNode(ctx context.Context, planExecutionID, nodeID string) ([]*engine.NodeExecution, error) {
	return s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		NodeID:          nodeID,
	})
}

// ListUnderPath returns the node executions whose runtime path starts with
// pathPrefix.
func (s *NodeExecutionService) ListUnderPath(ctx context.Context, planExecutionID, pathPrefix string) ([]*engine.NodeExecution, error) {
	return s.repo.ListNodeExecutions(ctx, engine.NodeExecutionFilter{
		PlanExecutionID: planExecutionID,
		PathPrefix:      pathPrefix,
	})
}
