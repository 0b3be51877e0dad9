package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// PlanExecutionService owns writes to plan executions.
type PlanExecutionService struct {
	repo     engine.PlanExecutionRepository
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	maxTries uint
	now      func() time.Time
}

// NewPlanExecutionService creates a service over repo.
func NewPlanExecutionService(repo engine.PlanExecutionRepository, tel *telemetry.Telemetry) *PlanExecutionService {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &PlanExecutionService{
		repo:     repo,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("plan_executions"),
		maxTries: DefaultMaxUpdateTries,
		now:      time.Now,
	}
}

// Create stores a new RUNNING plan execution.
func (s *PlanExecutionService) Create(ctx context.Context, planID string, setup map[string]string, retryOf string) (*engine.PlanExecution, error) {
	pe := &engine.PlanExecution{
		UUID:              uuid.New().String(),
		PlanID:            planID,
		Status:            engine.StatusRunning,
		RetryOf:           retryOf,
		SetupAbstractions: setup,
		StartTs:           s.now(),
	}
	if err := s.repo.CreatePlanExecution(ctx, pe); err != nil {
		return nil, fmt.Errorf("failed to create plan execution: %w", err)
	}
	s.tel.Metrics.PlanStarted()
	if err := s.tel.Events.PublishPlanExecutionStarted(pe.UUID, planID); err != nil {
		s.logger.WithError(err).Debug("plan event dropped")
	}
	s.logger.WithPlanExecutionID(pe.UUID).WithField("plan_id", planID).Info("plan execution created")
	return pe, nil
}

// Get returns a plan execution.
func (s *PlanExecutionService) Get(ctx context.Context, id string) (*engine.PlanExecution, error) {
	return s.repo.GetPlanExecution(ctx, id)
}

// Update is the versioned read-modify-write of a plan execution.
func (s *PlanExecutionService) Update(ctx context.Context, id string, mutate func(pe *engine.PlanExecution) bool) (*engine.PlanExecution, bool, error) {
	type result struct {
		pe      *engine.PlanExecution
		applied bool
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	r, err := backoff.Retry(ctx, func() (result, error) {
		pe, err := s.repo.GetPlanExecution(ctx, id)
		if err != nil {
			return result{}, backoff.Permanent(err)
		}
		if !mutate(pe) {
			return result{pe: pe}, nil
		}
		if err := s.repo.UpdatePlanExecution(ctx, pe); err != nil {
			if errors.Is(err, engine.ErrVersionConflict) {
				return result{}, err
			}
			return result{}, backoff.Permanent(err)
		}
		return result{pe: pe, applied: true}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update plan execution %s: %w", id, err)
	}
	return r.pe, r.applied, nil
}

// AddInterrupt records an interrupt on a running plan execution. Only one
// ABORT_ALL is kept; a second request returns the first.
func (s *PlanExecutionService) AddInterrupt(ctx context.Context, id string, t engine.InterruptType) (*engine.Interrupt, error) {
	var recorded engine.Interrupt
	_, _, err := s.Update(ctx, id, func(pe *engine.PlanExecution) bool {
		if t == engine.InterruptAbortAll {
			if existing, ok := pe.IsAborted(); ok {
				recorded = *existing
				return false
			}
		}
		recorded = engine.Interrupt{UUID: uuid.New().String(), Type: t, CreatedAt: s.now()}
		pe.Interrupts = append(pe.Interrupts, recorded)
		return true
	})
	if err != nil {
		return nil, err
	}
	return &recorded, nil
}

// End moves a running plan execution to a terminal status. Ending an ended
// plan execution is a no-op.
func (s *PlanExecutionService) End(ctx context.Context, id string, status engine.Status) (*engine.PlanExecution, bool, error) {
	if status == engine.StatusIgnoreFailed {
		status = engine.StatusSucceeded
	}
	pe, applied, err := s.Update(ctx, id, func(pe *engine.PlanExecution) bool {
		if pe.Status.IsTerminal() {
			return false
		}
		now := s.now()
		pe.Status = status
		pe.EndTs = &now
		return true
	})
	if err != nil || !applied {
		return pe, applied, err
	}

	d := pe.EndTs.Sub(pe.StartTs)
	s.tel.Metrics.PlanEnded()
	if err := s.tel.Events.PublishPlanExecutionEnded(pe.UUID, string(status), d); err != nil {
		s.logger.WithError(err).Debug("plan event dropped")
	}
	s.logger.WithPlanExecutionID(pe.UUID).
		WithFields(map[string]interface{}{"status": status, "duration": d.String()}).
		Info("plan execution ended")
	return pe, true, nil
}
