// Package outputs stores the named values nodes publish for each other.
//
// Outcomes and sweeping outputs are immutable rows keyed by plan execution,
// scope path and name. The scope path is the runtime path of the producing
// node, or the path of its nearest ancestor of a given group when the value
// is published for that group. Readers resolve a name against their own
// runtime path and the nearest scope wins.
package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// Default retention of output rows.
const (
	DefaultOutcomeTTL        = 6 * 30 * 24 * time.Hour
	DefaultSweepingOutputTTL = 30 * 24 * time.Hour

	refConcurrency = 8
)

// Service publishes, resolves and clones outputs. It implements
// engine.OutputAccess.
type Service struct {
	store       Store
	logger      *telemetry.Logger
	outcomeTTL  time.Duration
	sweepingTTL time.Duration
	now         func() time.Time
}

var _ engine.OutputAccess = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithTTLs overrides the retention of outcomes and sweeping outputs.
func WithTTLs(outcome, sweeping time.Duration) Option {
	return func(s *Service) {
		if outcome > 0 {
			s.outcomeTTL = outcome
		}
		if sweeping > 0 {
			s.sweepingTTL = sweeping
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service over store.
func NewService(store Store, logger *telemetry.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	s := &Service{
		store:       store,
		logger:      logger.NewComponentLogger("outputs"),
		outcomeTTL:  DefaultOutcomeTTL,
		sweepingTTL: DefaultSweepingOutputTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConsumeOutcome publishes an outcome from the current node of ambiance and
// returns its id. Publishing the same name twice in one scope is a conflict,
// except that a retry attempt replaces the value of an earlier attempt of the
// same node.
func (s *Service) ConsumeOutcome(ctx context.Context, ambiance *engine.Ambiance, name string, value json.RawMessage, group string) (string, error) {
	inst, err := s.consume(ctx, KindOutcome, ambiance, name, value, group)
	if err != nil {
		return "", err
	}
	return inst.UUID, nil
}

// ConsumeSweepingOutput publishes a sweeping output from the current node of
// ambiance.
func (s *Service) ConsumeSweepingOutput(ctx context.Context, ambiance *engine.Ambiance, name string, value json.RawMessage, group string) error {
	_, err := s.consume(ctx, KindSweepingOutput, ambiance, name, value, group)
	return err
}

func (s *Service) consume(ctx context.Context, kind Kind, ambiance *engine.Ambiance, name string, value json.RawMessage, group string) (*Instance, error) {
	if name == "" {
		return nil, engine.NewPermanentError("output name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	level := ambiance.CurrentLevel()
	if level == nil {
		return nil, engine.NewPermanentError("cannot publish output "+name+" from the root ambiance", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if len(value) > 0 && !json.Valid(value) {
		return nil, engine.NewPermanentError("output "+name+" is not valid JSON", nil).
			WithCode(engine.ErrCodeValidation)
	}
	scope, err := ambiance.ScopePath(group)
	if err != nil {
		return nil, engine.NewPermanentError("cannot scope output "+name, err).
			WithCode(engine.ErrCodeValidation)
	}

	now := s.now()
	inst := &Instance{
		UUID:                uuid.New().String(),
		Kind:                kind,
		PlanExecutionID:     ambiance.PlanExecutionID,
		ProducedBy:          *level,
		ProducedByRuntimeID: level.RuntimeID,
		ScopePath:           scope,
		GroupName:           group,
		Name:                name,
		Value:               value,
		CreatedAt:           now,
		ValidUntil:          now.Add(s.ttl(kind)),
	}
	if err := s.store.InsertOutput(ctx, inst); err != nil {
		if !errors.Is(err, engine.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to consume %s %s: %w", kind, name, err)
		}
		if rerr := s.supersede(ctx, inst); rerr != nil {
			return nil, fmt.Errorf("failed to consume %s %s: %w", kind, name, rerr)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"kind":       kind,
		"name":       name,
		"scope_path": scope,
	}).Debug("output consumed")
	return inst, nil
}

// supersede replaces the row holding inst's key when an earlier retry
// attempt of inst's producer wrote it. Any other holder keeps the key and
// the conflict is returned.
func (s *Service) supersede(ctx context.Context, inst *Instance) error {
	conflict := engine.NewConflictError("output "+inst.Name+" already exists", nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(inst.ScopePath)

	existing, err := s.store.FindOutput(ctx, inst.Kind, inst.PlanExecutionID, inst.ScopePath, inst.Name, time.Time{})
	if err != nil {
		if engine.IsNotFound(err) {
			return conflict
		}
		return err
	}
	if !earlierAttempt(existing.ProducedBy, inst.ProducedBy) {
		return conflict
	}
	replaced, err := s.store.ReplaceOutput(ctx, existing.UUID, inst)
	if err != nil {
		return err
	}
	if !replaced {
		return conflict
	}
	s.logger.WithFields(map[string]interface{}{
		"name":               inst.Name,
		"scope_path":         inst.ScopePath,
		"superseded_runtime": existing.ProducedByRuntimeID,
		"runtime_id":         inst.ProducedByRuntimeID,
	}).Debug("output superseded by retry")
	return nil
}

// earlierAttempt reports whether prev is an earlier retry attempt of the node
// instance cur.
func earlierAttempt(prev, cur engine.Level) bool {
	return prev.SetupID == cur.SetupID &&
		prev.RuntimeID != cur.RuntimeID &&
		prev.RetryIndex < cur.RetryIndex &&
		prev.StrategyMetadata.Equal(cur.StrategyMetadata)
}

// ResolveOutcome returns the nearest outcome named name visible from the
// current node of ambiance.
func (s *Service) ResolveOutcome(ctx context.Context, ambiance *engine.Ambiance, name string) (json.RawMessage, error) {
	inst, err := s.resolve(ctx, KindOutcome, ambiance, name)
	if err != nil {
		return nil, err
	}
	return inst.Value, nil
}

// ResolveSweepingOutput returns the nearest sweeping output named name
// visible from the current node of ambiance.
func (s *Service) ResolveSweepingOutput(ctx context.Context, ambiance *engine.Ambiance, name string) (json.RawMessage, error) {
	inst, err := s.resolve(ctx, KindSweepingOutput, ambiance, name)
	if err != nil {
		return nil, err
	}
	return inst.Value, nil
}

func (s *Service) resolve(ctx context.Context, kind Kind, ambiance *engine.Ambiance, name string) (*Instance, error) {
	now := s.now()
	for _, prefix := range ambiance.PathPrefixes() {
		inst, err := s.store.FindOutput(ctx, kind, ambiance.PlanExecutionID, prefix, name, now)
		if err == nil {
			return inst, nil
		}
		if !engine.IsNotFound(err) {
			return nil, fmt.Errorf("failed to resolve %s %s: %w", kind, name, err)
		}
	}
	return nil, engine.NewNotFoundError(string(kind), name).
		WithDetail("runtime_path", ambiance.RuntimePath())
}

// ListOutcomes returns every live outcome of a plan execution whose scope
// path starts with pathPrefix.
func (s *Service) ListOutcomes(ctx context.Context, planExecutionID, pathPrefix string) ([]*Instance, error) {
	return s.store.ListOutputs(ctx, KindOutcome, planExecutionID, pathPrefix, s.now())
}

// ListSweepingOutputs is ListOutcomes for sweeping outputs.
func (s *Service) ListSweepingOutputs(ctx context.Context, planExecutionID, pathPrefix string) ([]*Instance, error) {
	return s.store.ListOutputs(ctx, KindSweepingOutput, planExecutionID, pathPrefix, s.now())
}

// ResolveRefObjects resolves the ref objects of a plan node into a step input
// package, at most refConcurrency at a time. Missing refs are left out.
func (s *Service) ResolveRefObjects(ctx context.Context, ambiance *engine.Ambiance, refs []engine.RefObject) (*engine.StepInputPackage, error) {
	values := make([]json.RawMessage, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			var (
				value json.RawMessage
				err   error
			)
			switch ref.Kind {
			case engine.RefOutcome:
				value, err = s.ResolveOutcome(gctx, ambiance, ref.Name)
			case engine.RefSweepingOutput:
				value, err = s.ResolveSweepingOutput(gctx, ambiance, ref.Name)
			default:
				return engine.NewPermanentError("unknown ref object kind "+string(ref.Kind), nil).
					WithCode(engine.ErrCodeValidation)
			}
			if err != nil && !engine.IsNotFound(err) {
				return fmt.Errorf("failed to resolve %s: %w", ref.Name, err)
			}
			values[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pkg := &engine.StepInputPackage{Inputs: make(map[string]json.RawMessage, len(refs))}
	for i, ref := range refs {
		if values[i] == nil {
			continue
		}
		key := ref.Key
		if key == "" {
			key = ref.Name
		}
		pkg.Inputs[key] = values[i]
	}
	return pkg, nil
}

// CloneForRetryExecution copies every output produced by the node execution
// originalNodeExecutionID to the current node of ambiance. Scope paths are
// recomputed against the new ambiance. Rows already present are left alone,
// so the call is idempotent. It returns the number of rows inserted.
func (s *Service) CloneForRetryExecution(ctx context.Context, ambiance *engine.Ambiance, originalNodeExecutionID string) (int, error) {
	level := ambiance.CurrentLevel()
	if level == nil {
		return 0, engine.NewPermanentError("cannot clone outputs into the root ambiance", nil).
			WithCode(engine.ErrCodeValidation)
	}
	rows, err := s.store.ListOutputsProducedBy(ctx, originalNodeExecutionID)
	if err != nil {
		return 0, fmt.Errorf("failed to list outputs of %s: %w", originalNodeExecutionID, err)
	}

	now := s.now()
	inserted := 0
	for _, row := range rows {
		scope, err := ambiance.ScopePath(row.GroupName)
		if err != nil {
			s.logger.WithField("group", row.GroupName).
				Warnf("group of cloned output %s not in new ambiance, scoping to producer", row.Name)
			scope = ambiance.RuntimePath()
		}
		clone := &Instance{
			UUID:                uuid.New().String(),
			Kind:                row.Kind,
			PlanExecutionID:     ambiance.PlanExecutionID,
			ProducedBy:          *level,
			ProducedByRuntimeID: level.RuntimeID,
			ScopePath:           scope,
			GroupName:           row.GroupName,
			Name:                row.Name,
			Value:               row.Value,
			CreatedAt:           now,
			ValidUntil:          now.Add(s.ttl(row.Kind)),
		}
		ok, err := s.store.InsertOutputIfAbsent(ctx, clone)
		if err != nil {
			return inserted, fmt.Errorf("failed to clone %s %s: %w", row.Kind, row.Name, err)
		}
		if ok {
			inserted++
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"original_node_execution_id": originalNodeExecutionID,
		"node_execution_id":          level.RuntimeID,
		"rows":                       len(rows),
		"inserted":                   inserted,
	}).Debug("outputs cloned for retry")
	return inserted, nil
}

// DeleteExpired removes rows past their retention.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired outputs: %w", err)
	}
	if n > 0 {
		s.logger.Infof("deleted %d expired outputs", n)
	}
	return n, nil
}

func (s *Service) ttl(kind Kind) time.Duration {
	if kind == KindOutcome {
		return s.outcomeTTL
	}
	return s.sweepingTTL
}
