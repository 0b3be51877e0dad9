package executor

import (
	"sort"
	"sync"

	"github.com/openfroyo/pms/pkg/engine"
)

// Registry maps type tags to step, facilitator and adviser implementations.
// It is filled at process start and read concurrently afterwards.
type Registry struct {
	mu           sync.RWMutex
	steps        map[string]interface{}
	facilitators map[string]engine.Facilitator
	advisers     map[string]engine.Adviser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:        make(map[string]interface{}),
		facilitators: make(map[string]engine.Facilitator),
		advisers:     make(map[string]engine.Adviser),
	}
}

// RegisterStep binds stepType to step. step implements at least one of the
// engine step kinds (SyncExecutable, AsyncExecutable, ...).
func (r *Registry) RegisterStep(stepType string, step interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[stepType] = step
}

// RegisterFacilitator binds a facilitator type.
func (r *Registry) RegisterFacilitator(facilitatorType string, f engine.Facilitator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facilitators[facilitatorType] = f
}

// RegisterAdviser binds an adviser type.
func (r *Registry) RegisterAdviser(adviserType string, a engine.Adviser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advisers[adviserType] = a
}

// Step returns the step registered for stepType.
func (r *Registry) Step(stepType string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stepType]
	if !ok {
		return nil, engine.NewPermanentError("no step registered for type "+stepType, nil).
			WithCode(engine.ErrCodeUnknownStepType).
			WithResource(stepType)
	}
	return s, nil
}

// Facilitator returns the facilitator registered for facilitatorType.
func (r *Registry) Facilitator(facilitatorType string) (engine.Facilitator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.facilitators[facilitatorType]
	if !ok {
		return nil, engine.NewPermanentError("no facilitator registered for type "+facilitatorType, nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(facilitatorType)
	}
	return f, nil
}

// Adviser returns the adviser registered for adviserType.
func (r *Registry) Adviser(adviserType string) (engine.Adviser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.advisers[adviserType]
	if !ok {
		return nil, engine.NewPermanentError("no adviser registered for type "+adviserType, nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(adviserType)
	}
	return a, nil
}

// StepTypes lists the registered step types in order.
func (r *Registry) StepTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
