package engine

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of a node or plan execution.
type Status string

const (
	// StatusQueued indicates the execution was created but has not started.
	StatusQueued Status = "QUEUED"

	// StatusRunning indicates the step is executing.
	StatusRunning Status = "RUNNING"

	// StatusAsyncWaiting indicates the step is suspended on async callbacks.
	StatusAsyncWaiting Status = "ASYNC_WAITING"

	// StatusTaskWaiting indicates the step is suspended on a queued task.
	StatusTaskWaiting Status = "TASK_WAITING"

	// StatusSucceeded indicates the step completed successfully.
	StatusSucceeded Status = "SUCCESS"

	// StatusFailed indicates the step failed.
	StatusFailed Status = "FAILED"

	// StatusErrored indicates the step could not complete because of an
	// infrastructure or async error rather than a business failure.
	StatusErrored Status = "ERRORED"

	// StatusSkipped indicates the step was not executed.
	StatusSkipped Status = "SKIPPED"

	// StatusTimedOut indicates the step exceeded its deadline.
	StatusTimedOut Status = "TIMED_OUT"

	// StatusAborted indicates the step stopped because of an abort interrupt.
	StatusAborted Status = "ABORTED"

	// StatusFacilitationFailed indicates no facilitator could decide how to
	// run the step.
	StatusFacilitationFailed Status = "FACILITATION_FAILED"

	// StatusIgnoreFailed is an outcome status only: a failure that an adviser
	// chose to ignore. It is never persisted as a node execution status.
	StatusIgnoreFailed Status = "IGNORE_FAILED"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusSkipped,
		StatusTimedOut, StatusAborted, StatusFacilitationFailed, StatusIgnoreFailed:
		return true
	default:
		return false
	}
}

// IsRunning returns true for RUNNING and the waiting statuses that a resume
// may be delivered to.
func (s Status) IsRunning() bool {
	return s == StatusRunning || s == StatusAsyncWaiting || s == StatusTaskWaiting
}

// IsActive returns true if the execution has not reached a terminal status.
func (s Status) IsActive() bool {
	return s == StatusQueued || s.IsRunning()
}

// IsFailure returns true for terminal statuses that represent a failure.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusErrored, StatusTimedOut, StatusAborted, StatusFacilitationFailed:
		return true
	default:
		return false
	}
}

// IsPositive returns true for terminal statuses that let the flow continue.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped || s == StatusIgnoreFailed
}

// CanTransitionTo reports whether moving from s to the target status keeps
// the lifecycle monotonic.
func (s Status) CanTransitionTo(to Status) bool {
	if to == StatusIgnoreFailed || to.Validate() != nil {
		return false
	}
	switch {
	case s.IsTerminal():
		return false
	case s == StatusQueued:
		return to != StatusQueued
	case s.IsRunning():
		return to != StatusQueued
	default:
		return false
	}
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusSucceeded, StatusFailed, StatusErrored, StatusSkipped,
		StatusTimedOut, StatusAborted, StatusFacilitationFailed, StatusIgnoreFailed:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// AggregateStatus folds the outcome statuses of sibling executions into the
// status their parent reports. Any failure wins over success; an empty list
// is a success.
func AggregateStatus(statuses []Status) Status {
	result := StatusSucceeded
	for _, s := range statuses {
		switch {
		case s == StatusAborted:
			return StatusAborted
		case s.IsFailure():
			result = StatusFailed
		case s.IsActive():
			if result == StatusSucceeded {
				result = StatusRunning
			}
		}
	}
	return result
}

// RunningStatuses lists the statuses a resume may be delivered to.
func RunningStatuses() []Status {
	return []Status{StatusRunning, StatusAsyncWaiting, StatusTaskWaiting}
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting}
}

// ExecutionMode determines which execute strategy drives a node.
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildren   ExecutionMode = "CHILDREN"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
	ModeTask       ExecutionMode = "TASK"
	ModeTaskChain  ExecutionMode = "TASK_CHAIN"
)

// IsSpawning returns true for modes that create child node executions.
func (m ExecutionMode) IsSpawning() bool {
	return m == ModeChild || m == ModeChildren || m == ModeChildChain
}

// IsLeaf returns true for modes that execute the step without children.
func (m ExecutionMode) IsLeaf() bool {
	return m == ModeSync || m == ModeAsync || m == ModeTask || m == ModeTaskChain
}

// IsChain returns true for modes that run a sequence of links.
func (m ExecutionMode) IsChain() bool {
	return m == ModeChildChain || m == ModeTaskChain
}

// Validate checks if the execution mode is valid.
func (m ExecutionMode) Validate() error {
	switch m {
	case ModeSync, ModeAsync, ModeChild, ModeChildren, ModeChildChain, ModeTask, ModeTaskChain:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// AdviseType identifies the decision carried by an adviser response.
type AdviseType string

const (
	AdviseRetry            AdviseType = "RETRY"
	AdviseMarkSuccess      AdviseType = "MARK_SUCCESS"
	AdviseIgnoreFailure    AdviseType = "IGNORE_FAILURE"
	AdviseInterventionWait AdviseType = "INTERVENTION_WAIT"
	AdviseMarkFailure      AdviseType = "MARK_FAILURE"
	AdviseNextStep         AdviseType = "NEXT_STEP"
	AdviseEndPlan          AdviseType = "END_PLAN"
	AdviseUnknown          AdviseType = "UNKNOWN"
)

// Validate checks if the advise type is valid.
func (a AdviseType) Validate() error {
	switch a {
	case AdviseRetry, AdviseMarkSuccess, AdviseIgnoreFailure, AdviseInterventionWait,
		AdviseMarkFailure, AdviseNextStep, AdviseEndPlan, AdviseUnknown:
		return nil
	default:
		return fmt.Errorf("invalid advise type: %s", a)
	}
}

// FailureType classifies a step failure.
type FailureType string

const (
	FailureApplication   FailureType = "APPLICATION_ERROR"
	FailureFacilitation  FailureType = "FACILITATION_ERROR"
	FailureIdentityMatch FailureType = "IDENTITY_MATCH_ERROR"
	FailureAsync         FailureType = "ASYNC_ERROR"
	FailureTimeout       FailureType = "TIMEOUT_ERROR"
	FailureConnectivity  FailureType = "CONNECTIVITY_ERROR"
	FailureAuthorization FailureType = "AUTHORIZATION_ERROR"
	FailureUnknown       FailureType = "UNKNOWN_FAILURE"
)

// NodeKind distinguishes real plan nodes from identity proxies.
type NodeKind string

const (
	NodeKindPlan     NodeKind = "PLAN"
	NodeKindIdentity NodeKind = "IDENTITY"
)

// InterruptType identifies an interrupt recorded against an execution.
type InterruptType string

const (
	InterruptAbortAll    InterruptType = "ABORT_ALL"
	InterruptRetry       InterruptType = "RETRY"
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
	InterruptIgnore      InterruptType = "IGNORE"
	InterruptMarkFailed  InterruptType = "MARK_FAILED"
)
