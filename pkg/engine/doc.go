// Package engine defines the domain model of the pipeline node execution
// engine: ambiance paths, node and plan executions, execution modes, the
// tagged executable and adviser responses, the capability interfaces steps,
// facilitators and advisers implement, and the repository contracts the
// stores satisfy.
//
// Node executions follow a monotonic lifecycle:
//
//	QUEUED -> RUNNING [-> ASYNC_WAITING | TASK_WAITING]* -> terminal
//
// where terminal is one of SUCCESS, FAILED, ERRORED, SKIPPED, TIMED_OUT,
// ABORTED or FACILITATION_FAILED. A terminal status is never left; retries
// create new node executions linked through RetryIDs.
package engine
