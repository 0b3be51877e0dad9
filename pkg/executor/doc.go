// Package executor is the step execution side of node execution.
//
// A NodeEventListener consumes the node events the engine publishes and
// answers each one with response events:
//
//   - FACILITATE runs the facilitation chain of the plan node and reports
//     the chosen execution mode.
//   - START and RESUME run the ExecuteStrategy of the node's mode, which
//     calls into the registered step.
//   - ADVISE runs the adviser chain and reports the first decision.
//   - PROGRESS hands progress data to steps that accept it.
//
// The executor never writes engine state. Errors and panics raised while
// handling an event are reported as HANDLE_EVENT_ERROR so the engine can
// fail the node and advise on it.
package executor
