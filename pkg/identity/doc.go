// Package identity re-executes a plan execution while reusing the results
// of the nodes that already succeeded.
//
// A retry plan replaces every succeeded node of the configured group with an
// IDENTITY node pointing at the execution it proxies. Starting an identity
// node never runs a step:
//
//   - leaf originals (SYNC, ASYNC, TASK, TASK_CHAIN) and SKIPPED originals
//     are cloned: retry chain, outputs and executable responses are copied
//     and the node completes with the original's status;
//   - spawning originals (CHILD, CHILDREN, CHILD_CHAIN) clone their outputs
//     and start the IDENTITY_STRATEGY step, which spawns a fresh identity
//     node for every child that succeeded and the real plan node for every
//     child that did not.
//
// After completion an identity node replays the adviser decision of its
// original, so the flow continues exactly where the original went.
package identity
