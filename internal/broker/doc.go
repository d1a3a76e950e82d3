// Package broker runs a work item under a chosen security principal on the
// local host.
//
// One invocation is a single synchronous pipeline:
//
//	capture ---> register job ---> [identity != caller] register + start task
//	                  |                       |
//	                  |            (caller) start job directly
//	                  v                       v
//	              collect: poll job status until complete, drain once
//	                  |
//	              cleanup (deferred): unregister task, then job
//
// The job and the task live out of process. The task is the privilege
// broker: the host scheduler starts the job entry point under the principal
// of the task. A CallerDefault identity never creates a task.
//
// Invariants:
//   - Every artifact registered by an invocation is unregistered before
//     Invoke returns, whatever the outcome.
//   - Job output is drained exactly once.
//   - A failing job surfaces as *model.ExecutionError, never wrapped.
package broker
