// Package driver executes plans.
//
// The driver owns the node execution lifecycle:
//
//	QUEUED -> RUNNING -> (WAITING | ASYNC_WAITING | CHILDREN_WAITING | TASK_WAITING)
//	       -> ADVISING -> (INTERVENTION_WAITING) -> SUCCEEDED | FAILED | IGNORE_FAILED | ABORTED | EXPIRED
//
// Every transition is a compare-and-set against the store, so a step
// response racing an abort or an expiry produces exactly one terminal status.
// Node ids of successors, retries and children are derived from their
// predecessor, which makes every transition safe to repeat: after a crash,
// Reconcile resumes each live node from its stored status.
//
// Interrupts are processed inline when registered, and again before a node
// starts and before it is advised, so a PAUSE_ALL or ABORT registered while a
// transition was running is never skipped.
package driver
