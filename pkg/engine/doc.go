// Package engine provides the core types and interfaces of the orchestra execution engine.
//
// # Overview
//
// A Plan is an immutable graph of ExecutionNodes. Starting a plan creates a
// PlanExecution; every concrete attempt of a node is a NodeExecution. The
// position of an attempt is described by its Ambiance, a stack of Levels from
// the root to the node itself.
//
// # Core Domain Types
//
//   - Plan / ExecutionNode: the static graph, with adviser and facilitator obtainments
//   - Ambiance / Level: immutable execution position; CloneForChild pushes, CloneForFinish pops
//   - PlanExecution / NodeExecution: persisted run state with CAS-guarded statuses
//   - OutputInstance: an immutable, scoped write to the outcome/output store
//   - Interrupt: an out-of-band control signal
//   - StepResponse / Advice: what a step reported and what should happen next
//
// # Node Status Machine
//
//	QUEUED -> RUNNING -> (ASYNC_WAITING | CHILDREN_WAITING | TASK_WAITING) -> ADVISING -> terminal
//
// Terminal statuses are SUCCEEDED, FAILED, IGNORE_FAILED, ABORTED and EXPIRED.
// Every transition is a compare-and-set against an allowed-from set, so a
// natural completion and an abort can race and exactly one of them is recorded.
//
// # Collaborators
//
//   - Store: durable storage with atomic status CAS and query-by-status
//   - TaskRunner / TaskCallback: submit, cancel and poll delegate tasks
//   - Codec: serialization strategy for outputs and task payloads
//   - PayloadStore: optional blob storage for large outputs
//
// # Error Classification
//
// Errors are EngineErrors classified for retry logic:
//
//   - Transient: store unavailable; retried with backoff by the driver
//   - Throttled: rate limiting that requires backoff
//   - Conflict: lost compare-and-set or duplicate write; never retried
//   - Permanent: definition and resolution errors
package engine
