// Package step defines the behaviour selected by a node's state type.
//
// A step implements one or more of SyncExecutable, AsyncExecutable,
// ChildrenExecutable and TaskChainExecutable. The facilitator picks the mode,
// the driver invokes the matching interface and feeds the response to the
// advisers.
//
// Built-in steps:
//
//	NOOP      succeeds
//	ECHO      publishes its parameters as outputs
//	FAIL      fails, optionally only for the first attempts
//	FORK      runs child branches concurrently
//	SECTION   runs one child sequence
//	DELEGATE  submits tasks to the task runner
//	CHAIN     submits tasks one after the other
package step
