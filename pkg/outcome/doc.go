// Package outcome implements the scoped outcome and sweeping-output store.
//
// A write is keyed by the ambiance prefix it is visible under. With
// LevelsToKeep = n the last n levels of the writer's stack are dropped; with a
// Group the stack is cut after the innermost level tagged with that group, and
// the reserved "global" group cuts it at the root. Resolution walks the
// reader's stack from the current frame out to the root and returns the first
// match, so a nearer write shadows an outer one.
//
// Nothing is cached between calls: a resolve always sees every write that
// reached the store before it.
package outcome
