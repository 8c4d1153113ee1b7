// Package facilitator decides how a node executes.
//
// A node's facilitator obtainments are tried in declaration order and the
// first facilitator returning a response wins. Under the strict selection
// policy every obtainment is evaluated and more than one response is an
// AMBIGUOUS_DECISION error.
package facilitator
