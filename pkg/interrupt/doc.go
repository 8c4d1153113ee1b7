// Package interrupt persists out-of-band control signals for plan executions
// and hands them to the driver's handlers exactly once.
//
// An interrupt is claimed with a compare-and-set from REGISTERED to PROCESSING,
// so concurrent drivers never apply the same interrupt twice. Handlers that
// fail transiently put the interrupt back to REGISTERED; any other failure is
// final and recorded on the interrupt.
package interrupt
