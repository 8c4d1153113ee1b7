package engine

import "fmt"

// SelectionPolicy decides how obtainments are combined when more than one
// adviser or facilitator of a node could apply.
type SelectionPolicy string

const (
	// SelectFirstMatch takes the first non-nil decision in declaration order.
	SelectFirstMatch SelectionPolicy = "first_match"

	// SelectStrict evaluates every obtainment and rejects more than one decision.
	SelectStrict SelectionPolicy = "strict"
)

// Validate checks if the selection policy is valid. Empty means first_match.
func (p SelectionPolicy) Validate() error {
	switch p {
	case "", SelectFirstMatch, SelectStrict:
		return nil
	default:
		return fmt.Errorf("invalid selection policy: %s", p)
	}
}

// AmbiguousDecision builds the error returned when a strict selection finds
// more than one applicable decision.
func AmbiguousDecision(setupID, kind string, types []string) error {
	return NewPermanentError(fmt.Sprintf("%d %ss apply to node %s: %v", len(types), kind, setupID, types), nil).
		WithCode(ErrCodeAmbiguousDecision).
		WithResource(setupID)
}
