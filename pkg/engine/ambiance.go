package engine

import "strings"

// GlobalGroup is the reserved scope group visible from every ambiance of a plan execution.
const GlobalGroup = "global"

// Level is one frame of an Ambiance, naming one concrete node execution.
type Level struct {
	// RuntimeID is unique per execution attempt of a node.
	RuntimeID string `json:"runtime_id"`

	// SetupID references the static ExecutionNode.
	SetupID string `json:"setup_id"`

	// Identifier is the node's expression identifier.
	Identifier string `json:"identifier,omitempty"`

	// StepType is the node's state type.
	StepType string `json:"step_type,omitempty"`

	// Group is the node's level name (STAGE, STEP, FORK, SECTION...) used for scoping.
	Group string `json:"group,omitempty"`

	// RetryIndex is the attempt number of the node execution.
	RetryIndex int `json:"retry_index,omitempty"`
}

// Ambiance is the positional context of an execution: a plan execution id plus
// the stack of Levels from the root to the currently executing node.
// Ambiance values are never mutated; every clone copies the level stack.
type Ambiance struct {
	// PlanExecutionID is the plan execution this ambiance belongs to.
	PlanExecutionID string `json:"plan_execution_id"`

	// Levels is the frame stack, outermost first.
	Levels []Level `json:"levels"`

	// SetupAbstractions is the key/value context of the plan execution.
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
}

// NewAmbiance creates a root ambiance with no levels.
func NewAmbiance(planExecutionID string, setupAbstractions map[string]string) Ambiance {
	abstractions := make(map[string]string, len(setupAbstractions))
	for k, v := range setupAbstractions {
		abstractions[k] = v
	}
	return Ambiance{
		PlanExecutionID:   planExecutionID,
		Levels:            []Level{},
		SetupAbstractions: abstractions,
	}
}

// CloneForChild returns a new ambiance with level appended.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	levels := make([]Level, len(a.Levels), len(a.Levels)+1)
	copy(levels, a.Levels)
	return Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		Levels:            append(levels, level),
		SetupAbstractions: a.SetupAbstractions,
	}
}

// CloneForFinish returns a new ambiance with the trailing level popped,
// i.e. positioned at the parent frame.
func (a Ambiance) CloneForFinish() Ambiance {
	return a.Truncate(1)
}

// Truncate returns a new ambiance with n trailing levels removed.
// Removing more levels than present yields the root ambiance.
func (a Ambiance) Truncate(n int) Ambiance {
	keep := len(a.Levels) - n
	if keep < 0 {
		keep = 0
	}
	levels := make([]Level, keep)
	copy(levels, a.Levels[:keep])
	return Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		Levels:            levels,
		SetupAbstractions: a.SetupAbstractions,
	}
}

// Depth returns the number of levels.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// CurrentLevel returns the trailing level, if any.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// CurrentRuntimeID returns the runtime id of the currently executing node.
func (a Ambiance) CurrentRuntimeID() string {
	l, _ := a.CurrentLevel()
	return l.RuntimeID
}

// CurrentSetupID returns the setup id of the currently executing node.
func (a Ambiance) CurrentSetupID() string {
	l, _ := a.CurrentLevel()
	return l.SetupID
}

// GroupDepth returns the depth (number of levels kept) of the innermost level
// tagged with group. The reserved global group always matches at depth 0.
func (a Ambiance) GroupDepth(group string) (int, bool) {
	if group == GlobalGroup {
		return 0, true
	}
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if strings.EqualFold(a.Levels[i].Group, group) {
			return i + 1, true
		}
	}
	return 0, false
}

// ScopeKey returns the key identifying the prefix of the first depth levels.
// Two ambiances that share the first depth levels produce the same key.
func (a Ambiance) ScopeKey(depth int) string {
	if depth > len(a.Levels) {
		depth = len(a.Levels)
	}
	ids := make([]string, 0, depth)
	for _, l := range a.Levels[:depth] {
		ids = append(ids, l.RuntimeID)
	}
	return strings.Join(ids, "|")
}

// ScopeKeys returns the keys of every prefix from the full stack down to the root,
// nearest first.
func (a Ambiance) ScopeKeys() []string {
	keys := make([]string, 0, len(a.Levels)+1)
	for depth := len(a.Levels); depth >= 0; depth-- {
		keys = append(keys, a.ScopeKey(depth))
	}
	return keys
}
