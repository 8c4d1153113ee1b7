package adviser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Built-in adviser types.
const (
	TypeOnSuccess          = "ON_SUCCESS"
	TypeOnFail             = "ON_FAIL"
	TypeRetry              = "RETRY"
	TypeRollback           = "ROLLBACK"
	TypeManualIntervention = "MANUAL_INTERVENTION"
	TypeResponseCodeSwitch = "RESPONSE_CODE_SWITCH"
	TypeIgnore             = "IGNORE"
	TypeEnd                = "END"
	TypePolicy             = "POLICY"
)

func builtins() []Adviser {
	return []Adviser{
		OnSuccess{}, OnFail{}, Retry{}, Rollback{}, ManualIntervention{},
		ResponseCodeSwitch{}, Ignore{}, End{},
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid adviser parameters: %w", err)
	}
	return nil
}

func refs(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", s)
	}
	return d, nil
}

// failureFilter restricts a failure adviser to some failure types.
type failureFilter struct {
	FailureTypes []string `json:"failure_types,omitempty"`
}

// matches reports whether a failed or expired node passes the filter.
// Aborted nodes are never advised on failure.
func (f failureFilter) matches(in *Input) bool {
	if in.Status != engine.StatusFailed && in.Status != engine.StatusExpired {
		return false
	}
	if len(f.FailureTypes) == 0 {
		return true
	}
	for _, want := range f.FailureTypes {
		for _, got := range in.failureTypes() {
			if want == got {
				return true
			}
		}
	}
	return false
}

// OnSuccessParameters configures ON_SUCCESS.
type OnSuccessParameters struct {
	NextNodeID string `json:"next_node_id,omitempty"`
}

// OnSuccess continues with the next node after a positive status. Without a
// next node it ends the sequence.
type OnSuccess struct{}

func (OnSuccess) Type() string { return TypeOnSuccess }

func (OnSuccess) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p OnSuccessParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !in.Status.IsPositive() {
		return nil, nil
	}
	if p.NextNodeID == "" {
		return &engine.Advice{Type: engine.AdviceEnd}, nil
	}
	return &engine.Advice{Type: engine.AdviceNext, NextNodeID: p.NextNodeID}, nil
}

func (OnSuccess) Refs(params json.RawMessage) ([]string, error) {
	var p OnSuccessParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return refs(p.NextNodeID), nil
}

// OnFailParameters configures ON_FAIL.
type OnFailParameters struct {
	failureFilter
	NextNodeID string `json:"next_node_id"`
}

// OnFail continues with a recovery node after a failure.
type OnFail struct{}

func (OnFail) Type() string { return TypeOnFail }

func (OnFail) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p OnFailParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !p.matches(in) {
		return nil, nil
	}
	return &engine.Advice{Type: engine.AdviceNext, NextNodeID: p.NextNodeID}, nil
}

func (OnFail) Refs(params json.RawMessage) ([]string, error) {
	var p OnFailParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.NextNodeID == "" {
		return nil, fmt.Errorf("next_node_id is required")
	}
	return refs(p.NextNodeID), nil
}

// ActionParameters is a follow-up action of RETRY and MANUAL_INTERVENTION.
type ActionParameters struct {
	// Action is END, MARK_FAILED, NEXT, IGNORE, ROLLBACK or INTERVENTION.
	Action        string `json:"action"`
	NextNodeID    string `json:"next_node_id,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	TimeoutAction string `json:"timeout_action,omitempty"`
}

func (a *ActionParameters) advice() (*engine.Advice, error) {
	if a == nil || a.Action == "" {
		return nil, nil
	}
	advice := &engine.Advice{Type: engine.AdviceType(a.Action), NextNodeID: a.NextNodeID}
	switch advice.Type {
	case engine.AdviceEnd, engine.AdviceMarkFailed, engine.AdviceIgnore:
	case engine.AdviceNext, engine.AdviceRollback:
		if a.NextNodeID == "" {
			return nil, fmt.Errorf("action %s requires next_node_id", a.Action)
		}
	case engine.AdviceIntervention:
		timeout, err := duration(a.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid intervention timeout: %w", err)
		}
		action, err := timeoutAction(a.TimeoutAction)
		if err != nil {
			return nil, err
		}
		advice.Timeout = timeout
		advice.TimeoutAction = action
	default:
		return nil, fmt.Errorf("unsupported action: %s", a.Action)
	}
	return advice, nil
}

func timeoutAction(s string) (engine.AdviceType, error) {
	if s == "" {
		return engine.AdviceMarkFailed, nil
	}
	switch t := engine.AdviceType(s); t {
	case engine.AdviceIgnore, engine.AdviceMarkFailed, engine.AdviceMarkSuccess, engine.AdviceEnd:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported timeout action: %s", s)
	}
}

// RetryParameters configures RETRY.
type RetryParameters struct {
	failureFilter

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries"`

	// WaitIntervals are Go durations; retry n waits WaitIntervals[n], the last
	// interval repeats.
	WaitIntervals []string `json:"wait_intervals,omitempty"`

	// AfterRetry is applied once retries are exhausted. Without it the
	// next adviser is tried.
	AfterRetry *ActionParameters `json:"after_retry,omitempty"`
}

func (p *RetryParameters) validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for _, w := range p.WaitIntervals {
		if _, err := duration(w); err != nil {
			return fmt.Errorf("invalid wait interval: %w", err)
		}
	}
	_, err := p.AfterRetry.advice()
	return err
}

func (p *RetryParameters) wait(retryCount int) time.Duration {
	if len(p.WaitIntervals) == 0 {
		return 0
	}
	i := retryCount
	if i >= len(p.WaitIntervals) {
		i = len(p.WaitIntervals) - 1
	}
	d, _ := duration(p.WaitIntervals[i])
	return d
}

// Retry queues a new attempt of a failed node.
type Retry struct{}

func (Retry) Type() string { return TypeRetry }

func (Retry) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p RetryParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if !p.matches(in) {
		return nil, nil
	}
	if in.RetryCount() < p.MaxRetries {
		return &engine.Advice{Type: engine.AdviceRetry, Delay: p.wait(in.RetryCount())}, nil
	}
	return p.AfterRetry.advice()
}

func (Retry) Refs(params json.RawMessage) ([]string, error) {
	var p RetryParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.AfterRetry == nil {
		return nil, nil
	}
	return refs(p.AfterRetry.NextNodeID), nil
}

// RollbackParameters configures ROLLBACK.
type RollbackParameters struct {
	failureFilter
	RollbackNodeID string `json:"rollback_node_id"`
}

// Rollback continues with the rollback node after a failure.
type Rollback struct{}

func (Rollback) Type() string { return TypeRollback }

func (Rollback) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p RollbackParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !p.matches(in) {
		return nil, nil
	}
	return &engine.Advice{Type: engine.AdviceRollback, NextNodeID: p.RollbackNodeID}, nil
}

func (Rollback) Refs(params json.RawMessage) ([]string, error) {
	var p RollbackParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.RollbackNodeID == "" {
		return nil, fmt.Errorf("rollback_node_id is required")
	}
	return refs(p.RollbackNodeID), nil
}

// ManualInterventionParameters configures MANUAL_INTERVENTION.
type ManualInterventionParameters struct {
	failureFilter

	// Timeout is a Go duration; zero waits forever.
	Timeout string `json:"timeout,omitempty"`

	// TimeoutAction is IGNORE, MARK_FAILED (default), MARK_SUCCESS or END.
	TimeoutAction string `json:"timeout_action,omitempty"`
}

// ManualIntervention suspends a failed node until an interrupt arrives.
type ManualIntervention struct{}

func (ManualIntervention) Type() string { return TypeManualIntervention }

func (ManualIntervention) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p ManualInterventionParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !p.matches(in) {
		return nil, nil
	}
	return (&ActionParameters{
		Action:        string(engine.AdviceIntervention),
		Timeout:       p.Timeout,
		TimeoutAction: p.TimeoutAction,
	}).advice()
}

func (ManualIntervention) Refs(params json.RawMessage) ([]string, error) {
	var p ManualInterventionParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if _, err := duration(p.Timeout); err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	if _, err := timeoutAction(p.TimeoutAction); err != nil {
		return nil, err
	}
	return nil, nil
}

// ResponseCodeSwitchParameters configures RESPONSE_CODE_SWITCH.
type ResponseCodeSwitchParameters struct {
	// Cases maps observed response codes to next nodes.
	Cases map[string]string `json:"cases"`

	// DefaultNodeID is used when no case matches.
	DefaultNodeID string `json:"default_node_id,omitempty"`
}

// ResponseCodeSwitch routes on the step's observed response code.
type ResponseCodeSwitch struct{}

func (ResponseCodeSwitch) Type() string { return TypeResponseCodeSwitch }

func (ResponseCodeSwitch) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p ResponseCodeSwitchParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if in.Status == engine.StatusAborted {
		return nil, nil
	}
	next, ok := p.Cases[in.ResponseCode()]
	if !ok {
		next = p.DefaultNodeID
	}
	if next == "" {
		return nil, nil
	}
	return &engine.Advice{Type: engine.AdviceNext, NextNodeID: next}, nil
}

func (ResponseCodeSwitch) Refs(params json.RawMessage) ([]string, error) {
	var p ResponseCodeSwitchParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.Cases) == 0 && p.DefaultNodeID == "" {
		return nil, fmt.Errorf("cases or default_node_id is required")
	}
	out := refs(p.DefaultNodeID)
	for _, next := range p.Cases {
		out = append(out, refs(next)...)
	}
	return out, nil
}

// IgnoreParameters configures IGNORE.
type IgnoreParameters struct {
	failureFilter
	NextNodeID string `json:"next_node_id,omitempty"`
}

// Ignore marks a failure ignored and optionally continues.
type Ignore struct{}

func (Ignore) Type() string { return TypeIgnore }

func (Ignore) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p IgnoreParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !p.matches(in) {
		return nil, nil
	}
	return &engine.Advice{Type: engine.AdviceIgnore, NextNodeID: p.NextNodeID}, nil
}

func (Ignore) Refs(params json.RawMessage) ([]string, error) {
	var p IgnoreParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return refs(p.NextNodeID), nil
}

// EndParameters configures END.
type EndParameters struct {
	// Statuses restricts the adviser; empty matches any status.
	Statuses []engine.Status `json:"statuses,omitempty"`
}

// End ends the enclosing sequence.
type End struct{}

func (End) Type() string { return TypeEnd }

func (End) Advise(_ context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p EndParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.Statuses) > 0 {
		found := false
		for _, s := range p.Statuses {
			if s == in.Status {
				found = true
				break
			}
		}
		if !found {
			return nil, nil
		}
	}
	return &engine.Advice{Type: engine.AdviceEnd}, nil
}

func (End) Refs(params json.RawMessage) ([]string, error) {
	var p EndParameters
	return nil, decode(params, &p)
}
