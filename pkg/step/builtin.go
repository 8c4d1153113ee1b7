package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Built-in state types.
const (
	TypeNoop     = "NOOP"
	TypeEcho     = "ECHO"
	TypeFail     = "FAIL"
	TypeFork     = "FORK"
	TypeSection  = "SECTION"
	TypeDelegate = "DELEGATE"
	TypeChain    = "CHAIN"
)

// RegisterBuiltins registers the built-in steps.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(Noop{}, Echo{}, Fail{}, Fork{}, Section{}, Delegate{}, Chain{})
}

// NewDefaultRegistry returns a registry holding the built-in steps.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Noop succeeds without doing anything.
type Noop struct{}

func (Noop) Type() string { return TypeNoop }

// ExecuteSync succeeds.
func (Noop) ExecuteSync(context.Context, *Context) (*engine.StepResponse, error) {
	return &engine.StepResponse{Status: engine.StatusSucceeded}, nil
}

// EchoParameters configures ECHO.
type EchoParameters struct {
	Outputs      []engine.StepOutput `json:"outputs"`
	ResponseCode string              `json:"response_code,omitempty"`
}

// Echo publishes its parameters as outputs.
type Echo struct{}

func (Echo) Type() string { return TypeEcho }

// ExecuteSync returns the configured outputs.
func (Echo) ExecuteSync(_ context.Context, sc *Context) (*engine.StepResponse, error) {
	var p EchoParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}
	return &engine.StepResponse{
		Status:       engine.StatusSucceeded,
		Outputs:      p.Outputs,
		ResponseCode: p.ResponseCode,
	}, nil
}

// FailParameters configures FAIL.
type FailParameters struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// SucceedAfter makes attempts with a retry index of at least this value succeed.
	SucceedAfter int `json:"succeed_after,omitempty"`

	// ResponseCode is reported with the failure.
	ResponseCode string `json:"response_code,omitempty"`

	// Outputs are published by every attempt, failed or not.
	Outputs []engine.StepOutput `json:"outputs,omitempty"`
}

// Fail fails, optionally only for the first attempts.
type Fail struct{}

func (Fail) Type() string { return TypeFail }

// ExecuteSync fails the node.
func (Fail) ExecuteSync(_ context.Context, sc *Context) (*engine.StepResponse, error) {
	var p FailParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}
	if p.SucceedAfter > 0 && sc.RetryIndex() >= p.SucceedAfter {
		return &engine.StepResponse{Status: engine.StatusSucceeded, Outputs: p.Outputs}, nil
	}
	msg := p.Message
	if msg == "" {
		msg = "step failed"
	}
	return &engine.StepResponse{
		Status:       engine.StatusFailed,
		ResponseCode: p.ResponseCode,
		Outputs:      p.Outputs,
		Failure: &engine.FailureInfo{
			Message:      msg,
			Code:         p.Code,
			FailureTypes: []string{"APPLICATION_ERROR"},
		},
	}, nil
}

// ForkParameters configures FORK.
type ForkParameters struct {
	Children []string `json:"children"`
}

// Fork runs its children concurrently, each as its own branch.
type Fork struct{}

func (Fork) Type() string { return TypeFork }

// Children returns the branch heads.
func (Fork) Children(node *engine.ExecutionNode) ([]string, error) {
	var p ForkParameters
	if len(node.StateParameters) > 0 {
		if err := json.Unmarshal(node.StateParameters, &p); err != nil {
			return nil, fmt.Errorf("invalid fork parameters: %w", err)
		}
	}
	if len(p.Children) == 0 {
		return nil, fmt.Errorf("fork %s has no children", node.SetupID)
	}
	return p.Children, nil
}

// HandleChildrenResponse reports the worst branch status.
func (Fork) HandleChildrenResponse(_ context.Context, _ *Context, results []engine.ChildResult) (*engine.StepResponse, error) {
	return aggregateChildren(results), nil
}

// SectionParameters configures SECTION.
type SectionParameters struct {
	Child string `json:"child"`
}

// Section runs one child sequence.
type Section struct{}

func (Section) Type() string { return TypeSection }

// Children returns the head of the sequence.
func (Section) Children(node *engine.ExecutionNode) ([]string, error) {
	var p SectionParameters
	if len(node.StateParameters) > 0 {
		if err := json.Unmarshal(node.StateParameters, &p); err != nil {
			return nil, fmt.Errorf("invalid section parameters: %w", err)
		}
	}
	if p.Child == "" {
		return nil, fmt.Errorf("section %s has no child", node.SetupID)
	}
	return []string{p.Child}, nil
}

// HandleChildrenResponse reports the sequence status.
func (Section) HandleChildrenResponse(_ context.Context, _ *Context, results []engine.ChildResult) (*engine.StepResponse, error) {
	return aggregateChildren(results), nil
}

func aggregateChildren(results []engine.ChildResult) *engine.StepResponse {
	worst := engine.StatusSucceeded
	var broken []string
	for _, r := range results {
		worst = engine.Worst(worst, r.Status)
		if r.Status.IsBroken() {
			broken = append(broken, fmt.Sprintf("%s=%s", r.SetupID, r.Status))
		}
	}
	if !worst.IsBroken() {
		return &engine.StepResponse{Status: engine.StatusSucceeded}
	}
	return &engine.StepResponse{
		Status: worst,
		Failure: &engine.FailureInfo{
			Message:      "child branches did not succeed: " + strings.Join(broken, ", "),
			Code:         engine.ErrCodeStepFailed,
			FailureTypes: []string{"CHILD_FAILURE"},
		},
	}
}

// TaskSpec describes one task in step parameters.
type TaskSpec struct {
	Key        string          `json:"key,omitempty"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`
}

func (t TaskSpec) request(c engine.Codec) (engine.TaskRequest, error) {
	req := engine.TaskRequest{Type: t.Type}
	if t.Type == "" {
		return req, fmt.Errorf("task type is required")
	}
	if t.Timeout != "" {
		d, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return req, fmt.Errorf("invalid task timeout %q: %w", t.Timeout, err)
		}
		req.Timeout = d
	}
	if len(t.Parameters) > 0 {
		var params interface{}
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			return req, fmt.Errorf("invalid task parameters: %w", err)
		}
		data, err := c.Encode(params)
		if err != nil {
			return req, err
		}
		req.Parameters = data
	}
	return req, nil
}

// DelegateParameters configures DELEGATE.
type DelegateParameters struct {
	Tasks []TaskSpec `json:"tasks"`

	// Output names the output the decoded task results are published under.
	Output string `json:"output,omitempty"`
}

// Delegate submits tasks to the task runner and waits for all of them.
type Delegate struct{}

func (Delegate) Type() string { return TypeDelegate }

// ExecuteAsync returns one task request per entry of Tasks.
func (Delegate) ExecuteAsync(_ context.Context, sc *Context) ([]engine.TaskRef, error) {
	var p DelegateParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}
	if len(p.Tasks) == 0 {
		return nil, engine.NewPermanentError("delegate has no tasks", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(sc.Node.SetupID)
	}

	refs := make([]engine.TaskRef, 0, len(p.Tasks))
	seen := make(map[string]bool, len(p.Tasks))
	for i, spec := range p.Tasks {
		key := spec.Key
		if key == "" {
			key = fmt.Sprintf("task-%d", i)
		}
		if seen[key] {
			return nil, engine.NewPermanentError(fmt.Sprintf("duplicate task key %s", key), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(sc.Node.SetupID)
		}
		seen[key] = true
		req, err := spec.request(sc.Codec)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid task %s", key), err).
				WithCode(engine.ErrCodeValidation).
				WithResource(sc.Node.SetupID)
		}
		refs = append(refs, engine.TaskRef{Key: key, Request: req})
	}
	return refs, nil
}

// HandleAsyncResponse succeeds when every task succeeded.
func (Delegate) HandleAsyncResponse(_ context.Context, sc *Context, results map[string]*engine.TaskResult) (*engine.StepResponse, error) {
	var p DelegateParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}

	resp := &engine.StepResponse{Status: engine.StatusSucceeded}
	values := make(map[string]interface{}, len(results))
	var failures []string
	for _, key := range sortedResultKeys(results) {
		r := results[key]
		if resp.ResponseCode == "" {
			resp.ResponseCode = r.ResponseCode
		}
		if r.Stage != engine.TaskStageSucceeded {
			failures = append(failures, fmt.Sprintf("%s: %s %s", key, r.Stage, r.Error))
			continue
		}
		v, err := decodeResult(sc.Codec, r)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}

	if len(failures) > 0 {
		resp.Status = engine.StatusFailed
		resp.Failure = &engine.FailureInfo{
			Message:      "tasks failed: " + strings.Join(failures, "; "),
			Code:         engine.ErrCodeTaskFailed,
			FailureTypes: []string{"TASK_FAILURE"},
		}
		return resp, nil
	}

	if p.Output != "" {
		resp.Outputs = []engine.StepOutput{{Name: p.Output, Value: values}}
	}
	return resp, nil
}

// ChainParameters configures CHAIN.
type ChainParameters struct {
	Links []TaskSpec `json:"links"`

	// Output names the output the link results are published under.
	Output string `json:"output,omitempty"`
}

// Chain runs its links one after the other, stopping at the first failure.
// The decoded result of every link is carried in the pass-through.
type Chain struct{}

func (Chain) Type() string { return TypeChain }

// StartChainLink returns the task of link number link.
func (Chain) StartChainLink(_ context.Context, sc *Context, link int, previous *engine.TaskResult, passThrough []byte) (*ChainLink, error) {
	var p ChainParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}
	if link < 0 || link >= len(p.Links) {
		return nil, engine.NewPermanentError(fmt.Sprintf("chain has no link %d", link), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(sc.Node.SetupID)
	}

	carried, err := appendChainResult(sc.Codec, passThrough, previous)
	if err != nil {
		return nil, err
	}

	req, err := p.Links[link].request(sc.Codec)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid chain link %d", link), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(sc.Node.SetupID)
	}
	return &ChainLink{Task: req, PassThrough: carried, ChainEnd: link == len(p.Links)-1}, nil
}

// FinalizeChain reports the chain outcome.
func (Chain) FinalizeChain(_ context.Context, sc *Context, last *engine.TaskResult, passThrough []byte) (*engine.StepResponse, error) {
	var p ChainParameters
	if err := sc.DecodeParameters(&p); err != nil {
		return nil, err
	}

	if last == nil || last.Stage != engine.TaskStageSucceeded {
		msg := "chain link failed"
		resp := &engine.StepResponse{Status: engine.StatusFailed}
		if last != nil {
			msg = fmt.Sprintf("chain link %s: %s %s", last.TaskID, last.Stage, last.Error)
			resp.ResponseCode = last.ResponseCode
		}
		resp.Failure = &engine.FailureInfo{Message: msg, Code: engine.ErrCodeTaskFailed, FailureTypes: []string{"TASK_FAILURE"}}
		return resp, nil
	}

	carried, err := appendChainResult(sc.Codec, passThrough, last)
	if err != nil {
		return nil, err
	}
	resp := &engine.StepResponse{Status: engine.StatusSucceeded, ResponseCode: last.ResponseCode}
	if p.Output != "" {
		var results []interface{}
		if err := json.Unmarshal(carried, &results); err != nil {
			return nil, fmt.Errorf("failed to decode chain results: %w", err)
		}
		resp.Outputs = []engine.StepOutput{{Name: p.Output, Value: results}}
	}
	return resp, nil
}

func appendChainResult(c engine.Codec, passThrough []byte, result *engine.TaskResult) ([]byte, error) {
	var results []interface{}
	if len(passThrough) > 0 {
		if err := json.Unmarshal(passThrough, &results); err != nil {
			return nil, fmt.Errorf("invalid chain pass-through: %w", err)
		}
	}
	if result != nil {
		v, err := decodeResult(c, result)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	if results == nil {
		results = []interface{}{}
	}
	return json.Marshal(results)
}

func decodeResult(c engine.Codec, r *engine.TaskResult) (interface{}, error) {
	if len(r.Data) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := c.Decode(r.Data, &v); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to decode result of task %s", r.TaskID), err).
			WithCode(engine.ErrCodeTaskFailed)
	}
	return v, nil
}

func sortedResultKeys(results map[string]*engine.TaskResult) []string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
