package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// MemoryStore implements engine.Store in process memory.
// It is used by tests and by one-shot CLI runs that need no durability.
type MemoryStore struct {
	mu sync.RWMutex

	seq         int64
	plans       map[string]*engine.Plan
	executions  map[string]*engine.PlanExecution
	nodes       map[string]*memoryNode
	taskResults map[string]map[string]*engine.TaskResult
	outputs     map[string]*memoryOutput
	outputSlots map[string]string
	interrupts  map[string]*memoryInterrupt
	closed      bool
}

type memoryNode struct {
	seq  int64
	node *engine.NodeExecution
}

type memoryOutput struct {
	seq int64
	out *engine.OutputInstance
}

type memoryInterrupt struct {
	seq int64
	in  *engine.Interrupt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[string]*engine.Plan),
		executions:  make(map[string]*engine.PlanExecution),
		nodes:       make(map[string]*memoryNode),
		taskResults: make(map[string]map[string]*engine.TaskResult),
		outputs:     make(map[string]*memoryOutput),
		outputSlots: make(map[string]string),
		interrupts:  make(map[string]*memoryInterrupt),
	}
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func outputKey(planExecutionID, scopeKey string, kind engine.OutputKind, name string) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", planExecutionID, scopeKey, kind, name)
}

// SavePlan stores a plan document.
func (s *MemoryStore) SavePlan(_ context.Context, plan *engine.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; !exists {
		s.plans[plan.ID] = plan
	}
	return nil
}

// GetPlan retrieves a plan by id.
func (s *MemoryStore) GetPlan(_ context.Context, planID string) (*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, notFound("plan", planID)
	}
	return plan, nil
}

// CreatePlanExecution inserts a new plan execution.
func (s *MemoryStore) CreatePlanExecution(_ context.Context, pe *engine.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[pe.ID]; exists {
		return engine.NewConflictError(fmt.Sprintf("plan execution already exists: %s", pe.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(pe.ID)
	}
	now := time.Now().UTC()
	if pe.StartedAt.IsZero() {
		pe.StartedAt = now
	}
	pe.UpdatedAt = now
	c := *pe
	s.executions[pe.ID] = &c
	return nil
}

// GetPlanExecution retrieves a plan execution by id.
func (s *MemoryStore) GetPlanExecution(_ context.Context, id string) (*engine.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pe, ok := s.executions[id]
	if !ok {
		return nil, notFound("plan execution", id)
	}
	c := *pe
	return &c, nil
}

// UpdatePlanExecutionStatus sets the status if the current status is in from.
func (s *MemoryStore) UpdatePlanExecutionStatus(_ context.Context, id string, to engine.PlanStatus, from []engine.PlanStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.executions[id]
	if !ok {
		return false, notFound("plan execution", id)
	}
	if len(from) > 0 && !containsPlanStatus(from, pe.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	pe.Status = to
	pe.UpdatedAt = now
	if to.IsTerminal() {
		pe.EndedAt = &now
	}
	return true, nil
}

// ListPlanExecutions lists plan executions, optionally filtered by status.
func (s *MemoryStore) ListPlanExecutions(_ context.Context, statuses []engine.PlanStatus) ([]*engine.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.PlanExecution
	for _, pe := range s.executions {
		if len(statuses) > 0 && !containsPlanStatus(statuses, pe.Status) {
			continue
		}
		c := *pe
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// CreateNodeExecution inserts a node execution unless the runtime id exists.
func (s *MemoryStore) CreateNodeExecution(_ context.Context, ne *engine.NodeExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[ne.RuntimeID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	if ne.CreatedAt.IsZero() {
		ne.CreatedAt = now
	}
	ne.UpdatedAt = now
	if ne.Version == 0 {
		ne.Version = 1
	}
	s.nodes[ne.RuntimeID] = &memoryNode{seq: s.nextSeq(), node: ne.Clone()}
	return true, nil
}

// GetNodeExecution retrieves a node execution by runtime id.
func (s *MemoryStore) GetNodeExecution(_ context.Context, runtimeID string) (*engine.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[runtimeID]
	if !ok {
		return nil, notFound("node execution", runtimeID)
	}
	return n.node.Clone(), nil
}

// UpdateNodeExecution applies mutate if the current status is in from.
// An empty from set applies the mutation unconditionally.
func (s *MemoryStore) UpdateNodeExecution(
	_ context.Context,
	runtimeID string,
	from []engine.Status,
	mutate engine.NodeMutation,
) (*engine.NodeExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[runtimeID]
	if !ok {
		return nil, false, notFound("node execution", runtimeID)
	}
	if len(from) > 0 && !containsStatus(from, n.node.Status) {
		return n.node.Clone(), false, nil
	}
	next := n.node.Clone()
	mutate(next)
	stampNodeUpdate(n.node, next)
	n.node = next
	return next.Clone(), true, nil
}

func (s *MemoryStore) sortedNodes(match func(*engine.NodeExecution) bool) []*engine.NodeExecution {
	matched := make([]*memoryNode, 0)
	for _, n := range s.nodes {
		if match(n.node) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]*engine.NodeExecution, 0, len(matched))
	for _, n := range matched {
		out = append(out, n.node.Clone())
	}
	return out
}

// ListNodeExecutions lists node executions of a plan execution in creation order.
func (s *MemoryStore) ListNodeExecutions(_ context.Context, planExecutionID string, statuses []engine.Status) ([]*engine.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedNodes(func(n *engine.NodeExecution) bool {
		if n.PlanExecutionID != planExecutionID {
			return false
		}
		return len(statuses) == 0 || containsStatus(statuses, n.Status)
	}), nil
}

// ListChildNodeExecutions lists node executions spawned by a parent.
func (s *MemoryStore) ListChildNodeExecutions(_ context.Context, parentRuntimeID string) ([]*engine.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedNodes(func(n *engine.NodeExecution) bool {
		return n.ParentRuntimeID == parentRuntimeID
	}), nil
}

// RecordTaskResult stores a task result once per (runtime id, task id).
func (s *MemoryStore) RecordTaskResult(_ context.Context, runtimeID string, result *engine.TaskResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results, ok := s.taskResults[runtimeID]
	if !ok {
		results = make(map[string]*engine.TaskResult)
		s.taskResults[runtimeID] = results
	}
	if _, exists := results[result.TaskID]; exists {
		return false, nil
	}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = time.Now().UTC()
	}
	c := *result
	results[result.TaskID] = &c
	return true, nil
}

// ListTaskResults returns the recorded task results of a node execution.
func (s *MemoryStore) ListTaskResults(_ context.Context, runtimeID string) (map[string]*engine.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*engine.TaskResult, len(s.taskResults[runtimeID]))
	for id, r := range s.taskResults[runtimeID] {
		c := *r
		out[id] = &c
	}
	return out, nil
}

// InsertOutput stores an output instance. The first producer to write a name
// in a scope owns it; later attempts of the owner append newer instances.
func (s *MemoryStore) InsertOutput(_ context.Context, out *engine.OutputInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outputKey(out.PlanExecutionID, out.ScopeKey, out.Kind, out.Name)
	if owner, claimed := s.outputSlots[key]; claimed && owner != out.ProducerSetupID {
		return duplicateOutput(out)
	}
	for _, o := range s.outputs {
		if o.out.ProducerRuntimeID == out.ProducerRuntimeID &&
			outputKey(o.out.PlanExecutionID, o.out.ScopeKey, o.out.Kind, o.out.Name) == key {
			return duplicateOutput(out)
		}
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	c := *out
	s.outputs[out.ID] = &memoryOutput{seq: s.nextSeq(), out: &c}
	s.outputSlots[key] = out.ProducerSetupID
	return nil
}

// FindOutput returns the newest instance written under an exact scope key.
func (s *MemoryStore) FindOutput(_ context.Context, planExecutionID string, kind engine.OutputKind, name, scopeKey string) (*engine.OutputInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *memoryOutput
	for _, o := range s.outputs {
		if o.out.PlanExecutionID != planExecutionID || o.out.Kind != kind ||
			o.out.Name != name || o.out.ScopeKey != scopeKey {
			continue
		}
		if latest == nil || o.seq > latest.seq {
			latest = o
		}
	}
	if latest == nil {
		return nil, notFound("output", name)
	}
	c := *latest.out
	return &c, nil
}

// FindLatestOutputByProducer returns the most recent instance from one producer.
func (s *MemoryStore) FindLatestOutputByProducer(_ context.Context, planExecutionID string, kind engine.OutputKind, name, producerSetupID string) (*engine.OutputInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *memoryOutput
	for _, o := range s.outputs {
		if o.out.PlanExecutionID != planExecutionID || o.out.Kind != kind ||
			o.out.Name != name || o.out.ProducerSetupID != producerSetupID {
			continue
		}
		if latest == nil || o.seq > latest.seq {
			latest = o
		}
	}
	if latest == nil {
		return nil, notFound("output", name)
	}
	c := *latest.out
	return &c, nil
}

// ListOutputsByRuntimeID lists instances written by one node execution.
func (s *MemoryStore) ListOutputsByRuntimeID(_ context.Context, runtimeID string) ([]*engine.OutputInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*memoryOutput, 0)
	for _, o := range s.outputs {
		if o.out.ProducerRuntimeID == runtimeID {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]*engine.OutputInstance, 0, len(matched))
	for _, o := range matched {
		c := *o.out
		out = append(out, &c)
	}
	return out, nil
}

// GetOutput retrieves an instance by id.
func (s *MemoryStore) GetOutput(_ context.Context, id string) (*engine.OutputInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outputs[id]
	if !ok {
		return nil, notFound("output", id)
	}
	c := *o.out
	return &c, nil
}

// CreateInterrupt inserts an interrupt.
func (s *MemoryStore) CreateInterrupt(_ context.Context, in *engine.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.interrupts[in.ID]; exists {
		return engine.NewConflictError(fmt.Sprintf("interrupt already exists: %s", in.ID), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(in.ID)
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	c := *in
	s.interrupts[in.ID] = &memoryInterrupt{seq: s.nextSeq(), in: &c}
	return nil
}

// GetInterrupt retrieves an interrupt by id.
func (s *MemoryStore) GetInterrupt(_ context.Context, id string) (*engine.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interrupts[id]
	if !ok {
		return nil, notFound("interrupt", id)
	}
	c := *in.in
	return &c, nil
}

// UpdateInterruptState sets the state if the current state is in from.
func (s *MemoryStore) UpdateInterruptState(_ context.Context, id string, to engine.InterruptState, from []engine.InterruptState, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interrupts[id]
	if !ok {
		return false, notFound("interrupt", id)
	}
	if len(from) > 0 && !containsInterruptState(from, in.in.State) {
		return false, nil
	}
	in.in.State = to
	in.in.Error = errMsg
	in.in.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListInterrupts lists interrupts of a plan execution in registration order.
func (s *MemoryStore) ListInterrupts(_ context.Context, planExecutionID string, states []engine.InterruptState) ([]*engine.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*memoryInterrupt, 0)
	for _, in := range s.interrupts {
		if in.in.PlanExecutionID != planExecutionID {
			continue
		}
		if len(states) > 0 && !containsInterruptState(states, in.in.State) {
			continue
		}
		matched = append(matched, in)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]*engine.Interrupt, 0, len(matched))
	for _, in := range matched {
		c := *in.in
		out = append(out, &c)
	}
	return out, nil
}

// HealthCheck reports an error once the store is closed.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ engine.Store = (*MemoryStore)(nil)
	_ engine.Store = (*SQLStore)(nil)
)
