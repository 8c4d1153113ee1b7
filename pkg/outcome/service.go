package outcome

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/engine"
)

// DefaultLevelsToKeep scopes an unscoped write to the writer's parent, so the
// value is visible to the writer and to its siblings in the same sequence.
const DefaultLevelsToKeep = 1

// instanceNamespace seeds deterministic instance ids.
var instanceNamespace = uuid.MustParse("6f1c2f4e-0a57-4c55-9a36-3f1f0e6b8d21")

// Service writes and resolves scoped outputs.
type Service struct {
	store         engine.Store
	codecs        *codec.Registry
	codec         engine.Codec
	payloads      engine.PayloadStore
	blobThreshold int
	defaultLevels int
	logger        zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCodec selects the codec used for new writes.
func WithCodec(c engine.Codec) Option {
	return func(s *Service) {
		s.codec = c
		s.codecs.Register(c)
	}
}

// WithPayloadStore offloads encoded values larger than threshold bytes.
func WithPayloadStore(ps engine.PayloadStore, threshold int) Option {
	return func(s *Service) {
		s.payloads = ps
		s.blobThreshold = threshold
	}
}

// WithDefaultLevelsToKeep changes the scope of writes that name no scope.
func WithDefaultLevelsToKeep(levels int) Option {
	return func(s *Service) {
		s.defaultLevels = levels
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an output service on top of a store.
func NewService(store engine.Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		codecs:        codec.NewRegistry(),
		codec:         codec.JSON{},
		defaultLevels: DefaultLevelsToKeep,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume writes one output instance produced by the node the ambiance points at.
// It returns the instance id. Rewriting the same name from the same node
// execution returns the existing instance. A retry of the node that first
// wrote the name adds a newer instance, which is what later resolves see.
func (s *Service) Consume(ctx context.Context, amb engine.Ambiance, out engine.StepOutput) (string, error) {
	if strings.TrimSpace(out.Name) == "" {
		return "", validationError("output name is required")
	}
	kind := out.Kind
	if kind == "" {
		kind = engine.KindOutcome
	}
	if err := kind.Validate(); err != nil {
		return "", validationError(err.Error())
	}
	producer, ok := amb.CurrentLevel()
	if !ok {
		return "", validationError("output must be produced by a node execution")
	}

	scopeKey, err := s.scopeKey(amb, out)
	if err != nil {
		return "", err
	}

	data, err := s.codec.Encode(out.Value)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("failed to encode output %s", out.Name), err).
			WithCode(engine.ErrCodeValidation)
	}

	id := uuid.NewSHA1(instanceNamespace,
		[]byte(strings.Join([]string{producer.RuntimeID, string(kind), out.Name, scopeKey}, "\x00"))).String()

	inst := &engine.OutputInstance{
		ID:                id,
		PlanExecutionID:   amb.PlanExecutionID,
		Name:              out.Name,
		Kind:              kind,
		ProducerSetupID:   producer.SetupID,
		ProducerRuntimeID: producer.RuntimeID,
		ScopeKey:          scopeKey,
		Group:             out.Group,
		Codec:             s.codec.Name(),
		Value:             data,
	}

	if s.payloads != nil && s.blobThreshold > 0 && len(data) > s.blobThreshold {
		key := amb.PlanExecutionID + "/" + id
		if err := s.payloads.Put(ctx, key, data); err != nil {
			return "", fmt.Errorf("failed to offload output %s: %w", out.Name, err)
		}
		inst.Value = nil
		inst.BlobKey = key
	}

	if err := s.store.InsertOutput(ctx, inst); err != nil {
		if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
			return "", err
		}
		// The same attempt writing again is idempotent.
		if existing, getErr := s.store.GetOutput(ctx, id); getErr == nil && existing.ProducerRuntimeID == producer.RuntimeID {
			return existing.ID, nil
		}
		return "", err
	}

	s.logger.Debug().
		Str("plan_execution_id", amb.PlanExecutionID).
		Str("runtime_id", producer.RuntimeID).
		Str("output", out.Name).
		Str("kind", string(kind)).
		Str("scope_key", scopeKey).
		Msg("Consumed output")

	return id, nil
}

func (s *Service) scopeKey(amb engine.Ambiance, out engine.StepOutput) (string, error) {
	if out.Group != "" {
		if out.LevelsToKeep != nil {
			return "", validationError("output scope takes either a group or levels to keep, not both")
		}
		depth, found := amb.GroupDepth(out.Group)
		if !found {
			return "", engine.NewPermanentError(fmt.Sprintf("group %s not found in ambiance", out.Group), nil).
				WithCode(engine.ErrCodeGroupNotFound).
				WithResource(amb.CurrentRuntimeID())
		}
		return amb.ScopeKey(depth), nil
	}

	levels := s.defaultLevels
	if out.LevelsToKeep != nil {
		levels = *out.LevelsToKeep
	}
	if levels < 0 || levels > amb.Depth() {
		return "", validationError(fmt.Sprintf("levels to keep %d out of range for depth %d", levels, amb.Depth()))
	}
	return amb.ScopeKey(amb.Depth() - levels), nil
}

// Resolve returns the value visible to the ambiance under ref.
// A miss is an OUTPUT_NOT_FOUND error.
func (s *Service) Resolve(ctx context.Context, amb engine.Ambiance, ref engine.RefObject) (interface{}, error) {
	inst, err := s.find(ctx, amb, ref)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := s.decode(ctx, inst, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveInto decodes the visible value into v.
func (s *Service) ResolveInto(ctx context.Context, amb engine.Ambiance, ref engine.RefObject, v interface{}) error {
	inst, err := s.find(ctx, amb, ref)
	if err != nil {
		return err
	}
	return s.decode(ctx, inst, v)
}

// OptionalResult is the result of ResolveOptional.
type OptionalResult struct {
	Found    bool
	Value    interface{}
	Instance *engine.OutputInstance
}

// ResolveOptional is Resolve with absence reported as Found=false.
func (s *Service) ResolveOptional(ctx context.Context, amb engine.Ambiance, ref engine.RefObject) (OptionalResult, error) {
	inst, err := s.find(ctx, amb, ref)
	if errors.Is(err, engine.ErrOutputNotFound) {
		return OptionalResult{}, nil
	}
	if err != nil {
		return OptionalResult{}, err
	}
	var v interface{}
	if err := s.decode(ctx, inst, &v); err != nil {
		return OptionalResult{}, err
	}
	return OptionalResult{Found: true, Value: v, Instance: inst}, nil
}

// ResolveInputs resolves a node's ref objects into step inputs keyed by alias.
func (s *Service) ResolveInputs(ctx context.Context, amb engine.Ambiance, refs []engine.RefObject) (engine.Inputs, error) {
	inputs := make(engine.Inputs, len(refs))
	for _, ref := range refs {
		if ref.Optional {
			res, err := s.ResolveOptional(ctx, amb, ref)
			if err != nil {
				return nil, err
			}
			if res.Found {
				inputs[ref.Key()] = res.Value
			}
			continue
		}
		v, err := s.Resolve(ctx, amb, ref)
		if err != nil {
			return nil, err
		}
		inputs[ref.Key()] = v
	}
	return inputs, nil
}

func (s *Service) find(ctx context.Context, amb engine.Ambiance, ref engine.RefObject) (*engine.OutputInstance, error) {
	kind := ref.Kind
	if kind == "" {
		kind = engine.KindOutcome
	}

	if ref.ProducerSetupID != "" {
		inst, err := s.store.FindLatestOutputByProducer(ctx, amb.PlanExecutionID, kind, ref.Name, ref.ProducerSetupID)
		if engine.IsNotFound(err) {
			return nil, outputNotFound(ref, amb)
		}
		return inst, err
	}

	// Nearest enclosing scope wins.
	for _, key := range amb.ScopeKeys() {
		inst, err := s.store.FindOutput(ctx, amb.PlanExecutionID, kind, ref.Name, key)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return inst, nil
	}
	return nil, outputNotFound(ref, amb)
}

func (s *Service) decode(ctx context.Context, inst *engine.OutputInstance, v interface{}) error {
	c, err := s.codecs.Get(inst.Codec)
	if err != nil {
		return err
	}

	data := inst.Value
	if inst.BlobKey != "" {
		if s.payloads == nil {
			return engine.NewPermanentError(fmt.Sprintf("output %s is offloaded but no payload store is configured", inst.ID), nil).
				WithCode(engine.ErrCodeInternal)
		}
		data, err = s.payloads.Get(ctx, inst.BlobKey)
		if err != nil {
			return fmt.Errorf("failed to load payload of output %s: %w", inst.ID, err)
		}
	}

	if err := c.Decode(data, v); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("failed to decode output %s", inst.ID), err).
			WithCode(engine.ErrCodeInternal)
	}
	return nil
}

// FindAllByRuntimeID lists the instances one node execution wrote.
func (s *Service) FindAllByRuntimeID(ctx context.Context, runtimeID string) ([]*engine.OutputInstance, error) {
	return s.store.ListOutputsByRuntimeID(ctx, runtimeID)
}

// Outcome is a decoded output instance.
type Outcome struct {
	Instance *engine.OutputInstance `json:"instance"`
	Value    interface{}            `json:"value"`
}

// FetchOutcome loads and decodes one instance.
func (s *Service) FetchOutcome(ctx context.Context, instanceID string) (*Outcome, error) {
	inst, err := s.store.GetOutput(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := s.decode(ctx, inst, &v); err != nil {
		return nil, err
	}
	return &Outcome{Instance: inst, Value: v}, nil
}

// FetchOutcomes loads and decodes several instances, in the order given.
func (s *Service) FetchOutcomes(ctx context.Context, instanceIDs []string) ([]*Outcome, error) {
	out := make([]*Outcome, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		o, err := s.FetchOutcome(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Summary returns the OUTCOME instances of a plan execution in write order.
// Sweeping outputs are working data and are left out.
func (s *Service) Summary(ctx context.Context, planExecutionID string) ([]*Outcome, error) {
	nodes, err := s.store.ListNodeExecutions(ctx, planExecutionID, nil)
	if err != nil {
		return nil, err
	}

	var summary []*Outcome
	for _, n := range nodes {
		instances, err := s.store.ListOutputsByRuntimeID(ctx, n.RuntimeID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.Kind != engine.KindOutcome {
				continue
			}
			var v interface{}
			if err := s.decode(ctx, inst, &v); err != nil {
				return nil, err
			}
			summary = append(summary, &Outcome{Instance: inst, Value: v})
		}
	}
	return summary, nil
}

func validationError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
}

func outputNotFound(ref engine.RefObject, amb engine.Ambiance) error {
	msg := fmt.Sprintf("output %s not visible", ref.Name)
	if ref.ProducerSetupID != "" {
		msg = fmt.Sprintf("output %s of %s not found", ref.Name, ref.ProducerSetupID)
	}
	return engine.NewPermanentError(msg, nil).
		WithCode(engine.ErrCodeOutputNotFound).
		WithResource(amb.CurrentRuntimeID())
}
