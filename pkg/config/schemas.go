package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaFilePrefix = "schema:"

// Names of the built-in schemas.
const (
	SchemaConfig = "config"
	SchemaPlan   = "plan"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source defining one definition, named after the schema ("#Config" for
// "config").
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaPlan, "#Plan", builtinPlanSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(schemaFilePrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema and checks that the result is
// concrete.
func (sr *SchemaRegistry) Apply(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates a Go value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Apply(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	store?: {
		driver?:            "sqlite" | "postgres" | "memory"
		path?:              string
		url?:               string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	engine?: {
		max_parallel?:           int & >0
		reconcile_interval?:     #Duration
		retry_max_tries?:        int & >0
		retry_initial_interval?: #Duration
		retry_max_interval?:     #Duration
		default_node_timeout?:   #Duration
		selection_policy?:       "first_match" | "strict"
		expression_timeout?:     #Duration
	}

	outcomes?: {
		codec?:          "json" | "msgpack"
		blob_threshold?: int & >=0
		levels_to_keep?: int & >=0
		object_store?: {
			endpoint:    string & !=""
			access_key?: string
			secret_key?: string
			bucket:      string & !=""
			region?:     string
			use_ssl?:    bool
			prefix?:     string
		}
	}

	policies?: {
		paths?: [...string]
		watch?: bool
	}

	telemetry?: {
		service_name?: string & !=""
		environment?:  string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "jaeger" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           string
			namespace?:      string
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >=0
		}
	}
}
`

const builtinPlanSchema = `
#Obtainment: {
	type:        string & !=""
	parameters?: _
}

#RefObject: {
	name:               string & !=""
	producer_setup_id?: string
	kind?:              "OUTCOME" | "SWEEPING_OUTPUT"
	alias?:             string
	optional?:          bool
}

#Node: {
	setup_id:                string & !=""
	identifier?:             string
	name?:                   string
	state_type:              string & !=""
	state_parameters?:       _
	adviser_obtainments?:    [...#Obtainment]
	facilitator_obtainments: [#Obtainment, ...#Obtainment]
	level_name?:             string
	ref_objects?:            [...#RefObject]
	timeout?:                int & >=0
}

#Plan: {
	id:                  string & !=""
	nodes:               [#Node, ...#Node]
	starting_node_id:    string & !=""
	setup_abstractions?: {[string]: string}
}
`
