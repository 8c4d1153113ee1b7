package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// SchemaError reports the locations that failed schema validation.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// CUEParser loads configuration and plan files. CUE and JSON sources are
// compiled directly and YAML sources are decoded first. The value is then
// unified with the matching schema before it is decoded. Values are only
// unified within the registry's CUE context.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	sr := NewSchemaRegistry()
	return &CUEParser{
		ctx:            sr.ctx,
		schemaRegistry: sr,
		validator:      validator.New(),
	}
}

// Load reads the configuration file at path on top of Default and validates
// the result.
func Load(path string) (*Config, error) {
	return NewCUEParser().LoadConfig(path)
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (*engine.Plan, error) {
	return NewCUEParser().LoadPlan(path)
}

// LoadConfig reads the configuration file at path.
func (cp *CUEParser) LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cp.ParseConfig(path, content)
}

// ParseConfig decodes configuration content. The file name selects the
// format and is used in error locations.
func (cp *CUEParser) ParseConfig(filename string, content []byte) (*Config, error) {
	data, err := cp.evaluate(filename, content, SchemaConfig)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cp.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a configuration's struct constraints and the settings each
// section needs for its driver.
func (cp *CUEParser) Validate(cfg *Config) error {
	if err := cp.validator.Struct(cfg); err != nil {
		return engine.NewPermanentError("invalid configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if err := cfg.StoreConfig().Validate(); err != nil {
		return engine.NewPermanentError("invalid store configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if err := cfg.DriverConfig().Validate(); err != nil {
		return engine.NewPermanentError("invalid engine configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if ps := cfg.Outcomes.ObjectStore; ps != nil {
		if err := ps.Validate(); err != nil {
			return engine.NewPermanentError("invalid object store configuration", err).WithCode(engine.ErrCodeValidation)
		}
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return NewCUEParser().Validate(c)
}

// LoadPlan reads a plan file in the engine's serialized form.
func (cp *CUEParser) LoadPlan(path string) (*engine.Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return cp.ParsePlan(path, content)
}

// ParsePlan decodes plan content. Structural checks against the registered
// steps are left to the driver.
func (cp *CUEParser) ParsePlan(filename string, content []byte) (*engine.Plan, error) {
	data, err := cp.evaluate(filename, content, SchemaPlan)
	if err != nil {
		return nil, err
	}

	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// evaluate compiles content, applies the named schema and exports the result
// as JSON.
func (cp *CUEParser) evaluate(filename string, content []byte, schemaName string) ([]byte, error) {
	val, err := cp.compile(filename, content)
	if err != nil {
		return nil, err
	}

	unified, err := cp.schemaRegistry.Apply(schemaName, val)
	if err != nil {
		return nil, &SchemaError{Errors: cp.convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}
	return data, nil
}

func (cp *CUEParser) compile(filename string, content []byte) (cue.Value, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		var data interface{}
		if err := yaml.Unmarshal(content, &data); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
		if data == nil {
			data = map[string]interface{}{}
		}
		val := cp.ctx.Encode(data)
		if err := val.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to encode %s: %w", filename, err)
		}
		return val, nil

	case ".cue", ".json", "":
		val := cp.ctx.CompileBytes(content, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, &SchemaError{Errors: cp.convertCUEErrors(err)}
		}
		return val, nil

	default:
		return cue.Value{}, fmt.Errorf("unsupported file format: %s", filename)
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice. The position
// in the loaded file is preferred over the one in the schema.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		for _, pos := range errors.Positions(e) {
			if file != "" && strings.HasPrefix(pos.Filename(), schemaFilePrefix) {
				continue
			}
			file = pos.Filename()
			line = pos.Line()
			column = pos.Column()
			if !strings.HasPrefix(file, schemaFilePrefix) {
				break
			}
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}
