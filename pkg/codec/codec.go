// Package codec provides the serialization strategies used for stored outputs
// and task payloads.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/openfroyo/orchestra/pkg/engine"
)

const (
	// JSONName is the name of the JSON codec.
	JSONName = "json"

	// MsgpackName is the name of the MessagePack codec.
	MsgpackName = "msgpack"
)

// JSON encodes values as JSON. Decoding into interface{} keeps numbers as json.Number.
type JSON struct{}

// Name returns the codec name.
func (JSON) Name() string { return JSONName }

// Encode serializes v without HTML escaping, so expression delimiters such
// as <+ survive verbatim.
func (JSON) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode deserializes data into v.
func (JSON) Decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// Msgpack encodes values as MessagePack, using json struct tags for field names.
type Msgpack struct{}

// Name returns the codec name.
func (Msgpack) Name() string { return MsgpackName }

// Encode serializes v.
func (Msgpack) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into v. Maps decode as map[string]interface{}.
func (Msgpack) Decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.SetMapDecoder(func(d *msgpack.Decoder) (interface{}, error) {
		return d.DecodeMap()
	})
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return nil
}

// Registry resolves codecs by name so instances written with one codec stay
// readable after the default changes.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]engine.Codec
}

// NewRegistry creates a registry holding the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]engine.Codec)}
	r.Register(JSON{})
	r.Register(Msgpack{})
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c engine.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Get returns the codec with the given name.
func (r *Registry) Get(name string) (engine.Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown codec: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return c, nil
}

// Names returns the registered codec names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
