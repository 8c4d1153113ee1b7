package codec

import (
	"encoding/json"
	"testing"
)

type payload struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestCodecs_RoundTripStruct(t *testing.T) {
	for _, c := range []interface {
		Name() string
		Encode(interface{}) ([]byte, error)
		Decode([]byte, interface{}) error
	}{JSON{}, Msgpack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			in := payload{Name: "build", Count: 3, Tags: map[string]string{"env": "prod"}}
			data, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			var out payload
			if err := c.Decode(data, &out); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if out.Name != in.Name || out.Count != in.Count || out.Tags["env"] != "prod" {
				t.Errorf("Expected %+v, got %+v", in, out)
			}
		})
	}
}

func TestCodecs_DecodeGenericUsesStringKeys(t *testing.T) {
	data, err := Msgpack{}.Encode(map[string]interface{}{"image": "nginx", "nested": map[string]interface{}{"port": 80}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var out interface{}
	if err := (Msgpack{}).Decode(data, &out); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map[string]interface{}, got %T", out)
	}
	if _, ok := m["nested"].(map[string]interface{}); !ok {
		t.Errorf("Expected nested map[string]interface{}, got %T", m["nested"])
	}

	var jsonOut interface{}
	if err := (JSON{}).Decode([]byte(`{"n": 12}`), &jsonOut); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := jsonOut.(map[string]interface{})["n"].(json.Number); !ok {
		t.Errorf("Expected json.Number, got %T", jsonOut.(map[string]interface{})["n"])
	}
}

func TestJSON_EncodeKeepsExpressionDelimiters(t *testing.T) {
	data, err := JSON{}.Encode(map[string]string{"msg": "<+setup.x> & more"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := string(data); got != `{"msg":"<+setup.x> & more"}` {
		t.Errorf("Expected unescaped document, got %s", got)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(MsgpackName); err != nil {
		t.Errorf("Expected msgpack codec, got error: %v", err)
	}
	if _, err := r.Get("xml"); err == nil {
		t.Error("Expected error for unknown codec")
	}
	if names := r.Names(); len(names) != 2 || names[0] != JSONName {
		t.Errorf("Expected [json msgpack], got %v", names)
	}
}
