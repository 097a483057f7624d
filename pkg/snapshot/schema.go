package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	gschema "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// DataSchema is the compiled JSON schema of one fragment version.
type DataSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// SchemaFor derives the schema of a fragment data type from its Go
// definition and compiles it.
func SchemaFor[T any]() (*DataSchema, error) {
	s, err := gschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema: %w", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return CompileSchema(raw)
}

// MustSchemaFor is SchemaFor for package-level provider schemas.
func MustSchemaFor[T any]() *DataSchema {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(raw []byte) (*DataSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://fragment.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("mem://fragment.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &DataSchema{raw: raw, compiled: sch}, nil
}

// Raw returns the schema document.
func (s *DataSchema) Raw() json.RawMessage { return s.raw }

// Validate checks data against the schema.
func (s *DataSchema) Validate(data json.RawMessage) error {
	if len(data) == 0 {
		return fmt.Errorf("fragment data is empty")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("fragment data is not json: %w", err)
	}
	return s.compiled.Validate(inst)
}

// Decode validates f.Data against schema and unmarshals it into T.
func Decode[T any](schema *DataSchema, f Fragment) (T, error) {
	var out T
	if schema != nil {
		if err := schema.Validate(f.Data); err != nil {
			return out, fmt.Errorf("%s: fragment v%d failed validation: %w", f.ProviderID, f.Version, err)
		}
	}
	if err := json.Unmarshal(f.Data, &out); err != nil {
		return out, fmt.Errorf("%s: decode fragment v%d: %w", f.ProviderID, f.Version, err)
	}
	return out, nil
}
