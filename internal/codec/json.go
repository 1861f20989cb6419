package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON validates payloads against a compiled JSON Schema and renders
// entities as JSON objects restricted to the schema's properties.
type JSON struct {
	schema  *jsonschema.Schema
	partial *jsonschema.Schema
	fields  []string
}

var _ Codec = (*JSON)(nil)

// NewJSON compiles the given schema document. A second variant with the
// top-level "required" keyword stripped is compiled for partial updates.
func NewJSON(schemaDoc string) (*JSON, error) {
	schema, err := jsonschema.CompileString("stream.schema.json", schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(schemaDoc), &doc); err != nil {
		return nil, fmt.Errorf("parse schema document: %w", err)
	}

	fields := propertyNames(doc)
	if len(fields) == 0 {
		return nil, errors.New("schema declares no properties")
	}

	delete(doc, "required")
	partialDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("build partial schema: %w", err)
	}
	partial, err := jsonschema.CompileString("stream.partial.schema.json", string(partialDoc))
	if err != nil {
		return nil, fmt.Errorf("compile partial schema: %w", err)
	}

	return &JSON{schema: schema, partial: partial, fields: fields}, nil
}

func propertyNames(doc map[string]any) []string {
	props, _ := doc["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *JSON) FieldNames() []string {
	return c.fields
}

func (c *JSON) Validate(raw []byte, partial bool) (gateway.Fields, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, newValidationError("non_field_errors", "payload is not valid JSON")
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, newValidationError("non_field_errors", "payload must be an object")
	}

	schema := c.schema
	if partial {
		schema = c.partial
	}
	if err := schema.Validate(value); err != nil {
		return nil, asValidationError(err)
	}

	fields := make(gateway.Fields, len(obj))
	for _, name := range c.fields {
		if v, ok := obj[name]; ok {
			fields[name] = v
		}
	}
	return fields, nil
}

func (c *JSON) Render(e gateway.Entity) ([]byte, error) {
	out := make(map[string]any, len(c.fields)+1)
	out["id"] = e.ID()
	for _, name := range c.fields {
		if v, ok := e.Fields[name]; ok {
			out[name] = v
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("render entity %q: %w", e.PK, err)
	}
	return data, nil
}

// asValidationError flattens a jsonschema validation error into the
// field -> messages shape sent to clients.
func asValidationError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return newValidationError("non_field_errors", err.Error())
	}

	detail := make(map[string][]string)
	collectCauses(ve, detail)
	if len(detail) == 0 {
		detail["non_field_errors"] = []string{ve.Message}
	}
	return &ValidationError{Detail: detail}
}

func collectCauses(ve *jsonschema.ValidationError, detail map[string][]string) {
	if len(ve.Causes) == 0 {
		field := instanceField(ve.InstanceLocation)
		detail[field] = append(detail[field], ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, detail)
	}
}

func instanceField(location string) string {
	trimmed := strings.TrimPrefix(location, "/")
	if trimmed == "" {
		return "non_field_errors"
	}
	return strings.SplitN(trimmed, "/", 2)[0]
}
