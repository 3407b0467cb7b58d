package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// ObjectSchema builds a closed object schema whose listed fields are strings.
func ObjectSchema(required []string, optional ...string) map[string]any {
	props := map[string]any{}
	for _, k := range required {
		props[k] = map[string]any{"type": "string"}
	}
	for _, k := range optional {
		props[k] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// JSONResponseFormat asks llama.cpp to constrain output to the schema.
func JSONResponseFormat(schema map[string]any) map[string]any {
	return map[string]any{"type": "json_object", "schema": schema}
}

// DecodeStructured pulls the JSON object out of a model answer, normalizes
// it to the schema's properties, validates it and unmarshals into out.
// Any mismatch is a ResponseShapeError.
func DecodeStructured(content string, schema map[string]any, out any) error {
	obj, err := ExtractJSONObject(content)
	if err != nil {
		return common.NewResponseShapeError("answer carries no JSON object", err)
	}
	cleaned, err := NormalizeJSONObject(obj, schemaProperties(schema))
	if err != nil {
		return common.NewResponseShapeError("answer JSON unreadable", err)
	}
	if err := ValidateJSONAgainstSchema(schema, cleaned); err != nil {
		return common.NewResponseShapeError("answer JSON does not match schema", err)
	}
	if err := json.Unmarshal(cleaned, out); err != nil {
		return common.NewResponseShapeError("answer JSON unmarshal", err)
	}
	return nil
}

func schemaProperties(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	return keys
}
