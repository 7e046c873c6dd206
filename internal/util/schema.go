package util

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Value   any    `json:"value"`   // Value that was provided
	Message string `json:"message"` // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

// SchemaFor reflects a JSON schema map from a Go struct. Field descriptions
// and constraints come from `jsonschema` struct tags.
func SchemaFor(v any) map[string]any {
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// ValidateParameters validates parameters against a JSON schema. It supports
// the subset used by tool definitions: required, type, enum, string length,
// numeric bounds, array length and nested object properties.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(prefix string, params map[string]any, schema map[string]any) error {
	for _, fieldName := range stringList(schema["required"]) {
		if _, exists := params[fieldName]; !exists {
			return &ValidationError{
				Field:   prefix + fieldName,
				Message: "required field is missing",
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for fieldName, value := range params {
		propSchema, exists := properties[fieldName]
		if !exists {
			continue // Allow extra fields
		}

		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}

		if err := validateValue(prefix+fieldName, value, propMap); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(field string, value any, schema map[string]any) error {
	expectedType, _ := schema["type"].(string)
	if !isValidType(value, expectedType) {
		return &ValidationError{
			Field:   field,
			Value:   value,
			Message: fmt.Sprintf("expected type %s, got %T", expectedType, value),
		}
	}
	if value == nil {
		return nil
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		found := false
		for _, candidate := range enum {
			if fmt.Sprint(candidate) == fmt.Sprint(value) {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be one of %v", enum)}
		}
	}

	switch v := value.(type) {
	case string:
		if n, ok := number(schema["minLength"]); ok && float64(len([]rune(v))) < n {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at least %v characters", n)}
		}
		if n, ok := number(schema["maxLength"]); ok && float64(len([]rune(v))) > n {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at most %v characters", n)}
		}
	case []any:
		if n, ok := number(schema["minItems"]); ok && float64(len(v)) < n {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must contain at least %v items", n)}
		}
		if n, ok := number(schema["maxItems"]); ok && float64(len(v)) > n {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must contain at most %v items", n)}
		}
		if items, ok := schema["items"].(map[string]any); ok {
			for i, item := range v {
				if err := validateValue(fmt.Sprintf("%s[%d]", field, i), item, items); err != nil {
					return err
				}
			}
		}
	case map[string]any:
		if _, ok := schema["properties"]; ok {
			return validateObject(field+".", v, schema)
		}
	default:
		if f, ok := number(value); ok {
			if n, ok := number(schema["minimum"]); ok && f < n {
				return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be >= %v", n)}
			}
			if n, ok := number(schema["maximum"]); ok && f > n {
				return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be <= %v", n)}
			}
		}
	}

	return nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// isValidType checks if a value is valid according to the expected JSON schema type.
func isValidType(value any, expectedType string) bool {
	if value == nil {
		return true // nil is valid for any type
	}

	switch strings.TrimSpace(expectedType) {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64: // JSON unmarshaling often produces float64 for numbers
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true // Unknown types are assumed valid
	}
}
