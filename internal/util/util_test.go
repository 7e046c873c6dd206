package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleArgs struct {
	Operation string  `json:"operation" jsonschema:"enum=add,enum=sub,description=Operation to apply"`
	Value     float64 `json:"value" jsonschema:"description=Operand"`
	Note      string  `json:"note,omitempty"`
}

func TestSchemaFor(t *testing.T) {
	schema := SchemaFor(&sampleArgs{})
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "operation")
	assert.Contains(t, props, "note")
	assert.ElementsMatch(t, []any{"operation", "value"}, schema["required"])

	assert.NoError(t, ValidateParameters(map[string]any{"operation": "add", "value": 2.0}, schema))
	assert.Error(t, ValidateParameters(map[string]any{"operation": "mul", "value": 2.0}, schema))
	assert.Error(t, ValidateParameters(map[string]any{"operation": "add"}, schema))
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []string{"items"},
		"properties": map[string]any{
			"items": map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": 3,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"task"},
					"properties": map[string]any{
						"task": map[string]any{"type": "string", "minLength": 1},
					},
				},
			},
			"count": map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		},
	}

	ok := map[string]any{"items": []any{map[string]any{"task": "x"}}}
	assert.NoError(t, ValidateParameters(ok, schema))

	tests := map[string]map[string]any{
		"missing required": {},
		"too many items": {"items": []any{
			map[string]any{"task": "a"}, map[string]any{"task": "b"},
			map[string]any{"task": "c"}, map[string]any{"task": "d"},
		}},
		"empty items":       {"items": []any{}},
		"nested missing":    {"items": []any{map[string]any{}}},
		"nested empty task": {"items": []any{map[string]any{"task": ""}}},
		"wrong type":        {"items": "x"},
		"above maximum":     {"items": []any{map[string]any{"task": "a"}}, "count": 11.0},
		"fractional int":    {"items": []any{map[string]any{"task": "a"}}, "count": 1.5},
	}
	for name, params := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateParameters(params, schema)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Task {{.task.id}} for {{.agent.name | upper}}{{.missing}}", map[string]any{
		"task":  map[string]any{"id": "t1"},
		"agent": map[string]any{"name": "writer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Task t1 for WRITER", out)

	plain, err := RenderTemplate("no markers", nil)
	require.NoError(t, err)
	assert.Equal(t, "no markers", plain)

	_, err = RenderTemplate("{{.broken", nil)
	assert.Error(t, err)
}

type urlsafeHolder struct {
	Name string `validate:"required,urlsafe"`
	Arg  string `validate:"nonul"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(urlsafeHolder{Name: "fs-server_1"}))

	err := ValidateStruct(urlsafeHolder{Name: "bad name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "urlsafe")

	err = ValidateStruct(urlsafeHolder{Name: "ok", Arg: "a\x00b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonul")
}

func TestIdentifierAndMessage(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("id", "agent-1"))
	assert.Error(t, ValidateIdentifier("id", ""))
	assert.Error(t, ValidateIdentifier("id", "a/b"))
	assert.Error(t, ValidateIdentifier("id", strings.Repeat("a", MaxIdentifierLength+1)))

	assert.NoError(t, ValidateMessage("task", "write a haiku"))
	assert.Error(t, ValidateMessage("task", "   "))
	assert.Error(t, ValidateMessage("task", "a\x00"))
	assert.Error(t, ValidateMessage("task", strings.Repeat("x", MaxMessageBytes+1)))
}

func TestParseUUID(t *testing.T) {
	id := NewID("")
	parsed, err := ParseUUID("id", id)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.String())

	_, err = ParseUUID("id", "{"+id+"}")
	assert.Error(t, err)

	assert.True(t, strings.HasPrefix(NewID("sub"), "sub_"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel...", Truncate("hello world", 6))
	assert.Equal(t, "", Truncate("hello", 0))
}
