package service

import "testing"

// mcpStyleSchema is the shape a jsonschema-generating MCP server
// typically advertises: full of keywords strict backends reject.
func mcpStyleSchema() map[string]any {
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"$id":                  "https://example.com/tool.json",
		"type":                 "object",
		"additionalProperties": false,
		"$defs": map[string]any{
			"label": map[string]any{"type": "string"},
		},
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel to post to",
			},
			"labels": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/$defs/label"},
			},
			"options": map[string]any{
				"type":                 "object",
				"additionalProperties": true,
				"properties": map[string]any{
					"priority": map[string]any{
						"type": "string",
						"enum": []any{"low", "high"},
					},
				},
			},
		},
		"required": []any{"channel"},
	}
}

func TestSanitizeSchemaStripsAtEveryDepth(t *testing.T) {
	got := SanitizeSchema(mcpStyleSchema())

	for _, key := range []string{"$schema", "$id", "$defs", "additionalProperties"} {
		if _, ok := got[key]; ok {
			t.Errorf("top-level %q should be stripped", key)
		}
	}

	props := got["properties"].(map[string]any)

	items := props["labels"].(map[string]any)["items"].(map[string]any)
	if _, ok := items["$ref"]; ok {
		t.Error("nested $ref should be stripped")
	}

	options := props["options"].(map[string]any)
	if _, ok := options["additionalProperties"]; ok {
		t.Error("nested additionalProperties should be stripped")
	}
}

func TestSanitizeSchemaPreservesFunctionCallingFields(t *testing.T) {
	got := SanitizeSchema(mcpStyleSchema())

	if got["type"] != "object" {
		t.Errorf("type = %v, want object", got["type"])
	}

	required := got["required"].([]any)
	if len(required) != 1 || required[0] != "channel" {
		t.Errorf("required = %v", required)
	}

	props := got["properties"].(map[string]any)
	channel := props["channel"].(map[string]any)
	if channel["description"] != "Channel to post to" {
		t.Errorf("description lost: %v", channel)
	}

	enum := props["options"].(map[string]any)["properties"].(map[string]any)["priority"].(map[string]any)["enum"].([]any)
	if len(enum) != 2 {
		t.Errorf("enum lost: %v", enum)
	}
}

func TestSanitizeSchemaDoesNotMutateOriginal(t *testing.T) {
	// The registry shares one schema value across concurrent provider
	// calls, so sanitization must copy, never edit in place.
	original := mcpStyleSchema()

	SanitizeSchema(original)

	if _, ok := original["$schema"]; !ok {
		t.Fatal("original schema was mutated")
	}
	nested := original["properties"].(map[string]any)["options"].(map[string]any)
	if _, ok := nested["additionalProperties"]; !ok {
		t.Fatal("nested original schema was mutated")
	}
}

func TestSanitizeSchemaNil(t *testing.T) {
	if got := SanitizeSchema(nil); got != nil {
		t.Fatalf("SanitizeSchema(nil) = %v, want nil", got)
	}
}

func TestSanitizeSchemaBuiltinPassthrough(t *testing.T) {
	// Built-in tool schemas contain nothing strippable and should come
	// through equivalent.
	builtin := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The URL to fetch"},
		},
		"required": []any{"url"},
	}

	got := SanitizeSchema(builtin)

	if len(got) != 3 {
		t.Fatalf("got %v", got)
	}
	if got["properties"].(map[string]any)["url"].(map[string]any)["type"] != "string" {
		t.Fatalf("property lost: %v", got)
	}
}
