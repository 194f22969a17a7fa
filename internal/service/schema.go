package service

// Tool input schemas reach the providers from two sources: the
// hand-written built-in definitions and whatever MCP servers advertise.
// MCP schemas are frequently generated (jsonschema/zod exports) and
// carry keywords — $schema, $defs, $ref, additionalProperties — that
// several OpenAI-compatible function-calling backends reject with 400s.
// SanitizeSchema strips those before a schema is placed on the wire;
// both provider request builders call it.

// strippedKeywords are removed at every depth of the schema tree.
var strippedKeywords = map[string]struct{}{
	"$schema":              {},
	"$id":                  {},
	"$ref":                 {},
	"ref":                  {},
	"$defs":                {},
	"definitions":          {},
	"additionalProperties": {},
}

// SanitizeSchema returns a deep copy of a JSON Schema with unsupported
// keywords removed. The input is never mutated: the registry is
// immutable and shares one schema value across concurrent calls. A nil
// schema stays nil.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	out, _ := cleanValue(schema).(map[string]any)

	return out
}

// cleanValue deep-copies v, dropping stripped keywords from every
// object along the way. Primitives are immutable and shared.
func cleanValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, child := range node {
			if _, drop := strippedKeywords[key]; drop {
				continue
			}
			out[key] = cleanValue(child)
		}
		return out

	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = cleanValue(child)
		}
		return out
	}

	return v
}
