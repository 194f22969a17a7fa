package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResolveError is the typed failure raised when a ${...} reference
// cannot be satisfied. It fails the node that carried the reference.
type ResolveError struct {
	Ref    string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve ${%s}: %s", e.Ref, e.Reason)
}

// refPattern matches ${node.path.to.field} references inside strings.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// wholeRefPattern matches a string that is exactly one reference, which
// substitutes the actual typed value instead of a string.
var wholeRefPattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// Resolve walks a node config value and substitutes ${...} references
// against the run state. When a string is exactly one reference the
// resolved value keeps its native type; references embedded in longer
// strings are stringified.
func Resolve(value any, state *State) (any, error) {
	switch v := value.(type) {
	case string:
		if m := wholeRefPattern.FindStringSubmatch(v); m != nil {
			return lookupRef(m[1], state)
		}

		var firstErr error
		out := refPattern.ReplaceAllStringFunc(v, func(match string) string {
			ref := match[2 : len(match)-1]
			resolved, err := lookupRef(ref, state)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return match
			}
			return stringifyValue(resolved)
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return out, nil

	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, state)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, state)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}

	return value, nil
}

// ResolveExpression rewrites every ${...} reference in a conditional
// expression to a generated symbol and returns the rewritten expression
// with its symbol table. Resolution happens before any parsing of the
// expression itself.
func ResolveExpression(expression string, state *State) (string, map[string]any, error) {
	symbols := make(map[string]any)
	var firstErr error
	i := 0

	rewritten := refPattern.ReplaceAllStringFunc(expression, func(match string) string {
		ref := match[2 : len(match)-1]
		resolved, err := lookupRef(ref, state)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		name := "_ref" + strconv.Itoa(i)
		i++
		symbols[name] = resolved
		return name
	})
	if firstErr != nil {
		return "", nil, firstErr
	}

	return rewritten, symbols, nil
}

// lookupRef resolves one dotted reference:
//
//	N             → node_outputs[N].value
//	N.value       → same (alias: N.result)
//	N.meta.K      → node_outputs[N].meta[K]
//	N.value.K...  → nested lookup into the value (alias: N.result.K...)
//
// For legacy flat envelopes (value is a map without the envelope shape),
// N.result and N.meta.* fall back to top-level fields of the map.
func lookupRef(ref string, state *State) (any, error) {
	parts := strings.Split(ref, ".")
	nodeID := strings.TrimSpace(parts[0])
	if nodeID == "" {
		return nil, &ResolveError{Ref: ref, Reason: "empty node id"}
	}

	env, ok := state.Output(nodeID)
	if !ok {
		return nil, &ResolveError{Ref: ref, Reason: fmt.Sprintf("node %q has no output", nodeID)}
	}

	if len(parts) == 1 {
		return env.Value, nil
	}

	switch parts[1] {
	case "value", "result":
		return lookupPath(env.Value, parts[2:], ref)
	case "meta":
		if len(parts) < 3 {
			return env.metaMap(), nil
		}
		v, err := lookupPath(env.metaMap(), parts[2:], ref)
		if err == nil {
			return v, nil
		}
		// Legacy envelopes keep meta fields at the value's top level.
		return lookupPath(env.Value, parts[2:], ref)
	}

	// Legacy flat shape: treat the remaining path as top-level fields of
	// the value map.
	return lookupPath(env.Value, parts[1:], ref)
}

func lookupPath(value any, path []string, ref string) (any, error) {
	current := value
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &ResolveError{Ref: ref, Reason: fmt.Sprintf("path segment %q: not an object", key)}
		}
		current, ok = m[key]
		if !ok {
			return nil, &ResolveError{Ref: ref, Reason: fmt.Sprintf("missing field %q", key)}
		}
	}

	return current, nil
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
