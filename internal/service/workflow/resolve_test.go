package workflow

import (
	"errors"
	"testing"
)

func stateWith(outputs map[string]*Envelope) *State {
	s := NewState()
	for id, env := range outputs {
		s.SetOutput(id, env)
	}
	return s
}

func TestResolveWholeReferencePreservesType(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"fetch": {Value: map[string]any{"status": float64(200), "flag": true}},
	})

	tests := []struct {
		in   string
		want any
	}{
		{"${fetch}", map[string]any{"status": float64(200), "flag": true}},
		{"${fetch.value.status}", float64(200)},
		{"${fetch.result.status}", float64(200)},
		{"${fetch.value.flag}", true},
	}

	for _, tt := range tests {
		got, err := Resolve(tt.in, state)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.in, err)
		}
		switch want := tt.want.(type) {
		case map[string]any:
			gotMap, ok := got.(map[string]any)
			if !ok || len(gotMap) != len(want) {
				t.Errorf("Resolve(%q) = %v, want %v", tt.in, got, want)
			}
		default:
			if got != tt.want {
				t.Errorf("Resolve(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		}
	}
}

func TestResolveEmbeddedStringifies(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"fetch": {Value: map[string]any{"status": float64(200)}},
	})

	got, err := Resolve("status was ${fetch.value.status}", state)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "status was 200" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveMeta(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"call": {Value: "x", Meta: Meta{NodeType: "tool", ToolName: "http_get", DurationMS: 42}},
	})

	got, err := Resolve("${call.meta.tool_name}", state)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "http_get" {
		t.Fatalf("got %v", got)
	}
}

func TestResolveNestedStructures(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"n": {Value: float64(7)},
	})

	got, err := Resolve(map[string]any{
		"count": "${n}",
		"label": "value is ${n}",
		"list":  []any{"${n.value}"},
	}, state)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	m := got.(map[string]any)
	if m["count"] != float64(7) {
		t.Errorf("count = %v (%T), want 7 (float64)", m["count"], m["count"])
	}
	if m["label"] != "value is 7" {
		t.Errorf("label = %v", m["label"])
	}
	if m["list"].([]any)[0] != float64(7) {
		t.Errorf("list[0] = %v", m["list"].([]any)[0])
	}
}

func TestResolveMissingNode(t *testing.T) {
	_, err := Resolve("${ghost.value}", NewState())
	if err == nil {
		t.Fatal("expected error")
	}
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("error is not a ResolveError: %v", err)
	}
}

func TestResolveMissingPath(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"n": {Value: map[string]any{"a": float64(1)}},
	})

	_, err := Resolve("${n.value.b}", state)
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolveError, got %v", err)
	}
}

func TestResolveLegacyFlatEnvelope(t *testing.T) {
	// Legacy envelopes store fields at the value's top level.
	state := stateWith(map[string]*Envelope{
		"old": {Value: map[string]any{"result": "done", "code": float64(3)}},
	})

	got, err := Resolve("${old.code}", state)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != float64(3) {
		t.Fatalf("got %v", got)
	}
}

func TestResolveExpressionSymbolTable(t *testing.T) {
	state := stateWith(map[string]*Envelope{
		"fetch": {Value: map[string]any{"status": float64(200)}},
	})

	rewritten, symbols, err := ResolveExpression("${fetch.value.status} == 200", state)
	if err != nil {
		t.Fatalf("ResolveExpression: %v", err)
	}
	if rewritten != "_ref0 == 200" {
		t.Fatalf("rewritten = %q", rewritten)
	}
	if symbols["_ref0"] != float64(200) {
		t.Fatalf("symbols = %v", symbols)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Value: map[string]any{"n": float64(1)},
		Meta:  Meta{NodeType: "tool", Status: "succeeded", DurationMS: 10, ToolName: "http_get"},
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}

	if parsed.Meta != env.Meta {
		t.Fatalf("meta round-trip: got %+v, want %+v", parsed.Meta, env.Meta)
	}
	if parsed.Value.(map[string]any)["n"] != float64(1) {
		t.Fatalf("value round-trip: %v", parsed.Value)
	}
}

func TestParseLegacyEnvelope(t *testing.T) {
	parsed, err := ParseEnvelope([]byte(`{"result": "hello", "extra": 1}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.Value != "hello" {
		t.Fatalf("legacy value = %v", parsed.Value)
	}
}
