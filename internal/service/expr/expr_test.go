package expr

import (
	"errors"
	"strings"
	"testing"
)

func mustEval(t *testing.T, expression string, vars map[string]any) any {
	t.Helper()
	v, err := Eval(expression, vars)
	if err != nil {
		t.Fatalf("Eval(%q): %v", expression, err)
	}
	return v
}

func evalKind(t *testing.T, expression string, vars map[string]any) ErrorKind {
	t.Helper()
	_, err := Eval(expression, vars)
	if err == nil {
		t.Fatalf("Eval(%q): expected error", expression)
	}
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("Eval(%q): error is not typed: %v", expression, err)
	}
	return ee.Kind
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 / 4", 2.5},
		{"10 % 3", 1},
		{"2 ** 10", 1024},
		{"2 ** 3 ** 2", 512}, // right-associative
		{"-5 + 3", -2},
		{"abs(-4)", 4},
		{"min(3, 1, 2)", 1},
		{"max(3, 1, 2)", 3},
		{"len('hello')", 5},
	}

	for _, tt := range tests {
		got := mustEval(t, tt.expr, nil)
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestComparisonsAndBooleans(t *testing.T) {
	vars := map[string]any{"status": 200, "name": "zerg"}

	tests := []struct {
		expr string
		want bool
	}{
		{"status == 200", true},
		{"status != 200", false},
		{"status >= 200 and status < 300", true},
		{"status > 500 or name == 'zerg'", true},
		{"not (status == 200)", false},
		{"'abc' < 'abd'", true},
		{"null == null", true},
		{"status == '200'", false}, // no cross-type numeric coercion
	}

	for _, tt := range tests {
		got := mustEval(t, tt.expr, vars)
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestStrFunction(t *testing.T) {
	if got := mustEval(t, "str(42) + '!'", nil); got != "42!" {
		t.Fatalf("got %v", got)
	}
	if got := mustEval(t, "str(true)", nil); got != "true" {
		t.Fatalf("got %v", got)
	}
}

func TestTypePreservation(t *testing.T) {
	if got := mustEval(t, "1 + 1", nil); got != float64(2) {
		t.Fatalf("numeric result not preserved: %T", got)
	}
	if got := mustEval(t, "'a' + 'b'", nil); got != "ab" {
		t.Fatalf("string result not preserved: %v", got)
	}
}

func TestForbiddenConstructs(t *testing.T) {
	tests := []struct {
		expr string
		kind ErrorKind
	}{
		{"__import__('os')", ErrForbidden},
		{"a.b", ErrForbidden},
		{"data['key']", ErrForbidden},
		{"x = 1", ErrForbidden},
		{"system('x')", ErrForbidden},
	}

	for _, tt := range tests {
		kind := evalKind(t, tt.expr, map[string]any{"a": 1, "data": 1, "x": 1})
		if kind != tt.kind {
			t.Errorf("Eval(%q) kind = %q, want %q", tt.expr, kind, tt.kind)
		}
	}
}

func TestResourceLimits(t *testing.T) {
	// Expression longer than 500 chars.
	long := "1 + " + strings.Repeat("1 + ", 200) + "1"
	if kind := evalKind(t, long, nil); kind != ErrLimit {
		t.Errorf("long expression kind = %q, want %q", kind, ErrLimit)
	}

	// String literal longer than 1000 chars.
	bigStr := "'" + strings.Repeat("a", 400) + "' + '" + strings.Repeat("b", 400) + "' + '" + strings.Repeat("c", 400) + "'"
	if kind := evalKind(t, bigStr, nil); kind != ErrLimit {
		t.Errorf("big string kind = %q, want %q", kind, ErrLimit)
	}

	// Huge exponent.
	if kind := evalKind(t, "2**1000", nil); kind != ErrLimit {
		t.Errorf("2**1000 kind = %q, want %q", kind, ErrLimit)
	}
}

func TestUndefinedVariable(t *testing.T) {
	if kind := evalKind(t, "missing > 1", nil); kind != ErrUndefined {
		t.Errorf("kind = %q, want %q", kind, ErrUndefined)
	}
}

func TestDivisionByZero(t *testing.T) {
	if kind := evalKind(t, "1 / 0", nil); kind != ErrType {
		t.Errorf("kind = %q, want %q", kind, ErrType)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{float64(0), false},
		{float64(1), true},
		{"", false},
		{"x", true},
		{map[string]any{}, true},
	}

	for _, tt := range tests {
		if got := Truthy(tt.v); got != tt.want {
			t.Errorf("Truthy(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
