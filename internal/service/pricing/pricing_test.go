package pricing

import (
	"math"
	"testing"
)

func TestParsePairFormat(t *testing.T) {
	cat, err := Parse([]byte(`{"gpt-4o-mini": [0.15, 0.6]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cost, ok := cat.Cost("gpt-4o-mini", 1000, 1000)
	if !ok {
		t.Fatal("expected catalog hit")
	}
	if math.Abs(cost-0.75) > 1e-9 {
		t.Fatalf("cost = %v, want 0.75", cost)
	}
}

func TestParseObjectFormat(t *testing.T) {
	cat, err := Parse([]byte(`{"claude-sonnet": {"in": 3.0, "out": 15.0}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cost, ok := cat.Cost("claude-sonnet", 2000, 500)
	if !ok {
		t.Fatal("expected catalog hit")
	}
	want := 2.0*3.0 + 0.5*15.0
	if math.Abs(cost-want) > 1e-9 {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestMissingModel(t *testing.T) {
	cat, err := Parse([]byte(`{"gpt-4o": [2.5, 10]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, ok := cat.Cost("unknown-model", 100, 100); ok {
		t.Fatal("missing model should not produce a cost")
	}
}

func TestParseBadPair(t *testing.T) {
	if _, err := Parse([]byte(`{"m": [1.0]}`)); err == nil {
		t.Fatal("expected error for one-element pair")
	}
}

func TestEmptyCatalog(t *testing.T) {
	if _, ok := Empty().Cost("anything", 1, 1); ok {
		t.Fatal("empty catalog should always miss")
	}
}
