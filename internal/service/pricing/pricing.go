// Package pricing loads the per-model pricing catalog used to turn
// provider-reported token usage into dollar cost. Models missing from
// the catalog produce a null cost; usage is never estimated.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry is the per-1k-token price for one model.
type Entry struct {
	InPer1K  float64
	OutPer1K float64
}

// Catalog maps model identifiers to prices. The zero value is an empty
// catalog where every lookup misses.
type Catalog struct {
	entries map[string]Entry
}

// Load reads a catalog file. Each value is either a two-element array
// [in_per_1k, out_per_1k] or an object {"in": x, "out": y}.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}

	return Parse(data)
}

// Parse decodes catalog JSON.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing catalog: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for model, v := range raw {
		var pair []float64
		if err := json.Unmarshal(v, &pair); err == nil {
			if len(pair) != 2 {
				return nil, fmt.Errorf("model %q: expected [in, out] pair, got %d elements", model, len(pair))
			}
			entries[model] = Entry{InPer1K: pair[0], OutPer1K: pair[1]}
			continue
		}

		var obj struct {
			In  float64 `json:"in"`
			Out float64 `json:"out"`
		}
		if err := json.Unmarshal(v, &obj); err != nil {
			return nil, fmt.Errorf("model %q: unrecognized pricing format", model)
		}
		entries[model] = Entry{InPer1K: obj.In, OutPer1K: obj.Out}
	}

	return &Catalog{entries: entries}, nil
}

// Empty returns a catalog with no entries.
func Empty() *Catalog {
	return &Catalog{entries: map[string]Entry{}}
}

// Cost computes the USD cost for the given token counts. The second
// return value is false when the catalog has no entry for the model;
// callers must then leave the cost field null.
func (c *Catalog) Cost(model string, promptTokens, completionTokens int) (float64, bool) {
	entry, ok := c.entries[model]
	if !ok {
		return 0, false
	}

	cost := float64(promptTokens)/1000*entry.InPer1K + float64(completionTokens)/1000*entry.OutPer1K

	return cost, true
}
