// Package workflow compiles a node graph into an executable plan and
// runs it as one workflow run, streaming per-node lifecycle events and
// persisting per-node state.
package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Meta describes how a node produced its output.
type Meta struct {
	NodeType   string `json:"node_type"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ToolName   string `json:"tool_name,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// Envelope is the standard wrapper for node output.
type Envelope struct {
	Value any  `json:"value"`
	Meta  Meta `json:"meta"`
}

// ParseEnvelope decodes envelope JSON, accepting the legacy flat shape
// ({"result": ..., ...}) by mapping "result" into Value and the
// remaining top-level fields into a legacy map kept on Value's side.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil {
		var probe map[string]json.RawMessage
		if json.Unmarshal(data, &probe) == nil {
			if _, hasValue := probe["value"]; hasValue {
				return &env, nil
			}
			// Legacy flat shape.
			var legacy map[string]any
			if err := json.Unmarshal(data, &legacy); err != nil {
				return nil, fmt.Errorf("parse envelope: %w", err)
			}
			out := &Envelope{Value: legacy["result"]}
			if meta, ok := legacy["meta"].(map[string]any); ok {
				metaJSON, _ := json.Marshal(meta)
				json.Unmarshal(metaJSON, &out.Meta)
			}
			return out, nil
		}
	}

	return nil, fmt.Errorf("parse envelope: not a JSON object")
}

// Marshal serializes the envelope for persistence.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// metaMap exposes Meta as a lookup table for ${N.meta.K} references.
func (e *Envelope) metaMap() map[string]any {
	data, _ := json.Marshal(e.Meta)
	var m map[string]any
	json.Unmarshal(data, &m)
	return m
}

// State is the shared run state: one envelope per completed node, the
// insertion-ordered completion list, and the first captured failure.
// Guarded by a mutex because independent branches may complete
// concurrently.
type State struct {
	mu             sync.Mutex
	nodeOutputs    map[string]*Envelope
	completedNodes []string
	err            error
}

// NewState creates an empty run state.
func NewState() *State {
	return &State{nodeOutputs: make(map[string]*Envelope)}
}

// SetOutput records a node's envelope and marks it completed.
func (s *State) SetOutput(nodeID string, env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeOutputs[nodeID] = env
	s.completedNodes = append(s.completedNodes, nodeID)
}

// MarkCompleted records a node without an envelope (skipped nodes).
func (s *State) MarkCompleted(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completedNodes = append(s.completedNodes, nodeID)
}

// Output returns a node's envelope, if it produced one.
func (s *State) Output(nodeID string) (*Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.nodeOutputs[nodeID]
	return env, ok
}

// CompletedNodes returns the completion order.
func (s *State) CompletedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.completedNodes...)
}

// SetError captures the first failure; later failures are ignored.
func (s *State) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Err returns the first captured failure.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}
