package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/tool"
)

// ─── Test doubles ───

type fakeNodeStates struct {
	mu     sync.Mutex
	states map[string]service.NodeExecutionState // key: runID|nodeID
}

func newFakeNodeStates() *fakeNodeStates {
	return &fakeNodeStates{states: make(map[string]service.NodeExecutionState)}
}

func (f *fakeNodeStates) ListNodeStates(_ context.Context, runID string) ([]service.NodeExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []service.NodeExecutionState
	for _, st := range f.states {
		if st.RunID == runID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeNodeStates) UpsertNodeState(_ context.Context, st service.NodeExecutionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.RunID+"|"+st.NodeID] = st
	return nil
}

func (f *fakeNodeStates) phase(runID, nodeID string) service.NodePhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[runID+"|"+nodeID].Phase
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*service.Run
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: make(map[string]*service.Run)} }

func (f *fakeRuns) ListRuns(context.Context, string, int) ([]service.Run, error) { return nil, nil }

func (f *fakeRuns) GetRun(_ context.Context, id string) (*service.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id], nil
}

func (f *fakeRuns) CreateRun(_ context.Context, r service.Run) (*service.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = &r
	return &r, nil
}

func (f *fakeRuns) MarkRunRunning(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = service.RunRunning
	}
	return nil
}

func (f *fakeRuns) FinishRun(_ context.Context, id string, status service.RunStatus, totals service.RunTotals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = status
		r.Error = totals.Error
	}
	return nil
}

func (f *fakeRuns) CountRunsStartedToday(context.Context, string) (int, error) { return 0, nil }
func (f *fakeRuns) SumCostToday(context.Context, string) (float64, error)      { return 0, nil }

// testDeps builds Deps with an http_get stub returning the given status
// and a notify stub recording invocations.
func testDeps(httpStatus float64, notified *bool, agentRan *bool) Deps {
	b := tool.NewBuilder(0)
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "http_get"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			return tool.Success(map[string]any{"status": httpStatus})
		},
	})
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "notify"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			if notified != nil {
				*notified = true
			}
			return tool.Success("notified")
		},
	})

	return Deps{
		Registry: b.Build(),
		RunAgent: func(_ context.Context, _, agentID, message, _ string) ([]service.StoredMessage, error) {
			if agentRan != nil {
				*agentRan = true
			}
			return []service.StoredMessage{{Role: service.RoleAssistant, Content: "ok"}}, nil
		},
	}
}

func conditionalGraph() service.WorkflowGraph {
	return service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "start", Type: service.NodeTrigger},
			{ID: "fetch", Type: service.NodeTool, Config: map[string]any{
				"tool":   "http_get",
				"params": map[string]any{"url": "https://example.com"},
			}},
			{ID: "check", Type: service.NodeConditional, Config: map[string]any{
				"expression": "${fetch.value.status} == 200",
			}},
			{ID: "ask", Type: service.NodeAgent, Config: map[string]any{
				"agent_id": "agt_1",
				"message":  "status ${fetch.value.status}",
			}},
			{ID: "alert", Type: service.NodeTool, Config: map[string]any{
				"tool":   "notify",
				"params": map[string]any{},
			}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "fetch"},
			{ID: "e2", Source: "fetch", Target: "check"},
			{ID: "e3", Source: "check", Target: "ask", Label: "true"},
			{ID: "e4", Source: "check", Target: "alert", Label: "false"},
		},
	}
}

func execute(t *testing.T, graph service.WorkflowGraph, deps Deps) (*service.Run, *fakeNodeStates, *State) {
	t.Helper()

	events := bus.New()
	t.Cleanup(events.Close)

	states := newFakeNodeStates()
	runs := newFakeRuns()

	run := &service.Run{ID: "run_1", OwnerID: "own_1", WorkflowID: "wf_1", Status: service.RunQueued}
	runs.CreateRun(context.Background(), *run)

	wf := &service.Workflow{ID: "wf_1", Name: "test", Graph: graph}

	engine := NewEngine(states, runs, events)
	state, _ := engine.Execute(context.Background(), run, wf, map[string]any{"ping": float64(1)}, deps)

	stored, _ := runs.GetRun(context.Background(), "run_1")
	return stored, states, state
}

// ─── Tests ───

func TestCompileRejectsCycle(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "a", Type: service.NodeTool, Config: map[string]any{"tool": "x"}},
			{ID: "b", Type: service.NodeTool, Config: map[string]any{"tool": "x"}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "a"},
		},
	}

	if _, err := Compile(graph); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCompileRejectsTriggerWithIncoming(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "a", Type: service.NodeTool, Config: map[string]any{"tool": "x"}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "t"},
		},
	}

	if _, err := Compile(graph); err == nil {
		t.Fatal("expected error for edge into trigger")
	}
}

func TestCompileRejectsBadConditional(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "c", Type: service.NodeConditional, Config: map[string]any{"expression": "1"}},
			{ID: "a", Type: service.NodeTool, Config: map[string]any{"tool": "x"}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "t", Target: "c"},
			{ID: "e2", Source: "c", Target: "a", Label: "true"},
		},
	}

	if _, err := Compile(graph); err == nil || !strings.Contains(err.Error(), "conditional") {
		t.Fatalf("expected conditional arity error, got %v", err)
	}
}

func TestConditionalTrueBranch(t *testing.T) {
	var notified, agentRan bool

	run, states, _ := execute(t, conditionalGraph(), testDeps(200, &notified, &agentRan))

	if run.Status != service.RunSuccess {
		t.Fatalf("run status = %q, want success (error: %s)", run.Status, run.Error)
	}
	if !agentRan {
		t.Fatal("agent node should have run on the true branch")
	}
	if notified {
		t.Fatal("notify node should have been skipped")
	}
	if ph := states.phase("run_1", "ask"); ph != service.PhaseSucceeded {
		t.Fatalf("ask phase = %q", ph)
	}
	if ph := states.phase("run_1", "alert"); ph != service.PhaseSkipped {
		t.Fatalf("alert phase = %q", ph)
	}
}

func TestConditionalFalseBranch(t *testing.T) {
	var notified, agentRan bool

	run, states, _ := execute(t, conditionalGraph(), testDeps(500, &notified, &agentRan))

	if run.Status != service.RunSuccess {
		t.Fatalf("run status = %q, want success (error: %s)", run.Status, run.Error)
	}
	if agentRan {
		t.Fatal("agent node should have been skipped on the false branch")
	}
	if !notified {
		t.Fatal("notify node should have run")
	}
	if ph := states.phase("run_1", "ask"); ph != service.PhaseSkipped {
		t.Fatalf("ask phase = %q", ph)
	}
}

func TestUnreferencedNodeSkippedRunSucceeds(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "a", Type: service.NodeTool, Config: map[string]any{
				"tool": "http_get", "params": map[string]any{},
			}},
			{ID: "orphan", Type: service.NodeTool, Config: map[string]any{
				"tool": "notify", "params": map[string]any{},
			}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "t", Target: "a"},
		},
	}

	var notified bool
	run, states, _ := execute(t, graph, testDeps(200, &notified, nil))

	if run.Status != service.RunSuccess {
		t.Fatalf("run status = %q, want success", run.Status)
	}
	if ph := states.phase("run_1", "orphan"); ph != service.PhaseSkipped {
		t.Fatalf("orphan phase = %q, want skipped", ph)
	}
	if notified {
		t.Fatal("orphan node must not execute")
	}
}

func TestValidateStrictRejectsUnreachable(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "orphan", Type: service.NodeTool, Config: map[string]any{"tool": "x"}},
		},
	}

	if err := ValidateStrict(graph); err == nil {
		t.Fatal("expected unreachable-node error")
	}
}

func TestNodeFailureFailsRunAndSkipsDownstream(t *testing.T) {
	b := tool.NewBuilder(0)
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "broken"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			return tool.Failure(tool.ErrUpstream, "boom")
		},
	})
	var after bool
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "next"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			after = true
			return tool.Success("x")
		},
	})

	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{
			{ID: "t", Type: service.NodeTrigger},
			{ID: "bad", Type: service.NodeTool, Config: map[string]any{"tool": "broken", "params": map[string]any{}}},
			{ID: "after", Type: service.NodeTool, Config: map[string]any{"tool": "next", "params": map[string]any{}}},
		},
		Edges: []service.WorkflowEdge{
			{ID: "e1", Source: "t", Target: "bad"},
			{ID: "e2", Source: "bad", Target: "after"},
		},
	}

	run, states, _ := execute(t, graph, Deps{Registry: b.Build()})

	if run.Status != service.RunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if ph := states.phase("run_1", "bad"); ph != service.PhaseFailed {
		t.Fatalf("bad phase = %q", ph)
	}
	if ph := states.phase("run_1", "after"); ph != service.PhaseSkipped {
		t.Fatalf("after phase = %q", ph)
	}
	if after {
		t.Fatal("downstream node must not run after failure")
	}
}

func TestTriggerPayloadFlowsIntoEnvelope(t *testing.T) {
	graph := service.WorkflowGraph{
		Nodes: []service.WorkflowNode{{ID: "t", Type: service.NodeTrigger}},
	}

	_, _, state := execute(t, graph, Deps{Registry: tool.NewBuilder(0).Build()})

	env, ok := state.Output("t")
	if !ok {
		t.Fatal("trigger node has no output")
	}
	payload, ok := env.Value.(map[string]any)
	if !ok || payload["ping"] != float64(1) {
		t.Fatalf("trigger envelope value = %v", env.Value)
	}
}
