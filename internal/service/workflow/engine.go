package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
)

// Engine executes compiled workflow graphs. Construction wires the
// persistent node-state store and the event bus; per-run dependencies
// (tool invocation context, agent runner capability) arrive with each
// Execute call.
type Engine struct {
	states service.NodeStateStorer
	runs   service.RunStorer
	events *bus.Bus
}

// NewEngine creates a workflow engine.
func NewEngine(states service.NodeStateStorer, runs service.RunStorer, events *bus.Bus) *Engine {
	return &Engine{states: states, runs: runs, events: events}
}

// ─── Compilation ───

// Plan is a validated, executable form of a workflow graph.
type Plan struct {
	graph     service.WorkflowGraph
	nodes     map[string]service.WorkflowNode
	incoming  map[string][]service.WorkflowEdge
	outgoing  map[string][]service.WorkflowEdge
	levels    [][]string // topological levels; nodes in one level are independent
	reachable map[string]bool
}

// Compile validates graph structure and produces an execution plan:
// every edge endpoint must exist, self-loops are forbidden, trigger
// nodes are roots only, conditionals carry exactly two out-edges labeled
// true/false, and the graph must be acyclic with at least one trigger.
func Compile(graph service.WorkflowGraph) (*Plan, error) {
	p := &Plan{
		graph:     graph,
		nodes:     make(map[string]service.WorkflowNode, len(graph.Nodes)),
		incoming:  make(map[string][]service.WorkflowEdge),
		outgoing:  make(map[string][]service.WorkflowEdge),
		reachable: make(map[string]bool),
	}

	triggers := 0
	for _, n := range graph.Nodes {
		if _, ok := executors[n.Type]; !ok {
			return nil, fmt.Errorf("node %q: unknown type %q", n.ID, n.Type)
		}
		if _, dup := p.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		p.nodes[n.ID] = n
		if n.Type == service.NodeTrigger {
			triggers++
		}
	}
	if triggers == 0 {
		return nil, fmt.Errorf("workflow has no trigger node")
	}

	for _, e := range graph.Edges {
		if _, ok := p.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge %q: source node %q not found", e.ID, e.Source)
		}
		if _, ok := p.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge %q: target node %q not found", e.ID, e.Target)
		}
		if e.Source == e.Target {
			return nil, fmt.Errorf("edge %q: self-loop on node %q", e.ID, e.Source)
		}
		if p.nodes[e.Target].Type == service.NodeTrigger {
			return nil, fmt.Errorf("edge %q: trigger node %q cannot have incoming edges", e.ID, e.Target)
		}
		p.outgoing[e.Source] = append(p.outgoing[e.Source], e)
		p.incoming[e.Target] = append(p.incoming[e.Target], e)
	}

	for id, n := range p.nodes {
		if n.Type != service.NodeConditional {
			continue
		}
		out := p.outgoing[id]
		if len(out) != 2 {
			return nil, fmt.Errorf("conditional node %q: needs exactly two outgoing edges, has %d", id, len(out))
		}
		labels := map[string]bool{}
		for _, e := range out {
			labels[e.Label] = true
		}
		if !labels["true"] || !labels["false"] {
			return nil, fmt.Errorf("conditional node %q: outgoing edges must be labeled \"true\" and \"false\"", id)
		}
	}

	if err := p.buildLevels(); err != nil {
		return nil, err
	}

	p.markReachable()

	return p, nil
}

// ValidateStrict applies the save-time rules: Compile plus the
// requirement that no non-trigger node is unreachable from a trigger.
func ValidateStrict(graph service.WorkflowGraph) error {
	p, err := Compile(graph)
	if err != nil {
		return err
	}

	for id, n := range p.nodes {
		if n.Type != service.NodeTrigger && !p.reachable[id] {
			return fmt.Errorf("node %q is unreachable from any trigger", id)
		}
	}

	return nil
}

// buildLevels runs Kahn's algorithm, bucketing nodes by dependency depth
// so each level can execute concurrently.
func (p *Plan) buildLevels() error {
	inDegree := make(map[string]int, len(p.nodes))
	for id := range p.nodes {
		inDegree[id] = len(p.incoming[id])
	}

	var level []string
	for id, deg := range inDegree {
		if deg == 0 {
			level = append(level, id)
		}
	}

	seen := 0
	for len(level) > 0 {
		p.levels = append(p.levels, level)
		seen += len(level)

		var next []string
		for _, id := range level {
			for _, e := range p.outgoing[id] {
				inDegree[e.Target]--
				if inDegree[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		level = next
	}

	if seen != len(p.nodes) {
		return fmt.Errorf("workflow graph contains a cycle")
	}

	return nil
}

// markReachable flood-fills from trigger nodes.
func (p *Plan) markReachable() {
	var visit func(id string)
	visit = func(id string) {
		if p.reachable[id] {
			return
		}
		p.reachable[id] = true
		for _, e := range p.outgoing[id] {
			visit(e.Target)
		}
	}

	for id, n := range p.nodes {
		if n.Type == service.NodeTrigger {
			visit(id)
		}
	}
}

// ─── Execution ───

// nodeStateEvent is the payload of node_state bus events.
type nodeStateEvent struct {
	RunID    string            `json:"run_id"`
	NodeID   string            `json:"node_id"`
	Phase    service.NodePhase `json:"phase"`
	Envelope *Envelope         `json:"envelope,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Execute runs one workflow run to completion. The Run record must
// already exist with status queued; Execute transitions it to running,
// drives every node, and writes the terminal status. The returned State
// carries node outputs for inspection.
func (e *Engine) Execute(ctx context.Context, run *service.Run, wf *service.Workflow, payload map[string]any, deps Deps) (*State, error) {
	logger := logi.Ctx(ctx)
	startedAt := time.Now()

	plan, err := Compile(wf.Graph)
	if err != nil {
		e.finishRun(ctx, run, service.RunFailed, startedAt, err.Error())
		return nil, err
	}

	if err := e.runs.MarkRunRunning(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	run.Status = service.RunRunning
	e.events.Publish(bus.Event{
		Kind:    bus.EventRunCreated,
		Topic:   "workflow_execution:" + run.ID,
		Payload: run,
	})

	state := NewState()
	phases := &phaseTable{m: make(map[string]service.NodePhase, len(plan.nodes))}
	for id := range plan.nodes {
		phases.m[id] = service.PhasePending
	}

	ec := &execContext{
		state:          state,
		deps:           deps,
		ownerID:        run.OwnerID,
		workflowName:   wf.Name,
		triggerPayload: payload,
	}

	cancelled := false

	for _, level := range plan.levels {
		if ctx.Err() != nil {
			cancelled = true
		}

		var wg sync.WaitGroup
		for _, nodeID := range level {
			node := plan.nodes[nodeID]

			if cancelled {
				e.skipNode(ctx, run.ID, state, phases, node, "cancelled: user")
				continue
			}

			skipReason, runnable := e.decide(plan, phases, state, node)
			if !runnable {
				e.skipNode(ctx, run.ID, state, phases, node, skipReason)
				continue
			}

			wg.Add(1)
			go func(node service.WorkflowNode) {
				defer wg.Done()
				e.executeNode(ctx, run.ID, ec, phases, node)
			}(node)
		}
		wg.Wait()
	}

	switch {
	case cancelled:
		e.finishRun(ctx, run, service.RunCancelled, startedAt, "cancelled by user")
	case state.Err() != nil:
		e.finishRun(ctx, run, service.RunFailed, startedAt, state.Err().Error())
	default:
		e.finishRun(ctx, run, service.RunSuccess, startedAt, "")
	}

	logger.Info("workflow run finished",
		"run_id", run.ID,
		"workflow_id", wf.ID,
		"status", run.Status,
		"completed_nodes", len(state.CompletedNodes()))

	return state, state.Err()
}

// decide determines whether a node should run. Trigger nodes always
// run; other nodes need at least one active incoming edge. With every
// predecessor terminal and none active, the node is skipped.
func (e *Engine) decide(plan *Plan, phases *phaseTable, state *State, node service.WorkflowNode) (string, bool) {
	if !plan.reachable[node.ID] {
		return "unreachable", false
	}
	if node.Type == service.NodeTrigger {
		return "", true
	}

	for _, edge := range plan.incoming[node.ID] {
		if phases.get(edge.Source) != service.PhaseSucceeded {
			continue
		}

		pred := plan.nodes[edge.Source]
		if pred.Type == service.NodeConditional {
			env, ok := state.Output(edge.Source)
			if !ok || branchOf(env) != edge.Label {
				continue
			}
		}

		return "", true
	}

	return "no active path", false
}

// executeNode drives one node through running → terminal, committing
// each state change before publishing its event.
func (e *Engine) executeNode(ctx context.Context, runID string, ec *execContext, phases *phaseTable, node service.WorkflowNode) {
	nodeStart := time.Now()

	e.persistAndPublish(ctx, runID, service.NodeExecutionState{
		RunID:     runID,
		NodeID:    node.ID,
		Phase:     service.PhaseRunning,
		StartedAt: nodeStart.UTC().Format(time.RFC3339),
	}, nil)

	env, err := executors[node.Type].Execute(ctx, ec, node)
	finished := time.Now()

	if err != nil {
		phases.set(node.ID, service.PhaseFailed)
		ec.state.SetError(fmt.Errorf("node %q: %w", node.ID, err))

		failedEnv := &Envelope{Meta: Meta{
			NodeType:   string(node.Type),
			Status:     string(service.PhaseFailed),
			StartedAt:  nodeStart.UTC().Format(time.RFC3339),
			FinishedAt: finished.UTC().Format(time.RFC3339),
			DurationMS: finished.Sub(nodeStart).Milliseconds(),
		}}
		ec.state.SetOutput(node.ID, failedEnv)

		e.persistAndPublish(ctx, runID, service.NodeExecutionState{
			RunID:          runID,
			NodeID:         node.ID,
			Phase:          service.PhaseFailed,
			OutputEnvelope: envelopeJSON(failedEnv),
			Error:          err.Error(),
			StartedAt:      nodeStart.UTC().Format(time.RFC3339),
			FinishedAt:     finished.UTC().Format(time.RFC3339),
		}, failedEnv)

		return
	}

	env.Meta.NodeType = string(node.Type)
	env.Meta.Status = string(service.PhaseSucceeded)
	env.Meta.StartedAt = nodeStart.UTC().Format(time.RFC3339)
	env.Meta.FinishedAt = finished.UTC().Format(time.RFC3339)
	env.Meta.DurationMS = finished.Sub(nodeStart).Milliseconds()

	phases.set(node.ID, service.PhaseSucceeded)
	ec.state.SetOutput(node.ID, env)

	e.persistAndPublish(ctx, runID, service.NodeExecutionState{
		RunID:          runID,
		NodeID:         node.ID,
		Phase:          service.PhaseSucceeded,
		OutputEnvelope: envelopeJSON(env),
		StartedAt:      nodeStart.UTC().Format(time.RFC3339),
		FinishedAt:     finished.UTC().Format(time.RFC3339),
	}, env)
}

func (e *Engine) skipNode(ctx context.Context, runID string, state *State, phases *phaseTable, node service.WorkflowNode, reason string) {
	phases.set(node.ID, service.PhaseSkipped)
	state.MarkCompleted(node.ID)

	e.persistAndPublish(ctx, runID, service.NodeExecutionState{
		RunID:  runID,
		NodeID: node.ID,
		Phase:  service.PhaseSkipped,
		Error:  reason,
	}, nil)
}

// persistAndPublish writes the node state and then emits node_state so
// subscribers never observe an event the database has not recorded.
func (e *Engine) persistAndPublish(ctx context.Context, runID string, st service.NodeExecutionState, env *Envelope) {
	if err := e.states.UpsertNodeState(ctx, st); err != nil {
		logi.Ctx(ctx).Error("persist node state", "run_id", runID, "node_id", st.NodeID, "error", err)
	}

	e.events.Publish(bus.Event{
		Kind:  bus.EventNodeState,
		Topic: "workflow_execution:" + runID,
		Payload: nodeStateEvent{
			RunID:    runID,
			NodeID:   st.NodeID,
			Phase:    st.Phase,
			Envelope: env,
			Error:    st.Error,
		},
	})
}

func (e *Engine) finishRun(ctx context.Context, run *service.Run, status service.RunStatus, startedAt time.Time, errMsg string) {
	totals := service.RunTotals{
		DurationMS: time.Since(startedAt).Milliseconds(),
		Error:      errMsg,
	}

	if err := e.runs.FinishRun(ctx, run.ID, status, totals); err != nil {
		logi.Ctx(ctx).Error("finish workflow run", "run_id", run.ID, "error", err)
	}
	run.Status = status
	run.Error = errMsg

	e.events.Publish(bus.Event{
		Kind:    bus.EventRunUpdated,
		Topic:   "workflow_execution:" + run.ID,
		Payload: run,
	})
}

// phaseTable guards per-node phases: nodes within one level finish
// concurrently.
type phaseTable struct {
	mu sync.Mutex
	m  map[string]service.NodePhase
}

func (p *phaseTable) get(id string) service.NodePhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[id]
}

func (p *phaseTable) set(id string, phase service.NodePhase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = phase
}
