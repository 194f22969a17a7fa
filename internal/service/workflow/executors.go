package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/expr"
	"github.com/cipher982/zerg/internal/service/tool"
)

// AgentNodeRunner starts a fresh agent run for an agent node and blocks
// until it finishes, returning the assistant messages of the turn. The
// implementation lives with the scheduler; injecting it as a capability
// keeps the engine and the runner from naming each other.
type AgentNodeRunner func(ctx context.Context, ownerID, agentID, message, title string) ([]service.StoredMessage, error)

// Deps carries everything node executors need.
type Deps struct {
	Registry   *tool.Registry
	RunAgent   AgentNodeRunner
	Invocation tool.Invocation
}

// execContext is handed to each executor invocation.
type execContext struct {
	state          *State
	deps           Deps
	ownerID        string
	workflowName   string
	triggerPayload map[string]any
}

// executor runs one node type. The returned envelope's Meta lifecycle
// fields are filled in by the engine.
type executor interface {
	Execute(ctx context.Context, ec *execContext, node service.WorkflowNode) (*Envelope, error)
}

// executors is the per-type dispatch table. Immutable after init.
var executors = map[service.NodeType]executor{
	service.NodeTrigger:     triggerExecutor{},
	service.NodeTool:        toolExecutor{},
	service.NodeAgent:       agentExecutor{},
	service.NodeConditional: conditionalExecutor{},
}

// ─── Trigger ───

// triggerExecutor emits the run's initiation payload. Always succeeds.
type triggerExecutor struct{}

func (triggerExecutor) Execute(_ context.Context, ec *execContext, _ service.WorkflowNode) (*Envelope, error) {
	var payload any = ec.triggerPayload
	if ec.triggerPayload == nil {
		payload = map[string]any{}
	}

	return &Envelope{Value: payload}, nil
}

// ─── Tool ───

// toolExecutor resolves the node's params and invokes the named tool.
// An error envelope from the tool fails the node.
type toolExecutor struct{}

func (toolExecutor) Execute(ctx context.Context, ec *execContext, node service.WorkflowNode) (*Envelope, error) {
	toolName, _ := node.Config["tool"].(string)
	if toolName == "" {
		return nil, fmt.Errorf("tool node %q: 'tool' is required", node.ID)
	}

	rawParams, _ := node.Config["params"].(map[string]any)
	resolved, err := Resolve(rawParams, ec.state)
	if err != nil {
		return nil, fmt.Errorf("tool node %q: %w", node.ID, err)
	}

	params, _ := resolved.(map[string]any)

	result := ec.deps.Registry.Invoke(ctx, toolName, params, ec.deps.Invocation)
	if !result.OK {
		return nil, fmt.Errorf("tool node %q: %s: %s", node.ID, result.ErrorType, result.UserMessage)
	}

	return &Envelope{
		Value: result.Data,
		Meta:  Meta{ToolName: toolName},
	}, nil
}

// ─── Agent ───

// agentExecutor resolves {agent_id, message}, spins up a fresh manual
// thread through the injected runner capability, and wraps the turn's
// assistant reply.
type agentExecutor struct{}

func (agentExecutor) Execute(ctx context.Context, ec *execContext, node service.WorkflowNode) (*Envelope, error) {
	if ec.deps.RunAgent == nil {
		return nil, fmt.Errorf("agent node %q: no agent runner configured", node.ID)
	}

	resolvedID, err := Resolve(node.Config["agent_id"], ec.state)
	if err != nil {
		return nil, fmt.Errorf("agent node %q: %w", node.ID, err)
	}
	agentID, _ := resolvedID.(string)
	if agentID == "" {
		return nil, fmt.Errorf("agent node %q: 'agent_id' is required", node.ID)
	}

	resolvedMsg, err := Resolve(node.Config["message"], ec.state)
	if err != nil {
		return nil, fmt.Errorf("agent node %q: %w", node.ID, err)
	}
	message := stringifyValue(resolvedMsg)
	if message == "" || message == "null" {
		return nil, fmt.Errorf("agent node %q: 'message' is required", node.ID)
	}

	title := fmt.Sprintf("%s / %s", ec.workflowName, node.ID)

	msgs, err := ec.deps.RunAgent(ctx, ec.ownerID, agentID, message, title)
	if err != nil {
		return nil, fmt.Errorf("agent node %q: %w", node.ID, err)
	}

	wire := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		wire = append(wire, entry)
	}

	return &Envelope{
		Value: map[string]any{"messages": toAnySlice(wire)},
		Meta:  Meta{AgentID: agentID},
	}, nil
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// ─── Conditional ───

// conditionalExecutor evaluates the node's expression with references
// pre-resolved into a symbol table. The envelope value is the raw
// result; the engine coerces it to a branch via truthiness.
type conditionalExecutor struct{}

func (conditionalExecutor) Execute(_ context.Context, ec *execContext, node service.WorkflowNode) (*Envelope, error) {
	expression, _ := node.Config["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("conditional node %q: 'expression' is required", node.ID)
	}

	rewritten, symbols, err := ResolveExpression(expression, ec.state)
	if err != nil {
		return nil, fmt.Errorf("conditional node %q: %w", node.ID, err)
	}

	result, err := expr.Eval(rewritten, symbols)
	if err != nil {
		return nil, fmt.Errorf("conditional node %q: %w", node.ID, err)
	}

	return &Envelope{Value: result}, nil
}

// branchOf coerces a conditional result to its selected edge label.
func branchOf(env *Envelope) string {
	if expr.Truthy(env.Value) {
		return "true"
	}
	return "false"
}

// envelopeJSON serializes an envelope for persistence, tolerating
// non-serializable values by degrading to their string form.
func envelopeJSON(env *Envelope) string {
	data, err := env.Marshal()
	if err != nil {
		fallback := &Envelope{Value: fmt.Sprintf("%v", env.Value), Meta: env.Meta}
		data, _ = json.Marshal(fallback)
	}
	return string(data)
}
