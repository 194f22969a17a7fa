// Package runner drives a single agent thread turn: it assembles prompt
// context, runs the LLM with its allowed tools, persists the resulting
// messages, and accounts for token cost.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/logi"
	"github.com/worldline-go/types"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/credential"
	"github.com/cipher982/zerg/internal/service/pricing"
	"github.com/cipher982/zerg/internal/service/tool"
)

// maxIterations bounds the ReAct loop so a misbehaving model cannot spin
// tool calls forever.
const maxIterations = 20

// summaryLimit truncates the run summary derived from the first
// assistant reply.
const summaryLimit = 500

// ProviderLookup resolves a model identifier to a provider instance.
type ProviderLookup func(model string) (service.LLMProvider, error)

// ResolverFactory builds a request-scoped credential resolver.
type ResolverFactory func(agentID, ownerID string) *credential.Resolver

// Runner executes agent turns. Safe for concurrent use; per-agent
// exclusivity is the scheduler's job.
type Runner struct {
	agents  service.AgentStorer
	threads service.ThreadStorer
	runs    service.RunStorer

	registry  *tool.Registry
	providers ProviderLookup
	resolvers ResolverFactory
	catalog   *pricing.Catalog
	events    *bus.Bus

	streamTokens bool
}

// New wires a runner. catalog may be Empty(); events must not be nil.
func New(
	agents service.AgentStorer,
	threads service.ThreadStorer,
	runs service.RunStorer,
	registry *tool.Registry,
	providers ProviderLookup,
	resolvers ResolverFactory,
	catalog *pricing.Catalog,
	events *bus.Bus,
	streamTokens bool,
) *Runner {
	return &Runner{
		agents:       agents,
		threads:      threads,
		runs:         runs,
		registry:     registry,
		providers:    providers,
		resolvers:    resolvers,
		catalog:      catalog,
		events:       events,
		streamTokens: streamTokens,
	}
}

// ExecuteTurn runs one thread turn for an existing queued Run record.
// It returns the newly appended messages. The Run is transitioned to
// running on entry and to a terminal status before returning; terminal
// events are published only after the database write commits.
func (r *Runner) ExecuteTurn(ctx context.Context, run *service.Run) ([]service.StoredMessage, error) {
	logger := logi.Ctx(ctx)
	startedAt := time.Now()

	thread, err := r.threads.GetThread(ctx, run.ThreadID)
	if err != nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("load thread: %w", err))
	}
	if thread == nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("thread %q not found", run.ThreadID))
	}

	agent, err := r.agents.GetAgent(ctx, thread.AgentID)
	if err != nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("load agent: %w", err))
	}
	if agent == nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("agent %q not found", thread.AgentID))
	}

	if err := r.runs.MarkRunRunning(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	run.Status = service.RunRunning

	r.events.Publish(bus.Event{
		Kind:    bus.EventRunCreated,
		Topic:   "agent:" + agent.ID,
		Payload: run,
	})

	history, err := r.threads.ListMessages(ctx, thread.ID, 0, 0)
	if err != nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("load messages: %w", err))
	}

	provider, err := r.providers(agent.Model)
	if err != nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("resolve provider for %q: %w", agent.Model, err))
	}

	resolver := r.resolvers(agent.ID, agent.OwnerID)
	allowedTools := r.registry.Expand(agent.AllowedTools)

	threadTopic := "thread:" + thread.ID

	if r.streamTokens {
		r.events.Publish(bus.Event{
			Kind:  bus.EventStreamStart,
			Topic: threadTopic,
			Payload: map[string]any{
				"thread_id": thread.ID,
				"run_id":    run.ID,
			},
		})
	}

	var (
		newMessages []service.StoredMessage
		usage       service.Usage
		summary     string
	)

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(ctx, run, startedAt, fmt.Errorf("turn cancelled: %w", err))
		}
		if iteration >= maxIterations {
			logger.Warn("runner: iteration cap reached", "run_id", run.ID, "agent_id", agent.ID)
			break
		}

		prompt := r.buildPrompt(ctx, agent, resolver, history, newMessages)

		resp, err := r.callModel(ctx, provider, agent.Model, prompt, allowedTools, threadTopic)
		if err != nil {
			return nil, r.fail(ctx, run, startedAt, fmt.Errorf("model call failed: %w", err))
		}

		usage.Add(resp.Usage)

		assistantID := "msg_" + ulid.Make().String()
		assistant := service.StoredMessage{
			ID:       assistantID,
			ThreadID: thread.ID,
			Role:     service.RoleAssistant,
			Content:  resp.Content,
		}
		for _, tc := range resp.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, service.ToolCallRecord{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		newMessages = append(newMessages, assistant)

		if summary == "" && resp.Content != "" {
			summary = truncate(resp.Content, summaryLimit)
		}

		if r.streamTokens {
			r.events.Publish(bus.Event{
				Kind:  bus.EventAssistantID,
				Topic: threadTopic,
				Payload: map[string]any{
					"thread_id":  thread.ID,
					"run_id":     run.ID,
					"message_id": assistantID,
				},
			})
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		toolMsgs := r.dispatchToolCalls(ctx, resp.ToolCalls, tool.Invocation{
			OwnerID:     agent.OwnerID,
			AgentID:     agent.ID,
			Credentials: resolver,
		}, thread.ID, assistantID)
		newMessages = append(newMessages, toolMsgs...)
	}

	if r.streamTokens {
		r.events.Publish(bus.Event{
			Kind:  bus.EventStreamEnd,
			Topic: threadTopic,
			Payload: map[string]any{
				"thread_id": thread.ID,
				"run_id":    run.ID,
			},
		})
	}

	// Persist only the suffix appended during this turn; the store assigns
	// monotonic sent_at values in insertion order.
	persisted, err := r.threads.AppendMessages(ctx, thread.ID, newMessages)
	if err != nil {
		return nil, r.fail(ctx, run, startedAt, fmt.Errorf("persist messages: %w", err))
	}

	totals := service.RunTotals{
		DurationMS: time.Since(startedAt).Milliseconds(),
		Summary:    summary,
	}
	if usage.Reported {
		totals.TotalTokens = types.Null[int64]{Valid: true, V: int64(usage.TotalTokens)}
		if cost, ok := r.catalog.Cost(agent.Model, usage.PromptTokens, usage.CompletionTokens); ok {
			totals.TotalCostUSD = types.Null[float64]{Valid: true, V: cost}
		}
	}

	if err := r.runs.FinishRun(ctx, run.ID, service.RunSuccess, totals); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	run.Status = service.RunSuccess
	run.Summary = summary

	r.events.Publish(bus.Event{
		Kind:    bus.EventRunUpdated,
		Topic:   "agent:" + agent.ID,
		Payload: run,
	})

	return persisted, nil
}

// fail records the terminal failure, publishes run_updated after the
// commit, and returns the original error.
func (r *Runner) fail(ctx context.Context, run *service.Run, startedAt time.Time, cause error) error {
	totals := service.RunTotals{
		DurationMS: time.Since(startedAt).Milliseconds(),
		Error:      cause.Error(),
	}

	if err := r.runs.FinishRun(ctx, run.ID, service.RunFailed, totals); err != nil {
		logi.Ctx(ctx).Error("runner: record run failure", "run_id", run.ID, "error", err)
	}
	run.Status = service.RunFailed
	run.Error = cause.Error()

	topic := "agent:" + run.AgentID
	r.events.Publish(bus.Event{Kind: bus.EventRunUpdated, Topic: topic, Payload: run})

	return cause
}

// buildPrompt assembles the provider message list: synthesized system
// message, timestamped history, ephemeral context injection placed just
// before the latest user message, then this turn's working suffix.
func (r *Runner) buildPrompt(ctx context.Context, agent *service.Agent, resolver *credential.Resolver, history, working []service.StoredMessage) []service.Message {
	prompt := make([]service.Message, 0, len(history)+len(working)+2)

	prompt = append(prompt, service.Message{
		Role:    "system",
		Content: agent.SystemInstructions + connectorProtocol,
	})

	lastUserIdx := -1
	for i, msg := range history {
		if msg.Role == service.RoleUserMsg {
			lastUserIdx = i
		}
	}

	injection, err := buildContextInjection(ctx, resolver, time.Now())
	if err != nil {
		logi.Ctx(ctx).Warn("runner: context injection failed, continuing without", "error", err)
		injection = ""
	}

	for i, msg := range history {
		if injection != "" && i == lastUserIdx {
			prompt = append(prompt, service.Message{Role: "system", Content: injection})
		}
		// Seeded system messages duplicate the synthesized one above.
		if msg.Role == service.RoleSystem && msg.Content == agent.SystemInstructions {
			continue
		}
		prompt = append(prompt, presentMessage(msg))
	}
	if injection != "" && lastUserIdx == -1 {
		prompt = append(prompt, service.Message{Role: "system", Content: injection})
	}

	for _, msg := range working {
		prompt = append(prompt, presentMessage(msg))
	}

	return prompt
}

// presentMessage converts a stored message for the model, prefixing user
// and assistant content with the send timestamp. Persisted content is
// never mutated.
func presentMessage(msg service.StoredMessage) service.Message {
	out := service.Message{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		Name:       msg.Name,
	}

	if (msg.Role == service.RoleUserMsg || msg.Role == service.RoleAssistant) && msg.SentAt != "" {
		out.Content = "[" + msg.SentAt + "] " + msg.Content
	}

	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, service.ToolCallRecord{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}

	return out
}

// callModel invokes the provider, streaming tokens onto the thread topic
// when enabled and supported. The fully assembled response is returned
// either way.
func (r *Runner) callModel(ctx context.Context, provider service.LLMProvider, model string, messages []service.Message, tools []service.Tool, topic string) (*service.LLMResponse, error) {
	streamer, ok := provider.(service.LLMStreamProvider)
	if !r.streamTokens || !ok {
		return provider.Chat(ctx, model, messages, tools)
	}

	chunks, header, err := streamer.ChatStream(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}

	resp := &service.LLMResponse{Header: header, Finished: true}
	toolCalls := map[string]*service.ToolCall{}
	var order []string

	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.Content != "" {
			resp.Content += chunk.Content
			r.events.Publish(bus.Event{
				Kind:  bus.EventStreamChunk,
				Topic: topic,
				Payload: map[string]any{
					"chunk_type": "assistant_token",
					"content":    chunk.Content,
				},
			})
		}

		for _, tc := range chunk.ToolCalls {
			if existing, ok := toolCalls[tc.ID]; ok {
				if tc.Name != "" {
					existing.Name = tc.Name
				}
				if tc.Arguments != nil {
					existing.Arguments = tc.Arguments
				}
				continue
			}
			copied := tc
			toolCalls[tc.ID] = &copied
			order = append(order, tc.ID)
		}

		if chunk.FinishReason == "tool_calls" {
			resp.Finished = false
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}

	for _, id := range order {
		resp.ToolCalls = append(resp.ToolCalls, *toolCalls[id])
	}

	return resp, nil
}

// dispatchToolCalls executes all calls from one assistant turn in
// parallel and returns tool messages in request order. Envelope errors
// are tool messages like any other; they never abort the loop.
func (r *Runner) dispatchToolCalls(ctx context.Context, calls []service.ToolCall, inv tool.Invocation, threadID, parentID string) []service.StoredMessage {
	results := make([]tool.Result, len(calls))

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc service.ToolCall) {
			defer wg.Done()
			results[i] = r.registry.Invoke(ctx, tc.Name, tc.Arguments, inv)
		}(i, tc)
	}
	wg.Wait()

	msgs := make([]service.StoredMessage, 0, len(calls))
	for i, tc := range calls {
		content, err := json.Marshal(results[i])
		if err != nil {
			content = []byte(`{"ok":false,"error_type":"upstream_error","user_message":"tool result serialization failed"}`)
		}
		msgs = append(msgs, service.StoredMessage{
			ID:         "msg_" + ulid.Make().String(),
			ThreadID:   threadID,
			Role:       service.RoleTool,
			Content:    string(content),
			ToolCallID: tc.ID,
			Name:       tc.Name,
			ParentID:   parentID,
		})
	}

	return msgs
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
