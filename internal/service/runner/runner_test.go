package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/credential"
	"github.com/cipher982/zerg/internal/service/pricing"
	"github.com/cipher982/zerg/internal/service/tool"
)

// ─── Test doubles ───

type fakeStore struct {
	mu       sync.Mutex
	agents   map[string]*service.Agent
	threads  map[string]*service.Thread
	messages map[string][]service.StoredMessage
	runs     map[string]*service.Run
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:   make(map[string]*service.Agent),
		threads:  make(map[string]*service.Thread),
		messages: make(map[string][]service.StoredMessage),
		runs:     make(map[string]*service.Run),
	}
}

func (f *fakeStore) ListAgents(context.Context, string) ([]service.Agent, error) { return nil, nil }
func (f *fakeStore) ListScheduledAgents(context.Context) ([]service.Agent, error) {
	return nil, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*service.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[id], nil
}

func (f *fakeStore) CreateAgent(_ context.Context, a service.Agent) (*service.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.ID] = &a
	return &a, nil
}

func (f *fakeStore) UpdateAgent(context.Context, string, service.Agent) (*service.Agent, error) {
	return nil, nil
}
func (f *fakeStore) UpdateAgentStatus(context.Context, string, service.AgentStatus) error {
	return nil
}
func (f *fakeStore) DeleteAgent(context.Context, string) error { return nil }

func (f *fakeStore) ListThreads(context.Context, string) ([]service.Thread, error) { return nil, nil }

func (f *fakeStore) GetThread(_ context.Context, id string) (*service.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id], nil
}

func (f *fakeStore) CreateThread(_ context.Context, t service.Thread) (*service.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[t.ID] = &t
	return &t, nil
}

func (f *fakeStore) UpdateThread(context.Context, string, service.Thread) (*service.Thread, error) {
	return nil, nil
}
func (f *fakeStore) DeleteThread(context.Context, string) error                  { return nil }
func (f *fakeStore) ListDueWakes(context.Context, string) ([]service.Thread, error) { return nil, nil }

func (f *fakeStore) ListMessages(_ context.Context, threadID string, _, _ int) ([]service.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.StoredMessage(nil), f.messages[threadID]...), nil
}

func (f *fakeStore) AppendMessages(_ context.Context, threadID string, msgs []service.StoredMessage) ([]service.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]service.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		f.seq++
		m.ThreadID = threadID
		m.SentAt = fmt.Sprintf("2026-08-01T00:%02d:%02dZ", f.seq/60, f.seq%60)
		f.messages[threadID] = append(f.messages[threadID], m)
		out = append(out, m)
	}

	return out, nil
}

func (f *fakeStore) ListRuns(context.Context, string, int) ([]service.Run, error) { return nil, nil }

func (f *fakeStore) GetRun(_ context.Context, id string) (*service.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id], nil
}

func (f *fakeStore) CreateRun(_ context.Context, r service.Run) (*service.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = &r
	return &r, nil
}

func (f *fakeStore) MarkRunRunning(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = service.RunRunning
	}
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, status service.RunStatus, totals service.RunTotals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = status
		r.Summary = totals.Summary
		r.Error = totals.Error
		r.TotalTokens = totals.TotalTokens
		r.TotalCostUSD = totals.TotalCostUSD
	}
	return nil
}

func (f *fakeStore) CountRunsStartedToday(context.Context, string) (int, error) { return 0, nil }
func (f *fakeStore) SumCostToday(context.Context, string) (float64, error)      { return 0, nil }

// emptyCredStore satisfies CredentialStorer with no rows.
type emptyCredStore struct{}

func (emptyCredStore) ListAccountCredentials(context.Context, string) ([]service.AccountCredential, error) {
	return nil, nil
}
func (emptyCredStore) GetAccountCredential(context.Context, string, string) (*service.AccountCredential, error) {
	return nil, nil
}
func (emptyCredStore) UpsertAccountCredential(_ context.Context, c service.AccountCredential) (*service.AccountCredential, error) {
	return &c, nil
}
func (emptyCredStore) UpdateAccountCredentialStatus(context.Context, string, service.TestStatus) error {
	return nil
}
func (emptyCredStore) SetAccountCredentialDisabled(context.Context, string, string, bool) error {
	return nil
}
func (emptyCredStore) DeleteAccountCredential(context.Context, string, string) error { return nil }
func (emptyCredStore) ListAgentCredentials(context.Context, string) ([]service.AgentCredential, error) {
	return nil, nil
}
func (emptyCredStore) GetAgentCredential(context.Context, string, string) (*service.AgentCredential, error) {
	return nil, nil
}
func (emptyCredStore) UpsertAgentCredential(_ context.Context, c service.AgentCredential) (*service.AgentCredential, error) {
	return &c, nil
}
func (emptyCredStore) DeleteAgentCredential(context.Context, string, string) error { return nil }

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*service.LLMResponse
	calls     [][]service.Message
}

func (p *scriptedProvider) Chat(_ context.Context, _ string, messages []service.Message, _ []service.Tool) (*service.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, messages)
	if len(p.responses) == 0 {
		return &service.LLMResponse{Content: "done", Finished: true}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

// ─── Fixture ───

type fixture struct {
	store    *fakeStore
	provider *scriptedProvider
	events   *bus.Bus
	runner   *Runner
	run      *service.Run
}

func newFixture(t *testing.T, responses []*service.LLMResponse, registry *tool.Registry, catalogJSON string) *fixture {
	t.Helper()

	store := newFakeStore()
	store.CreateAgent(context.Background(), service.Agent{
		ID: "agt_1", OwnerID: "own_1", Name: "helper", Model: "gpt-4o-mini",
		SystemInstructions: "You are helpful.",
	})
	store.CreateThread(context.Background(), service.Thread{
		ID: "thr_1", OwnerID: "own_1", AgentID: "agt_1", Kind: service.ThreadChat,
	})
	store.AppendMessages(context.Background(), "thr_1", []service.StoredMessage{
		{ID: "msg_seed", Role: service.RoleUserMsg, Content: "hello"},
	})

	run := &service.Run{
		ID: "run_1", OwnerID: "own_1", AgentID: "agt_1", ThreadID: "thr_1",
		Status: service.RunQueued, TriggerSource: service.SourceManual,
	}
	store.CreateRun(context.Background(), *run)

	provider := &scriptedProvider{responses: responses}
	events := bus.New()
	t.Cleanup(events.Close)

	catalog := pricing.Empty()
	if catalogJSON != "" {
		var err error
		catalog, err = pricing.Parse([]byte(catalogJSON))
		if err != nil {
			t.Fatalf("parse catalog: %v", err)
		}
	}

	if registry == nil {
		registry = tool.NewBuilder(0).Build()
	}

	r := New(
		store, store, store,
		registry,
		func(string) (service.LLMProvider, error) { return provider, nil },
		func(agentID, ownerID string) *credential.Resolver {
			return credential.New(emptyCredStore{}, agentID, ownerID, nil, nil)
		},
		catalog,
		events,
		false,
	)

	return &fixture{store: store, provider: provider, events: events, runner: r, run: run}
}

// ─── Tests ───

func TestSimpleTurn(t *testing.T) {
	usage := service.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Reported: true}
	fx := newFixture(t, []*service.LLMResponse{
		{Content: "hi there", Finished: true, Usage: usage},
	}, nil, `{"gpt-4o-mini": [0.15, 0.6]}`)

	msgs, err := fx.runner.ExecuteTurn(context.Background(), fx.run)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	if len(msgs) != 1 || msgs[0].Role != service.RoleAssistant || msgs[0].Content != "hi there" {
		t.Fatalf("persisted messages = %+v", msgs)
	}

	stored, _ := fx.store.GetRun(context.Background(), "run_1")
	if stored.Status != service.RunSuccess {
		t.Fatalf("run status = %q", stored.Status)
	}
	if !stored.TotalTokens.Valid || stored.TotalTokens.V != 15 {
		t.Fatalf("total tokens = %+v", stored.TotalTokens)
	}
	if !stored.TotalCostUSD.Valid {
		t.Fatal("cost should be set when the catalog has the model")
	}
	if stored.Summary != "hi there" {
		t.Fatalf("summary = %q", stored.Summary)
	}
}

func TestCostNullWhenCatalogMisses(t *testing.T) {
	usage := service.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Reported: true}
	fx := newFixture(t, []*service.LLMResponse{
		{Content: "ok", Finished: true, Usage: usage},
	}, nil, `{"some-other-model": [1, 2]}`)

	if _, err := fx.runner.ExecuteTurn(context.Background(), fx.run); err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	stored, _ := fx.store.GetRun(context.Background(), "run_1")
	if stored.TotalCostUSD.Valid {
		t.Fatal("cost must stay null when the catalog lacks the model")
	}
	if !stored.TotalTokens.Valid {
		t.Fatal("tokens are still recorded from provider usage")
	}
}

func TestTokensNullWithoutProviderUsage(t *testing.T) {
	fx := newFixture(t, []*service.LLMResponse{
		{Content: "ok", Finished: true},
	}, nil, `{"gpt-4o-mini": [0.15, 0.6]}`)

	if _, err := fx.runner.ExecuteTurn(context.Background(), fx.run); err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	stored, _ := fx.store.GetRun(context.Background(), "run_1")
	if stored.TotalTokens.Valid || stored.TotalCostUSD.Valid {
		t.Fatal("usage is never estimated: both fields stay null")
	}
}

func TestParallelToolFanOut(t *testing.T) {
	b := tool.NewBuilder(0)
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "lookup_a"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			return tool.Success("a")
		},
	})
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "lookup_b"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			return tool.Success("b")
		},
	})
	b.Add(tool.Definition{
		Tool: service.Tool{Name: "limited"},
		Handler: func(context.Context, tool.Invocation, map[string]any) tool.Result {
			return tool.Failure(tool.ErrRateLimited, "slow down")
		},
	})

	fx := newFixture(t, []*service.LLMResponse{
		{
			ToolCalls: []service.ToolCall{
				{ID: "c1", Name: "lookup_a", Arguments: map[string]any{}},
				{ID: "c2", Name: "limited", Arguments: map[string]any{}},
				{ID: "c3", Name: "lookup_b", Arguments: map[string]any{}},
			},
		},
		{Content: "assembled", Finished: true},
	}, b.Build(), "")

	msgs, err := fx.runner.ExecuteTurn(context.Background(), fx.run)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	// assistant(tool_calls), 3 tool messages, final assistant.
	if len(msgs) != 5 {
		t.Fatalf("persisted %d messages, want 5: %+v", len(msgs), msgs)
	}

	assistant := msgs[0]
	if len(assistant.ToolCalls) != 3 {
		t.Fatalf("assistant tool calls = %d", len(assistant.ToolCalls))
	}

	// Tool messages preserve request order and pair via tool_call_id.
	for i, wantID := range []string{"c1", "c2", "c3"} {
		toolMsg := msgs[1+i]
		if toolMsg.Role != service.RoleTool || toolMsg.ToolCallID != wantID {
			t.Fatalf("tool message %d = %+v", i, toolMsg)
		}
		if toolMsg.ParentID != assistant.ID {
			t.Fatalf("tool message %d not grouped to assistant", i)
		}
	}

	var envelope tool.Result
	if err := json.Unmarshal([]byte(msgs[2].Content), &envelope); err != nil {
		t.Fatalf("tool message is not an envelope: %v", err)
	}
	if envelope.OK || envelope.ErrorType != tool.ErrRateLimited {
		t.Fatalf("error envelope = %+v", envelope)
	}

	// The loop continued to a second LLM turn after the failed call.
	if msgs[4].Content != "assembled" {
		t.Fatalf("final assistant = %+v", msgs[4])
	}
}

func TestPromptAssembly(t *testing.T) {
	fx := newFixture(t, []*service.LLMResponse{
		{Content: "ok", Finished: true},
	}, nil, "")

	if _, err := fx.runner.ExecuteTurn(context.Background(), fx.run); err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	prompt := fx.provider.calls[0]

	if prompt[0].Role != "system" || !strings.Contains(prompt[0].Content, "You are helpful.") {
		t.Fatalf("first message must be the synthesized system message: %+v", prompt[0])
	}
	if !strings.Contains(prompt[0].Content, "Connector protocol") {
		t.Fatal("system message must carry the connector protocol block")
	}

	// The ephemeral context injection sits just before the latest user
	// message and carries current_time and connector_status.
	var injectionIdx, userIdx int = -1, -1
	for i, m := range prompt {
		if m.Role == "system" && strings.Contains(m.Content, "connector_status") {
			injectionIdx = i
		}
		if m.Role == "user" {
			userIdx = i
		}
	}
	if injectionIdx == -1 {
		t.Fatal("context injection missing")
	}
	if userIdx != injectionIdx+1 {
		t.Fatalf("injection at %d, latest user at %d; want adjacent", injectionIdx, userIdx)
	}
	if !strings.Contains(prompt[injectionIdx].Content, "current_time") {
		t.Fatal("injection must carry current_time")
	}

	// User content is timestamp-prefixed for presentation.
	if !strings.HasPrefix(prompt[userIdx].Content, "[") {
		t.Fatalf("user message not timestamp-prefixed: %q", prompt[userIdx].Content)
	}

	// The persisted message is untouched.
	msgs, _ := fx.store.ListMessages(context.Background(), "thr_1", 0, 0)
	if msgs[0].Content != "hello" {
		t.Fatalf("persisted content mutated: %q", msgs[0].Content)
	}
}

func TestProviderErrorFailsRun(t *testing.T) {
	fx := newFixture(t, nil, nil, "")
	fx.provider.responses = nil

	// Provider that always errors.
	fx.runner.providers = func(string) (service.LLMProvider, error) {
		return erroringProvider{}, nil
	}

	if _, err := fx.runner.ExecuteTurn(context.Background(), fx.run); err == nil {
		t.Fatal("expected error")
	}

	stored, _ := fx.store.GetRun(context.Background(), "run_1")
	if stored.Status != service.RunFailed {
		t.Fatalf("run status = %q, want failed", stored.Status)
	}
	if stored.Error == "" {
		t.Fatal("run error must be recorded")
	}
}

type erroringProvider struct{}

func (erroringProvider) Chat(context.Context, string, []service.Message, []service.Tool) (*service.LLMResponse, error) {
	return nil, context.DeadlineExceeded
}
