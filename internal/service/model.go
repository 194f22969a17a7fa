// Package service holds the domain model and the interfaces that connect
// the execution core to its collaborators: persistent stores, LLM
// providers, and tools. Concrete implementations live in internal/store
// and internal/service/llm.
package service

import (
	"context"

	"github.com/worldline-go/types"
)

// ─── Owners ───

// Role controls quota enforcement; admins bypass every cap.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Owner identifies a user. Every agent, credential, thread, trigger, and
// workflow is owner-scoped.
type Owner struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at"`
}

type OwnerStorer interface {
	GetOwner(ctx context.Context, id string) (*Owner, error)
	GetOwnerByEmail(ctx context.Context, email string) (*Owner, error)
	CreateOwner(ctx context.Context, o Owner) (*Owner, error)
}

// ─── Agents ───

// AgentStatus mirrors the run lock: "running" while a run holds the
// per-agent lock, "idle" otherwise.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
)

// Agent is a stored agent definition: which model to drive, what it is
// told, and which tools it may call.
type Agent struct {
	ID                 string              `json:"id"`
	OwnerID            string              `json:"owner_id"`
	Name               string              `json:"name"`
	Model              string              `json:"model"`
	SystemInstructions string              `json:"system_instructions"`
	TaskInstructions   string              `json:"task_instructions"`
	// AllowedTools holds tool name patterns with "*" wildcards
	// (e.g. "github_*"). Empty means every registered tool is allowed.
	AllowedTools types.Slice[string] `json:"allowed_tools"`
	// CronSchedule is a standard 5-field cron spec evaluated in UTC.
	// Empty disables scheduling.
	CronSchedule string      `json:"cron_schedule"`
	Status       AgentStatus `json:"status"`
	CreatedAt    string      `json:"created_at"`
	UpdatedAt    string      `json:"updated_at"`
}

type AgentStorer interface {
	ListAgents(ctx context.Context, ownerID string) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	CreateAgent(ctx context.Context, a Agent) (*Agent, error)
	UpdateAgent(ctx context.Context, id string, a Agent) (*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	DeleteAgent(ctx context.Context, id string) error
	// ListScheduledAgents returns agents with a non-empty cron schedule.
	ListScheduledAgents(ctx context.Context) ([]Agent, error)
}

// ─── Threads & Messages ───

// ThreadKind records how a thread came to exist.
type ThreadKind string

const (
	ThreadChat      ThreadKind = "chat"
	ThreadScheduled ThreadKind = "scheduled"
	ThreadManual    ThreadKind = "manual"
)

// Thread is an ordered, append-only conversation bound to one agent.
type Thread struct {
	ID      string     `json:"id"`
	OwnerID string     `json:"owner_id"`
	AgentID string     `json:"agent_id"`
	Title   string     `json:"title"`
	Kind    ThreadKind `json:"kind"`
	// AgentState is an opaque JSON blob used by memory strategies.
	AgentState     string `json:"agent_state,omitempty"`
	MemoryStrategy string `json:"memory_strategy,omitempty"`
	// WakeCondition, when set, is a JSON object {"type":"time|email|approval",...}
	// scanned by the scheduler for due resumes.
	WakeCondition string `json:"wake_condition,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// MessageRole is the conversational role of a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUserMsg   MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCallRecord is one tool invocation requested by an assistant message.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StoredMessage is a persisted thread message. Tool messages reference the
// assistant tool call that spawned them via ToolCallID and ParentID.
type StoredMessage struct {
	ID        string           `json:"id"`
	ThreadID  string           `json:"thread_id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
	// SentAt is UTC, strictly monotonic within a thread.
	SentAt string `json:"sent_at"`
}

type ThreadStorer interface {
	ListThreads(ctx context.Context, ownerID string) ([]Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	CreateThread(ctx context.Context, t Thread) (*Thread, error)
	UpdateThread(ctx context.Context, id string, t Thread) (*Thread, error)
	DeleteThread(ctx context.Context, id string) error
	// ListDueWakes returns threads whose wake_condition is a time wake at
	// or before now (RFC3339).
	ListDueWakes(ctx context.Context, now string) ([]Thread, error)

	ListMessages(ctx context.Context, threadID string, limit, offset int) ([]StoredMessage, error)
	// AppendMessages inserts messages in order within one transaction,
	// assigning monotonic sent_at values.
	AppendMessages(ctx context.Context, threadID string, msgs []StoredMessage) ([]StoredMessage, error)
}

// ─── Runs ───

// RunStatus is the lifecycle state of a run. Terminal statuses are
// immutable once written.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status ends the run lifecycle.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// TriggerSource records what started a run.
type TriggerSource string

const (
	SourceManual   TriggerSource = "manual"
	SourceSchedule TriggerSource = "schedule"
	SourceAPI      TriggerSource = "api"
	SourceWebhook  TriggerSource = "webhook"
	SourceEmail    TriggerSource = "email"
)

// Run is one execution of an agent or a workflow. Agent runs carry
// ThreadID; workflow runs carry WorkflowID.
type Run struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	WorkflowID    string        `json:"workflow_id,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
	Status        RunStatus     `json:"status"`
	TriggerSource TriggerSource `json:"trigger_source"`
	StartedAt     string        `json:"started_at"`
	FinishedAt    types.Null[types.Time] `json:"finished_at"`
	DurationMS    types.Null[int64]      `json:"duration_ms"`
	TotalTokens   types.Null[int64]      `json:"total_tokens"`
	// TotalCostUSD is null when the pricing catalog lacks the model.
	TotalCostUSD types.Null[float64] `json:"total_cost_usd"`
	Summary      string              `json:"summary,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// RunTotals carries the fields written on terminal transition.
type RunTotals struct {
	DurationMS   int64
	TotalTokens  types.Null[int64]
	TotalCostUSD types.Null[float64]
	Summary      string
	Error        string
}

type RunStorer interface {
	ListRuns(ctx context.Context, ownerID string, limit int) ([]Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	CreateRun(ctx context.Context, r Run) (*Run, error)
	// MarkRunRunning transitions queued → running.
	MarkRunRunning(ctx context.Context, id string) error
	// FinishRun writes the terminal status and totals. Writing a second
	// terminal status is an error.
	FinishRun(ctx context.Context, id string, status RunStatus, totals RunTotals) error
	// CountRunsStartedToday counts the owner's runs whose started_at falls
	// in the current UTC day. Empty ownerID counts globally.
	CountRunsStartedToday(ctx context.Context, ownerID string) (int, error)
	// SumCostToday sums total_cost_usd for today's runs (UTC). Empty
	// ownerID sums globally.
	SumCostToday(ctx context.Context, ownerID string) (float64, error)
}

// ─── Triggers ───

// TriggerType is the wake condition class of a trigger.
type TriggerType string

const (
	TriggerWebhook TriggerType = "webhook"
	TriggerEmail   TriggerType = "email"
)

// Trigger binds an agent to an external wake condition. Webhook triggers
// carry a unique HMAC secret; email triggers reference a connector and
// carry match filters in Config.
type Trigger struct {
	ID      string         `json:"id"`
	OwnerID string         `json:"owner_id"`
	AgentID string         `json:"agent_id"`
	Type    TriggerType    `json:"type"`
	Secret  string         `json:"-"`
	Config  map[string]any `json:"config"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type TriggerStorer interface {
	ListTriggers(ctx context.Context, ownerID string) ([]Trigger, error)
	ListTriggersByAgent(ctx context.Context, agentID string) ([]Trigger, error)
	// ListEmailTriggers returns all email triggers referencing the given
	// connector id in their config.
	ListEmailTriggers(ctx context.Context, connectorID string) ([]Trigger, error)
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	CreateTrigger(ctx context.Context, t Trigger) (*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
}

// ─── Connectors & Credentials ───

// Connector is an owner-scoped integration with bespoke OAuth/webhook
// plumbing (e.g. a Gmail watch). Keyed uniquely by (owner, type, provider).
// Credential holds the encrypted refresh-token blob; Config holds opaque
// provider state such as history_id, watch_expiry, and last_msg_no.
type Connector struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Type       string         `json:"type"`
	Provider   string         `json:"provider"`
	Credential string         `json:"-"`
	Config     map[string]any `json:"config"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type ConnectorStorer interface {
	ListConnectors(ctx context.Context, ownerID string) ([]Connector, error)
	GetConnector(ctx context.Context, id string) (*Connector, error)
	GetConnectorByKey(ctx context.Context, ownerID, typ, provider string) (*Connector, error)
	// GetConnectorByEmail finds the connector whose config email_address
	// matches. Used by the Gmail Pub/Sub ingress.
	GetConnectorByEmail(ctx context.Context, email string) (*Connector, error)
	CreateConnector(ctx context.Context, c Connector) (*Connector, error)
	// UpdateConnectorConfig atomically replaces the config blob.
	UpdateConnectorConfig(ctx context.Context, id string, config map[string]any) error
	DeleteConnector(ctx context.Context, id string) error
	// ListExpiringWatches returns email connectors whose watch_expiry is
	// before the given RFC3339 instant.
	ListExpiringWatches(ctx context.Context, before string) ([]Connector, error)
}

// TestStatus is the result of the latest credential connectivity check.
type TestStatus string

const (
	TestUntested TestStatus = "untested"
	TestSuccess  TestStatus = "success"
	TestFailed   TestStatus = "failed"
)

// AccountCredential is an owner-scoped secret for a built-in tool, keyed
// uniquely by (owner, connector_type). Value is encrypted at rest and
// redacted in API responses. Disabled is the admin kill switch: a
// disabled connector resolves to no credential and reports
// disabled_by_admin in the context injection.
type AccountCredential struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	ConnectorType string     `json:"connector_type"`
	Value         string     `json:"-"`
	DisplayName   string     `json:"display_name"`
	TestStatus    TestStatus `json:"test_status"`
	Disabled      bool       `json:"disabled"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
}

// AgentCredential overrides an account credential for a single agent,
// keyed uniquely by (agent_id, connector_type).
type AgentCredential struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	OwnerID       string     `json:"owner_id"`
	ConnectorType string     `json:"connector_type"`
	Value         string     `json:"-"`
	DisplayName   string     `json:"display_name"`
	TestStatus    TestStatus `json:"test_status"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
}

type CredentialStorer interface {
	ListAccountCredentials(ctx context.Context, ownerID string) ([]AccountCredential, error)
	GetAccountCredential(ctx context.Context, ownerID, connectorType string) (*AccountCredential, error)
	UpsertAccountCredential(ctx context.Context, c AccountCredential) (*AccountCredential, error)
	UpdateAccountCredentialStatus(ctx context.Context, id string, status TestStatus) error
	SetAccountCredentialDisabled(ctx context.Context, ownerID, connectorType string, disabled bool) error
	DeleteAccountCredential(ctx context.Context, ownerID, connectorType string) error

	ListAgentCredentials(ctx context.Context, agentID string) ([]AgentCredential, error)
	GetAgentCredential(ctx context.Context, agentID, connectorType string) (*AgentCredential, error)
	UpsertAgentCredential(ctx context.Context, c AgentCredential) (*AgentCredential, error)
	DeleteAgentCredential(ctx context.Context, agentID, connectorType string) error
}

// ─── Workflows ───

// NodeType is the executor class of a workflow node.
type NodeType string

const (
	NodeTrigger     NodeType = "trigger"
	NodeAgent       NodeType = "agent"
	NodeTool        NodeType = "tool"
	NodeConditional NodeType = "conditional"
)

// WorkflowNode is a single node in a workflow graph. Config is
// type-specific; Position is visual-editor layout only.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Config   map[string]any `json:"config"`
	Position WorkflowPos    `json:"position"`
}

// WorkflowPos is the x/y position of a node in the visual editor.
type WorkflowPos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowEdge is a directed edge. Conditional nodes label their two
// outgoing edges "true" and "false"; all other edges leave Label empty.
type WorkflowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// WorkflowGraph is the full graph definition stored as JSON.
type WorkflowGraph struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// Workflow is a saved workflow definition.
type Workflow struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Graph       WorkflowGraph `json:"graph"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

type WorkflowStorer interface {
	ListWorkflows(ctx context.Context, ownerID string) ([]Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	CreateWorkflow(ctx context.Context, w Workflow) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, w Workflow) (*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ─── Node Execution State ───

// NodePhase is the per-node lifecycle within a workflow run. Transitions
// are monotonic: pending → running → {succeeded|failed|skipped}.
type NodePhase string

const (
	PhasePending   NodePhase = "pending"
	PhaseRunning   NodePhase = "running"
	PhaseSucceeded NodePhase = "succeeded"
	PhaseFailed    NodePhase = "failed"
	PhaseSkipped   NodePhase = "skipped"
)

// NodeExecutionState is the persisted per-(run, node) record.
// OutputEnvelope is the JSON-serialized envelope, empty while pending or
// when skipped.
type NodeExecutionState struct {
	RunID          string    `json:"run_id"`
	NodeID         string    `json:"node_id"`
	Phase          NodePhase `json:"phase"`
	OutputEnvelope string    `json:"output_envelope,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      string    `json:"started_at,omitempty"`
	FinishedAt     string    `json:"finished_at,omitempty"`
}

type NodeStateStorer interface {
	ListNodeStates(ctx context.Context, runID string) ([]NodeExecutionState, error)
	UpsertNodeState(ctx context.Context, st NodeExecutionState) error
}

// ─── Checkpoints ───

// CheckpointStorer is the durable-checkpointer contract: opaque state
// keyed by thread id, survives process restart. Serialization belongs to
// the caller.
type CheckpointStorer interface {
	SaveCheckpoint(ctx context.Context, threadID string, state []byte) error
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)
}
