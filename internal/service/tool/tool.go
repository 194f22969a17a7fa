// Package tool implements the immutable tool registry and the invoker
// used by the agent runner and the workflow engine. Tools are composed
// at startup: built-ins plus MCP-discovered tools namespaced
// mcp_{server}_{tool}. Every invocation returns an envelope; errors
// never escape a tool call as Go errors.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/credential"
)

// ErrorType classifies tool failures inside the envelope.
type ErrorType string

const (
	ErrConnectorNotConfigured ErrorType = "connector_not_configured"
	ErrInvalidCredentials     ErrorType = "invalid_credentials"
	ErrRateLimited            ErrorType = "rate_limited"
	ErrPermissionDenied       ErrorType = "permission_denied"
	ErrUpstream               ErrorType = "upstream_error"
	ErrInvalidArguments       ErrorType = "invalid_arguments"
)

// Result is the standard tool envelope.
type Result struct {
	OK          bool      `json:"ok"`
	Data        any       `json:"data,omitempty"`
	ErrorType   ErrorType `json:"error_type,omitempty"`
	UserMessage string    `json:"user_message,omitempty"`
	Connector   string    `json:"connector,omitempty"`
	SetupURL    string    `json:"setup_url,omitempty"`
}

// Success wraps data in a success envelope.
func Success(data any) Result {
	return Result{OK: true, Data: data}
}

// Failure builds an error envelope.
func Failure(errType ErrorType, userMessage string) Result {
	return Result{OK: false, ErrorType: errType, UserMessage: userMessage}
}

// NotConfigured builds the envelope for a missing connector credential.
func NotConfigured(connector, setupURL string) Result {
	return Result{
		OK:          false,
		ErrorType:   ErrConnectorNotConfigured,
		UserMessage: fmt.Sprintf("The %s connector is not configured.", connector),
		Connector:   connector,
		SetupURL:    setupURL,
	}
}

// Invocation carries the per-request identity and the credential
// resolver into a tool handler.
type Invocation struct {
	OwnerID     string
	AgentID     string
	Credentials *credential.Resolver
}

// Handler executes one tool call. Handlers return envelopes; a handler
// must not panic, but the invoker recovers just in case.
type Handler func(ctx context.Context, inv Invocation, args map[string]any) Result

// Definition pairs a tool's schema with its handler.
type Definition struct {
	Tool    service.Tool
	Handler Handler
	// Timeout overrides the registry default for long-running tools.
	// Clamped to MaxTimeout.
	Timeout time.Duration
}

// DefaultTimeout and MaxTimeout bound per-tool execution.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 5 * time.Minute
)

// Registry is the immutable tool map. Reads are lock-free; the registry
// is never mutated after Build.
type Registry struct {
	defs           map[string]Definition
	names          []string
	defaultTimeout time.Duration
	limits         *credential.RateLimitTracker
}

// Builder accumulates definitions before the registry is frozen.
type Builder struct {
	defs           map[string]Definition
	defaultTimeout time.Duration
	limits         *credential.RateLimitTracker
}

// NewBuilder creates a registry builder. defaultTimeout zero means
// DefaultTimeout.
func NewBuilder(defaultTimeout time.Duration) *Builder {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}

	return &Builder{
		defs:           make(map[string]Definition),
		defaultTimeout: defaultTimeout,
	}
}

// SetRateLimitTracker wires the tracker that records upstream 429s so
// the credential resolver can report rate_limited connector status.
func (b *Builder) SetRateLimitTracker(limits *credential.RateLimitTracker) {
	b.limits = limits
}

// Add registers a definition. Later registrations of the same name win;
// a warning is logged so misconfigured MCP servers are visible.
func (b *Builder) Add(def Definition) {
	if _, exists := b.defs[def.Tool.Name]; exists {
		slog.Warn("tool registry: duplicate tool name, replacing", "tool", def.Tool.Name)
	}
	b.defs[def.Tool.Name] = def
}

// AddMCP discovers tools from a connected MCP server and registers them
// under the mcp_{server}_{tool} namespace. Dispatch goes through the
// client's Call, which already speaks the envelope convention.
func (b *Builder) AddMCP(ctx context.Context, client *MCPClient) error {
	tools, err := client.Tools(ctx)
	if err != nil {
		return err
	}

	for _, t := range tools {
		remoteName := t.Name
		b.Add(Definition{
			Tool: service.Tool{
				Name:        fmt.Sprintf("mcp_%s_%s", client.name, remoteName),
				Description: t.Description,
				InputSchema: t.InputSchema,
			},
			Handler: func(ctx context.Context, _ Invocation, args map[string]any) Result {
				return client.Call(ctx, remoteName, args)
			},
		})
	}

	slog.Info("tool registry: MCP tools registered", "server", client.name, "count", len(tools))

	return nil
}

// Build freezes the registry.
func (b *Builder) Build() *Registry {
	defs := make(map[string]Definition, len(b.defs))
	names := make([]string, 0, len(b.defs))
	for name, def := range b.defs {
		defs[name] = def
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{defs: defs, names: names, defaultTimeout: b.defaultTimeout, limits: b.limits}
}

// Names returns all tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Get returns the tool definition, if registered.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Expand resolves allowed-tool patterns ("*" wildcards, e.g. "github_*")
// against the registry and returns the matching tool schemas in sorted
// order. Empty patterns mean every tool.
func (r *Registry) Expand(patterns []string) []service.Tool {
	matched := make([]service.Tool, 0, len(r.names))

	for _, name := range r.names {
		if matchAny(patterns, name) {
			matched = append(matched, r.defs[name].Tool)
		}
	}

	return matched
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}

	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}

	return false
}

// Invoke runs a tool with its timeout applied. Unknown tools and
// handler panics produce error envelopes, never Go errors.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, inv Invocation) Result {
	def, ok := r.defs[name]
	if !ok {
		return Failure(ErrInvalidArguments, fmt.Sprintf("unknown tool %q", name))
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("tool handler panicked", "tool", name, "panic", rec)
				result <- Failure(ErrUpstream, fmt.Sprintf("tool %q crashed", name))
			}
		}()
		result <- def.Handler(ctx, inv, args)
	}()

	select {
	case res := <-result:
		if !res.OK && res.ErrorType == ErrRateLimited {
			r.limits.MarkLimited(res.Connector)
		}
		return res
	case <-ctx.Done():
		return Failure(ErrUpstream, fmt.Sprintf("tool %q timed out after %s", name, timeout))
	}
}
