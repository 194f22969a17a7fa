package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/worldline-go/klient"

	"github.com/cipher982/zerg/internal/service"
)

// mcpProtocolVersion is the MCP revision this client negotiates.
const mcpProtocolVersion = "2024-11-05"

// MCPClient discovers and dispatches tools served by one MCP server,
// speaking JSON-RPC over HTTP. Discovery feeds the registry at startup;
// dispatch happens from registered handlers and returns the standard
// tool envelope, never a bare error.
type MCPClient struct {
	name   string
	client *klient.Client

	requestID atomic.Int64

	// sessionMu guards the session id handed out by the server on
	// initialize and echoed on every later request.
	sessionMu sync.Mutex
	sessionID string
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// DialMCP connects to an MCP server and performs the initialize
// handshake. name is the registry namespace (mcp_{name}_{tool}).
func DialMCP(ctx context.Context, name, baseURL string) (*MCPClient, error) {
	httpClient, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("mcp %q: build client: %w", name, err)
	}

	c := &MCPClient{name: name, client: httpClient}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	err = c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "zerg", "version": "1.0.0"},
	}, &init)
	if err != nil {
		return nil, fmt.Errorf("mcp %q: initialize: %w", name, err)
	}

	// The initialized notification is fire-and-forget.
	c.notify(ctx, "notifications/initialized")

	slog.Info("mcp: connected",
		"server", name,
		"remote_name", init.ServerInfo.Name,
		"remote_version", init.ServerInfo.Version)

	return c, nil
}

// Tools lists the server's tool definitions for registry discovery.
func (c *MCPClient) Tools(ctx context.Context) ([]service.Tool, error) {
	var result struct {
		Tools []service.Tool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("mcp %q: list tools: %w", c.name, err)
	}

	return result.Tools, nil
}

// Call invokes one remote tool and wraps the outcome in the standard
// envelope: transport and RPC failures become upstream_error, a result
// flagged isError becomes an upstream_error carrying the server's text.
func (c *MCPClient) Call(ctx context.Context, toolName string, args map[string]any) Result {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}

	err := c.call(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	}, &result)
	if err != nil {
		return Failure(ErrUpstream, fmt.Sprintf("MCP server %q: %v", c.name, err))
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	if result.IsError {
		msg := text
		if msg == "" {
			msg = fmt.Sprintf("tool %q reported an error", toolName)
		}
		return Failure(ErrUpstream, msg)
	}

	return Success(text)
}

// Close tells the server the session is over. Errors are ignored; the
// process is shutting down or the server is already gone.
func (c *MCPClient) Close() {
	c.notify(context.Background(), "notifications/cancelled")
}

// call sends one request and decodes result into out (ignored when out
// is nil). RPC-level errors are returned as *rpcError.
func (c *MCPClient) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.send(ctx, rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	return nil
}

// notify sends a request without an id and ignores the outcome.
func (c *MCPClient) notify(ctx context.Context, method string) {
	if _, err := c.send(ctx, rpcRequest{Jsonrpc: "2.0", Method: method}); err != nil {
		slog.Debug("mcp: notification failed", "server", c.name, "method", method, "error", err)
	}
}

func (c *MCPClient) send(ctx context.Context, rpc rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", rpc.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.sessionMu.Lock()
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}
	c.sessionMu.Unlock()

	var resp rpcResponse
	if err := c.client.Do(req, func(r *http.Response) error {
		if r.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			return fmt.Errorf("status %d: %s", r.StatusCode, string(data))
		}

		if session := r.Header.Get("X-Session-ID"); session != "" {
			c.sessionMu.Lock()
			c.sessionID = session
			c.sessionMu.Unlock()
		}

		return json.NewDecoder(r.Body).Decode(&resp)
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", rpc.Method, err)
	}

	return &resp, nil
}
