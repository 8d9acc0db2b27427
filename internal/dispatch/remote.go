package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/haasonsaas/conductor/pkg/models"
)

// mcpSpec configures a RemoteProtocol tool: the server command to keep alive
// and the remote tool name to invoke on it.
type mcpSpec struct {
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`

	// Tool is the remote tool name. Defaults to the router key's name part.
	Tool string `json:"tool,omitempty"`
}

func (s *mcpSpec) key() string {
	return strings.Join(s.Command, "\x00")
}

// MCPRunner dispatches tool calls over the Model Context Protocol. One
// long-lived stdio client is kept per server command and calls are
// multiplexed over it; the native MCP result shape is translated back into
// the core's JSON interface.
type MCPRunner struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewMCPRunner creates an MCP runner with an empty client pool.
func NewMCPRunner() *MCPRunner {
	return &MCPRunner{clients: make(map[string]*client.Client)}
}

func (r *MCPRunner) Run(ctx context.Context, tool *models.ToolDescriptor, args json.RawMessage, logs LogSink) (json.RawMessage, error) {
	var spec mcpSpec
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("invalid mcp spec: %w", err))
	}
	if len(spec.Command) == 0 {
		return nil, NewToolError(models.FailFatal, tool.RouterKey,
			fmt.Errorf("mcp tool has no server command"))
	}

	remoteName := spec.Tool
	if remoteName == "" {
		if _, name, _, err := models.ParseRouterKey(tool.RouterKey); err == nil {
			remoteName = name
		}
	}

	c, err := r.clientFor(ctx, &spec)
	if err != nil {
		return nil, NewToolError(models.FailTransient, tool.RouterKey, err)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, NewToolError(models.FailInvalidInput, tool.RouterKey, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = arguments

	res, err := c.CallTool(ctx, req)
	if err != nil {
		// The connection may have died with the server; drop it so the next
		// call reconnects.
		r.evict(&spec)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewToolError(models.FailTransient, tool.RouterKey, err)
	}

	text := collectText(res)
	if res.IsError {
		return nil, NewToolError(models.FailTransient, tool.RouterKey,
			fmt.Errorf("remote tool error: %s", text))
	}

	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(map[string]string{"text": text})
}

// clientFor returns the pooled client for the spec, starting and
// initializing the server on first use.
func (r *MCPRunner) clientFor(ctx context.Context, spec *mcpSpec) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[spec.key()]; ok {
		return c, nil
	}

	c, err := client.NewStdioMCPClient(spec.Command[0], spec.Env, spec.Command[1:]...)
	if err != nil {
		return nil, fmt.Errorf("starting mcp server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing mcp server: %w", err)
	}

	r.clients[spec.key()] = c
	return c, nil
}

func (r *MCPRunner) evict(spec *mcpSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[spec.key()]; ok {
		delete(r.clients, spec.key())
		c.Close()
	}
}

// Close shuts down all pooled server connections.
func (r *MCPRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		delete(r.clients, key)
		c.Close()
	}
}

func collectText(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
