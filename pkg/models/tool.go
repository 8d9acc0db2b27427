package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuntimeTag selects the execution runtime for a registered tool.
type RuntimeTag string

const (
	// RuntimeNative runs an in-process Go function. No sandboxing.
	RuntimeNative RuntimeTag = "native"

	// RuntimePython runs tool code under a sandboxed Python interpreter.
	RuntimePython RuntimeTag = "python"

	// RuntimeDeno runs tool code under a sandboxed Deno interpreter.
	RuntimeDeno RuntimeTag = "deno"

	// RuntimeSubprocess runs an isolated external command.
	RuntimeSubprocess RuntimeTag = "subprocess"

	// RuntimeMCP calls a long-lived Model Context Protocol tool server.
	RuntimeMCP RuntimeTag = "mcp"

	// RuntimeAgent executes another job against a named sub-agent.
	RuntimeAgent RuntimeTag = "agent"

	// RuntimeComposite runs a declarative graph of sub-tool calls.
	RuntimeComposite RuntimeTag = "composite"
)

// Valid reports whether the tag names a known runtime.
func (t RuntimeTag) Valid() bool {
	switch t {
	case RuntimeNative, RuntimePython, RuntimeDeno, RuntimeSubprocess,
		RuntimeMCP, RuntimeAgent, RuntimeComposite:
		return true
	}
	return false
}

// NetworkPolicy constrains outbound network access for sandboxed runtimes.
type NetworkPolicy string

const (
	NetworkDeny  NetworkPolicy = "deny"
	NetworkAllow NetworkPolicy = "allow"
	NetworkOpen  NetworkPolicy = "open"
)

// ResourceCaps declares execution limits for a tool.
type ResourceCaps struct {
	// Timeout is the hard wall-clock deadline. Default 60s, ceiling 10m.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// MemoryBytes caps interpreter memory where the runtime supports it.
	MemoryBytes int64 `json:"memory_bytes,omitempty" yaml:"memory_bytes"`

	// Network is the outbound network policy for sandboxed runtimes.
	Network NetworkPolicy `json:"network,omitempty" yaml:"network"`

	// NetworkAllowList lists hosts reachable under NetworkAllow.
	NetworkAllowList []string `json:"network_allow_list,omitempty" yaml:"network_allow_list"`

	// FSAllowList lists filesystem paths visible to sandboxed runtimes.
	FSAllowList []string `json:"fs_allow_list,omitempty" yaml:"fs_allow_list"`
}

// ToolDescriptor is a tool registry entry. RouterKey is unique and immutable
// once any persisted step references it.
type ToolDescriptor struct {
	RouterKey    string          `json:"router_key" yaml:"router_key"`
	Description  string          `json:"description,omitempty" yaml:"description"`
	Runtime      RuntimeTag      `json:"runtime" yaml:"runtime"`
	InputSchema  json.RawMessage `json:"input_schema" yaml:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema"`
	Caps         ResourceCaps    `json:"caps,omitempty" yaml:"caps"`
	Enabled      bool            `json:"enabled" yaml:"enabled"`

	// Spec carries runtime-specific configuration: script source for the
	// script runtimes, argv for subprocess, server command for mcp, agent id
	// for agent, the call graph for composite.
	Spec json.RawMessage `json:"spec,omitempty" yaml:"spec"`

	// Embedding is the semantic lookup vector. Produced elsewhere; the core
	// only stores and returns it.
	Embedding []float32 `json:"embedding,omitempty" yaml:"-"`
}

// ParseRouterKey splits "namespace/name/version" and validates the shape.
func ParseRouterKey(key string) (namespace, name, version string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid router key %q: want namespace/name/version", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// CallName converts a router key into a provider-safe tool-call name.
// Providers restrict names to [a-zA-Z0-9_-], so slashes and dots become
// double underscores: "calc/add/v1" -> "calc__add__v1".
func (d *ToolDescriptor) CallName() string {
	return strings.NewReplacer("/", "__", ".", "__").Replace(d.RouterKey)
}

// RouterKeyFromCallName reverses CallName.
func RouterKeyFromCallName(name string) string {
	return strings.ReplaceAll(name, "__", "/")
}
