// Package registry is the namespaced tool store. Server (global) tools
// keep their bare names; delegate tools are stored under
// "{lower(delegateId)}__{name}" — the prefixed name is what the inference
// engine sees, while the executor stays closed over the original name for
// the delegate round-trip.
package registry

import (
	"context"
	"encoding/json"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// ToolCall is one invocation request from the inference engine.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ExecContext carries the implicit per-call context. Explicit on every
// call; nothing is stashed on the registry.
type ExecContext struct {
	UserID         string
	ConversationID string
	MessageID      string
}

// ExecuteFunc runs a tool. Failures travel as ToolResult{IsError:true},
// never as panics; the registry synthesizes error results for everything
// else (unknown tool, policy denial, invalid input).
type ExecuteFunc func(ctx context.Context, call ToolCall, ec ExecContext) protocol.ToolResult

// Tool is one registered entry.
type Tool struct {
	// Name is the stored name: bare for global tools, prefixed for
	// delegate tools.
	Name        string
	Description string
	InputSchema json.RawMessage
	// OriginalName is the unprefixed name that travels back to the
	// delegate for execution. Equal to Name for global tools.
	OriginalName string
	// ServerID is the stable id of the MCP server that owns a delegate
	// tool, when known.
	ServerID   string
	DelegateID string

	execute ExecuteFunc
	schema  *compiledSchema
}

// Descriptor is the engine-visible surface of a tool, and the input to
// toolset hashing.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolConfig is the per-participant policy: ToolsEnabled false denies all;
// a nil EnabledTools allows all; a non-nil slice (including empty) is a
// whitelist.
type ToolConfig struct {
	ToolsEnabled *bool    `json:"toolsEnabled,omitempty"`
	EnabledTools []string `json:"enabledTools,omitempty"`
}

// allows evaluates the policy for a visible tool name.
func (c *ToolConfig) allows(name string) bool {
	if c == nil {
		return true
	}
	if c.ToolsEnabled != nil && !*c.ToolsEnabled {
		return false
	}
	if c.EnabledTools == nil {
		return true
	}
	for _, n := range c.EnabledTools {
		if n == name {
			return true
		}
	}
	return false
}
