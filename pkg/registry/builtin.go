package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// ServerInfo is one MCP server as reported by the management tools.
type ServerInfo struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`
	DelegateID string `json:"delegateId"`
	Enabled    bool   `json:"enabled"`
	ToolCount  int    `json:"toolCount"`
}

// PolicyRuleInfo is one scope-policy rule as reported by
// manage_scope_policies.
type PolicyRuleInfo struct {
	FeatureSet   string   `json:"featureSet"`
	Capabilities []string `json:"capabilities"`
	Label        string   `json:"label,omitempty"`
}

// ServerAdmin is the backend for the built-in management tools,
// implemented by the delegate manager plus the scope subsystem.
type ServerAdmin interface {
	ListServers(userID string) []ServerInfo
	ServerStatus(userID, serverID string) (ServerInfo, bool)
	SetServerEnabled(userID, serverID string, enabled bool) error
	ListScopePolicies(userID, delegateID string) (whitelist, blacklist []PolicyRuleInfo)
	ClearScopePolicies(userID, delegateID string) error
}

const serverIDSchema = `{
	"type": "object",
	"properties": {"serverId": {"type": "string"}},
	"required": ["serverId"]
}`

const policiesSchema = `{
	"type": "object",
	"properties": {
		"delegateId": {"type": "string"},
		"action": {"type": "string", "enum": ["list", "clear"]}
	},
	"required": ["delegateId", "action"]
}`

// RegisterManagementTools installs the host's built-in tools. They are
// global (unprefixed) and receive the implicit {userId, conversationId}
// context through ExecContext.
func (r *Registry) RegisterManagementTools(admin ServerAdmin) error {
	register := func(name, description, schema string, exec ExecuteFunc) error {
		return r.RegisterGlobal(name, description, []byte(schema), exec)
	}

	if err := register("list_mcp_servers",
		"List the MCP servers available through connected delegates.",
		`{"type":"object","properties":{}}`,
		func(_ context.Context, _ ToolCall, ec ExecContext) protocol.ToolResult {
			return jsonResult(admin.ListServers(ec.UserID))
		}); err != nil {
		return err
	}

	if err := register("get_server_status",
		"Report the status of one MCP server.",
		serverIDSchema,
		func(_ context.Context, call ToolCall, ec ExecContext) protocol.ToolResult {
			var args struct {
				ServerID string `json:"serverId"`
			}
			if res, ok := parseArgs(call.Input, &args); !ok {
				return res
			}
			info, ok := admin.ServerStatus(ec.UserID, args.ServerID)
			if !ok {
				return errorResult(fmt.Sprintf("Unknown server %q", args.ServerID))
			}
			return jsonResult(info)
		}); err != nil {
		return err
	}

	for _, t := range []struct {
		name    string
		desc    string
		enabled bool
	}{
		{"enable_server", "Enable a disabled MCP server.", true},
		{"disable_server", "Disable an MCP server without disconnecting its delegate.", false},
	} {
		enabled := t.enabled
		if err := register(t.name, t.desc, serverIDSchema,
			func(_ context.Context, call ToolCall, ec ExecContext) protocol.ToolResult {
				var args struct {
					ServerID string `json:"serverId"`
				}
				if res, ok := parseArgs(call.Input, &args); !ok {
					return res
				}
				if err := admin.SetServerEnabled(ec.UserID, args.ServerID, enabled); err != nil {
					return errorResult(err.Error())
				}
				return jsonResult(map[string]any{"serverId": args.ServerID, "enabled": enabled})
			}); err != nil {
			return err
		}
	}

	return register("manage_scope_policies",
		"Inspect or clear remembered scope-approval policies for a delegate.",
		policiesSchema,
		func(_ context.Context, call ToolCall, ec ExecContext) protocol.ToolResult {
			var args struct {
				DelegateID string `json:"delegateId"`
				Action     string `json:"action"`
			}
			if res, ok := parseArgs(call.Input, &args); !ok {
				return res
			}
			switch args.Action {
			case "list":
				whitelist, blacklist := admin.ListScopePolicies(ec.UserID, args.DelegateID)
				return jsonResult(map[string]any{"whitelist": whitelist, "blacklist": blacklist})
			case "clear":
				if err := admin.ClearScopePolicies(ec.UserID, args.DelegateID); err != nil {
					return errorResult(err.Error())
				}
				return jsonResult(map[string]any{"cleared": true})
			default:
				return errorResult(fmt.Sprintf("Unknown action %q", args.Action))
			}
		})
}

func parseArgs(input json.RawMessage, out any) (protocol.ToolResult, bool) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, out); err != nil {
		return errorResult(fmt.Sprintf("Failed to parse tool arguments: %s", err)), false
	}
	return protocol.ToolResult{}, true
}

func jsonResult(v any) protocol.ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to render result: %s", err))
	}
	return protocol.ToolResult{Content: string(data)}
}

func errorResult(msg string) protocol.ToolResult {
	return protocol.ToolResult{Content: msg, IsError: true}
}
