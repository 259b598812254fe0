package delegate

import (
	"fmt"
	"sort"

	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/scope"
)

// Admin backs the built-in management tools with live delegate and scope
// state. Implements registry.ServerAdmin.
type Admin struct {
	delegates *Manager
	scopes    *scope.Manager
	registry  *registry.Registry
}

// NewAdmin wires the management-tool backend.
func NewAdmin(delegates *Manager, scopes *scope.Manager, reg *registry.Registry) *Admin {
	return &Admin{delegates: delegates, scopes: scopes, registry: reg}
}

// ListServers reports every MCP server of the user's connected delegates,
// sorted by server id for stable tool output.
func (a *Admin) ListServers(userID string) []registry.ServerInfo {
	var out []registry.ServerInfo
	for _, c := range a.delegates.ConnectionsForUser(userID) {
		for name, id := range c.Servers() {
			out = append(out, registry.ServerInfo{
				ServerID:   id,
				ServerName: name,
				DelegateID: c.DelegateID,
				Enabled:    a.delegates.ServerEnabled(id),
				ToolCount:  a.registry.ToolCountForServer(userID, id),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// ServerStatus reports one server, scoped to the user's own delegates.
func (a *Admin) ServerStatus(userID, serverID string) (registry.ServerInfo, bool) {
	for _, info := range a.ListServers(userID) {
		if info.ServerID == serverID {
			return info, true
		}
	}
	return registry.ServerInfo{}, false
}

// SetServerEnabled flips a server's availability. Servers not belonging to
// the user's delegates are refused.
func (a *Admin) SetServerEnabled(userID, serverID string, enabled bool) error {
	if _, ok := a.ServerStatus(userID, serverID); !ok {
		return fmt.Errorf("unknown server %q", serverID)
	}
	a.delegates.SetServerEnabled(serverID, enabled)
	return nil
}

// ListScopePolicies reports the remembered scope rules for a delegate.
func (a *Admin) ListScopePolicies(userID, delegateID string) (whitelist, blacklist []registry.PolicyRuleInfo) {
	wl, bl := a.scopes.Policies(userID, delegateID)
	return toPolicyInfos(wl), toPolicyInfos(bl)
}

// ClearScopePolicies forgets every remembered rule for a delegate.
func (a *Admin) ClearScopePolicies(userID, delegateID string) error {
	a.scopes.ClearPolicies(userID, delegateID)
	return nil
}

func toPolicyInfos(rules []scope.Rule) []registry.PolicyRuleInfo {
	out := make([]registry.PolicyRuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, registry.PolicyRuleInfo{
			FeatureSet:   r.FeatureSet,
			Capabilities: append([]string(nil), r.Capabilities...),
			Label:        r.Label,
		})
	}
	return out
}
