package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// DefaultToolTimeout bounds a tool execution when the caller supplies none.
const DefaultToolTimeout = 30 * time.Second

// Registry stores global tools (bare names) and delegate tools (keyed
// "{userId}:{prefixedName}"). All access is mutex-guarded; the registry is
// process-wide.
type Registry struct {
	mu            sync.RWMutex
	globalTools   map[string]*Tool
	delegateTools map[string]*Tool

	toolTimeout time.Duration
}

// New creates an empty registry. toolTimeout <= 0 selects the default.
func New(toolTimeout time.Duration) *Registry {
	if toolTimeout <= 0 {
		toolTimeout = DefaultToolTimeout
	}
	return &Registry{
		globalTools:   make(map[string]*Tool),
		delegateTools: make(map[string]*Tool),
		toolTimeout:   toolTimeout,
	}
}

func delegateKey(userID, prefixedName string) string {
	return userID + ":" + prefixedName
}

// RegisterGlobal installs a server-hosted tool under its bare name.
func (r *Registry) RegisterGlobal(name, description string, inputSchema []byte, exec ExecuteFunc) error {
	if err := protocol.ValidateToolName(name); err != nil {
		return err
	}
	schema, err := compileSchema(inputSchema)
	if err != nil {
		slog.Warn("Tool schema failed to compile, validation disabled", "tool", name, "error", err)
		schema = nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalTools[name] = &Tool{
		Name:         name,
		Description:  description,
		InputSchema:  inputSchema,
		OriginalName: name,
		execute:      exec,
		schema:       schema,
	}
	return nil
}

// InstallDelegateTools replaces the tool set of one (user, delegate) pair
// with the manifested specs. Tools with invalid names are skipped with a
// warning. Returns the installed prefixed names in manifest order.
func (r *Registry) InstallDelegateTools(userID, delegateID string, specs []protocol.ToolSpec, serverIDs map[string]string, exec ExecuteFunc) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeDelegateToolsLocked(userID, delegateID)

	installed := make([]string, 0, len(specs))
	for _, spec := range specs {
		if err := protocol.ValidateToolName(spec.Name); err != nil {
			slog.Warn("Skipping tool with invalid name",
				"delegate_id", delegateID, "tool", spec.Name, "error", err)
			continue
		}
		prefixed := protocol.PrefixedToolName(delegateID, spec.Name)
		schema, err := compileSchema(spec.InputSchema)
		if err != nil {
			slog.Warn("Tool schema failed to compile, validation disabled",
				"tool", prefixed, "error", err)
			schema = nil
		}
		r.delegateTools[delegateKey(userID, prefixed)] = &Tool{
			Name:         prefixed,
			Description:  spec.Description,
			InputSchema:  spec.InputSchema,
			OriginalName: spec.Name,
			ServerID:     serverIDs[spec.ServerName],
			DelegateID:   delegateID,
			execute:      exec,
			schema:       schema,
		}
		installed = append(installed, prefixed)
	}
	return installed
}

// RemoveDelegateTools drops every tool owned by one (user, delegate) pair.
func (r *Registry) RemoveDelegateTools(userID, delegateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeDelegateToolsLocked(userID, delegateID)
}

func (r *Registry) removeDelegateToolsLocked(userID, delegateID string) {
	prefix := userID + ":" + strings.ToLower(delegateID) + protocol.NamespaceSeparator
	for key := range r.delegateTools {
		if strings.HasPrefix(key, prefix) {
			delete(r.delegateTools, key)
		}
	}
}

// ToolCountForServer counts a user's delegate tools belonging to one
// server.
func (r *Registry) ToolCountForServer(userID, serverID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userPrefix := userID + ":"
	n := 0
	for key, t := range r.delegateTools {
		if strings.HasPrefix(key, userPrefix) && t.ServerID == serverID {
			n++
		}
	}
	return n
}

// ListTools returns the engine-visible tool surface for a user under a
// policy, sorted by name for stable output.
func (r *Registry) ListTools(userID string, cfg *ToolConfig) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for name, tool := range r.globalTools {
		if cfg.allows(name) {
			out = append(out, Descriptor{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
		}
	}
	userPrefix := userID + ":"
	for key, tool := range r.delegateTools {
		if strings.HasPrefix(key, userPrefix) && cfg.allows(tool.Name) {
			out = append(out, Descriptor{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsetHash fingerprints the visible surface for a user under a policy.
func (r *Registry) ToolsetHash(userID string, cfg *ToolConfig) string {
	return ComputeToolsetHash(r.ListTools(userID, cfg))
}

// ExecuteTool resolves and runs a tool call. Exactly one ToolResult comes
// back for every call — real, synthesized error, or timeout.
//
// Resolution order: global tool with the exact name; delegate tool with
// the exact prefixed name; unprefixed compatibility shim, which resolves
// only when exactly one allowed candidate exists. The policy check runs
// after the match so denial errors can name the tool they denied.
func (r *Registry) ExecuteTool(ctx context.Context, call ToolCall, userID string, cfg *ToolConfig, ec ExecContext) protocol.ToolResult {
	ec.UserID = userID
	tool, errResult := r.resolve(call.Name, userID, cfg)
	if errResult != nil {
		return *errResult
	}

	if err := tool.schema.validate(call.Input); err != nil {
		return protocol.ToolResult{
			Content: fmt.Sprintf("Invalid input for tool %q: %s", call.Name, err),
			IsError: true,
		}
	}

	// Timeout race: the executor either finishes or the timer fires and a
	// late result is ignored.
	execCtx, cancel := context.WithTimeout(ctx, r.toolTimeout)
	defer cancel()

	resultCh := make(chan protocol.ToolResult, 1)
	execCall := ToolCall{ID: call.ID, Name: tool.OriginalName, Input: call.Input}
	go func() {
		resultCh <- tool.execute(execCtx, execCall, ec)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-execCtx.Done():
		return protocol.ToolResult{
			Content: fmt.Sprintf("Tool %q timed out after %s", call.Name, r.toolTimeout),
			IsError: true,
		}
	}
}

// resolve finds the tool for a call name, or a synthesized error result.
func (r *Registry) resolve(name, userID string, cfg *ToolConfig) (*Tool, *protocol.ToolResult) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tool *Tool
	if t, ok := r.globalTools[name]; ok {
		tool = t
	} else if t, ok := r.delegateTools[delegateKey(userID, name)]; ok {
		tool = t
	} else if !strings.Contains(name, protocol.NamespaceSeparator) {
		// Compatibility shim: an unprefixed name resolves iff exactly one
		// allowed delegate tool matches the suffix.
		t, errResult := r.resolveCompatLocked(name, userID, cfg)
		if errResult != nil {
			return nil, errResult
		}
		tool = t
	}

	if tool == nil {
		return nil, &protocol.ToolResult{
			Content: fmt.Sprintf("Unknown tool %q", name),
			IsError: true,
		}
	}
	if !cfg.allows(tool.Name) {
		return nil, &protocol.ToolResult{
			Content: fmt.Sprintf("Tool %q is not allowed by the current tool policy", tool.Name),
			IsError: true,
		}
	}
	return tool, nil
}

func (r *Registry) resolveCompatLocked(name, userID string, cfg *ToolConfig) (*Tool, *protocol.ToolResult) {
	suffix := protocol.NamespaceSeparator + name
	userPrefix := userID + ":"

	var allowed []*Tool
	var denied []string
	for key, t := range r.delegateTools {
		if !strings.HasPrefix(key, userPrefix) || !strings.HasSuffix(t.Name, suffix) {
			continue
		}
		if cfg.allows(t.Name) {
			allowed = append(allowed, t)
		} else {
			denied = append(denied, t.Name)
		}
	}

	switch len(allowed) {
	case 1:
		return allowed[0], nil
	case 0:
		if len(denied) > 0 {
			return nil, &protocol.ToolResult{
				Content: fmt.Sprintf("Tool %q matches only disabled tools: %s", name, strings.Join(denied, ", ")),
				IsError: true,
			}
		}
		return nil, nil // fall through to unknown-tool error
	default:
		names := make([]string, 0, len(allowed))
		for _, t := range allowed {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		return nil, &protocol.ToolResult{
			Content: fmt.Sprintf("Tool name %q is ambiguous; use one of: %s", name, strings.Join(names, ", ")),
			IsError: true,
		}
	}
}
