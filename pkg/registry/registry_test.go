package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

func echoExec(result string) ExecuteFunc {
	return func(_ context.Context, call ToolCall, _ ExecContext) protocol.ToolResult {
		return protocol.ToolResult{Content: result + ":" + call.Name}
	}
}

func installAlpha(t *testing.T, r *Registry) {
	t.Helper()
	specs := []protocol.ToolSpec{
		{Name: "read", Description: "read a file"},
		{Name: "write", Description: "write a file"},
	}
	installed := r.InstallDelegateTools("u1", "Alpha", specs, nil, echoExec("alpha"))
	require.Equal(t, []string{"alpha__read", "alpha__write"}, installed)
}

func TestExactResolution(t *testing.T) {
	r := New(0)
	require.NoError(t, r.RegisterGlobal("search", "", nil, echoExec("global")))
	installAlpha(t, r)

	res := r.ExecuteTool(context.Background(), ToolCall{Name: "search"}, "u1", nil, ExecContext{})
	assert.Equal(t, "global:search", res.Content)

	res = r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", nil, ExecContext{})
	assert.False(t, res.IsError)
	assert.Equal(t, "alpha:read", res.Content, "executor receives the original name")
}

func TestCompatShim(t *testing.T) {
	r := New(0)
	installAlpha(t, r)

	// Single candidate resolves.
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "read"}, "u1", nil, ExecContext{})
	require.False(t, res.IsError)
	assert.Equal(t, "alpha:read", res.Content)

	// A second delegate with its own "read" makes the shim ambiguous.
	r.InstallDelegateTools("u1", "Beta", []protocol.ToolSpec{{Name: "read"}}, nil, echoExec("beta"))
	res = r.ExecuteTool(context.Background(), ToolCall{Name: "read"}, "u1", nil, ExecContext{})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "ambiguous")
	assert.Contains(t, res.Content, "alpha__read")
	assert.Contains(t, res.Content, "beta__read")
}

func TestCompatShimDisabledCandidates(t *testing.T) {
	r := New(0)
	installAlpha(t, r)

	cfg := &ToolConfig{EnabledTools: []string{"alpha__write"}}
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "read"}, "u1", cfg, ExecContext{})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "disabled")
}

func TestPolicy(t *testing.T) {
	r := New(0)
	installAlpha(t, r)

	off := false
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", &ToolConfig{ToolsEnabled: &off}, ExecContext{})
	assert.True(t, res.IsError)

	// Empty whitelist denies everything; nil allows everything.
	res = r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", &ToolConfig{EnabledTools: []string{}}, ExecContext{})
	assert.True(t, res.IsError)
	res = r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", &ToolConfig{}, ExecContext{})
	assert.False(t, res.IsError)
}

func TestUnknownTool(t *testing.T) {
	r := New(0)
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "nope"}, "u1", nil, ExecContext{})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "Unknown tool")
}

func TestUserIsolation(t *testing.T) {
	r := New(0)
	installAlpha(t, r)
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u2", nil, ExecContext{})
	assert.True(t, res.IsError, "another user cannot see u1's delegate tools")
}

func TestInputSchemaValidation(t *testing.T) {
	r := New(0)
	schema := []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	r.InstallDelegateTools("u1", "Alpha", []protocol.ToolSpec{{Name: "read", InputSchema: schema}}, nil, echoExec("alpha"))

	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read", Input: json.RawMessage(`{}`)}, "u1", nil, ExecContext{})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "Invalid input")

	res = r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read", Input: json.RawMessage(`{"path":"/tmp/x"}`)}, "u1", nil, ExecContext{})
	assert.False(t, res.IsError)
}

func TestExecutionTimeout(t *testing.T) {
	r := New(50 * time.Millisecond)
	r.InstallDelegateTools("u1", "Alpha", []protocol.ToolSpec{{Name: "slow"}}, nil,
		func(ctx context.Context, _ ToolCall, _ ExecContext) protocol.ToolResult {
			<-ctx.Done()
			return protocol.ToolResult{Content: "late"}
		})

	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__slow"}, "u1", nil, ExecContext{})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "timed out")
}

func TestRemoveDelegateTools(t *testing.T) {
	r := New(0)
	installAlpha(t, r)
	r.RemoveDelegateTools("u1", "Alpha")
	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", nil, ExecContext{})
	assert.True(t, res.IsError)
}

func TestInstallReplacesPriorSet(t *testing.T) {
	r := New(0)
	installAlpha(t, r)
	r.InstallDelegateTools("u1", "Alpha", []protocol.ToolSpec{{Name: "list"}}, nil, echoExec("alpha"))

	res := r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__read"}, "u1", nil, ExecContext{})
	assert.True(t, res.IsError)
	res = r.ExecuteTool(context.Background(), ToolCall{Name: "alpha__list"}, "u1", nil, ExecContext{})
	assert.False(t, res.IsError)
}
