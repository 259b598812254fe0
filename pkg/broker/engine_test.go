package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/router"
)

func TestHTTPEngineAccumulatesStream(t *testing.T) {
	var got engineWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"delta":"hello "}` + "\n"))
		w.Write([]byte(`{"delta":"world"}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer srv.Close()

	var chunks []string
	text, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{
		ConversationID: "c1",
		UserMessage:    "hi",
		Target:         router.Target{Provider: "anthropic", Model: "claude-sonnet-4-5"},
	}, func(delta string) { chunks = append(chunks, delta) })

	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, []string{"hello ", "world"}, chunks)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
}

func TestHTTPEngineSendsToolManifest(t *testing.T) {
	var got engineWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"delta":"ok","done":true}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{
		UserMessage: "hi",
		Injections: []protocol.Injection{
			{ServerID: "srv_1", Position: "system", Content: "context"},
		},
		Tools:       []registry.Descriptor{{Name: "worker__read"}},
		ToolsetHash: "hash123",
	}, nil)

	require.NoError(t, err)
	require.Len(t, got.Injections, 1)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "worker__read", got.Tools[0].Name)
	assert.Equal(t, "hash123", got.ToolsetHash)
}

func TestHTTPEngineDispatchesToolCalls(t *testing.T) {
	var second engineWireRequest
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		switch call {
		case 1:
			w.Write([]byte(`{"toolCall":{"id":"t1","name":"worker__read","input":{"path":"a.txt"}},"continuationId":"cont-1"}` + "\n"))
			w.Write([]byte(`{"done":true}` + "\n"))
		default:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&second))
			w.Write([]byte(`{"delta":"file says hi","done":true}` + "\n"))
		}
	}))
	defer srv.Close()

	var executed []registry.ToolCall
	text, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{
		ConversationID: "c1",
		UserMessage:    "read a.txt",
		Exec: func(_ context.Context, tc registry.ToolCall) protocol.ToolResult {
			executed = append(executed, tc)
			return protocol.ToolResult{Content: "hi"}
		},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "file says hi", text)
	require.Len(t, executed, 1)
	assert.Equal(t, "worker__read", executed[0].Name)
	assert.Equal(t, "cont-1", second.ContinuationID)
	require.Len(t, second.ToolResults, 1)
	assert.Equal(t, "t1", second.ToolResults[0].ID)
}

func TestHTTPEngineRefusesToolCallsWithoutDispatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"toolCall":{"id":"t1","name":"worker__read"},"continuationId":"cont-1"}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{UserMessage: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dispatcher")
}

func TestHTTPEngineSurfacesStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"delta":"partial"}` + "\n"))
		w.Write([]byte(`{"error":"model overloaded"}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{UserMessage: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPEngineRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL).Run(context.Background(), EngineRequest{UserMessage: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
