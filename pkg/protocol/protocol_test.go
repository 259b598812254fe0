package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "hello",
			raw:  `{"type":"mcpl/hello","protocolVersion":"1.0","capabilities":["push_events"],"delegateId":"alpha","sessionId":"s1","lastReceivedSeq":7}`,
			want: &Hello{Type: TypeHello, ProtocolVersion: "1.0", Capabilities: []string{"push_events"}, DelegateID: "alpha", SessionID: "s1", LastReceivedSeq: 7},
		},
		{
			name: "ping",
			raw:  `{"type":"ping","timestamp":123}`,
			want: &Ping{Type: TypePing, Timestamp: 123},
		},
		{
			name: "tool_call_response",
			raw:  `{"type":"tool_call_response","requestId":"r1","result":{"content":"ok","isError":false}}`,
			want: &ToolCallResponse{Type: TypeToolCallResponse, RequestID: "r1", Result: ToolResult{Content: "ok"}},
		},
		{
			name: "scope_elevate_request",
			raw:  `{"type":"mcpl/scope_elevate_request","requestId":"r2","delegateId":"alpha","serverId":"srv_1","conversationId":"c1","featureSet":"gitlab.*","label":"merge","requestedCapabilities":["push_events"],"reason":"need it"}`,
			want: &ScopeElevateRequest{Type: TypeScopeElevateRequest, RequestID: "r2", DelegateID: "alpha", ServerID: "srv_1", ConversationID: "c1", FeatureSet: "gitlab.*", Label: "merge", RequestedCapabilities: []string{"push_events"}, Reason: "need it"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"mcpl/not_a_thing"}`))
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "mcpl/not_a_thing", unknown.TypeName)
}

func TestDecodeMessageMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{not json`))
	require.Error(t, err)
}

func TestIsFrame(t *testing.T) {
	assert.True(t, IsFrame([]byte(`{"seq":1,"ack":0,"payload":{"type":"ping"}}`)))
	assert.True(t, IsFrame([]byte(`{"seq":0,"ack":3}`)))
	assert.False(t, IsFrame([]byte(`{"type":"ping","timestamp":1}`)))
	assert.False(t, IsFrame([]byte(`not json`)))
}

func TestBareAck(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"seq":0,"ack":5}`), &f))
	assert.True(t, f.IsBareAck())
	assert.Equal(t, uint64(5), f.Ack)

	require.NoError(t, json.Unmarshal([]byte(`{"seq":1,"ack":0,"payload":{"type":"ping"}}`), &f))
	assert.False(t, f.IsBareAck())
}

func TestValidateDelegateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"alpha", false},
		{"Alpha-2_x", false},
		{"", true},
		{"this-delegate-id-is-way-too-long-to-be-valid", true},
		{"has space", true},
		{"bad__name", true},
		{"admin", true},
		{"Server", true},
	}
	for _, tt := range tests {
		err := ValidateDelegateID(tt.id)
		if tt.wantErr {
			assert.Error(t, err, "id=%q", tt.id)
		} else {
			assert.NoError(t, err, "id=%q", tt.id)
		}
	}
}

func TestPrefixedToolName(t *testing.T) {
	assert.Equal(t, "alpha__read", PrefixedToolName("Alpha", "read"))
	assert.Error(t, ValidateToolName("bad__tool"))
	assert.NoError(t, ValidateToolName("read_file"))
}
