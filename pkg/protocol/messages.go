package protocol

import "encoding/json"

// Message type discriminators: delegate → host.
const (
	TypeDelegateAuth             = "delegate_auth" // legacy
	TypeToolManifest             = "tool_manifest"
	TypeToolCallResponse         = "tool_call_response"
	TypeTriggerInference         = "trigger_inference"
	TypePing                     = "ping"
	TypeHello                    = "mcpl/hello"
	TypeBeforeInferenceResponse  = "mcpl/beforeInference_response"
	TypeAfterInferenceAck        = "mcpl/afterInference_ack"
	TypePushEvent                = "mcpl/push_event"
	TypeInferenceRequest         = "mcpl/inference_request"
	TypeScopeChangeRequest       = "mcpl/scope_change_request"
	TypeScopeElevateRequest      = "mcpl/scope_elevate_request"
	TypeConnectServerResult      = "mcpl/connect_server_result"
	TypeFeatureSetsChanged       = "mcpl/featureSets_changed"
	TypeStateSet                 = "mcpl/state_set"
	TypeStatePatch               = "mcpl/state_patch"
	TypeStateRollback            = "mcpl/state_rollback"
	TypeStateGet                 = "mcpl/state_get"
	TypeCheckpointList           = "mcpl/checkpoint_list"
	TypeModelInfoRequest         = "mcpl/model_info_request"
)

// Message type discriminators: host → delegate.
const (
	TypeDelegateAuthResult     = "delegate_auth_result"
	TypeToolCallRequest        = "tool_call_request"
	TypeTriggerInferenceResult = "trigger_inference_result"
	TypePong                   = "pong"
	TypeToolManifestAck        = "tool_manifest_ack"
	TypeAck                    = "mcpl/ack"
	TypeBeforeInference        = "mcpl/beforeInference"
	TypeAfterInference         = "mcpl/afterInference"
	TypeInferenceChunk         = "mcpl/inference_chunk"
	TypeInferenceResponse      = "mcpl/inference_response"
	TypeScopeChangeResult      = "mcpl/scope_change_result"
	TypeScopeElevateResult     = "mcpl/scope_elevate_result"
	TypeStatePatchResult       = "mcpl/state_patch_result"
	TypeStateResponse          = "mcpl/state_response"
	TypeCheckpointListResponse = "mcpl/checkpoint_list_response"
	TypeModelInfoResponse      = "mcpl/model_info_response"
)

// --- Delegate → host payloads ---

// DelegateAuth is the legacy pre-MCPL authentication message. Modern
// delegates authenticate via the connection URL; this is accepted and
// answered for backward compatibility.
type DelegateAuth struct {
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	Token        string   `json:"token"`
	DelegateID   string   `json:"delegateId"`
	Capabilities []string `json:"capabilities"`
}

// ToolManifest publishes the delegate's tool set. DelegateID is ignored;
// the handshake value is canonical.
type ToolManifest struct {
	Type       string     `json:"type"`
	DelegateID string     `json:"delegateId,omitempty"`
	Tools      []ToolSpec `json:"tools"`
}

// ToolCallResponse completes a pending tool_call_request.
type ToolCallResponse struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	ToolUseID string     `json:"toolUseId,omitempty"`
	Result    ToolResult `json:"result"`
}

// TriggerInference asks the host to run an inference in a conversation on
// behalf of the delegate (legacy push path).
type TriggerInference struct {
	Type           string `json:"type"`
	TriggerID      string `json:"triggerId"`
	Source         string `json:"source"`
	ConversationID string `json:"conversationId,omitempty"`
	ParticipantID  string `json:"participantId,omitempty"`
	Context        string `json:"context"`
	SystemMessage  string `json:"systemMessage,omitempty"`
}

// Ping is answered with Pong carrying the same timestamp.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Hello opens or resumes an MCPL session.
type Hello struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities"`
	DelegateID      string   `json:"delegateId"`
	DelegateName    string   `json:"delegateName,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	LastReceivedSeq uint64   `json:"lastReceivedSeq,omitempty"`
}

// BeforeInferenceResponse carries a hook server's context injections.
type BeforeInferenceResponse struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"requestId"`
	Injections []Injection `json:"injections"`
}

// AfterInferenceAck acknowledges an afterInference notification.
type AfterInferenceAck struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// PushEvent is an externally-originated event routed into a conversation.
type PushEvent struct {
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	ConversationID string          `json:"conversationId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SystemMessage  string          `json:"systemMessage,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
}

// InferenceRequest asks the host to run an inference on behalf of an MCP
// server embedded in the delegate.
type InferenceRequest struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	ServerID       string `json:"serverId"`
	ConversationID string `json:"conversationId"`
	SystemMessage  string `json:"systemMessage,omitempty"`
	UserMessage    string `json:"userMessage"`
	MaxTokens      int    `json:"maxTokens,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// ScopeChangeRequest asks to connect a new MCP server.
type ScopeChangeRequest struct {
	Type                  string   `json:"type"`
	RequestID             string   `json:"requestId"`
	ServerID              string   `json:"serverId"`
	URL                   string   `json:"url,omitempty"`
	ServerName            string   `json:"serverName,omitempty"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	Reason                string   `json:"reason"`
	ConversationID        string   `json:"conversationId,omitempty"`
}

// ScopeElevateRequest asks to raise the capabilities of a connected server.
type ScopeElevateRequest struct {
	Type                  string   `json:"type"`
	RequestID             string   `json:"requestId"`
	DelegateID            string   `json:"delegateId"`
	ServerID              string   `json:"serverId"`
	ConversationID        string   `json:"conversationId"`
	FeatureSet            string   `json:"featureSet"`
	Label                 string   `json:"label"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	Reason                string   `json:"reason"`
	TimeoutMs             int      `json:"timeoutMs,omitempty"`
}

// ConnectServerResult reports the outcome of connecting an approved server.
type ConnectServerResult struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	URL       string     `json:"url"`
	Success   bool       `json:"success"`
	ServerID  string     `json:"serverId,omitempty"`
	Tools     []ToolSpec `json:"tools,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// FeatureSetsChanged replaces the session's feature-set map. Keys may be
// concrete server ids or "prefix.*" wildcards.
type FeatureSetsChanged struct {
	Type        string                `json:"type"`
	FeatureSets map[string]FeatureSet `json:"featureSets"`
}

// StateSet replaces a conversation's state wholesale.
type StateSet struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId"`
	ConversationID string          `json:"conversationId"`
	State          json.RawMessage `json:"state"`
}

// StatePatch applies an RFC 6902 patch to a conversation's state.
type StatePatch struct {
	Type           string        `json:"type"`
	RequestID      string        `json:"requestId"`
	ConversationID string        `json:"conversationId"`
	Patch          []JSONPatchOp `json:"patch"`
}

// StateRollback requests a two-phase rollback; without a CheckpointID the
// target is the parent of the current checkpoint.
type StateRollback struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	CheckpointID   string `json:"checkpointId,omitempty"`
}

// StateGet reads a conversation's current state.
type StateGet struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
}

// CheckpointList requests the checkpoint tree for a conversation.
type CheckpointList struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
}

// ModelInfoRequest asks for the model descriptor the host would route to.
type ModelInfoRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// --- Host → delegate payloads ---

// DelegateAuthResult reports connection authentication.
type DelegateAuthResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ToolCallRequest asks the delegate to execute one of its tools. Tool.Name
// is the original (unprefixed) name.
type ToolCallRequest struct {
	Type           string        `json:"type"`
	RequestID      string        `json:"requestId"`
	ConversationID string        `json:"conversationId,omitempty"`
	MessageID      string        `json:"messageId,omitempty"`
	Tool           ToolCallSpec  `json:"tool"`
	TimeoutMs      int           `json:"timeout"`
	ScopeContext   *ScopeContext `json:"scopeContext,omitempty"`
}

// ToolCallSpec identifies the tool and its input for a ToolCallRequest.
type ToolCallSpec struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// TriggerInferenceResult answers a trigger_inference.
type TriggerInferenceResult struct {
	Type           string `json:"type"`
	TriggerID      string `json:"triggerId"`
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ToolManifestAck confirms a manifest install and echoes the prefixed names.
type ToolManifestAck struct {
	Type      string   `json:"type"`
	ToolCount int      `json:"toolCount"`
	Tools     []string `json:"tools"`
}

// Ack completes the MCPL handshake. It is always the first framed message.
type Ack struct {
	Type                   string                `json:"type"`
	SessionID              string                `json:"sessionId"`
	NegotiatedCapabilities []string              `json:"negotiatedCapabilities"`
	FeatureSets            map[string]FeatureSet `json:"featureSets"`
	ResumedFromSeq         uint64                `json:"resumedFromSeq,omitempty"`
}

// BeforeInference solicits context injections from a hook server.
type BeforeInference struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	ConversationID  string `json:"conversationId"`
	MessagesSummary string `json:"messagesSummary,omitempty"`
}

// AfterInference notifies hook servers that an inference completed.
type AfterInference struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	ConversationID  string `json:"conversationId"`
	MessagesSummary string `json:"messagesSummary,omitempty"`
}

// InferenceChunk streams one delta of a brokered inference. ChunkIndex
// starts at 0 and increases strictly; InferenceResponse terminates the
// stream — there is no separate done chunk.
type InferenceChunk struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex"`
	Delta      string `json:"delta"`
}

// InferenceResponse completes a brokered inference, success or not.
type InferenceResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ScopeChangeResult answers a ScopeChangeRequest.
type ScopeChangeResult struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"requestId"`
	Approved        bool     `json:"approved"`
	NewCapabilities []string `json:"newCapabilities,omitempty"`
}

// ScopeElevateResult answers a ScopeElevateRequest. RequestID is the
// latest id seen for the dedup key, which may differ from the first.
type ScopeElevateResult struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"requestId"`
	Approved        bool     `json:"approved"`
	NewCapabilities []string `json:"newCapabilities,omitempty"`
}

// StatePatchResult answers StatePatch (and, symmetrically, StateSet).
type StatePatchResult struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StateResponse answers StateGet and StateRollback.
type StateResponse struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"requestId"`
	State        json.RawMessage `json:"state"`
	RolledBack   bool            `json:"rolledBack,omitempty"`
	CheckpointID string          `json:"checkpointId,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// CheckpointInfo is one node in a CheckpointListResponse.
type CheckpointInfo struct {
	ID            string   `json:"id"`
	Parent        string   `json:"parent,omitempty"`
	Children      []string `json:"children"`
	CreatedAt     int64    `json:"createdAt"`
	IsCurrent     bool     `json:"isCurrent"`
	Label         string   `json:"label,omitempty"`
	MutationCount int      `json:"mutationCount"`
}

// CheckpointListResponse answers CheckpointList.
type CheckpointListResponse struct {
	Type        string           `json:"type"`
	RequestID   string           `json:"requestId"`
	Current     string           `json:"current,omitempty"`
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

// ModelInfoResponse answers ModelInfoRequest.
type ModelInfoResponse struct {
	Type             string   `json:"type"`
	RequestID        string   `json:"requestId"`
	ModelID          string   `json:"modelId"`
	Provider         string   `json:"provider"`
	ContextWindow    int      `json:"contextWindow"`
	OutputTokenLimit int      `json:"outputTokenLimit"`
	SupportsThinking bool     `json:"supportsThinking"`
	SupportsPrefill  bool     `json:"supportsPrefill"`
	Capabilities     []string `json:"capabilities"`
}
