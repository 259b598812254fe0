// Package protocol defines the MCPL wire types: the reliable frame
// envelope, the tagged-union message set exchanged between host and
// delegates, and the validation rules for delegate identifiers.
//
// Every message carries a "type" discriminator. DecodeMessage performs a
// two-phase decode (envelope, then the concrete payload struct) so that
// the dispatch seam works with typed values instead of ad-hoc maps.
// Unknown discriminators decode to ErrUnknownType; callers log and drop
// them for forward compatibility.
package protocol

import "encoding/json"

// Protocol version spoken by this host.
const Version = "1.0"

// MCPL capability names negotiated at hello time.
const (
	CapContextHooks      = "context_hooks"
	CapPushEvents        = "push_events"
	CapInferenceRequests = "inference_requests"
	CapToolManagement    = "tool_management"
)

// SupportedCapabilities is the fixed server-supported capability set.
// Negotiation returns the intersection of the delegate's request with this.
var SupportedCapabilities = []string{
	CapContextHooks,
	CapPushEvents,
	CapInferenceRequests,
	CapToolManagement,
}

// WebSocket close codes used by the delegate endpoint.
const (
	// ClosePolicyViolation covers auth and validation failures.
	ClosePolicyViolation = 1008
	// CloseNameCollision refuses a duplicate (userId, delegateId) connection.
	CloseNameCollision = 4001
	// CloseBackpressure terminates a channel whose peer stopped acking.
	CloseBackpressure = 1008
)

// NamespaceSeparator joins a lowercased delegate id and a raw tool name
// into the prefixed name the inference engine sees.
const NamespaceSeparator = "__"

// Frame is the reliable-channel envelope. All MCPL messages after
// mcpl/hello travel inside one. A frame with Seq == 0 and no payload is a
// bare ack.
type Frame struct {
	Seq     uint64          `json:"seq"`
	Ack     uint64          `json:"ack"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsBareAck reports whether the frame carries no payload and exists only
// to advance the peer's lastAckedSeq.
func (f *Frame) IsBareAck() bool {
	return f.Seq == 0 && len(f.Payload) == 0
}

// FeatureSet is the per-server record of MCPL feature flags. Keys in a
// delegate's featureSets map may be concrete server ids or "prefix.*"
// wildcards; concrete keys override wildcards for the same serverId.
type FeatureSet struct {
	ContextHooks      bool `json:"contextHooks"`
	PushEvents        bool `json:"pushEvents"`
	InferenceRequests bool `json:"inferenceRequests"`
	ToolManagement    bool `json:"toolManagement"`
}

// ToolSpec describes one tool advertised in a manifest.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ServerName  string          `json:"serverName,omitempty"`
}

// ToolResult is the outcome of a tool execution. Errors travel as content
// with IsError set, never as Go errors — the inference engine renders them
// to the model either way.
type ToolResult struct {
	Content any  `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// Injection is one context contribution returned by a beforeInference hook.
type Injection struct {
	ServerID string `json:"serverId"`
	Position string `json:"position"` // "system", "beforeUser" or "afterUser"
	Content  string `json:"content"`
}

// JSONPatchOp is a single RFC 6902 operation. The op set and semantics,
// including "test" failing the whole patch, are the state contract.
type JSONPatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ScopeContext rides along a tool_call_request so the delegate can enforce
// the capabilities active for the originating server.
type ScopeContext struct {
	FeatureSet         string   `json:"featureSet"`
	ActiveCapabilities []string `json:"activeCapabilities"`
}
