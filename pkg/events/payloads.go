package events

// DelegateSummary is one delegate in a DelegateStatusPayload.
type DelegateSummary struct {
	DelegateID   string `json:"delegateId"`
	DelegateName string `json:"delegateName,omitempty"`
	ToolCount    int    `json:"toolCount"`
	ConnectedAt  string `json:"connectedAt"` // RFC3339Nano
}

// DelegateStatusPayload is published on connect, disconnect and tool
// updates, carrying the user's full current delegate list.
type DelegateStatusPayload struct {
	Type      string            `json:"type"` // always EventTypeDelegateStatus
	Status    string            `json:"status"` // "connected", "disconnected", "tools_updated"
	Delegates []DelegateSummary `json:"delegates"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano
}

// PushQueueUpdatePayload is published on every push-event status
// transition.
type PushQueueUpdatePayload struct {
	Type           string `json:"type"` // always EventTypePushQueueUpdate
	ConversationID string `json:"conversationId"`
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	Source         string `json:"source"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	QueueDepth     int    `json:"queueDepth"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// ScopeChangeApprovalPayload prompts the user to approve connecting a new
// MCP server.
type ScopeChangeApprovalPayload struct {
	Type                  string   `json:"type"` // always EventTypeScopeChangeApproval
	RequestID             string   `json:"requestId"`
	DelegateID            string   `json:"delegateId"`
	ServerID              string   `json:"serverId"`
	ServerName            string   `json:"serverName,omitempty"`
	URL                   string   `json:"url,omitempty"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	Reason                string   `json:"reason"`
	ConversationID        string   `json:"conversationId,omitempty"`
	ExpiresAt             string   `json:"expiresAt"` // RFC3339Nano
}

// ScopeElevateApprovalPayload prompts the user to approve raising an
// existing server's capabilities.
type ScopeElevateApprovalPayload struct {
	Type                  string   `json:"type"` // always EventTypeScopeElevateApproval
	RequestID             string   `json:"requestId"`
	DelegateID            string   `json:"delegateId"`
	ServerID              string   `json:"serverId"`
	FeatureSet            string   `json:"featureSet"`
	Label                 string   `json:"label,omitempty"`
	RequestedCapabilities []string `json:"requestedCapabilities"`
	Reason                string   `json:"reason"`
	ExpiresAt             string   `json:"expiresAt"` // RFC3339Nano
}

// CheckpointTreePayload is published whenever the checkpoint tree of a
// conversation changes.
type CheckpointTreePayload struct {
	Type           string `json:"type"` // always EventTypeCheckpointTree
	ConversationID string `json:"conversationId"`
	Action         string `json:"action"` // "checkpoint", "rollback", "mode_upgrade", "evict"
	CheckpointID   string `json:"checkpointId,omitempty"`
	Mode           string `json:"mode,omitempty"` // "linear" or "tree"
	Timestamp      string `json:"timestamp"`      // RFC3339Nano
}

// InferenceRateLimitedPayload tells the conversation room that a brokered
// inference was refused by the hourly quota.
type InferenceRateLimitedPayload struct {
	Type           string `json:"type"` // always EventTypeInferenceRateLimited
	ConversationID string `json:"conversationId"`
	ServerID       string `json:"serverId"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}
