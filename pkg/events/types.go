// Package events is the UI broadcast fabric: it tracks connected browser
// WebSockets, routes typed event payloads to per-user and per-conversation
// channels, and feeds UI approval decisions back into the scope subsystem.
//
// The fabric is process-local. Components publish through the narrow
// interfaces they declare; the Fabric here is the single implementation
// wired in at startup.
package events

// Event type discriminators published to the UI.
const (
	EventTypeDelegateStatus       = "delegate_status"
	EventTypePushQueueUpdate      = "push_queue_update"
	EventTypeScopeChangeApproval  = "scope_change_approval_needed"
	EventTypeScopeElevateApproval = "scope_elevate_approval_needed"
	EventTypeCheckpointTree       = "checkpoint_tree_updated"
	EventTypeInferenceRateLimited = "inference_rate_limited"
)

// UserChannel returns the channel carrying user-level events (delegate
// status, scope approvals). Every UI connection is auto-subscribed to its
// own user channel.
func UserChannel(userID string) string {
	return "user:" + userID
}

// ConversationChannel returns the channel carrying conversation-level
// events (queue updates, checkpoint tree changes, rate-limit notices).
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// ClientMessage is the JSON structure for UI → host WebSocket messages.
type ClientMessage struct {
	Action   string         `json:"action"` // "subscribe", "unsubscribe", "ping", "scope_decision"
	Channel  string         `json:"channel,omitempty"`
	Decision *ScopeDecision `json:"decision,omitempty"`
}

// ScopeDecision is the UI's answer to a scope approval prompt.
type ScopeDecision struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Remember  bool   `json:"remember,omitempty"`
}
