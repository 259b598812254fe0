// Package delegate tracks connected delegates and routes traffic between
// them and the rest of the host: tool-call round-trips with correlated
// futures, hook invocations, scope replies, and delegate-status broadcasts
// to the UI.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpl-dev/mcpld/pkg/channel"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/metrics"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
)

// Publisher pushes delegate-status events to the owning user's UI rooms.
type Publisher interface {
	BroadcastToUser(userID string, payload any)
}

// Connected is one live delegate connection after a successful hello.
type Connected struct {
	SessionID    string
	UserID       string
	DelegateID   string
	DelegateName string
	ConnectedAt  time.Time
	Channel      *channel.Channel

	mu        sync.Mutex
	toolCount int
	servers   map[string]string // serverName → serverId, from the manifest
}

// Servers returns a copy of the manifest's serverName → serverId map.
func (c *Connected) Servers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.servers))
	for k, v := range c.servers {
		out[k] = v
	}
	return out
}

func (c *Connected) setTools(servers map[string]string, toolCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = servers
	c.toolCount = toolCount
}

type pendingCall struct {
	delegateKey string
	result      chan protocol.ToolResult
}

type hookWait struct {
	sessionID string
	result    chan *protocol.BeforeInferenceResponse
}

// Manager is the process-wide delegate registry.
type Manager struct {
	mu        sync.Mutex
	bySession map[string]*Connected
	byUserKey map[string]*Connected // "{userId}/{delegateId}"

	serverIDs map[string]string // "{delegateId}/{serverName}", process-lifetime
	serverSeq int
	serverOff map[string]bool // disabled servers, by serverId

	pending   map[string]*pendingCall // tool calls by requestId
	hookWaits map[string]*hookWait    // beforeInference by requestId

	registry  *registry.Registry
	publisher Publisher
	log       *slog.Logger
}

// NewManager wires the delegate manager. publisher may be nil in tests.
func NewManager(reg *registry.Registry, publisher Publisher) *Manager {
	return &Manager{
		bySession: make(map[string]*Connected),
		byUserKey: make(map[string]*Connected),
		serverIDs: make(map[string]string),
		serverOff: make(map[string]bool),
		pending:   make(map[string]*pendingCall),
		hookWaits: make(map[string]*hookWait),
		registry:  reg,
		publisher: publisher,
		log:       slog.With("component", "delegate_manager"),
	}
}

func userKey(userID, delegateID string) string {
	return userID + "/" + delegateID
}

// GetOrCreateServerID returns the stable per-process server id for a
// (delegateId, serverName) pair. The id survives reconnects and is the
// identity feature-sets, scope policies and tools key on.
func (m *Manager) GetOrCreateServerID(delegateID, serverName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := delegateID + "/" + serverName
	if id, ok := m.serverIDs[key]; ok {
		return id
	}
	m.serverSeq++
	id := fmt.Sprintf("srv_%d", m.serverSeq)
	m.serverIDs[key] = id
	return id
}

// ServerIDsFor lists the known server ids of one delegate.
func (m *Manager) ServerIDsFor(delegateID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := delegateID + "/"
	var out []string
	for key, id := range m.serverIDs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, id)
		}
	}
	return out
}

// Register adds a connected delegate. A live connection for the same
// (userId, delegateId) refuses the newcomer; the handler closes it with
// the name-collision code.
func (m *Manager) Register(c *Connected) error {
	m.mu.Lock()
	key := userKey(c.UserID, c.DelegateID)
	if _, exists := m.byUserKey[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("delegate %q already connected for this user", c.DelegateID)
	}
	m.bySession[c.SessionID] = c
	m.byUserKey[key] = c
	m.mu.Unlock()

	metrics.ConnectedDelegates.Inc()
	m.broadcastStatus(c.UserID, "connected")
	return nil
}

// Unregister removes a connection and fails its pending calls with a
// disconnect error. It is a no-op if a different connection instance has
// taken over the (userId, delegateId) slot.
func (m *Manager) Unregister(c *Connected) {
	m.mu.Lock()
	if m.bySession[c.SessionID] != c {
		m.mu.Unlock()
		return
	}
	delete(m.bySession, c.SessionID)
	key := userKey(c.UserID, c.DelegateID)
	if m.byUserKey[key] == c {
		delete(m.byUserKey, key)
	}

	var failed []*pendingCall
	for requestID, p := range m.pending {
		if p.delegateKey == key {
			delete(m.pending, requestID)
			failed = append(failed, p)
		}
	}
	var abandoned []*hookWait
	for requestID, w := range m.hookWaits {
		if w.sessionID == c.SessionID {
			delete(m.hookWaits, requestID)
			abandoned = append(abandoned, w)
		}
	}
	m.mu.Unlock()

	for _, p := range failed {
		metrics.PendingToolCalls.Dec()
		p.result <- protocol.ToolResult{
			Content: fmt.Sprintf("Delegate %q disconnected before responding", c.DelegateID),
			IsError: true,
		}
	}
	for _, w := range abandoned {
		close(w.result)
	}

	metrics.ConnectedDelegates.Dec()
	m.broadcastStatus(c.UserID, "disconnected")
}

// AdoptSession re-keys a connection onto its MCPL session id once
// mcpl/hello binds one. Before that the connection is tracked under a
// provisional id.
func (m *Manager) AdoptSession(c *Connected, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySession[c.SessionID] == c {
		delete(m.bySession, c.SessionID)
	}
	c.SessionID = sessionID
	m.bySession[sessionID] = c
}

// RemoveToolsUnlessReplaced drops the delegate's registry tools, unless a
// replacement connection for the same (userId, delegateId) already exists
// (the reconnect-race guard).
func (m *Manager) RemoveToolsUnlessReplaced(c *Connected) {
	m.mu.Lock()
	_, replaced := m.byUserKey[userKey(c.UserID, c.DelegateID)]
	m.mu.Unlock()
	if replaced {
		m.log.Info("Keeping tools, delegate already reconnected",
			"delegate_id", c.DelegateID, "user_id", c.UserID)
		return
	}
	m.registry.RemoveDelegateTools(c.UserID, c.DelegateID)
}

// Get returns the connection for a session id, or nil.
func (m *Manager) Get(sessionID string) *Connected {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bySession[sessionID]
}

// ConnectionsForUser returns the user's live connections.
func (m *Manager) ConnectionsForUser(userID string) []*Connected {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connected
	for _, c := range m.bySession {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// GetByDelegate returns the user's connection for a delegate id, or nil.
func (m *Manager) GetByDelegate(userID, delegateID string) *Connected {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUserKey[userKey(userID, delegateID)]
}

// SendToDelegate delivers one payload through the delegate's reliable
// channel. Implements the scope subsystem's Sender.
func (m *Manager) SendToDelegate(userID, delegateID string, payload any) error {
	c := m.GetByDelegate(userID, delegateID)
	if c == nil {
		return fmt.Errorf("delegate %q is not connected", delegateID)
	}
	return c.Channel.Send(payload)
}

// ExecuteToolOnDelegate performs the framed tool-call round-trip. Exactly
// one result comes back: the delegate's response, a timeout, a disconnect
// error, or a synchronous not-connected error.
func (m *Manager) ExecuteToolOnDelegate(ctx context.Context, userID, delegateID string, call registry.ToolCall, ec registry.ExecContext, timeout time.Duration, scopeCtx *protocol.ScopeContext) protocol.ToolResult {
	c := m.GetByDelegate(userID, delegateID)
	if c == nil {
		return protocol.ToolResult{
			Content: fmt.Sprintf("Delegate %q is not connected", delegateID),
			IsError: true,
		}
	}

	requestID := uuid.NewString()
	p := &pendingCall{
		delegateKey: userKey(userID, delegateID),
		result:      make(chan protocol.ToolResult, 1),
	}
	m.mu.Lock()
	m.pending[requestID] = p
	m.mu.Unlock()
	metrics.PendingToolCalls.Inc()

	req := protocol.ToolCallRequest{
		Type:           protocol.TypeToolCallRequest,
		RequestID:      requestID,
		ConversationID: ec.ConversationID,
		MessageID:      ec.MessageID,
		Tool:           protocol.ToolCallSpec{ID: call.ID, Name: call.Name, Input: call.Input},
		TimeoutMs:      int(timeout / time.Millisecond),
		ScopeContext:   scopeCtx,
	}
	if err := c.Channel.Send(req); err != nil {
		m.dropPending(requestID)
		return protocol.ToolResult{
			Content: fmt.Sprintf("Failed to reach delegate %q: %s", delegateID, err),
			IsError: true,
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-p.result:
		return result
	case <-timer.C:
		// Drop the correlation so a late response is ignored.
		m.dropPending(requestID)
		return protocol.ToolResult{
			Content: fmt.Sprintf("Tool call to delegate %q timed out after %s", delegateID, timeout),
			IsError: true,
		}
	case <-ctx.Done():
		m.dropPending(requestID)
		return protocol.ToolResult{
			Content: fmt.Sprintf("Tool call to delegate %q canceled: %s", delegateID, ctx.Err()),
			IsError: true,
		}
	}
}

func (m *Manager) dropPending(requestID string) {
	m.mu.Lock()
	_, ok := m.pending[requestID]
	delete(m.pending, requestID)
	m.mu.Unlock()
	if ok {
		metrics.PendingToolCalls.Dec()
	}
}

// HandleToolCallResponse completes the matching pending call. Responses
// with no pending entry (late after a timeout) are dropped.
func (m *Manager) HandleToolCallResponse(res *protocol.ToolCallResponse) {
	m.mu.Lock()
	p, ok := m.pending[res.RequestID]
	delete(m.pending, res.RequestID)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("Dropping late tool-call response", "request_id", res.RequestID)
		return
	}
	metrics.PendingToolCalls.Dec()
	p.result <- res.Result
}

// BeforeInference sends the hook request over the session's channel and
// waits for the correlated response. Implements hooks.Invoker.
func (m *Manager) BeforeInference(ctx context.Context, sessionID string, req protocol.BeforeInference) (*protocol.BeforeInferenceResponse, error) {
	c := m.Get(sessionID)
	if c == nil {
		return nil, fmt.Errorf("session %q is not connected", sessionID)
	}

	w := &hookWait{sessionID: sessionID, result: make(chan *protocol.BeforeInferenceResponse, 1)}
	m.mu.Lock()
	m.hookWaits[req.RequestID] = w
	m.mu.Unlock()

	if err := c.Channel.Send(req); err != nil {
		m.mu.Lock()
		delete(m.hookWaits, req.RequestID)
		m.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-w.result:
		if !ok {
			return nil, fmt.Errorf("session %q disconnected", sessionID)
		}
		return resp, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.hookWaits, req.RequestID)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// AfterInference sends the completion notice without waiting. Implements
// hooks.Invoker.
func (m *Manager) AfterInference(sessionID string, note protocol.AfterInference) error {
	c := m.Get(sessionID)
	if c == nil {
		return fmt.Errorf("session %q is not connected", sessionID)
	}
	return c.Channel.Send(note)
}

// HandleBeforeInferenceResponse completes the matching hook wait.
func (m *Manager) HandleBeforeInferenceResponse(res *protocol.BeforeInferenceResponse) {
	m.mu.Lock()
	w, ok := m.hookWaits[res.RequestID]
	delete(m.hookWaits, res.RequestID)
	m.mu.Unlock()
	if ok {
		w.result <- res
	}
}

// UpdateTools records the manifest outcome on the connection and tells the
// user's UI that the tool surface changed.
func (m *Manager) UpdateTools(c *Connected, servers map[string]string, toolCount int) {
	c.setTools(servers, toolCount)
	m.broadcastStatus(c.UserID, "tools_updated")
}

// DelegatesForUser summarizes the user's live connections for UI payloads.
func (m *Manager) DelegatesForUser(userID string) []events.DelegateSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.DelegateSummary
	for _, c := range m.bySession {
		if c.UserID != userID {
			continue
		}
		c.mu.Lock()
		out = append(out, events.DelegateSummary{
			DelegateID:   c.DelegateID,
			DelegateName: c.DelegateName,
			ToolCount:    c.toolCount,
			ConnectedAt:  c.ConnectedAt.UTC().Format(time.RFC3339Nano),
		})
		c.mu.Unlock()
	}
	return out
}

func (m *Manager) broadcastStatus(userID, status string) {
	if m.publisher == nil {
		return
	}
	m.publisher.BroadcastToUser(userID, events.DelegateStatusPayload{
		Type:      events.EventTypeDelegateStatus,
		Status:    status,
		Delegates: m.DelegatesForUser(userID),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SetServerEnabled flips a server's availability without disconnecting
// its delegate.
func (m *Manager) SetServerEnabled(serverID string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		delete(m.serverOff, serverID)
	} else {
		m.serverOff[serverID] = true
	}
}

// ServerEnabled reports whether a server is currently enabled.
func (m *Manager) ServerEnabled(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.serverOff[serverID]
}
