// Package scope runs the two approval flows of the control plane:
// scope-change (connect a new MCP server) and scope-elevate (raise an
// already-connected server's capabilities), plus the remembered
// whitelist/blacklist policies that short-circuit them.
package scope

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// EventScopeChangeResolved journals the final outcome of a change request.
const EventScopeChangeResolved = "scope_change_resolved"

// Default approval windows.
const (
	DefaultChangeTimeout  = 5 * time.Minute
	DefaultElevateTimeout = 60 * time.Second
)

// Journal is the slice of the event log the scope subsystem uses.
type Journal interface {
	AppendUser(userID string, ev eventlog.Event)
	ReplayUser(userID string, fn func(eventlog.Event)) error
	Users() ([]string, error)
}

// Sender delivers replies to a delegate through its reliable channel.
type Sender interface {
	SendToDelegate(userID, delegateID string, payload any) error
}

// Publisher pushes approval prompts to the user's UI connections.
type Publisher interface {
	BroadcastToUser(userID string, payload any)
}

// Config tunes the approval windows. Zero values select the defaults.
type Config struct {
	ChangeTimeout  time.Duration
	ElevateTimeout time.Duration
}

type pendingChange struct {
	requestID      string
	userID         string
	delegateID     string
	serverID       string
	conversationID string
	capabilities   []string
	timer          *time.Timer
}

type pendingElevate struct {
	key          string // "{delegateId}::{featureSet}::{label}"
	requestID    string
	userID       string
	delegateID   string
	serverID     string
	featureSet   string
	label        string
	capabilities []string
	timer        *time.Timer
}

// Manager tracks in-flight approval requests and the policy store.
type Manager struct {
	mu sync.Mutex
	// Change requests key on requestId; approved ones move to awaiting
	// until the delegate reports connect_server_result.
	changes  map[string]*pendingChange
	awaiting map[string]*pendingChange
	// Elevate requests dedup on (delegateId, featureSet, label), with a
	// secondary requestId index for UI decisions.
	elevates         map[string]*pendingElevate
	elevateByRequest map[string]string

	policies  *policyStore
	journal   Journal
	publisher Publisher
	sender    Sender
	cfg       Config
	log       *slog.Logger
}

// NewManager wires the scope subsystem. publisher and sender may be nil in
// tests.
func NewManager(journal Journal, publisher Publisher, sender Sender, cfg Config) *Manager {
	if cfg.ChangeTimeout <= 0 {
		cfg.ChangeTimeout = DefaultChangeTimeout
	}
	if cfg.ElevateTimeout <= 0 {
		cfg.ElevateTimeout = DefaultElevateTimeout
	}
	return &Manager{
		changes:          make(map[string]*pendingChange),
		awaiting:         make(map[string]*pendingChange),
		elevates:         make(map[string]*pendingElevate),
		elevateByRequest: make(map[string]string),
		policies:         newPolicyStore(journal),
		journal:          journal,
		publisher:        publisher,
		sender:           sender,
		cfg:              cfg,
		log:              slog.With("component", "scope_manager"),
	}
}

// ReplayPolicies rebuilds every user's remembered policies at startup.
func (m *Manager) ReplayPolicies() {
	if m.journal == nil {
		return
	}
	users, err := m.journal.Users()
	if err != nil {
		m.log.Warn("Listing journal users failed", "error", err)
		return
	}
	for _, userID := range users {
		m.policies.replayUser(userID)
	}
}

// Policies returns copies of the remembered rule lists for one delegate.
func (m *Manager) Policies(userID, delegateID string) (whitelist, blacklist []Rule) {
	p := m.policies.get(userID, delegateID)
	if p == nil {
		return nil, nil
	}
	return append([]Rule(nil), p.Whitelist...), append([]Rule(nil), p.Blacklist...)
}

// ClearPolicies wipes both rule lists for one delegate.
func (m *Manager) ClearPolicies(userID, delegateID string) {
	m.policies.clear(userID, delegateID)
}

// HandleScopeChange registers a change request and prompts the user. The
// request auto-denies after the change timeout.
func (m *Manager) HandleScopeChange(userID, delegateID string, req *protocol.ScopeChangeRequest) {
	p := &pendingChange{
		requestID:      req.RequestID,
		userID:         userID,
		delegateID:     delegateID,
		serverID:       req.ServerID,
		conversationID: req.ConversationID,
		capabilities:   append([]string(nil), req.RequestedCapabilities...),
	}
	p.timer = time.AfterFunc(m.cfg.ChangeTimeout, func() { m.expireChange(req.RequestID) })

	m.mu.Lock()
	m.changes[req.RequestID] = p
	m.mu.Unlock()

	m.log.Info("Scope-change approval requested",
		"user_id", userID, "delegate_id", delegateID, "server_id", req.ServerID)

	if m.publisher != nil {
		m.publisher.BroadcastToUser(userID, events.ScopeChangeApprovalPayload{
			Type:                  events.EventTypeScopeChangeApproval,
			RequestID:             req.RequestID,
			DelegateID:            delegateID,
			ServerID:              req.ServerID,
			ServerName:            req.ServerName,
			URL:                   req.URL,
			RequestedCapabilities: p.capabilities,
			Reason:                req.Reason,
			ConversationID:        req.ConversationID,
			ExpiresAt:             time.Now().Add(m.cfg.ChangeTimeout).UTC().Format(time.RFC3339Nano),
		})
	}
}

// HandleScopeElevate evaluates the policy and either replies immediately
// or prompts the user. Requests with the same (delegateId, featureSet,
// label) collapse into one dialog; the reply carries the latest requestId.
func (m *Manager) HandleScopeElevate(userID string, req *protocol.ScopeElevateRequest) {
	caps := append([]string(nil), req.RequestedCapabilities...)

	switch m.policies.get(userID, req.DelegateID).Evaluate(req.FeatureSet, req.Label, caps) {
	case DecisionDeny:
		m.log.Info("Scope-elevate auto-denied by policy",
			"user_id", userID, "delegate_id", req.DelegateID, "feature_set", req.FeatureSet)
		m.sendElevateResult(userID, req.DelegateID, req.RequestID, false, nil)
		return
	case DecisionApprove:
		m.log.Info("Scope-elevate auto-approved by policy",
			"user_id", userID, "delegate_id", req.DelegateID, "feature_set", req.FeatureSet)
		m.sendElevateResult(userID, req.DelegateID, req.RequestID, true, caps)
		return
	}

	timeout := m.cfg.ElevateTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	key := req.DelegateID + "::" + req.FeatureSet + "::" + req.Label

	m.mu.Lock()
	if existing, ok := m.elevates[key]; ok {
		// Same dialog already open: swap the requestId and restart the
		// timer, no second prompt.
		delete(m.elevateByRequest, existing.requestID)
		existing.requestID = req.RequestID
		existing.capabilities = caps
		m.elevateByRequest[req.RequestID] = key
		existing.timer.Reset(timeout)
		m.mu.Unlock()
		return
	}
	p := &pendingElevate{
		key:          key,
		requestID:    req.RequestID,
		userID:       userID,
		delegateID:   req.DelegateID,
		serverID:     req.ServerID,
		featureSet:   req.FeatureSet,
		label:        req.Label,
		capabilities: caps,
	}
	p.timer = time.AfterFunc(timeout, func() { m.expireElevate(key) })
	m.elevates[key] = p
	m.elevateByRequest[req.RequestID] = key
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.BroadcastToUser(userID, events.ScopeElevateApprovalPayload{
			Type:                  events.EventTypeScopeElevateApproval,
			RequestID:             req.RequestID,
			DelegateID:            req.DelegateID,
			ServerID:              req.ServerID,
			FeatureSet:            req.FeatureSet,
			Label:                 req.Label,
			RequestedCapabilities: caps,
			Reason:                req.Reason,
			ExpiresAt:             time.Now().Add(timeout).UTC().Format(time.RFC3339Nano),
		})
	}
}

// ResolveDecision applies a UI approve/deny to whichever pending request
// owns the requestId. Unknown ids are ignored (already expired).
func (m *Manager) ResolveDecision(userID string, d events.ScopeDecision) {
	m.mu.Lock()
	if key, ok := m.elevateByRequest[d.RequestID]; ok {
		p := m.elevates[key]
		delete(m.elevates, key)
		delete(m.elevateByRequest, d.RequestID)
		m.mu.Unlock()
		p.timer.Stop()
		m.finishElevate(p, d.Approved, d.Remember)
		return
	}
	if p, ok := m.changes[d.RequestID]; ok {
		delete(m.changes, d.RequestID)
		if d.Approved {
			m.awaiting[d.RequestID] = p
		}
		m.mu.Unlock()
		p.timer.Stop()
		m.finishChange(p, d.Approved)
		return
	}
	m.mu.Unlock()
	m.log.Warn("Decision for unknown scope request", "user_id", userID, "request_id", d.RequestID)
}

// HandleConnectServerResult persists the final outcome of an approved
// change once the delegate has tried to connect the server.
func (m *Manager) HandleConnectServerResult(userID string, res *protocol.ConnectServerResult) {
	m.mu.Lock()
	p, ok := m.awaiting[res.RequestID]
	delete(m.awaiting, res.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	status := "approved_connected"
	if !res.Success {
		status = "approved_failed"
	}
	m.persistChangeOutcome(p, status)
}

func (m *Manager) finishChange(p *pendingChange, approved bool) {
	caps := p.capabilities
	if !approved {
		caps = nil
		// Denials persist immediately; approvals wait for the delegate's
		// connect_server_result.
		m.persistChangeOutcome(p, "denied")
	}
	if m.sender != nil {
		err := m.sender.SendToDelegate(p.userID, p.delegateID, protocol.ScopeChangeResult{
			Type:            protocol.TypeScopeChangeResult,
			RequestID:       p.requestID,
			Approved:        approved,
			NewCapabilities: caps,
		})
		if err != nil {
			m.log.Warn("Failed to deliver scope-change result",
				"delegate_id", p.delegateID, "request_id", p.requestID, "error", err)
		}
	}
}

func (m *Manager) finishElevate(p *pendingElevate, approved, remember bool) {
	if remember {
		list := "blacklist"
		if approved {
			list = "whitelist"
		}
		m.policies.appendRule(p.userID, p.delegateID, list, Rule{
			FeatureSet:   p.featureSet,
			Capabilities: p.capabilities,
			Label:        p.label,
		})
	}
	caps := p.capabilities
	if !approved {
		caps = nil
	}
	m.sendElevateResult(p.userID, p.delegateID, p.requestID, approved, caps)
}

func (m *Manager) sendElevateResult(userID, delegateID, requestID string, approved bool, caps []string) {
	if m.sender == nil {
		return
	}
	err := m.sender.SendToDelegate(userID, delegateID, protocol.ScopeElevateResult{
		Type:            protocol.TypeScopeElevateResult,
		RequestID:       requestID,
		Approved:        approved,
		NewCapabilities: caps,
	})
	if err != nil {
		m.log.Warn("Failed to deliver scope-elevate result",
			"delegate_id", delegateID, "request_id", requestID, "error", err)
	}
}

func (m *Manager) expireChange(requestID string) {
	m.mu.Lock()
	p, ok := m.changes[requestID]
	delete(m.changes, requestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("Scope-change request timed out", "request_id", requestID)
	m.persistChangeOutcome(p, "denied_by_timeout")
	if m.sender != nil {
		_ = m.sender.SendToDelegate(p.userID, p.delegateID, protocol.ScopeChangeResult{
			Type:      protocol.TypeScopeChangeResult,
			RequestID: p.requestID,
			Approved:  false,
		})
	}
}

func (m *Manager) expireElevate(key string) {
	m.mu.Lock()
	p, ok := m.elevates[key]
	if ok {
		delete(m.elevates, key)
		delete(m.elevateByRequest, p.requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("Scope-elevate request timed out",
		"delegate_id", p.delegateID, "feature_set", p.featureSet)
	m.sendElevateResult(p.userID, p.delegateID, p.requestID, false, nil)
}

func (m *Manager) persistChangeOutcome(p *pendingChange, status string) {
	if m.journal == nil {
		return
	}
	m.journal.AppendUser(p.userID, eventlog.NewEvent(EventScopeChangeResolved, p.conversationID,
		map[string]any{
			"requestId":  p.requestID,
			"delegateId": p.delegateID,
			"serverId":   p.serverID,
			"status":     status,
		}))
}
