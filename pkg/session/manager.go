package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpl-dev/mcpld/pkg/channel"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// Manager holds sessions in memory. Sessions persist for resume until
// explicitly removed; there is no idle expiry.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create allocates a session for a fresh mcpl/hello. Capability
// negotiation returns the intersection of the request with the fixed
// server-supported set, in server order.
func (m *Manager) Create(userID, delegateID, delegateName, protocolVersion string, requestedCaps []string) *Session {
	s := &Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		DelegateID:      delegateID,
		DelegateName:    delegateName,
		ProtocolVersion: protocolVersion,
		CreatedAt:       time.Now(),
		capabilities:    NegotiateCapabilities(requestedCaps),
		featureSets:     make(map[string]protocol.FeatureSet),
		expanded:        make(map[string]protocol.FeatureSet),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Resume returns the session only if it exists and is owned by userID;
// otherwise nil, and the caller creates a new session.
func (m *Manager) Resume(sessionID, userID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil
	}
	return s
}

// Get returns a session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// SessionsForUser returns all sessions owned by a user.
func (m *Manager) SessionsForUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Remove tears a session down explicitly (user-initiated).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// SaveReliableState stashes the channel snapshot between physical
// connections.
func (m *Manager) SaveReliableState(sessionID string, st channel.State) {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := st.Clone()
	s.reliable = &clone
}

// ReliableState returns the stashed channel snapshot, if any.
func (m *Manager) ReliableState(sessionID string) (channel.State, bool) {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return channel.State{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reliable == nil {
		return channel.State{}, false
	}
	return s.reliable.Clone(), true
}

// NegotiateCapabilities intersects the delegate's request with the fixed
// server-supported set, preserving the server-supported order.
func NegotiateCapabilities(requested []string) []string {
	asked := make(map[string]bool, len(requested))
	for _, c := range requested {
		asked[c] = true
	}
	var out []string
	for _, c := range protocol.SupportedCapabilities {
		if asked[c] {
			out = append(out, c)
		}
	}
	return out
}
