// Package session manages MCPL session identity: the negotiated
// capability set, per-server feature flags, and the reliable-channel state
// that survives WebSocket reconnects.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/channel"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// Session is the MCPL-level identity of a delegate, stable across physical
// connections. Invariant: a session id can only be resumed by its owning
// user.
type Session struct {
	ID              string
	UserID          string
	DelegateID      string
	DelegateName    string
	ProtocolVersion string
	CreatedAt       time.Time

	mu           sync.RWMutex
	capabilities []string
	// featureSets holds the raw map as supplied by the delegate (keys may
	// be wildcards); expanded holds the per-serverId resolution.
	featureSets map[string]protocol.FeatureSet
	expanded    map[string]protocol.FeatureSet
	reliable    *channel.State
}

// Capabilities returns the negotiated capability set.
func (s *Session) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.capabilities...)
}

// HasCapability reports whether the session negotiated the capability.
func (s *Session) HasCapability(cap string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SetFeatureSets replaces the feature-set maps entirely. The caller is
// expected to have recomputed the wildcard expansion first.
func (s *Session) SetFeatureSets(raw, expanded map[string]protocol.FeatureSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featureSets = cloneFeatureSets(raw)
	s.expanded = cloneFeatureSets(expanded)
}

// FeatureSets returns a copy of the raw (pattern-keyed) map.
func (s *Session) FeatureSets() map[string]protocol.FeatureSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFeatureSets(s.featureSets)
}

// FeatureSetFor resolves the expanded feature set of a concrete serverId.
func (s *Session) FeatureSetFor(serverID string) (protocol.FeatureSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.expanded[serverID]
	return fs, ok
}

// FeatureSetKeyFor returns the raw feature-set key governing a concrete
// serverId: the concrete key when present, else the lexicographically
// first matching wildcard, else "". The key names the feature set for
// inference routing.
func (s *Session) FeatureSetKeyFor(serverID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.featureSets[serverID]; ok {
		return serverID
	}
	for _, pattern := range wildcardKeys(s.featureSets) {
		if strings.HasPrefix(serverID, strings.TrimSuffix(pattern, "*")) {
			return pattern
		}
	}
	return ""
}

// ExpandedFeatureSets returns a copy of the per-serverId resolution.
func (s *Session) ExpandedFeatureSets() map[string]protocol.FeatureSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFeatureSets(s.expanded)
}

func cloneFeatureSets(in map[string]protocol.FeatureSet) map[string]protocol.FeatureSet {
	out := make(map[string]protocol.FeatureSet, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
