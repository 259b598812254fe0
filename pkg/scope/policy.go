package scope

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/mcpl-dev/mcpld/pkg/eventlog"
)

// EventScopePolicyUpdated journals whitelist/blacklist edits for replay.
const EventScopePolicyUpdated = "scope_policy_updated"

// Rule is one remembered approval or denial. FeatureSet is an exact name
// or a "prefix.*" wildcard; a rule with a label matches only requests
// carrying that label.
type Rule struct {
	FeatureSet   string   `json:"featureSet"`
	Capabilities []string `json:"capabilities"`
	Label        string   `json:"label,omitempty"`
}

func (r Rule) matchesFeatureSet(featureSet string) bool {
	if strings.HasSuffix(r.FeatureSet, ".*") {
		return strings.HasPrefix(featureSet, strings.TrimSuffix(r.FeatureSet, "*"))
	}
	return r.FeatureSet == featureSet
}

func (r Rule) matches(featureSet, label string) bool {
	if !r.matchesFeatureSet(featureSet) {
		return false
	}
	return r.Label == "" || r.Label == label
}

func (r Rule) hasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (r Rule) coversAll(capabilities []string) bool {
	for _, c := range capabilities {
		if !r.hasCapability(c) {
			return false
		}
	}
	return true
}

// Policy is the remembered rule pair for one (user, delegate).
type Policy struct {
	Whitelist []Rule `json:"whitelist"`
	Blacklist []Rule `json:"blacklist"`
}

// Decision is the outcome of evaluating a policy against a request.
type Decision int

const (
	DecisionAsk Decision = iota
	DecisionApprove
	DecisionDeny
)

// Evaluate applies blacklist-first semantics: any blacklisted requested
// capability denies; a single whitelist rule covering every requested
// capability approves; anything else asks the user.
func (p *Policy) Evaluate(featureSet, label string, capabilities []string) Decision {
	if p == nil {
		return DecisionAsk
	}
	for _, rule := range p.Blacklist {
		if !rule.matches(featureSet, label) {
			continue
		}
		for _, c := range capabilities {
			if rule.hasCapability(c) {
				return DecisionDeny
			}
		}
	}
	for _, rule := range p.Whitelist {
		if rule.matches(featureSet, label) && rule.coversAll(capabilities) {
			return DecisionApprove
		}
	}
	return DecisionAsk
}

// policyRecord is the journaled form of one policy edit.
type policyRecord struct {
	DelegateID string `json:"delegateId"`
	List       string `json:"list,omitempty"` // "whitelist" or "blacklist"
	Rule       *Rule  `json:"rule,omitempty"`
	Clear      bool   `json:"clear,omitempty"`
}

// policyStore holds every user's policies and journals edits.
type policyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // "{userId}/{delegateId}"
	journal  Journal
}

func newPolicyStore(journal Journal) *policyStore {
	return &policyStore{policies: make(map[string]*Policy), journal: journal}
}

func policyKey(userID, delegateID string) string {
	return userID + "/" + delegateID
}

func (s *policyStore) get(userID, delegateID string) *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[policyKey(userID, delegateID)]
}

// appendRule adds a remembered rule and journals it.
func (s *policyStore) appendRule(userID, delegateID, list string, rule Rule) {
	s.mu.Lock()
	s.applyLocked(userID, policyRecord{DelegateID: delegateID, List: list, Rule: &rule})
	s.mu.Unlock()

	if s.journal != nil {
		s.journal.AppendUser(userID, eventlog.NewEvent(EventScopePolicyUpdated, "",
			policyRecord{DelegateID: delegateID, List: list, Rule: &rule}))
	}
}

// clear drops both lists for a (user, delegate) and journals the wipe.
func (s *policyStore) clear(userID, delegateID string) {
	s.mu.Lock()
	delete(s.policies, policyKey(userID, delegateID))
	s.mu.Unlock()

	if s.journal != nil {
		s.journal.AppendUser(userID, eventlog.NewEvent(EventScopePolicyUpdated, "",
			policyRecord{DelegateID: delegateID, Clear: true}))
	}
}

func (s *policyStore) applyLocked(userID string, rec policyRecord) {
	key := policyKey(userID, rec.DelegateID)
	if rec.Clear {
		delete(s.policies, key)
		return
	}
	if rec.Rule == nil {
		return
	}
	p := s.policies[key]
	if p == nil {
		p = &Policy{}
		s.policies[key] = p
	}
	switch rec.List {
	case "whitelist":
		p.Whitelist = append(p.Whitelist, *rec.Rule)
	case "blacklist":
		p.Blacklist = append(p.Blacklist, *rec.Rule)
	}
}

// replayUser rebuilds a user's policies from the journal.
func (s *policyStore) replayUser(userID string) {
	if s.journal == nil {
		return
	}
	err := s.journal.ReplayUser(userID, func(ev eventlog.Event) {
		if ev.Type != EventScopePolicyUpdated {
			return
		}
		var rec policyRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			slog.Warn("Skipping unparseable scope-policy record", "user_id", userID, "error", err)
			return
		}
		s.mu.Lock()
		s.applyLocked(userID, rec)
		s.mu.Unlock()
	})
	if err != nil {
		slog.Warn("Scope-policy replay failed", "user_id", userID, "error", err)
	}
}
