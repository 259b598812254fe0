// Package hooks fans beforeInference/afterInference out to hook-capable
// delegate sessions. Contributions come back as context injections,
// aggregated in a deterministic order so the same set of servers always
// produces the same injected context.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcpl-dev/mcpld/pkg/metrics"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// Defaults, overridable through Config.
const (
	DefaultBeforeInferenceTimeout = 5 * time.Second
	DefaultRateLimitPerMinute     = 10

	// MaxSyncDepth stops hook-triggered inferences from hooking again
	// forever.
	MaxSyncDepth = 3
)

// Invoker delivers hook messages to a session's reliable channel. The
// delegate manager implements it.
type Invoker interface {
	// BeforeInference sends the hook request and waits for the server's
	// response or an error.
	BeforeInference(ctx context.Context, sessionID string, req protocol.BeforeInference) (*protocol.BeforeInferenceResponse, error)
	// AfterInference sends the completion notice without waiting.
	AfterInference(sessionID string, note protocol.AfterInference) error
}

// Registration is one hook-capable server of a session.
type Registration struct {
	SessionID  string
	UserID     string
	DelegateID string
	ServerID   string
}

// Config tunes hook dispatch. Zero values select the defaults.
type Config struct {
	BeforeInferenceTimeout time.Duration
	RateLimitPerMinute     int
}

// Manager tracks hook registrations and runs the fan-out.
type Manager struct {
	mu            sync.Mutex
	registrations map[string]map[string]Registration // sessionId -> serverId
	callTimes     map[string][]time.Time             // "{userId}/{serverId}" sliding window

	invoker Invoker
	cfg     Config
	log     *slog.Logger
}

// NewManager wires the hook manager to its session invoker.
func NewManager(invoker Invoker, cfg Config) *Manager {
	if cfg.BeforeInferenceTimeout <= 0 {
		cfg.BeforeInferenceTimeout = DefaultBeforeInferenceTimeout
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	return &Manager{
		registrations: make(map[string]map[string]Registration),
		callTimes:     make(map[string][]time.Time),
		invoker:       invoker,
		cfg:           cfg,
		log:           slog.With("component", "hook_manager"),
	}
}

// Register adds one hook-capable server of a session. Re-registering a
// (sessionId, serverId) pair replaces the prior entry.
func (m *Manager) Register(reg Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	servers := m.registrations[reg.SessionID]
	if servers == nil {
		servers = make(map[string]Registration)
		m.registrations[reg.SessionID] = servers
	}
	servers[reg.ServerID] = reg
}

// SetSessionServers replaces a session's hook registrations with exactly
// the given server ids. An empty list unregisters the session.
func (m *Manager) SetSessionServers(sessionID, userID, delegateID string, serverIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(serverIDs) == 0 {
		delete(m.registrations, sessionID)
		return
	}
	servers := make(map[string]Registration, len(serverIDs))
	for _, id := range serverIDs {
		servers[id] = Registration{
			SessionID:  sessionID,
			UserID:     userID,
			DelegateID: delegateID,
			ServerID:   id,
		}
	}
	m.registrations[sessionID] = servers
}

// Unregister drops every hook registration of a session.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registrations, sessionID)
}

// BeforeInference collects context injections from every hook server of
// the user, in parallel. Servers over their per-minute quota are skipped;
// timeouts and send failures contribute nothing. The aggregate is sorted
// by serverId ascending.
func (m *Manager) BeforeInference(ctx context.Context, userID, conversationID, summary string, depth int) []protocol.Injection {
	if depth >= MaxSyncDepth {
		m.log.Warn("Hook sync depth reached, skipping hooks",
			"user_id", userID, "conversation_id", conversationID, "depth", depth)
		return nil
	}
	targets := m.eligibleTargets(userID)
	if len(targets) == 0 {
		return nil
	}

	type contribution struct {
		serverID   string
		injections []protocol.Injection
	}
	results := make([]contribution, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.BeforeInferenceTimeout)
			defer cancel()

			resp, err := m.invoker.BeforeInference(callCtx, target.SessionID, protocol.BeforeInference{
				Type:            protocol.TypeBeforeInference,
				RequestID:       uuid.NewString(),
				ConversationID:  conversationID,
				MessagesSummary: summary,
			})
			if err != nil {
				if callCtx.Err() != nil {
					metrics.HookTimeouts.Inc()
				}
				m.log.Warn("beforeInference hook yielded nothing",
					"server_id", target.ServerID, "delegate_id", target.DelegateID, "error", err)
				return nil
			}
			injections := make([]protocol.Injection, len(resp.Injections))
			copy(injections, resp.Injections)
			for k := range injections {
				if injections[k].ServerID == "" {
					injections[k].ServerID = target.ServerID
				}
			}
			results[i] = contribution{serverID: target.ServerID, injections: injections}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors, only empty contributions

	var out []protocol.Injection
	for _, c := range results {
		out = append(out, c.injections...)
	}
	// Each injection carries its own serverId; the sort key is the
	// injection's, not the responding registration's.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// AfterInference notifies every hook-capable session of the user,
// fire-and-forget. The notice has no per-server payload, so each session
// gets it once regardless of how many hook servers it registered.
func (m *Manager) AfterInference(userID, conversationID, summary string) {
	m.mu.Lock()
	var targets []Registration
	for _, servers := range m.registrations {
		for _, reg := range servers {
			if reg.UserID == userID {
				targets = append(targets, reg)
				break
			}
		}
	}
	m.mu.Unlock()

	note := protocol.AfterInference{
		Type:            protocol.TypeAfterInference,
		RequestID:       uuid.NewString(),
		ConversationID:  conversationID,
		MessagesSummary: summary,
	}
	for _, target := range targets {
		target := target
		go func() {
			if err := m.invoker.AfterInference(target.SessionID, note); err != nil {
				m.log.Debug("afterInference notify failed",
					"server_id", target.ServerID, "error", err)
			}
		}()
	}
}

// eligibleTargets filters the user's registrations through the per-server
// sliding-window rate limit and records the calls it admits.
func (m *Manager) eligibleTargets(userID string) []Registration {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []Registration
	for _, servers := range m.registrations {
		for _, reg := range servers {
			if reg.UserID != userID {
				continue
			}
			key := reg.UserID + "/" + reg.ServerID
			times := m.callTimes[key]
			i := 0
			for i < len(times) && times[i].Before(cutoff) {
				i++
			}
			times = times[i:]
			if len(times) >= m.cfg.RateLimitPerMinute {
				m.callTimes[key] = times
				m.log.Warn("Hook server over rate limit, skipping",
					"server_id", reg.ServerID, "delegate_id", reg.DelegateID)
				continue
			}
			m.callTimes[key] = append(times, now)
			targets = append(targets, reg)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ServerID < targets[j].ServerID })
	return targets
}
