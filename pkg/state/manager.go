// Package state owns per-conversation delegate state: the live JSON
// document, automatic checkpointing into a linear-or-tree history, and the
// two-phase rollback protocol.
//
// All state lives in memory; the checkpoint history is journaled to the
// conversation event log and rebuilt lazily on first touch after a
// restart.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// Journal is the slice of the event log the state manager uses.
type Journal interface {
	AppendConversation(conversationID string, ev eventlog.Event)
	ReplayConversation(conversationID string, fn func(eventlog.Event)) error
}

// Publisher pushes checkpoint-tree updates to the conversation's UI room.
type Publisher interface {
	BroadcastToConversation(conversationID string, payload any)
}

// Result reports a state mutation back to the delegate.
type Result struct {
	Success bool
	Error   string
}

// RollbackCheck is the answer to a state_rollback probe (commit=false).
type RollbackCheck struct {
	Exists       bool
	CheckpointID string
	Reason       string // "no_checkpoints", "expired" or "unknown" when !Exists
}

// RollbackResult is the answer to a state_rollback commit.
type RollbackResult struct {
	Success      bool
	CheckpointID string
	State        json.RawMessage
	Error        string // "rollback_failed" or "checkpoint_expired"
}

type conversation struct {
	userID    string
	state     json.RawMessage
	mutations int
	tree      *Tree
}

// Manager holds every conversation's state document and checkpoint tree.
type Manager struct {
	mu        sync.Mutex
	convs     map[string]*conversation
	journal   Journal
	publisher Publisher
	log       *slog.Logger
}

// NewManager wires the state manager to its journal and UI publisher.
// Either collaborator may be nil in tests.
func NewManager(journal Journal, publisher Publisher) *Manager {
	return &Manager{
		convs:     make(map[string]*conversation),
		journal:   journal,
		publisher: publisher,
		log:       slog.With("component", "state_manager"),
	}
}

// journalRecord is the persisted form of one checkpoint-tree change.
type journalRecord struct {
	Action        string    `json:"action"` // "checkpoint", "rollback", "mode_upgrade"
	CheckpointID  string    `json:"checkpointId,omitempty"`
	Parent        string    `json:"parent,omitempty"`
	Snapshot      *string   `json:"snapshot,omitempty"`
	Label         string    `json:"label,omitempty"`
	MutationCount int       `json:"mutationCount,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	HostManaged   *bool     `json:"hostManaged,omitempty"`
}

// conv returns the tracked conversation, replaying its journal on first
// touch. Callers hold m.mu.
func (m *Manager) conv(userID, conversationID string) *conversation {
	c, ok := m.convs[conversationID]
	if ok {
		return c
	}
	c = &conversation{userID: userID, tree: newTree(true)}
	m.convs[conversationID] = c
	m.replayLocked(conversationID, c)
	return c
}

// SetState replaces the conversation's state document.
func (m *Manager) SetState(userID, conversationID string, value json.RawMessage) Result {
	if !json.Valid(value) {
		return Result{Error: "state is not valid JSON"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(userID, conversationID)
	c.state = append(json.RawMessage(nil), value...)
	m.recordMutationLocked(conversationID, c, "")
	return Result{Success: true}
}

// ApplyPatch applies an RFC 6902 patch to the state document. A failed
// patch, including a failed test op, leaves the document and the mutation
// counter untouched.
func (m *Manager) ApplyPatch(userID, conversationID string, ops []protocol.JSONPatchOp) Result {
	raw, err := json.Marshal(ops)
	if err != nil {
		return Result{Error: fmt.Sprintf("invalid patch: %s", err)}
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return Result{Error: fmt.Sprintf("invalid patch: %s", err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(userID, conversationID)
	doc := c.state
	if doc == nil {
		doc = json.RawMessage(`{}`)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return Result{Error: fmt.Sprintf("patch failed: %s", err)}
	}
	c.state = patched
	m.recordMutationLocked(conversationID, c, "")
	return Result{Success: true}
}

// GetState returns a copy of the conversation's current state document,
// nil when no state was ever set.
func (m *Manager) GetState(userID, conversationID string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conv(userID, conversationID)
	if c.state == nil {
		return nil
	}
	return append(json.RawMessage(nil), c.state...)
}

// SetHostManaged flips a conversation to lineage-only checkpoints. The
// flag is one-way per conversation and journaled.
func (m *Manager) SetHostManaged(userID, conversationID string, hostManaged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conv(userID, conversationID)
	if c.tree.HostManaged == hostManaged {
		return
	}
	c.tree.HostManaged = hostManaged
	m.appendJournalLocked(conversationID, journalRecord{Action: "host_managed", HostManaged: &hostManaged})
}

// recordMutationLocked bumps the mutation counter and checkpoints on
// every CheckpointInterval-th mutation.
func (m *Manager) recordMutationLocked(conversationID string, c *conversation, label string) {
	c.mutations++
	if c.mutations%CheckpointInterval == 0 {
		m.checkpointLocked(conversationID, c, label)
	}
}

// Checkpoint creates an explicit checkpoint outside the automatic
// interval, labeled by the caller.
func (m *Manager) Checkpoint(userID, conversationID, label string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conv(userID, conversationID)
	return m.checkpointLocked(conversationID, c, label)
}

func (m *Manager) checkpointLocked(conversationID string, c *conversation, label string) (string, bool) {
	var snapshot *string
	if c.tree.HostManaged {
		doc := c.state
		if doc == nil {
			doc = json.RawMessage(`{}`)
		}
		if len(doc) > MaxStateBytes {
			// Oversized snapshots are skipped without burning an id.
			m.log.Warn("Skipping oversized checkpoint snapshot",
				"conversation_id", conversationID, "bytes", len(doc))
			return "", false
		}
		s := string(doc)
		snapshot = &s
	}

	node := c.tree.allocate(snapshot, label, c.mutations)
	c.tree.evict()

	m.appendJournalLocked(conversationID, journalRecord{
		Action:        "checkpoint",
		CheckpointID:  node.ID,
		Parent:        node.Parent,
		Snapshot:      node.Snapshot,
		Label:         node.Label,
		MutationCount: node.MutationCount,
		CreatedAt:     node.CreatedAt,
	})
	m.publishTreeLocked(conversationID, "checkpoint", node.ID, c.tree.Mode)
	return node.ID, true
}

// CanRollback answers a rollback probe. Naming a checkpoint id upgrades a
// linear history to tree mode before resolution, even when the probe then
// fails.
func (m *Manager) CanRollback(userID, conversationID, checkpointID string) RollbackCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(userID, conversationID)
	t := c.tree

	if checkpointID != "" {
		m.upgradeModeLocked(conversationID, c)
	}

	if len(t.Nodes) == 0 {
		return RollbackCheck{Reason: "no_checkpoints"}
	}

	target := checkpointID
	if target == "" {
		current, ok := t.Nodes[t.Current]
		if !ok || current.Parent == "" {
			return RollbackCheck{Reason: "no_checkpoints"}
		}
		target = current.Parent
	}

	node, ok := t.Nodes[target]
	if !ok {
		if t.isTombstoned(target) {
			return RollbackCheck{CheckpointID: target, Reason: "expired"}
		}
		return RollbackCheck{CheckpointID: target, Reason: "unknown"}
	}
	if t.HostManaged && node.Snapshot == nil {
		return RollbackCheck{CheckpointID: target, Reason: "expired"}
	}
	return RollbackCheck{Exists: true, CheckpointID: target}
}

// CommitRollback moves the active branch to the target checkpoint and, in
// host-managed conversations, restores its snapshot. The mutation counter
// resets so the next checkpoint interval starts fresh. A target equal to
// the current checkpoint is a valid no-move commit.
func (m *Manager) CommitRollback(userID, conversationID, checkpointID string) RollbackResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(userID, conversationID)
	t := c.tree
	if len(t.Nodes) == 0 || checkpointID == "" {
		return RollbackResult{Error: "rollback_failed"}
	}

	node, ok := t.Nodes[checkpointID]
	if !ok {
		return RollbackResult{CheckpointID: checkpointID, Error: "checkpoint_expired"}
	}

	var restored json.RawMessage
	if t.HostManaged {
		if node.Snapshot == nil {
			return RollbackResult{CheckpointID: checkpointID, Error: "checkpoint_expired"}
		}
		if !json.Valid([]byte(*node.Snapshot)) {
			// A corrupt snapshot can never succeed; drop the node so the
			// probe stops offering it.
			m.log.Error("Removing checkpoint with corrupt snapshot",
				"conversation_id", conversationID, "checkpoint_id", checkpointID)
			t.removeNode(checkpointID)
			return RollbackResult{CheckpointID: checkpointID, Error: "rollback_failed"}
		}
		restored = json.RawMessage(*node.Snapshot)
		c.state = append(json.RawMessage(nil), restored...)
	}

	t.Current = checkpointID
	c.mutations = 0
	t.evict()

	m.appendJournalLocked(conversationID, journalRecord{Action: "rollback", CheckpointID: checkpointID})
	m.publishTreeLocked(conversationID, "rollback", checkpointID, t.Mode)

	return RollbackResult{Success: true, CheckpointID: checkpointID, State: restored}
}

// Checkpoints returns the current checkpoint id and a listing of every
// live node, ordered by creation.
func (m *Manager) Checkpoints(userID, conversationID string) (string, []protocol.CheckpointInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(userID, conversationID)
	infos := make([]protocol.CheckpointInfo, 0, len(c.tree.Nodes))
	for _, node := range c.tree.Nodes {
		infos = append(infos, protocol.CheckpointInfo{
			ID:            node.ID,
			Parent:        node.Parent,
			Children:      append([]string(nil), node.Children...),
			CreatedAt:     node.CreatedAt.UnixMilli(),
			IsCurrent:     node.ID == c.tree.Current,
			Label:         node.Label,
			MutationCount: node.MutationCount,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return seqOf(infos[i].ID) < seqOf(infos[j].ID) })
	return c.tree.Current, infos
}

// Mode reports the conversation's history mode.
func (m *Manager) Mode(userID, conversationID string) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv(userID, conversationID).tree.Mode
}

func (m *Manager) upgradeModeLocked(conversationID string, c *conversation) {
	if c.tree.Mode == ModeTree {
		return
	}
	c.tree.Mode = ModeTree
	m.appendJournalLocked(conversationID, journalRecord{Action: "mode_upgrade"})
	m.publishTreeLocked(conversationID, "mode_upgrade", "", ModeTree)
	m.log.Info("Checkpoint history upgraded to tree mode", "conversation_id", conversationID)
}

func (m *Manager) appendJournalLocked(conversationID string, rec journalRecord) {
	if m.journal == nil {
		return
	}
	m.journal.AppendConversation(conversationID,
		eventlog.NewEvent(events.EventTypeCheckpointTree, conversationID, rec))
}

func (m *Manager) publishTreeLocked(conversationID, action, checkpointID string, mode Mode) {
	if m.publisher == nil {
		return
	}
	m.publisher.BroadcastToConversation(conversationID, events.CheckpointTreePayload{
		Type:           events.EventTypeCheckpointTree,
		ConversationID: conversationID,
		Action:         action,
		CheckpointID:   checkpointID,
		Mode:           string(mode),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// replayLocked rebuilds a conversation's checkpoint tree from its journal.
// Unknown parents are tolerated (the parent was evicted before the
// restart); rollbacks to missing nodes are skipped. Eviction reruns at the
// end, which also regenerates tombstones.
func (m *Manager) replayLocked(conversationID string, c *conversation) {
	if m.journal == nil {
		return
	}
	t := c.tree
	err := m.journal.ReplayConversation(conversationID, func(ev eventlog.Event) {
		if ev.Type != events.EventTypeCheckpointTree {
			return
		}
		var rec journalRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			m.log.Warn("Skipping unparseable checkpoint record",
				"conversation_id", conversationID, "error", err)
			return
		}
		switch rec.Action {
		case "checkpoint":
			node := &Node{
				ID:            rec.CheckpointID,
				Parent:        rec.Parent,
				Snapshot:      rec.Snapshot,
				CreatedAt:     rec.CreatedAt,
				Label:         rec.Label,
				MutationCount: rec.MutationCount,
			}
			if parent, ok := t.Nodes[rec.Parent]; ok {
				parent.Children = append(parent.Children, node.ID)
			}
			t.Nodes[node.ID] = node
			t.Current = node.ID
			if seq := seqOf(node.ID); seq > t.NextSeq {
				t.NextSeq = seq
			}
		case "rollback":
			if _, ok := t.Nodes[rec.CheckpointID]; ok {
				t.Current = rec.CheckpointID
			}
		case "mode_upgrade":
			t.Mode = ModeTree
		case "host_managed":
			if rec.HostManaged != nil {
				t.HostManaged = *rec.HostManaged
			}
		}
	})
	if err != nil {
		m.log.Warn("Checkpoint journal replay failed", "conversation_id", conversationID, "error", err)
	}
	t.evict()

	// Restore the live document from the active checkpoint.
	if t.HostManaged {
		if node, ok := t.Nodes[t.Current]; ok && node.Snapshot != nil {
			c.state = json.RawMessage(*node.Snapshot)
		}
	}
}
