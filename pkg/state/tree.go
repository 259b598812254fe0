package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Checkpoint tree limits.
const (
	MaxNodes           = 50
	MaxTombstones      = 200
	MaxStateBytes      = 256 * 1024
	CheckpointInterval = 10
)

// Mode is the checkpoint tree shape. Linear upgrades to tree on the first
// named rollback and never downgrades.
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeTree   Mode = "tree"
)

// Node is one checkpoint. Snapshot is nil when the host does not manage
// state for this conversation (lineage-only trees).
type Node struct {
	ID            string
	Parent        string
	Children      []string
	Snapshot      *string
	CreatedAt     time.Time
	Label         string
	MutationCount int
}

// Tree is the per-conversation checkpoint tree.
type Tree struct {
	Nodes       map[string]*Node
	Current     string
	NextSeq     int
	Tombstones  []string
	HostManaged bool
	Mode        Mode
}

func newTree(hostManaged bool) *Tree {
	return &Tree{
		Nodes:       make(map[string]*Node),
		HostManaged: hostManaged,
		Mode:        ModeLinear,
	}
}

func (t *Tree) isTombstoned(id string) bool {
	for _, ts := range t.Tombstones {
		if ts == id {
			return true
		}
	}
	return false
}

func (t *Tree) addTombstone(id string) {
	t.Tombstones = append(t.Tombstones, id)
	if len(t.Tombstones) > MaxTombstones {
		t.Tombstones = t.Tombstones[1:]
	}
}

// allocate links a new checkpoint under the current node and makes it
// current.
func (t *Tree) allocate(snapshot *string, label string, mutationCount int) *Node {
	t.NextSeq++
	node := &Node{
		ID:            fmt.Sprintf("chk_%d", t.NextSeq),
		Parent:        t.Current,
		Snapshot:      snapshot,
		CreatedAt:     time.Now(),
		Label:         label,
		MutationCount: mutationCount,
	}
	if parent, ok := t.Nodes[t.Current]; ok {
		parent.Children = append(parent.Children, node.ID)
	}
	t.Nodes[node.ID] = node
	t.Current = node.ID
	return node
}

// removeNode unlinks a node entirely, reparenting its children to null.
// Used for corrupt snapshots; eviction has its own paths.
func (t *Tree) removeNode(id string) {
	node, ok := t.Nodes[id]
	if !ok {
		return
	}
	if parent, ok := t.Nodes[node.Parent]; ok {
		parent.Children = deleteString(parent.Children, id)
	}
	for _, child := range node.Children {
		if c, ok := t.Nodes[child]; ok {
			c.Parent = ""
		}
	}
	delete(t.Nodes, id)
}

// activeBranch returns the set of ids on the root→current chain.
func (t *Tree) activeBranch() map[string]bool {
	branch := make(map[string]bool)
	for id := t.Current; id != ""; {
		node, ok := t.Nodes[id]
		if !ok || branch[id] {
			break
		}
		branch[id] = true
		id = node.Parent
	}
	return branch
}

// evict trims the tree to its mode's retention policy.
//
// Linear mode walks current → root and pops the oldest ancestor while the
// chain exceeds MaxNodes, reparenting its children to null. No tombstones.
//
// Tree mode repeatedly evicts the oldest leaf off the active branch while
// the tree exceeds MaxNodes, tombstoning each, and stops when only the
// active branch remains even if the tree is still over the limit.
func (t *Tree) evict() []string {
	if t.Mode == ModeLinear {
		return t.evictLinear()
	}
	return t.evictTree()
}

func (t *Tree) evictLinear() []string {
	var evicted []string
	for {
		var chain []string
		for id := t.Current; id != ""; {
			node, ok := t.Nodes[id]
			if !ok {
				break
			}
			chain = append(chain, id)
			id = node.Parent
		}
		if len(chain) <= MaxNodes {
			return evicted
		}
		oldest := chain[len(chain)-1]
		node := t.Nodes[oldest]
		for _, child := range node.Children {
			if c, ok := t.Nodes[child]; ok {
				c.Parent = ""
			}
		}
		delete(t.Nodes, oldest)
		evicted = append(evicted, oldest)
	}
}

func (t *Tree) evictTree() []string {
	branch := t.activeBranch()
	var evicted []string
	for len(t.Nodes) > MaxNodes {
		leaf := t.oldestOffBranchLeaf(branch)
		if leaf == "" {
			return evicted
		}
		node := t.Nodes[leaf]
		if parent, ok := t.Nodes[node.Parent]; ok {
			parent.Children = deleteString(parent.Children, leaf)
		}
		delete(t.Nodes, leaf)
		t.addTombstone(leaf)
		evicted = append(evicted, leaf)
	}
	return evicted
}

func (t *Tree) oldestOffBranchLeaf(branch map[string]bool) string {
	var candidates []*Node
	for id, node := range t.Nodes {
		if branch[id] || len(node.Children) > 0 {
			continue
		}
		candidates = append(candidates, t.Nodes[id])
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return seqOf(candidates[i].ID) < seqOf(candidates[j].ID)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].ID
}

func seqOf(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "chk_"))
	return n
}

func deleteString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
