// Package hierarchy maintains the coordination tree: a bounded multi-level
// arrangement of coordination nodes, each owning a subset of agents and a
// local work queue.
//
// The tree arena owns every node; parent/child relationships are ids, never
// owning references. Nodes are created on demand during placement and are
// not destroyed at runtime — an emptied node is reused by future
// registrations to avoid create/destroy thrash.
package hierarchy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agent-hive/hivecore/pkg/models"
)

// ErrUnknownNode is returned for operations that reference a node id the
// tree does not own.
var ErrUnknownNode = errors.New("unknown coordination node")

// Node is a single coordination node. All fields are guarded by the tree
// mutex; callers only ever see copies via NodeView.
type Node struct {
	id       string
	level    int
	parentID string
	agents   map[string]bool
	subs     []string

	// queue holds tasks assigned to this node's agents, in dispatch order.
	queue []*models.Task

	// load is the sum of in-flight counts of the node's agents. Every
	// queue mutation adjusts it in the same critical section.
	load int
}

// NodeView is an immutable copy of a node's observable state.
type NodeView struct {
	ID       string   `json:"id"`
	Level    int      `json:"level"`
	ParentID string   `json:"parent_id,omitempty"`
	AgentIDs []string `json:"agent_ids"`
	SubIDs   []string `json:"sub_ids,omitempty"`
	Load     int      `json:"load"`
	QueueLen int      `json:"queue_len"`
}

// Tree is the coordination hierarchy.
type Tree struct {
	mu sync.Mutex

	maxAgentsPerNode int
	maxDepth         int

	nodes     map[string]*Node
	levels    map[int][]*Node
	agentNode map[string]string
	rootID    string
	seq       int
}

// New creates a tree with a root node at level 0.
// maxAgentsPerNode bounds both agent membership and sub-coordinator fan-out.
func New(maxAgentsPerNode, maxDepth int) *Tree {
	if maxAgentsPerNode < 1 {
		maxAgentsPerNode = 1
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	t := &Tree{
		maxAgentsPerNode: maxAgentsPerNode,
		maxDepth:         maxDepth,
		nodes:            make(map[string]*Node),
		levels:           make(map[int][]*Node),
		agentNode:        make(map[string]string),
	}
	root := t.newNodeLocked(0, "")
	t.rootID = root.id
	return t
}

func (t *Tree) newNodeLocked(level int, parentID string) *Node {
	t.seq++
	n := &Node{
		id:       fmt.Sprintf("node-L%d-%d", level, t.seq),
		level:    level,
		parentID: parentID,
		agents:   make(map[string]bool),
	}
	t.nodes[n.id] = n
	t.levels[level] = append(t.levels[level], n)
	if parentID != "" {
		t.nodes[parentID].subs = append(t.nodes[parentID].subs, n.id)
	}
	return n
}

// Place assigns an agent to a coordination node and returns the node id.
//
// Target level is min(⌊totalAgents/maxAgentsPerNode⌋, maxDepth−1). Among
// under-capacity nodes at that level the least-loaded wins; if none exists a
// new node is created, attaching ancestors as needed. The routine always
// terminates: the root exists at level 0 and every created node strictly
// reduces the available-slot deficit.
func (t *Tree) Place(agentID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.agentNode[agentID]; ok {
		return "", fmt.Errorf("agent %s already placed", agentID)
	}

	level := len(t.agentNode) / t.maxAgentsPerNode
	if level > t.maxDepth-1 {
		level = t.maxDepth - 1
	}

	node := t.leastLoadedWithRoomLocked(level)
	if node == nil {
		node = t.createAtLevelLocked(level)
	}

	node.agents[agentID] = true
	t.agentNode[agentID] = node.id
	return node.id, nil
}

// leastLoadedWithRoomLocked returns the least-loaded node at the level that
// is still below agent capacity, or nil.
func (t *Tree) leastLoadedWithRoomLocked(level int) *Node {
	var best *Node
	for _, n := range t.levels[level] {
		if len(n.agents) >= t.maxAgentsPerNode {
			continue
		}
		if best == nil || n.load < best.load {
			best = n
		}
	}
	return best
}

// createAtLevelLocked creates a node at the level, walking up to find (or
// create) a parent chain with sub-coordinator room.
func (t *Tree) createAtLevelLocked(level int) *Node {
	if level == 0 {
		return t.newNodeLocked(0, "")
	}
	parent := t.parentWithRoomLocked(level - 1)
	return t.newNodeLocked(level, parent.id)
}

func (t *Tree) parentWithRoomLocked(level int) *Node {
	for _, n := range t.levels[level] {
		if len(n.subs) < t.maxAgentsPerNode {
			return n
		}
	}
	if level == 0 {
		// level 0 is saturated: overflow the root's fan-out so the tree
		// keeps a single parentless node
		return t.nodes[t.rootID]
	}
	return t.createAtLevelLocked(level)
}

// NodeOf returns the node id currently holding the agent.
func (t *Tree) NodeOf(agentID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.agentNode[agentID]
	return id, ok
}

// RemoveAgent detaches an agent from its node. The node itself survives for
// reuse. Returns the node id the agent was removed from.
func (t *Tree) RemoveAgent(agentID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodeID, ok := t.agentNode[agentID]
	if !ok {
		return "", false
	}
	delete(t.agentNode, agentID)
	delete(t.nodes[nodeID].agents, agentID)
	return nodeID, true
}

// Enqueue appends a task to the node queue of the agent's node and bumps the
// node load. Must be called after the registry has bound the task.
func (t *Tree) Enqueue(agentID string, task *models.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodeID, ok := t.agentNode[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s has no node", ErrUnknownNode, agentID)
	}
	n := t.nodes[nodeID]
	n.queue = append(n.queue, task)
	n.load++
	return nil
}

// Complete removes a finished task from its node queue and decrements load.
// Returns false when the node does not hold the task (it may have been stolen
// or re-queued), leaving the node untouched.
func (t *Tree) Complete(nodeID, taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	if !t.removeFromQueueLocked(n, taskID) {
		return false
	}
	if n.load > 0 {
		n.load--
	}
	return true
}

func (t *Tree) removeFromQueueLocked(n *Node, taskID string) bool {
	for i, task := range n.queue {
		if task.ID == taskID {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveTasks drops the given task ids from a node's queue, decrementing
// load per removed task. Used when an agent fails and its tasks return to
// the global queue.
func (t *Tree) RemoveTasks(nodeID string, taskIDs []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return 0
	}
	removed := 0
	for _, id := range taskIDs {
		if t.removeFromQueueLocked(n, id) {
			removed++
			if n.load > 0 {
				n.load--
			}
		}
	}
	return removed
}

// Steal pops up to n tasks from the head of one node's queue and appends
// them to another, adjusting both loads in one critical section. The moved
// tasks are returned so the caller can rebind them to agents of the target
// node. Σ load over all nodes is invariant across the move.
func (t *Tree) Steal(fromID, toID string, n int) ([]*models.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, ok := t.nodes[fromID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, fromID)
	}
	to, ok := t.nodes[toID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, toID)
	}

	if n > len(from.queue) {
		n = len(from.queue)
	}
	if n <= 0 {
		return nil, nil
	}

	moved := make([]*models.Task, n)
	copy(moved, from.queue[:n])
	from.queue = append([]*models.Task(nil), from.queue[n:]...)
	to.queue = append(to.queue, moved...)
	from.load -= n
	to.load += n
	return moved, nil
}

// AgentsOf returns the agent ids of a node.
func (t *Tree) AgentsOf(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.agents))
	for id := range n.agents {
		out = append(out, id)
	}
	return out
}

// Nodes returns a snapshot of all nodes.
func (t *Tree) Nodes() []NodeView {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]NodeView, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, t.viewLocked(n))
	}
	return out
}

func (t *Tree) viewLocked(n *Node) NodeView {
	agents := make([]string, 0, len(n.agents))
	for id := range n.agents {
		agents = append(agents, id)
	}
	subs := make([]string, len(n.subs))
	copy(subs, n.subs)
	return NodeView{
		ID:       n.id,
		Level:    n.level,
		ParentID: n.parentID,
		AgentIDs: agents,
		SubIDs:   subs,
		Load:     n.load,
		QueueLen: len(n.queue),
	}
}

// Loads returns (id, load) pairs for every node that holds at least one
// agent, for the work stealer's snapshot step.
type NodeLoad struct {
	ID       string
	Load     int
	QueueLen int
	Agents   int
}

// LoadSnapshot returns current per-node loads.
func (t *Tree) LoadSnapshot() []NodeLoad {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]NodeLoad, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, NodeLoad{ID: n.id, Load: n.load, QueueLen: len(n.queue), Agents: len(n.agents)})
	}
	return out
}

// NodeCount returns the number of nodes in the arena.
func (t *Tree) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Depth returns the number of populated levels.
func (t *Tree) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	depth := 0
	for level := range t.levels {
		if level+1 > depth {
			depth = level + 1
		}
	}
	return depth
}
