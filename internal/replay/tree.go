package replay

import (
	"fmt"
	"math"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// NodeID addresses a node in the tree arena.
type NodeID int

// RootID is the synthetic root. Its only child is the recorded root, so the
// recorded root can be retried and exhausted like any other node.
const RootID NodeID = 0

// Sentinels returned by Tree.NextChild instead of a child position.
const (
	NoChildren   = -1
	AllExhausted = -2
)

type treeNode struct {
	step     schemas.RecordedStep
	parent   NodeID
	children []NodeID
}

// searchState is the mutable per-node bookkeeping, one entry per child.
type searchState struct {
	probability []float64
	attempts    []int
	exhausted   []bool
}

// Tree is a branching recording stored as an arena. Nodes are immutable
// records; all search state lives in the parallel state table and belongs to
// a single replay run.
type Tree struct {
	nodes []treeNode
	state []searchState
}

// NewTree builds the arena from a decoded recording and wraps it in the
// synthetic root.
func NewTree(root *schemas.TreeRecord) (*Tree, error) {
	if root == nil {
		return nil, fmt.Errorf("recording tree has no root")
	}
	t := &Tree{
		nodes: []treeNode{{parent: -1}},
		state: []searchState{{}},
	}
	if _, err := t.add(root, RootID); err != nil {
		return nil, err
	}
	t.state[RootID] = newSearchState(1, nil)
	return t, nil
}

func (t *Tree) add(rec *schemas.TreeRecord, parent NodeID) (NodeID, error) {
	if err := rec.Step.Validate(); err != nil {
		return 0, fmt.Errorf("node %d: %w", len(t.nodes), err)
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, treeNode{step: rec.Step, parent: parent})
	t.state = append(t.state, searchState{})
	t.nodes[parent].children = append(t.nodes[parent].children, id)

	for i, child := range rec.Children {
		if child == nil {
			return 0, fmt.Errorf("node %d: child %d is null", id, i)
		}
		if _, err := t.add(child, id); err != nil {
			return 0, err
		}
	}

	probability, err := normalizeProbability(rec.Probability, len(rec.Children))
	if err != nil {
		return 0, fmt.Errorf("node %d: %w", id, err)
	}
	t.state[id] = newSearchState(len(rec.Children), probability)
	return id, nil
}

func newSearchState(n int, probability []float64) searchState {
	if probability == nil {
		probability = make([]float64, n)
		for i := range probability {
			probability[i] = 1 / float64(n)
		}
	}
	return searchState{
		probability: probability,
		attempts:    make([]int, n),
		exhausted:   make([]bool, n),
	}
}

// normalizeProbability validates recorded child weights and scales them to
// sum to one. A nil slice means uniform. All-zero weights stay zero; random
// selection falls back to uniform for them.
func normalizeProbability(p []float64, n int) ([]float64, error) {
	if p == nil {
		return nil, nil
	}
	if len(p) != n {
		return nil, fmt.Errorf("probability has %d entries for %d children", len(p), n)
	}
	var sum float64
	for i, v := range p {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("probability %d is invalid: %v", i, v)
		}
		sum += v
	}
	out := make([]float64, n)
	if sum == 0 {
		return out, nil
	}
	for i, v := range p {
		out[i] = v / sum
	}
	return out, nil
}

// Len returns the number of nodes including the synthetic root.
func (t *Tree) Len() int { return len(t.nodes) }

// Step returns the recorded step of a node.
func (t *Tree) Step(id NodeID) schemas.RecordedStep { return t.nodes[id].step }

// Parent returns the parent of a node, or -1 for the synthetic root.
func (t *Tree) Parent(id NodeID) NodeID { return t.nodes[id].parent }

// Children returns the child ids of a node.
func (t *Tree) Children(id NodeID) []NodeID { return t.nodes[id].children }

// Child returns the id of the child at a position.
func (t *Tree) Child(id NodeID, position int) NodeID { return t.nodes[id].children[position] }

// Attempts returns how often the child at a position has been attempted.
func (t *Tree) Attempts(id NodeID, position int) int { return t.state[id].attempts[position] }

// Exhausted reports whether the child at a position is exhausted.
func (t *Tree) Exhausted(id NodeID, position int) bool { return t.state[id].exhausted[position] }

// RecordAttempt counts one attempt of a child.
func (t *Tree) RecordAttempt(id NodeID, position int) { t.state[id].attempts[position]++ }

// MarkExhausted flags a child as exhausted. Flags are never cleared.
func (t *Tree) MarkExhausted(id NodeID, position int) { t.state[id].exhausted[position] = true }

// refresh propagates exhaustion bottom-up through the subtree of id and
// reports whether id has children and all of them are exhausted. A child is
// exhausted once it has been attempted attemptCap times, or once all of its
// own children are exhausted.
func (t *Tree) refresh(id NodeID, attemptCap int) bool {
	children := t.nodes[id].children
	if len(children) == 0 {
		return false
	}
	st := t.state[id]
	all := true
	for i, child := range children {
		if t.refresh(child, attemptCap) || st.attempts[i] >= attemptCap {
			st.exhausted[i] = true
		}
		if !st.exhausted[i] {
			all = false
		}
	}
	return all
}

// Candidate is a non-exhausted child offered to a SelectionPolicy.
type Candidate struct {
	Node        NodeID
	Position    int
	Attempts    int
	Probability float64
}

// NextChild picks the next child of id to attempt. It returns NoChildren for
// a leaf, AllExhausted when every child is exhausted, or a child position.
func (t *Tree) NextChild(id NodeID, policy SelectionPolicy, attemptCap int) int {
	if len(t.nodes[id].children) == 0 {
		return NoChildren
	}
	if t.refresh(id, attemptCap) {
		return AllExhausted
	}

	st := t.state[id]
	candidates := make([]Candidate, 0, len(st.exhausted))
	for i, done := range st.exhausted {
		if done {
			continue
		}
		candidates = append(candidates, Candidate{
			Node:        t.nodes[id].children[i],
			Position:    i,
			Attempts:    st.attempts[i],
			Probability: st.probability[i],
		})
	}
	return policy.Choose(candidates)
}
