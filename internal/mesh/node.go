package mesh

import (
	"strings"

	"github.com/danmuck/meshctl/internal/membership"
)

// Node is one level of the mesh hierarchy: a named dimension, the
// ordered members this participant shares the level with, and the
// communicator lease for the committed membership version. Structure
// (name, parent) is immutable after creation; membership state is
// guarded by the owning tree's lock.
type Node struct {
	tree   *Tree
	name   string
	parent *Node

	// guarded by tree.mu
	members   []membership.ParticipantID
	version   uint64
	lease     *Lease
	children  []*Node
	destroyed bool
}

// Name is the dimension name of this level; empty for the root.
func (n *Node) Name() string { return n.name }

// Parent returns the enclosing node, nil at the root. The reference is
// non-owning: destroying a child never touches its parent.
func (n *Node) Parent() *Node { return n.parent }

// Path renders the root-to-node dimension names joined with '/'.
func (n *Node) Path() string {
	if n.parent == nil {
		return ""
	}
	var segs []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		segs = append(segs, cur.name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

// Members returns the ordered member list of this level.
func (n *Node) Members() []membership.ParticipantID {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return append([]membership.ParticipantID(nil), n.members...)
}

// Coord is one level of a participant's mesh address: the dimension
// name, the participant's index in the level, and the level size.
type Coord struct {
	Dimension string
	Index     int
	Size      int
}

// Descriptor renders this participant's coordinates from the root down
// to this node, one Coord per level. The root level carries an empty
// dimension name.
func (n *Node) Descriptor() []Coord {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	var chain []*Node
	for cur := n; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make([]Coord, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		out = append(out, Coord{
			Dimension: cur.name,
			Index:     cur.rankLocked(),
			Size:      len(cur.members),
		})
	}
	return out
}

// Rank is this participant's index in the level's member order, -1 if
// it is no longer part of the level.
func (n *Node) Rank() int {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.rankLocked()
}

func (n *Node) rankLocked() int {
	for i, id := range n.members {
		if id == n.tree.self {
			return i
		}
	}
	return -1
}

// Size is the current member count of this level.
func (n *Node) Size() int {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return len(n.members)
}

// Version is the membership view version of the committed member list,
// zero before the first commit.
func (n *Node) Version() uint64 {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.version
}

// Lease returns the current communicator lease, nil before the first
// build and after teardown.
func (n *Node) Lease() *Lease {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.lease
}

// Children returns the owned child nodes in creation order.
func (n *Node) Children() []*Node {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return append([]*Node(nil), n.children...)
}

// Destroyed reports whether this node was torn out of the tree.
func (n *Node) Destroyed() bool {
	n.tree.mu.RLock()
	defer n.tree.mu.RUnlock()
	return n.destroyed
}
