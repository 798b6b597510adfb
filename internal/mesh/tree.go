package mesh

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
)

var (
	ErrInvalidMeshConfig = errors.New("mesh: invalid configuration")
	ErrUnknownPath       = errors.New("mesh: unknown path")
	ErrNodeDestroyed     = errors.New("mesh: node destroyed")
)

// Tree is one participant's local picture of the mesh hierarchy. The
// root spans every run participant; deeper nodes hold the slices of
// explicitly carved submeshes this participant belongs to. One RWMutex
// guards all node state: readers snapshot, the coordinator holds the
// write side only while tearing down and rebuilding.
type Tree struct {
	self membership.ParticipantID

	mu   sync.RWMutex
	root *Node
}

// NewTree roots an empty hierarchy for self. The root has no members
// until the first reconfiguration commits a view into it, which is how
// a joining participant is absorbed: its admission is an ordinary
// rebuild from nothing.
func NewTree(self membership.ParticipantID) *Tree {
	t := &Tree{self: self}
	t.root = &Node{tree: t}
	return t
}

// Self is the owning participant.
func (t *Tree) Self() membership.ParticipantID { return t.self }

// Root returns the node spanning all participants.
func (t *Tree) Root() *Node { return t.root }

// Resolve walks a '/'-separated dimension path from the root. The
// empty path resolves to the root itself.
func (t *Tree) Resolve(path string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(path)
}

func (t *Tree) resolveLocked(path string) (*Node, error) {
	cur := t.root
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return cur, nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		var next *Node
		for _, child := range cur.children {
			if child.name == seg && !child.destroyed {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q (no dimension %q under %q)", ErrUnknownPath, path, seg, cur.Path())
		}
		cur = next
	}
	return cur, nil
}

// Visit pairs a node with its depth for rebuild ordering.
type Visit struct {
	Node  *Node
	Depth int
}

// Walk returns every live node in depth-first preorder.
func (t *Tree) Walk() []Visit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Visit
	var dfs func(n *Node, depth int)
	dfs = func(n *Node, depth int) {
		if n.destroyed {
			return
		}
		out = append(out, Visit{Node: n, Depth: depth})
		for _, child := range n.children {
			dfs(child, depth+1)
		}
	}
	dfs(t.root, 0)
	return out
}

// ProjectedMembers computes a node's member list under a target view:
// the root absorbs every participant, carved submeshes only ever lose
// the ones that departed.
func (t *Tree) ProjectedMembers(n *Node, target membership.View) []membership.ParticipantID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n == t.root {
		return append([]membership.ParticipantID(nil), target.Participants...)
	}
	var out []membership.ParticipantID
	for _, id := range n.members {
		if target.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// InitSubmesh carves a chain of nested dimensions under the node at
// parentPath. members is the full ordered roster of the new submesh in
// row-major layout over sizes; this participant keeps, per dimension,
// the orthogonal slice it belongs to. Returns the innermost node.
func (t *Tree) InitSubmesh(parentPath string, names []string, sizes []int, members []membership.ParticipantID) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.resolveLocked(parentPath)
	if err != nil {
		return nil, err
	}
	if parent.destroyed {
		return nil, fmt.Errorf("%w: %q", ErrNodeDestroyed, parentPath)
	}
	if err := t.validateSubmeshLocked(parent, names, sizes, members); err != nil {
		return nil, err
	}

	selfIdx := -1
	for i, id := range members {
		if id == t.self {
			selfIdx = i
			break
		}
	}
	coords := unravel(selfIdx, sizes)

	cur := parent
	for j := range names {
		slice := axisSlice(members, sizes, coords, j)
		// New levels adopt the parent's epoch so every roster member
		// stamps the same version on first build.
		node := &Node{
			tree:    t,
			name:    names[j],
			parent:  cur,
			members: slice,
			version: cur.version,
		}
		cur.children = append(cur.children, node)
		cur = node
	}
	logging.Infof("mesh.Tree.InitSubmesh self=%q path=%q sizes=%v roster=%d",
		t.self, cur.Path(), sizes, len(members))
	return cur, nil
}

func (t *Tree) validateSubmeshLocked(parent *Node, names []string, sizes []int, members []membership.ParticipantID) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no dimensions", ErrInvalidMeshConfig)
	}
	if len(names) != len(sizes) {
		return fmt.Errorf("%w: %d names for %d sizes", ErrInvalidMeshConfig, len(names), len(sizes))
	}
	product := 1
	seenNames := make(map[string]bool, len(names))
	for j, name := range names {
		if !validDimName(name) {
			return fmt.Errorf("%w: invalid dimension name %q", ErrInvalidMeshConfig, name)
		}
		if seenNames[name] {
			return fmt.Errorf("%w: duplicate dimension name %q", ErrInvalidMeshConfig, name)
		}
		seenNames[name] = true
		if sizes[j] <= 0 {
			return fmt.Errorf("%w: dimension %q has size %d", ErrInvalidMeshConfig, name, sizes[j])
		}
		product *= sizes[j]
	}
	// Dimension names must be unique along any root-to-leaf path.
	for cur := parent; cur != nil; cur = cur.parent {
		if seenNames[cur.name] {
			return fmt.Errorf("%w: dimension %q already used by ancestor %q", ErrInvalidMeshConfig, cur.name, cur.Path())
		}
	}
	for _, sibling := range parent.children {
		if !sibling.destroyed && seenNames[sibling.name] {
			return fmt.Errorf("%w: dimension %q already used by sibling under %q", ErrInvalidMeshConfig, sibling.name, parent.Path())
		}
	}
	if product != len(members) {
		return fmt.Errorf("%w: shape %v wants %d members, roster has %d", ErrInvalidMeshConfig, sizes, product, len(members))
	}
	parentSet := make(map[membership.ParticipantID]bool, len(parent.members))
	for _, id := range parent.members {
		parentSet[id] = true
	}
	seen := make(map[membership.ParticipantID]bool, len(members))
	selfPresent := false
	for _, id := range members {
		if seen[id] {
			return fmt.Errorf("%w: duplicate member %q in roster", ErrInvalidMeshConfig, id)
		}
		seen[id] = true
		if !parentSet[id] {
			return fmt.Errorf("%w: member %q not in parent level %q", ErrInvalidMeshConfig, id, parent.Path())
		}
		if id == t.self {
			selfPresent = true
		}
	}
	if !selfPresent {
		return fmt.Errorf("%w: self %q not in roster", ErrInvalidMeshConfig, t.self)
	}
	return nil
}

// unravel converts a flat row-major index into per-dimension coords.
func unravel(idx int, sizes []int) []int {
	coords := make([]int, len(sizes))
	for j := len(sizes) - 1; j >= 0; j-- {
		coords[j] = idx % sizes[j]
		idx /= sizes[j]
	}
	return coords
}

// axisSlice lists the roster members sharing coords on every dimension
// except axis, ordered by their coordinate on axis.
func axisSlice(members []membership.ParticipantID, sizes []int, coords []int, axis int) []membership.ParticipantID {
	strides := make([]int, len(sizes))
	stride := 1
	for j := len(sizes) - 1; j >= 0; j-- {
		strides[j] = stride
		stride *= sizes[j]
	}
	base := 0
	for j, c := range coords {
		if j != axis {
			base += c * strides[j]
		}
	}
	out := make([]membership.ParticipantID, 0, sizes[axis])
	for i := 0; i < sizes[axis]; i++ {
		out = append(out, members[base+i*strides[axis]])
	}
	return out
}

func validDimName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}

// Commit atomically swaps a node's member list, lease, and version.
// The caller holds no locks; stale readers observe either the old
// committed state or the new one, never a mix.
func (t *Tree) Commit(n *Node, members []membership.ParticipantID, version uint64, lease *Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.destroyed {
		return fmt.Errorf("%w: %q", ErrNodeDestroyed, n.Path())
	}
	n.members = append([]membership.ParticipantID(nil), members...)
	n.version = version
	n.lease = lease
	logging.Debugf("mesh.Tree.Commit self=%q path=%q version=%d size=%d",
		t.self, n.Path(), version, len(members))
	return nil
}

// RevokeLease detaches and revokes a node's lease, returning it so the
// caller can destroy the underlying group. Nil if the node never built
// one.
func (t *Tree) RevokeLease(n *Node) *Lease {
	t.mu.Lock()
	lease := n.lease
	n.lease = nil
	t.mu.Unlock()
	if lease != nil {
		lease.Revoke()
	}
	return lease
}

// DestroyNode tears a node and its whole subtree out of the tree,
// revoking every lease underneath. The revoked leases are returned
// innermost first so callers can destroy the transport groups.
func (t *Tree) DestroyNode(n *Node) ([]*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n == t.root {
		return nil, fmt.Errorf("%w: cannot destroy the root", ErrInvalidMeshConfig)
	}
	if n.destroyed {
		return nil, fmt.Errorf("%w: %q", ErrNodeDestroyed, n.Path())
	}
	var leases []*Lease
	var destroy func(cur *Node)
	destroy = func(cur *Node) {
		for i := len(cur.children) - 1; i >= 0; i-- {
			destroy(cur.children[i])
		}
		cur.children = nil
		cur.destroyed = true
		if cur.lease != nil {
			cur.lease.Revoke()
			leases = append(leases, cur.lease)
			cur.lease = nil
		}
	}
	destroy(n)
	if n.parent != nil {
		kept := n.parent.children[:0]
		for _, child := range n.parent.children {
			if child != n {
				kept = append(kept, child)
			}
		}
		n.parent.children = kept
	}
	logging.Infof("mesh.Tree.DestroyNode self=%q path=%q leases=%d", t.self, n.Path(), len(leases))
	return leases, nil
}

// DestroyAll tears down every carved submesh and the root lease, used
// when the owning instance shuts down.
func (t *Tree) DestroyAll() []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	var leases []*Lease
	var destroy func(cur *Node)
	destroy = func(cur *Node) {
		for i := len(cur.children) - 1; i >= 0; i-- {
			destroy(cur.children[i])
		}
		cur.children = nil
		if cur != t.root {
			cur.destroyed = true
		}
		if cur.lease != nil {
			cur.lease.Revoke()
			leases = append(leases, cur.lease)
			cur.lease = nil
		}
	}
	destroy(t.root)
	return leases
}
