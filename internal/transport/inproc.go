package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
)

func init() {
	Register("inproc", func(config string) (Backend, error) {
		return NewInproc(config), nil
	})
}

// hubs shares rendezvous state between every inproc backend of one
// namespace inside a single process. The namespace is the selector
// config fragment, so "inproc:run-a" and "inproc:run-b" never meet.
var (
	hubsMu sync.Mutex
	hubs   = map[string]*hub{}
)

func hubFor(namespace string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[namespace]
	if !ok {
		h = &hub{
			namespace: namespace,
			rooms:     map[string]*room{},
			failing:   map[membership.ParticipantID]bool{},
		}
		hubs[namespace] = h
	}
	return h
}

type hub struct {
	namespace string

	mu      sync.Mutex
	rooms   map[string]*room
	failing map[membership.ParticipantID]bool
}

// room gathers the members of one pending group build. Arrivals are
// cumulative: a member that timed out and retries the same key resumes
// the same rendezvous instead of starting over.
type room struct {
	spec    GroupSpec
	arrived map[membership.ParticipantID]bool
	ready   chan struct{}
	state   *groupState
	err     error
}

func (r *room) fail(err error) {
	if r.err == nil {
		r.err = err
		close(r.ready)
	}
}

func (r *room) missing() []membership.ParticipantID {
	var out []membership.ParticipantID
	for _, id := range r.spec.Members {
		if !r.arrived[id] {
			out = append(out, id)
		}
	}
	return out
}

// Inproc simulates a collective transport inside one process. Group
// creation is a symmetric rendezvous of every listed member, and
// collectives block until all members of the group contribute.
type Inproc struct {
	hub *hub

	mu      sync.Mutex
	closed  bool
	created []*inprocGroup
}

// NewInproc returns a backend bound to the namespace's shared hub.
func NewInproc(namespace string) *Inproc {
	return &Inproc{hub: hubFor(namespace)}
}

func (b *Inproc) Name() string { return "inproc" }

// FailRank makes every subsequent group build involving id fail: id's
// own builds error immediately and peers report it missing.
func (b *Inproc) FailRank(id membership.ParticipantID) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.hub.failing[id] = true
}

// HealRank clears an injected fault.
func (b *Inproc) HealRank(id membership.ParticipantID) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	delete(b.hub.failing, id)
}

// CreateGroup blocks until every member in spec arrives at the same
// key or ctx ends. On timeout the error reports which members never
// showed up.
func (b *Inproc) CreateGroup(ctx context.Context, spec GroupSpec) (Group, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBackendClosed
	}
	b.mu.Unlock()

	h := b.hub
	h.mu.Lock()
	if h.failing[spec.Self] {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: injected fault for %q", ErrGroupBuild, spec.Self)
	}
	rm, ok := h.rooms[spec.Key]
	if !ok {
		rm = &room{spec: spec, arrived: map[membership.ParticipantID]bool{}, ready: make(chan struct{})}
		h.rooms[spec.Key] = rm
	} else if !sameMembers(rm.spec.Members, spec.Members) {
		rm.fail(fmt.Errorf("%w: key %q joined with diverging member lists", ErrInvalidSpec, spec.Key))
		h.mu.Unlock()
		return nil, rm.err
	}
	rm.arrived[spec.Self] = true
	if rm.state == nil && rm.err == nil && len(rm.arrived) == len(rm.spec.Members) {
		rm.state = newGroupState(h, spec.Key, rm.spec.Members)
		close(rm.ready)
	}
	ready := rm.ready
	h.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		h.mu.Lock()
		missing := rm.missing()
		h.mu.Unlock()
		logging.Warnf("transport.Inproc.CreateGroup timeout key=%q missing=%v", spec.Key, missing)
		return nil, &GroupError{Key: spec.Key, Missing: missing}
	}

	h.mu.Lock()
	err := rm.err
	state := rm.state
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g := &inprocGroup{state: state, self: spec.Self, rank: spec.Rank()}
	b.mu.Lock()
	b.created = append(b.created, g)
	b.mu.Unlock()
	return g, nil
}

// DestroyGroup tears the group down for every member; in-flight
// collectives abort with ErrGroupClosed.
func (b *Inproc) DestroyGroup(g Group) error {
	ig, ok := g.(*inprocGroup)
	if !ok {
		return fmt.Errorf("%w: foreign group %T", ErrInvalidSpec, g)
	}
	ig.state.destroy()
	return nil
}

// Close aborts every group created through this handle. Peer handles
// observe ErrGroupClosed, matching how a dead rank breaks its groups.
func (b *Inproc) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	created := b.created
	b.created = nil
	b.mu.Unlock()
	for _, g := range created {
		g.state.destroy()
	}
	return nil
}

func sameMembers(a, b []membership.ParticipantID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// groupState is the hub-side body of one built group, shared by all
// member handles.
type groupState struct {
	hub     *hub
	key     string
	members []membership.ParticipantID

	mu      sync.Mutex
	closed  bool
	nextSeq map[membership.ParticipantID]uint64
	rounds  map[uint64]*caucus
}

func newGroupState(h *hub, key string, members []membership.ParticipantID) *groupState {
	return &groupState{
		hub:     h,
		key:     key,
		members: append([]membership.ParticipantID(nil), members...),
		nextSeq: map[membership.ParticipantID]uint64{},
		rounds:  map[uint64]*caucus{},
	}
}

func (s *groupState) destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, c := range s.rounds {
		c.fail(fmt.Errorf("%w: %s", ErrGroupClosed, s.key))
	}
	s.mu.Unlock()

	s.hub.mu.Lock()
	if rm, ok := s.hub.rooms[s.key]; ok && rm.state == s {
		delete(s.hub.rooms, s.key)
	}
	s.hub.mu.Unlock()
	logging.Debugf("transport.groupState.destroy key=%q", s.key)
}

// caucus is one collective round: contributions accumulate until every
// member has joined, then the shared result is released.
type caucus struct {
	kind   string
	op     ReduceOp
	root   int
	acc    []float64
	joined int
	picked int
	ready  chan struct{}
	err    error
}

func (c *caucus) fail(err error) {
	if c.err == nil {
		c.err = err
		close(c.ready)
	}
}

type inprocGroup struct {
	state *groupState
	self  membership.ParticipantID
	rank  int
}

func (g *inprocGroup) Key() string { return g.state.key }

func (g *inprocGroup) Members() []membership.ParticipantID {
	return append([]membership.ParticipantID(nil), g.state.members...)
}

func (g *inprocGroup) Rank() int { return g.rank }

func (g *inprocGroup) Size() int { return len(g.state.members) }

func (g *inprocGroup) Closed() bool {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.closed
}

// AllReduce folds values elementwise across all members and returns
// the shared result to each of them.
func (g *inprocGroup) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	switch op {
	case ReduceSum, ReduceMax, ReduceMin, ReduceAvg:
	default:
		return nil, fmt.Errorf("%w: unknown reduce op %q", ErrCollectiveMisuse, op)
	}
	return g.join(ctx, "allreduce", op, 0, values, true)
}

// Broadcast distributes root's values to every member. Non-root
// callers may pass nil.
func (g *inprocGroup) Broadcast(ctx context.Context, values []float64, root int) ([]float64, error) {
	if root < 0 || root >= g.Size() {
		return nil, fmt.Errorf("%w: broadcast root %d out of range", ErrCollectiveMisuse, root)
	}
	return g.join(ctx, "broadcast", "", root, values, g.rank == root)
}

func (g *inprocGroup) join(ctx context.Context, kind string, op ReduceOp, root int, values []float64, contribute bool) ([]float64, error) {
	s := g.state
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupClosed, s.key)
	}
	seq := s.nextSeq[g.self]
	s.nextSeq[g.self]++
	c, ok := s.rounds[seq]
	if !ok {
		c = &caucus{kind: kind, op: op, root: root, ready: make(chan struct{})}
		s.rounds[seq] = c
	}
	if c.err == nil {
		switch {
		case c.kind != kind:
			c.fail(fmt.Errorf("%w: %s joined against %s", ErrCollectiveMisuse, kind, c.kind))
		case kind == "allreduce" && c.op != op:
			c.fail(fmt.Errorf("%w: reduce op %q joined against %q", ErrCollectiveMisuse, op, c.op))
		case kind == "broadcast" && c.root != root:
			c.fail(fmt.Errorf("%w: broadcast root %d joined against %d", ErrCollectiveMisuse, root, c.root))
		}
	}
	if c.err == nil && contribute {
		if c.acc == nil {
			c.acc = append([]float64(nil), values...)
		} else if len(values) != len(c.acc) {
			c.fail(fmt.Errorf("%w: operand width %d joined against %d", ErrCollectiveMisuse, len(values), len(c.acc)))
		} else if kind == "allreduce" {
			reduceInto(c.acc, values, op)
		}
	}
	if c.err == nil {
		c.joined++
		if c.joined == len(s.members) {
			if kind == "allreduce" && op == ReduceAvg {
				for i := range c.acc {
					c.acc[i] /= float64(len(s.members))
				}
			}
			close(c.ready)
		}
	}
	ready := c.ready
	s.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: %s %q: %w", kind, s.key, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := append([]float64(nil), c.acc...)
	c.picked++
	if c.picked == len(s.members) {
		delete(s.rounds, seq)
	}
	return out, nil
}

func reduceInto(acc, values []float64, op ReduceOp) {
	for i, v := range values {
		switch op {
		case ReduceSum, ReduceAvg:
			acc[i] += v
		case ReduceMax:
			if v > acc[i] {
				acc[i] = v
			}
		case ReduceMin:
			if v < acc[i] {
				acc[i] = v
			}
		}
	}
}
