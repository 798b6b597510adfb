package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/transport"
)

// Rendezvous is the coordination-store surface the fabric needs:
// versioned membership reads, join/leave intents, and safepoint
// barrier sets.
type Rendezvous interface {
	membership.Store
	membership.Registrar
	membership.Barrier
}

// Coordinator drives the reconfiguration state machine for one mesh
// instance. Detection is asynchronous; every tree mutation happens
// inside Checkpoint on the calling goroutine, so in-flight collectives
// are never preempted.
type Coordinator struct {
	cfg     Config
	store   Rendezvous
	monitor *membership.Monitor
	backend transport.Backend
	builder *GroupBuilder
	tree    *mesh.Tree

	// checkpointMu serializes safepoint work and lazy group builds.
	checkpointMu sync.Mutex

	mu        sync.Mutex
	state     State
	committed uint64
	failure   error
	departed  bool
	resume    chan struct{}
}

// NewCoordinator assembles the state machine over an instance's parts.
// committed is the view version the tree was rooted at.
func NewCoordinator(cfg Config, store Rendezvous, monitor *membership.Monitor, backend transport.Backend, tree *mesh.Tree, committed uint64) *Coordinator {
	resume := make(chan struct{})
	close(resume)
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		monitor:   monitor,
		backend:   backend,
		builder:   NewGroupBuilder(cfg, backend),
		tree:      tree,
		state:     StateStable,
		committed: committed,
		resume:    resume,
	}
}

// NoteView is the monitor's change callback. It only flags that work
// is pending; the next safepoint does the rest.
func (c *Coordinator) NoteView(view membership.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.departed || c.state != StateStable || view.Version <= c.committed {
		return
	}
	_ = c.setStateLocked(StateDetected)
}

func (c *Coordinator) setStateLocked(to State) error {
	if !transitionAllowed(c.state, to) {
		return transitionError(c.state, to)
	}
	from := c.state
	c.state = to
	switch to {
	case StateBarrierWait:
		// Collectives quiesce from here until the epoch resolves.
		c.resume = make(chan struct{})
	case StateStable, StateFailed:
		select {
		case <-c.resume:
		default:
			close(c.resume)
		}
	}
	logging.Infof("fabric.Coordinator.transition mesh=%q %s -> %s", c.cfg.Mesh, from, to)
	return nil
}

// State reports the coordinator's current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CommittedVersion is the membership version the mesh last committed.
func (c *Coordinator) CommittedVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Status is a point-in-time snapshot for operators and tests.
type Status struct {
	Mesh      string
	Self      membership.ParticipantID
	State     State
	Committed uint64
	Departed  bool
	Staleness int
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	state := c.state
	committed := c.committed
	departed := c.departed
	c.mu.Unlock()
	return Status{
		Mesh:      c.cfg.Mesh,
		Self:      c.cfg.Self,
		State:     state,
		Committed: committed,
		Departed:  departed,
		Staleness: c.monitor.Staleness(),
	}
}

// Checkpoint is the cooperative safepoint: no collectives are in
// flight on the caller's side while it runs. If a membership delta is
// pending, the full quiesce/teardown/rebuild cycle executes here.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	c.mu.Lock()
	if c.departed {
		c.mu.Unlock()
		return ErrDeparted
	}
	if c.state == StateFailed {
		failure := c.failure
		c.mu.Unlock()
		return failure
	}
	committed := c.committed
	c.mu.Unlock()

	view, err := c.monitor.Current()
	if err != nil {
		return err
	}
	if view.Version <= committed {
		// A flagged change that coalesced back to the committed view.
		c.mu.Lock()
		if c.state == StateDetected {
			_ = c.setStateLocked(StateStable)
		}
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	if c.state == StateStable {
		if err := c.setStateLocked(StateDetected); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	return c.reconfigure(ctx, view)
}

// reconfigure runs detected -> barrier_wait -> teardown -> rebuild ->
// stable for one target view.
func (c *Coordinator) reconfigure(ctx context.Context, target membership.View) error {
	start := time.Now()

	if !target.Contains(c.cfg.Self) {
		return c.completeDeparture(target)
	}

	dirty := c.dirtyNodes(target)
	if len(dirty) == 0 {
		// Version moved without touching any member list (capacity
		// hints, coalesced join+leave): commit the version directly.
		c.mu.Lock()
		c.committed = target.Version
		err := c.setStateLocked(StateStable)
		c.mu.Unlock()
		observability.SetMembershipVersion(c.cfg.Mesh, target.Version)
		logging.Infof("fabric.Coordinator.reconfigure no dirty nodes mesh=%q view=%s", c.cfg.Mesh, target)
		return err
	}

	c.mu.Lock()
	if err := c.setStateLocked(StateBarrierWait); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	required := c.requiredAtBarrier(dirty, target)
	gathered, absent, err := c.gatherBarrier(ctx, target.Version, required)
	if err != nil {
		c.mu.Lock()
		_ = c.setStateLocked(StateDetected)
		c.mu.Unlock()
		return fmt.Errorf("fabric: safepoint barrier at v%d: %w", target.Version, err)
	}
	if !gathered {
		// Quorum timeout: treat the absentees as departed by evicting
		// them in the store. The store's next version carries the
		// reduced set, and the cycle resumes against it.
		for _, id := range absent {
			if err := c.store.Leave(ctx, id); err != nil {
				logging.Warnf("fabric.Coordinator barrier eviction failed mesh=%q id=%q err=%v", c.cfg.Mesh, id, err)
			}
		}
		c.mu.Lock()
		_ = c.setStateLocked(StateDetected)
		c.mu.Unlock()
		observability.RecordReconfiguration(c.cfg.Mesh, "deferred")
		logging.Warnf("fabric.Coordinator barrier quorum timeout mesh=%q view=%s absent=%v", c.cfg.Mesh, target, absent)
		return fmt.Errorf("%w: %d members absent at v%d barrier", ErrReconfigurationTimeout, len(absent), target.Version)
	}
	observability.ObserveBarrierWait(c.cfg.Mesh, time.Since(start))

	c.mu.Lock()
	_ = c.setStateLocked(StateTeardown)
	c.mu.Unlock()

	for _, v := range dirty {
		lease := c.tree.RevokeLease(v.Node)
		if lease == nil {
			continue
		}
		if err := c.backend.DestroyGroup(lease.Detach()); err != nil {
			logging.Warnf("fabric.Coordinator teardown destroy failed mesh=%q path=%q err=%v",
				c.cfg.Mesh, v.Node.Path(), err)
		}
	}

	c.mu.Lock()
	_ = c.setStateLocked(StateRebuild)
	c.mu.Unlock()

	// Every member of a dirty node rebuilds it, whether or not a group
	// existed before: the build is a collective, so the decision must
	// come out identical on every participant.
	type commitItem struct {
		node    *mesh.Node
		members []membership.ParticipantID
		lease   *mesh.Lease
	}
	excluded := map[membership.ParticipantID]bool{}
	commits := make([]commitItem, 0, len(dirty))
	for _, v := range dirty {
		members := without(c.tree.ProjectedMembers(v.Node, target), excluded)
		if len(members) == 0 {
			return c.fail(fmt.Errorf("node %q has no surviving members at v%d", v.Node.Path(), target.Version))
		}
		lease, err := c.builder.Build(ctx, v.Node.Path(), target.Version, members)
		if err != nil {
			lease, members, err = c.rebuildDegraded(ctx, v.Node, target.Version, members, excluded, err)
			if err != nil {
				return c.fail(fmt.Errorf("rebuild %q at v%d: %v", v.Node.Path(), target.Version, err))
			}
		}
		commits = append(commits, commitItem{node: v.Node, members: members, lease: lease})
	}

	// Commit the epoch: member lists, leases, and the instance version
	// swap while collectives are still quiesced.
	for _, item := range commits {
		if err := c.tree.Commit(item.node, item.members, target.Version, item.lease); err != nil {
			return c.fail(fmt.Errorf("commit %q at v%d: %v", item.node.Path(), target.Version, err))
		}
	}
	c.mu.Lock()
	c.committed = target.Version
	err = c.setStateLocked(StateStable)
	c.mu.Unlock()
	observability.SetMembershipVersion(c.cfg.Mesh, target.Version)
	observability.RecordReconfiguration(c.cfg.Mesh, "committed")
	logging.Infof("fabric.Coordinator.reconfigure committed mesh=%q view=%s rebuilt=%d elapsed=%s",
		c.cfg.Mesh, target, len(commits), time.Since(start).Round(time.Millisecond))
	return err
}

// rebuildDegraded excludes the ranks a failed build reported missing,
// posts their eviction to the store, and retries once with a patient
// window sized to cover peers still draining their own retry budgets.
func (c *Coordinator) rebuildDegraded(ctx context.Context, node *mesh.Node, version uint64, members []membership.ParticipantID, excluded map[membership.ParticipantID]bool, cause error) (*mesh.Lease, []membership.ParticipantID, error) {
	var ge *transport.GroupError
	if !errors.As(cause, &ge) || len(ge.Missing) == 0 {
		return nil, nil, cause
	}
	missing := map[membership.ParticipantID]bool{}
	for _, id := range ge.Missing {
		if id == c.cfg.Self {
			return nil, nil, cause
		}
		missing[id] = true
		excluded[id] = true
	}
	reduced := without(members, missing)
	if len(reduced) == 0 {
		return nil, nil, cause
	}
	for id := range missing {
		if err := c.store.Leave(ctx, id); err != nil {
			logging.Warnf("fabric.Coordinator exclusion eviction failed mesh=%q id=%q err=%v", c.cfg.Mesh, id, err)
		}
	}
	observability.RecordReconfiguration(c.cfg.Mesh, "degraded")
	logging.Warnf("fabric.Coordinator degrading mesh=%q path=%q version=%d excluded=%v survivors=%d",
		c.cfg.Mesh, node.Path(), version, ge.Missing, len(reduced))

	// Peers that shared the failed build may spend their whole budget
	// before attempting the reduced set; wait long enough to meet them.
	window := time.Duration(c.cfg.RebuildRetryCount+1) * c.cfg.BuildTimeout
	if c.cfg.Backoff.MaxDelay > 0 {
		window += time.Duration(c.cfg.RebuildRetryCount) * c.cfg.Backoff.MaxDelay
	}
	reducedCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	lease, err := c.builder.BuildOnce(reducedCtx, node.Path(), version, reduced)
	if err != nil {
		return nil, nil, err
	}
	return lease, reduced, nil
}

func (c *Coordinator) fail(cause error) error {
	failure := fmt.Errorf("%w: %v", ErrReconfigurationFailed, cause)
	c.mu.Lock()
	c.failure = failure
	c.state = StateFailed
	select {
	case <-c.resume:
	default:
		close(c.resume)
	}
	c.mu.Unlock()
	observability.RecordReconfiguration(c.cfg.Mesh, "failed")
	logging.Errf("fabric.Coordinator failed mesh=%q err=%v", c.cfg.Mesh, cause)
	return failure
}

// completeDeparture seals the instance once the store committed our
// own leave: every group is destroyed and the mesh is left for good.
func (c *Coordinator) completeDeparture(target membership.View) error {
	for _, lease := range c.tree.DestroyAll() {
		if err := c.backend.DestroyGroup(lease.Detach()); err != nil {
			logging.Warnf("fabric.Coordinator departure destroy failed mesh=%q path=%q err=%v",
				c.cfg.Mesh, lease.Path(), err)
		}
	}
	c.mu.Lock()
	c.departed = true
	c.committed = target.Version
	select {
	case <-c.resume:
	default:
		close(c.resume)
	}
	c.mu.Unlock()
	logging.Infof("fabric.Coordinator departed mesh=%q self=%q view=%s", c.cfg.Mesh, c.cfg.Self, target)
	return ErrDeparted
}

// dirtyNodes lists the nodes whose member list changes under target,
// innermost first. Everything else keeps its lease untouched.
func (c *Coordinator) dirtyNodes(target membership.View) []mesh.Visit {
	var dirty []mesh.Visit
	for _, v := range c.tree.Walk() {
		projected := c.tree.ProjectedMembers(v.Node, target)
		if !equalMembers(projected, v.Node.Members()) {
			dirty = append(dirty, v)
		}
	}
	sort.SliceStable(dirty, func(i, j int) bool { return dirty[i].Depth > dirty[j].Depth })
	return dirty
}

// requiredAtBarrier is the set of surviving participants that must
// reach their safepoints before teardown may begin.
func (c *Coordinator) requiredAtBarrier(dirty []mesh.Visit, target membership.View) []membership.ParticipantID {
	set := map[membership.ParticipantID]bool{c.cfg.Self: true}
	for _, v := range dirty {
		for _, id := range c.tree.ProjectedMembers(v.Node, target) {
			set[id] = true
		}
	}
	out := make([]membership.ParticipantID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// gatherBarrier posts our arrival and polls the store until every
// required member arrived or the quorum timeout fires.
func (c *Coordinator) gatherBarrier(ctx context.Context, version uint64, required []membership.ParticipantID) (bool, []membership.ParticipantID, error) {
	key := fmt.Sprintf("reconfig/%s/%d", c.cfg.Mesh, version)
	if err := c.store.Arrive(ctx, key, c.cfg.Self); err != nil {
		return false, nil, err
	}
	logging.Debugf("fabric.Coordinator.gatherBarrier mesh=%q key=%q required=%d", c.cfg.Mesh, key, len(required))

	deadline := time.Now().Add(c.cfg.BarrierQuorumTimeout)
	for {
		arrived, err := c.store.Arrived(ctx, key)
		if err != nil {
			return false, nil, err
		}
		present := map[membership.ParticipantID]bool{}
		for _, id := range arrived {
			present[id] = true
		}
		var missing []membership.ParticipantID
		for _, id := range required {
			if !present[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return true, nil, nil
		}
		if time.Now().After(deadline) {
			return false, missing, nil
		}
		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return false, missing, ctx.Err()
		}
	}
}

// Group resolves a path and returns its current lease, building it on
// first use. While a reconfiguration is in flight the call blocks
// until the new epoch commits, bounded by ctx and GroupWaitTimeout.
func (c *Coordinator) Group(ctx context.Context, path string) (*mesh.Lease, error) {
	limit := time.Now().Add(c.cfg.GroupWaitTimeout)
	for {
		c.mu.Lock()
		state := c.state
		departed := c.departed
		failure := c.failure
		resume := c.resume
		c.mu.Unlock()

		switch {
		case departed:
			return nil, ErrDeparted
		case state == StateFailed:
			return nil, failure
		case state == StateStable || state == StateDetected:
			node, err := c.tree.Resolve(path)
			if err != nil {
				return nil, err
			}
			if lease := node.Lease(); lease != nil && !lease.Revoked() {
				return lease, nil
			}
			return c.buildLazy(ctx, node)
		default:
			select {
			case <-resume:
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %q: %v", ErrGroupWaitTimeout, path, ctx.Err())
			case <-time.After(time.Until(limit)):
				return nil, fmt.Errorf("%w: %q after %s", ErrGroupWaitTimeout, path, c.cfg.GroupWaitTimeout)
			}
		}
	}
}

// buildLazy builds a node's first group at the node's own epoch. It
// shares the checkpoint lock so it can never interleave with a
// transition.
func (c *Coordinator) buildLazy(ctx context.Context, node *mesh.Node) (*mesh.Lease, error) {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()

	c.mu.Lock()
	state := c.state
	departed := c.departed
	failure := c.failure
	c.mu.Unlock()
	if departed {
		return nil, ErrDeparted
	}
	if state == StateFailed {
		return nil, failure
	}
	if node.Destroyed() {
		return nil, fmt.Errorf("%w: %q", mesh.ErrNodeDestroyed, node.Path())
	}
	if lease := node.Lease(); lease != nil && !lease.Revoked() {
		return lease, nil
	}

	members := node.Members()
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %q has no committed members yet, checkpoint first", ErrLifecycleOrder, node.Path())
	}
	version := node.Version()
	lease, err := c.builder.Build(ctx, node.Path(), version, members)
	if err != nil {
		return nil, err
	}
	if err := c.tree.Commit(node, members, version, lease); err != nil {
		lease.Revoke()
		if derr := c.backend.DestroyGroup(lease.Detach()); derr != nil {
			logging.Warnf("fabric.Coordinator lazy build cleanup failed mesh=%q err=%v", c.cfg.Mesh, derr)
		}
		return nil, err
	}
	return lease, nil
}

// InitSubmesh carves nested dimensions under parentPath once the mesh
// is quiescent. Same collective contract as group builds: every listed
// member runs the identical call.
func (c *Coordinator) InitSubmesh(ctx context.Context, parentPath string, names []string, sizes []int, members []membership.ParticipantID) (*mesh.Node, error) {
	limit := time.Now().Add(c.cfg.GroupWaitTimeout)
	for {
		c.mu.Lock()
		state := c.state
		departed := c.departed
		failure := c.failure
		resume := c.resume
		c.mu.Unlock()

		switch {
		case departed:
			return nil, ErrDeparted
		case state == StateFailed:
			return nil, failure
		case state == StateStable || state == StateDetected:
			return c.tree.InitSubmesh(parentPath, names, sizes, members)
		default:
			select {
			case <-resume:
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: init %q: %v", ErrGroupWaitTimeout, parentPath, ctx.Err())
			case <-time.After(time.Until(limit)):
				return nil, fmt.Errorf("%w: init %q after %s", ErrGroupWaitTimeout, parentPath, c.cfg.GroupWaitTimeout)
			}
		}
	}
}

// DestroySubmesh removes a carved level and its subtree, destroying
// the groups built beneath it. Serialized against reconfigurations.
func (c *Coordinator) DestroySubmesh(path string) error {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	node, err := c.tree.Resolve(path)
	if err != nil {
		return err
	}
	leases, err := c.tree.DestroyNode(node)
	if err != nil {
		return err
	}
	for _, lease := range leases {
		if err := c.backend.DestroyGroup(lease.Detach()); err != nil {
			logging.Warnf("fabric.Coordinator.DestroySubmesh destroy failed mesh=%q path=%q err=%v",
				c.cfg.Mesh, lease.Path(), err)
		}
	}
	return nil
}

// Shutdown destroys every live group; used when the owning instance
// closes without a store-recognized departure.
func (c *Coordinator) Shutdown() {
	c.checkpointMu.Lock()
	defer c.checkpointMu.Unlock()
	for _, lease := range c.tree.DestroyAll() {
		if err := c.backend.DestroyGroup(lease.Detach()); err != nil {
			logging.Warnf("fabric.Coordinator shutdown destroy failed mesh=%q path=%q err=%v",
				c.cfg.Mesh, lease.Path(), err)
		}
	}
	c.mu.Lock()
	c.departed = true
	select {
	case <-c.resume:
	default:
		close(c.resume)
	}
	c.mu.Unlock()
}

func equalMembers(a, b []membership.ParticipantID) bool {
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

func without(members []membership.ParticipantID, drop map[membership.ParticipantID]bool) []membership.ParticipantID {
	if len(drop) == 0 {
		return members
	}
	out := make([]membership.ParticipantID, 0, len(members))
	for _, id := range members {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
