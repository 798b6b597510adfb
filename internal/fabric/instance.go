package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/transport"
)

// Instance is one participant's handle on a mesh: it joins the
// coordination store, keeps a monitor on the membership view, and owns
// the local tree plus the coordinator that reconfigures it.
type Instance struct {
	cfg     Config
	store   Rendezvous
	backend transport.Backend
	monitor *membership.Monitor

	mu      sync.Mutex
	tree    *mesh.Tree
	coord   *Coordinator
	started bool
	closed  bool
}

// NewInstance wires an instance over a coordination store. The backend
// selector in cfg decides which transport carries the groups.
func NewInstance(cfg Config, store Rendezvous) (*Instance, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := transport.New(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return &Instance{
		cfg:     cfg,
		store:   store,
		backend: backend,
		monitor: membership.NewMonitor(cfg.monitorConfig(), store),
	}, nil
}

// Self is the participant this instance runs as.
func (inst *Instance) Self() membership.ParticipantID { return inst.cfg.Self }

// Start posts the join intent, waits until a committed view admits
// this participant, and roots the mesh at that view. Blocks up to ctx.
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return ErrInstanceClosed
	}
	if inst.started {
		inst.mu.Unlock()
		return fmt.Errorf("%w: instance already started", ErrLifecycleOrder)
	}
	inst.started = true
	inst.mu.Unlock()

	if err := inst.store.Join(ctx, inst.cfg.Self, inst.cfg.Capacity); err != nil {
		return fmt.Errorf("fabric: join %q: %w", inst.cfg.Self, err)
	}
	if err := inst.monitor.Start(ctx); err != nil {
		return err
	}
	view, err := inst.awaitAdmission(ctx)
	if err != nil {
		inst.monitor.Stop()
		return err
	}

	// The tree starts empty at version zero: the first Checkpoint runs
	// the admission as a plain reconfiguration toward the current view,
	// arriving at the same barrier the incumbents gather on.
	tree := mesh.NewTree(inst.cfg.Self)
	inst.mu.Lock()
	inst.tree = tree
	inst.coord = NewCoordinator(inst.cfg, inst.store, inst.monitor, inst.backend, tree, 0)
	coord := inst.coord
	inst.mu.Unlock()
	inst.monitor.OnChange(coord.NoteView)

	logging.Infof("fabric.Instance.Start mesh=%q self=%q backend=%q admitted=%s",
		inst.cfg.Mesh, inst.cfg.Self, inst.backend.Name(), view)
	return nil
}

// awaitAdmission blocks until the monitor reports a view that contains
// this participant.
func (inst *Instance) awaitAdmission(ctx context.Context) (membership.View, error) {
	var since uint64
	if view, err := inst.monitor.Current(); err == nil {
		if view.Contains(inst.cfg.Self) {
			return view, nil
		}
		since = view.Version
	}
	for {
		view, err := inst.monitor.AwaitChange(ctx, since)
		if err != nil {
			return membership.View{}, fmt.Errorf("fabric: admission of %q: %w", inst.cfg.Self, err)
		}
		if view.Contains(inst.cfg.Self) {
			return view, nil
		}
		since = view.Version
	}
}

// coordinator returns the running coordinator or an error before Start.
func (inst *Instance) coordinator() (*Coordinator, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil, ErrInstanceClosed
	}
	if inst.coord == nil {
		return nil, fmt.Errorf("%w: instance not started", ErrLifecycleOrder)
	}
	return inst.coord, nil
}

// Checkpoint marks a safepoint: no collectives are in flight for this
// participant, so any pending reconfiguration may run here.
func (inst *Instance) Checkpoint(ctx context.Context) error {
	coord, err := inst.coordinator()
	if err != nil {
		return err
	}
	return coord.Checkpoint(ctx)
}

// Group returns the communicator lease for the mesh level at path.
func (inst *Instance) Group(ctx context.Context, path string) (*mesh.Lease, error) {
	coord, err := inst.coordinator()
	if err != nil {
		return nil, err
	}
	return coord.Group(ctx, path)
}

// InitSubmesh carves nested dimensions under parentPath. Every member
// of the roster must make the identical call.
func (inst *Instance) InitSubmesh(ctx context.Context, parentPath string, names []string, sizes []int, members []membership.ParticipantID) (*mesh.Node, error) {
	coord, err := inst.coordinator()
	if err != nil {
		return nil, err
	}
	return coord.InitSubmesh(ctx, parentPath, names, sizes, members)
}

// DestroySubmesh removes the node at path and its subtree, destroying
// any groups built under it.
func (inst *Instance) DestroySubmesh(path string) error {
	coord, err := inst.coordinator()
	if err != nil {
		return err
	}
	return coord.DestroySubmesh(path)
}

// Leave posts the departure intent. The instance keeps operating on the
// old epoch until a later Checkpoint observes the committed leave and
// returns ErrDeparted.
func (inst *Instance) Leave(ctx context.Context) error {
	if err := inst.store.Leave(ctx, inst.cfg.Self); err != nil {
		return fmt.Errorf("fabric: leave %q: %w", inst.cfg.Self, err)
	}
	logging.Infof("fabric.Instance.Leave mesh=%q self=%q", inst.cfg.Mesh, inst.cfg.Self)
	return nil
}

// Tree exposes the local hierarchy, mainly for inspection.
func (inst *Instance) Tree() *mesh.Tree {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.tree
}

// Status snapshots the instance. Before Start only Mesh and Self are
// populated.
func (inst *Instance) Status() Status {
	inst.mu.Lock()
	coord := inst.coord
	inst.mu.Unlock()
	if coord == nil {
		return Status{Mesh: inst.cfg.Mesh, Self: inst.cfg.Self}
	}
	return coord.Status()
}

// Close stops monitoring, destroys every live group, and releases the
// backend. Safe to call more than once.
func (inst *Instance) Close() error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil
	}
	inst.closed = true
	coord := inst.coord
	inst.mu.Unlock()

	inst.monitor.Stop()
	if coord != nil {
		coord.Shutdown()
	}
	err := inst.backend.Close()
	logging.Infof("fabric.Instance.Close mesh=%q self=%q", inst.cfg.Mesh, inst.cfg.Self)
	return err
}
