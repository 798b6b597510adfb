package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/transport"
)

var ErrStaleLease = errors.New("mesh: stale communicator lease")

// Lease binds one communicator group to the membership version it was
// built from. Holders that outlive a reconfiguration fail fast here
// instead of touching a torn-down group.
type Lease struct {
	id      string
	path    string
	version uint64
	group   transport.Group

	mu      sync.RWMutex
	revoked bool
}

// NewLease wraps a freshly built group for path at version.
func NewLease(path string, version uint64, group transport.Group) *Lease {
	return &Lease{
		id:      uuid.NewString(),
		path:    path,
		version: version,
		group:   group,
	}
}

func (l *Lease) ID() string { return l.id }

func (l *Lease) Path() string { return l.path }

// Version is the membership view version the group was built against.
func (l *Lease) Version() uint64 { return l.version }

// Revoke invalidates the lease. The underlying group is destroyed by
// the coordinator, not here.
func (l *Lease) Revoke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked = true
}

func (l *Lease) Revoked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revoked
}

// Detach returns the underlying group regardless of revocation, for
// the coordinator to destroy during teardown.
func (l *Lease) Detach() transport.Group {
	return l.group
}

// Group returns the live transport group or fails if the lease was
// revoked by a reconfiguration.
func (l *Lease) Group() (transport.Group, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.revoked {
		return nil, fmt.Errorf("%w: %s@v%d", ErrStaleLease, l.path, l.version)
	}
	return l.group, nil
}

// Members returns the group's agreed rank order.
func (l *Lease) Members() []membership.ParticipantID {
	return l.group.Members()
}

// Rank is this participant's index in the group.
func (l *Lease) Rank() int { return l.group.Rank() }

// Size is the group's member count.
func (l *Lease) Size() int { return l.group.Size() }

// AllReduce issues a collective through the leased group, failing fast
// on a revoked lease.
func (l *Lease) AllReduce(ctx context.Context, values []float64, op transport.ReduceOp) ([]float64, error) {
	g, err := l.Group()
	if err != nil {
		return nil, err
	}
	return g.AllReduce(ctx, values, op)
}

// Broadcast issues a collective through the leased group, failing fast
// on a revoked lease.
func (l *Lease) Broadcast(ctx context.Context, values []float64, root int) ([]float64, error) {
	g, err := l.Group()
	if err != nil {
		return nil, err
	}
	return g.Broadcast(ctx, values, root)
}
