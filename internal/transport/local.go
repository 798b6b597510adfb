package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/meshctl/internal/membership"
)

func init() {
	Register("local", func(config string) (Backend, error) {
		return NewLocal(), nil
	})
}

// Local is the degenerate single-process backend: every group has
// exactly one member and collectives are identity operations. It keeps
// development runs and config plumbing honest without any peers.
type Local struct {
	mu     sync.Mutex
	closed bool
}

func NewLocal() *Local { return &Local{} }

func (b *Local) Name() string { return "local" }

func (b *Local) CreateGroup(ctx context.Context, spec GroupSpec) (Group, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	if len(spec.Members) != 1 {
		return nil, fmt.Errorf("%w: local backend builds single-member groups, got %d members",
			ErrInvalidSpec, len(spec.Members))
	}
	return &localGroup{key: spec.Key, self: spec.Self}, nil
}

func (b *Local) DestroyGroup(g Group) error {
	lg, ok := g.(*localGroup)
	if !ok {
		return fmt.Errorf("%w: foreign group %T", ErrInvalidSpec, g)
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.closed = true
	return nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type localGroup struct {
	key  string
	self membership.ParticipantID

	mu     sync.Mutex
	closed bool
}

func (g *localGroup) Key() string { return g.key }

func (g *localGroup) Members() []membership.ParticipantID {
	return []membership.ParticipantID{g.self}
}

func (g *localGroup) Rank() int { return 0 }

func (g *localGroup) Size() int { return 1 }

func (g *localGroup) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *localGroup) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	switch op {
	case ReduceSum, ReduceMax, ReduceMin, ReduceAvg:
	default:
		return nil, fmt.Errorf("%w: unknown reduce op %q", ErrCollectiveMisuse, op)
	}
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return append([]float64(nil), values...), nil
}

func (g *localGroup) Broadcast(ctx context.Context, values []float64, root int) ([]float64, error) {
	if root != 0 {
		return nil, fmt.Errorf("%w: broadcast root %d out of range", ErrCollectiveMisuse, root)
	}
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	return append([]float64(nil), values...), nil
}

func (g *localGroup) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: %s", ErrGroupClosed, g.key)
	}
	return nil
}
