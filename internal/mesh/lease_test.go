package mesh

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
)

// fakeGroup records collective calls without any real transport.
type fakeGroup struct {
	key        string
	members    []membership.ParticipantID
	self       membership.ParticipantID
	allreduces int
	closed     bool
}

func (g *fakeGroup) Key() string { return g.key }

func (g *fakeGroup) Members() []membership.ParticipantID {
	return append([]membership.ParticipantID(nil), g.members...)
}

func (g *fakeGroup) Rank() int {
	for i, id := range g.members {
		if id == g.self {
			return i
		}
	}
	return -1
}

func (g *fakeGroup) Size() int { return len(g.members) }

func (g *fakeGroup) Closed() bool { return g.closed }

func (g *fakeGroup) AllReduce(ctx context.Context, values []float64, op transport.ReduceOp) ([]float64, error) {
	g.allreduces++
	return append([]float64(nil), values...), nil
}

func (g *fakeGroup) Broadcast(ctx context.Context, values []float64, root int) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

func TestLeaseFailsFastAfterRevoke(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	fg := &fakeGroup{key: "k", members: []membership.ParticipantID{"a", "b"}, self: "a"}
	lease := NewLease("outer", 3, fg)

	if lease.ID() == "" {
		t.Fatalf("expected lease id")
	}
	if lease.Version() != 3 || lease.Path() != "outer" {
		t.Fatalf("unexpected lease identity: path=%q version=%d", lease.Path(), lease.Version())
	}
	if _, err := lease.AllReduce(ctx, []float64{1}, transport.ReduceSum); err != nil {
		t.Fatalf("allreduce through live lease: %v", err)
	}
	if fg.allreduces != 1 {
		t.Fatalf("expected collective forwarded to group")
	}

	lease.Revoke()
	if !lease.Revoked() {
		t.Fatalf("expected lease revoked")
	}
	if _, err := lease.Group(); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("expected ErrStaleLease, got %v", err)
	}
	if _, err := lease.AllReduce(ctx, []float64{1}, transport.ReduceSum); !errors.Is(err, ErrStaleLease) {
		t.Fatalf("expected ErrStaleLease from collective, got %v", err)
	}
	if fg.allreduces != 1 {
		t.Fatalf("revoked lease must not reach the group")
	}
}

func TestLeaseIDsAreUnique(t *testing.T) {
	testlog.Start(t)
	fg := &fakeGroup{key: "k", members: []membership.ParticipantID{"a"}, self: "a"}
	a := NewLease("p", 1, fg)
	b := NewLease("p", 1, fg)
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct lease ids")
	}
}
