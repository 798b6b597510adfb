package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/meshctl/internal/membership"
)

var (
	ErrBackendUnknown   = errors.New("transport: unknown backend")
	ErrBackendClosed    = errors.New("transport: backend closed")
	ErrInvalidSpec      = errors.New("transport: invalid group spec")
	ErrGroupBuild       = errors.New("transport: group build failed")
	ErrGroupClosed      = errors.New("transport: group closed")
	ErrCollectiveMisuse = errors.New("transport: mismatched collective call")
)

// ReduceOp selects the elementwise reduction applied by AllReduce.
type ReduceOp string

const (
	ReduceSum ReduceOp = "sum"
	ReduceMax ReduceOp = "max"
	ReduceMin ReduceOp = "min"
	ReduceAvg ReduceOp = "avg"
)

// GroupSpec describes one communicator group. Every member submits an
// identical spec: same key, same member order.
type GroupSpec struct {
	Key     string
	Members []membership.ParticipantID
	Self    membership.ParticipantID
}

// Validate rejects specs a backend must never accept.
func (s GroupSpec) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidSpec)
	}
	if len(s.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidSpec)
	}
	seen := make(map[membership.ParticipantID]bool, len(s.Members))
	self := false
	for _, id := range s.Members {
		if !membership.ValidID(id) {
			return fmt.Errorf("%w: invalid member %q", ErrInvalidSpec, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate member %q", ErrInvalidSpec, id)
		}
		seen[id] = true
		if id == s.Self {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("%w: self %q not in member list", ErrInvalidSpec, s.Self)
	}
	return nil
}

// Rank returns Self's index in the agreed member order.
func (s GroupSpec) Rank() int {
	for i, id := range s.Members {
		if id == s.Self {
			return i
		}
	}
	return -1
}

// Group is one live communicator. Collectives involve every member and
// fail fast once the group is destroyed.
type Group interface {
	Key() string
	Members() []membership.ParticipantID
	Rank() int
	Size() int
	AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error)
	Broadcast(ctx context.Context, values []float64, root int) ([]float64, error)
	Closed() bool
}

// Backend provides the capability set the fabric needs from a
// transport: create a group, destroy a group. Collectives are issued
// through the groups it returns.
type Backend interface {
	Name() string
	CreateGroup(ctx context.Context, spec GroupSpec) (Group, error)
	DestroyGroup(g Group) error
	Close() error
}

// GroupError reports a failed group build and which members never
// showed up at the rendezvous.
type GroupError struct {
	Key     string
	Missing []membership.ParticipantID
}

func (e *GroupError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("group %q build failed", e.Key)
	}
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("group %q build failed, missing members: %s", e.Key, strings.Join(ids, ","))
}

func (e *GroupError) Unwrap() error { return ErrGroupBuild }
