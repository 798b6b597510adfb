package fabric

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/transport"
)

// GroupBuilder turns member lists into versioned communicator leases
// through the transport backend, retrying within the configured
// budget before the coordinator considers exclusions.
type GroupBuilder struct {
	mesh    string
	self    membership.ParticipantID
	backend transport.Backend
	budget  int
	timeout time.Duration
	backoff BackoffConfig
	rng     *rand.Rand
}

// NewGroupBuilder binds a builder to one instance's backend.
func NewGroupBuilder(cfg Config, backend transport.Backend) *GroupBuilder {
	return &GroupBuilder{
		mesh:    cfg.Mesh,
		self:    cfg.Self,
		backend: backend,
		budget:  cfg.RebuildRetryCount,
		timeout: cfg.BuildTimeout,
		backoff: cfg.Backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GroupKey derives the rendezvous key every member of a build agrees
// on: mesh, node path, target version, and a digest of the member
// order, so differing member sets can never meet in one room.
func GroupKey(meshName, path string, version uint64, members []membership.ParticipantID) string {
	h := fnv.New32a()
	for _, id := range members {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	label := path
	if label == "" {
		label = "root"
	}
	return fmt.Sprintf("%s/%s@v%d#%08x", meshName, label, version, h.Sum32())
}

// Build creates the communicator group for one node at version,
// retrying within the budget. The returned lease is tagged with the
// version the group was built from.
func (b *GroupBuilder) Build(ctx context.Context, path string, version uint64, members []membership.ParticipantID) (*mesh.Lease, error) {
	spec := transport.GroupSpec{
		Key:     GroupKey(b.mesh, path, version, members),
		Members: members,
		Self:    b.self,
	}
	var lastErr error
	for attempt := 1; attempt <= b.budget; attempt++ {
		if attempt > 1 {
			observability.RecordRebuildRetry(b.mesh, path)
			delay := nextBackoffDelay(b.backoff, attempt-1, b.rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("fabric: build %q: %w", spec.Key, ctx.Err())
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
		group, err := b.backend.CreateGroup(attemptCtx, spec)
		cancel()
		if err == nil {
			logging.Infof("fabric.GroupBuilder.Build mesh=%q key=%q size=%d attempt=%d",
				b.mesh, spec.Key, len(members), attempt)
			return mesh.NewLease(path, version, group), nil
		}
		lastErr = err
		logging.Warnf("fabric.GroupBuilder.Build attempt failed mesh=%q key=%q attempt=%d err=%v",
			b.mesh, spec.Key, attempt, err)
		if errors.Is(err, transport.ErrInvalidSpec) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// BuildOnce runs a single attempt with no retry budget, used for the
// final reduced-membership build after exclusions.
func (b *GroupBuilder) BuildOnce(ctx context.Context, path string, version uint64, members []membership.ParticipantID) (*mesh.Lease, error) {
	spec := transport.GroupSpec{
		Key:     GroupKey(b.mesh, path, version, members),
		Members: members,
		Self:    b.self,
	}
	group, err := b.backend.CreateGroup(ctx, spec)
	if err != nil {
		return nil, err
	}
	logging.Infof("fabric.GroupBuilder.BuildOnce mesh=%q key=%q size=%d", b.mesh, spec.Key, len(members))
	return mesh.NewLease(path, version, group), nil
}

// nextBackoffDelay returns the retry delay for attempt N (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
