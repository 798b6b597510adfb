package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/danmuck/meshctl/internal/transport"
)

// testConfig keeps every protocol clock tight enough for tests while
// preserving the ordering the defaults guarantee.
func testConfig(meshName string, self membership.ParticipantID) Config {
	return Config{
		Mesh:                 meshName,
		Self:                 self,
		Backend:              "inproc:" + meshName,
		PollInterval:         10 * time.Millisecond,
		MaxStalenessPolls:    3,
		BarrierQuorumTimeout: 1200 * time.Millisecond,
		RebuildRetryCount:    2,
		GroupWaitTimeout:     3 * time.Second,
		BuildTimeout:         400 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     25 * time.Millisecond,
		},
	}
}

func startInstance(t *testing.T, store *membership.MemStore, meshName string, self membership.ParticipantID) *Instance {
	t.Helper()
	inst, err := NewInstance(testConfig(meshName, self), store)
	if err != nil {
		t.Fatalf("new instance %s: %v", self, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", self, err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func storeVersion(t *testing.T, store *membership.MemStore) uint64 {
	t.Helper()
	view, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch view: %v", err)
	}
	return view.Version
}

// converge drives checkpoint loops on every instance until each one is
// stable at or beyond the store version captured on entry. Deferral
// timeouts are part of the protocol and simply loop again.
func converge(t *testing.T, store *membership.MemStore, insts ...*Instance) {
	t.Helper()
	target := storeVersion(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func(i int, inst *Instance) {
			defer wg.Done()
			for {
				err := inst.Checkpoint(ctx)
				if err == nil {
					st := inst.Status()
					if st.State == StateStable && st.Committed >= target {
						return
					}
				} else if !errors.Is(err, ErrReconfigurationTimeout) {
					errs[i] = err
					return
				}
				select {
				case <-time.After(5 * time.Millisecond):
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
			}
		}(i, inst)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("converge %s: %v", insts[i].Self(), err)
		}
	}
}

// checkpointUntilErr loops checkpoints until one returns an error.
func checkpointUntilErr(inst *Instance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	for {
		if err := inst.Checkpoint(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// groupAll resolves the same path on every instance concurrently, so
// first-touch builds can rendezvous.
func groupAll(t *testing.T, path string, insts ...*Instance) []*mesh.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	leases := make([]*mesh.Lease, len(insts))
	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func(i int, inst *Instance) {
			defer wg.Done()
			leases[i], errs[i] = inst.Group(ctx, path)
		}(i, inst)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("group %q on %s: %v", path, insts[i].Self(), err)
		}
	}
	return leases
}

// sumAcross runs one AllReduce round over the given leases and returns
// each member's result.
func sumAcross(t *testing.T, leases []*mesh.Lease, inputs [][]float64) [][]float64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([][]float64, len(leases))
	errs := make([]error, len(leases))
	var wg sync.WaitGroup
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], errs[i] = leases[i].AllReduce(ctx, inputs[i], transport.ReduceSum)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("allreduce member %d: %v", i, err)
		}
	}
	return out
}

func sameFloats(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBootstrapPairBuildsRoot(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-boot", "a")
	b := startInstance(t, store, "fab-boot", "b")
	converge(t, store, a, b)

	stA, stB := a.Status(), b.Status()
	if stA.State != StateStable || stB.State != StateStable {
		t.Fatalf("expected both stable, got %s/%s", stA.State, stB.State)
	}
	if stA.Committed != stB.Committed || stA.Committed != storeVersion(t, store) {
		t.Fatalf("committed versions diverge: a=%d b=%d store=%d", stA.Committed, stB.Committed, storeVersion(t, store))
	}

	roots := groupAll(t, "", a, b)
	if roots[0].Size() != 2 || roots[0].Rank() != 0 || roots[1].Rank() != 1 {
		t.Fatalf("rank order must follow the sorted view, got ranks %d/%d size %d",
			roots[0].Rank(), roots[1].Rank(), roots[0].Size())
	}
	if roots[0].Version() != stA.Committed {
		t.Fatalf("lease version %d, committed %d", roots[0].Version(), stA.Committed)
	}

	got := sumAcross(t, roots, [][]float64{{1, 10}, {2, 20}})
	for i := range got {
		if !sameFloats(got[i], []float64{3, 30}) {
			t.Fatalf("member %d allreduce got %v", i, got[i])
		}
	}
}

func TestGroupLeaseStableUntilReconfiguration(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-idem", "a")
	converge(t, store, a)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	g1, err := a.Group(ctx, "")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	g2, err := a.Group(ctx, "")
	if err != nil || g2 != g1 {
		t.Fatalf("repeated Group must return the same lease, err=%v", err)
	}
	if out, err := g1.AllReduce(ctx, []float64{5}, transport.ReduceSum); err != nil || !sameFloats(out, []float64{5}) {
		t.Fatalf("singleton allreduce got %v err=%v", out, err)
	}

	b := startInstance(t, store, "fab-idem", "b")
	converge(t, store, a, b)

	if !g1.Revoked() {
		t.Fatalf("old lease must be revoked after the rebuild")
	}
	if _, err := g1.AllReduce(ctx, []float64{1}, transport.ReduceSum); !errors.Is(err, mesh.ErrStaleLease) {
		t.Fatalf("expected ErrStaleLease on the old epoch, got %v", err)
	}
	g3, err := a.Group(ctx, "")
	if err != nil || g3 == g1 {
		t.Fatalf("expected a fresh lease, err=%v", err)
	}
	if g3.Size() != 2 || g3.Version() != a.Status().Committed {
		t.Fatalf("new lease size=%d version=%d committed=%d", g3.Size(), g3.Version(), a.Status().Committed)
	}
}

func TestJoinLeavesCarvedSubmeshUntouched(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-join", "a")
	b := startInstance(t, store, "fab-join", "b")
	converge(t, store, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	roster := []membership.ParticipantID{"a", "b"}
	for _, inst := range []*Instance{a, b} {
		if _, err := inst.InitSubmesh(ctx, "", []string{"pair"}, []int{2}, roster); err != nil {
			t.Fatalf("init pair on %s: %v", inst.Self(), err)
		}
	}
	pairs := groupAll(t, "pair", a, b)
	got := sumAcross(t, pairs, [][]float64{{1}, {2}})
	if !sameFloats(got[0], []float64{3}) {
		t.Fatalf("pair allreduce got %v", got[0])
	}

	c := startInstance(t, store, "fab-join", "c")
	converge(t, store, a, b, c)

	// Only the root absorbed the join; the carved pair kept its lease.
	pa, err := a.Group(ctx, "pair")
	if err != nil || pa != pairs[0] || pa.Revoked() {
		t.Fatalf("pair lease must survive the join untouched, err=%v", err)
	}
	roots := groupAll(t, "", a, b, c)
	if roots[0].Size() != 3 {
		t.Fatalf("root must span the joined view, size=%d", roots[0].Size())
	}
	if _, err := c.Group(ctx, "pair"); !errors.Is(err, mesh.ErrUnknownPath) {
		t.Fatalf("joiner must not see the carved pair, got %v", err)
	}

	rootSums := sumAcross(t, roots, [][]float64{{1}, {2}, {3}})
	if !sameFloats(rootSums[0], []float64{6}) {
		t.Fatalf("root allreduce got %v", rootSums[0])
	}
	pairSums := sumAcross(t, pairs, [][]float64{{4}, {5}})
	if !sameFloats(pairSums[1], []float64{9}) {
		t.Fatalf("pair allreduce after join got %v", pairSums[1])
	}
}

func TestLeaveShrinksOnlyAffectedLevels(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-leave", "a")
	b := startInstance(t, store, "fab-leave", "b")
	c := startInstance(t, store, "fab-leave", "c")
	converge(t, store, a, b, c)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := a.InitSubmesh(ctx, "", []string{"solo"}, []int{1}, []membership.ParticipantID{"a"}); err != nil {
		t.Fatalf("init solo: %v", err)
	}
	solo := groupAll(t, "solo", a)[0]
	oldRoots := groupAll(t, "", a, b, c)

	if err := b.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := checkpointUntilErr(b); !errors.Is(err, ErrDeparted) {
		t.Fatalf("expected ErrDeparted for the leaver, got %v", err)
	}
	if !b.Status().Departed {
		t.Fatalf("leaver must report departed")
	}
	if err := b.Checkpoint(ctx); !errors.Is(err, ErrDeparted) {
		t.Fatalf("departure must be sticky, got %v", err)
	}
	if _, err := b.Group(ctx, ""); !errors.Is(err, ErrDeparted) {
		t.Fatalf("departed group must fail, got %v", err)
	}

	converge(t, store, a, c)

	// The solo level had no departed member, so its lease survived.
	solo2, err := a.Group(ctx, "solo")
	if err != nil || solo2 != solo || solo.Revoked() {
		t.Fatalf("solo lease must survive the leave, err=%v", err)
	}
	if out, err := solo.AllReduce(ctx, []float64{2}, transport.ReduceSum); err != nil || !sameFloats(out, []float64{2}) {
		t.Fatalf("solo allreduce got %v err=%v", out, err)
	}

	if !oldRoots[0].Revoked() {
		t.Fatalf("old root lease must be revoked on survivors")
	}
	roots := groupAll(t, "", a, c)
	if roots[0].Size() != 2 {
		t.Fatalf("survivor root size=%d", roots[0].Size())
	}
	got := sumAcross(t, roots, [][]float64{{1}, {2}})
	if !sameFloats(got[0], []float64{3}) {
		t.Fatalf("survivor allreduce got %v", got[0])
	}
}

func TestStalenessSurfacesAtSafepoint(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-stale", "a")
	converge(t, store, a)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	root, err := a.Group(ctx, "")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if a.Status().Staleness != 0 {
		t.Fatalf("healthy store must report zero staleness, got %d", a.Status().Staleness)
	}

	store.Close()
	time.Sleep(150 * time.Millisecond)

	if err := a.Checkpoint(ctx); !errors.Is(err, membership.ErrMembershipUnavailable) {
		t.Fatalf("expected ErrMembershipUnavailable past the staleness bound, got %v", err)
	}
	if a.Status().Staleness <= 3 {
		t.Fatalf("staleness must exceed the poll bound, got %d", a.Status().Staleness)
	}

	// Between safepoints the committed epoch stays usable.
	if out, err := root.AllReduce(ctx, []float64{7}, transport.ReduceSum); err != nil || !sameFloats(out, []float64{7}) {
		t.Fatalf("stale-store allreduce got %v err=%v", out, err)
	}
}

func TestQuorumTimeoutEvictsSilentRank(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-quorum", "a")
	b := startInstance(t, store, "fab-quorum", "b")
	c := startInstance(t, store, "fab-quorum", "c")
	converge(t, store, a, b, c)
	oldRoots := groupAll(t, "", a, b, c)

	// d joins but c never reaches another safepoint: the survivors time
	// out at the barrier, evict c in the store, and resume on the next
	// version.
	d := startInstance(t, store, "fab-quorum", "d")
	converge(t, store, a, b, d)

	view, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if view.Version != 6 {
		t.Fatalf("expected exactly one eviction bump to v6, got %s", view)
	}
	if view.Contains("c") || !view.Contains("d") {
		t.Fatalf("expected c evicted and d admitted, got %s", view)
	}

	roots := groupAll(t, "", a, b, d)
	if roots[0].Size() != 3 {
		t.Fatalf("rebuilt root size=%d", roots[0].Size())
	}
	got := sumAcross(t, roots, [][]float64{{1}, {2}, {4}})
	if !sameFloats(got[0], []float64{7}) {
		t.Fatalf("rebuilt allreduce got %v", got[0])
	}

	// The silent rank's old group died with the survivors' teardown.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := oldRoots[2].AllReduce(ctx, []float64{1}, transport.ReduceSum); !errors.Is(err, transport.ErrGroupClosed) {
		t.Fatalf("zombie group must fail fast, got %v", err)
	}
	// Once it finally polls, the evicted rank discovers its departure.
	if err := checkpointUntilErr(c); !errors.Is(err, ErrDeparted) {
		t.Fatalf("evicted rank must observe departure, got %v", err)
	}
}

func TestBuildFailureDegradesAroundFaultyRank(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-degrade", "a")
	b := startInstance(t, store, "fab-degrade", "b")
	c := startInstance(t, store, "fab-degrade", "c")
	converge(t, store, a, b, c)
	groupAll(t, "", a, b, c)

	aux, err := transport.New("inproc:fab-degrade")
	if err != nil {
		t.Fatalf("aux backend: %v", err)
	}
	t.Cleanup(func() { _ = aux.Close() })
	aux.(*transport.Inproc).FailRank("c")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := checkpointUntilErr(b); !errors.Is(err, ErrDeparted) {
		t.Fatalf("leaver: %v", err)
	}

	// a and c reconfigure together: c's builds fail at the transport,
	// so a exhausts its budget, excludes c, and finishes reduced while
	// c's own cycle is absorbed into failed.
	cRes := make(chan error, 1)
	go func() { cRes <- checkpointUntilErr(c) }()
	converge(t, store, a)
	cErr := <-cRes

	if !errors.Is(cErr, ErrReconfigurationFailed) {
		t.Fatalf("faulty rank must fail its reconfiguration, got %v", cErr)
	}
	if c.Status().State != StateFailed {
		t.Fatalf("faulty rank state %s", c.Status().State)
	}
	if err := c.Checkpoint(ctx); !errors.Is(err, ErrReconfigurationFailed) {
		t.Fatalf("failed state must be absorbing, got %v", err)
	}
	if _, err := c.Group(ctx, ""); !errors.Is(err, ErrReconfigurationFailed) {
		t.Fatalf("failed instance group must fail, got %v", err)
	}

	view, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if view.Contains("c") || !view.Contains("a") || len(view.Participants) != 1 {
		t.Fatalf("expected the faulty rank evicted, got %s", view)
	}

	root, err := a.Group(ctx, "")
	if err != nil {
		t.Fatalf("survivor group: %v", err)
	}
	if root.Size() != 1 || root.Rank() != 0 {
		t.Fatalf("survivor root size=%d rank=%d", root.Size(), root.Rank())
	}
	if out, err := root.AllReduce(ctx, []float64{3}, transport.ReduceSum); err != nil || !sameFloats(out, []float64{3}) {
		t.Fatalf("reduced allreduce got %v err=%v", out, err)
	}
}

func TestGroupBlocksDuringReconfiguration(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-gate", "a")
	b := startInstance(t, store, "fab-gate", "b")
	converge(t, store, a, b)
	oldRoots := groupAll(t, "", a, b)

	c := startInstance(t, store, "fab-gate", "c")
	target := storeVersion(t, store)

	// a checkpoints alone and parks at the barrier until b and c reach
	// their own safepoints.
	aDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for {
			if err := a.Checkpoint(ctx); err != nil {
				aDone <- err
				return
			}
			if a.Status().Committed >= target {
				aDone <- nil
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	time.Sleep(200 * time.Millisecond)
	if st := a.Status().State; st != StateBarrierWait {
		t.Fatalf("expected a parked in barrier_wait, got %s", st)
	}

	leaseCh := make(chan *mesh.Lease, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l, err := a.Group(ctx, "")
		leaseCh <- l
		errCh <- err
	}()
	time.Sleep(80 * time.Millisecond)

	converge(t, store, b, c)
	if err := <-aDone; err != nil {
		t.Fatalf("gated checkpoint: %v", err)
	}
	lease, err := <-leaseCh, <-errCh
	if err != nil {
		t.Fatalf("gated group: %v", err)
	}
	if lease.Version() != a.Status().Committed || lease.Size() != 3 {
		t.Fatalf("gated group must land on the new epoch, version=%d size=%d", lease.Version(), lease.Size())
	}
	if !oldRoots[0].Revoked() {
		t.Fatalf("pre-join lease must be revoked")
	}
}

func TestCapacityOnlyChangeSkipsRebuild(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-capacity", "a")
	b := startInstance(t, store, "fab-capacity", "b")
	converge(t, store, a, b)
	roots := groupAll(t, "", a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Join(ctx, "a", 4.0); err != nil {
		t.Fatalf("capacity update: %v", err)
	}
	converge(t, store, a, b)

	if a.Status().Committed != storeVersion(t, store) {
		t.Fatalf("capacity bump must commit, got %d", a.Status().Committed)
	}
	ra, err := a.Group(ctx, "")
	if err != nil || ra != roots[0] || ra.Revoked() {
		t.Fatalf("member-preserving delta must not rebuild, err=%v", err)
	}
	got := sumAcross(t, roots, [][]float64{{1}, {2}})
	if !sameFloats(got[0], []float64{3}) {
		t.Fatalf("allreduce after capacity bump got %v", got[0])
	}
}

func TestDestroySubmeshReleasesGroups(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-free", "a")
	b := startInstance(t, store, "fab-free", "b")
	converge(t, store, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	roster := []membership.ParticipantID{"a", "b"}
	for _, inst := range []*Instance{a, b} {
		if _, err := inst.InitSubmesh(ctx, "", []string{"pair"}, []int{2}, roster); err != nil {
			t.Fatalf("init pair: %v", err)
		}
	}
	pairs := groupAll(t, "pair", a, b)

	if err := a.DestroySubmesh("pair"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := a.Group(ctx, "pair"); !errors.Is(err, mesh.ErrUnknownPath) {
		t.Fatalf("destroyed path must not resolve, got %v", err)
	}
	if !pairs[0].Revoked() {
		t.Fatalf("destroyed level's lease must be revoked")
	}
	if _, err := pairs[0].AllReduce(ctx, []float64{1}, transport.ReduceSum); !errors.Is(err, mesh.ErrStaleLease) {
		t.Fatalf("revoked lease must fail fast, got %v", err)
	}
	// The peer's handle broke with the shared group.
	if _, err := pairs[1].AllReduce(ctx, []float64{1}, transport.ReduceSum); !errors.Is(err, transport.ErrGroupClosed) {
		t.Fatalf("peer handle must observe the destroyed group, got %v", err)
	}
	if err := b.DestroySubmesh("pair"); err != nil {
		t.Fatalf("peer destroy: %v", err)
	}

	if err := a.DestroySubmesh(""); !errors.Is(err, mesh.ErrInvalidMeshConfig) {
		t.Fatalf("root destroy must be rejected, got %v", err)
	}
	roots := groupAll(t, "", a, b)
	got := sumAcross(t, roots, [][]float64{{1}, {2}})
	if !sameFloats(got[0], []float64{3}) {
		t.Fatalf("root must survive submesh teardown, got %v", got[0])
	}
}

func TestMultiDimGridCollectives(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	a := startInstance(t, store, "fab-grid", "a")
	b := startInstance(t, store, "fab-grid", "b")
	c := startInstance(t, store, "fab-grid", "c")
	d := startInstance(t, store, "fab-grid", "d")
	converge(t, store, a, b, c, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	roster := []membership.ParticipantID{"a", "b", "c", "d"}
	for _, inst := range []*Instance{a, b, c, d} {
		if _, err := inst.InitSubmesh(ctx, "", []string{"replicate", "shard"}, []int{2, 2}, roster); err != nil {
			t.Fatalf("init grid on %s: %v", inst.Self(), err)
		}
	}

	// Row-major 2x2: replicate slices are columns {a,c} and {b,d},
	// shard slices rows {a,b} and {c,d}.
	rep := groupAll(t, "replicate", a, b, c, d)
	repSums := sumAcross(t, rep, [][]float64{{1}, {2}, {3}, {4}})
	if !sameFloats(repSums[0], []float64{4}) || !sameFloats(repSums[2], []float64{4}) {
		t.Fatalf("replicate {a,c} sums %v %v", repSums[0], repSums[2])
	}
	if !sameFloats(repSums[1], []float64{6}) || !sameFloats(repSums[3], []float64{6}) {
		t.Fatalf("replicate {b,d} sums %v %v", repSums[1], repSums[3])
	}
	if rep[0].Rank() != 0 || rep[2].Rank() != 1 {
		t.Fatalf("replicate ranks %d/%d", rep[0].Rank(), rep[2].Rank())
	}

	shard := groupAll(t, "replicate/shard", a, b, c, d)
	shardSums := sumAcross(t, shard, [][]float64{{1}, {2}, {3}, {4}})
	if !sameFloats(shardSums[0], []float64{3}) || !sameFloats(shardSums[2], []float64{7}) {
		t.Fatalf("shard sums %v %v", shardSums[0], shardSums[2])
	}

	// Broadcast inside one shard row: a is rank 0 of {a,b}.
	bres := make([][]float64, 2)
	berrs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bres[0], berrs[0] = shard[0].Broadcast(ctx, []float64{7, 8}, 0)
	}()
	go func() {
		defer wg.Done()
		bres[1], berrs[1] = shard[1].Broadcast(ctx, nil, 0)
	}()
	wg.Wait()
	for i := range berrs {
		if berrs[i] != nil || !sameFloats(bres[i], []float64{7, 8}) {
			t.Fatalf("broadcast member %d got %v err=%v", i, bres[i], berrs[i])
		}
	}

	// A later join rebuilds only the root; the grid keeps its leases.
	e := startInstance(t, store, "fab-grid", "e")
	converge(t, store, a, b, c, d, e)
	if rep[0].Revoked() || shard[0].Revoked() {
		t.Fatalf("grid leases must survive a root-only join")
	}
	if _, err := e.Group(ctx, "replicate"); !errors.Is(err, mesh.ErrUnknownPath) {
		t.Fatalf("joiner must not see the grid, got %v", err)
	}
	repAgain := sumAcross(t, []*mesh.Lease{rep[0], rep[2]}, [][]float64{{5}, {6}})
	if !sameFloats(repAgain[0], []float64{11}) {
		t.Fatalf("grid allreduce after join got %v", repAgain[0])
	}
}

func TestInstanceLifecycleGuards(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()

	if _, err := NewInstance(testConfig("fab-life", "BAD ID"), store); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg := testConfig("fab-life", "a")
	cfg.Backend = "bogus"
	if _, err := NewInstance(cfg, store); !errors.Is(err, transport.ErrBackendUnknown) {
		t.Fatalf("expected ErrBackendUnknown, got %v", err)
	}

	inst, err := NewInstance(testConfig("fab-life", "a"), store)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := inst.Checkpoint(ctx); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("checkpoint before start: %v", err)
	}
	if _, err := inst.Group(ctx, ""); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("group before start: %v", err)
	}
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	if err := inst.Start(ctx); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("double start: %v", err)
	}

	// Admitted but not yet checkpointed: no epoch committed.
	if _, err := inst.Group(ctx, ""); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("group before first checkpoint: %v", err)
	}
	converge(t, store, inst)
	if _, err := inst.Group(ctx, ""); err != nil {
		t.Fatalf("group after admission: %v", err)
	}

	if err := inst.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := inst.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := inst.Checkpoint(ctx); !errors.Is(err, ErrInstanceClosed) {
		t.Fatalf("checkpoint after close: %v", err)
	}

	other, err := NewInstance(testConfig("fab-life2", "a"), store)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	_ = other.Close()
	if err := other.Start(ctx); !errors.Is(err, ErrInstanceClosed) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestInstanceRegistry(t *testing.T) {
	testlog.Start(t)
	store := membership.NewMemStore()
	inst, err := NewInstance(testConfig("fab-reg", "a"), store)
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	t.Cleanup(func() {
		DeregisterInstance("fab-reg")
		_ = inst.Close()
	})

	if err := RegisterInstance(inst); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterInstance(inst); !errors.Is(err, ErrInstanceRegistered) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	got, err := ResolveInstance("fab-reg")
	if err != nil || got != inst {
		t.Fatalf("resolve: %v", err)
	}
	found := false
	for _, name := range RegisteredInstances() {
		if name == "fab-reg" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered list missing fab-reg: %v", RegisteredInstances())
	}
	DeregisterInstance("fab-reg")
	if _, err := ResolveInstance("fab-reg"); !errors.Is(err, ErrInstanceUnknown) {
		t.Fatalf("expected ErrInstanceUnknown after deregister, got %v", err)
	}
}
