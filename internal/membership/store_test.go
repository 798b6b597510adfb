package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestMemStoreJoinLeaveVersions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("worker-0", "worker-1")

	view, err := store.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if view.Version != 1 || len(view.Participants) != 2 {
		t.Fatalf("unexpected seed view %s", view)
	}

	if err := store.Join(ctx, "worker-2", 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	view, _ = store.Fetch(ctx)
	if view.Version != 2 || !view.Contains("worker-2") {
		t.Fatalf("join not reflected: %s", view)
	}

	if err := store.Leave(ctx, "worker-0"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	view, _ = store.Fetch(ctx)
	if view.Version != 3 || view.Contains("worker-0") {
		t.Fatalf("leave not reflected: %s", view)
	}
}

func TestMemStoreJoinIdempotent(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("worker-0")

	if err := store.Join(ctx, "worker-0", 0); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	view, _ := store.Fetch(ctx)
	if view.Version != 1 {
		t.Fatalf("retried join must not bump version, got %d", view.Version)
	}

	if err := store.Join(ctx, "worker-0", 2.5); err != nil {
		t.Fatalf("capacity join: %v", err)
	}
	view, _ = store.Fetch(ctx)
	if view.Version != 2 || view.Capacity["worker-0"] != 2.5 {
		t.Fatalf("capacity change must bump version, got %s capacity=%v", view, view.Capacity)
	}
}

func TestMemStoreLeaveAbsentIsNoop(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("worker-0")

	if err := store.Leave(ctx, "worker-9"); err != nil {
		t.Fatalf("leave of absent participant: %v", err)
	}
	view, _ := store.Fetch(ctx)
	if view.Version != 1 {
		t.Fatalf("noop leave must not bump version, got %d", view.Version)
	}
}

func TestMemStoreRejectsInvalidIDs(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore()

	if err := store.Join(ctx, "BAD ID", 0); !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
	if err := store.Arrive(ctx, "", "worker-0"); !errors.Is(err, ErrInvalidBarrierKey) {
		t.Fatalf("expected ErrInvalidBarrierKey, got %v", err)
	}
}

func TestMemStoreWaitForVersionWakes(t *testing.T) {
	testlog.Start(t)
	store := NewMemStore("worker-0")

	done := make(chan View, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		view, err := store.WaitForVersion(ctx, 1)
		if err != nil {
			t.Errorf("wait: %v", err)
			return
		}
		done <- view
	}()

	time.Sleep(10 * time.Millisecond)
	if err := store.Join(context.Background(), "worker-1", 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	select {
	case view := <-done:
		if view.Version != 2 {
			t.Fatalf("expected version 2, got %d", view.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never woke")
	}
}

func TestMemStoreWaitForVersionTimesOut(t *testing.T) {
	testlog.Start(t)
	store := NewMemStore("worker-0")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := store.WaitForVersion(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemStoreBarrierAccumulatesAndSweeps(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore()

	for _, id := range []ParticipantID{"worker-1", "worker-0", "worker-1"} {
		if err := store.Arrive(ctx, "reconfig/7", id); err != nil {
			t.Fatalf("arrive %q: %v", id, err)
		}
	}
	arrived, err := store.Arrived(ctx, "reconfig/7")
	if err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if len(arrived) != 2 || arrived[0] != "worker-0" || arrived[1] != "worker-1" {
		t.Fatalf("unexpected arrival set %v", arrived)
	}

	if removed := store.SweepBarriers(0); removed != 1 {
		t.Fatalf("expected sweep to remove 1 key, removed %d", removed)
	}
	arrived, _ = store.Arrived(ctx, "reconfig/7")
	if len(arrived) != 0 {
		t.Fatalf("expected empty arrival set after sweep, got %v", arrived)
	}
}

func TestMemStoreRemoveAllSingleBump(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("a", "b", "c", "d")

	if err := store.RemoveAll(ctx, []ParticipantID{"b", "d", "zz"}); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	view, _ := store.Fetch(ctx)
	if view.Version != 2 {
		t.Fatalf("expected one version bump, got %d", view.Version)
	}
	if view.Contains("b") || view.Contains("d") || !view.Contains("a") {
		t.Fatalf("unexpected survivors: %s", view)
	}
}

func TestMemStoreCloseRejects(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("worker-0")
	store.Close()

	if _, err := store.Fetch(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Join(ctx, "worker-1", 0); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
