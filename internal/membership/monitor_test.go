package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

// flakyStore serves a scripted view and fails on demand.
type flakyStore struct {
	mu      sync.Mutex
	view    View
	offline bool
}

func (s *flakyStore) Fetch(ctx context.Context) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return View{}, errors.New("store offline")
	}
	return s.view.Clone(), nil
}

func (s *flakyStore) set(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
}

func (s *flakyStore) fail(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func testMonitorConfig() Config {
	return Config{Mesh: "test", PollInterval: 50 * time.Millisecond, MaxStalenessPolls: 3}
}

func TestMonitorCurrentBeforeAnyView(t *testing.T) {
	testlog.Start(t)
	store := &flakyStore{offline: true}
	m := NewMonitor(testMonitorConfig(), store)

	if _, err := m.Current(); !errors.Is(err, ErrMembershipUnavailable) {
		t.Fatalf("expected ErrMembershipUnavailable, got %v", err)
	}
}

func TestMonitorStalenessBoundary(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := &flakyStore{view: NewView(1, []ParticipantID{"a", "b"})}
	m := NewMonitor(testMonitorConfig(), store)

	if err := m.PollNow(ctx); err != nil {
		t.Fatalf("seed poll: %v", err)
	}
	store.fail(true)

	// Reads keep serving the cached view through the tolerated window.
	for i := 0; i < 3; i++ {
		_ = m.PollNow(ctx)
		view, err := m.Current()
		if err != nil {
			t.Fatalf("poll failure %d should stay within bound: %v", i+1, err)
		}
		if view.Version != 1 {
			t.Fatalf("expected cached version 1, got %d", view.Version)
		}
	}

	// One failure past the bound flips reads to unavailable.
	_ = m.PollNow(ctx)
	if _, err := m.Current(); !errors.Is(err, ErrMembershipUnavailable) {
		t.Fatalf("expected ErrMembershipUnavailable past bound, got %v", err)
	}
	if m.Staleness() != 4 {
		t.Fatalf("expected 4 recorded failures, got %d", m.Staleness())
	}
}

func TestMonitorRecoveryResetsFailures(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := &flakyStore{view: NewView(1, []ParticipantID{"a"})}
	m := NewMonitor(testMonitorConfig(), store)

	_ = m.PollNow(ctx)
	store.fail(true)
	for i := 0; i < 5; i++ {
		_ = m.PollNow(ctx)
	}
	if _, err := m.Current(); !errors.Is(err, ErrMembershipUnavailable) {
		t.Fatalf("expected unavailable before recovery, got %v", err)
	}

	store.fail(false)
	if err := m.PollNow(ctx); err != nil {
		t.Fatalf("recovery poll: %v", err)
	}
	view, err := m.Current()
	if err != nil {
		t.Fatalf("expected reads restored after recovery: %v", err)
	}
	if view.Version != 1 || m.Staleness() != 0 {
		t.Fatalf("unexpected state after recovery: version=%d failures=%d", view.Version, m.Staleness())
	}
}

func TestMonitorIgnoresStaleVersions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := &flakyStore{view: NewView(5, []ParticipantID{"a", "b"})}
	m := NewMonitor(testMonitorConfig(), store)

	_ = m.PollNow(ctx)
	store.set(NewView(4, []ParticipantID{"a"}))
	_ = m.PollNow(ctx)

	view, err := m.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if view.Version != 5 {
		t.Fatalf("monitor must never regress, got version %d", view.Version)
	}
}

func TestMonitorAwaitChange(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := &flakyStore{view: NewView(1, []ParticipantID{"a"})}
	m := NewMonitor(testMonitorConfig(), store)
	_ = m.PollNow(ctx)

	done := make(chan View, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		view, err := m.AwaitChange(waitCtx, 1)
		if err != nil {
			t.Errorf("await: %v", err)
			return
		}
		done <- view
	}()

	time.Sleep(10 * time.Millisecond)
	store.set(NewView(2, []ParticipantID{"a", "b"}))
	_ = m.PollNow(ctx)

	select {
	case view := <-done:
		if view.Version != 2 {
			t.Fatalf("expected version 2, got %d", view.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await never woke")
	}
}

func TestMonitorAwaitChangeTimeout(t *testing.T) {
	testlog.Start(t)
	store := &flakyStore{view: NewView(1, []ParticipantID{"a"})}
	m := NewMonitor(testMonitorConfig(), store)
	_ = m.PollNow(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.AwaitChange(ctx, 1); !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}
}

func TestMonitorOnChangeFires(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := &flakyStore{view: NewView(1, []ParticipantID{"a"})}
	m := NewMonitor(testMonitorConfig(), store)

	seen := make(chan View, 1)
	m.OnChange(func(v View) { seen <- v })

	_ = m.PollNow(ctx)
	select {
	case view := <-seen:
		if view.Version != 1 {
			t.Fatalf("expected callback with version 1, got %d", view.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never fired")
	}
}

func TestMonitorStartStopLifecycle(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewMemStore("worker-0")
	m := NewMonitor(Config{Mesh: "lifecycle", PollInterval: 10 * time.Millisecond}, store)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrMonitorStarted) {
		t.Fatalf("expected ErrMonitorStarted, got %v", err)
	}

	view, err := m.Current()
	if err != nil {
		t.Fatalf("current after start: %v", err)
	}
	if view.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", view.Version)
	}

	m.Stop()
	m.Stop()
	if err := m.Start(ctx); !errors.Is(err, ErrMonitorClosed) {
		t.Fatalf("expected ErrMonitorClosed after stop, got %v", err)
	}
}
