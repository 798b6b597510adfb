package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/logging"
)

var (
	ErrInvalidParticipant = errors.New("membership: invalid participant id")
	ErrInvalidBarrierKey  = errors.New("membership: invalid barrier key")
	ErrStoreClosed        = errors.New("membership: store closed")
)

// Store serves versioned membership views from the rendezvous service.
type Store interface {
	Fetch(ctx context.Context) (View, error)
}

// Registrar posts join and leave intents to the rendezvous service.
// Intents mutate the authoritative view; participants observe the
// result through polling, never synchronously.
type Registrar interface {
	Join(ctx context.Context, id ParticipantID, capacity float64) error
	Leave(ctx context.Context, id ParticipantID) error
}

// Barrier shares safepoint arrival sets between participants. Arrivals
// under one key accumulate until the key is swept.
type Barrier interface {
	Arrive(ctx context.Context, key string, id ParticipantID) error
	Arrived(ctx context.Context, key string) ([]ParticipantID, error)
}

type barrierSet struct {
	arrivals map[ParticipantID]time.Time
	touched  time.Time
}

// MemStore is the in-process rendezvous state engine. It backs rosterctl
// and doubles as the store for single-process tests and local runs.
type MemStore struct {
	mu       sync.RWMutex
	view     View
	changed  chan struct{}
	barriers map[string]*barrierSet
	closed   bool
}

// NewMemStore seeds the authoritative view at version 1.
func NewMemStore(participants ...ParticipantID) *MemStore {
	return &MemStore{
		view:     NewView(1, participants),
		changed:  make(chan struct{}),
		barriers: make(map[string]*barrierSet),
	}
}

// Fetch returns a deep copy of the current view.
func (s *MemStore) Fetch(ctx context.Context) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return View{}, ErrStoreClosed
	}
	return s.view.Clone(), nil
}

// WaitForVersion blocks until the view advances past since or ctx ends.
func (s *MemStore) WaitForVersion(ctx context.Context, since uint64) (View, error) {
	for {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return View{}, ErrStoreClosed
		}
		view := s.view.Clone()
		changed := s.changed
		s.mu.RUnlock()

		if view.Version > since {
			return view, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
	}
}

// Join admits or updates a participant and bumps the view version.
// Re-joining with an unchanged capacity is a no-op so retried intents
// do not trigger spurious reconfigurations.
func (s *MemStore) Join(ctx context.Context, id ParticipantID, capacity float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.view.Contains(id) && s.view.Capacity[id] == capacity {
		return nil
	}
	next := s.view.Clone()
	next.Version++
	if !next.Contains(id) {
		next.Participants = append(next.Participants, id)
		next.normalize()
	}
	if capacity != 0 {
		if next.Capacity == nil {
			next.Capacity = make(map[ParticipantID]float64)
		}
		next.Capacity[id] = capacity
	}
	s.commitLocked(next)
	logging.Infof("membership.MemStore.Join id=%q capacity=%.2f version=%d", id, capacity, next.Version)
	return nil
}

// Leave removes a participant and bumps the view version. Leaving a
// view it is not part of is a no-op.
func (s *MemStore) Leave(ctx context.Context, id ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if !s.view.Contains(id) {
		logging.Debugf("membership.MemStore.Leave id=%q already absent version=%d", id, s.view.Version)
		return nil
	}
	next := s.view.Clone()
	next.Version++
	kept := next.Participants[:0]
	for _, p := range next.Participants {
		if p != id {
			kept = append(kept, p)
		}
	}
	next.Participants = kept
	delete(next.Capacity, id)
	s.commitLocked(next)
	logging.Infof("membership.MemStore.Leave id=%q version=%d remaining=%d", id, next.Version, len(next.Participants))
	return nil
}

// RemoveAll evicts every listed participant in one version bump.
func (s *MemStore) RemoveAll(ctx context.Context, ids []ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	evict := make(map[ParticipantID]bool, len(ids))
	for _, id := range ids {
		evict[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	next := s.view.Clone()
	kept := next.Participants[:0]
	removed := 0
	for _, p := range next.Participants {
		if evict[p] {
			delete(next.Capacity, p)
			removed++
			continue
		}
		kept = append(kept, p)
	}
	if removed == 0 {
		return nil
	}
	next.Participants = kept
	next.Version++
	s.commitLocked(next)
	logging.Infof("membership.MemStore.RemoveAll removed=%d version=%d", removed, next.Version)
	return nil
}

func (s *MemStore) commitLocked(next View) {
	s.view = next
	close(s.changed)
	s.changed = make(chan struct{})
}

// Arrive records a safepoint arrival under key.
func (s *MemStore) Arrive(ctx context.Context, key string, id ParticipantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidBarrierKey
	}
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	set, ok := s.barriers[key]
	if !ok {
		set = &barrierSet{arrivals: make(map[ParticipantID]time.Time)}
		s.barriers[key] = set
	}
	if _, dup := set.arrivals[id]; !dup {
		set.arrivals[id] = time.Now()
	}
	set.touched = time.Now()
	return nil
}

// Arrived returns the sorted arrival set under key.
func (s *MemStore) Arrived(ctx context.Context, key string) ([]ParticipantID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidBarrierKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	set, ok := s.barriers[key]
	if !ok {
		return nil, nil
	}
	out := make([]ParticipantID, 0, len(set.arrivals))
	for id := range set.arrivals {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SweepBarriers drops barrier keys untouched for longer than maxAge and
// returns how many were removed.
func (s *MemStore) SweepBarriers(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, set := range s.barriers {
		if set.touched.Before(cutoff) {
			delete(s.barriers, key)
			removed++
		}
	}
	if removed > 0 {
		logging.Debugf("membership.MemStore.SweepBarriers removed=%d", removed)
	}
	return removed
}

// Close rejects all further operations.
func (s *MemStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.changed)
}
