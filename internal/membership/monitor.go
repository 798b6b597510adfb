package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/observability"
)

var (
	ErrMembershipUnavailable = errors.New("membership: store unavailable")
	ErrAwaitTimeout          = errors.New("membership: await change timed out")
	ErrMonitorStarted        = errors.New("membership: monitor already started")
	ErrMonitorClosed         = errors.New("membership: monitor closed")
)

// Config tunes one monitor instance.
type Config struct {
	// Mesh labels logs and metrics for the owning mesh instance.
	Mesh string
	// PollInterval is the cadence of store fetches.
	PollInterval time.Duration
	// MaxStalenessPolls is how many consecutive failed polls are
	// tolerated before reads fail with ErrMembershipUnavailable.
	MaxStalenessPolls int
}

// WithDefaults fills zero-valued fields with runtime defaults.
func (c Config) WithDefaults() Config {
	if c.Mesh == "" {
		c.Mesh = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxStalenessPolls <= 0 {
		c.MaxStalenessPolls = 5
	}
	return c
}

// Monitor polls the store in the background and serves the latest view
// to its mesh instance. Reads are non-blocking; staleness past the
// configured bound turns them into errors rather than silent lies.
type Monitor struct {
	cfg   Config
	store Store

	mu        sync.RWMutex
	view      View
	haveView  bool
	failures  int
	changed   chan struct{}
	callbacks []func(View)
	started   bool
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor wires a monitor to a store. Start begins polling.
func NewMonitor(cfg Config, store Store) *Monitor {
	return &Monitor{
		cfg:     cfg.WithDefaults(),
		store:   store,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start performs one synchronous poll and launches the poll loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrMonitorStarted
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.PollNow(ctx); err != nil {
		logging.Warnf("membership.Monitor.Start initial poll failed mesh=%q err=%v", m.cfg.Mesh, err)
	}
	go m.run(loopCtx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	logging.Debugf("membership.Monitor.run mesh=%q interval=%s", m.cfg.Mesh, m.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			logging.Debugf("membership.Monitor.run stopping mesh=%q", m.cfg.Mesh)
			return
		case <-ticker.C:
			_ = m.PollNow(ctx)
		}
	}
}

// PollNow fetches one view from the store and folds it into the cache.
// The poll loop calls this on every tick; tests drive it directly.
func (m *Monitor) PollNow(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval)
	view, err := m.store.Fetch(fetchCtx)
	cancel()
	if err != nil {
		m.recordFailure(err)
		return err
	}
	m.observe(view)
	return nil
}

func (m *Monitor) recordFailure(cause error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()
	if failures == m.cfg.MaxStalenessPolls+1 {
		logging.Warnf("membership.Monitor poll staleness bound crossed mesh=%q failures=%d err=%v",
			m.cfg.Mesh, failures, cause)
		return
	}
	logging.Debugf("membership.Monitor poll failed mesh=%q failures=%d err=%v", m.cfg.Mesh, failures, cause)
}

func (m *Monitor) observe(view View) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	recovered := m.failures > 0
	m.failures = 0
	if m.haveView && view.Version <= m.view.Version {
		m.mu.Unlock()
		if recovered {
			logging.Debugf("membership.Monitor poll recovered mesh=%q version=%d", m.cfg.Mesh, view.Version)
		}
		return
	}
	prev := m.view
	m.view = view
	m.haveView = true
	close(m.changed)
	m.changed = make(chan struct{})
	callbacks := append(([]func(View))(nil), m.callbacks...)
	m.mu.Unlock()

	logging.Infof("membership.Monitor.observe mesh=%q view=%s joined=%d departed=%d",
		m.cfg.Mesh, view, len(view.Joined(prev)), len(view.Departed(prev)))
	for _, cb := range callbacks {
		go cb(view.Clone())
	}
}

// Current returns the cached view. It fails once consecutive poll
// failures exceed MaxStalenessPolls, or before any view is observed.
func (m *Monitor) Current() (View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failures > m.cfg.MaxStalenessPolls {
		observability.RecordStalenessFailure(m.cfg.Mesh)
		return View{}, fmt.Errorf("%w: %d consecutive poll failures", ErrMembershipUnavailable, m.failures)
	}
	if !m.haveView {
		observability.RecordStalenessFailure(m.cfg.Mesh)
		return View{}, fmt.Errorf("%w: no view observed", ErrMembershipUnavailable)
	}
	return m.view.Clone(), nil
}

// AwaitChange blocks until a view newer than since arrives or ctx ends.
// The returned view always has Version > since.
func (m *Monitor) AwaitChange(ctx context.Context, since uint64) (View, error) {
	for {
		m.mu.RLock()
		view := m.view.Clone()
		have := m.haveView
		changed := m.changed
		closed := m.closed
		m.mu.RUnlock()

		if closed {
			return View{}, ErrMonitorClosed
		}
		if have && view.Version > since {
			return view, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return View{}, fmt.Errorf("%w: no version beyond %d", ErrAwaitTimeout, since)
		}
	}
}

// OnChange registers an async callback fired on every newly observed view.
func (m *Monitor) OnChange(cb func(View)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Staleness reports the current consecutive poll failure count.
func (m *Monitor) Staleness() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// Stop halts polling and wakes all waiters. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	cancel := m.cancel
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-m.done
	}
	logging.Debugf("membership.Monitor.Stop mesh=%q", m.cfg.Mesh)
}
