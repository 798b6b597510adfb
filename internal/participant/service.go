package participant

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/meshctl/internal/fabric"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/roster"
	"github.com/danmuck/meshctl/internal/transport"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("participant: heartbeat interval must be positive")
	ErrInvalidStepInterval      = errors.New("participant: step interval must be positive")
)

// ServiceConfig configures a standalone participant runtime.
type ServiceConfig struct {
	ParticipantID string
	Mesh          string
	// RosterURL selects the shared rendezvous service. Empty runs an
	// embedded in-process store, which only suits a single-participant
	// mesh.
	RosterURL  string
	RosterAuth string
	Backend    string
	Capacity   float64

	HeartbeatInterval time.Duration
	StepInterval      time.Duration
	DebugListenAddr   string

	PollInterval         time.Duration
	MaxStalenessPolls    int
	BarrierQuorumTimeout time.Duration
	RebuildRetryCount    int
	GroupWaitTimeout     time.Duration
	BuildTimeout         time.Duration
}

// Participant runtime defaults for a local development mesh.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ParticipantID:     "worker-0",
		Mesh:              "train",
		Backend:           "local",
		Capacity:          1.0,
		HeartbeatInterval: 5 * time.Second,
		StepInterval:      250 * time.Millisecond,
	}
}

// Service drives one participant: admission, safepoint checkpoints,
// and a demonstration training step that exercises the root group.
type Service struct {
	cfg   ServiceConfig
	store fabric.Rendezvous
	inst  *fabric.Instance
	debug *DebugServer
	steps atomic.Uint64
}

// Participant service constructor using default runtime config.
func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

// Participant service constructor using explicit config.
func NewServiceWithConfig(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

// Run blocks until process signal shutdown or the mesh ends the run.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	defer s.inst.Close()
	return s.serve(ctx)
}

// Instance exposes the underlying fabric handle for embedding callers.
func (s *Service) Instance() *fabric.Instance {
	return s.inst
}

func (s *Service) bootstrap(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if s.cfg.StepInterval <= 0 {
		return ErrInvalidStepInterval
	}

	if url := strings.TrimSpace(s.cfg.RosterURL); url != "" {
		cli := roster.NewClient(url)
		cli.Auth = s.cfg.RosterAuth
		s.store = cli
	} else {
		s.store = membership.NewMemStore()
	}

	inst, err := fabric.NewInstance(s.fabricConfig(), s.store)
	if err != nil {
		return err
	}
	if err := inst.Start(ctx); err != nil {
		return err
	}
	s.inst = inst
	if err := fabric.RegisterInstance(inst); err != nil {
		logging.Warnf("participant.Service.bootstrap register mesh=%q err=%v", s.cfg.Mesh, err)
	}

	if addr := strings.TrimSpace(s.cfg.DebugListenAddr); addr != "" {
		s.debug = newDebugServer(s.cfg.ParticipantID, addr, inst)
	}

	status := inst.Status()
	logging.Infof(
		"participant.Service.bootstrap ready id=%q mesh=%q state=%s committed=%d",
		status.Self,
		status.Mesh,
		status.State,
		status.Committed,
	)
	return nil
}

func (s *Service) fabricConfig() fabric.Config {
	return fabric.Config{
		Mesh:                 s.cfg.Mesh,
		Self:                 membership.ParticipantID(s.cfg.ParticipantID),
		Backend:              s.cfg.Backend,
		Capacity:             s.cfg.Capacity,
		PollInterval:         s.cfg.PollInterval,
		MaxStalenessPolls:    s.cfg.MaxStalenessPolls,
		BarrierQuorumTimeout: s.cfg.BarrierQuorumTimeout,
		RebuildRetryCount:    s.cfg.RebuildRetryCount,
		GroupWaitTimeout:     s.cfg.GroupWaitTimeout,
		BuildTimeout:         s.cfg.BuildTimeout,
	}
}

// serve is the participant main loop: training steps on one ticker,
// heartbeat logging on another, optional debug listener on the side.
func (s *Service) serve(ctx context.Context) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	steps := time.NewTicker(s.cfg.StepInterval)
	defer steps.Stop()
	defer fabric.DeregisterInstance(s.cfg.Mesh)

	debugErr := make(chan error, 1)
	if s.debug != nil {
		go func() {
			debugErr <- s.debug.Serve()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logging.Infof("participant.Service.serve shutdown id=%q steps=%d", s.cfg.ParticipantID, s.steps.Load())
			return nil
		case err := <-debugErr:
			if err != nil {
				return err
			}
		case <-steps.C:
			if err := s.step(ctx); err != nil {
				if errors.Is(err, fabric.ErrDeparted) {
					logging.Infof("participant.Service.serve departed id=%q steps=%d", s.cfg.ParticipantID, s.steps.Load())
					return nil
				}
				return err
			}
		case <-heartbeat.C:
			status := s.inst.Status()
			logging.Infof(
				"participant.Service.heartbeat id=%q mesh=%q state=%s committed=%d staleness=%d steps=%d",
				status.Self,
				status.Mesh,
				status.State,
				status.Committed,
				status.Staleness,
				s.steps.Load(),
			)
		}
	}
}

// step is one unit of simulated training: pass the safepoint, then run
// a gradient-sized reduction across the current root group.
func (s *Service) step(ctx context.Context) error {
	if err := s.inst.Checkpoint(ctx); err != nil {
		if errors.Is(err, fabric.ErrReconfigurationTimeout) || errors.Is(err, membership.ErrMembershipUnavailable) {
			logging.Warnf("participant.Service.step checkpoint deferred id=%q err=%v", s.cfg.ParticipantID, err)
			return nil
		}
		return err
	}

	lease, err := s.inst.Group(ctx, "")
	if err != nil {
		return err
	}
	n := s.steps.Add(1)
	grad := []float64{float64(n), float64(lease.Rank()), 1}
	sum, err := lease.AllReduce(ctx, grad, transport.ReduceSum)
	if err != nil {
		if errors.Is(err, transport.ErrGroupClosed) || errors.Is(err, mesh.ErrStaleLease) {
			// Membership moved underneath us; the next checkpoint rebuilds.
			logging.Debugf("participant.Service.step stale group id=%q step=%d", s.cfg.ParticipantID, n)
			return nil
		}
		return err
	}
	logging.Debugf(
		"participant.Service.step id=%q step=%d ranks=%d participants=%.0f",
		s.cfg.ParticipantID,
		n,
		lease.Size(),
		sum[2],
	)
	return nil
}
