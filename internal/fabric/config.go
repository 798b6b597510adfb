package fabric

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/membership"
)

var ErrInvalidConfig = errors.New("fabric: invalid config")

// BackoffConfig shapes the delay between communicator build attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config carries the reconfiguration protocol settings for one mesh
// instance. Every participant of a mesh must run the same Mesh name
// against the same store.
type Config struct {
	// Mesh names this instance in the store, logs, and metrics.
	Mesh string
	// Self is this participant's run-lifetime identifier.
	Self membership.ParticipantID
	// Backend selects the transport, e.g. "inproc:run-a" or "local".
	Backend string
	// Capacity is an optional scheduling hint published on join.
	Capacity float64

	// PollInterval is the membership poll cadence.
	PollInterval time.Duration
	// MaxStalenessPolls is how many consecutive failed polls are
	// tolerated before membership reads fail.
	MaxStalenessPolls int
	// BarrierQuorumTimeout bounds the safepoint gather. Members still
	// absent when it fires are treated as departed.
	BarrierQuorumTimeout time.Duration
	// RebuildRetryCount is the build attempt budget per node before
	// the missing ranks are excluded.
	RebuildRetryCount int

	// GroupWaitTimeout bounds how long Group blocks while a
	// reconfiguration is in flight.
	GroupWaitTimeout time.Duration
	// BuildTimeout bounds a single group build attempt.
	BuildTimeout time.Duration
	// Backoff paces build retries.
	Backoff BackoffConfig
}

// DefaultConfig returns the documented protocol defaults.
func DefaultConfig() Config {
	return Config{
		Backend:              "local",
		PollInterval:         time.Second,
		MaxStalenessPolls:    5,
		BarrierQuorumTimeout: 30 * time.Second,
		RebuildRetryCount:    3,
		GroupWaitTimeout:     30 * time.Second,
		BuildTimeout:         10 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Mesh) == "" {
		c.Mesh = "default"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = def.Backend
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxStalenessPolls <= 0 {
		c.MaxStalenessPolls = def.MaxStalenessPolls
	}
	if c.BarrierQuorumTimeout <= 0 {
		c.BarrierQuorumTimeout = def.BarrierQuorumTimeout
	}
	if c.RebuildRetryCount <= 0 {
		c.RebuildRetryCount = def.RebuildRetryCount
	}
	if c.GroupWaitTimeout <= 0 {
		c.GroupWaitTimeout = def.GroupWaitTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = def.BuildTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Validate rejects configs that cannot identify a participant.
func (c Config) Validate() error {
	if !membership.ValidID(c.Self) {
		return fmt.Errorf("%w: invalid self id %q", ErrInvalidConfig, c.Self)
	}
	if strings.TrimSpace(c.Mesh) == "" {
		return fmt.Errorf("%w: empty mesh name", ErrInvalidConfig)
	}
	return nil
}

func (c Config) monitorConfig() membership.Config {
	return membership.Config{
		Mesh:              c.Mesh,
		PollInterval:      c.PollInterval,
		MaxStalenessPolls: c.MaxStalenessPolls,
	}
}
