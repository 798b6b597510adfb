package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshctl/internal/participant"
)

type fileConfig struct {
	ID                  string  `toml:"id"`
	Mesh                string  `toml:"mesh"`
	Roster              string  `toml:"roster"`
	RosterAuth          string  `toml:"roster_auth"`
	Backend             string  `toml:"backend"`
	Capacity            float64 `toml:"capacity"`
	HeartbeatInterval   string  `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64   `toml:"heartbeat_interval_ms"`
	StepInterval        string  `toml:"step_interval"`
	DebugAddr           string  `toml:"debug_addr"`
	PollInterval        string  `toml:"poll_interval"`
	MaxStalenessPolls   int     `toml:"max_staleness_polls"`
	BarrierQuorum       string  `toml:"barrier_quorum_timeout"`
	RebuildRetryCount   int     `toml:"rebuild_retry_count"`
	GroupWaitTimeout    string  `toml:"group_wait_timeout"`
	BuildTimeout        string  `toml:"build_timeout"`
}

func loadServiceConfig(path string) (participant.ServiceConfig, error) {
	cfg := participant.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return participant.ServiceConfig{}, fmt.Errorf("load participant config: %w", err)
	}

	if meta.IsDefined("id") {
		id := strings.TrimSpace(raw.ID)
		if id != "" {
			cfg.ParticipantID = id
		}
	}

	if meta.IsDefined("mesh") {
		mesh := strings.TrimSpace(raw.Mesh)
		if mesh != "" {
			cfg.Mesh = mesh
		}
	}

	if meta.IsDefined("roster") {
		cfg.RosterURL = strings.TrimSpace(raw.Roster)
	}

	if meta.IsDefined("roster_auth") {
		cfg.RosterAuth = strings.TrimSpace(raw.RosterAuth)
	}

	if meta.IsDefined("backend") {
		backend := strings.TrimSpace(raw.Backend)
		if backend != "" {
			cfg.Backend = backend
		}
	}

	if meta.IsDefined("capacity") {
		cfg.Capacity = raw.Capacity
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}

	if meta.IsDefined("step_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StepInterval))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse step_interval: %w", err)
		}
		cfg.StepInterval = d
	}

	if meta.IsDefined("debug_addr") {
		cfg.DebugListenAddr = strings.TrimSpace(raw.DebugAddr)
	}

	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}

	if meta.IsDefined("max_staleness_polls") {
		cfg.MaxStalenessPolls = raw.MaxStalenessPolls
	}

	if meta.IsDefined("barrier_quorum_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BarrierQuorum))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse barrier_quorum_timeout: %w", err)
		}
		cfg.BarrierQuorumTimeout = d
	}

	if meta.IsDefined("rebuild_retry_count") {
		cfg.RebuildRetryCount = raw.RebuildRetryCount
	}

	if meta.IsDefined("group_wait_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.GroupWaitTimeout))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse group_wait_timeout: %w", err)
		}
		cfg.GroupWaitTimeout = d
	}

	if meta.IsDefined("build_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BuildTimeout))
		if err != nil {
			return participant.ServiceConfig{}, fmt.Errorf("parse build_timeout: %w", err)
		}
		cfg.BuildTimeout = d
	}

	return cfg, nil
}
