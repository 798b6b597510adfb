package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/membership"
	"github.com/pelletier/go-toml/v2"
)

// ParticipantConfig is the resolved meshctl participant configuration.
// Fabric timing knobs left at zero defer to the fabric defaults.
type ParticipantConfig struct {
	ID         string
	Mesh       string
	Roster     string
	RosterAuth string
	Backend    string
	Capacity   float64

	HeartbeatInterval time.Duration
	StepInterval      time.Duration
	DebugAddr         string

	PollInterval         time.Duration
	MaxStalenessPolls    int
	BarrierQuorumTimeout time.Duration
	RebuildRetryCount    int
	GroupWaitTimeout     time.Duration
	BuildTimeout         time.Duration
}

type participantFileConfig struct {
	ID                   string  `toml:"id"`
	Mesh                 string  `toml:"mesh"`
	Roster               string  `toml:"roster"`
	RosterAuth           string  `toml:"roster_auth"`
	Backend              string  `toml:"backend"`
	Capacity             float64 `toml:"capacity"`
	HeartbeatInterval    string  `toml:"heartbeat_interval"`
	StepInterval         string  `toml:"step_interval"`
	DebugAddr            string  `toml:"debug_addr"`
	PollInterval         string  `toml:"poll_interval"`
	MaxStalenessPolls    int     `toml:"max_staleness_polls"`
	BarrierQuorumTimeout string  `toml:"barrier_quorum_timeout"`
	RebuildRetryCount    int     `toml:"rebuild_retry_count"`
	GroupWaitTimeout     string  `toml:"group_wait_timeout"`
	BuildTimeout         string  `toml:"build_timeout"`
}

// RosterConfig is the resolved rosterctl configuration.
type RosterConfig struct {
	ID            string
	Addr          string
	Auth          string
	CorsOrigins   []string
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
	Participants  []string
}

type rosterFileConfig struct {
	ID            string   `toml:"id"`
	Addr          string   `toml:"addr"`
	Auth          string   `toml:"auth"`
	CorsOrigins   []string `toml:"cors_origins"`
	SweepInterval string   `toml:"sweep_interval"`
	SweepMaxAge   string   `toml:"sweep_max_age"`
	Participants  []string `toml:"participants"`
}

func LoadParticipantConfig(path string) (ParticipantConfig, error) {
	var raw participantFileConfig
	if err := loadToml(path, &raw); err != nil {
		return ParticipantConfig{}, err
	}
	cfg := ParticipantConfig{
		ID:                "worker-0",
		Mesh:              "train",
		Roster:            strings.TrimSpace(raw.Roster),
		RosterAuth:        strings.TrimSpace(raw.RosterAuth),
		Backend:           "local",
		Capacity:          raw.Capacity,
		HeartbeatInterval: 5 * time.Second,
		StepInterval:      250 * time.Millisecond,
		DebugAddr:         strings.TrimSpace(raw.DebugAddr),
		MaxStalenessPolls: raw.MaxStalenessPolls,
		RebuildRetryCount: raw.RebuildRetryCount,
	}
	if id := strings.TrimSpace(raw.ID); id != "" {
		cfg.ID = id
	}
	if mesh := strings.TrimSpace(raw.Mesh); mesh != "" {
		cfg.Mesh = mesh
	}
	if backend := strings.TrimSpace(raw.Backend); backend != "" {
		cfg.Backend = backend
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1.0
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"step_interval", raw.StepInterval, &cfg.StepInterval},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"barrier_quorum_timeout", raw.BarrierQuorumTimeout, &cfg.BarrierQuorumTimeout},
		{"group_wait_timeout", raw.GroupWaitTimeout, &cfg.GroupWaitTimeout},
		{"build_timeout", raw.BuildTimeout, &cfg.BuildTimeout},
	}
	for _, entry := range durations {
		if entry.raw == "" {
			continue
		}
		d, err := parseConfigDuration(path, entry.key, entry.raw)
		if err != nil {
			return ParticipantConfig{}, err
		}
		*entry.out = d
	}
	if err := ValidateParticipantConfig(cfg); err != nil {
		return ParticipantConfig{}, err
	}
	return cfg, nil
}

func ValidateParticipantConfig(cfg ParticipantConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("participant config missing id")
	}
	if !membership.ValidID(membership.ParticipantID(cfg.ID)) {
		return fmt.Errorf("participant config invalid id: %q", cfg.ID)
	}
	if strings.TrimSpace(cfg.Mesh) == "" {
		return fmt.Errorf("participant config missing mesh")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("participant config heartbeat_interval must be positive")
	}
	if cfg.StepInterval <= 0 {
		return fmt.Errorf("participant config step_interval must be positive")
	}
	if cfg.Capacity < 0 {
		return fmt.Errorf("participant config capacity must not be negative")
	}
	return nil
}

func LoadRosterConfig(path string) (RosterConfig, error) {
	var raw rosterFileConfig
	if err := loadToml(path, &raw); err != nil {
		return RosterConfig{}, err
	}
	cfg := RosterConfig{
		ID:            strings.TrimSpace(raw.ID),
		Addr:          strings.TrimSpace(raw.Addr),
		Auth:          strings.TrimSpace(raw.Auth),
		CorsOrigins:   raw.CorsOrigins,
		SweepInterval: 30 * time.Second,
		SweepMaxAge:   5 * time.Minute,
		Participants:  normalizeParticipants(raw.Participants),
	}
	if cfg.ID == "" {
		cfg.ID = "rosterctl"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8377"
	}
	if raw.SweepInterval != "" {
		d, err := parseConfigDuration(path, "sweep_interval", raw.SweepInterval)
		if err != nil {
			return RosterConfig{}, err
		}
		cfg.SweepInterval = d
	}
	if raw.SweepMaxAge != "" {
		d, err := parseConfigDuration(path, "sweep_max_age", raw.SweepMaxAge)
		if err != nil {
			return RosterConfig{}, err
		}
		cfg.SweepMaxAge = d
	}
	if err := ValidateRosterConfig(cfg); err != nil {
		return RosterConfig{}, err
	}
	return cfg, nil
}

func ValidateRosterConfig(cfg RosterConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("roster config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("roster config missing addr")
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("roster config sweep_interval must be positive")
	}
	if cfg.SweepMaxAge <= 0 {
		return fmt.Errorf("roster config sweep_max_age must be positive")
	}
	for i, id := range cfg.Participants {
		if !membership.ValidID(membership.ParticipantID(id)) {
			return fmt.Errorf("participant[%d] invalid: %q", i, id)
		}
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func parseConfigDuration(path, key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config parse failed (%s): %s: %w", path, key, err)
	}
	return d, nil
}

func normalizeParticipants(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, id := range in {
		v := strings.TrimSpace(id)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
