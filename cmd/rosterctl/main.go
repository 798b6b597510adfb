package main

import (
	"context"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/roster"
	"github.com/rs/zerolog/log"
)

func main() {
	observability.InitLogger("roster")
	configPath := "cmd/rosterctl/config.toml"
	cfg, err := config.LoadRosterConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load roster config")
	}
	log.Info().Str("path", configPath).Msg("loaded roster config")
	server := roster.Open(cfg.ID, cfg.Addr, cfg.CorsOrigins)
	server.Auth = cfg.Auth

	ctx := context.Background()
	for _, id := range cfg.Participants {
		if err := server.Store.Join(ctx, membership.ParticipantID(id), 0); err != nil {
			log.Fatal().Err(err).Str("participant", id).Msg("failed to seed participant")
		}
	}
	go server.SweepLoop(ctx, cfg.SweepInterval, cfg.SweepMaxAge)

	log.Info().Str("id", server.ID).Str("addr", server.Addr).Msg("roster started")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("roster stopped")
	}
}
