package main

import (
	"flag"
	"net/http"

	"yougate/internal/app"
	"yougate/internal/config"
	"yougate/internal/logger"
)

func main() {
	portFlag := flag.String("port", "", "Listen port (overrides PORT)")
	flag.Parse()

	log := logger.New()

	cfg := config.Load()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	log.Info().
		Str("upstream", cfg.UpstreamBaseURL).
		Int("agent_models", len(cfg.AgentModels)).
		Int("history_offload_tokens", cfg.HistoryOffloadTokens).
		Int("query_offload_tokens", cfg.QueryOffloadTokens).
		Msg("Configuration loaded")

	srv := app.NewServer(cfg, log)

	log.Info().Str("port", cfg.Port).Msg("Starting server")
	log.Fatal().Err(http.ListenAndServe(":"+cfg.Port, srv)).Msg("Server failed to start")
}
