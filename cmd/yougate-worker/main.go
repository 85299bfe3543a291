//go:build js && wasm

package main

import (
	"github.com/syumai/workers"

	"yougate/internal/app"
	"yougate/internal/config"
	"yougate/internal/logger"
)

func main() {
	log := logger.New()

	cfg := config.Load()
	log.Info().Str("upstream", cfg.UpstreamBaseURL).Msg("Starting worker")

	srv := app.NewServer(cfg, log)

	// workers handles all the HTTP server setup.
	workers.Serve(srv)
}
