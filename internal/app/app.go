package app

import (
	"github.com/rs/zerolog"

	"yougate/internal/config"
	"yougate/internal/server"
)

// NewServer creates a new server instance with the given configuration
func NewServer(cfg *config.Config, logger zerolog.Logger) *server.Server {
	return server.New(logger, cfg)
}
