package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// DefaultHistoryOffloadTokens is the estimated-token ceiling for a single
	// history turn before its text is uploaded and replaced by a file reference.
	DefaultHistoryOffloadTokens = 30

	// DefaultQueryOffloadTokens is the larger ceiling applied to the live query.
	DefaultQueryOffloadTokens = 2000
)

// Config holds all process-level settings. It is populated once at startup
// and never mutated afterwards.
type Config struct {
	Port            string
	UpstreamBaseURL string

	// AgentModels are chat-mode ids exposed to clients as if they were model
	// ids. Requests for these bypass the model mapping table entirely.
	AgentModels []string

	HistoryOffloadTokens int
	QueryOffloadTokens   int
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() *Config {
	// Missing .env is fine; the environment is authoritative either way.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "9890"),
		UpstreamBaseURL:      strings.TrimRight(getEnv("YOU_BASE_URL", "https://you.com"), "/"),
		AgentModels:          splitList(os.Getenv("AGENT_MODELS")),
		HistoryOffloadTokens: getEnvInt("HISTORY_OFFLOAD_TOKENS", DefaultHistoryOffloadTokens),
		QueryOffloadTokens:   getEnvInt("QUERY_OFFLOAD_TOKENS", DefaultQueryOffloadTokens),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
