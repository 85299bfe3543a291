package server

import (
	"testing"

	"github.com/rs/zerolog"

	"yougate/internal/config"
)

func newTestServer(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = &config.Config{
			UpstreamBaseURL:      "https://upstream.invalid",
			HistoryOffloadTokens: config.DefaultHistoryOffloadTokens,
			QueryOffloadTokens:   config.DefaultQueryOffloadTokens,
		}
	}
	return New(zerolog.Nop(), cfg)
}

func TestModelMappingRoundTrip(t *testing.T) {
	for external := range upstreamModelByExternal {
		if got := toExternalModel(toUpstreamModel(external)); got != external {
			t.Fatalf("round trip for %q yielded %q", external, got)
		}
	}
}

func TestModelMappingFallbacks(t *testing.T) {
	if got := toUpstreamModel("totally-unknown-model"); got != defaultUpstreamModel {
		t.Fatalf("expected forward fallback %q, got %q", defaultUpstreamModel, got)
	}
	if got := toExternalModel("totally_unknown_model"); got != defaultExternalModel {
		t.Fatalf("expected reverse fallback %q, got %q", defaultExternalModel, got)
	}
}

func TestAgentAllowList(t *testing.T) {
	s := newTestServer(&config.Config{
		UpstreamBaseURL: "https://upstream.invalid",
		AgentModels:     []string{"research-agent", "code-agent"},
	})
	if !s.isAgentModel("research-agent") {
		t.Fatalf("expected research-agent to be an agent model")
	}
	if s.isAgentModel("gpt-4o") {
		t.Fatalf("mapped models must not be agent models")
	}
}

func TestAdvertisedModelsIncludeMappedAndAgents(t *testing.T) {
	s := newTestServer(&config.Config{
		UpstreamBaseURL: "https://upstream.invalid",
		AgentModels:     []string{"research-agent"},
	})
	models := s.advertisedModels()
	seen := make(map[string]string, len(models))
	for _, m := range models {
		if m.Object != "model" {
			t.Fatalf("expected object \"model\", got %q", m.Object)
		}
		seen[m.ID] = m.OwnedBy
	}
	for external := range upstreamModelByExternal {
		if seen[external] != "you" {
			t.Fatalf("expected mapped model %q owned by \"you\", got %q", external, seen[external])
		}
	}
	if seen["research-agent"] != "agent" {
		t.Fatalf("expected agent model in list, got owner %q", seen["research-agent"])
	}
}
