package server

import "sort"

const (
	// defaultUpstreamModel is used when an advertised model id has no mapping.
	defaultUpstreamModel = "gpt_4o"
	// defaultExternalModel is used when an upstream id has no reverse mapping.
	defaultExternalModel = "gpt-4o"
)

// upstreamModelByExternal maps advertised OpenAI-style model ids to the
// upstream's internal model identifiers.
var upstreamModelByExternal = map[string]string{
	"gpt-4o":            "gpt_4o",
	"gpt-4o-mini":       "gpt_4o_mini",
	"gpt-4-turbo":       "gpt_4_turbo",
	"gpt-3.5-turbo":     "gpt_3.5",
	"claude-3-opus":     "claude_3_opus",
	"claude-3-5-sonnet": "claude_3_5_sonnet",
	"claude-3-haiku":    "claude_3_haiku",
	"gemini-1.5-pro":    "gemini_1_5_pro",
	"gemini-1.5-flash":  "gemini_1_5_flash",
	"llama-3.1-405b":    "llama3_1_405b",
	"mistral-large-2":   "mistral_large_2",
}

var externalModelByUpstream = func() map[string]string {
	m := make(map[string]string, len(upstreamModelByExternal))
	for external, upstream := range upstreamModelByExternal {
		m[upstream] = external
	}
	return m
}()

// toUpstreamModel resolves an advertised model id to the upstream identifier,
// falling back to the canonical upstream model on a miss so forward lookup
// always succeeds.
func toUpstreamModel(external string) string {
	if upstream, ok := upstreamModelByExternal[external]; ok {
		return upstream
	}
	return defaultUpstreamModel
}

// toExternalModel resolves an upstream identifier back to an advertised model
// id, falling back to the canonical external model on a miss.
func toExternalModel(upstream string) string {
	if external, ok := externalModelByUpstream[upstream]; ok {
		return external
	}
	return defaultExternalModel
}

// isAgentModel reports membership in the externally configured agent
// allow-list. Agent ids bypass model mapping and flow through as the
// upstream chat-mode selector.
func (s *Server) isAgentModel(id string) bool {
	_, ok := s.agentModels[id]
	return ok
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

// modelListCreated is a fixed timestamp for the /v1/models payload; the
// table is static for the process lifetime.
const modelListCreated = 1700000000

func (s *Server) advertisedModels() []modelInfo {
	models := make([]modelInfo, 0, len(upstreamModelByExternal)+len(s.agentModels))
	for _, id := range sortedKeys(upstreamModelByExternal) {
		models = append(models, modelInfo{
			ID:      id,
			Object:  "model",
			Created: modelListCreated,
			OwnedBy: "you",
		})
	}
	for _, id := range sortedKeys(s.agentModels) {
		models = append(models, modelInfo{
			ID:      id,
			Object:  "model",
			Created: modelListCreated,
			OwnedBy: "agent",
		})
	}
	return models
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
