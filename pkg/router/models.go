package router

// DefaultModelID answers model_info_request when no routing rule applies.
const DefaultModelID = "claude-sonnet-4-5"

// ModelDescriptor is the host's knowledge about one routable model,
// reported verbatim through mcpl/model_info_response.
type ModelDescriptor struct {
	ModelID          string   `json:"modelId"`
	Provider         string   `json:"provider"`
	ContextWindow    int      `json:"contextWindow"`
	OutputTokenLimit int      `json:"outputTokenLimit"`
	SupportsThinking bool     `json:"supportsThinking"`
	SupportsPrefill  bool     `json:"supportsPrefill"`
	Capabilities     []string `json:"capabilities"`
}

// catalog lists the models routing rules may reference. Rules naming a
// model outside this table are skipped at load.
var catalog = map[string]ModelDescriptor{
	"claude-sonnet-4-5": {
		ModelID:          "claude-sonnet-4-5",
		Provider:         "anthropic",
		ContextWindow:    200000,
		OutputTokenLimit: 64000,
		SupportsThinking: true,
		SupportsPrefill:  true,
		Capabilities:     []string{"tools", "vision", "thinking"},
	},
	"claude-haiku-4-5": {
		ModelID:          "claude-haiku-4-5",
		Provider:         "anthropic",
		ContextWindow:    200000,
		OutputTokenLimit: 64000,
		SupportsThinking: true,
		SupportsPrefill:  true,
		Capabilities:     []string{"tools", "vision", "thinking"},
	},
	"gpt-4o": {
		ModelID:          "gpt-4o",
		Provider:         "openai",
		ContextWindow:    128000,
		OutputTokenLimit: 16384,
		Capabilities:     []string{"tools", "vision"},
	},
	"gpt-4o-mini": {
		ModelID:          "gpt-4o-mini",
		Provider:         "openai",
		ContextWindow:    128000,
		OutputTokenLimit: 16384,
		Capabilities:     []string{"tools", "vision"},
	},
	"gemini-2.5-pro": {
		ModelID:          "gemini-2.5-pro",
		Provider:         "google",
		ContextWindow:    1048576,
		OutputTokenLimit: 65536,
		SupportsThinking: true,
		Capabilities:     []string{"tools", "vision", "thinking"},
	},
}

// LookupModel returns the descriptor for a model id.
func LookupModel(modelID string) (ModelDescriptor, bool) {
	d, ok := catalog[modelID]
	return d, ok
}
