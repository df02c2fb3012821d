package llm

import (
	"fmt"

	"github.com/petmind/mnemo/internal/config"
)

// NewProviders builds the embedding generator and the optional text
// generator from configuration. The embedding generator is always wrapped in
// the rate-limited, breaker-guarded client. The text generator is nil when
// the importance delegate is disabled or the provider has no chat model.
func NewProviders(cfg config.LLMConfig) (EmbeddingGenerator, TextGenerator, error) {
	var (
		embedder EmbeddingGenerator
		texter   TextGenerator
	)

	switch cfg.Provider {
	case "openai":
		client, err := NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel, cfg.OpenAIModel, cfg.EmbeddingDimension)
		if err != nil {
			return nil, nil, err
		}
		embedder = client
		texter = client
	case "ollama":
		client := NewOllamaClient(cfg.OllamaURL, cfg.OllamaEmbeddingModel, cfg.OllamaModel, cfg.EmbeddingDimension)
		embedder = client
		texter = client
	case "mock":
		embedder = NewMockEmbedder(cfg.EmbeddingDimension)
	default:
		return nil, nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	if !cfg.DelegateEnabled {
		texter = nil
	}

	return NewEmbeddingClient(embedder, cfg.RequestsPerSecond), texter, nil
}
