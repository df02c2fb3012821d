// Package llm provides the embedding and text-generation providers the
// engine consumes. The engine treats embedding generation as an opaque
// batched function; which backend is active is decided once at construction
// and invisible to retrieval and queue logic.
package llm

import "context"

// EmbeddingGenerator generates vector embeddings for batches of texts.
// Implementations return one vector per input text, all of the same length.
type EmbeddingGenerator interface {
	// Embed returns embeddings for texts in order. A failed call is
	// retryable from the caller's perspective.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed embedding dimension.
	Dimensions() int

	// Model returns the model identifier, for logging.
	Model() string
}

// TextGenerator is the interface for single-prompt LLM completion, used by
// the importance delegate.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}
