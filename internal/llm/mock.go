package llm

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
)

// MockEmbedder is a deterministic, dependency-free EmbeddingGenerator for
// tests and offline development. Vectors are derived from token hashes so
// that texts sharing words produce similar embeddings. Safe for concurrent
// use.
type MockEmbedder struct {
	dim int

	// Err, when set, is returned by every Embed call.
	Err error

	calls atomic.Int64
}

// NewMockEmbedder creates a mock embedder with the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim}
}

// Embed returns deterministic pseudo-embeddings.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.embedOne(text)
	}
	return vectors, nil
}

func (m *MockEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, m.dim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		slot := int(sum) % m.dim
		if slot < 0 {
			slot += m.dim
		}
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[slot] += sign
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	inv := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Dimensions returns the mock dimension.
func (m *MockEmbedder) Dimensions() int {
	return m.dim
}

// Model returns a fixed identifier.
func (m *MockEmbedder) Model() string {
	return "mock-embedder"
}

// Calls returns the number of Embed invocations.
func (m *MockEmbedder) Calls() int64 {
	return m.calls.Load()
}

func tokenize(text string) []string {
	var tokens []string
	var current []rune
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == '!' || r == '?':
			if len(current) > 0 {
				tokens = append(tokens, string(current))
				current = current[:0]
			}
		default:
			current = append(current, r)
		}
	}
	if len(current) > 0 {
		tokens = append(tokens, string(current))
	}
	return tokens
}
