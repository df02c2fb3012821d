package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedderDeterministic(t *testing.T) {
	m := NewMockEmbedder(32)
	ctx := context.Background()

	a, err := m.Embed(ctx, []string{"user likes strawberry cake"})
	require.NoError(t, err)
	b, err := m.Embed(ctx, []string{"user likes strawberry cake"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 32)
}

func TestMockEmbedderSimilarTextsScoreHigher(t *testing.T) {
	m := NewMockEmbedder(64)
	ctx := context.Background()

	vecs, err := m.Embed(ctx, []string{
		"user likes strawberry cake",
		"user likes strawberry pie",
		"quarterly tax filing deadline",
	})
	require.NoError(t, err)

	simAB := dot32(vecs[0], vecs[1])
	simAC := dot32(vecs[0], vecs[2])
	assert.Greater(t, simAB, simAC)
}

func dot32(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestEmbeddingClientPassesThrough(t *testing.T) {
	inner := NewMockEmbedder(16)
	client := NewEmbeddingClient(inner, 100)

	vecs, err := client.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, 16, client.Dimensions())
	assert.Equal(t, "mock-embedder", client.Model())
}

func TestEmbeddingClientOpensCircuit(t *testing.T) {
	inner := NewMockEmbedder(16)
	inner.Err = errors.New("provider down")
	client := NewEmbeddingClient(inner, 1000)
	ctx := context.Background()

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := client.Embed(ctx, []string{"x"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := client.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// The provider is no longer called while the circuit is open.
	calls := inner.Calls()
	_, _ = client.Embed(ctx, []string{"x"})
	assert.Equal(t, calls, inner.Calls())
}

func TestEmbeddingClientEmptyInput(t *testing.T) {
	client := NewEmbeddingClient(NewMockEmbedder(8), 10)
	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
