package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker rejects embedding calls after
// repeated provider failures. It is retryable: the breaker half-opens after
// its timeout.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// EmbeddingClient wraps an EmbeddingGenerator with a rate limiter and a
// circuit breaker. The queue worker calls through this wrapper so a flapping
// provider neither gets hammered nor cascades failures into the engine.
type EmbeddingClient struct {
	inner   EmbeddingGenerator
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewEmbeddingClient wraps inner with a requests-per-second limit and a
// breaker that opens after 3 consecutive failures and half-opens after 30s.
func NewEmbeddingClient(inner EmbeddingGenerator, requestsPerSecond float64) *EmbeddingClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	settings := gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &EmbeddingClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Embed rate-limits and breaker-guards the inner provider.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.([][]float32), nil
}

// Dimensions delegates to the inner provider.
func (c *EmbeddingClient) Dimensions() int {
	return c.inner.Dimensions()
}

// Model delegates to the inner provider.
func (c *EmbeddingClient) Model() string {
	return c.inner.Model()
}

// State returns the breaker state for diagnostics.
func (c *EmbeddingClient) State() gobreaker.State {
	return c.breaker.State()
}
