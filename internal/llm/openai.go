package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements EmbeddingGenerator and TextGenerator against the
// OpenAI API.
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
	chatModel      string
	dimensions     int
}

// NewOpenAIClient creates a client for the given API key and models.
func NewOpenAIClient(apiKey, embeddingModel, chatModel string, dimensions int) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	return &OpenAIClient{
		client:         openai.NewClient(apiKey),
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
		dimensions:     dimensions,
	}, nil
}

// Embed returns embeddings for texts in order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.embeddingModel),
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimensions returns the configured embedding dimension.
func (c *OpenAIClient) Dimensions() int {
	return c.dimensions
}

// Model returns the embedding model identifier.
func (c *OpenAIClient) Model() string {
	return c.embeddingModel
}

// Complete runs a single-prompt chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
