package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaClient implements EmbeddingGenerator and TextGenerator against a
// local Ollama server.
type OllamaClient struct {
	baseURL        string
	embeddingModel string
	chatModel      string
	dimensions     int
	httpClient     *http.Client
}

// NewOllamaClient creates a client for the given Ollama server URL.
func NewOllamaClient(baseURL, embeddingModel, chatModel string, dimensions int) *OllamaClient {
	return &OllamaClient{
		baseURL:        baseURL,
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
		dimensions:     dimensions,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns embeddings for texts in order via the /api/embed endpoint.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp ollamaEmbedResponse
	err := c.post(ctx, "/api/embed", ollamaEmbedRequest{
		Model: c.embeddingModel,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Dimensions returns the configured embedding dimension.
func (c *OllamaClient) Dimensions() int {
	return c.dimensions
}

// Model returns the embedding model identifier.
func (c *OllamaClient) Model() string {
	return c.embeddingModel
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Complete runs a single-prompt generation via /api/generate.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	var resp ollamaGenerateResponse
	err := c.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:  c.chatModel,
		Prompt: prompt,
		Stream: false,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama: %s returned %d: %s", path, resp.StatusCode, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode %s response: %w", path, err)
	}
	return nil
}
