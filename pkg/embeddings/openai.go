package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Known model dimensions.
const (
	dimsTextEmbedding3Small = 1536
	dimsTextEmbedding3Large = 3072
	dimsTextEmbeddingAda002 = 1536
)

// OpenAIConfig contains OpenAI embedding settings.
type OpenAIConfig struct {
	// APIKey for authentication (required).
	APIKey string `yaml:"api_key"`
	// Model is the embedding model (default "text-embedding-3-small").
	Model string `yaml:"model"`
	// BaseURL overrides the API endpoint (optional).
	BaseURL string `yaml:"base_url,omitempty"`
	// RequestsPerSecond caps the call rate (default 10).
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
}

// OpenAIEmbeddings implements EmbeddingService against the OpenAI API.
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	limiter    *rate.Limiter
}

// NewOpenAI creates an OpenAI-backed embedding service.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIEmbeddings, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: modelDimensions(cfg.Model),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

// Embed generates an embedding for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Dimensions returns the embedding vector length.
func (o *OpenAIEmbeddings) Dimensions() int {
	return o.dimensions
}

// ModelName returns the embedding model name.
func (o *OpenAIEmbeddings) ModelName() string {
	return string(o.model)
}

// Close implements the interface; the HTTP client needs no teardown.
func (o *OpenAIEmbeddings) Close() error {
	return nil
}

func modelDimensions(model string) int {
	switch openai.EmbeddingModel(model) {
	case openai.LargeEmbedding3:
		return dimsTextEmbedding3Large
	case openai.AdaEmbeddingV2:
		return dimsTextEmbeddingAda002
	default:
		return dimsTextEmbedding3Small
	}
}
