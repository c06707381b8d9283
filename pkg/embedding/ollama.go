package embedding

import (
	"context"
	"fmt"

	"pdfchat-go/internal/config"
	"pdfchat-go/pkg/log"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ollamaClient 通过 langchaingo 调用本地 Ollama 服务生成向量。
type ollamaClient struct {
	model    string
	embedder embeddings.Embedder
}

func newOllamaClient(cfg config.EmbeddingConfig) (*ollamaClient, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
	}
	return &ollamaClient{model: cfg.Model, embedder: embedder}, nil
}

func (c *ollamaClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vector, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Ollama 失败, model: %s, error: %v", c.model, err)
		return nil, fmt.Errorf("failed to call ollama embedding: %w", err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}
	return vector, nil
}

func (c *ollamaClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Ollama 失败, model: %s, inputs: %d, error: %v", c.model, len(texts), err)
		return nil, fmt.Errorf("failed to call ollama embedding: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}
