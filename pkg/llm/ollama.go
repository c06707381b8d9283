package llm

import (
	"context"
	"fmt"

	"pdfchat-go/internal/config"
	"pdfchat-go/pkg/log"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// ollamaClient 通过 langchaingo 调用本地 Ollama 服务。
type ollamaClient struct {
	model  string
	llm    llms.Model
	params GenerationParams
}

func newOllamaClient(cfg config.LLMConfig) (*ollamaClient, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &ollamaClient{model: cfg.Model, llm: model, params: ParamsFromConfig(cfg.Generation)}, nil
}

func (c *ollamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	answer, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, c.callOptions()...)
	if err != nil {
		log.Errorf("[LLMClient] 调用 Ollama 失败, model: %s, error: %v", c.model, err)
		return "", fmt.Errorf("failed to call ollama: %w", err)
	}
	return answer, nil
}

func (c *ollamaClient) callOptions() []llms.CallOption {
	var opts []llms.CallOption
	if c.params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*c.params.Temperature))
	}
	if c.params.TopP != nil {
		opts = append(opts, llms.WithTopP(*c.params.TopP))
	}
	if c.params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*c.params.MaxTokens))
	}
	return opts
}
