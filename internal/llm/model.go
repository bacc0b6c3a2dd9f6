// Package llm builds chat models from configuration.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/mattjoyce/devle/internal/config"
)

const (
	TypeOpenAI = "openai"
	TypeClaude = "claude"
	TypeOllama = "ollama"
)

// NewChatModel returns a tool-calling chat model for cfg.
func NewChatModel(ctx context.Context, cfg config.ModelConfig) (model.ToolCallingChatModel, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 16 * 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}

	switch cfg.Type {
	case TypeOpenAI, "":
		m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   &cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("openai model %s: %w", cfg.Model, err)
		}
		return m, nil
	case TypeClaude:
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		m, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("claude model %s: %w", cfg.Model, err)
		}
		return m, nil
	case TypeOllama:
		m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama model %s: %w", cfg.Model, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", cfg.Type)
	}
}
