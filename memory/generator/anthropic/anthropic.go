// Package anthropic implements memory.Generator on the Claude Messages
// API. It is used for query expansion, so requests are small and the
// deadline comes from the caller's context.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You rewrite search queries for a personal memory store. Answer only with what is asked, no commentary."

// Config configures the generator.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// MaxTokens caps the response (default: 256).
	MaxTokens int64 `yaml:"max_tokens"`

	// MaxRetries is passed to the SDK (default: 0). Expansion has a hard
	// budget, so retries rarely fit.
	MaxRetries int `yaml:"max_retries"`
}

// Generator calls Claude.
type Generator struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New creates a generator. Extra request options are appended after the
// ones derived from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Generator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	client := anthropic.NewClient(reqOpts...)
	return &Generator{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Generate implements memory.Generator.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("claude returned no text (stop reason %q)", resp.StopReason)
	}
	return b.String(), nil
}
