package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicProvider answers through the messages API
type AnthropicProvider struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	temperature  float64
	systemPrompt string
}

func NewAnthropicProvider(cfg config.AIProviderModel) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrAIKeyMissing)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 500
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		model:        modelOrDefault(cfg, defaultAnthropicModel),
		maxTokens:    maxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt(cfg),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Chat(ctx context.Context, message string, history []ChatTurn) (string, error) {
	var messages []anthropic.MessageParam
	for _, turn := range history {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: p.systemPrompt}},
		Temperature: anthropic.Float(p.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.AsText().Text)
		}
	}
	return strings.TrimSpace(content.String()), nil
}
