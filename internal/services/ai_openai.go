package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider answers through the chat completions API
type OpenAIProvider struct {
	client       openai.Client
	model        string
	maxTokens    int64
	temperature  float64
	systemPrompt string
}

func NewOpenAIProvider(cfg config.AIProviderModel) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrAIKeyMissing)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		client:       openai.NewClient(opts...),
		model:        modelOrDefault(cfg, defaultOpenAIModel),
		maxTokens:    int64(cfg.MaxTokens),
		temperature:  cfg.Temperature,
		systemPrompt: systemPrompt(cfg),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, message string, history []ChatTurn) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(p.systemPrompt)}
	for _, turn := range history {
		if turn.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(message))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai API error (status %d): %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai API call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}
