package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
)

// Chat roles used in AI history
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultSystemPrompt = "You are a helpful WhatsApp assistant. Keep answers short and friendly."

var (
	// ErrUnknownAIProvider is returned at startup for a provider name outside the supported set
	ErrUnknownAIProvider = errors.New("unknown AI provider")
	// ErrAIKeyMissing is returned when the selected provider has no API key
	ErrAIKeyMissing = errors.New("AI provider API key not configured")
)

// ChatTurn is one prior exchange in a conversation
type ChatTurn struct {
	Role    string
	Content string
}

// AIProvider produces a reply for message given the prior turns
type AIProvider interface {
	Chat(ctx context.Context, message string, history []ChatTurn) (string, error)
	Name() string
}

// NewAIProvider builds the provider selected by cfg.Provider. An empty name
// or "none" returns (nil, nil): the chatbot then runs without a fallback.
func NewAIProvider(cfg config.AIConfig) (AIProvider, error) {
	var (
		provider AIProvider
		err      error
	)
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", "none":
		return nil, nil
	case "openai":
		provider, err = NewOpenAIProvider(cfg.OpenAI)
	case "gemini":
		provider, err = NewGeminiProvider(context.Background(), cfg.Gemini)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg.Anthropic)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAIProvider, cfg.Provider)
	}
	if err != nil {
		// provider holds a typed nil here
		return nil, err
	}
	return provider, nil
}

func systemPrompt(cfg config.AIProviderModel) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

func modelOrDefault(cfg config.AIProviderModel, fallback string) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
