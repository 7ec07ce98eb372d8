package services

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider answers through the Gemini API. Assistant turns use the
// "model" role.
type GeminiProvider struct {
	client       *genai.Client
	model        string
	maxTokens    int32
	temperature  float32
	systemPrompt string
}

func NewGeminiProvider(ctx context.Context, cfg config.AIProviderModel) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrAIKeyMissing)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client:       client,
		model:        modelOrDefault(cfg, defaultGeminiModel),
		maxTokens:    int32(cfg.MaxTokens),
		temperature:  float32(cfg.Temperature),
		systemPrompt: systemPrompt(cfg),
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Chat(ctx context.Context, message string, history []ChatTurn) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	temp := p.temperature
	generateConfig := &genai.GenerateContentConfig{
		Temperature:       &temp,
		MaxOutputTokens:   p.maxTokens,
		SystemInstruction: genai.NewContentFromText(p.systemPrompt, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, generateConfig)
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", nil
	}

	var responseText strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			responseText.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(responseText.String()), nil
}
