package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
)

func TestNewAIProvider(t *testing.T) {
	withKey := config.AIProviderModel{APIKey: "sk-test", MaxTokens: 100, Temperature: 0.2}

	tests := []struct {
		name     string
		cfg      config.AIConfig
		wantName string
		wantNil  bool
		wantErr  error
	}{
		{name: "empty disables", cfg: config.AIConfig{Provider: ""}, wantNil: true},
		{name: "none disables", cfg: config.AIConfig{Provider: "none"}, wantNil: true},
		{name: "openai", cfg: config.AIConfig{Provider: "openai", OpenAI: withKey}, wantName: "openai"},
		{name: "anthropic", cfg: config.AIConfig{Provider: "Anthropic", Anthropic: withKey}, wantName: "anthropic"},
		{name: "gemini", cfg: config.AIConfig{Provider: "gemini", Gemini: withKey}, wantName: "gemini"},
		{name: "unknown", cfg: config.AIConfig{Provider: "llama"}, wantErr: ErrUnknownAIProvider},
		{name: "missing key", cfg: config.AIConfig{Provider: "openai"}, wantErr: ErrAIKeyMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAIProvider(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, provider)
				return
			}
			require.NotNil(t, provider)
			assert.Equal(t, tt.wantName, provider.Name())
		})
	}
}

var testHistory = []ChatTurn{
	{Role: RoleUser, Content: "hi"},
	{Role: RoleAssistant, Content: "hello, how can I help?"},
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": " Hello "}}]
		}`))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(config.AIProviderModel{APIKey: "sk-test", BaseURL: server.URL, MaxTokens: 50, Temperature: 0.5})
	require.NoError(t, err)

	reply, err := provider.Chat(context.Background(), "what time is it?", testHistory)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)

	assert.Equal(t, "gpt-4o-mini", req["model"])
	messages := req["messages"].([]interface{})
	require.Len(t, messages, 4)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestOpenAIProvider_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(config.AIProviderModel{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = provider.Chat(context.Background(), "hi", nil)
	assert.ErrorContains(t, err, "401")
}

func TestAnthropicProvider_Chat(t *testing.T) {
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "Hello"}],
			"usage": {"input_tokens": 3, "output_tokens": 1}
		}`))
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(config.AIProviderModel{APIKey: "sk-ant", BaseURL: server.URL, SystemPrompt: "be brief"})
	require.NoError(t, err)

	reply, err := provider.Chat(context.Background(), "ping", testHistory)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)

	assert.EqualValues(t, 500, req["max_tokens"])
	messages := req["messages"].([]interface{})
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].(map[string]interface{})["role"])
	system := req["system"].([]interface{})
	assert.Equal(t, "be brief", system[0].(map[string]interface{})["text"])
}

func TestGeminiProvider_Chat(t *testing.T) {
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.0-flash:generateContent"), r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	provider, err := NewGeminiProvider(context.Background(), config.AIProviderModel{APIKey: "g-key", BaseURL: server.URL + "/", MaxTokens: 64})
	require.NoError(t, err)

	reply, err := provider.Chat(context.Background(), "ping", testHistory)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)

	contents := req["contents"].([]interface{})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].(map[string]interface{})["role"])
}
