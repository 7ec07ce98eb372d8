package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the service reads from the environment
type Config struct {
	Port           string `env:"PORT" envDefault:"8080"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"`
	UseMemoryStore bool   `env:"USE_MEMORY_STORE" envDefault:"false"`
	AdminAPIKey    string `env:"ADMIN_API_KEY"`

	Database  DatabaseConfig
	WhatsApp  WhatsAppConfig
	Twilio    TwilioConfig
	AI        AIConfig
	Chatbot   ChatbotConfig
	Flows     FlowConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
}

type DatabaseConfig struct {
	Host                   string `env:"DB_HOST" envDefault:"localhost"`
	Port                   int    `env:"DB_PORT" envDefault:"5432"`
	User                   string `env:"DB_USER" envDefault:"postgres"`
	Password               string `env:"DB_PASS"`
	Name                   string `env:"DB_NAME" envDefault:"whatsapp"`
	InstanceConnectionName string `env:"INSTANCE_CONNECTION_NAME"` // Cloud SQL unix socket
}

type WhatsAppConfig struct {
	AccessToken       string `env:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID     string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	BusinessAccountID string `env:"WHATSAPP_BUSINESS_ACCOUNT_ID"`
	AppSecret         string `env:"WHATSAPP_APP_SECRET"`
	VerifyToken       string `env:"WHATSAPP_VERIFY_TOKEN" envDefault:"your_verify_token"`
	APIVersion        string `env:"WHATSAPP_API_VERSION" envDefault:"v21.0"`
	APIURL            string `env:"WHATSAPP_API_URL" envDefault:"https://graph.facebook.com"`
	WebhookPath       string `env:"WHATSAPP_WEBHOOK_PATH" envDefault:"/whatsapp/webhook"`
	VerifySignature   bool   `env:"WHATSAPP_VERIFY_SIGNATURE" envDefault:"true"`
	// Transport selects the outbound sender: "cloud" or "twilio"
	Transport string `env:"WHATSAPP_TRANSPORT" envDefault:"cloud"`
}

type TwilioConfig struct {
	AccountSID   string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken    string `env:"TWILIO_AUTH_TOKEN"`
	WhatsAppFrom string `env:"TWILIO_WHATSAPP_FROM"` // "whatsapp:+14155238886"
}

type AIConfig struct {
	// Provider is one of openai, gemini, anthropic; empty or "none" disables the fallback
	Provider  string          `env:"WHATSAPP_AI_PROVIDER" envDefault:"openai"`
	Timeout   time.Duration   `env:"AI_TIMEOUT" envDefault:"30s"`
	OpenAI    AIProviderModel `envPrefix:"OPENAI_"`
	Gemini    AIProviderModel `envPrefix:"GEMINI_"`
	Anthropic AIProviderModel `envPrefix:"ANTHROPIC_"`
}

// Selected returns the block of the chosen provider
func (c AIConfig) Selected() (AIProviderModel, bool) {
	switch c.Provider {
	case "openai":
		return c.OpenAI, true
	case "gemini":
		return c.Gemini, true
	case "anthropic":
		return c.Anthropic, true
	}
	return AIProviderModel{}, false
}

// AIProviderModel is the per-provider block, e.g. OPENAI_API_KEY, OPENAI_MODEL
type AIProviderModel struct {
	APIKey       string  `env:"API_KEY"`
	BaseURL      string  `env:"BASE_URL"`
	Model        string  `env:"MODEL"`
	MaxTokens    int     `env:"MAX_TOKENS" envDefault:"500"`
	Temperature  float64 `env:"TEMPERATURE" envDefault:"0.7"`
	SystemPrompt string  `env:"SYSTEM_PROMPT"`
}

type ChatbotConfig struct {
	Enabled         bool          `env:"WHATSAPP_CHATBOT_ENABLED" envDefault:"true"`
	SessionTimeout  int           `env:"WHATSAPP_SESSION_TIMEOUT" envDefault:"1800"` // seconds
	DefaultLanguage string        `env:"WHATSAPP_DEFAULT_LANGUAGE" envDefault:"en"`
	HistoryLimit    int           `env:"CHATBOT_HISTORY_LIMIT" envDefault:"10"`
	SweepInterval   time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"5m"`
}

// SessionTTL returns the configured sliding window
func (c ChatbotConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

type FlowConfig struct {
	Version              string `env:"WHATSAPP_FLOW_VERSION" envDefault:"7.3"`
	EncryptionEnabled    bool   `env:"WHATSAPP_FLOW_ENCRYPTION_ENABLED" envDefault:"false"`
	PrivateKey           string `env:"WHATSAPP_FLOW_PRIVATE_KEY"`
	PrivateKeyPassphrase string `env:"WHATSAPP_FLOW_PRIVATE_KEY_PASSPHRASE"`
	PublicKey            string `env:"WHATSAPP_FLOW_PUBLIC_KEY"`
	FlipResponseIV       bool   `env:"WHATSAPP_FLOW_FLIP_RESPONSE_IV" envDefault:"false"`
}

type StorageConfig struct {
	MessagesRetentionDays int `env:"WHATSAPP_MESSAGES_RETENTION_DAYS" envDefault:"90"`
}

type RateLimitConfig struct {
	Enabled      bool   `env:"WHATSAPP_RATE_LIMIT_ENABLED" envDefault:"true"`
	MaxAttempts  int    `env:"WHATSAPP_RATE_LIMIT_MAX_ATTEMPTS" envDefault:"60"`
	DecayMinutes int    `env:"WHATSAPP_RATE_LIMIT_DECAY_MINUTES" envDefault:"1"`
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisPass    string `env:"REDIS_PASSWORD"`
	RedisDB      int    `env:"REDIS_DB" envDefault:"0"`
}

// Window returns the rate limit decay window
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.DecayMinutes) * time.Minute
}

var knownAIProviders = map[string]bool{
	"":          true,
	"none":      true,
	"openai":    true,
	"gemini":    true,
	"anthropic": true,
}

// Load reads .env (when present) and parses the environment
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("environments/.env.development"); err != nil {
			log.Println("⚠️  No .env file found - checking environment variables")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would only fail later at runtime
func (c *Config) Validate() error {
	var errs []error

	if !knownAIProviders[c.AI.Provider] {
		errs = append(errs, fmt.Errorf("unsupported AI provider: %q", c.AI.Provider))
	}
	if model, ok := c.AI.Selected(); ok && model.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s_API_KEY is required for AI provider %q (use WHATSAPP_AI_PROVIDER=none to disable)",
			strings.ToUpper(c.AI.Provider), c.AI.Provider))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must be positive"))
	}
	if c.Chatbot.SessionTimeout <= 0 {
		errs = append(errs, errors.New("WHATSAPP_SESSION_TIMEOUT must be positive"))
	}
	if c.Chatbot.HistoryLimit < 0 {
		errs = append(errs, errors.New("CHATBOT_HISTORY_LIMIT cannot be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxAttempts <= 0 || c.RateLimit.DecayMinutes <= 0) {
		errs = append(errs, errors.New("rate limit attempts and decay must be positive"))
	}
	switch c.WhatsApp.Transport {
	case "cloud", "twilio":
	default:
		errs = append(errs, fmt.Errorf("unsupported WHATSAPP_TRANSPORT: %q", c.WhatsApp.Transport))
	}

	return errors.Join(errs...)
}

// AIEnabled reports whether a fallback provider was selected
func (c *Config) AIEnabled() bool {
	return c.AI.Provider != "" && c.AI.Provider != "none"
}

// IsDevelopment mirrors the ENVIRONMENT switch used for ngrok testing
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
