package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ModeMention = "mention"
	ModePublic  = "public"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	// ProviderFantasy runs OpenAI models through the fantasy agent runtime.
	ProviderFantasy = "fantasy"
	// ProviderOpenCode sends prompts to a running opencode server.
	ProviderOpenCode = "opencode"
)

const (
	DefaultReplyProbability = 0.05
	DefaultMaxReplyLength   = 490
	DefaultGeminiModel      = "gemini-1.5-flash"
	DefaultOpenAIModel      = "gpt-4o-mini"
)

// Config is the root runtime configuration. It is assembled from defaults,
// an optional config.json, a .env file and the process environment, in that
// order of increasing precedence.
type Config struct {
	Mode      string          `env:"PSYCHBOT_MODE" json:"mode"`
	Mastodon  MastodonConfig  `json:"mastodon"`
	Responder ResponderConfig `json:"responder"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// MastodonConfig holds the network credentials and the expected bot account.
type MastodonConfig struct {
	BaseURL      string `env:"MASTODON_API_BASE_URL"  json:"base_url"`
	StreamingURL string `env:"MASTODON_STREAMING_URL" json:"streaming_url,omitempty"`
	AccessToken  string `env:"MASTODON_ACCESS_TOKEN"  json:"access_token"`
	BotUsername  string `env:"BOT_USERNAME"           json:"bot_username"`
}

// ResponderConfig carries the reply policy.
type ResponderConfig struct {
	Provider         string  `env:"PSYCHBOT_PROVIDER"          json:"provider"`
	Model            string  `env:"PSYCHBOT_MODEL"             json:"model"`
	Persona          string  `env:"PSYCHBOT_PERSONA"           json:"persona,omitempty"`
	ReplyProbability float64 `env:"PSYCHBOT_REPLY_PROBABILITY" json:"reply_probability"`
	MaxReplyLength   int     `env:"PSYCHBOT_MAX_REPLY_LENGTH"  json:"max_reply_length"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	Gemini   GeminiProviderConfig   `json:"gemini"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
	OpenCode OpenCodeProviderConfig `json:"opencode"`
}

// GeminiProviderConfig configures the Gemini generation client.
type GeminiProviderConfig struct {
	APIKey                string `env:"GEMINI_API_KEY" json:"api_key,omitempty"`
	BaseURL               string `json:"base_url,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI generation client.
type OpenAIProviderConfig struct {
	APIKey                string `env:"OPENAI_API_KEY" json:"api_key,omitempty"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenCodeProviderConfig points at an opencode server. The password, when
// set, is read from the environment variable named by PasswordEnv.
type OpenCodeProviderConfig struct {
	BaseURL               string `env:"OPENCODE_BASE_URL" json:"base_url"`
	Username              string `json:"username,omitempty"`
	PasswordEnv           string `json:"password_env,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `env:"PSYCHBOT_STATUS_HOST" json:"host"`
	Port int    `env:"PSYCHBOT_STATUS_PORT" json:"port"`
}

// DefaultConfig returns the policy defaults used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeMention,
		Responder: ResponderConfig{
			Provider:         ProviderGemini,
			ReplyProbability: DefaultReplyProbability,
			MaxReplyLength:   DefaultMaxReplyLength,
		},
	}
}

// LoadConfig resolves config.json (if any), unmarshals it over the defaults,
// loads .env and applies environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

// Validate checks that everything the responder needs before entering the
// event loop is present.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	var problems []string
	switch c.Mode {
	case ModeMention, ModePublic:
	default:
		problems = append(problems, fmt.Sprintf("mode must be %q or %q, got %q", ModeMention, ModePublic, c.Mode))
	}
	problems = append(problems, c.mastodonProblems()...)
	problems = append(problems, c.generationProblems()...)

	return joinProblems(problems)
}

// ValidateMastodon checks only the network credentials.
func (c *Config) ValidateMastodon() error {
	if c == nil {
		return errors.New("config is required")
	}
	return joinProblems(c.mastodonProblems())
}

// ValidateGeneration checks only what generating a reply needs.
func (c *Config) ValidateGeneration() error {
	if c == nil {
		return errors.New("config is required")
	}
	return joinProblems(c.generationProblems())
}

func (c *Config) mastodonProblems() []string {
	var problems []string
	if c.Mastodon.BaseURL == "" {
		problems = append(problems, "MASTODON_API_BASE_URL is required")
	}
	if c.Mastodon.AccessToken == "" {
		problems = append(problems, "MASTODON_ACCESS_TOKEN is required")
	}
	if c.Mastodon.BotUsername == "" {
		problems = append(problems, "BOT_USERNAME is required")
	}
	return problems
}

func (c *Config) generationProblems() []string {
	var problems []string

	switch c.Responder.Provider {
	case ProviderGemini:
		if c.Providers.Gemini.APIKey == "" {
			problems = append(problems, "GEMINI_API_KEY is required")
		}
	case ProviderOpenAI, ProviderFantasy:
		if c.Providers.OpenAI.APIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required")
		}
	case ProviderOpenCode:
		if c.Providers.OpenCode.BaseURL == "" {
			problems = append(problems, "OPENCODE_BASE_URL is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported provider %q", c.Responder.Provider))
	}

	if p := c.Responder.ReplyProbability; p <= 0 || p > 1 {
		problems = append(problems, fmt.Sprintf("reply_probability must be in (0, 1], got %v", p))
	}
	if c.Responder.MaxReplyLength <= 0 {
		problems = append(problems, fmt.Sprintf("max_reply_length must be positive, got %d", c.Responder.MaxReplyLength))
	}

	return problems
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Responder.Provider = strings.ToLower(strings.TrimSpace(c.Responder.Provider))
	c.Mastodon.BaseURL = strings.TrimRight(strings.TrimSpace(c.Mastodon.BaseURL), "/")
	c.Mastodon.StreamingURL = strings.TrimRight(strings.TrimSpace(c.Mastodon.StreamingURL), "/")
	c.Mastodon.AccessToken = strings.TrimSpace(c.Mastodon.AccessToken)
	c.Mastodon.BotUsername = strings.TrimPrefix(strings.TrimSpace(c.Mastodon.BotUsername), "@")
	c.Providers.Gemini.APIKey = strings.TrimSpace(c.Providers.Gemini.APIKey)
	c.Providers.OpenAI.APIKey = strings.TrimSpace(c.Providers.OpenAI.APIKey)
	c.Providers.OpenCode.BaseURL = strings.TrimSpace(c.Providers.OpenCode.BaseURL)

	if strings.TrimSpace(c.Responder.Model) == "" {
		switch c.Responder.Provider {
		case ProviderOpenAI, ProviderFantasy:
			c.Responder.Model = DefaultOpenAIModel
		case ProviderOpenCode:
			// Empty lets the opencode server pick its configured model.
		default:
			c.Responder.Model = DefaultGeminiModel
		}
	}
}

// loadDotEnv reads PSYCHBOT_ENV_FILE, or ./.env when present. Variables that
// are already set in the process environment win over the file.
func loadDotEnv() error {
	if path := strings.TrimSpace(os.Getenv("PSYCHBOT_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}

	if info, err := os.Stat(".env"); err == nil && !info.IsDir() {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is PSYCHBOT_CONFIG first, then cwd-local fallback paths. No file
// at all is fine: the bot can run from the environment alone.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("PSYCHBOT_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("PSYCHBOT_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
