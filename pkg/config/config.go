// Package config loads diagnosis settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIModel    = "gpt-4"
	DefaultGeminiModel    = "gemini-2.5-flash-lite"
	DefaultMaxPromptChars = 15000
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultLLMTimeout     = 2 * time.Minute
)

// Config holds everything one diagnosis invocation needs.
type Config struct {
	// Dagster Cloud
	DagsterAPIToken string
	GraphQLURL      string // Explicit endpoint; empty means derive it from the run URL
	DeriveEndpoint  bool   // Use <run host><deployment>/graphql instead of GraphQLURL

	// LLM
	Provider       string
	ModelName      string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	GeminiAPIKey   string
	GeminiBaseURL  string
	GCPProjectID   string // Vertex AI project, also used for log trace correlation
	VertexLocation string
	MaxPromptChars int
	MinLogLevel    string // Drop log lines below this level before prompting

	// Delivery
	CallbackURL   string
	SlackBotToken string
	SlackChannel  string

	HTTPTimeout time.Duration
	LLMTimeout  time.Duration

	LogLevel  string
	LogFormat string

	PrintPrompt bool // Only build the prompt; LLM credentials are not needed
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present; real environment
// variables take precedence over it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{
		DagsterAPIToken: os.Getenv("DAGSTER_CLOUD_API_TOKEN"),
		GraphQLURL:      os.Getenv("DAGSTER_CLOUD_GRAPHQL_URL"),
		DeriveEndpoint:  os.Getenv("DAGSTER_CLOUD_DERIVE_ENDPOINT") == "true",
		Provider:        strings.ToLower(os.Getenv("LLM_PROVIDER")),
		ModelName:       os.Getenv("MODEL_NAME"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:   os.Getenv("GEMINI_BASE_URL"),
		GCPProjectID:    os.Getenv("GCP_PROJECT_ID"),
		VertexLocation:  os.Getenv("VERTEX_LOCATION"),
		MinLogLevel:     strings.ToUpper(os.Getenv("DIAGNOSIS_MIN_LEVEL")),
		CallbackURL:     os.Getenv("CALLBACK_URL"),
		SlackBotToken:   os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:    os.Getenv("SLACK_CHANNEL"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		LogFormat:       os.Getenv("LOG_FORMAT"),
		MaxPromptChars:  DefaultMaxPromptChars,
		HTTPTimeout:     DefaultHTTPTimeout,
		LLMTimeout:      DefaultLLMTimeout,
	}

	// Without an explicit endpoint the run URL scopes the query to its
	// organization and deployment.
	if config.GraphQLURL == "" {
		config.DeriveEndpoint = true
	}
	if config.Provider == "" {
		config.Provider = ProviderOpenAI
	}

	if v := os.Getenv("MAX_PROMPT_CHARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MAX_PROMPT_CHARS: %v", err)
		}
		config.MaxPromptChars = n
	}
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTTP_TIMEOUT: %v", err)
		}
		config.HTTPTimeout = d
	}
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse LLM_TIMEOUT: %v", err)
		}
		config.LLMTimeout = d
	}

	return config, nil
}

// Model returns the configured model name or the provider's default.
func (c *Config) Model() string {
	if c.ModelName != "" {
		return c.ModelName
	}
	if c.Provider == ProviderGemini {
		return DefaultGeminiModel
	}
	return DefaultOpenAIModel
}

// UseVertexAI reports whether the Gemini provider should go through Vertex AI.
func (c *Config) UseVertexAI() bool {
	return c.GeminiAPIKey == "" && c.GCPProjectID != "" && c.VertexLocation != ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DagsterAPIToken == "" {
		return fmt.Errorf("DAGSTER_CLOUD_API_TOKEN environment variable is required")
	}

	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && !c.PrintPrompt {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" && !c.UseVertexAI() && !c.PrintPrompt {
			return fmt.Errorf("GEMINI_API_KEY, or GCP_PROJECT_ID and VERTEX_LOCATION, are required when LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be either '%s' or '%s', got '%s'", ProviderOpenAI, ProviderGemini, c.Provider)
	}

	if c.MaxPromptChars <= 0 {
		return fmt.Errorf("MAX_PROMPT_CHARS must be positive")
	}
	if c.HTTPTimeout <= 0 || c.LLMTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT and LLM_TIMEOUT must be positive")
	}

	switch c.MinLogLevel {
	case "", "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("DIAGNOSIS_MIN_LEVEL must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL")
	}

	if (c.SlackBotToken == "") != (c.SlackChannel == "") {
		return fmt.Errorf("SLACK_BOT_TOKEN and SLACK_CHANNEL must be set together")
	}

	return nil
}

// LogConfiguration logs the current configuration (without sensitive data)
func (c *Config) LogConfiguration(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("graphql_url", c.GraphQLURL),
		zap.Bool("derive_endpoint", c.DeriveEndpoint),
		zap.String("provider", c.Provider),
		zap.String("model", c.Model()),
		zap.Bool("vertex_ai", c.Provider == ProviderGemini && c.UseVertexAI()),
		zap.Bool("custom_llm_endpoint", c.OpenAIBaseURL != "" || c.GeminiBaseURL != ""),
		zap.Int("max_prompt_chars", c.MaxPromptChars),
		zap.String("min_log_level", c.MinLogLevel),
		zap.Bool("callback", c.CallbackURL != ""),
		zap.Bool("slack", c.SlackChannel != ""),
		zap.Duration("http_timeout", c.HTTPTimeout),
		zap.Duration("llm_timeout", c.LLMTimeout))
}
