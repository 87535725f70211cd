package agent

import (
	"context"
	"errors"
	"net/http"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiConfig configures a GeminiProvider. APIKey selects the Gemini API;
// otherwise Project and Location select Vertex AI.
type GeminiConfig struct {
	APIKey     string
	Project    string // GCP project for Vertex AI
	Location   string // GCP location (e.g., "us-central1")
	Model      string // Gemini model (e.g., "gemini-2.5-flash-lite")
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiProvider completes prompts with Gemini through the GenAI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiProvider, error) {
	clientConfig := &genai.ClientConfig{HTTPClient: cfg.HTTPClient}
	if cfg.APIKey != "" {
		clientConfig.APIKey = cfg.APIKey
		clientConfig.Backend = genai.BackendGeminiAPI
	} else {
		clientConfig.Project = cfg.Project
		clientConfig.Location = cfg.Location
		clientConfig.Backend = genai.BackendVertexAI
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, diagerr.Wrap(diagerr.LLMAuthentication, err, "failed to create GenAI client")
	}

	if logger != nil {
		logger.Info("GenAI client created",
			zap.String("model", cfg.Model),
			zap.Bool("vertex_ai", cfg.APIKey == ""),
			zap.String("project", cfg.Project),
			zap.String("location", cfg.Location))
	}
	return &GeminiProvider{client: client, model: cfg.Model}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

// Complete generates content with the system prompt as system instruction.
func (p *GeminiProvider) Complete(ctx context.Context, system, user string) (string, error) {
	temperature := float32(0)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       &temperature,
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(user), cfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	text := result.Text()
	if text == "" {
		return "", diagerr.New(diagerr.LLMRequest, "no text content in gemini response")
	}
	return text, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr):
		apiErr = *apiErrPtr
	}
	if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden ||
		apiErr.Status == "UNAUTHENTICATED" || apiErr.Status == "PERMISSION_DENIED" {
		return diagerr.Wrap(diagerr.LLMAuthentication, err, "gemini rejected the credentials")
	}
	return diagerr.Wrap(diagerr.LLMRequest, err, "gemini generation failed")
}
