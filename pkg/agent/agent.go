// Package agent turns a fetched Dagster run into a diagnosis using an LLM.
package agent

import (
	"context"
	"strings"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/dagster"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Provider performs a single chat completion.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// DiagnosisResult is the outcome of one diagnosis.
type DiagnosisResult struct {
	Summary          string // Diagnosis text handed to the emitter
	RawModelResponse string
	Provider         string
	Model            string
	Prompt           Prompt
}

// DiagnosisAgent builds prompts from run records and asks a Provider for a diagnosis.
type DiagnosisAgent struct {
	provider Provider
	opts     PromptOptions
	logger   *zap.Logger
}

// NewDiagnosisAgent creates an agent backed by provider.
func NewDiagnosisAgent(provider Provider, opts PromptOptions, logger *zap.Logger) *DiagnosisAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiagnosisAgent{provider: provider, opts: opts, logger: logger}
}

// Prompt renders the prompt that Diagnose would send for record.
func (a *DiagnosisAgent) Prompt(record *dagster.RunRecord) Prompt {
	return BuildPrompt(record, a.opts)
}

// Diagnose sends one completion request for record. The summary is the
// model's reply with surrounding whitespace removed.
func (a *DiagnosisAgent) Diagnose(ctx context.Context, record *dagster.RunRecord) (*DiagnosisResult, error) {
	ctx, span := trace.GetTracer().Start(ctx, "agent.Diagnose")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", a.provider.Name()),
		attribute.String("llm.model", a.provider.Model()),
		attribute.String("dagster.run_id", record.RunID),
	)

	prompt := a.Prompt(record)
	if prompt.OmittedSteps > 0 || prompt.OmittedLogLines > 0 {
		a.logger.Warn("Truncating run events for prompt budget",
			zap.Int("omitted_steps", prompt.OmittedSteps),
			zap.Int("omitted_log_lines", prompt.OmittedLogLines),
			zap.Int("max_chars", a.opts.MaxChars))
	}
	a.logger.Debug("Sending diagnosis request",
		zap.String("provider", a.provider.Name()),
		zap.String("model", a.provider.Model()),
		zap.Int("prompt_chars", runeLen(prompt.User)))

	raw, err := a.provider.Complete(ctx, prompt.System, prompt.User)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	summary := strings.TrimSpace(raw)
	if summary == "" {
		return nil, diagerr.New(diagerr.LLMRequest, "%s returned an empty diagnosis", a.provider.Name())
	}

	a.logger.Info("Diagnosis generated",
		zap.String("run_id", record.RunID),
		zap.Int("summary_chars", runeLen(summary)))
	return &DiagnosisResult{
		Summary:          summary,
		RawModelResponse: raw,
		Provider:         a.provider.Name(),
		Model:            a.provider.Model(),
		Prompt:           prompt,
	}, nil
}
