// Package debug runs the diagnosis pipeline for one Dagster run.
package debug

import (
	"context"
	"io"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/agent"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/dagster"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/notify"
)

// Config for debugger.
type Config struct {
	PrintPrompt bool      // Stop after building the prompt and print it
	PromptOut   io.Writer // Destination for the printed prompt
}

// RunFetcher reads a run from Dagster.
type RunFetcher interface {
	FetchRun(ctx context.Context, ref dagster.RunReference) (*dagster.RunRecord, error)
}

// FetcherFunc picks the fetcher for a resolved run.
type FetcherFunc func(ref dagster.RunReference) RunFetcher

// Diagnoser produces a diagnosis for a run.
type Diagnoser interface {
	Prompt(record *dagster.RunRecord) agent.Prompt
	Diagnose(ctx context.Context, record *dagster.RunRecord) (*agent.DiagnosisResult, error)
}

// Emitter delivers the diagnosis.
type Emitter interface {
	Emit(ctx context.Context, result notify.Result) error
}

// DebugResult contains everything produced for one run.
type DebugResult struct {
	RunURL    string
	Reference dagster.RunReference
	Record    *dagster.RunRecord
	Prompt    agent.Prompt
	Diagnosis *agent.DiagnosisResult // Nil when only the prompt was printed
}
