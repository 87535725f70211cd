package debug

import (
	"context"
	"fmt"
	"os"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/dagster"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/notify"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Debugger orchestrates the diagnosis workflow.
type Debugger struct {
	fetcher   FetcherFunc
	diagnoser Diagnoser
	emitter   Emitter
	config    Config
	logger    *zap.Logger
}

// NewDebugger creates a new debugger.
func NewDebugger(fetcher FetcherFunc, diagnoser Diagnoser, emitter Emitter, cfg Config, logger *zap.Logger) *Debugger {
	if cfg.PromptOut == nil {
		cfg.PromptOut = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debugger{
		fetcher:   fetcher,
		diagnoser: diagnoser,
		emitter:   emitter,
		config:    cfg,
		logger:    logger,
	}
}

// DiagnoseRun resolves runURL, fetches the run, generates a diagnosis and
// emits it. Every stage error stops the pipeline except a delivery failure,
// which is returned together with the completed result.
func (d *Debugger) DiagnoseRun(ctx context.Context, runURL string) (*DebugResult, error) {
	ctx, span := trace.GetTracer().Start(ctx, "diagnose_run")
	defer span.End()

	// Step 1: Resolve the run URL
	ref, err := d.resolve(ctx, runURL)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("dagster.run_id", ref.RunID))
	result := &DebugResult{RunURL: runURL, Reference: ref}

	d.logger.Info("Starting run diagnosis",
		zap.String("trace_id", trace.ExtractTraceID(ctx)),
		zap.String("run_id", ref.RunID),
		zap.String("organization", ref.Organization),
		zap.String("deployment", ref.Deployment))

	// Step 2: Fetch run metadata and events
	record, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, fail(span, err)
	}
	result.Record = record

	d.logger.Info("Fetched run",
		zap.String("run_id", record.RunID),
		zap.String("status", string(record.Status)),
		zap.Int("step_events", len(record.Steps)),
		zap.Int("log_lines", len(record.LogLines)))

	result.Prompt = d.diagnoser.Prompt(record)
	if d.config.PrintPrompt {
		if _, err := fmt.Fprintf(d.config.PromptOut, "%s\n\n%s\n", result.Prompt.System, result.Prompt.User); err != nil {
			return nil, fail(span, diagerr.Wrap(diagerr.Unknown, err, "failed to print prompt"))
		}
		return result, nil
	}

	// Step 3: Generate the diagnosis
	genCtx, genSpan := trace.GetTracer().Start(ctx, "generate_diagnosis")
	diagnosis, err := d.diagnoser.Diagnose(genCtx, record)
	genSpan.End()
	if err != nil {
		return nil, fail(span, err)
	}
	result.Diagnosis = diagnosis

	// Step 4: Emit to stdout and sinks
	emitCtx, emitSpan := trace.GetTracer().Start(ctx, "emit")
	err = d.emitter.Emit(emitCtx, notify.Result{
		Diagnosis: diagnosis.Summary,
		RunID:     record.RunID,
		RunURL:    runURL,
		Status:    string(record.Status),
		Model:     diagnosis.Model,
		Provider:  diagnosis.Provider,
	})
	emitSpan.End()
	if err != nil {
		return result, fail(span, err)
	}

	d.logger.Info("Run diagnosis completed", zap.String("run_id", record.RunID))
	return result, nil
}

func (d *Debugger) resolve(ctx context.Context, runURL string) (dagster.RunReference, error) {
	_, span := trace.GetTracer().Start(ctx, "resolve")
	defer span.End()
	return dagster.ParseRunURL(runURL)
}

func (d *Debugger) fetch(ctx context.Context, ref dagster.RunReference) (*dagster.RunRecord, error) {
	ctx, span := trace.GetTracer().Start(ctx, "fetch_run")
	defer span.End()
	return d.fetcher(ref).FetchRun(ctx, ref)
}

func fail(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(diagerr.KindOf(err)))
	return err
}
