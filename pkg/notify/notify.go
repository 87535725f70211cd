// Package notify delivers a diagnosis to standard output and optional sinks.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Format selects how the diagnosis is written to standard output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", diagerr.New(diagerr.Configuration, "unsupported format %q, expected text or json", s)
	}
}

// Result is the diagnosis plus the run it belongs to.
type Result struct {
	Diagnosis string `json:"diagnosis"`
	RunID     string `json:"runId"`
	RunURL    string `json:"runUrl"`
	Status    string `json:"status"`
	Model     string `json:"model"`
	Provider  string `json:"provider,omitempty"`
}

// Sink receives a copy of the diagnosis after it is written to standard output.
type Sink interface {
	Name() string
	Send(ctx context.Context, result Result) error
}

// Emitter writes the diagnosis to out and then forwards it to every sink.
type Emitter struct {
	out    io.Writer
	format Format
	sinks  []Sink
	logger *zap.Logger
}

// NewEmitter creates an Emitter.
func NewEmitter(out io.Writer, format Format, logger *zap.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{out: out, format: format, sinks: sinks, logger: logger}
}

// Emit writes result to standard output and then to each sink in order.
// Output is complete before any sink runs. Sink failures are returned as a
// single CallbackDeliveryError after all sinks were attempted.
func (e *Emitter) Emit(ctx context.Context, result Result) error {
	ctx, span := trace.GetTracer().Start(ctx, "notify.Emit")
	defer span.End()

	if err := e.write(result); err != nil {
		span.RecordError(err)
		return diagerr.Wrap(diagerr.Unknown, err, "failed to write diagnosis")
	}

	var errs []error
	var failed []string
	for _, sink := range e.sinks {
		if err := sink.Send(ctx, result); err != nil {
			e.logger.Error("Failed to deliver diagnosis",
				zap.String("sink", sink.Name()),
				zap.String("run_id", result.RunID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			failed = append(failed, sink.Name())
			continue
		}
		e.logger.Info("Diagnosis delivered", zap.String("sink", sink.Name()), zap.String("run_id", result.RunID))
	}
	span.SetAttributes(attribute.Int("notify.sinks", len(e.sinks)), attribute.Int("notify.failed", len(failed)))

	if len(errs) > 0 {
		err := diagerr.Wrap(diagerr.CallbackDelivery, errors.Join(errs...), "failed to deliver diagnosis to %s", strings.Join(failed, ", "))
		span.RecordError(err)
		return err
	}
	return nil
}

func (e *Emitter) write(result Result) error {
	if e.format == FormatJSON {
		enc := json.NewEncoder(e.out)
		enc.SetEscapeHTML(false)
		return enc.Encode(result)
	}
	_, err := fmt.Fprintln(e.out, result.Diagnosis)
	return err
}
