package cli

import (
	"context"
	"strings"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/agent"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/config"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/dagster"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/debug"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/logger"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/notify"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/slack"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/trace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runDiagnosis loads configuration, builds the clients and runs the pipeline.
func runDiagnosis(cmd *cobra.Command, runURL string, opts *options) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig()
	if err != nil {
		return diagerr.Wrap(diagerr.Configuration, err, "failed to load configuration")
	}
	opts.applyOverrides(cfg)
	cfg.Provider = strings.ToLower(cfg.Provider)

	format, err := notify.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, ProjectID: cfg.GCPProjectID})
	if err != nil {
		return diagerr.Wrap(diagerr.Configuration, err, "failed to initialize logger")
	}
	defer func() {
		_ = log.Sync()
	}()

	shutdown, err := trace.Initialize(ctx, serviceName)
	if err != nil {
		return diagerr.Wrap(diagerr.Configuration, err, "failed to initialize tracing")
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Failed to shutdown tracer provider", zap.Error(err))
		}
	}()

	if err := cfg.Validate(); err != nil {
		return diagerr.Wrap(diagerr.Configuration, err, "invalid configuration")
	}

	zl := log.WithContext(ctx)
	cfg.LogConfiguration(zl)

	var provider agent.Provider
	if !cfg.PrintPrompt {
		provider, err = newProvider(ctx, cfg, zl)
		if err != nil {
			return err
		}
	}
	diagnoser := agent.NewDiagnosisAgent(provider, agent.PromptOptions{
		MaxChars:    cfg.MaxPromptChars,
		MinLogLevel: cfg.MinLogLevel,
	}, zl)

	emitter := notify.NewEmitter(cmd.OutOrStdout(), format, zl, newSinks(cfg)...)
	debugger := debug.NewDebugger(newFetcher(cfg, zl), diagnoser, emitter, debug.Config{
		PrintPrompt: cfg.PrintPrompt,
		PromptOut:   cmd.OutOrStdout(),
	}, zl)

	_, err = debugger.DiagnoseRun(ctx, runURL)
	return err
}

func newProvider(ctx context.Context, cfg *config.Config, log *zap.Logger) (agent.Provider, error) {
	httpClient := trace.NewHTTPClient(cfg.LLMTimeout)
	switch cfg.Provider {
	case config.ProviderGemini:
		return agent.NewGeminiProvider(ctx, agent.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Project:    cfg.GCPProjectID,
			Location:   cfg.VertexLocation,
			Model:      cfg.Model(),
			BaseURL:    cfg.GeminiBaseURL,
			HTTPClient: httpClient,
		}, log)
	default:
		return agent.NewOpenAIProvider(agent.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.Model(),
			HTTPClient: httpClient,
		}), nil
	}
}

// newFetcher returns a fetcher bound to the endpoint implied by each run URL,
// which scopes the query to the run's organization and deployment, or to the
// explicitly configured endpoint.
func newFetcher(cfg *config.Config, log *zap.Logger) debug.FetcherFunc {
	options := []dagster.Option{
		dagster.WithHTTPClient(trace.NewHTTPClient(cfg.HTTPTimeout)),
		dagster.WithLogger(log),
	}
	fixed := dagster.NewClient(cfg.GraphQLURL, cfg.DagsterAPIToken, options...)
	return func(ref dagster.RunReference) debug.RunFetcher {
		if cfg.DeriveEndpoint || cfg.GraphQLURL == "" {
			client := dagster.NewClient(ref.GraphQLURL(), cfg.DagsterAPIToken, options...)
			log.Debug("Using endpoint derived from run URL", zap.String("endpoint", client.Endpoint()))
			return client
		}
		return fixed
	}
}

func newSinks(cfg *config.Config) []notify.Sink {
	var sinks []notify.Sink
	if cfg.CallbackURL != "" {
		sinks = append(sinks, notify.NewCallbackSink(cfg.CallbackURL, nil, cfg.HTTPTimeout))
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel, trace.NewHTTPClient(cfg.HTTPTimeout))
		sinks = append(sinks, notify.NewSlackSink(notifier))
	}
	return sinks
}
