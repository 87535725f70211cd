// Package cli wires configuration, clients and the diagnosis pipeline behind
// the dagster-diagnostic-agent command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/config"
	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
	"github.com/spf13/cobra"
)

const (
	serviceName = "dagster-diagnostic-agent"
	version     = "0.1.0"
)

// options holds flag values; non-empty values override the environment.
type options struct {
	callbackURL string
	graphQLURL  string
	provider    string
	model       string
	format      string
	printPrompt bool
	showVersion bool
}

// Execute runs the command with the process arguments and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// Run executes the command with args. Failures are reported on stderr as
// "<ErrorKind>: <message>" and mapped to the kind's exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, errorLine(err))
		return diagerr.ExitCode(err)
	}
	return 0
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "dagster-diagnostic-agent <run_url>",
		Short: "Diagnose a Dagster Cloud run with an LLM",
		Long: `dagster-diagnostic-agent fetches a Dagster Cloud run's status, step events and
logs through the GraphQL API, asks an LLM for a diagnosis, and prints it.

Examples:
  dagster-diagnostic-agent https://acme.dagster.cloud/prod/runs/abc123
  dagster-diagnostic-agent https://acme.dagster.cloud/prod/runs/abc123 --callback-url https://hooks.example.com/diagnosis
  dagster-diagnostic-agent https://acme.dagster.cloud/prod/runs/abc123 --provider gemini --format json
  dagster-diagnostic-agent https://acme.dagster.cloud/prod/runs/abc123 --print-prompt`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				return nil
			}
			if len(args) != 1 {
				cmd.PrintErrln(cmd.UsageString())
				return diagerr.New(diagerr.Configuration, "requires exactly one run URL")
			}
			return nil
		},
		// Standard output is reserved for the diagnosis; Run reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), serviceName+" version "+version)
				return err
			}
			return runDiagnosis(cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.showVersion, "version", "v", false, "Show version information")
	cmd.Flags().StringVar(&opts.callbackURL, "callback-url", "", "POST the diagnosis as JSON to this URL (env CALLBACK_URL)")
	cmd.Flags().StringVar(&opts.graphQLURL, "graphql-url", "", "Dagster Cloud GraphQL endpoint (env DAGSTER_CLOUD_GRAPHQL_URL)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "LLM provider: openai or gemini (env LLM_PROVIDER)")
	cmd.Flags().StringVar(&opts.model, "model", "", "LLM model name (env MODEL_NAME)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&opts.printPrompt, "print-prompt", false, "Print the prompt instead of calling the LLM")

	return cmd
}

// applyOverrides copies non-empty flag values onto cfg.
func (o *options) applyOverrides(cfg *config.Config) {
	if o.callbackURL != "" {
		cfg.CallbackURL = o.callbackURL
	}
	if o.graphQLURL != "" {
		cfg.GraphQLURL = o.graphQLURL
		cfg.DeriveEndpoint = false
	}
	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.model != "" {
		cfg.ModelName = o.model
	}
	cfg.PrintPrompt = o.printPrompt
}

func errorLine(err error) string {
	var e *diagerr.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return fmt.Sprintf("%s: %v", diagerr.Unknown, err)
}
