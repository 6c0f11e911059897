// Command composer runs the pipeline execution service and its maintenance
// tasks.
//
//	composer serve                     run the HTTP API and callback server
//	composer pipeline apply -f FILE    store pipeline definitions
//	composer render -f FILE --id N     print or write a specialized source tree
//	composer sandbox ensure|status|stop|destroy --tenant N
//	composer sandbox remove-pipeline --tenant N --pipeline M
//	                                   manage tenant runtimes
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/composer/pkg/debug"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	debug      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("composer failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "composer",
		Short:         "Run user-authored component pipelines in per-tenant sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, err := debug.Setup(debug.Options{
				Level:      opts.logLevel,
				Format:     opts.logFormat,
				Categories: opts.debug,
			})
			return err
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: $COMPOSER_CONFIG, ./config.yaml, /etc/composer/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (default: $COMPOSER_LOG_LEVEL or info)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json (default: $COMPOSER_LOG_FORMAT or text)")
	flags.StringVar(&opts.debug, "debug", "", "debug categories, comma-separated (default: $COMPOSER_DEBUG)")

	cmd.AddCommand(
		newServeCommand(opts),
		newPipelineCommand(opts),
		newRenderCommand(opts),
		newSandboxCommand(opts),
	)
	return cmd
}
