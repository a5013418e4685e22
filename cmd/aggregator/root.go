package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/manga-aggregator/internal/config"
	"github.com/JakeFAU/manga-aggregator/internal/orchestrator"
	"github.com/JakeFAU/manga-aggregator/internal/server"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

// progressAnnotation marks commands that draw a progress bar.
const progressAnnotation = "progress"

type appKeyType string

const appKey appKeyType = "app"

// application is the slice of *server.App the commands use.
type application interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, filter source.Filter) (orchestrator.Summary, error)
	Sources() []server.SourceInfo
	Fetch(ctx context.Context, req strategy.Request) (strategy.Result, error)
	DefaultFilter() source.Filter
	Close(ctx context.Context)
}

// newApp is replaced in tests.
var newApp = func(ctx context.Context, cfgPath string, progressOut io.Writer) (application, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg, server.Options{ProgressOut: progressOut})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "aggregator",
		Short:        "Aggregates manga catalogs from many sources into one",
		SilenceUsage: true,
		Long: `aggregator visits each configured source in order, merges the listings
into canonical entries keyed by normalized title, and commits every run in a
single transaction. Sources that fail are recorded and skipped.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// help and completion need no services.
			if cmd.RunE == nil {
				return nil
			}
			var progressOut io.Writer
			if _, ok := cmd.Annotations[progressAnnotation]; ok {
				if quiet, _ := cmd.Flags().GetBool("no-progress"); !quiet {
					progressOut = cmd.ErrOrStderr()
				}
			}
			app, err := newApp(cmd.Context(), cfgFile, progressOut)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* environment variables override it")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newSourcesCmd(), newFetchCmd())
	return cmd
}

// withApp resolves the application built in PersistentPreRunE and closes it
// once run returns, whether or not run failed.
func withApp(run func(cmd *cobra.Command, args []string, app application) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, ok := cmd.Context().Value(appKey).(application)
		if !ok || app == nil {
			return errors.New("application services not initialized")
		}
		defer app.Close(context.WithoutCancel(cmd.Context()))
		return run(cmd, args, app)
	}
}
