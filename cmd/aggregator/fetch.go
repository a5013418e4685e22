package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

func newFetchCmd() *cobra.Command {
	var (
		strategyName string
		waitSelector string
		showBody     bool
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one page through the strategy dispatcher",
		Long: `Fetches URL the way an adapter would. Without --strategy the domain table
decides; a named strategy is forced and never escalates.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app application) error {
			req := strategy.Request{URL: args[0]}
			if strategyName != "" {
				s, err := strategy.Parse(strategyName)
				if err != nil {
					return err
				}
				req.Strategy, req.Force = s, true
			}
			req.Render.WaitSelector = waitSelector

			res, err := app.Fetch(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "url:       %s\n", res.URL)
			if res.FinalURL != "" && res.FinalURL != res.URL {
				fmt.Fprintf(out, "final url: %s\n", res.FinalURL)
			}
			fmt.Fprintf(out, "status:    %d\n", res.StatusCode)
			fmt.Fprintf(out, "strategy:  %s (used %s)\n", res.Strategy, res.Used)
			if res.Escalated {
				fmt.Fprintf(out, "escalated: %s\n", res.Reason)
			}
			fmt.Fprintf(out, "attempts:  %d\n", res.Attempts)
			fmt.Fprintf(out, "bytes:     %d\n", len(res.Body))
			fmt.Fprintf(out, "duration:  %s\n", res.Duration)
			if showBody {
				fmt.Fprintf(out, "\n%s\n", res.Body)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&strategyName, "strategy", "", "force a strategy: direct, resilient or browser")
	cmd.Flags().StringVar(&waitSelector, "wait-selector", "", "CSS selector the browser waits for")
	cmd.Flags().BoolVar(&showBody, "body", false, "print the response body")
	return cmd
}
