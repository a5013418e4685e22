package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and the strategy their base URL classifies to",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, app application) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSTRATEGY\tBASE URL")
			for _, src := range app.Sources() {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", src.ID, src.Name, src.Enabled, src.Strategy, src.BaseURL)
			}
			return tw.Flush()
		}),
	}
}
