package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// newStatsCmd creates the 'stats' subcommand, which prints queue counts.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number of queue items per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := appInstance.Store().StatusCounts(cmd.Context())
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Status", "Items"})
			total := 0
			for _, status := range crawler.AllStatuses {
				t.AppendRow(table.Row{status, counts[status]})
				total += counts[status]
			}
			t.AppendFooter(table.Row{"Total", total})
			t.Render()
			return nil
		},
	}
}
