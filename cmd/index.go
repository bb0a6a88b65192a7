package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newIndexCmd creates the 'index' subcommand, which fills the queue from
// the category index pages.
func newIndexCmd() *cobra.Command {
	var (
		maxPages int
		category string
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Discover article URLs from the category index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			if category == "" {
				category = cfg.Crawler.Category
			}
			if maxPages <= 0 {
				maxPages = cfg.Crawler.IndexMaxPages
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := appInstance.NewIndexer().Run(ctx, category, maxPages)
			fmt.Fprintf(cmd.OutOrStdout(), "pages=%d failed=%d discovered=%d enqueued=%d\n",
				res.Pages, res.Failed, res.Discovered, res.Enqueued)
			return err
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "index pages to walk (default crawler.index_max_pages)")
	cmd.Flags().StringVar(&category, "category", "", "category to index (default crawler.category)")
	return cmd
}
