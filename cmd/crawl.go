// Package cmd defines and implements the CLI commands for the newscrawler executable.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newscrawler/internal/dispatcher"
)

// newCrawlCmd creates the 'crawl' subcommand, which drains the work queue.
func newCrawlCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Scrape queued articles until the queue is drained",
		Long: `Claims PENDING items in batches and scrapes them with a bounded worker
pool. SIGINT or SIGTERM stops claiming new batches; the in-flight batch
finishes, the output is closed and every completed segment is verified.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, batchSize)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "items claimed per batch (default crawler.batch_size)")
	return cmd
}

func runCrawl(cmd *cobra.Command, batchSize int) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := appInstance.NewDispatcher(batchSize)
	if err != nil {
		return err
	}

	statusCtx, cancelStatus := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error { return appInstance.ServeStatus(statusCtx) })

	summary, runErr := d.Run(ctx)
	cancelStatus()
	if err := g.Wait(); err != nil {
		logger.Warn("status server stopped with error", zap.Error(err))
	}

	renderSummary(cmd, summary)
	if runErr != nil {
		return runErr
	}
	// Archive even after a stop; the segments are already sealed.
	return archiveReport(context.WithoutCancel(ctx), cmd, appInstance, summary.Integrity)
}

func renderSummary(cmd *cobra.Command, s dispatcher.Summary) {
	t := newTable(cmd.OutOrStdout())
	t.SetTitle("Run " + s.RunID)
	t.AppendRows([]table.Row{
		{"Batches", s.Batches},
		{"Claimed", s.Claimed},
		{"Succeeded", s.Succeeded},
		{"Failed", s.Failed},
		{"Recovered", s.Recovered},
		{"Stopped", s.Stopped},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Segments verified", s.Integrity.OK()},
		{"Segments failed", len(s.Integrity.Failed())},
		{"Records", s.Integrity.Records()},
	})
	t.Render()
}
