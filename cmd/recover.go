package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRecoverCmd creates the 'recover' subcommand, which returns abandoned
// PROCESSING items to PENDING.
func newRecoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue items stuck in PROCESSING",
		Long: `Resets PROCESSING items claimed at least --older-than ago back to
PENDING. Use --older-than=0 to reset every PROCESSING item; only do that when
no crawl is running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = appInstance.Config().Queue.StaleAfter
			}
			n, err := appInstance.Store().ResetStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("stale items reset", zap.Int("count", n), zap.Duration("older_than", olderThan))
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d item(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum claim age (default queue.stale_after)")
	return cmd
}
