package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/newscrawler/internal/segment"
)

// newVerifyCmd creates the 'verify' subcommand. It validates and stamps
// every segment in the output directory.
func newVerifyCmd() *cobra.Command {
	var (
		dir         string
		archiveFlag bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Validate and checksum every output segment",
		Long: `Checks that every line of every segment is a JSON object and writes a
.sha256 stamp next to each valid segment. Exits non-zero when any segment
fails. Do not run it while a crawl is writing to the same directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if dir == "" {
				dir = appInstance.Config().Output.Dir
			}
			report, err := segment.VerifyAll(cmd.Context(), dir, nil, appInstance.Logger().Named("verify"))
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Segment", "Records", "Result"})
			for _, res := range report.Results {
				result := "ok"
				if res.Err != nil {
					result = res.Err.Error()
				}
				t.AppendRow(table.Row{filepath.Base(res.Path), res.Records, result})
			}
			t.AppendFooter(table.Row{"Total", report.Records(), fmt.Sprintf("%d ok", report.OK())})
			t.Render()

			var archiveErr error
			if archiveFlag {
				archiveErr = archiveReport(cmd.Context(), cmd, appInstance, report)
			}
			if failed := len(report.Failed()); failed > 0 {
				return errors.Join(fmt.Errorf("%d segment(s) failed verification", failed), archiveErr)
			}
			return archiveErr
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "segment directory (default output.dir)")
	cmd.Flags().BoolVar(&archiveFlag, "archive", false, "upload verified segments to the configured archive")
	return cmd
}
