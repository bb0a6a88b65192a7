package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/newscrawler/internal/segment"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// archiveReport uploads the verified segments of report when an archive is
// configured. It is a no-op otherwise.
func archiveReport(ctx context.Context, cmd *cobra.Command, appInstance App, report segment.Report) error {
	archiver, err := appInstance.Archiver(ctx)
	if err != nil || archiver == nil {
		return err
	}
	res, err := archiver.Upload(ctx, report)
	fmt.Fprintf(cmd.OutOrStdout(), "archived=%d notified=%d failed=%d\n", res.Uploaded, res.Notified, len(res.Failed))
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d segment(s) failed to archive", len(res.Failed))
	}
	return nil
}
