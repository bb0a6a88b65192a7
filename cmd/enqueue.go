package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newscrawler/internal/crawler"
)

// newEnqueueCmd creates the 'enqueue' subcommand for seeding the queue by hand.
func newEnqueueCmd() *cobra.Command {
	var (
		file       string
		category   string
		publishKey string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [url...]",
		Short: "Add article URLs to the work queue",
		Long: `Adds URLs given as arguments and, with --file, one URL per line from a
file ("-" reads stdin). Blank lines and lines starting with # are ignored.
URLs already in the queue are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			urls := append([]string{}, args...)
			if file != "" {
				fromFile, err := readURLList(cmd, file)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}
			if category == "" {
				category = appInstance.Config().Crawler.Category
			}

			items := make([]crawler.NewItem, 0, len(urls))
			for _, u := range urls {
				items = append(items, crawler.NewItem{
					URL:        u,
					Category:   category,
					PublishKey: crawler.StringPtr(publishKey),
				})
			}
			n, err := appInstance.Store().Enqueue(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d of %d urls\n", n, len(items))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one URL per line")
	cmd.Flags().StringVar(&category, "category", "", "category recorded with each item (default crawler.category)")
	cmd.Flags().StringVar(&publishKey, "publish-key", "", "publish key used to order claims")
	return cmd
}

func readURLList(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer f.Close()
		r = f
	}
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}
