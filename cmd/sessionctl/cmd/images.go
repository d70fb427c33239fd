package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"git.sr.ht/~jakintosh/session/internal/images"
	"github.com/spf13/cobra"
)

func newImagesCmd(a *app) *cobra.Command {
	var (
		outDir      string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "images <id> <pages>",
		Short: "Download pages 1 through <pages> of an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			last, err := strconv.Atoi(args[1])
			if err != nil || last < 1 {
				return fmt.Errorf("invalid page count %q", args[1])
			}

			c, closeAll, err := a.open()
			if err != nil {
				return err
			}
			defer closeAll()

			if err := requireLogin(c); err != nil {
				return err
			}

			fetcher, err := images.NewFetcher(c.HTTPClient(), a.cfg.BaseURL, concurrency, a.log)
			if err != nil {
				return err
			}
			pages, err := fetcher.FetchAll(cmd.Context(), id, last)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			for _, page := range pages {
				name := filepath.Join(outDir, fmt.Sprintf("%s-%03d.bin", id, page.Number))
				if err := os.WriteFile(name, page.Data, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d pages to %s\n", len(pages), outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory to write pages to")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Pages fetched at once")
	return cmd
}
