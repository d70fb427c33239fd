package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print session state changes until interrupted",
		Long: `Follows the session store, printing a line each time the session is
logged in or out, including by another sessionctl process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []client.Option
			if path := a.cfg.WatchPath(); path != "" {
				opts = append(opts, client.WithStoreWatch(path))
			}
			c, closeAll, err := a.open(opts...)
			if err != nil {
				return err
			}
			defer closeAll()

			c.Session().Startup(ctx)
			states, cancel := c.Session().Subscribe()
			defer cancel()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case state, ok := <-states:
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), state)
				}
			}
		},
	}
}
