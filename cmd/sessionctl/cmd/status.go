package cmd

import (
	"fmt"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the stored session with the backend",
		Long: `Runs the startup check: the stored credential is verified with the
backend, and cleared if it is expired or not accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.open()
			if err != nil {
				return err
			}
			defer closeAll()

			state := c.Session().Startup(cmd.Context())
			out := cmd.OutOrStdout()
			if state != client.Authenticated {
				fmt.Fprintln(out, state)
				return nil
			}

			cred, ok, err := c.Store().Get()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, state)
				return nil
			}
			fmt.Fprintf(out, "%s (expires %s)\n", state, cred.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}
