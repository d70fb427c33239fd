package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session and tell the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.open()
			if err != nil {
				return err
			}
			// waits for the backend notification
			defer closeAll()

			_, ok, err := c.Store().Get()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
				return nil
			}
			c.Session().Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}
