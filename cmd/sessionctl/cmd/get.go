package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/spf13/cobra"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Make an authenticated GET request and print the body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeAll, err := a.open()
			if err != nil {
				return err
			}
			defer closeAll()

			if err := requireLogin(c); err != nil {
				return err
			}

			res, err := c.MakeAuthenticatedRequest(cmd.Context(), http.MethodGet, args[0], nil)
			if errors.Is(err, client.ErrSessionExpired) {
				return errors.New("session expired, log in again")
			}
			if err != nil {
				return err
			}
			defer res.Body.Close()

			if res.StatusCode < 200 || res.StatusCode > 299 {
				fmt.Fprintln(cmd.ErrOrStderr(), res.Status)
				_, _ = io.Copy(cmd.ErrOrStderr(), res.Body)
				return fmt.Errorf("request failed: %s", res.Status)
			}
			_, err = io.Copy(cmd.OutOrStdout(), res.Body)
			return err
		},
	}
}
