package cmd

import (
	"errors"
	"fmt"
	"os"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/spf13/cobra"
)

const envSecret = "SESSION_SECRET"

func newLoginCmd(a *app) *cobra.Command {
	var handle, secret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Long: `Submits the handle and secret to the backend's login endpoint. The
secret may also be given through the ` + envSecret + ` environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv(envSecret)
			}
			if handle == "" || secret == "" {
				return errors.New("--handle and --secret are required")
			}

			c, closeAll, err := a.open()
			if err != nil {
				return err
			}
			defer closeAll()

			session := c.Session()
			if session.Startup(cmd.Context()) == client.Authenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "already logged in")
				return nil
			}

			result, err := session.Login(cmd.Context(), handle, secret)
			if err != nil {
				return err
			}
			if !result.Succeeded() {
				return fmt.Errorf("login rejected (%d): %s", result.StatusCode, result.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in as", handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "Account handle")
	cmd.Flags().StringVar(&secret, "secret", "", "Account secret")
	return cmd
}
