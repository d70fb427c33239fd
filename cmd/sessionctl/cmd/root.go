package cmd

import (
	"errors"
	"os"

	"git.sr.ht/~jakintosh/session/internal/config"
	"git.sr.ht/~jakintosh/session/internal/logging"
	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultEnvFile = ".env"

// app carries what every subcommand needs once the root flags are parsed.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool

	cfg config.Config
	log zerolog.Logger
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Log in to a session backend and make authenticated requests",
		Long: `sessionctl keeps a login session with a backend on disk, so that
separate invocations (and other processes sharing the same store) act as one
logged-in client. Requests made through it renew the access token as needed.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&a.envFile, "env-file", defaultEnvFile, "Dotenv file loaded before the environment is read")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (overrides config)")
	flags.BoolVar(&a.pretty, "pretty", true, "Human-readable log output")

	root.AddCommand(
		newLoginCmd(a),
		newStatusCmd(a),
		newGetCmd(a),
		newImagesCmd(a),
		newLogoutCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = a.pretty
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

// open returns a client over the configured store. The returned func closes
// both.
func (a *app) open(opts ...client.Option) (*client.Client, func(), error) {
	store, err := a.cfg.OpenStore()
	if err != nil {
		return nil, nil, err
	}

	opts = append([]client.Option{
		client.WithLogger(a.log),
		client.WithEndpoints(a.cfg.ClientEndpoints()),
		client.WithLogoutTimeout(a.cfg.LogoutTimeout),
	}, opts...)
	c, err := client.New(a.cfg.BaseURL, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	closeAll := func() {
		err := errors.Join(c.Close(), store.Close())
		if err != nil {
			a.log.Warn().Err(err).Msg("couldn't close cleanly")
		}
	}
	return c, closeAll, nil
}

// requireLogin fails when no credential is stored. An expired or revoked one
// is left for the transport to renew.
func requireLogin(c *client.Client) error {
	_, ok, err := c.Store().Get()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not logged in")
	}
	return nil
}
