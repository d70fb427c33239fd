package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/session/internal/logging"
	"git.sr.ht/~jakintosh/session/pkg/api"
	"git.sr.ht/~jakintosh/session/pkg/sessiontest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr      string
	Users           []UserCredentials
	AccessLifetime  time.Duration
	RenewalLifetime time.Duration
	ImagePages      int
	LogLevel        string
	Quiet           bool
}

// UserCredentials holds a handle and its secret
type UserCredentials struct {
	Handle string
	Secret string
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL       string       `json:"base_url"`
	Endpoints     OutputPaths  `json:"endpoints"`
	AdminPrefix   string       `json:"admin_prefix"`
	Users         []OutputUser `json:"users"`
	AccessSeconds int64        `json:"access_lifetime_seconds"`
	ImagePages    int          `json:"image_pages"`
}

type OutputPaths struct {
	Login   string `json:"login"`
	Verify  string `json:"verify"`
	Refresh string `json:"refresh"`
	Logout  string `json:"logout"`
}

type OutputUser struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	handle, secret, ok := strings.Cut(value, ":")
	if !ok || handle == "" || secret == "" {
		return fmt.Errorf("user must be in format 'handle:secret'")
	}
	*u = append(*u, UserCredentials{Handle: handle, Secret: secret})
	return nil
}

func main() {
	cfg := parseFlags()

	var out io.Writer = os.Stderr
	if cfg.Quiet {
		out = io.Discard
	}
	logger, err := logging.New(cfg.LogLevel, false, out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Logger = logger

	users := make(map[string]string, len(cfg.Users))
	for _, user := range cfg.Users {
		users[user.Handle] = user.Secret
	}

	srv, err := sessiontest.New(sessiontest.Config{
		Users:           users,
		AccessLifetime:  cfg.AccessLifetime,
		RenewalLifetime: cfg.RenewalLifetime,
		ImagePages:      cfg.ImagePages,
		Logger:          &logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	srv.WithAdmin()

	// Start HTTP server with ephemeral port
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(addr.IP.String(), fmt.Sprint(addr.Port)))

	// Emit JSON contract to stdout
	contract := OutputContract{
		BaseURL: baseURL,
		Endpoints: OutputPaths{
			Login:   api.DefaultLoginPath,
			Verify:  api.DefaultVerifyPath,
			Refresh: api.DefaultRefreshPath,
			Logout:  api.DefaultLogoutPath,
		},
		AdminPrefix:   sessiontest.AdminPrefix,
		Users:         make([]OutputUser, len(cfg.Users)),
		AccessSeconds: int64(cfg.AccessLifetime.Seconds()),
		ImagePages:    cfg.ImagePages,
	}
	for i, user := range cfg.Users {
		contract.Users[i] = OutputUser{Handle: user.Handle, Secret: user.Secret}
	}
	if err := json.NewEncoder(os.Stdout).Encode(contract); err != nil {
		log.Fatal().Err(err).Msg("failed to encode JSON contract")
	}

	server := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(listener)
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-sigChan:
		log.Info().Stringer("signal", sig).Msg("shutting down")
		_ = server.Close()
	}
}

func parseFlags() Config {
	var cfg Config
	var users UserFlag

	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	flag.Var(&users, "user", "User credentials in format 'handle:secret' (repeatable)")
	flag.DurationVar(&cfg.AccessLifetime, "access-lifetime", 30*time.Minute, "Lifetime of issued access tokens")
	flag.DurationVar(&cfg.RenewalLifetime, "renewal-lifetime", 72*time.Hour, "Lifetime of renewal cookies")
	flag.IntVar(&cfg.ImagePages, "image-pages", sessiontest.DefaultImagePages, "Pages served per image id")
	flag.StringVar(&cfg.LogLevel, "log-level", zerolog.InfoLevel.String(), "Log level")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	flag.Parse()

	if len(users) == 0 {
		cfg.Users = []UserCredentials{{Handle: "test", Secret: "test"}}
	} else {
		cfg.Users = users
	}

	return cfg
}
