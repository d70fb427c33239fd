package client

import (
	"net/http"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultLogoutTimeout = 10 * time.Second

// Endpoints are the paths (or absolute URLs) of the backend's session
// endpoints. Relative values are resolved against the client's base URL.
type Endpoints struct {
	Login   string
	Verify  string
	Refresh string
	Logout  string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   api.DefaultLoginPath,
		Verify:  api.DefaultVerifyPath,
		Refresh: api.DefaultRefreshPath,
		Logout:  api.DefaultLogoutPath,
	}
}

type options struct {
	logger        zerolog.Logger
	now           func() time.Time
	transport     http.RoundTripper
	endpoints     Endpoints
	logoutTimeout time.Duration
	watchPath     string
}

type Option func(*options)

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTransport sets the base round tripper used for every network call.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func WithEndpoints(endpoints Endpoints) Option {
	return func(o *options) { o.endpoints = endpoints }
}

// WithLogoutTimeout bounds the background logout notification.
func WithLogoutTimeout(d time.Duration) Option {
	return func(o *options) { o.logoutTimeout = d }
}

// WithStoreWatch makes the client follow changes other processes make to
// the store file at path.
func WithStoreWatch(path string) Option {
	return func(o *options) { o.watchPath = path }
}

func newOptions(opts []Option) options {
	o := options{
		logger:        log.Logger,
		now:           time.Now,
		transport:     http.DefaultTransport,
		endpoints:     DefaultEndpoints(),
		logoutTimeout: defaultLogoutTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
