// Package sessiontest provides an in-process fake backend that speaks the
// session protocol: form login, bearer verification, cookie-based renewal
// with rotation, and logout. It also serves a couple of protected resources
// and exposes knobs for driving a client through expiry and failure.
package sessiontest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	RenewalCookieName = "renewal"
	DefaultImagePages = 8

	defaultAccessLifetime  = 30 * time.Minute
	defaultRenewalLifetime = 72 * time.Hour
	cookiePath             = "/api"
)

// Config configures a Server. The zero value is usable.
type Config struct {
	// Users maps handles to secrets. Defaults to a single "test" user whose
	// secret is "test".
	Users map[string]string

	AccessLifetime  time.Duration
	RenewalLifetime time.Duration

	// ImagePages is the number of pages served for every image id.
	ImagePages int

	// BcryptCost defaults to bcrypt.MinCost.
	BcryptCost int

	Logger *zerolog.Logger
}

type renewal struct {
	handle    string
	expiresAt time.Time
}

// Server is a fake session backend. Its methods are safe for concurrent use.
type Server struct {
	router     *mux.Router
	signingKey []byte
	log        zerolog.Logger

	accessLifetime  time.Duration
	renewalLifetime time.Duration
	imagePages      int
	bcryptCost      int

	mu       sync.Mutex
	users    map[string][]byte
	renewals map[string]renewal
	revoked  map[string]bool

	generation         atomic.Int64
	refreshFailure     atomic.Bool
	alwaysUnauthorized atomic.Bool
	refreshDelay       atomic.Int64
	logoutGate         atomic.Pointer[chan struct{}]

	refreshCalls atomic.Int64
	verifyCalls  atomic.Int64
	logoutCalls  atomic.Int64
	loginCalls   atomic.Int64
}

func New(cfg Config) (*Server, error) {
	key, err := newSigningKey()
	if err != nil {
		return nil, err
	}

	s := &Server{
		signingKey:      key,
		log:             zerolog.Nop(),
		accessLifetime:  cfg.AccessLifetime,
		renewalLifetime: cfg.RenewalLifetime,
		imagePages:      cfg.ImagePages,
		bcryptCost:      cfg.BcryptCost,
		users:           make(map[string][]byte),
		renewals:        make(map[string]renewal),
		revoked:         make(map[string]bool),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "sessiontest").Logger()
	}
	if s.accessLifetime == 0 {
		s.accessLifetime = defaultAccessLifetime
	}
	if s.renewalLifetime == 0 {
		s.renewalLifetime = defaultRenewalLifetime
	}
	if s.imagePages == 0 {
		s.imagePages = DefaultImagePages
	}
	if s.bcryptCost == 0 {
		s.bcryptCost = bcrypt.MinCost
	}

	users := cfg.Users
	if len(users) == 0 {
		users = map[string]string{"test": "test"}
	}
	for handle, secret := range users {
		if err := s.AddUser(handle, secret); err != nil {
			return nil, err
		}
	}

	s.router = s.buildRouter()
	return s, nil
}

// Start serves s on an httptest server that is closed when the test ends,
// and returns its base URL.
func (s *Server) Start(t testing.TB) string {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.releaseLogout()
		ts.Close()
	})
	return ts.URL
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc(api.DefaultLoginPath, s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc(api.DefaultVerifyPath, s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc(api.DefaultRefreshPath, s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc(api.DefaultLogoutPath, s.handleLogout).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.requireBearer)
	v1.HandleFunc("/resource/{name}", s.handleResource)
	v1.HandleFunc("/image/{id}/{n:[0-9]+}", s.handleImage).Methods(http.MethodGet)
	return r
}

// AddUser registers a user, replacing any previous secret for handle.
func (s *Server) AddUser(handle, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash secret for %s: %w", handle, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[handle] = hash
	return nil
}

// ExpireAccessTokens makes every access token issued so far unacceptable,
// while renewal cookies keep working.
func (s *Server) ExpireAccessTokens() {
	s.generation.Add(1)
}

// SetRefreshFailure makes the refresh endpoint reject every request.
func (s *Server) SetRefreshFailure(fail bool) {
	s.refreshFailure.Store(fail)
}

// SetRefreshDelay holds every refresh request for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// SetAlwaysUnauthorized makes verification and every protected resource
// answer 401, even for freshly issued tokens.
func (s *Server) SetAlwaysUnauthorized(on bool) {
	s.alwaysUnauthorized.Store(on)
}

// BlockLogout holds logout requests until the returned release func is
// called (or the server is closed).
func (s *Server) BlockLogout() (release func()) {
	gate := make(chan struct{})
	s.logoutGate.Store(&gate)
	var once sync.Once
	return func() {
		once.Do(func() {
			if s.logoutGate.CompareAndSwap(&gate, nil) {
				close(gate)
			}
		})
	}
}

func (s *Server) releaseLogout() {
	if gate := s.logoutGate.Swap(nil); gate != nil {
		close(*gate)
	}
}

func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }
func (s *Server) VerifyCalls() int64  { return s.verifyCalls.Load() }
func (s *Server) LogoutCalls() int64  { return s.logoutCalls.Load() }
func (s *Server) LoginCalls() int64   { return s.loginCalls.Load() }

// ActiveRenewals reports how many renewal cookies are currently redeemable.
func (s *Server) ActiveRenewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.renewals)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-Id")).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
