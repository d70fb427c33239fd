package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/rs/zerolog"
)

const maxLoginBody = 64 << 10

// Session owns the session state machine. It decides the state at startup,
// handles login outcomes, and performs logout, whether the user asked for
// it or the credential could not be renewed.
type Session struct {
	store      credential.Store
	verifier   TokenVerifier
	httpClient *http.Client
	loginURL   string
	logoutURL  string

	now           func() time.Time
	logoutTimeout time.Duration
	log           zerolog.Logger

	state *stateMachine

	loadersMu sync.Mutex
	loaders   []func(context.Context)

	// mu orders logout against login and refresh outcomes, and counts the
	// logout notifications still in flight.
	mu       sync.Mutex
	ended    bool
	closed   bool
	inflight int
	idle     *sync.Cond
}

func NewSession(
	store credential.Store,
	verifier TokenVerifier,
	httpClient *http.Client,
	loginURL string,
	logoutURL string,
	opts ...Option,
) *Session {
	o := newOptions(opts)
	s := &Session{
		store:         store,
		verifier:      verifier,
		httpClient:    httpClient,
		loginURL:      loginURL,
		logoutURL:     logoutURL,
		now:           o.now,
		logoutTimeout: o.logoutTimeout,
		log:           o.logger.With().Str("component", "session").Logger(),
		state:         newStateMachine(),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

func (s *Session) State() State {
	return s.state.get()
}

// Subscribe returns a channel that first yields the current state and then
// every transition, in order. The cancel func unsubscribes and closes the
// channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	return s.state.subscribe()
}

// OnLoadInitialContent registers a hook run after every successful login.
func (s *Session) OnLoadInitialContent(fn func(context.Context)) {
	s.loadersMu.Lock()
	defer s.loadersMu.Unlock()
	s.loaders = append(s.loaders, fn)
}

// Startup decides the initial state from the stored credential. Only a
// credential the server confirms as valid yields Authenticated; every other
// outcome clears the store.
func (s *Session) Startup(ctx context.Context) State {
	cred, ok, err := s.store.Get()
	if err != nil {
		s.log.Error().Err(err).Msg("couldn't read stored credential")
		s.state.set(LoggedOut)
		return LoggedOut
	}
	if !ok {
		s.log.Debug().Msg("no stored credential")
		s.state.set(LoggedOut)
		return LoggedOut
	}
	if cred.Expired(s.now()) {
		s.log.Debug().Msg("stored credential expired")
		s.clear()
		s.state.set(LoggedOut)
		return LoggedOut
	}

	verdict := s.verifier.Verify(ctx, cred.Token)
	if verdict != Valid {
		s.log.Info().Stringer("verdict", verdict).Msg("stored credential not accepted")
		s.clear()
		s.state.set(LoggedOut)
		return LoggedOut
	}

	s.authenticate()
	return Authenticated
}

// Login submits the login form. A rejection is not an error: the returned
// result carries the server's message and the state returns to LoggedOut.
func (s *Session) Login(
	ctx context.Context,
	handle string,
	secret string,
) (
	api.LoginResult,
	error,
) {
	if s.State() == Authenticated {
		return api.LoginResult{}, ErrAlreadyAuthenticated
	}
	s.state.set(LoggingIn)

	form := url.Values{}
	form.Set("handle", handle)
	form.Set("secret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		s.state.set(LoggedOut)
		return api.LoginResult{}, fmt.Errorf("couldn't build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to post login")
		s.state.set(LoggedOut)
		return api.LoginResult{}, fmt.Errorf("%w: login: %v", ErrNetworkFailure, err)
	}
	defer drain(res)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxLoginBody))
	if err != nil {
		s.state.set(LoggedOut)
		return api.LoginResult{}, fmt.Errorf("%w: login: %v", ErrNetworkFailure, err)
	}

	result := api.ParseLoginResponse(res.StatusCode, body)
	applied, err := s.OnLoginResponse(ctx, result)
	if err != nil {
		s.state.set(LoggedOut)
		return api.LoginResult{}, err
	}
	if !applied {
		s.log.Info().Int("status", res.StatusCode).Msg("login rejected")
		s.state.set(LoggedOut)
	}
	return result, nil
}

// OnLoginResponse applies a login outcome. On success the credential is
// stored, the session becomes Authenticated and the initial content hooks
// run before it returns true. A rejected result changes nothing and returns
// false. An accepted result that can't be stored changes nothing and returns
// the storage error.
func (s *Session) OnLoginResponse(
	ctx context.Context,
	result api.LoginResult,
) (
	bool,
	error,
) {
	if !result.Succeeded() {
		return false, nil
	}

	cred := credential.FromLifetime(result.Token.AccessToken, result.Token.ExpiresIn, s.now())
	s.mu.Lock()
	err := s.store.Set(cred)
	if err == nil {
		s.ended = false
		s.state.set(Authenticated)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("couldn't store credential")
		return false, fmt.Errorf("couldn't store credential: %w", err)
	}
	s.log.Info().Time("expires_at", cred.ExpiresAt).Msg("logged in")

	s.loadersMu.Lock()
	loaders := append([]func(context.Context){}, s.loaders...)
	s.loadersMu.Unlock()
	for _, load := range loaders {
		load(ctx)
	}
	return true, nil
}

// Logout notifies the server in the background, then clears the store and
// moves to LoggedOut without waiting for the notification. No refresh is
// attempted afterwards until the next successful login.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true
	if cred, ok, err := s.store.Get(); err == nil && ok {
		s.notifyLogout(ctx, cred.Token)
	}
	s.clear()
	s.state.set(LoggedOut)
}

// Expire is the forced logout run when the credential can't be renewed.
func (s *Session) Expire(ctx context.Context) {
	s.log.Warn().Msg("session expired, logging out")
	s.Logout(ctx)
}

// Sync reconciles the state with a store another process may have changed.
func (s *Session) Sync(ctx context.Context) {
	cred, ok, err := s.store.Get()
	if err != nil {
		s.log.Error().Err(err).Msg("couldn't read stored credential")
		return
	}

	current := s.State()
	switch {
	case !ok && current == Authenticated:
		s.log.Info().Msg("credential removed elsewhere")
		s.state.set(LoggedOut)
	case ok && !cred.Expired(s.now()) && current != Authenticated:
		if s.verifier.Verify(ctx, cred.Token) == Valid {
			s.log.Info().Msg("credential added elsewhere")
			s.authenticate()
		}
	}
}

// Wait blocks until every logout notification has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
}

// close stops new logout notifications and waits for the pending ones.
// Logouts after close still clear the store.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Wait()
}

func (s *Session) authenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = false
	s.state.set(Authenticated)
}

// adoptRefresh accepts a credential the refresher just stored. After a
// logout the credential is discarded and it returns false.
func (s *Session) adoptRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.clear()
		return false
	}
	s.state.set(Authenticated)
	return true
}

func (s *Session) loggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// notifyLogout must be called with s.mu held.
func (s *Session) notifyLogout(ctx context.Context, token string) {
	if s.closed {
		s.log.Debug().Msg("client closed, skipping logout notification")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.logoutTimeout)

	s.inflight++
	go func() {
		defer s.notified()
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.logoutURL, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("couldn't build logout request")
			return
		}
		req.Header.Set("Authorization", bearer(token))
		req.Header.Set("Content-Type", "application/json")

		res, err := s.httpClient.Do(req)
		if err != nil {
			s.log.Error().Err(err).Msg("logout notification failed")
			return
		}
		defer drain(res)
		if err := CheckResponse("logout", res); err != nil {
			s.log.Warn().Err(err).Msg("logout notification rejected")
		}
	}()
}

func (s *Session) notified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
}

func (s *Session) clear() {
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("couldn't clear stored credential")
	}
}

// sessionRefresher ties refreshes to the session: none is attempted after a
// logout, and a successful one authenticates the session.
type sessionRefresher struct {
	session *Session
	next    TokenRefresher
}

func (r sessionRefresher) Refresh(ctx context.Context) (credential.Credential, error) {
	if r.session.loggedOut() {
		return credential.Credential{}, ErrLoggedOut
	}
	cred, err := r.next.Refresh(ctx)
	if err != nil {
		return credential.Credential{}, err
	}
	if !r.session.adoptRefresh() {
		return credential.Credential{}, ErrLoggedOut
	}
	return cred, nil
}
