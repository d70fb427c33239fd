package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/session/internal/testutil"
	"git.sr.ht/~jakintosh/session/pkg/api"
	"git.sr.ht/~jakintosh/session/pkg/client"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"git.sr.ht/~jakintosh/session/pkg/sessiontest"
	"github.com/stretchr/testify/require"
)

func newTestSession(
	t *testing.T,
	store credential.Store,
	verifier client.TokenVerifier,
	loginURL string,
	logoutURL string,
	opts ...client.Option,
) *client.Session {
	t.Helper()
	opts = append([]client.Option{
		client.WithClock(fixedClock(epoch)),
		client.WithLogger(testutil.Logger(t)),
	}, opts...)
	s := client.NewSession(store, verifier, http.DefaultClient, loginURL, logoutURL, opts...)
	t.Cleanup(s.Wait)
	return s
}

func TestSession_InitialState(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, credential.NewMemoryStore(), &fakeVerifier{}, "", "")
	require.Equal(t, client.LoggingIn, s.State())
}

func TestStartup_NoCredential(t *testing.T) {
	t.Parallel()
	verifier := &fakeVerifier{verdict: client.Valid}
	s := newTestSession(t, credential.NewMemoryStore(), verifier, "", "")

	require.Equal(t, client.LoggedOut, s.Startup(context.Background()))
	require.Equal(t, client.LoggedOut, s.State())
	require.Zero(t, verifier.calls.Load())
}

func TestStartup_ExpiredCredentialSkipsVerify(t *testing.T) {
	t.Parallel()

	for _, expiresAt := range []time.Time{epoch, epoch.Add(-time.Second), epoch.Add(-24 * time.Hour)} {
		store := credential.NewMemoryStore()
		require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: expiresAt}))
		verifier := &fakeVerifier{verdict: client.Valid}
		s := newTestSession(t, store, verifier, "", "")

		require.Equal(t, client.LoggedOut, s.Startup(context.Background()))
		require.Zero(t, verifier.calls.Load())

		_, ok, err := store.Get()
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestStartup_ValidCredential(t *testing.T) {
	t.Parallel()
	store := credential.NewMemoryStore()
	stored := credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}
	require.NoError(t, store.Set(stored))
	verifier := &fakeVerifier{verdict: client.Valid}
	s := newTestSession(t, store, verifier, "", "")

	require.Equal(t, client.Authenticated, s.Startup(context.Background()))
	require.Equal(t, int64(1), verifier.calls.Load())
	require.Equal(t, []string{"t1"}, verifier.tokens)

	// no mutation
	got, ok, err := store.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stored, got)
}

func TestStartup_RejectedCredential(t *testing.T) {
	t.Parallel()

	for _, verdict := range []client.Verdict{client.Invalid, client.Indeterminate} {
		store := credential.NewMemoryStore()
		require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}))
		s := newTestSession(t, store, &fakeVerifier{verdict: verdict}, "", "")

		require.Equal(t, client.LoggedOut, s.Startup(context.Background()), verdict.String())

		_, ok, err := store.Get()
		require.NoError(t, err)
		require.False(t, ok, verdict.String())
	}
}

func TestOnLoginResponse_Success(t *testing.T) {
	t.Parallel()
	store := credential.NewMemoryStore()
	s := newTestSession(t, store, &fakeVerifier{}, "", "")

	var loaded atomic.Int64
	s.OnLoadInitialContent(func(context.Context) { loaded.Add(1) })
	s.OnLoadInitialContent(func(context.Context) { loaded.Add(1) })

	result := api.ParseLoginResponse(http.StatusOK, []byte(`{"access_token":"t1","expiresIn":60}`))
	applied, err := s.OnLoginResponse(context.Background(), result)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, client.Authenticated, s.State())
	require.Equal(t, int64(2), loaded.Load())

	got, ok, err := store.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Minute)}, got)
}

func TestOnLoginResponse_Rejected(t *testing.T) {
	t.Parallel()
	store := credential.NewMemoryStore()
	s := newTestSession(t, store, &fakeVerifier{}, "", "")

	var loaded atomic.Int64
	s.OnLoadInitialContent(func(context.Context) { loaded.Add(1) })

	result := api.ParseLoginResponse(http.StatusOK, []byte(`<p>wrong password</p>`))
	applied, err := s.OnLoginResponse(context.Background(), result)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, "<p>wrong password</p>", result.Message)
	require.Equal(t, client.LoggingIn, s.State())
	require.Zero(t, loaded.Load())

	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOnLoginResponse_StoreFailure(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, brokenStore{credential.NewMemoryStore()}, &fakeVerifier{}, "", "")

	var loaded atomic.Int64
	s.OnLoadInitialContent(func(context.Context) { loaded.Add(1) })

	result := api.ParseLoginResponse(http.StatusOK, []byte(`{"access_token":"t1","expiresIn":60}`))
	applied, err := s.OnLoginResponse(context.Background(), result)
	require.ErrorIs(t, err, errStoreBroken)
	require.False(t, applied)
	require.Equal(t, client.LoggingIn, s.State())
	require.Zero(t, loaded.Load())
}

func TestLogin_StoreFailure(t *testing.T) {
	t.Parallel()
	_, baseURL := startBackend(t, sessiontest.Config{})
	store := brokenStore{credential.NewMemoryStore()}
	s := newTestSession(t, store, &fakeVerifier{}, baseURL+api.DefaultLoginPath, baseURL+api.DefaultLogoutPath)

	result, err := s.Login(context.Background(), testutil.TestHandle, testutil.TestSecret)
	require.ErrorIs(t, err, errStoreBroken)
	require.False(t, result.Succeeded())
	require.Equal(t, client.LoggedOut, s.State())

	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogin_AgainstBackend(t *testing.T) {
	t.Parallel()
	_, baseURL := startBackend(t, sessiontest.Config{})
	c := newClient(t, baseURL, credential.NewMemoryStore())
	require.Equal(t, client.LoggedOut, c.Session().Startup(context.Background()))

	// wrong secret
	result, err := c.Session().Login(context.Background(), testutil.TestHandle, "nope")
	require.NoError(t, err)
	require.False(t, result.Succeeded())
	require.Equal(t, http.StatusUnauthorized, result.StatusCode)
	require.Equal(t, "invalid handle or secret", result.Message)
	require.Equal(t, client.LoggedOut, c.Session().State())

	loginClient(t, c)

	_, err = c.Session().Login(context.Background(), testutil.TestHandle, testutil.TestSecret)
	require.ErrorIs(t, err, client.ErrAlreadyAuthenticated)
}

func TestLogin_NetworkFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := newTestSession(t, credential.NewMemoryStore(), &fakeVerifier{}, url, url)
	_, err := s.Login(context.Background(), "alice", "secret")
	require.ErrorIs(t, err, client.ErrNetworkFailure)
	require.Equal(t, client.LoggedOut, s.State())
}

func TestLogout_DoesNotWaitForServer(t *testing.T) {
	t.Parallel()
	env, baseURL := startBackend(t, sessiontest.Config{})
	store := credential.NewMemoryStore()
	c := newClient(t, baseURL, store)
	loginClient(t, c)

	release := env.Server.BlockLogout()
	defer release()

	done := make(chan struct{})
	go func() {
		c.Session().Logout(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logout waited for the server")
	}

	require.Equal(t, client.LoggedOut, c.Session().State())
	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok)

	require.Eventually(t, func() bool { return env.Server.LogoutCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	release()
	c.Session().Wait()
}

func TestLogout_NotificationFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}))
	s := newTestSession(t, store, &fakeVerifier{verdict: client.Valid}, url, url)
	require.Equal(t, client.Authenticated, s.Startup(context.Background()))

	s.Logout(context.Background())
	require.Equal(t, client.LoggedOut, s.State())
	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok)
	s.Wait()
}

func TestLogout_NotificationTimesOut(t *testing.T) {
	t.Parallel()
	env, baseURL := startBackend(t, sessiontest.Config{})
	c := newClient(t, baseURL, credential.NewMemoryStore(), client.WithLogoutTimeout(50*time.Millisecond))
	loginClient(t, c)

	release := env.Server.BlockLogout()
	defer release()

	c.Session().Logout(context.Background())
	waited := make(chan struct{})
	go func() {
		c.Session().Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("logout notification outlived its timeout")
	}
}

func TestLogout_NotifiesWithBearer(t *testing.T) {
	t.Parallel()
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}))
	s := newTestSession(t, store, &fakeVerifier{}, srv.URL, srv.URL)

	s.Logout(context.Background())
	s.Wait()
	require.Equal(t, "Bearer t1", <-auth)
}

func TestSubscribe_ObservesTransitionsInOrder(t *testing.T) {
	t.Parallel()
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}))
	s := newTestSession(t, store, &fakeVerifier{verdict: client.Valid}, "", "")

	states, cancel := s.Subscribe()
	defer cancel()

	s.Startup(context.Background())
	s.Logout(context.Background())
	result := api.ParseLoginResponse(http.StatusOK, []byte(`{"access_token":"t2","expiresIn":60}`))
	applied, err := s.OnLoginResponse(context.Background(), result)
	require.NoError(t, err)
	require.True(t, applied)

	want := []client.State{
		client.LoggingIn,
		client.Authenticated,
		client.LoggedOut,
		client.LoggingIn,
		client.Authenticated,
	}
	for _, w := range want {
		select {
		case got := <-states:
			require.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatalf("missing transition to %s", w)
		}
	}

	cancel()
	_, open := <-states
	require.False(t, open)
}

func TestSync(t *testing.T) {
	t.Parallel()
	store := credential.NewMemoryStore()
	verifier := &fakeVerifier{verdict: client.Valid}
	s := newTestSession(t, store, verifier, "", "")
	require.Equal(t, client.LoggedOut, s.Startup(context.Background()))

	// another process logged in
	require.NoError(t, store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)}))
	s.Sync(context.Background())
	require.Equal(t, client.Authenticated, s.State())

	// nothing changed
	s.Sync(context.Background())
	require.Equal(t, client.Authenticated, s.State())
	require.Equal(t, int64(1), verifier.calls.Load())

	// another process logged out
	require.NoError(t, store.Clear())
	s.Sync(context.Background())
	require.Equal(t, client.LoggedOut, s.State())
}

func TestLogout_AfterCloseSkipsNotification(t *testing.T) {
	t.Parallel()
	env, baseURL := startBackend(t, sessiontest.Config{})
	store := credential.NewMemoryStore()
	c := newClient(t, baseURL, store)
	loginClient(t, c)
	require.NoError(t, c.Close())

	c.Session().Logout(context.Background())
	c.Session().Wait()

	require.Equal(t, client.LoggedOut, c.Session().State())
	_, ok, err := store.Get()
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, env.Server.LogoutCalls())
}

func TestWait_ConcurrentWithLogout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	store := credential.NewMemoryStore()
	s := newTestSession(t, store, &fakeVerifier{}, srv.URL, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Set(credential.Credential{Token: "t1", ExpiresAt: epoch.Add(time.Hour)})
			s.Logout(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Wait()
		}()
	}
	wg.Wait()
	s.Wait()
	require.Equal(t, client.LoggedOut, s.State())
}
