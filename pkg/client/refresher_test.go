package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/session/internal/testutil"
	"git.sr.ht/~jakintosh/session/pkg/client"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/stretchr/testify/require"
)

func refreshServer(
	t *testing.T,
	handler http.HandlerFunc,
) (
	*httptest.Server,
	*atomic.Int64,
) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRefresher_Success(t *testing.T) {
	t.Parallel()

	srv, calls := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"t2","expiresIn":60}`))
	})
	store := credential.NewMemoryStore()
	r := client.NewRefresher(srv.Client(), srv.URL, store,
		client.WithClock(fixedClock(epoch)),
		client.WithLogger(testutil.Logger(t)),
	)

	cred, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, credential.Credential{Token: "t2", ExpiresAt: epoch.Add(time.Minute)}, cred)
	require.Equal(t, int64(1), calls.Load())

	stored, ok, err := store.Get()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cred, stored)
}

func TestRefresher_Failures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "renewal expired", http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, client.ErrUnauthorized)
				var rejection *client.RejectionError
				require.ErrorAs(t, err, &rejection)
				require.Equal(t, http.StatusUnauthorized, rejection.StatusCode)
				require.Equal(t, "renewal expired", rejection.Body)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				require.NotErrorIs(t, err, client.ErrUnauthorized)
				var rejection *client.RejectionError
				require.ErrorAs(t, err, &rejection)
				require.Equal(t, http.StatusBadGateway, rejection.StatusCode)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, client.ErrMalformedResponse)
			},
		},
		{
			name: "empty token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"access_token":"","expiresIn":60}`))
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, client.ErrMalformedResponse)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := refreshServer(t, tc.handler)
			store := credential.NewMemoryStore()
			original := credential.Credential{Token: "t1", ExpiresAt: epoch}
			require.NoError(t, store.Set(original))

			r := client.NewRefresher(srv.Client(), srv.URL, store, client.WithLogger(testutil.Logger(t)))
			_, err := r.Refresh(context.Background())
			require.Error(t, err)
			tc.check(t, err)

			// store unchanged
			stored, ok, err := store.Get()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, original, stored)
		})
	}
}

func TestRefresher_NetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := client.NewRefresher(http.DefaultClient, url, credential.NewMemoryStore(),
		client.WithLogger(testutil.Logger(t)))
	_, err := r.Refresh(context.Background())
	require.ErrorIs(t, err, client.ErrNetworkFailure)
}

func TestRefresher_ConcurrentCallersShareOneRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv, calls := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"access_token":"t2","expiresIn":60}`))
	})
	r := client.NewRefresher(srv.Client(), srv.URL, credential.NewMemoryStore(),
		client.WithLogger(testutil.Logger(t)))

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := r.Refresh(context.Background())
			tokens[i], errs[i] = cred.Token, err
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// give the other callers time to join the in-flight request
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, "t2", tokens[i])
	}

	// once settled, the next call goes to the network again
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), calls.Load())
}

func TestRefresher_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv, _ := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"access_token":"t2","expiresIn":60}`))
	})
	store := credential.NewMemoryStore()
	r := client.NewRefresher(srv.Client(), srv.URL, store, client.WithLogger(testutil.Logger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-errc, context.Canceled))

	close(release)
	require.Eventually(t, func() bool {
		cred, ok, _ := store.Get()
		return ok && cred.Token == "t2"
	}, 2*time.Second, 5*time.Millisecond)
}
