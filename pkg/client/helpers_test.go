package client_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/session/internal/testutil"
	"git.sr.ht/~jakintosh/session/pkg/client"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"git.sr.ht/~jakintosh/session/pkg/sessiontest"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type fakeVerifier struct {
	verdict client.Verdict
	calls   atomic.Int64

	mu     sync.Mutex
	tokens []string
}

func (v *fakeVerifier) Verify(_ context.Context, token string) client.Verdict {
	v.calls.Add(1)
	v.mu.Lock()
	v.tokens = append(v.tokens, token)
	v.mu.Unlock()
	return v.verdict
}

type fakeRefresher struct {
	store credential.Store
	cred  credential.Credential
	err   error
	calls atomic.Int64
}

func (r *fakeRefresher) Refresh(context.Context) (credential.Credential, error) {
	r.calls.Add(1)
	if r.err != nil {
		return credential.Credential{}, r.err
	}
	if err := r.store.Set(r.cred); err != nil {
		return credential.Credential{}, err
	}
	return r.cred, nil
}

var errStoreBroken = errors.New("store broken")

// brokenStore reads and clears like a MemoryStore but never saves.
type brokenStore struct {
	*credential.MemoryStore
}

func (brokenStore) Set(credential.Credential) error {
	return errStoreBroken
}

// startBackend runs a fake backend and returns it with its base URL.
func startBackend(
	t *testing.T,
	cfg sessiontest.Config,
) (
	*testutil.TestEnv,
	string,
) {
	t.Helper()
	env := testutil.SetupTestEnvWithConfig(t, cfg)
	return env, env.Server.Start(t)
}

func newClient(
	t *testing.T,
	baseURL string,
	store credential.Store,
	opts ...client.Option,
) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(testutil.Logger(t))}, opts...)
	c, err := client.New(baseURL, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func loginClient(t *testing.T, c *client.Client) {
	t.Helper()
	result, err := c.Session().Login(context.Background(), testutil.TestHandle, testutil.TestSecret)
	require.NoError(t, err)
	require.True(t, result.Succeeded(), result.Message)
	require.Equal(t, client.Authenticated, c.Session().State())
}
