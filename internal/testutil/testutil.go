// Package testutil provides test environment setup and utilities for package tests.
package testutil

import (
	"net/http"
	"net/url"
	"testing"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"git.sr.ht/~jakintosh/session/pkg/sessiontest"
	"github.com/rs/zerolog"
)

const (
	TestHandle = "alice"
	TestSecret = "password123"
)

// TestEnv provides a fake backend for testing
type TestEnv struct {
	Server *sessiontest.Server
	Router http.Handler
	Logger zerolog.Logger
}

// Logger returns a logger that writes through t.Log
func Logger(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// SetupTestEnv creates an isolated fake backend with a single test user
func SetupTestEnv(
	t *testing.T,
) *TestEnv {
	t.Helper()
	return SetupTestEnvWithConfig(t, sessiontest.Config{})
}

// SetupTestEnvWithConfig creates an isolated fake backend from cfg. When cfg
// has no users, TestHandle/TestSecret is registered.
func SetupTestEnvWithConfig(
	t *testing.T,
	cfg sessiontest.Config,
) *TestEnv {
	t.Helper()

	logger := Logger(t)
	if cfg.Logger == nil {
		cfg.Logger = &logger
	}
	if len(cfg.Users) == 0 {
		cfg.Users = map[string]string{TestHandle: TestSecret}
	}

	srv, err := sessiontest.New(cfg)
	if err != nil {
		t.Fatalf("failed to create fake backend: %v", err)
	}
	return &TestEnv{
		Server: srv,
		Router: srv,
		Logger: logger,
	}
}

// LoginTestUser logs the test user in and returns the access token and the
// renewal cookie
func (env *TestEnv) LoginTestUser(
	t *testing.T,
) (
	string,
	*http.Cookie,
) {
	t.Helper()

	var token api.TokenResponse
	result := PostForm(env.Router, api.DefaultLoginPath, url.Values{
		"handle": {TestHandle},
		"secret": {TestSecret},
	}, &token)
	ExpectStatus(t, http.StatusOK, result)

	cookie := result.Cookie(sessiontest.RenewalCookieName)
	if cookie == nil {
		t.Fatal("login response set no renewal cookie")
	}
	return token.AccessToken, cookie
}
