package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/rs/zerolog"
)

// Client wires a credential store, the session controller and the
// authenticating transport together for one backend.
type Client struct {
	baseURL *url.URL
	store   credential.Store
	session *Session
	authed  *http.Client

	stopWatch func() error
	closeOnce sync.Once
	closeErr  error
}

func New(
	baseURL string,
	store credential.Store,
	opts ...Option,
) (
	*Client,
	error,
) {
	o := newOptions(opts)

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host required", baseURL)
	}

	resolve := func(endpoint string) (string, error) {
		ref, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		return base.ResolveReference(ref).String(), nil
	}
	loginURL, err := resolve(o.endpoints.Login)
	if err != nil {
		return nil, err
	}
	verifyURL, err := resolve(o.endpoints.Verify)
	if err != nil {
		return nil, err
	}
	refreshURL, err := resolve(o.endpoints.Refresh)
	if err != nil {
		return nil, err
	}
	logoutURL, err := resolve(o.endpoints.Logout)
	if err != nil {
		return nil, err
	}

	jar, err := newJar(refreshURL, store, o.logger)
	if err != nil {
		return nil, err
	}

	plain := &http.Client{Transport: o.transport, Jar: jar}
	verifier := NewVerifier(plain, verifyURL, opts...)
	session := NewSession(store, verifier, plain, loginURL, logoutURL, opts...)
	refresher := sessionRefresher{
		session: session,
		next:    NewRefresher(plain, refreshURL, store, opts...),
	}
	transport := NewTransport(store, refresher, session.Expire, opts...)

	c := &Client{
		baseURL: base,
		store:   store,
		session: session,
		authed:  &http.Client{Transport: transport, Jar: jar},
	}

	if o.watchPath != "" {
		stop, err := credential.Watch(o.watchPath, func() {
			session.Sync(context.Background())
		})
		if err != nil {
			return nil, fmt.Errorf("couldn't watch store: %w", err)
		}
		c.stopWatch = stop
	}
	return c, nil
}

func newJar(
	refreshURL string,
	store credential.Store,
	log zerolog.Logger,
) (
	http.CookieJar,
	error,
) {
	cookies, ok := store.(credential.CookieStore)
	if !ok {
		return cookiejar.New(nil)
	}
	u, err := url.Parse(refreshURL)
	if err != nil {
		return nil, err
	}
	return newPersistentJar(u, cookies, log)
}

func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) Store() credential.Store {
	return c.store
}

// HTTPClient returns the authenticated client. Requests made with it carry
// the current credential and survive a single expiry.
func (c *Client) HTTPClient() *http.Client {
	return c.authed
}

// MakeAuthenticatedRequest sends a request to target, resolved against the
// base URL, through the authenticated client.
func (c *Client) MakeAuthenticatedRequest(
	ctx context.Context,
	method string,
	target string,
	body io.Reader,
) (
	*http.Response,
	error,
) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	u := c.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("couldn't build request: %w", err)
	}
	return c.authed.Do(req)
}

// Close stops watching the store and waits for outstanding logout
// notifications. Logouts after Close clear the store without notifying the
// server. It does not close the store.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.stopWatch != nil {
			c.closeErr = c.stopWatch()
		}
		c.session.close()
	})
	return c.closeErr
}
