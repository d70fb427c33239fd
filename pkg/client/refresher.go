package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	refreshKey     = "refresh"
	maxRefreshBody = 64 << 10
)

// HTTPRefresher mints a new credential through the refresh endpoint. The
// request carries no body; the server recognises the session by the renewal
// cookie in the client's jar.
//
// At most one refresh request is in flight per HTTPRefresher. Callers that
// arrive while one is outstanding wait for it and share its result; the
// next call after it settles starts a new request.
type HTTPRefresher struct {
	httpClient *http.Client
	url        string
	store      credential.Store
	now        func() time.Time
	log        zerolog.Logger

	group singleflight.Group
}

func NewRefresher(
	httpClient *http.Client,
	refreshURL string,
	store credential.Store,
	opts ...Option,
) *HTTPRefresher {
	o := newOptions(opts)
	return &HTTPRefresher{
		httpClient: httpClient,
		url:        refreshURL,
		store:      store,
		now:        o.now,
		log:        o.logger.With().Str("op", "refresh").Logger(),
	}
}

// Refresh returns the credential minted by the in-flight (or a new) refresh
// request. The shared request is not cancelled when ctx is; ctx only bounds
// how long this caller waits for it.
func (r *HTTPRefresher) Refresh(
	ctx context.Context,
) (
	credential.Credential,
	error,
) {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return credential.Credential{}, res.Err
		}
		return res.Val.(credential.Credential), nil
	case <-ctx.Done():
		return credential.Credential{}, ctx.Err()
	}
}

func (r *HTTPRefresher) refresh(
	ctx context.Context,
) (
	credential.Credential,
	error,
) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("couldn't build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	r.log.Debug().Msg("requesting new credential")
	res, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to post refresh")
		return credential.Credential{}, fmt.Errorf("%w: refresh: %v", ErrNetworkFailure, err)
	}
	defer drain(res)

	if err := CheckResponse("refresh", res); err != nil {
		r.log.Warn().Int("status", res.StatusCode).Msg("refresh rejected")
		return credential.Credential{}, err
	}

	var body api.TokenResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxRefreshBody)).Decode(&body); err != nil {
		r.log.Error().Err(err).Msg("failed to decode refresh response")
		return credential.Credential{}, fmt.Errorf("%w: refresh: %v", ErrMalformedResponse, err)
	}
	if body.AccessToken == "" {
		r.log.Error().Msg("refresh response carried no access token")
		return credential.Credential{}, fmt.Errorf("%w: refresh: empty access token", ErrMalformedResponse)
	}

	cred := credential.FromLifetime(body.AccessToken, body.ExpiresIn, r.now())
	if err := r.store.Set(cred); err != nil {
		return credential.Credential{}, fmt.Errorf("couldn't store refreshed credential: %w", err)
	}

	r.log.Info().Time("expires_at", cred.ExpiresAt).Msg("credential refreshed")
	return cred, nil
}
