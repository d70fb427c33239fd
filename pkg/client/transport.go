package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-Id"

// Transport is an http.RoundTripper that authenticates every request with
// the stored credential and survives a single expiry:
//
//   - the credential is re-read from the store for every request;
//   - a locally expired (or missing) credential is refreshed before dispatch;
//   - a 401 triggers a refresh, shared with any other request that is
//     already refreshing, and the request is replayed once with the new
//     credential. The replay's response is returned as is, even a 401;
//   - when the refresh fails the expiry hook runs and the request fails with
//     ErrSessionExpired.
//
// Every other response and every transport error passes through unchanged.
type Transport struct {
	base      http.RoundTripper
	store     credential.Store
	refresher TokenRefresher
	onExpired func(context.Context)
	now       func() time.Time
	log       zerolog.Logger
}

func NewTransport(
	store credential.Store,
	refresher TokenRefresher,
	onExpired func(context.Context),
	opts ...Option,
) *Transport {
	o := newOptions(opts)
	return &Transport{
		base:      o.transport,
		store:     store,
		refresher: refresher,
		onExpired: onExpired,
		now:       o.now,
		log:       o.logger,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the body cannot be recovered from a failed attempt, so capture it first
	original, err := captureReplay(req)
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := t.log.With().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Logger()

	cred, ok, err := t.store.Get()
	if err != nil {
		return nil, fmt.Errorf("couldn't read credential: %w", err)
	}
	if !ok || cred.Expired(t.now()) {
		log.Debug().Bool("present", ok).Msg("no usable credential, refreshing before dispatch")
		cred, err = t.refresh(ctx, log)
		if err != nil {
			return nil, err
		}
		return t.dispatch(original, cred.Token, requestID)
	}

	res, err := t.dispatch(original, cred.Token, requestID)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}
	drain(res)
	log.Debug().Msg("authorization failure, recovering credential")

	fresh, err := t.recover(ctx, cred.Token, log)
	if err != nil {
		return nil, err
	}

	log.Debug().Msg("replaying request")
	return t.dispatch(original, fresh.Token, requestID)
}

// recover returns a credential to replay with. If another request already
// rotated the credential that was rejected, the rotated one is used without
// asking the server again.
func (t *Transport) recover(
	ctx context.Context,
	rejected string,
	log zerolog.Logger,
) (
	credential.Credential,
	error,
) {
	current, ok, err := t.store.Get()
	if err == nil && ok && current.Token != rejected && !current.Expired(t.now()) {
		log.Debug().Msg("credential already rotated")
		return current, nil
	}
	return t.refresh(ctx, log)
}

func (t *Transport) refresh(
	ctx context.Context,
	log zerolog.Logger,
) (
	credential.Credential,
	error,
) {
	cred, err := t.refresher.Refresh(ctx)
	if err == nil {
		return cred, nil
	}

	// the caller gave up waiting; that says nothing about the session
	if ctxErr := ctx.Err(); ctxErr != nil {
		return credential.Credential{}, ctxErr
	}

	// already logged out, nothing left to end
	if errors.Is(err, ErrLoggedOut) {
		log.Debug().Msg("refresh refused after logout")
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	log.Warn().Err(err).Msg("refresh failed, ending session")
	if t.onExpired != nil {
		t.onExpired(context.WithoutCancel(ctx))
	}
	return credential.Credential{}, fmt.Errorf("%w: %v", ErrSessionExpired, err)
}

func (t *Transport) dispatch(
	original *replay,
	token string,
	requestID string,
) (
	*http.Response,
	error,
) {
	req, err := original.build(token, requestID)
	if err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// replay holds everything needed to issue a request again.
type replay struct {
	template *http.Request
	getBody  func() (io.ReadCloser, error)
}

func captureReplay(req *http.Request) (*replay, error) {
	r := &replay{template: req}
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}

	if req.GetBody != nil {
		r.getBody = req.GetBody
		_ = req.Body.Close()
		return r, nil
	}

	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("couldn't buffer request body: %w", err)
	}
	r.getBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return r, nil
}

func (r *replay) build(token string, requestID string) (*http.Request, error) {
	req := r.template.Clone(r.template.Context())
	req.Header.Set("Authorization", bearer(token))
	req.Header.Set(RequestIDHeader, requestID)
	if r.getBody != nil {
		body, err := r.getBody()
		if err != nil {
			return nil, fmt.Errorf("couldn't rebuild request body: %w", err)
		}
		req.Body = body
		req.GetBody = r.getBody
	}
	return req, nil
}
