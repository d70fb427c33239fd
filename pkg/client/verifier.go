package client

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

type Verdict int

const (
	// Indeterminate means no answer reached us. Callers treat it like
	// Invalid.
	Indeterminate Verdict = iota
	Valid
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "indeterminate"
	}
}

// HTTPVerifier checks a credential against the verify endpoint.
type HTTPVerifier struct {
	httpClient *http.Client
	url        string
	log        zerolog.Logger
}

func NewVerifier(
	httpClient *http.Client,
	verifyURL string,
	opts ...Option,
) *HTTPVerifier {
	o := newOptions(opts)
	return &HTTPVerifier{
		httpClient: httpClient,
		url:        verifyURL,
		log:        o.logger.With().Str("op", "verify").Logger(),
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) Verdict {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, nil)
	if err != nil {
		v.log.Error().Err(err).Msg("couldn't build verify request")
		return Indeterminate
	}
	req.Header.Set("Authorization", bearer(token))
	req.Header.Set("Content-Type", "application/json")

	res, err := v.httpClient.Do(req)
	if err != nil {
		v.log.Error().Err(err).Msg("token verification failed")
		return Indeterminate
	}
	defer drain(res)

	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return Valid
	}
	v.log.Debug().Int("status", res.StatusCode).Msg("token rejected")
	return Invalid
}

func bearer(token string) string {
	return "Bearer " + token
}
