package client

import (
	"context"
	"net/http"

	"git.sr.ht/~jakintosh/session/pkg/credential"
)

// TokenVerifier asks the server whether a credential is currently valid.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) Verdict
}

// TokenRefresher obtains a new credential using the ambient renewal cookie
// and stores it. Implementations must coalesce concurrent calls.
type TokenRefresher interface {
	Refresh(ctx context.Context) (credential.Credential, error)
}

var _ TokenVerifier = (*HTTPVerifier)(nil)
var _ TokenRefresher = (*HTTPRefresher)(nil)
var _ http.RoundTripper = (*Transport)(nil)
