package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrNetworkFailure       = errors.New("network failure")
	ErrUnauthorized         = errors.New("authorization failure")
	ErrMalformedResponse    = errors.New("malformed response")
	ErrSessionExpired       = errors.New("session expired")
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrLoggedOut refuses a refresh after the user logged out.
	ErrLoggedOut = errors.New("logged out")
)

const maxErrorBody = 4 << 10

// RejectionError reports a non-success status from the server. A 401
// rejection unwraps to ErrUnauthorized.
type RejectionError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server responded %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: server responded %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *RejectionError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// CheckResponse returns nil for a 2xx response and a *RejectionError holding
// the start of the body otherwise. The body is consumed in the error case
// but not closed.
func CheckResponse(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &RejectionError{
		Op:         op,
		StatusCode: res.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	_ = res.Body.Close()
}
