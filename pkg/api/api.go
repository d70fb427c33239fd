// Package api holds the wire contract between a session client and the
// backend's login, verify, refresh and logout endpoints.
package api

import (
	"encoding/json"
	"strings"
)

// Default endpoint paths. Deployments may mount them elsewhere.
const (
	DefaultLoginPath   = "/api/login"
	DefaultVerifyPath  = "/api/verify"
	DefaultRefreshPath = "/api/refresh"
	DefaultLogoutPath  = "/api/logout"
)

// TokenResponse is the success body of the login and refresh endpoints.
// ExpiresIn is relative, in seconds.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// LoginRequest carries the form fields submitted to the login endpoint.
type LoginRequest struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

type LoginOutcome int

const (
	// LoginRejected means the server answered with something other than a
	// credential: a bad password, a server error, or an unparseable body.
	LoginRejected LoginOutcome = iota
	LoginSucceeded
)

func (o LoginOutcome) String() string {
	switch o {
	case LoginSucceeded:
		return "succeeded"
	default:
		return "rejected"
	}
}

// LoginResult is the tagged outcome of a login submission. Token is set only
// when Outcome is LoginSucceeded; Message holds the raw response body
// otherwise, to be shown to the user verbatim.
type LoginResult struct {
	Outcome    LoginOutcome
	Token      *TokenResponse
	Message    string
	StatusCode int
}

func (r LoginResult) Succeeded() bool {
	return r.Outcome == LoginSucceeded && r.Token != nil
}

// ParseLoginResponse classifies a login response. Only a 2xx status with a
// JSON body carrying a non-empty access_token is a success.
func ParseLoginResponse(
	statusCode int,
	body []byte,
) LoginResult {
	rejected := LoginResult{
		Outcome:    LoginRejected,
		Message:    strings.TrimSpace(string(body)),
		StatusCode: statusCode,
	}
	if statusCode < 200 || statusCode > 299 {
		return rejected
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return rejected
	}
	if token.AccessToken == "" {
		return rejected
	}

	return LoginResult{
		Outcome:    LoginSucceeded,
		Token:      &token,
		StatusCode: statusCode,
	}
}
