// Package credential holds the access credential of a session and the
// durable slots it is persisted in.
//
// A credential is an opaque bearer token plus the instant it stops being
// usable. Nothing in this package inspects the token; validity is decided by
// the server, with the single exception that a credential past its expiry is
// never considered usable.
package credential

import (
	"net/http"
	"time"
)

// Credential is a bearer token and its expiry instant.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// FromLifetime builds a Credential whose expiry is derived from a relative
// lifetime in seconds, as returned by the login and refresh endpoints.
func FromLifetime(
	token string,
	expiresIn int64,
	now time.Time,
) Credential {
	return Credential{
		Token:     token,
		ExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}
}

// Expired reports whether the credential can no longer be used at now.
// A zero-value credential is always expired.
func (c Credential) Expired(now time.Time) bool {
	if c.Token == "" {
		return true
	}
	return !c.ExpiresAt.After(now)
}

// Store is a durable slot for a single credential. Token and expiry are
// always written and cleared together.
type Store interface {
	Get() (Credential, bool, error)
	Set(Credential) error
	Clear() error
}

// CookieStore persists the ambient renewal cookies that the server hands out
// alongside a credential, so a session can be resumed by a later process.
// Cookies are keyed by origin (scheme://host).
type CookieStore interface {
	SaveCookies(origin string, cookies []*http.Cookie) error
	LoadCookies(origin string) ([]*http.Cookie, error)
}
