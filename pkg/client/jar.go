package client

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/rs/zerolog"
)

// persistentJar is a cookie jar that mirrors the cookies sent to the refresh
// endpoint into a CookieStore, so a later process can resume the session.
type persistentJar struct {
	jar     *cookiejar.Jar
	store   credential.CookieStore
	refresh *url.URL
	origin  string
	log     zerolog.Logger

	mu sync.Mutex
}

func newPersistentJar(
	refresh *url.URL,
	store credential.CookieStore,
	log zerolog.Logger,
) (
	*persistentJar,
	error,
) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't create cookie jar: %w", err)
	}

	j := &persistentJar{
		jar:     jar,
		store:   store,
		refresh: refresh,
		origin:  refresh.Scheme + "://" + refresh.Host,
		log:     log,
	}

	saved, err := store.LoadCookies(j.origin)
	if err != nil {
		return nil, fmt.Errorf("couldn't load cookies: %w", err)
	}
	if len(saved) > 0 {
		// restored cookies take the refresh URL's default path
		jar.SetCookies(refresh, saved)
		log.Debug().Int("count", len(saved)).Msg("restored cookies")
	}
	return j, nil
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar.SetCookies(u, cookies)
	if u.Scheme+"://"+u.Host != j.origin {
		return
	}
	if err := j.store.SaveCookies(j.origin, j.jar.Cookies(j.refresh)); err != nil {
		j.log.Error().Err(err).Msg("couldn't persist cookies")
	}
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}
