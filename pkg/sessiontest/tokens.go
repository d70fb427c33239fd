package sessiontest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	errNoBearer   = errors.New("missing bearer token")
	errStaleToken = errors.New("token generation expired")
	errRevoked    = errors.New("token revoked")
)

type accessClaims struct {
	Generation int64 `json:"gen"`
	jwt.RegisteredClaims
}

func newSigningKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

func (s *Server) issueAccessToken(handle string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Generation: s.generation.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   handle,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessLifetime)),
		},
	}
	return jwt.
		NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString(s.signingKey)
}

func (s *Server) parseAccessToken(encoded string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(
		encoded,
		claims,
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Generation != s.generation.Load() {
		return nil, errStaleToken
	}

	s.mu.Lock()
	revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, errRevoked
	}
	return claims, nil
}

func (s *Server) authorize(r *http.Request) (*accessClaims, error) {
	header := r.Header.Get("Authorization")
	encoded, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || encoded == "" {
		return nil, errNoBearer
	}
	return s.parseAccessToken(encoded)
}

func (s *Server) issueRenewal(handle string) *http.Cookie {
	id := uuid.NewString()
	expiresAt := time.Now().Add(s.renewalLifetime)

	s.mu.Lock()
	s.renewals[id] = renewal{handle: handle, expiresAt: expiresAt}
	s.mu.Unlock()

	return &http.Cookie{
		Name:     RenewalCookieName,
		Value:    id,
		Path:     cookiePath,
		MaxAge:   int(s.renewalLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// redeemRenewal consumes a renewal id and returns its owner.
func (s *Server) redeemRenewal(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ren, ok := s.renewals[id]
	if !ok {
		return "", false
	}
	delete(s.renewals, id)
	if !ren.expiresAt.After(time.Now()) {
		return "", false
	}
	return ren.handle, true
}

func clearedRenewal() *http.Cookie {
	return &http.Cookie{
		Name:     RenewalCookieName,
		Value:    "",
		Path:     cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
