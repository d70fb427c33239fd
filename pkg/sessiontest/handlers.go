package sessiontest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/api"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

type claimsKey struct{}

// ResourceResponse is the body served by /api/v1/resource/{name}.
type ResourceResponse struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Method  string `json:"method"`
	Body    string `json:"body,omitempty"`
}

// ImagePage returns the bytes served for page n of image id.
func ImagePage(id string, n int) []byte {
	return fmt.Appendf(nil, "image %s page %d", id, n)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	req, ok := decodeLogin(w, r)
	if !ok {
		return
	}
	if !s.checkSecret(req.Handle, req.Secret) {
		s.log.Debug().Str("handle", req.Handle).Msg("login rejected")
		http.Error(w, "invalid handle or secret", http.StatusUnauthorized)
		return
	}

	s.issueTokens(w, req.Handle)
}

func decodeLogin(w http.ResponseWriter, r *http.Request) (api.LoginRequest, bool) {
	var req api.LoginRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return req, false
		}
		req.Handle = r.PostForm.Get("handle")
		req.Secret = r.PostForm.Get("secret")
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json request", http.StatusBadRequest)
			return req, false
		}
	default:
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return req, false
	}

	if req.Handle == "" || req.Secret == "" {
		http.Error(w, "handle and secret are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) checkSecret(handle, secret string) bool {
	s.mu.Lock()
	hash, ok := s.users[handle]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

func (s *Server) issueTokens(w http.ResponseWriter, handle string) {
	accessToken, err := s.issueAccessToken(handle)
	if err != nil {
		s.log.Error().Err(err).Msg("couldn't issue access token")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, s.issueRenewal(handle))
	returnJSON(w, api.TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.accessLifetime.Seconds()),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.verifyCalls.Add(1)

	if s.alwaysUnauthorized.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if _, err := s.authorize(r); err != nil {
		s.log.Debug().Err(err).Msg("verify rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	if delay := time.Duration(s.refreshDelay.Load()); delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if s.refreshFailure.Load() {
		http.Error(w, "refresh refused", http.StatusUnauthorized)
		return
	}

	cookie, err := r.Cookie(RenewalCookieName)
	if err != nil {
		http.Error(w, "missing renewal cookie", http.StatusUnauthorized)
		return
	}
	handle, ok := s.redeemRenewal(cookie.Value)
	if !ok {
		http.Error(w, "unknown renewal cookie", http.StatusUnauthorized)
		return
	}

	s.issueTokens(w, handle)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	if gate := s.logoutGate.Load(); gate != nil {
		select {
		case <-*gate:
		case <-r.Context().Done():
			return
		}
	}

	if claims, err := s.authorize(r); err == nil {
		s.mu.Lock()
		s.revoked[claims.ID] = true
		s.mu.Unlock()
	}
	if cookie, err := r.Cookie(RenewalCookieName); err == nil {
		s.redeemRenewal(cookie.Value)
	}

	http.SetCookie(w, clearedRenewal())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.alwaysUnauthorized.Load() {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims, err := s.authorize(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey{}).(*accessClaims)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "couldn't read body", http.StatusBadRequest)
		return
	}

	returnJSON(w, ResourceResponse{
		Name:    mux.Vars(r)["name"],
		Subject: claims.Subject,
		Method:  r.Method,
		Body:    string(body),
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := strconv.Atoi(vars["n"])
	if err != nil || n < 1 || n > s.imagePages {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(ImagePage(vars["id"], n))
}

func returnJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
