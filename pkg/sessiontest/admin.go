package sessiontest

import (
	"net/http"
	"strconv"
	"time"
)

// AdminPrefix is where WithAdmin mounts its routes.
const AdminPrefix = "/_admin"

// Stats are the call counters reported by the admin endpoint.
type Stats struct {
	LoginCalls     int64 `json:"login_calls"`
	VerifyCalls    int64 `json:"verify_calls"`
	RefreshCalls   int64 `json:"refresh_calls"`
	LogoutCalls    int64 `json:"logout_calls"`
	ActiveRenewals int   `json:"active_renewals"`
}

func (s *Server) Stats() Stats {
	return Stats{
		LoginCalls:     s.LoginCalls(),
		VerifyCalls:    s.VerifyCalls(),
		RefreshCalls:   s.RefreshCalls(),
		LogoutCalls:    s.LogoutCalls(),
		ActiveRenewals: s.ActiveRenewals(),
	}
}

// WithAdmin mounts unauthenticated routes under AdminPrefix that drive the
// test knobs, for servers running in another process. Never expose them
// outside tests. Call it before serving.
func (s *Server) WithAdmin() *Server {
	admin := s.router.PathPrefix(AdminPrefix).Subrouter()
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/expire", s.handleExpire).Methods(http.MethodPost)
	admin.HandleFunc("/refresh-failure", s.handleRefreshFailure).Methods(http.MethodPost)
	admin.HandleFunc("/refresh-delay", s.handleRefreshDelay).Methods(http.MethodPost)
	admin.HandleFunc("/always-unauthorized", s.handleAlwaysUnauthorized).Methods(http.MethodPost)
	return s
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, s.Stats())
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.ExpireAccessTokens()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshFailure(w http.ResponseWriter, r *http.Request) {
	on, ok := boolQuery(w, r, "on")
	if !ok {
		return
	}
	s.SetRefreshFailure(on)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlwaysUnauthorized(w http.ResponseWriter, r *http.Request) {
	on, ok := boolQuery(w, r, "on")
	if !ok {
		return
	}
	s.SetAlwaysUnauthorized(on)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshDelay(w http.ResponseWriter, r *http.Request) {
	d, err := time.ParseDuration(r.URL.Query().Get("d"))
	if err != nil {
		http.Error(w, "bad duration", http.StatusBadRequest)
		return
	}
	s.SetRefreshDelay(d)
	w.WriteHeader(http.StatusNoContent)
}

func boolQuery(w http.ResponseWriter, r *http.Request, key string) (bool, bool) {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		http.Error(w, "bad "+key, http.StatusBadRequest)
		return false, false
	}
	return v, true
}
