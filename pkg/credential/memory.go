package credential

import (
	"net/http"
	"sync"
)

// MemoryStore keeps the credential in process memory. It is safe for
// concurrent use and mostly useful in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	cred    Credential
	present bool
	cookies map[string][]*http.Cookie
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ CookieStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cookies: make(map[string][]*http.Cookie)}
}

func (s *MemoryStore) Get() (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.present, nil
}

func (s *MemoryStore) Set(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.present = true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	s.present = false
	return nil
}

func (s *MemoryStore) SaveCookies(
	origin string,
	cookies []*http.Cookie,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		copied = append(copied, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	s.cookies[origin] = copied
	return nil
}

func (s *MemoryStore) LoadCookies(
	origin string,
) (
	[]*http.Cookie,
	error,
) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.cookies[origin]
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}
