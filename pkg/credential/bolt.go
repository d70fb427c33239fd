package credential

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.etcd.io/bbolt"
)

var (
	sessionBucket = []byte("session")
	cookieBucket  = []byte("cookies")
	tokenKey      = []byte("token")
	expiresAtKey  = []byte("expires_at")
)

// BoltStore persists the credential in a bbolt file. bbolt holds an
// exclusive file lock, so unlike SQLiteStore a BoltStore file cannot be
// shared between live processes.
type BoltStore struct {
	db *bbolt.DB
}

var (
	_ Store       = (*BoltStore)(nil)
	_ CookieStore = (*BoltStore)(nil)
)

func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(cookieBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromFile opens a bbolt database at the given path.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	store, err := NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the file backing the store.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get() (Credential, bool, error) {
	var (
		cred    Credential
		present bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		token := b.Get(tokenKey)
		expiresAt := b.Get(expiresAtKey)
		if token == nil || expiresAt == nil {
			return nil
		}
		if len(expiresAt) != 8 {
			return fmt.Errorf("corrupt expiry: %d bytes", len(expiresAt))
		}
		cred = Credential{
			Token:     string(token),
			ExpiresAt: time.UnixMilli(int64(binary.BigEndian.Uint64(expiresAt))),
		}
		present = true
		return nil
	})
	if err != nil {
		return Credential{}, false, err
	}
	return cred, present, nil
}

func (s *BoltStore) Set(cred Credential) error {
	expiresAt := make([]byte, 8)
	binary.BigEndian.PutUint64(expiresAt, uint64(cred.ExpiresAt.UnixMilli()))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if err := b.Put(tokenKey, []byte(cred.Token)); err != nil {
			return err
		}
		return b.Put(expiresAtKey, expiresAt)
	})
}

func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if err := b.Delete(tokenKey); err != nil {
			return err
		}
		return b.Delete(expiresAtKey)
	})
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *BoltStore) SaveCookies(origin string, cookies []*http.Cookie) error {
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{Name: c.Name, Value: c.Value})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cookieBucket).Put([]byte(origin), data)
	})
}

func (s *BoltStore) LoadCookies(origin string) ([]*http.Cookie, error) {
	var stored []storedCookie
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(cookieBucket).Get([]byte(origin))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &stored)
	})
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}
