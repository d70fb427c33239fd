package credential

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the credential and renewal cookies in a SQLite file.
// Several processes may share the same file; each read goes to the database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ CookieStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the store at dbPath. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(
	dbPath string,
) (
	*SQLiteStore,
	error,
) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	// every pooled connection to ":memory:" would be its own database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("couldn't set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init credential database: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path returns the file backing the store.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if err := initTable(db, "credential", `
		CREATE TABLE IF NOT EXISTS credential (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			token       TEXT NOT NULL,
			expiration  INTEGER NOT NULL
		);`,
	); err != nil {
		return err
	}

	if err := initTable(db, "cookie", `
		CREATE TABLE IF NOT EXISTS cookie (
			origin      TEXT NOT NULL,
			name        TEXT NOT NULL,
			value       TEXT NOT NULL,
			PRIMARY KEY (origin, name)
		);`,
	); err != nil {
		return err
	}

	return nil
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}

func (s *SQLiteStore) Get() (Credential, bool, error) {
	row := s.db.QueryRow(`
		SELECT token, expiration
		FROM credential
		WHERE id=1;`,
	)

	var (
		token      string
		expiration int64
	)
	if err := row.Scan(&token, &expiration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("couldn't scan credential: %v", err)
	}

	return Credential{
		Token:     token,
		ExpiresAt: time.UnixMilli(expiration),
	}, true, nil
}

func (s *SQLiteStore) Set(cred Credential) error {
	_, err := s.db.Exec(`
		INSERT INTO credential (id, token, expiration)
		VALUES (1, ?1, ?2)
		ON CONFLICT (id) DO UPDATE
		SET token=excluded.token, expiration=excluded.expiration;`,
		cred.Token,
		cred.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("couldn't write credential: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credential;`); err != nil {
		return fmt.Errorf("couldn't delete credential: %v", err)
	}
	return nil
}

func (s *SQLiteStore) SaveCookies(
	origin string,
	cookies []*http.Cookie,
) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("couldn't begin cookie transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM cookie WHERE origin=?1;`, origin); err != nil {
		return fmt.Errorf("couldn't delete cookies: %v", err)
	}
	for _, c := range cookies {
		_, err := tx.Exec(`
			INSERT INTO cookie (origin, name, value)
			VALUES (?1, ?2, ?3);`,
			origin,
			c.Name,
			c.Value,
		)
		if err != nil {
			return fmt.Errorf("couldn't insert cookie '%s': %v", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("couldn't commit cookies: %v", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCookies(
	origin string,
) (
	[]*http.Cookie,
	error,
) {
	rows, err := s.db.Query(`
		SELECT name, value
		FROM cookie
		WHERE origin=?1
		ORDER BY name;`,
		origin,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query cookies: %v", err)
	}
	defer rows.Close()

	var cookies []*http.Cookie
	for rows.Next() {
		c := &http.Cookie{}
		if err := rows.Scan(&c.Name, &c.Value); err != nil {
			return nil, fmt.Errorf("couldn't scan cookie: %v", err)
		}
		cookies = append(cookies, c)
	}
	return cookies, rows.Err()
}
