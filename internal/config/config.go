// Package config loads the settings shared by the command-line tools: which
// backend to talk to and where the session is kept.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"git.sr.ht/~jakintosh/session/pkg/credential"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

const (
	envBaseURL     = "SESSION_BASE_URL"
	envStoreDriver = "SESSION_STORE_DRIVER"
	envStorePath   = "SESSION_STORE_PATH"
	envLogLevel    = "SESSION_LOG_LEVEL"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BaseURL   string          `yaml:"base_url"`
	Store     StoreConfig     `yaml:"store"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Log       LogConfig       `yaml:"log"`

	// LogoutTimeout bounds the background logout notification.
	LogoutTimeout time.Duration `yaml:"logout_timeout"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type EndpointsConfig struct {
	Login   string `yaml:"login"`
	Verify  string `yaml:"verify"`
	Refresh string `yaml:"refresh"`
	Logout  string `yaml:"logout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	endpoints := client.DefaultEndpoints()
	return Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   defaultStorePath(),
		},
		Endpoints: EndpointsConfig{
			Login:   endpoints.Login,
			Verify:  endpoints.Verify,
			Refresh: endpoints.Refresh,
			Logout:  endpoints.Logout,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		LogoutTimeout: 10 * time.Second,
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "session.db"
	}
	return filepath.Join(dir, "session", "session.db")
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; neither is an
// empty path.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("couldn't read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("couldn't parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is ignored.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("couldn't load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(envStoreDriver); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(envStorePath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for %s", ErrInvalidConfig, c.Store.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if c.LogoutTimeout < 0 {
		return fmt.Errorf("%w: logout_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) ClientEndpoints() client.Endpoints {
	return client.Endpoints{
		Login:   c.Endpoints.Login,
		Verify:  c.Endpoints.Verify,
		Refresh: c.Endpoints.Refresh,
		Logout:  c.Endpoints.Logout,
	}
}

// Store is a credential store opened from config. Close releases the
// underlying file, if any.
type Store interface {
	credential.Store
	credential.CookieStore
	Close() error
}

type memoryStore struct {
	*credential.MemoryStore
}

func (memoryStore) Close() error { return nil }

// OpenStore opens the configured credential store, creating its directory
// when needed.
func (c Config) OpenStore() (Store, error) {
	switch c.Store.Driver {
	case DriverMemory:
		return memoryStore{credential.NewMemoryStore()}, nil
	case DriverSQLite, DriverBolt:
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create store directory: %w", err)
	}
	if c.Store.Driver == DriverBolt {
		store, err := credential.NewBoltStoreFromFile(c.Store.Path, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := credential.NewSQLiteStore(c.Store.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// WatchPath is the file to watch for changes made by other processes, or ""
// when the store is not shared.
func (c Config) WatchPath() string {
	if c.Store.Driver == DriverMemory {
		return ""
	}
	return c.Store.Path
}
