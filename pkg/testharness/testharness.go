// Package testharness runs session-testserver as a separate process, for
// tests that need a backend outside the test binary.
package testharness

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/session/pkg/sessiontest"
)

const binaryName = "session-testserver"

// Config holds configuration for starting the test harness.
type Config struct {
	Users           []User
	AccessLifetime  time.Duration
	RenewalLifetime time.Duration
	ImagePages      int
	ListenAddr      string
	BinaryPath      string
	Quiet           bool
}

// User holds test user credentials.
type User struct {
	Handle string
	Secret string
}

// Harness represents a running session-testserver instance.
type Harness struct {
	BaseURL     string
	AdminPrefix string
	Users       []User
	ImagePages  int

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// outputContract matches the JSON structure from session-testserver
type outputContract struct {
	BaseURL     string       `json:"base_url"`
	AdminPrefix string       `json:"admin_prefix"`
	Users       []outputUser `json:"users"`
	ImagePages  int          `json:"image_pages"`
}

type outputUser struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

// Start spawns a session-testserver and returns a handle to it. It
// registers cleanup with t.Cleanup(). The test is skipped when the binary
// can't be found.
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	binaryPath := findBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Skip(binaryName + " binary not found (check PATH or set Config.BinaryPath or SESSION_TESTSERVER_BIN)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, buildArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start %s: %v", binaryName, err)
	}

	// the first line on stdout is the JSON contract
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cancel()
		_ = cmd.Wait()
		t.Fatalf("failed to read JSON contract from %s", binaryName)
	}
	var contract outputContract
	if err := json.Unmarshal(scanner.Bytes(), &contract); err != nil {
		cancel()
		_ = cmd.Wait()
		t.Fatalf("failed to parse JSON contract: %v", err)
	}

	go func() {
		stderrScanner := bufio.NewScanner(stderr)
		for stderrScanner.Scan() {
			if !cfg.Quiet {
				t.Logf("[%s] %s", binaryName, stderrScanner.Text())
			}
		}
	}()

	harness := &Harness{
		BaseURL:     contract.BaseURL,
		AdminPrefix: contract.AdminPrefix,
		Users:       make([]User, len(contract.Users)),
		ImagePages:  contract.ImagePages,
		cmd:         cmd,
		cancel:      cancel,
	}
	for i, user := range contract.Users {
		harness.Users[i] = User{Handle: user.Handle, Secret: user.Secret}
	}

	t.Cleanup(func() {
		if err := harness.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})
	return harness
}

// ExpireAccessTokens invalidates every access token the server issued.
func (h *Harness) ExpireAccessTokens() error {
	return h.admin(http.MethodPost, "/expire", nil, nil)
}

// SetRefreshFailure makes the server refuse refresh requests.
func (h *Harness) SetRefreshFailure(fail bool) error {
	return h.admin(http.MethodPost, "/refresh-failure", url.Values{"on": {fmt.Sprint(fail)}}, nil)
}

// Stats returns the server's call counters.
func (h *Harness) Stats() (sessiontest.Stats, error) {
	var stats sessiontest.Stats
	err := h.admin(http.MethodGet, "/stats", nil, &stats)
	return stats, err
}

func (h *Harness) admin(
	method string,
	path string,
	query url.Values,
	response any,
) error {
	target := h.BaseURL + h.AdminPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("admin %s: status %d", path, res.StatusCode)
	}
	if response != nil {
		return json.NewDecoder(res.Body).Decode(response)
	}
	return nil
}

// Close terminates the session-testserver process.
func (h *Harness) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		// killed by the cancelled context
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	case <-time.After(5 * time.Second):
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill: %w", err)
		}
		return fmt.Errorf("timeout waiting for shutdown, process killed")
	}
}

func findBinary(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	if envPath := os.Getenv("SESSION_TESTSERVER_BIN"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	if pathBinary, err := exec.LookPath(binaryName); err == nil {
		return pathBinary
	}
	return ""
}

func buildArgs(cfg Config) []string {
	args := []string{"--log-level", "debug"}
	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}
	if cfg.AccessLifetime != 0 {
		args = append(args, "--access-lifetime", cfg.AccessLifetime.String())
	}
	if cfg.RenewalLifetime != 0 {
		args = append(args, "--renewal-lifetime", cfg.RenewalLifetime.String())
	}
	if cfg.ImagePages != 0 {
		args = append(args, "--image-pages", fmt.Sprint(cfg.ImagePages))
	}
	if cfg.Quiet {
		args = append(args, "--quiet")
	}
	for _, user := range cfg.Users {
		args = append(args, "--user", user.Handle+":"+user.Secret)
	}
	return args
}
