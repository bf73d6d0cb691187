// Package client implements the IPC client (C13): the typed counterpart to
// internal/ipc/server used by the CLI (and any future TUI) to reach a
// running daemon. Go has no event loop to bind an HTTP client to, so the
// "recreate session across event loops" hazard spec.md warns about doesn't
// apply directly; what carries over is the underlying concern — don't trust
// a long-lived *http.Client across a context whose transport may have gone
// stale — so Client instead rebuilds its transport if the context it's
// called with has already been cancelled once, and keeps its connection
// pool modest the way the teacher's torrent client caps concurrent peers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/executor"
)

const (
	defaultHost        = "127.0.0.1"
	defaultPort        = 8080
	readinessTimeout   = 3 * time.Second
	maxIdleConnsTotal  = 10
	maxIdleConnsPerHost = 5
)

// Config configures a Client.
type Config struct {
	Host   string // defaults to 127.0.0.1 regardless of what the daemon bound to
	Port   int    // defaults to 8080
	APIKey string
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
}

func (c Config) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Client talks to a running ccbtd daemon over HTTP.
type Client struct {
	cfg Config

	mu      sync.Mutex
	httpc   *http.Client
	stale   bool // set when a call observes ctx.Err() != nil after a prior use
}

// New creates a Client. Discovery order for an unset Config is handled by
// DiscoverConfig, not here — New always uses exactly what it's given.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, httpc: newHTTPClient()}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConnsTotal,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

// ensureFreshLocked rebuilds the underlying *http.Client if the previous one
// was flagged stale (its transport observed a cancelled-context error), the
// closest Go analogue to "recreate the session when used from a different or
// closed event loop": a fresh transport can't inherit a wedged connection
// pool from a caller that gave up on it.
func (c *Client) ensureFreshLocked() {
	if c.stale {
		c.httpc.CloseIdleConnections()
		c.httpc = newHTTPClient()
		c.stale = false
	}
}

// Call implements executor.Caller, letting a Client back an
// executor.DaemonExecutor directly.
func (c *Client) Call(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return executor.Result{}, ccbterr.Wrap(ccbterr.InvalidJSON, "marshal command", err)
	}

	c.mu.Lock()
	c.ensureFreshLocked()
	httpc := c.httpc
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL()+"/api/v1/command", bytes.NewReader(body))
	if err != nil {
		return executor.Result{}, ccbterr.Wrap(ccbterr.InternalError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-CCBT-API-Key", c.cfg.APIKey)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.mu.Lock()
			c.stale = true
			c.mu.Unlock()
		}
		return executor.Result{}, ccbterr.Wrap(ccbterr.Unavailable, "call daemon", err)
	}
	defer resp.Body.Close()

	var result executor.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return executor.Result{}, ccbterr.Wrap(ccbterr.InvalidJSON, "decode daemon response", err)
	}
	return result, nil
}

// IsRunning probes daemon readiness: a short TCP pre-check followed by
// GET /api/v1/status with a bounded timeout. It returns false on any
// connect error, HTTP error, or timeout — only a structurally valid
// response with status=="running" counts as up.
func (c *Client) IsRunning(ctx context.Context) bool {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, readinessTimeout)
	if err != nil {
		return false
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.baseURL()+"/api/v1/status", nil)
	if err != nil {
		return false
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-CCBT-API-Key", c.cfg.APIKey)
	}

	c.mu.Lock()
	c.ensureFreshLocked()
	httpc := c.httpc
	c.mu.Unlock()

	resp, err := httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Status == "running" && status.PID > 0
}

// Close releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpc.CloseIdleConnections()
}

// DiscoverConfig resolves daemon connection details: an explicitly passed
// port wins, otherwise a legacy JSON file under daemonHome/daemon is read,
// otherwise the default port is used. The host is always 127.0.0.1 — the
// daemon may bind 0.0.0.0, but a client never has reason to reach it over
// anything but loopback.
func DiscoverConfig(daemonHome string, explicitPort int, apiKey string) Config {
	cfg := Config{Host: defaultHost, APIKey: apiKey}
	if explicitPort != 0 {
		cfg.Port = explicitPort
		return cfg
	}

	legacy := struct {
		Port   int    `json:"port"`
		APIKey string `json:"api_key"`
	}{}
	path := filepath.Join(daemonHome, "daemon", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if json.Unmarshal(data, &legacy) == nil && legacy.Port != 0 {
			cfg.Port = legacy.Port
			if cfg.APIKey == "" {
				cfg.APIKey = legacy.APIKey
			}
			return cfg
		}
	}

	cfg.Port = defaultPort
	return cfg
}

// pidFilePath is the conventional location this package reads for
// ReadDaemonPID, matching cmd/ccbtd's PID file write location.
func pidFilePath(daemonHome string) string {
	return filepath.Join(daemonHome, "daemon", "daemon.pid")
}

// ReadDaemonPID reads and validates the daemon's PID file, retrying briefly
// to tolerate a daemon that is mid-startup. A stale PID file (naming a
// process that no longer exists) is removed and treated as "no daemon".
func ReadDaemonPID(daemonHome string) (pid int, ok bool) {
	path := pidFilePath(daemonHome)
	const attempts = 3
	var data []byte
	var err error
	for i := 0; i < attempts; i++ {
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		return 0, false
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	if !processExists(pid) {
		os.Remove(path)
		return 0, false
	}
	return pid, true
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks existence
	// without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
