package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ccbt-project/ccbt/internal/executor"
)

func testServer(t *testing.T, apiKey string) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-CCBT-API-Key") != apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "running", "pid": 123})
	})
	mux.HandleFunc("/api/v1/command", func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("X-CCBT-API-Key") != apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cmd executor.Command
		json.NewDecoder(r.Body).Decode(&cmd)
		json.NewEncoder(w).Encode(executor.Result{OK: true, Data: cmd.Name})
	})
	ts := httptest.NewServer(mux)

	parts := strings.Split(ts.Listener.Addr().String(), ":")
	port, _ := strconv.Atoi(parts[len(parts)-1])
	return ts, port
}

func TestCallForwardsCommandAndDecodesResult(t *testing.T) {
	ts, port := testServer(t, "")
	defer ts.Close()

	c := New(Config{Port: port})
	res, err := c.Call(context.Background(), executor.Command{Name: "folder.list"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.OK || res.Data != "folder.list" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCallSendsAPIKeyHeader(t *testing.T) {
	ts, port := testServer(t, "secret")
	defer ts.Close()

	c := New(Config{Port: port, APIKey: "secret"})
	res, err := c.Call(context.Background(), executor.Command{Name: "folder.list"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success with correct API key, got %+v", res)
	}

	c2 := New(Config{Port: port, APIKey: "wrong"})
	_, err = c2.Call(context.Background(), executor.Command{Name: "folder.list"})
	if err == nil {
		t.Fatal("expected decode error for a 401 body with no JSON")
	}
}

func TestIsRunningTrueForLiveDaemon(t *testing.T) {
	ts, port := testServer(t, "")
	defer ts.Close()

	c := New(Config{Port: port})
	if !c.IsRunning(context.Background()) {
		t.Fatal("expected IsRunning to report true against a live test server")
	}
}

func TestIsRunningFalseWhenNothingListening(t *testing.T) {
	c := New(Config{Port: 1}) // reserved port, nothing listens here in tests
	if c.IsRunning(context.Background()) {
		t.Fatal("expected IsRunning to report false when nothing is listening")
	}
}

func TestDiscoverConfigPrefersExplicitPort(t *testing.T) {
	cfg := DiscoverConfig(t.TempDir(), 9999, "key")
	if cfg.Port != 9999 || cfg.APIKey != "key" {
		t.Fatalf("expected explicit port/key to win, got %+v", cfg)
	}
}

func TestDiscoverConfigFallsBackToLegacyFile(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "daemon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, _ := json.Marshal(map[string]interface{}{"port": 9100, "api_key": "legacy-key"})
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DiscoverConfig(home, 0, "")
	if cfg.Port != 9100 || cfg.APIKey != "legacy-key" {
		t.Fatalf("expected legacy file values, got %+v", cfg)
	}
}

func TestDiscoverConfigDefaultsWhenNothingAvailable(t *testing.T) {
	cfg := DiscoverConfig(t.TempDir(), 0, "")
	if cfg.Port != defaultPort || cfg.Host != defaultHost {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestReadDaemonPIDMissingFile(t *testing.T) {
	if _, ok := ReadDaemonPID(t.TempDir()); ok {
		t.Fatal("expected ok=false when no PID file exists")
	}
}

func TestReadDaemonPIDStaleIsRemoved(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "daemon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	pidPath := filepath.Join(dir, "daemon.pid")
	// A PID that is extremely unlikely to correspond to a live process.
	if err := os.WriteFile(pidPath, []byte("999999"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, ok := ReadDaemonPID(home); ok {
		t.Fatal("expected ok=false for a stale PID")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected stale PID file to be removed")
	}
}
