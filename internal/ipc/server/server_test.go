package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccbt-project/ccbt/internal/eventbus"
	"github.com/ccbt-project/ccbt/internal/executor"
)

// echoExecutor is a minimal executor.Executor implementation for routing
// tests; it records the last command it received and returns a fixed result.
type echoExecutor struct {
	lastCmd executor.Command
	result  executor.Result
}

func (e *echoExecutor) Execute(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	e.lastCmd = cmd
	return e.result, nil
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s := New(Config{Port: 0, APIKey: "secret"}, &echoExecutor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestMetricsNeedsNoAuth covers §4.12's auth exemption for GET
// /api/v1/metrics (invariant 8's "every non-exempt route" carve-out, S6).
func TestMetricsNeedsNoAuth(t *testing.T) {
	s := New(Config{Port: 0, APIKey: "secret"}, &echoExecutor{}, eventbus.New())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without credentials, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ccbt_ipc_ws_subscribers") {
		t.Fatalf("expected prometheus exposition body, got %q", rec.Body.String())
	}
}

func TestCommandRouteRequiresAuth(t *testing.T) {
	s := New(Config{Port: 0, APIKey: "secret"}, &echoExecutor{}, nil)
	body, _ := json.Marshal(executor.Command{Name: "folder.list"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestCommandRouteForwardsToExecutor(t *testing.T) {
	ex := &echoExecutor{result: executor.Result{OK: true, Data: "hi"}}
	s := New(Config{Port: 0, APIKey: "secret"}, ex, nil)

	body, _ := json.Marshal(executor.Command{Name: "folder.list"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/command", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ex.lastCmd.Name != "folder.list" {
		t.Fatalf("expected command forwarded verbatim, got %+v", ex.lastCmd)
	}
}

func TestFolderStatusRouteMapsPathVar(t *testing.T) {
	ex := &echoExecutor{result: executor.Result{OK: true}}
	s := New(Config{Port: 0, APIKey: ""}, ex, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/my-folder", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ex.lastCmd.Name != "folder.status" || ex.lastCmd.Args["key"] != "my-folder" {
		t.Fatalf("expected folder.status with key=my-folder, got %+v", ex.lastCmd)
	}
}

func TestFailedCommandMapsToHTTPStatus(t *testing.T) {
	ex := &echoExecutor{result: executor.Result{OK: false, Code: "NOT_FOUND", Message: "nope"}}
	s := New(Config{Port: 0, APIKey: ""}, ex, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/missing", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for NOT_FOUND result, got %d", rec.Code)
	}
}

func TestSignatureAuthAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ex := &echoExecutor{result: executor.Result{OK: true}}
	s := New(Config{Port: 0, APIKey: "secret", AuthorizedKeys: []ed25519.PublicKey{pub}}, ex, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/my-folder", nil)
	signRequest(t, req, priv, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignatureAuthFallsBackToAPIKeyOnStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s := New(Config{Port: 0, APIKey: "secret", AuthorizedKeys: []ed25519.PublicKey{pub}}, &echoExecutor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/my-folder", nil)
	signRequestAt(t, req, priv, nil, time.Now().Add(-time.Hour))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a stale signature with no API key, got %d", rec.Code)
	}
}

func TestSignatureAuthRejectsUnknownKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s := New(Config{Port: 0, APIKey: "secret", AuthorizedKeys: []ed25519.PublicKey{otherPub}}, &echoExecutor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/my-folder", nil)
	signRequest(t, req, priv, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a signature from a key not in the authorized set, got %d", rec.Code)
	}
}

// signRequest signs req per §4.12's message format using priv and stamps it
// with the current time.
func signRequest(t *testing.T, req *http.Request, priv ed25519.PrivateKey, body []byte) {
	t.Helper()
	signRequestAt(t, req, priv, body, time.Now())
}

func signRequestAt(t *testing.T, req *http.Request, priv ed25519.PrivateKey, body []byte, at time.Time) {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	bodyHash := sha256.Sum256(body)
	message := fmt.Sprintf("%s %s\n%s\n%s", req.Method, req.URL.Path, ts, hex.EncodeToString(bodyHash[:]))
	sig := ed25519.Sign(priv, []byte(message))
	req.Header.Set(sigHeader, hex.EncodeToString(sig))
	req.Header.Set(pubKeyHeader, hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	req.Header.Set(timestampHeader, ts)
}

func TestWebSocketStreamsBusEvents(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	s := New(Config{Port: 0, APIKey: ""}, &echoExecutor{}, bus)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bus.Publish(eventbus.Event{Kind: eventbus.KindFolderAdded, FolderKey: "f1"})

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg wireEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Kind != string(eventbus.KindFolderAdded) || msg.FolderKey != "f1" {
		t.Fatalf("unexpected event payload: %+v", msg)
	}
}

func TestWebSocketPingAndSubscribeProtocol(t *testing.T) {
	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	s := New(Config{Port: 0, APIKey: ""}, &echoExecutor{}, bus)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var reply map[string]string
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if reply["action"] != "pong" {
		t.Fatalf("expected pong reply, got %+v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"action": "bogus"}); err != nil {
		t.Fatalf("write bogus action: %v", err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal error reply: %v", err)
	}
	if reply["action"] != "error" {
		t.Fatalf("expected error reply for unknown action, got %+v", reply)
	}

	// A subscribe narrowing to a different event kind/folder should drop a
	// non-matching publish and still pass the connection through afterwards.
	if err := conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"data":   map[string]interface{}{"event_types": []string{string(eventbus.KindChunkSynced)}, "info_hash": "f1"},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	bus.Publish(eventbus.Event{Kind: eventbus.KindFolderAdded, FolderKey: "f1"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindChunkSynced, FolderKey: "f1"})

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read filtered event: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Kind != string(eventbus.KindChunkSynced) || ev.FolderKey != "f1" {
		t.Fatalf("expected only the narrowed event to arrive, got %+v", ev)
	}
}
