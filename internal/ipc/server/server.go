// Package server implements the IPC server (C12): the daemon-side HTTP +
// WebSocket surface the CLI/TUI talk to via internal/ipc/client. Every route
// is a thin wrapper around the command executor (C11) — handlers never touch
// session/foldermgr/syncmanager directly, the same one-indirection rule the
// teacher enforces by routing all of internal/api's handlers through
// internal/db rather than ad hoc DB calls. Routing, middleware chain, and the
// Start/Shutdown lifecycle are adapted from the teacher's
// internal/api/server.go; the WebSocket event push is adapted from
// internal/websocket/hub.go.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/eventbus"
	"github.com/ccbt-project/ccbt/internal/executor"
)

// Config configures a Server.
type Config struct {
	Port            int
	APIKey          string // required on every route except /healthz and /api/v1/metrics; /api/v1/events takes it as ?token=
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	HeartbeatPeriod time.Duration // WebSocket ping interval
	// AuthorizedKeys enables the Ed25519 signature-header auth path (§4.12)
	// for exactly these public keys; nil/empty disables it and every
	// request is checked against APIKey alone.
	AuthorizedKeys []ed25519.PublicKey
}

func (c *Config) setDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
}

// Server is the daemon's IPC surface.
type Server struct {
	cfg      Config
	router   *mux.Router
	exec     executor.Executor
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a Server. exec is normally an *executor.LocalExecutor bound to
// the daemon's own session manager; bus is the daemon-wide event bus whose
// events are pushed out over /api/v1/events.
func New(cfg Config, exec executor.Executor, bus *eventbus.Bus) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		exec:   exec,
		bus:    bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // loopback IPC, not browser-facing
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// §4.12 exempts GET /api/v1/metrics from auth (Prometheus-standard) and
	// the WebSocket upgrade at /api/v1/events (authenticated inline from the
	// query string instead); both are mounted outside the authenticated
	// subrouter below.
	s.router.HandleFunc("/api/v1/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/events", s.handleWebSocket).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Folder routes
	api.HandleFunc("/folders", s.handleList("folder.list")).Methods(http.MethodGet)
	api.HandleFunc("/folders", s.handleCreate("folder.add")).Methods(http.MethodPost)
	api.HandleFunc("/folders/{key}", s.handleGet("folder.status", "key")).Methods(http.MethodGet)
	api.HandleFunc("/folders/{key}", s.handleDelete("folder.remove", "key")).Methods(http.MethodDelete)

	// Torrent routes
	api.HandleFunc("/torrents", s.handleList("torrent.list")).Methods(http.MethodGet)
	api.HandleFunc("/torrents", s.handleCreate("torrent.add_magnet")).Methods(http.MethodPost)
	api.HandleFunc("/torrents/{info_hash}", s.handleGet("torrent.status", "info_hash")).Methods(http.MethodGet)
	api.HandleFunc("/torrents/{info_hash}", s.handleDelete("torrent.remove", "info_hash")).Methods(http.MethodDelete)
	api.HandleFunc("/torrents/{info_hash}/pause", s.handleAction("torrent.pause", "info_hash")).Methods(http.MethodPost)
	api.HandleFunc("/torrents/{info_hash}/resume", s.handleAction("torrent.resume", "info_hash")).Methods(http.MethodPost)

	// Allowlist routes
	api.HandleFunc("/folders/{key}/allowlist", s.handleAddPeer).Methods(http.MethodPost)
	api.HandleFunc("/folders/{key}/allowlist/{peer_id}", s.handleRemovePeer).Methods(http.MethodDelete)

	// XET routes
	api.HandleFunc("/xet/create_tonic", s.handleCreateTonic).Methods(http.MethodPost)
	api.HandleFunc("/folders/{key}/sync", s.handleFolderSync).Methods(http.MethodPost)
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	log.Printf("[ipc] listening on %s", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router directly, for tests that want to exercise
// routes with httptest.NewServer/NewRecorder without a live listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeResult(w http.ResponseWriter, res executor.Result) {
	status := http.StatusOK
	if !res.OK {
		status = ccbterr.HTTPStatus(ccbterr.Kind(res.Code))
	}
	writeJSON(w, status, res)
}
