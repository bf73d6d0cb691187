package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/ccbt-project/ccbt/internal/executor"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics serves a minimal Prometheus text-format exposition of the
// daemon's event bus fan-out, per §4.12's auth exemption for GET
// /api/v1/metrics (unauthenticated, Prometheus-standard). This does not
// replace a real metrics exporter (out of scope per spec.md §1); it is
// enough surface for a scrape target to resolve.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	subscribers := 0
	if s.bus != nil {
		subscribers = s.bus.SubscriberCount()
	}
	fmt.Fprintf(w, "# HELP ccbt_ipc_ws_subscribers Connected WebSocket event subscribers.\n")
	fmt.Fprintf(w, "# TYPE ccbt_ipc_ws_subscribers gauge\n")
	fmt.Fprintf(w, "ccbt_ipc_ws_subscribers %d\n", subscribers)
}

// handleStatus is the authenticated counterpart to /healthz, reporting the
// daemon's PID so the IPC client's readiness probe can validate it found the
// right process, not just an open port.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"pid":    os.Getpid(),
	})
}

// handleCommand is the generic escape hatch: any Command the executor
// recognizes can be posted here, which is what internal/ipc/client uses so
// adding a new command never requires a matching REST route.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd executor.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeResult(w, executor.Result{OK: false, Code: "INVALID_JSON", Message: err.Error()})
		return
	}
	res, err := s.exec.Execute(r.Context(), cmd)
	if err != nil {
		writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
		return
	}
	writeResult(w, res)
}

// handleList builds a handler that runs a zero-argument command, e.g.
// folder.list or torrent.list.
func (s *Server) handleList(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.exec.Execute(r.Context(), executor.Command{Name: command})
		if err != nil {
			writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
			return
		}
		writeResult(w, res)
	}
}

// handleCreate builds a handler that decodes the JSON body into the
// command's args map.
func (s *Server) handleCreate(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args map[string]interface{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				writeResult(w, executor.Result{OK: false, Code: "INVALID_JSON", Message: err.Error()})
				return
			}
		}
		res, err := s.exec.Execute(r.Context(), executor.Command{Name: command, Args: args})
		if err != nil {
			writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
			return
		}
		writeResult(w, res)
	}
}

// handleGet builds a handler that runs a command whose only argument is a
// path variable (e.g. folder key or torrent info-hash).
func (s *Server) handleGet(command, pathVar string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		val := mux.Vars(r)[pathVar]
		res, err := s.exec.Execute(r.Context(), executor.Command{
			Name: command,
			Args: map[string]interface{}{pathVar: val},
		})
		if err != nil {
			writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
			return
		}
		writeResult(w, res)
	}
}

func (s *Server) handleDelete(command, pathVar string) http.HandlerFunc {
	return s.handleGet(command, pathVar)
}

func (s *Server) handleAction(command, pathVar string) http.HandlerFunc {
	return s.handleGet(command, pathVar)
}

type addPeerBody struct {
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`
	Label     string `json:"label"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body addPeerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, executor.Result{OK: false, Code: "INVALID_JSON", Message: err.Error()})
		return
	}
	res, err := s.exec.Execute(r.Context(), executor.Command{
		Name: "allowlist.add_peer",
		Args: map[string]interface{}{
			"key":        key,
			"peer_id":    body.PeerID,
			"public_key": body.PublicKey,
			"label":      body.Label,
		},
	})
	if err != nil {
		writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
		return
	}
	writeResult(w, res)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.exec.Execute(r.Context(), executor.Command{
		Name: "allowlist.remove_peer",
		Args: map[string]interface{}{"key": vars["key"], "peer_id": vars["peer_id"]},
	})
	if err != nil {
		writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
		return
	}
	writeResult(w, res)
}

// handleCreateTonic implements the CLI's `xet create-tonic`/`--generate-link`
// path: POST /api/v1/xet/create_tonic with a JSON body of xet.create_tonic's
// arguments (path, name?, sync_mode?, announce?).
func (s *Server) handleCreateTonic(w http.ResponseWriter, r *http.Request) {
	var args map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeResult(w, executor.Result{OK: false, Code: "INVALID_JSON", Message: err.Error()})
		return
	}
	res, err := s.exec.Execute(r.Context(), executor.Command{Name: "xet.create_tonic", Args: args})
	if err != nil {
		writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
		return
	}
	writeResult(w, res)
}

// handleFolderSync forces an out-of-band process_updates pass (§4.8) on a
// registered folder rather than waiting for the daemon's periodic timer.
func (s *Server) handleFolderSync(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	res, err := s.exec.Execute(r.Context(), executor.Command{
		Name: "xet.sync",
		Args: map[string]interface{}{"key": key},
	})
	if err != nil {
		writeResult(w, executor.Result{OK: false, Code: "UNAVAILABLE", Message: err.Error()})
		return
	}
	writeResult(w, res)
}
