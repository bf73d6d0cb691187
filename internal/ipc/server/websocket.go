package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccbt-project/ccbt/internal/eventbus"
)

// wireEvent is the JSON shape pushed to WebSocket clients, matching the
// teacher's pattern of encoding hub messages as flat JSON envelopes rather
// than raw Go structs.
type wireEvent struct {
	Kind      string      `json:"kind"`
	FolderKey string      `json:"folder_key,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	At        time.Time   `json:"at"`
}

// clientAction is a client->server WebSocket frame (§4.12): "subscribe" sets
// this connection's event filter, "ping" expects a "pong" reply. Any other
// action elicits {"action":"error"} without closing the connection.
type clientAction struct {
	Action string `json:"action"`
	Data   struct {
		EventTypes []string `json:"event_types,omitempty"`
		InfoHash   string   `json:"info_hash,omitempty"`
	} `json:"data,omitempty"`
}

// handleWebSocket upgrades the connection and streams eventbus events until
// the client disconnects or the daemon shuts down. Auth is via ?token= query
// param since browser/ws clients can't set an Authorization header on the
// upgrade handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.URL.Query().Get("token") != s.cfg.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ipc] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(eventbus.SubscribeOptions{BufferSize: 64})
	defer s.bus.Unsubscribe(sub)

	// Client frames ({"action":"subscribe"|"ping"}) are read in the
	// background and handed to the main loop so conn.WriteMessage only ever
	// has one caller; unmarshal failures are silently dropped rather than
	// closing the connection, since §4.12 only asks unknown *actions* (not
	// malformed frames) to get an error reply.
	actions := make(chan clientAction, 8)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientAction
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			actions <- msg
		}
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			msg := wireEvent{Kind: string(ev.Kind), FolderKey: ev.FolderKey, Payload: ev.Payload, At: ev.At}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case msg := <-actions:
			if err := s.handleClientAction(conn, sub, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// handleClientAction dispatches one client->server frame. Returning a
// non-nil error means the underlying write failed and the connection should
// be torn down; an unrecognized action is reported to the client without
// returning an error.
func (s *Server) handleClientAction(conn *websocket.Conn, sub *eventbus.Subscription, msg clientAction) error {
	switch msg.Action {
	case "subscribe":
		kinds := make([]eventbus.Kind, len(msg.Data.EventTypes))
		for i, k := range msg.Data.EventTypes {
			kinds[i] = eventbus.Kind(k)
		}
		s.bus.UpdateFilter(sub, kinds, msg.Data.InfoHash)
		return nil
	case "ping":
		return conn.WriteJSON(map[string]string{"action": "pong"})
	default:
		return conn.WriteJSON(map[string]interface{}{
			"action": "error",
			"error":  fmt.Sprintf("unknown action %q", msg.Action),
		})
	}
}
