package webserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/prd-relay/internal/apiclient"
)

// upgrader accepts any origin once the bridge token has been checked.
// Without a token only local pages may connect.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{CheckOrigin: s.checkOrigin}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Token != "" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || apiclient.IsLocalhost(origin)
}

const wsWriteTimeout = 10 * time.Second

type wsClientMsg struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// handleWS carries the same events as /events. The UI may also send
// {"type":"cancel","kind":"..."} on the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := newClient(clientQueueSize)
	s.addClient(c)
	defer s.removeClient(c)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case msg := <-c.ch:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed ws message", "err", err)
			continue
		}
		switch msg.Type {
		case "cancel":
			s.deps.Relay.Cancel(msg.Kind)
		default:
			s.logger.Debug("ignoring ws message", "type", msg.Type)
		}
	}
	close(quit)
	<-done
}
