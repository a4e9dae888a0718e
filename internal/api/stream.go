package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/poselive/internal/emitter"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// PoseStreamHandler upgrades to a websocket and pushes every pose the
// client keeps up with. A slow client skips poses instead of delaying
// the pipeline.
func (s *Server) PoseStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := "ws-" + uuid.NewString()
	bus := s.p.Bus()
	read := bus.Subscribe(clientID)
	slog.Info("pose stream client connected", "client_id", clientID, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go readPump(conn, done)

	send := make(chan emitter.PoseMessage, 1)
	go func() {
		defer close(send)
		for {
			sample, ok := read()
			if !ok {
				return
			}
			select {
			case send <- emitter.NewPoseMessage(s.p.InstanceID(), s.p.PoseMeta(), sample):
			case <-done:
				return
			}
		}
	}()

	writePump(conn, send, done)

	bus.Unsubscribe(clientID)
	conn.Close()
	slog.Info("pose stream client disconnected", "client_id", clientID)
}

// readPump discards client messages and closes done when the client goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("pose stream read error", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan emitter.PoseMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// bus closed: the service is shutting down
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
