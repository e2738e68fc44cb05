// Package server provides the WebSocket terminal transport.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codequest/exercise-agent/internal/apperr"
)

// writeControlTimeout bounds control-frame writes (ping, close) so a stuck
// peer cannot block the heartbeat goroutine.
const writeControlTimeout = time.Second

// controlMessage is the only recognized text-frame envelope. Binary frames
// carry raw terminal bytes and bypass JSON entirely.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// wsTransport adapts one WebSocket connection to the supervisor's Transport
// interface. All writes are serialized: gorilla/websocket allows only one
// concurrent writer, and output pumping, error frames, and pings race.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) SendOutput(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) SendError(e *apperr.Error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": e,
	})
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(writeControlTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeControlTimeout))
}

// handleSessionWS upgrades the connection and binds it to the session's
// process. Origin and session checks fail with plain HTTP statuses before
// the protocol handshake; after the handshake everything is frames.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !s.guard.AllowedRequest(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sessionID := r.PathValue("sessionId")
	if _, ok := s.supervisor.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	transport := &wsTransport{conn: conn}

	// The session can exit between the pre-handshake check and here.
	if err := s.supervisor.Attach(sessionID, transport); err != nil {
		_ = transport.SendError(apperr.From(err, apperr.CodeSessionNotFound))
		_ = transport.Close()
		return
	}

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	stop := make(chan struct{})
	go runHeartbeat(s.config.PingInterval, s.config.PongTimeout, transport.ping, pong, stop, func() {
		slog.Info("Heartbeat timed out, dropping transport", "session", sessionID)
		// Closing the conn unblocks the read loop below, which then
		// detaches. The process itself is untouched.
		_ = conn.Close()
	})

	slog.Debug("Transport attached", "session", sessionID)
	s.readLoop(sessionID, conn)

	close(stop)
	s.supervisor.Detach(sessionID, transport)
	_ = conn.Close()
	slog.Debug("Transport detached", "session", sessionID)
}

// readLoop consumes frames until the connection dies. Binary frames are
// keystrokes for the process; text frames are control envelopes. Malformed
// or unrecognized control messages are dropped, never fatal: control
// channel noise must not take the data path down with it.
func (s *Server) readLoop(sessionID string, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.supervisor.Write(sessionID, data)

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				s.supervisor.Resize(sessionID, msg.Cols, msg.Rows)
			}
		}
	}
}
