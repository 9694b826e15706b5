package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forumlab/pushgate/internal/auth"
	"github.com/forumlab/pushgate/internal/push"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Close codes sent when a session is rejected before registration.
const (
	closeInvalidAuth  = 4001
	closeInvalidToken = 4002
	closeAuthTimeout  = 4003
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bot clients connect from anywhere; access control is the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

type clientFrame struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Handler returns the WebSocket endpoint. A credential may arrive as a
// ?token= query parameter (verified before any registration) or as the first
// inbound frame {"type":"auth","token":"..."} within the auth timeout.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var identity *auth.Identity
		if token := r.URL.Query().Get("token"); token != "" {
			id, err := m.verifier.Verify(r.Context(), token)
			if err == nil {
				identity = id
			}
			// An invalid query token is not fatal: the client still gets
			// the slow path, exactly like a client that sent none.
		}

		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer sock.Close()

		if identity == nil {
			identity = m.awaitAuth(r.Context(), sock)
			if identity == nil {
				return
			}
		}

		conn := push.NewConn(identity.UserID, identity.Username)
		m.register(r.Context(), conn)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			m.unregister(ctx, conn)
		}()

		go m.writeLoop(sock, conn)
		m.readLoop(sock, conn)
	}
}

// awaitAuth runs the slow authentication path: the first frame must be a
// valid auth message. On failure the session is closed with a distinct
// reason code and nil is returned; the connection was never registered.
func (m *Manager) awaitAuth(ctx context.Context, sock *websocket.Conn) *auth.Identity {
	sock.SetReadDeadline(time.Now().Add(m.authTimeout))

	_, data, err := sock.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			m.reject(sock, closeAuthTimeout, "Authentication timeout")
		}
		return nil
	}

	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" || frame.Token == "" {
		m.reject(sock, closeInvalidAuth, `Invalid auth message. Expected: {"type": "auth", "token": "..."}`)
		return nil
	}

	identity, err := m.verifier.Verify(ctx, frame.Token)
	if err != nil {
		m.reject(sock, closeInvalidToken, "Invalid or expired token")
		return nil
	}
	return identity
}

// reject sends an error event and closes the bare session.
func (m *Manager) reject(sock *websocket.Conn, code int, reason string) {
	sock.SetWriteDeadline(time.Now().Add(writeWait))
	sock.WriteJSON(push.ErrorMessage(reason))
	sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	m.logger.Info("websocket session rejected", "code", code, "reason", reason)
}

// readLoop handles the connected control vocabulary until the client goes
// away. Malformed frames get an error event back; the session stays open.
func (m *Manager) readLoop(sock *websocket.Conn, conn *push.Conn) {
	sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		sock.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.Enqueue(push.ErrorMessage("Invalid JSON"))
			continue
		}

		switch frame.Type {
		case "ping":
			conn.Enqueue(push.NewMessage(push.TypePong, nil))
		case "pong":
			// Application-level keep-alive reply; the read deadline above
			// already accounted for it.
		case "subscribe":
			// Event filters are accepted but not applied yet.
			events := frame.Events
			if len(events) == 0 {
				events = []string{"all"}
			}
			conn.Enqueue(push.NewMessage(push.TypeSubscribed, map[string]any{"events": events}))
		}
	}
}

// writeLoop drains the connection queue onto the socket and keeps the
// session alive with protocol-level pings. A write failure tears down this
// connection only.
func (m *Manager) writeLoop(sock *websocket.Conn, conn *push.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			sock.Close()
			return
		case msg := <-conn.Messages():
			sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.WriteJSON(msg); err != nil {
				m.logger.Warn("websocket write failed",
					"user_id", conn.UserID,
					"error", err,
				)
				conn.Retire()
				sock.Close()
				return
			}
		case <-ticker.C:
			if err := sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Retire()
				sock.Close()
				return
			}
		}
	}
}
