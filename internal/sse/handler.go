package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forumlab/pushgate/internal/push"
)

// formatEvent renders msg as a single SSE frame. The keep-alive comment is
// written separately and never goes through here.
func formatEvent(event string, msg push.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	var b bytes.Buffer
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return b.Bytes(), nil
}

// keepAliveComment is an out-of-band comment line clients must not parse as
// an event.
var keepAliveComment = []byte(": ping\n\n")

// Handler returns the SSE endpoint. The credential arrives as a ?token=
// query parameter only; the stream has no client-to-server channel to carry
// an auth message.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusUnauthorized)
			if frame, ferr := formatEvent("error", push.ErrorMessage("Invalid or expired token")); ferr == nil {
				w.Write(frame)
			}
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// Nginx would otherwise buffer the stream.
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		conn := push.NewConn(identity.UserID, identity.Username)
		m.register(r.Context(), conn)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.unregister(ctx, conn)
		}()

		m.stream(w, flusher, r, conn)
	}
}

func (m *Manager) stream(w http.ResponseWriter, flusher http.Flusher, r *http.Request, conn *push.Conn) {
	idle := time.NewTimer(m.keepAlive)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			// Retired: a newer session for this user took over, or the
			// reaper got here first.
			return
		case msg := <-conn.Messages():
			frame, err := formatEvent("message", msg)
			if err != nil {
				m.logger.Warn("dropping unencodable event", "type", msg.Type(), "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.keepAlive)
		case <-idle.C:
			if _, err := w.Write(keepAliveComment); err != nil {
				return
			}
			flusher.Flush()
			idle.Reset(m.keepAlive)
		}
	}
}
