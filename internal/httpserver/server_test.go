package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forumlab/pushgate/internal/config"
	"github.com/forumlab/pushgate/internal/push"
)

type stubTransport struct {
	online map[int64]string
}

func (t stubTransport) SendToUser(context.Context, int64, push.Message) (int, error) { return 0, nil }
func (t stubTransport) Broadcast(context.Context, push.Message, int64) error         { return nil }
func (t stubTransport) OnlineUsers() map[int64]string                                { return t.online }
func (t stubTransport) ConnectionCount() int                                         { return len(t.online) }

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pusher := push.NewPusher(logger)
	pusher.Register("ws", stubTransport{online: map[int64]string{1: "alice"}})
	pusher.Register("sse", stubTransport{online: map[int64]string{1: "alice", 2: "bob"}})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not wired in this test", http.StatusNotImplemented)
	})
	srv := NewServer(&config.Config{Port: 0}, pusher, notFound, notFound, logger)
	return srv.httpServer.Handler
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReport(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/realtime/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status push.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "running", status.Status)
	require.Equal(t, 3, status.TotalConnections)
	require.Equal(t, map[string]int{"ws": 1, "sse": 2}, status.TransportConnections)
	require.Equal(t, 2, status.OnlineUsers)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
