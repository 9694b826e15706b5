package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumlab/pushgate/internal/auth"
	"github.com/forumlab/pushgate/internal/push"
)

type staticVerifier struct {
	tokens map[string]auth.Identity
}

func (v staticVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if id, ok := v.tokens[token]; ok {
		return &id, nil
	}
	return nil, auth.ErrInvalidToken
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, keepAlive time.Duration) (*Manager, *httptest.Server) {
	t.Helper()
	verifier := staticVerifier{tokens: map[string]auth.Identity{
		"alice-token": {UserID: 1, Username: "alice"},
		"bob-token":   {UserID: 2, Username: "bob"},
	}}
	m := NewManager(verifier, nil, nil, keepAlive, testLogger())

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	return m, srv
}

// stream opens an SSE session and returns a reader over its body. The
// session is torn down via context cancellation at cleanup.
func stream(t *testing.T, srv *httptest.Server, token string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?token="+token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

// nextFrame reads one SSE frame: either ("comment", text) for keep-alive
// comments or (eventName, decoded data) for events.
func nextFrame(t *testing.T, r *bufio.Reader) (string, map[string]any) {
	t.Helper()
	var event string
	var data map[string]any
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != nil {
				return event, data
			}
		case strings.HasPrefix(line, ": "):
			event = "comment"
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
		}
	}
}

func TestStreamDeliversWelcome(t *testing.T) {
	m, srv := newTestServer(t, time.Minute)
	r := stream(t, srv, "alice-token")

	event, data := nextFrame(t, r)
	require.Equal(t, "message", event)
	require.Equal(t, push.TypeConnected, data["type"])
	require.Equal(t, float64(1), data["user_id"])
	require.Equal(t, map[int64]string{1: "alice"}, m.OnlineUsers())
}

func TestUnauthorizedStream(t *testing.T) {
	m, srv := newTestServer(t, time.Minute)

	resp, err := http.Get(srv.URL + "?token=wrong")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "event: error")
	require.Equal(t, 0, m.ConnectionCount())
}

func TestKeepAliveComment(t *testing.T) {
	_, srv := newTestServer(t, 150*time.Millisecond)
	r := stream(t, srv, "alice-token")

	event, _ := nextFrame(t, r)
	require.Equal(t, "message", event, "welcome first")

	event, data := nextFrame(t, r)
	require.Equal(t, "comment", event, "idle stream gets a comment ping")
	require.Nil(t, data)
}

func TestSingleConnectionReplacement(t *testing.T) {
	m, srv := newTestServer(t, time.Minute)

	first := stream(t, srv, "alice-token")
	event, _ := nextFrame(t, first)
	require.Equal(t, "message", event)

	second := stream(t, srv, "alice-token")
	event, data := nextFrame(t, second)
	require.Equal(t, "message", event)
	require.Equal(t, push.TypeConnected, data["type"])

	// The superseded stream ends; its connection is gone once the handler
	// notices, and at the latest after a reaper sweep.
	_, err := first.ReadByte()
	require.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The replacement, not the old stream, receives pushes.
	sent, err2 := m.SendToUser(context.Background(), 1, push.NewMessage(push.TypeReply, nil))
	require.NoError(t, err2)
	require.Equal(t, 1, sent)
	event, data = nextFrame(t, second)
	require.Equal(t, "message", event)
	require.Equal(t, push.TypeReply, data["type"])
}

func TestMentionScenario(t *testing.T) {
	m, srv := newTestServer(t, time.Minute)

	pusher := push.NewPusher(testLogger())
	pusher.Register(TransportName, m)

	alice := stream(t, srv, "alice-token")
	bob := stream(t, srv, "bob-token")
	nextFrame(t, alice) // welcome
	nextFrame(t, bob)   // welcome

	total := pusher.SendToUser(context.Background(),
		2, push.Notification(push.TypeMention, 42, "a thread", 1, "alice", 0, ""))
	require.Equal(t, 1, total)

	event, data := nextFrame(t, bob)
	require.Equal(t, "message", event)
	require.Equal(t, push.TypeMention, data["type"])
	require.Equal(t, float64(42), data["thread_id"])
	require.Equal(t, "alice", data["from_username"])

	// Alice's stream yields nothing for the mention: her next event is a
	// follow addressed to her.
	pusher.SendToUser(context.Background(), 1, push.NewMessage(push.TypeFollow, nil))
	event, data = nextFrame(t, alice)
	require.Equal(t, "message", event)
	require.Equal(t, push.TypeFollow, data["type"])
}

func TestFormatEvent(t *testing.T) {
	frame, err := formatEvent("message", push.Message{"type": "reply", "thread_id": 7})
	require.NoError(t, err)

	text := string(frame)
	require.True(t, strings.HasPrefix(text, "event: message\ndata: "), "got %q", text)
	require.True(t, strings.HasSuffix(text, "\n\n"))

	var decoded map[string]any
	payload := strings.TrimPrefix(strings.Split(text, "\n")[1], "data: ")
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	require.Equal(t, "reply", decoded["type"])
}
