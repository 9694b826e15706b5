// Package sse is the unidirectional stream transport: server-sent events
// with query-param authentication and at most one live connection per user.
package sse

import (
	"context"
	"log/slog"
	"time"

	"github.com/forumlab/pushgate/internal/auth"
	"github.com/forumlab/pushgate/internal/bus"
	"github.com/forumlab/pushgate/internal/push"
)

// TransportName is the name this transport registers under and stamps on
// bus envelopes.
const TransportName = "sse"

// Manager owns the set of local SSE connections. Each user keeps at most one
// live stream: reconnecting retires the previous connection, which the
// reaper then sweeps. This mirrors one-bot-one-client usage.
type Manager struct {
	registry  *push.Registry
	bus       bus.PubSub
	presence  push.Presence
	verifier  auth.Verifier
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewManager creates an SSE transport manager. eventBus and presence may be
// nil, in which case delivery and online tracking are local-only. keepAlive
// is the idle window after which a comment ping is injected to keep
// intermediary proxies from closing the stream.
func NewManager(verifier auth.Verifier, eventBus bus.PubSub, presence push.Presence, keepAlive time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		registry:  push.NewRegistry(true),
		bus:       eventBus,
		presence:  presence,
		verifier:  verifier,
		keepAlive: keepAlive,
		logger:    logger,
	}
}

// SendToUser delivers msg to the user's stream. With a bus attached the
// envelope is published and delivered by every process's subscriber loop
// (including this one); without it delivery is local and synchronous.
func (m *Manager) SendToUser(ctx context.Context, userID int64, msg push.Message) (int, error) {
	if m.bus != nil {
		err := m.bus.PublishToUser(ctx, TransportName, userID, msg)
		if err == nil {
			return 0, nil
		}
		m.logger.Warn("bus publish failed, falling back to local delivery", "error", err)
	}
	return m.registry.SendToUser(userID, msg), nil
}

// Broadcast delivers msg to every connected user except excludeUserID.
func (m *Manager) Broadcast(ctx context.Context, msg push.Message, excludeUserID int64) error {
	if m.bus != nil {
		err := m.bus.PublishBroadcast(ctx, TransportName, msg, excludeUserID)
		if err == nil {
			return nil
		}
		m.logger.Warn("bus broadcast failed, falling back to local delivery", "error", err)
	}
	m.registry.Broadcast(msg, excludeUserID)
	return nil
}

// SendToLocalUser implements bus.LocalDelivery.
func (m *Manager) SendToLocalUser(userID int64, msg push.Message) int {
	return m.registry.SendToUser(userID, msg)
}

// BroadcastLocal implements bus.LocalDelivery.
func (m *Manager) BroadcastLocal(msg push.Message, excludeUserID int64) int {
	return m.registry.Broadcast(msg, excludeUserID)
}

// OnlineUsers returns locally connected user ids and usernames.
func (m *Manager) OnlineUsers() map[int64]string {
	return m.registry.OnlineUsers()
}

// ConnectionCount returns the number of local connections, including retired
// ones the reaper has not swept yet.
func (m *Manager) ConnectionCount() int {
	return m.registry.ConnectionCount()
}

// Sweep implements push.Sweeper.
func (m *Manager) Sweep() int {
	return m.registry.Sweep()
}

// LocalUserIDs implements push.Sweeper.
func (m *Manager) LocalUserIDs() []int64 {
	return m.registry.LocalUserIDs()
}

func (m *Manager) register(ctx context.Context, conn *push.Conn) {
	replaced := m.registry.Add(conn)
	if replaced != nil {
		m.logger.Info("sse connection superseded",
			"user_id", conn.UserID,
			"old_conn", replaced.ID,
			"new_conn", conn.ID,
		)
	}
	if m.presence != nil {
		if err := m.presence.Add(ctx, conn.UserID); err != nil {
			m.logger.Warn("presence add failed", "user_id", conn.UserID, "error", err)
		}
	}
	m.logger.Info("sse connected",
		"user_id", conn.UserID,
		"username", conn.Username,
		"total_connections", m.registry.ConnectionCount(),
	)
}

func (m *Manager) unregister(ctx context.Context, conn *push.Conn) {
	lastLocal := m.registry.Remove(conn)
	if lastLocal && m.presence != nil {
		if err := m.presence.Remove(ctx, conn.UserID); err != nil {
			m.logger.Warn("presence remove failed", "user_id", conn.UserID, "error", err)
		}
	}
	m.logger.Info("sse disconnected",
		"user_id", conn.UserID,
		"username", conn.Username,
		"total_connections", m.registry.ConnectionCount(),
	)
}
