// Package ws is the bidirectional socket transport: WebSocket sessions with
// query-param or first-frame authentication and a small control vocabulary.
package ws

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
const TransportName = "ws"

// Manager owns the set of local WebSocket connections. A user may hold any
// number of them (several devices or bot instances at once).
type Manager struct {
	registry    *push.Registry
	bus         bus.PubSub
	presence    push.Presence
	verifier    auth.Verifier
	authTimeout time.Duration
	logger      *slog.Logger
}

// NewManager creates a WebSocket transport manager. eventBus and presence
// may be nil, in which case delivery and online tracking are local-only.
func NewManager(verifier auth.Verifier, eventBus bus.PubSub, presence push.Presence, authTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		registry:    push.NewRegistry(false),
		bus:         eventBus,
		presence:    presence,
		verifier:    verifier,
		authTimeout: authTimeout,
		logger:      logger,
	}
}

// SendToUser delivers msg to the user's connections. With a bus attached the
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

// ConnectionCount returns the number of local connections.
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

// register inserts a freshly authenticated connection and marks the user
// online fleet-wide.
func (m *Manager) register(ctx context.Context, conn *push.Conn) {
	m.registry.Add(conn)
	if m.presence != nil {
		if err := m.presence.Add(ctx, conn.UserID); err != nil {
			m.logger.Warn("presence add failed", "user_id", conn.UserID, "error", err)
		}
	}
	m.logger.Info("websocket connected",
		"user_id", conn.UserID,
		"username", conn.Username,
		"total_connections", m.registry.ConnectionCount(),
	)
}

// unregister removes a connection. Presence removal is advisory: it only
// happens when this was the user's last local connection, and the reaper
// reconciles the rest.
func (m *Manager) unregister(ctx context.Context, conn *push.Conn) {
	lastLocal := m.registry.Remove(conn)
	if lastLocal && m.presence != nil {
		if err := m.presence.Remove(ctx, conn.UserID); err != nil {
			m.logger.Warn("presence remove failed", "user_id", conn.UserID, "error", err)
		}
	}
	m.logger.Info("websocket disconnected",
		"user_id", conn.UserID,
		"username", conn.Username,
		"total_connections", m.registry.ConnectionCount(),
	)
}
