package push

import (
	"context"
	"log/slog"
	"sync"
)

// Transport is the interface every realtime transport manager implements.
// The Pusher depends only on this, never on concrete transport types.
type Transport interface {
	// SendToUser delivers msg to every connection of the user and returns
	// the number of local queues written. With a live bus attached the
	// actual delivery happens via the bus subscriber, so the count may be 0
	// even though the message is on its way.
	SendToUser(ctx context.Context, userID int64, msg Message) (int, error)

	// Broadcast delivers msg to every connected user except excludeUserID
	// (0 means no exclusion).
	Broadcast(ctx context.Context, msg Message, excludeUserID int64) error

	// OnlineUsers returns locally connected user ids and usernames.
	OnlineUsers() map[int64]string

	// ConnectionCount returns the number of local connections.
	ConnectionCount() int
}

// Sweeper is the opt-in interface the reaper uses. Transports whose
// registries accumulate retired connections implement it; the reaper
// discovers them by type assertion.
type Sweeper interface {
	Sweep() int
	LocalUserIDs() []int64
}

// OnlineUser is one entry in the status report's user list.
type OnlineUser struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Status is the aggregated report across all registered transports. It is a
// local-process view.
type Status struct {
	Status               string         `json:"status"`
	TotalConnections     int            `json:"total_connections"`
	TransportConnections map[string]int `json:"transport_connections"`
	OnlineUsers          int            `json:"online_users"`
	Users                []OnlineUser   `json:"users"`
}

// Pusher fans push requests out to every registered transport. It is the
// only entry point domain code calls; a failure in one transport never
// prevents the others from attempting delivery and never reaches the caller.
type Pusher struct {
	mu         sync.RWMutex
	transports map[string]Transport
	logger     *slog.Logger
}

// NewPusher creates a Pusher with no transports registered.
func NewPusher(logger *slog.Logger) *Pusher {
	return &Pusher{
		transports: make(map[string]Transport),
		logger:     logger,
	}
}

// Register adds a transport under the given name, replacing any previous
// registration for that name.
func (p *Pusher) Register(name string, t Transport) {
	p.mu.Lock()
	p.transports[name] = t
	p.mu.Unlock()
	p.logger.Info("transport registered", "transport", name)
}

// Unregister removes the named transport.
func (p *Pusher) Unregister(name string) {
	p.mu.Lock()
	delete(p.transports, name)
	p.mu.Unlock()
}

func (p *Pusher) snapshot() map[string]Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Transport, len(p.transports))
	for name, t := range p.transports {
		out[name] = t
	}
	return out
}

// SendToUser pushes msg to the user via every transport and returns the
// summed local send count. Transport errors are logged and swallowed.
func (p *Pusher) SendToUser(ctx context.Context, userID int64, msg Message) int {
	total := 0
	for name, t := range p.snapshot() {
		sent, err := t.SendToUser(ctx, userID, msg)
		if err != nil {
			p.logger.Warn("transport send failed",
				"transport", name,
				"user_id", userID,
				"type", msg.Type(),
				"error", err,
			)
			continue
		}
		if sent > 0 {
			p.logger.Info("pushed to user",
				"transport", name,
				"user_id", userID,
				"type", msg.Type(),
				"connections", sent,
			)
		}
		total += sent
	}
	return total
}

// Broadcast pushes msg to everyone except excludeUserID via every transport.
func (p *Pusher) Broadcast(ctx context.Context, msg Message, excludeUserID int64) {
	for name, t := range p.snapshot() {
		if err := t.Broadcast(ctx, msg, excludeUserID); err != nil {
			p.logger.Warn("transport broadcast failed",
				"transport", name,
				"type", msg.Type(),
				"error", err,
			)
		}
	}
}

// GetStatus merges each transport's connection count and online-user map
// into one report.
func (p *Pusher) GetStatus() Status {
	status := Status{
		Status:               "running",
		TransportConnections: make(map[string]int),
	}

	allOnline := make(map[int64]string)
	for name, t := range p.snapshot() {
		count := t.ConnectionCount()
		status.TransportConnections[name] = count
		status.TotalConnections += count
		for userID, username := range t.OnlineUsers() {
			allOnline[userID] = username
		}
	}

	status.OnlineUsers = len(allOnline)
	status.Users = make([]OnlineUser, 0, len(allOnline))
	for userID, username := range allOnline {
		status.Users = append(status.Users, OnlineUser{UserID: userID, Username: username})
	}
	return status
}
