package push

import "sync"

// Registry tracks the live connections owned by a single transport manager.
// It is the only mutable shared state within a process; all access is
// serialized by the registry mutex, which is never held across I/O.
type Registry struct {
	mu     sync.Mutex
	byUser map[int64][]*Conn
	conns  []*Conn

	// singleConn keeps at most one live connection per user: registering a
	// new one retires its predecessor, which stays in the maps (dead) until
	// the reaper sweeps it.
	singleConn bool
}

// NewRegistry creates an empty registry. With singleConn set, a user's new
// connection supersedes any prior one.
func NewRegistry(singleConn bool) *Registry {
	return &Registry{
		byUser:     make(map[int64][]*Conn),
		singleConn: singleConn,
	}
}

// Add registers conn and enqueues its welcome message. For single-connection
// registries it retires any live predecessors for the same user and returns
// the most recent one (nil otherwise).
func (r *Registry) Add(conn *Conn) *Conn {
	var replaced *Conn

	r.mu.Lock()
	if r.singleConn {
		for _, prior := range r.byUser[conn.UserID] {
			if prior.Alive() {
				replaced = prior
			}
		}
	}
	r.byUser[conn.UserID] = append(r.byUser[conn.UserID], conn)
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	if replaced != nil {
		replaced.Retire()
	}
	conn.Enqueue(Welcome(conn.UserID, conn.Username))
	return replaced
}

// Remove unregisters conn and retires it. It is idempotent: removing a
// connection that is already gone is a no-op. Returns true when conn was the
// user's last registered connection.
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	removed := false
	if entries, ok := r.byUser[conn.UserID]; ok {
		for i, c := range entries {
			if c == conn {
				r.byUser[conn.UserID] = append(entries[:i], entries[i+1:]...)
				removed = true
				break
			}
		}
		if len(r.byUser[conn.UserID]) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if removed {
		for i, c := range r.conns {
			if c == conn {
				r.conns = append(r.conns[:i], r.conns[i+1:]...)
				break
			}
		}
	}
	_, stillOnline := r.byUser[conn.UserID]
	r.mu.Unlock()

	conn.Retire()
	return removed && !stillOnline
}

// SendToUser enqueues msg on every live local connection of the user and
// returns the number of queues written. Never blocks.
func (r *Registry) SendToUser(userID int64, msg Message) int {
	r.mu.Lock()
	targets := make([]*Conn, len(r.byUser[userID]))
	copy(targets, r.byUser[userID])
	r.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if c.Enqueue(msg) {
			sent++
		}
	}
	return sent
}

// Broadcast enqueues msg on every live local connection, skipping
// excludeUserID when non-zero. Returns the number of queues written.
func (r *Registry) Broadcast(msg Message, excludeUserID int64) int {
	r.mu.Lock()
	targets := make([]*Conn, len(r.conns))
	copy(targets, r.conns)
	r.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if excludeUserID != 0 && c.UserID == excludeUserID {
			continue
		}
		if c.Enqueue(msg) {
			sent++
		}
	}
	return sent
}

// OnlineUsers returns the locally connected user ids mapped to their
// usernames. Retired connections awaiting the reaper do not count.
func (r *Registry) OnlineUsers() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	online := make(map[int64]string, len(r.byUser))
	for userID, entries := range r.byUser {
		for _, c := range entries {
			if c.Alive() {
				online[userID] = c.Username
				break
			}
		}
	}
	return online
}

// IsUserOnline reports whether the user has at least one live local
// connection.
func (r *Registry) IsUserOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byUser[userID] {
		if c.Alive() {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of registered connections, including
// retired ones not yet swept.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// LocalUserIDs returns the ids of users with at least one live local
// connection.
func (r *Registry) LocalUserIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.byUser))
	for userID, entries := range r.byUser {
		for _, c := range entries {
			if c.Alive() {
				ids = append(ids, userID)
				break
			}
		}
	}
	return ids
}

// Sweep drops retired connections from the registry and returns how many
// were removed. Called periodically by the reaper.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.conns[:0]
	for _, c := range r.conns {
		if c.Alive() {
			kept = append(kept, c)
			continue
		}
		removed++
		entries := r.byUser[c.UserID]
		for i, e := range entries {
			if e == c {
				r.byUser[c.UserID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(r.byUser[c.UserID]) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.conns = kept
	return removed
}
