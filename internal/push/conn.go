package push

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// QueueCapacity bounds each connection's outbound queue. When a client falls
// this far behind, the oldest buffered messages are dropped first.
const QueueCapacity = 100

// Conn is one live client session on one transport, bound to one user. The
// transport endpoint drains the queue; everything else only enqueues.
type Conn struct {
	ID        string
	UserID    int64
	Username  string
	CreatedAt time.Time

	queue      chan Message
	done       chan struct{}
	alive      atomic.Bool
	retireOnce sync.Once
}

// NewConn allocates a connection with an empty bounded queue.
func NewConn(userID int64, username string) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		CreatedAt: time.Now().UTC(),
		queue:     make(chan Message, QueueCapacity),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// Enqueue appends msg to the connection's queue without ever blocking. When
// the queue is full the oldest entry is evicted to make room. Returns false
// when the connection has been retired.
func (c *Conn) Enqueue(msg Message) bool {
	if !c.alive.Load() {
		return false
	}
	for {
		select {
		case c.queue <- msg:
			return true
		default:
		}
		// Full: evict the oldest entry and retry. The consumer may have
		// drained an entry in between, so the eviction itself must not block.
		select {
		case <-c.queue:
		default:
		}
	}
}

// Messages exposes the queue for the transport endpoint to drain.
func (c *Conn) Messages() <-chan Message {
	return c.queue
}

// Done is closed when the connection is retired. Endpoint loops select on it
// to stop delivering for superseded or torn-down sessions.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection is still deliverable.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Retire marks the connection dead and wakes its endpoint loop. Safe to call
// more than once; racing error paths both land here.
func (c *Conn) Retire() {
	c.retireOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}

// QueueLen reports the number of buffered messages.
func (c *Conn) QueueLen() int {
	return len(c.queue)
}
