package push

import (
	"context"
	"log/slog"
	"time"
)

const (
	notifyQueueSize   = 256
	notifyDispatchTTL = 10 * time.Second
)

type notifyJob struct {
	broadcast     bool
	userID        int64
	excludeUserID int64
	msg           Message
}

// Notifier is the producer-side boundary domain code fires events into.
// Push and PushBroadcast never block the caller: jobs land on a bounded
// queue drained by a single worker goroutine, and are dropped (with a log
// line) when the queue is saturated. Delivery is best-effort by design.
type Notifier struct {
	pusher *Pusher
	jobs   chan notifyJob
	logger *slog.Logger
}

// NewNotifier creates a Notifier on top of the given Pusher. Run must be
// started for queued jobs to be dispatched.
func NewNotifier(pusher *Pusher, logger *slog.Logger) *Notifier {
	return &Notifier{
		pusher: pusher,
		jobs:   make(chan notifyJob, notifyQueueSize),
		logger: logger,
	}
}

// Push fires a typed event to one user. Returns false when the job had to be
// dropped because the queue was full.
func (n *Notifier) Push(userID int64, msgType string, payload map[string]any) bool {
	return n.enqueue(notifyJob{userID: userID, msg: NewMessage(msgType, payload)})
}

// PushBroadcast fires a typed event to every connected user except
// excludeUserID (0 means no exclusion).
func (n *Notifier) PushBroadcast(msgType string, payload map[string]any, excludeUserID int64) bool {
	return n.enqueue(notifyJob{
		broadcast:     true,
		excludeUserID: excludeUserID,
		msg:           NewMessage(msgType, payload),
	})
}

func (n *Notifier) enqueue(job notifyJob) bool {
	select {
	case n.jobs <- job:
		return true
	default:
		n.logger.Warn("notify queue full, dropping event",
			"type", job.msg.Type(),
			"user_id", job.userID,
			"broadcast", job.broadcast,
		)
		return false
	}
}

// Run drains the job queue until ctx is cancelled, then finishes whatever is
// still buffered before returning. It blocks and is meant to run as its own
// goroutine.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case job := <-n.jobs:
			n.dispatch(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-n.jobs:
					n.dispatch(job)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (n *Notifier) dispatch(job notifyJob) {
	// The worker outlives request contexts, so each dispatch gets its own
	// deadline to keep a wedged bus from stalling the queue.
	ctx, cancel := context.WithTimeout(context.Background(), notifyDispatchTTL)
	defer cancel()

	if job.broadcast {
		n.pusher.Broadcast(ctx, job.msg, job.excludeUserID)
		return
	}
	n.pusher.SendToUser(ctx, job.userID, job.msg)
}
