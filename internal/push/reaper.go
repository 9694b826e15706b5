package push

import (
	"context"
	"log/slog"
	"time"
)

// Presence is the distributed online-user set shared across server
// processes. A nil Presence means single-process mode; callers skip it.
type Presence interface {
	// Add marks the user online. Called on connect.
	Add(ctx context.Context, userID int64) error

	// Remove clears the user's entry. Advisory: only called when this
	// process drops the user's last local connection.
	Remove(ctx context.Context, userID int64) error

	// Reassert refreshes the entries for users this process still holds so
	// they survive expiry-based reconciliation.
	Reassert(ctx context.Context, userIDs []int64) error

	// PruneExpired drops entries no process has re-asserted within the
	// freshness window. Returns the number of entries removed.
	PruneExpired(ctx context.Context) (int64, error)

	// OnlineUserIDs returns the fleet-wide online set.
	OnlineUserIDs(ctx context.Context) ([]int64, error)
}

// Reaper periodically evicts retired connections from every transport
// registry and reconciles the distributed presence set. A process may only
// remove presence entries it stopped backing itself; entries left behind by
// crashed processes age out of the presence store instead, because live
// processes keep re-asserting their own users each sweep.
type Reaper struct {
	pusher   *Pusher
	presence Presence
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(pusher *Pusher, presence Presence, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		pusher:   pusher,
		presence: presence,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	removed := 0
	var held []int64
	for _, t := range r.pusher.snapshot() {
		s, ok := t.(Sweeper)
		if !ok {
			continue
		}
		removed += s.Sweep()
		held = append(held, s.LocalUserIDs()...)
	}
	if removed > 0 {
		r.logger.Info("swept stale connections", "removed", removed)
	}

	if r.presence == nil {
		return
	}
	if err := r.presence.Reassert(ctx, held); err != nil {
		r.logger.Warn("presence reassert failed", "error", err)
	}
	pruned, err := r.presence.PruneExpired(ctx)
	if err != nil {
		r.logger.Warn("presence prune failed", "error", err)
	} else if pruned > 0 {
		r.logger.Info("pruned stale presence entries", "pruned", pruned)
	}
}
