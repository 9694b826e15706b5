package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forumlab/pushgate/internal/push"
)

// reconnectDelay is the fixed backoff between subscriber reconnect attempts.
const reconnectDelay = 3 * time.Second

// RedisBus is the Redis-backed bus and presence store. One instance per
// process; transports attach their local delivery sinks by name and the
// subscriber loop routes incoming envelopes to them.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	// presenceWindow is how long a presence entry stays valid without
	// re-assertion. Must exceed the reaper interval with headroom, or live
	// users flap offline between sweeps.
	presenceWindow time.Duration

	mu    sync.RWMutex
	local map[string]LocalDelivery
}

// Dial connects to Redis at the given URL and verifies the connection.
func Dial(ctx context.Context, redisURL string, presenceWindow time.Duration, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBus{
		client:         client,
		logger:         logger,
		presenceWindow: presenceWindow,
		local:          make(map[string]LocalDelivery),
	}, nil
}

// Close releases the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Attach registers a transport's local delivery sink under its name.
func (b *RedisBus) Attach(transport string, delivery LocalDelivery) {
	b.mu.Lock()
	b.local[transport] = delivery
	b.mu.Unlock()
}

func (b *RedisBus) delivery(transport string) (LocalDelivery, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.local[transport]
	return d, ok
}

// PublishToUser publishes a user-targeted envelope. Local delivery happens
// only when the subscriber loop receives the publish back, so same-process
// and cross-process sends share one code path.
func (b *RedisBus) PublishToUser(ctx context.Context, transport string, userID int64, msg push.Message) error {
	payload, err := json.Marshal(Envelope{
		Target:    TargetUser,
		Transport: transport,
		UserID:    userID,
		Message:   msg,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	channel := userChannelPrefix + strconv.FormatInt(userID, 10)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PublishBroadcast publishes a broadcast envelope on the global channel.
func (b *RedisBus) PublishBroadcast(ctx context.Context, transport string, msg push.Message, excludeUserID int64) error {
	payload, err := json.Marshal(Envelope{
		Target:        TargetBroadcast,
		Transport:     transport,
		ExcludeUserID: excludeUserID,
		Message:       msg,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, broadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Run subscribes to the per-user wildcard pattern and the broadcast channel
// and dispatches envelopes to local transports until ctx is cancelled. It
// reconnects with a fixed backoff on subscription failures and never
// terminates the process over transient bus errors.
func (b *RedisBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := b.subscribe(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("bus subscription lost, reconnecting",
					"delay", reconnectDelay,
					"error", err,
				)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (b *RedisBus) subscribe(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, userChannelPrefix+"*")
	defer pubsub.Close()

	if err := pubsub.Subscribe(ctx, broadcastChannel); err != nil {
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}
	b.logger.Info("bus subscriber started",
		"pattern", userChannelPrefix+"*",
		"channel", broadcastChannel,
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			b.handlePayload(msg.Payload)
		}
	}
}

func (b *RedisBus) handlePayload(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("dropping undecodable bus envelope", "error", err)
		return
	}

	delivery, ok := b.delivery(env.Transport)
	if !ok {
		// Another process may run transports this one does not.
		return
	}

	switch env.Target {
	case TargetUser:
		delivery.SendToLocalUser(env.UserID, env.Message)
	case TargetBroadcast:
		delivery.BroadcastLocal(env.Message, env.ExcludeUserID)
	default:
		b.logger.Warn("dropping bus envelope with unknown target", "target", env.Target)
	}
}

// Add marks the user online in the shared presence set.
func (b *RedisBus) Add(ctx context.Context, userID int64) error {
	return b.assert(ctx, []int64{userID})
}

// Remove clears the user's presence entry. Advisory: the caller only does
// this after dropping the user's last local connection, and a concurrent
// entry from another process gets re-asserted on its next reaper sweep.
func (b *RedisBus) Remove(ctx context.Context, userID int64) error {
	return b.client.ZRem(ctx, presenceKey, strconv.FormatInt(userID, 10)).Err()
}

// Reassert refreshes the scores of the users this process still holds.
func (b *RedisBus) Reassert(ctx context.Context, userIDs []int64) error {
	return b.assert(ctx, userIDs)
}

func (b *RedisBus) assert(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := float64(time.Now().UnixMilli())
	members := make([]redis.Z, len(userIDs))
	for i, id := range userIDs {
		members[i] = redis.Z{Score: now, Member: strconv.FormatInt(id, 10)}
	}
	return b.client.ZAdd(ctx, presenceKey, members...).Err()
}

// PruneExpired drops presence entries not re-asserted within the freshness
// window. This is how entries added by crashed processes age out.
func (b *RedisBus) PruneExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-b.presenceWindow).UnixMilli()
	return b.client.ZRemRangeByScore(ctx, presenceKey,
		"-inf", "("+strconv.FormatInt(cutoff, 10),
	).Result()
}

// OnlineUserIDs returns the fleet-wide online set: every user id asserted
// within the freshness window.
func (b *RedisBus) OnlineUserIDs(ctx context.Context) ([]int64, error) {
	cutoff := time.Now().Add(-b.presenceWindow).UnixMilli()
	members, err := b.client.ZRangeByScore(ctx, presenceKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence set: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
