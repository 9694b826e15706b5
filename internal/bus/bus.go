// Package bus relays push events and presence state across server processes
// through Redis. Without it (nil bus), delivery degrades to local-only,
// which is correct for a single-process deployment.
package bus

import (
	"context"

	"github.com/forumlab/pushgate/internal/push"
)

const (
	// userChannelPrefix keys per-user channels: push:user:{id}.
	userChannelPrefix = "push:user:"

	// broadcastChannel carries fleet-wide broadcasts.
	broadcastChannel = "push:broadcast"

	// presenceKey is the ZSET of online user ids, scored by the unix time
	// of their last assertion.
	presenceKey = "push:online"
)

const (
	TargetUser      = "user"
	TargetBroadcast = "broadcast"
)

// Envelope wraps an outbound message with routing metadata. The transport
// name routes the envelope back to the manager that published it, on every
// process.
type Envelope struct {
	Target        string       `json:"target"`
	Transport     string       `json:"transport"`
	UserID        int64        `json:"user_id,omitempty"`
	ExcludeUserID int64        `json:"exclude_user_id,omitempty"`
	Message       push.Message `json:"message"`
}

// PubSub is what transport managers publish through.
type PubSub interface {
	PublishToUser(ctx context.Context, transport string, userID int64, msg push.Message) error
	PublishBroadcast(ctx context.Context, transport string, msg push.Message, excludeUserID int64) error
}

// LocalDelivery is the per-transport sink the subscriber loop feeds decoded
// envelopes into. It must only touch in-process connections; publishing
// again here would loop.
type LocalDelivery interface {
	SendToLocalUser(userID int64, msg push.Message) int
	BroadcastLocal(msg push.Message, excludeUserID int64) int
}
