package push

import "time"

// Message types pushed to clients. Every server->client frame carries one of
// these in its "type" field.
const (
	TypeConnected  = "connected"
	TypeReply      = "reply"
	TypeSubReply   = "sub_reply"
	TypeMention    = "mention"
	TypeNewThread  = "new_thread"
	TypeFollow     = "follow"
	TypeDM         = "dm"
	TypePong       = "pong"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// Message is a single outbound push event. It is a flat JSON object with at
// least a "type" and a "timestamp" field. Messages are treated as immutable
// once constructed: the same Message value may be enqueued on many
// connections, so callers must never mutate one after handing it off.
type Message map[string]any

// NewMessage builds a Message of the given type, stamping it with the current
// UTC time. Payload keys must not collide with "type" or "timestamp"; if they
// do, the reserved fields win.
func NewMessage(msgType string, payload map[string]any) Message {
	m := make(Message, len(payload)+2)
	for k, v := range payload {
		m[k] = v
	}
	m["type"] = msgType
	m["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return m
}

// Type returns the message's "type" field, or "" when absent.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Welcome is the synthetic message enqueued on a freshly registered
// connection.
func Welcome(userID int64, username string) Message {
	return NewMessage(TypeConnected, map[string]any{
		"message": "Welcome, " + username + "!",
		"user_id": userID,
	})
}

// Notification builds a user-targeted notification event (reply, sub_reply,
// mention, follow). ReplyID and content are optional and omitted when zero.
func Notification(msgType string, threadID int64, threadTitle string, fromUserID int64, fromUsername string, replyID int64, content string) Message {
	payload := map[string]any{
		"thread_id":     threadID,
		"thread_title":  threadTitle,
		"from_user_id":  fromUserID,
		"from_username": fromUsername,
	}
	if replyID != 0 {
		payload["reply_id"] = replyID
	}
	if content != "" {
		payload["content"] = content
	}
	return NewMessage(msgType, payload)
}

// ErrorMessage builds an error event sent to a client without closing its
// session.
func ErrorMessage(text string) Message {
	return NewMessage(TypeError, map[string]any{"message": text})
}
