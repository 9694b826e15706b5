package push

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(c *Conn) []Message {
	var msgs []Message
	for {
		select {
		case m := <-c.Messages():
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestRegistryAddEnqueuesWelcome(t *testing.T) {
	r := NewRegistry(false)
	c := NewConn(1, "alice")
	require.Nil(t, r.Add(c))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	require.Equal(t, TypeConnected, msgs[0].Type())
	require.Equal(t, int64(1), msgs[0]["user_id"])
}

func TestRegistrySendToUser(t *testing.T) {
	r := NewRegistry(false)
	a1 := NewConn(1, "alice")
	a2 := NewConn(1, "alice")
	b := NewConn(2, "bob")
	r.Add(a1)
	r.Add(a2)
	r.Add(b)
	drain(a1)
	drain(a2)
	drain(b)

	sent := r.SendToUser(1, NewMessage(TypeMention, map[string]any{"thread_id": 42}))
	require.Equal(t, 2, sent)
	require.Len(t, drain(a1), 1)
	require.Len(t, drain(a2), 1)
	require.Empty(t, drain(b))
}

func TestRegistryBroadcastExcludes(t *testing.T) {
	r := NewRegistry(false)
	a := NewConn(1, "alice")
	b := NewConn(2, "bob")
	r.Add(a)
	r.Add(b)
	drain(a)
	drain(b)

	sent := r.Broadcast(NewMessage(TypeNewThread, nil), 1)
	require.Equal(t, 1, sent)
	require.Empty(t, drain(a))
	require.Len(t, drain(b), 1)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(false)
	a1 := NewConn(1, "alice")
	a2 := NewConn(1, "alice")
	r.Add(a1)
	r.Add(a2)

	require.False(t, r.Remove(a1), "user still has another connection")
	require.True(t, r.Remove(a2), "last connection for the user")

	// Racing error paths can both reach Remove; neither call may corrupt
	// the registry or report last-connection again.
	require.False(t, r.Remove(a2))
	require.False(t, r.Remove(a1))
	require.Equal(t, 0, r.ConnectionCount())
	require.Empty(t, r.OnlineUsers())
}

func TestRegistrySingleConnReplacement(t *testing.T) {
	r := NewRegistry(true)
	first := NewConn(7, "carol")
	require.Nil(t, r.Add(first))

	second := NewConn(7, "carol")
	replaced := r.Add(second)
	require.Same(t, first, replaced)
	require.False(t, first.Alive(), "superseded connection must be non-deliverable")
	require.True(t, second.Alive())

	drain(second)
	require.Equal(t, 1, r.SendToUser(7, NewMessage(TypeReply, nil)), "only the live connection receives")

	// The dead connection lingers until a sweep.
	require.Equal(t, 2, r.ConnectionCount())
	require.Equal(t, 1, r.Sweep())
	require.Equal(t, 1, r.ConnectionCount())
}

func TestRegistryOnlineUsersSkipsRetired(t *testing.T) {
	r := NewRegistry(true)
	first := NewConn(7, "carol")
	r.Add(first)
	r.Add(NewConn(7, "carol"))

	online := r.OnlineUsers()
	require.Equal(t, map[int64]string{7: "carol"}, online)
	require.Equal(t, []int64{7}, r.LocalUserIDs())
	require.True(t, r.IsUserOnline(7))
	require.False(t, r.IsUserOnline(8))
}
