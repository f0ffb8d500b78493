package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanoutdb/realtime/internal/authz"
	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/ratecounter"
)

func TestBroadcastHandlePublicAlwaysPublishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("realtime:tenant-a:room")
	defer sub.Unsubscribe()

	h := &BroadcastHandler{Bus: b}
	session := NewSession("tenant-a", "realtime:tenant-a:room", false)
	session.AckBroadcast = true

	res, err := h.Handle(context.Background(), nil, BroadcastPayload{Topic: "room", Event: "ping"}, session)
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, res)

	select {
	case msg := <-sub.Messages():
		env, ok := msg.Payload.(Envelope)
		require.True(t, ok)
		assert.Equal(t, "ping", env.Payload.Event)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast envelope")
	}
}

func TestBroadcastHandlePrivateWriteTruePublishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("realtime:tenant-a:room")
	defer sub.Unsubscribe()

	h := &BroadcastHandler{Bus: b}
	session := NewSession("tenant-a", "realtime:tenant-a:room", true)
	session.Policies.Broadcast.Write = authz.True

	res, err := h.Handle(context.Background(), nil, BroadcastPayload{Topic: "room", Event: "ping"}, session)
	require.NoError(t, err)
	assert.Equal(t, NoReply, res, "AckBroadcast is false by default")

	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast envelope")
	}
}

func TestBroadcastHandlePrivateWriteFalseBlocks(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("realtime:tenant-a:room")
	defer sub.Unsubscribe()

	h := &BroadcastHandler{Bus: b}
	session := NewSession("tenant-a", "realtime:tenant-a:room", true)
	session.Policies.Broadcast.Write = authz.False

	res, err := h.Handle(context.Background(), nil, BroadcastPayload{Topic: "room", Event: "ping"}, session)
	require.NoError(t, err)
	assert.Equal(t, NoReply, res)

	select {
	case <-sub.Messages():
		t.Fatal("write=False must never publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastHandleCreditsEventsCounter(t *testing.T) {
	b := bus.New()
	h := &BroadcastHandler{Bus: b}
	session := NewSession("tenant-a", "realtime:tenant-a:room", false)
	session.Counters = ratecounter.NewSet()

	_, err := h.Handle(context.Background(), nil, BroadcastPayload{Topic: "room", Event: "ping"}, session)
	require.NoError(t, err)

	assert.Equal(t, int64(1), session.Counters.Get(ratecounter.EventsPerSecond).Total)
}

