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

func TestPresenceHandleDisabledIsNoop(t *testing.T) {
	h := &PresenceHandler{Bus: bus.New(), State: NewPresenceState()}
	session := NewSession("tenant-a", "realtime:tenant-a:room", false)
	session.PresenceEnabled = false

	res, err := h.Handle(context.Background(), nil, PresencePayload{Event: "track"}, session)
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, res)
}

func TestPresenceHandleUnrecognizedEventIsError(t *testing.T) {
	h := &PresenceHandler{Bus: bus.New(), State: NewPresenceState()}
	session := NewSession("tenant-a", "realtime:tenant-a:room", false)
	session.PresenceEnabled = true

	res, err := h.Handle(context.Background(), nil, PresencePayload{Event: "bogus"}, session)
	require.NoError(t, err)
	assert.Equal(t, ReplyError, res)
}

func TestPresenceTrackThenUntrackRoundTrips(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("realtime:tenant-a:room")
	defer sub.Unsubscribe()

	state := NewPresenceState()
	h := &PresenceHandler{Bus: b, State: state}
	session := NewSession("tenant-a", "realtime:tenant-a:room", false)
	session.PresenceEnabled = true
	session.PresenceKey = "user-1"
	session.Counters = ratecounter.NewSet()

	before := len(state.members)

	_, err := h.Handle(context.Background(), nil, PresencePayload{Event: "track", Meta: map[string]interface{}{"name": "alice"}}, session)
	require.NoError(t, err)
	assert.Len(t, state.members, before+1)
	assert.Equal(t, int64(1), session.Counters.Get(ratecounter.JoinsPerSecond).Total)

	select {
	case msg := <-sub.Messages():
		env, ok := msg.Payload.(PresenceDiffEnvelope)
		require.True(t, ok)
		assert.Equal(t, "presence_diff", env.Event)
		require.Contains(t, env.Payload.Joins, "user-1")
		assert.Equal(t, "alice", env.Payload.Joins["user-1"]["name"])
		assert.Empty(t, env.Payload.Leaves)
	case <-time.After(time.Second):
		t.Fatal("expected a presence_diff broadcast for the track event")
	}

	_, err = h.Handle(context.Background(), nil, PresencePayload{Event: "untrack"}, session)
	require.NoError(t, err)
	assert.Len(t, state.members, before, "untrack with the same presence_key must restore the pre-track state")

	select {
	case msg := <-sub.Messages():
		env, ok := msg.Payload.(PresenceDiffEnvelope)
		require.True(t, ok)
		assert.Equal(t, "presence_diff", env.Event)
		assert.Empty(t, env.Payload.Joins)
		require.Contains(t, env.Payload.Leaves, "user-1")
		assert.Equal(t, "alice", env.Payload.Leaves["user-1"]["name"], "untrack must report the prior metadata")
	case <-time.After(time.Second):
		t.Fatal("expected a presence_diff broadcast for the untrack event")
	}
}

func TestPresenceHandlePrivateWriteFalseBlocks(t *testing.T) {
	b := bus.New()
	state := NewPresenceState()
	h := &PresenceHandler{Bus: b, State: state}
	session := NewSession("tenant-a", "realtime:tenant-a:room", true)
	session.PresenceEnabled = true
	session.PresenceKey = "user-1"
	session.Policies.Presence.Write = authz.False

	res, err := h.Handle(context.Background(), nil, PresencePayload{Event: "track"}, session)
	require.NoError(t, err)
	assert.Equal(t, NoReply, res)
	assert.Len(t, state.members, 0)
}
