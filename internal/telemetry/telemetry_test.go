package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanoutdb/realtime/internal/authz"
)

func TestEmitFansOutToSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Emit(Event{Name: BroadcastFromDatabase, TenantID: "tenant-a"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, BroadcastFromDatabase, ev.Name)
		assert.Equal(t, "tenant-a", ev.TenantID)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()

	b.Emit(Event{Name: BroadcastFromDatabase})

	select {
	case <-sub.Events():
		t.Fatal("unsubscribed subscriber should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitBroadcastCarriesLatencyFields(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.EmitBroadcast("tenant-a", 2*time.Second, 3*time.Second)

	ev := <-sub.Events()
	require.Equal(t, BroadcastFromDatabase, ev.Name)
	assert.InDelta(t, 2.0, ev.Fields["latency_committed_at"], 0.001)
	assert.InDelta(t, 3.0, ev.Fields["latency_inserted_at"], 0.001)
}

func TestEmitProbeMapsDirectionToEventName(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.EmitProbe(authz.ProbeEvent{TenantID: "tenant-a"}, authz.Write)
	ev := <-sub.Events()
	assert.Equal(t, WriteAuthorizationCheck, ev.Name)

	b.EmitProbe(authz.ProbeEvent{TenantID: "tenant-a"}, authz.Read)
	ev = <-sub.Events()
	assert.Equal(t, ReadAuthorizationCheck, ev.Name)
}
