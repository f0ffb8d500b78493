package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/cluster"
	"github.com/fanoutdb/realtime/pkg/logger"
)

type fakeProcess struct {
	id      string
	node    cluster.Node
	stopped int32
}

func (p *fakeProcess) ID() string             { return p.id }
func (p *fakeProcess) Node() cluster.Node      { return p.node }
func (p *fakeProcess) Stop(ctx context.Context) error {
	atomic.StoreInt32(&p.stopped, 1)
	return nil
}
func (p *fakeProcess) wasStopped() bool { return atomic.LoadInt32(&p.stopped) == 1 }

func newTestRegistry(nodes []cluster.Node) (*Registry, *bus.Bus) {
	b := bus.New()
	reg := New(fixedNodes{list: nodes}, b, logger.New("test-registry"))
	return reg, b
}

// fixedNodes is a cluster.Nodes returning a fixed membership list,
// letting tests exercise conflict resolution across more than one
// region without a real cluster.
type fixedNodes struct {
	list []cluster.Node
}

func (f fixedNodes) Self() cluster.Node                           { return f.list[0] }
func (f fixedNodes) List(ctx context.Context) ([]cluster.Node, error) { return f.list, nil }

func TestRegisterWithoutConflictSucceeds(t *testing.T) {
	reg, _ := newTestRegistry([]cluster.Node{{ID: "n1", Region: "us-east"}})
	p := &fakeProcess{id: "tenant-a", node: cluster.Node{ID: "n1", Region: "us-east"}}

	err := reg.Register(context.Background(), ScopeConnect, "tenant-a", p, Meta{Region: "us-east"})
	require.NoError(t, err)

	proc, meta, ok := reg.Lookup(ScopeConnect, "tenant-a")
	require.True(t, ok)
	assert.Equal(t, p, proc)
	assert.Equal(t, "us-east", meta.Region)
}

func TestRegisterConflictResolvesByRegionMembership(t *testing.T) {
	nodes := []cluster.Node{
		{ID: "n1", Region: "us-east"},
		{ID: "n2", Region: "us-west"},
	}
	reg, _ := newTestRegistry(nodes)

	inRegion := &fakeProcess{id: "winner", node: nodes[0]}
	outOfRegion := &fakeProcess{id: "loser", node: cluster.Node{ID: "ghost", Region: "eu-west"}}

	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "tenant-a", outOfRegion, Meta{Region: "eu-west"}))

	err := reg.Register(context.Background(), ScopeConnect, "tenant-a", inRegion, Meta{Region: "us-east"})
	require.NoError(t, err, "the claimant whose node is actually in its claimed region should win")

	proc, _, ok := reg.Lookup(ScopeConnect, "tenant-a")
	require.True(t, ok)
	assert.Equal(t, inRegion, proc)
	assert.True(t, outOfRegion.wasStopped(), "the losing claim must be stopped")
}

func TestRegisterConflictFallsBackToTimestamp(t *testing.T) {
	nodes := []cluster.Node{{ID: "n1", Region: "us-east"}}
	reg, _ := newTestRegistry(nodes)

	first := &fakeProcess{id: "first", node: nodes[0]}
	second := &fakeProcess{id: "second", node: nodes[0]}

	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "tenant-a", first, Meta{Region: "us-east"}))
	time.Sleep(time.Millisecond)
	err := reg.Register(context.Background(), ScopeConnect, "tenant-a", second, Meta{Region: "us-east"})

	require.ErrorIs(t, err, ErrLost, "the later claim should lose when both are equally in-region")
	assert.True(t, second.wasStopped())
	assert.False(t, first.wasStopped())
}

func TestUpdateFiresReadyBroadcastWhenConnSet(t *testing.T) {
	reg, b := newTestRegistry([]cluster.Node{{ID: "n1", Region: "us-east"}})
	p := &fakeProcess{id: "tenant-a", node: cluster.Node{ID: "n1", Region: "us-east"}}
	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "tenant-a", p, Meta{Region: "us-east"}))

	sub := b.Subscribe("connect:tenant-a")
	defer sub.Unsubscribe()

	reg.Update(ScopeConnect, "tenant-a", Meta{Region: "us-east", Conn: "live-handle"})

	select {
	case msg := <-sub.Messages():
		ready, ok := msg.Payload.(ReadyPayload)
		require.True(t, ok)
		assert.Equal(t, "live-handle", ready.Conn)
	case <-time.After(time.Second):
		t.Fatal("expected a ready broadcast")
	}
}

func TestUpdateWithoutConnDoesNotFireReady(t *testing.T) {
	reg, b := newTestRegistry([]cluster.Node{{ID: "n1", Region: "us-east"}})
	p := &fakeProcess{id: "tenant-a", node: cluster.Node{ID: "n1", Region: "us-east"}}
	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "tenant-a", p, Meta{Region: "us-east"}))

	sub := b.Subscribe("connect:tenant-a")
	defer sub.Unsubscribe()

	reg.Update(ScopeConnect, "tenant-a", Meta{Region: "us-east"})

	select {
	case <-sub.Messages():
		t.Fatal("no Conn set, ready should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMembersFiltersByRegionTag(t *testing.T) {
	reg, _ := newTestRegistry([]cluster.Node{{ID: "n1", Region: "us-east"}})
	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "a", &fakeProcess{id: "a", node: cluster.Node{ID: "n1", Region: "us-east"}}, Meta{Region: "us-east"}))
	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "b", &fakeProcess{id: "b", node: cluster.Node{ID: "n1", Region: "us-east"}}, Meta{Region: "eu-west"}))

	members := reg.Members(ScopeConnect, "us-east")
	assert.ElementsMatch(t, []string{"a"}, members)
}

func TestUnregisterRemovesWithoutConflictResolution(t *testing.T) {
	reg, _ := newTestRegistry([]cluster.Node{{ID: "n1", Region: "us-east"}})
	p := &fakeProcess{id: "tenant-a", node: cluster.Node{ID: "n1", Region: "us-east"}}
	require.NoError(t, reg.Register(context.Background(), ScopeConnect, "tenant-a", p, Meta{Region: "us-east"}))

	reg.Unregister(ScopeConnect, "tenant-a")

	_, _, ok := reg.Lookup(ScopeConnect, "tenant-a")
	assert.False(t, ok)
	assert.False(t, p.wasStopped(), "Unregister must not invoke Stop")
}
