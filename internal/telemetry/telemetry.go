// Package telemetry is the typed event bus for the three named
// telemetry events of spec.md §6 (broadcast_from_database,
// read_authorization_check, write_authorization_check), grounded on
// the teacher's MeshEventManager publish/subscribe shape
// (services/core/internal/mesh/event_manager.go) but scaled down to
// what this core needs: no persistence, no sequence numbers, just
// fan-out to whichever collaborators (metrics, logging, tests) want to
// observe these events.
package telemetry

import (
	"sync"
	"time"

	"github.com/fanoutdb/realtime/internal/authz"
)

// Name identifies one of the three events spec.md §6 names.
type Name string

const (
	BroadcastFromDatabase   Name = "broadcast_from_database"
	ReadAuthorizationCheck  Name = "read_authorization_check"
	WriteAuthorizationCheck Name = "write_authorization_check"
)

// Event is one observed occurrence of a named telemetry event.
type Event struct {
	Name      Name
	TenantID  string
	Fields    map[string]interface{}
	Timestamp time.Time
}

// Bus fans Emit calls out to every current Subscribe-r. Subscribers
// that fall behind drop events rather than block the emitter — the
// same non-blocking discipline as internal/bus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

// New builds an empty telemetry Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscription is returned by Subscribe; callers must call Unsubscribe.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan Event
}

// Events returns the channel of telemetry events for this subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes this subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, 256)
	b.subs[id] = ch
	return &Subscription{bus: b, id: id, ch: ch}
}

// Emit publishes e to every current subscriber.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// EmitBroadcast records a broadcast_from_database event (spec.md §4.3
// step 4): latencyCommitted is now minus the transaction's commit
// timestamp, latencyInserted is now minus the row's inserted_at.
func (b *Bus) EmitBroadcast(tenantID string, latencyCommitted, latencyInserted time.Duration) {
	b.Emit(Event{
		Name:     BroadcastFromDatabase,
		TenantID: tenantID,
		Fields: map[string]interface{}{
			"latency_committed_at": latencyCommitted.Seconds(),
			"latency_inserted_at":  latencyInserted.Seconds(),
		},
		Timestamp: time.Now(),
	})
}

// EmitProbe adapts an authz.ProbeEvent into the matching
// read_authorization_check / write_authorization_check telemetry event
// (spec.md §6).
func (b *Bus) EmitProbe(ev authz.ProbeEvent, dir authz.Direction) {
	name := ReadAuthorizationCheck
	if dir == authz.Write {
		name = WriteAuthorizationCheck
	}
	b.Emit(Event{
		Name:     name,
		TenantID: ev.TenantID,
		Fields: map[string]interface{}{
			"name":        ev.Name,
			"latency_sec": ev.Latency.Seconds(),
		},
		Timestamp: time.Now(),
	})
}
