// Package bus implements the topic-addressed local+cluster pub/sub
// described in spec.md §4.1/§2, including the fastlane short-circuit
// that delivers pre-encoded frames straight to a subscriber's sink.
package bus

import "sync"

// SubscriberSink is the opaque per-subscriber delivery target the
// fastlane path writes to directly, bypassing re-encoding per
// subscriber (spec.md §9 "Fastlane pub/sub"). A websocket session's
// outbound write queue implements this in the full system; it lives
// outside this core (§1 "HTTP/WebSocket framing... out of scope").
type SubscriberSink interface {
	// PushFrame delivers a pre-encoded frame. Implementations must not
	// block the bus — they should queue internally.
	PushFrame(frame []byte)
}

// Message is a plain (unencoded) pub/sub message delivered to
// subscribers that did not register a fastlane sink.
type Message struct {
	Topic   string
	Payload interface{}
}

type subscriber struct {
	id   uint64
	ch   chan Message
	sink SubscriberSink // nil unless the subscriber registered a fastlane sink
}

// Bus is a local, in-process topic multiplexer. A production
// deployment composes it with a cluster transport (e.g. the teacher's
// gRPC mesh in services/core/internal/mesh) to fan out across nodes;
// that composition is the opaque "cluster messaging bus" spec.md §1
// treats as an external collaborator — Bus itself only needs to be
// correct for the node it runs on.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[uint64]*subscriber)}
}

// Subscription is returned by Subscribe/SubscribeFastlane; callers
// must call Unsubscribe when done.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	ch    chan Message
}

// Messages returns the channel of plain messages for this subscription
// (nil if the subscription was created with a fastlane sink only).
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Unsubscribe removes this subscription from its topic.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs, ok := s.bus.topics[s.topic]
	if !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(s.bus.topics, s.topic)
	}
}

// Subscribe registers a plain-message subscriber on topic. The
// returned Subscription's Messages channel receives every Publish
// call on that topic until Unsubscribe is called.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Message, 256)

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][id] = &subscriber{id: id, ch: ch}

	return &Subscription{bus: b, topic: topic, id: id, ch: ch}
}

// SubscribeFastlane registers sink as the fastlane delivery target for
// topic: pre-encoded frames published via PublishFrame go straight to
// sink.PushFrame without ever touching the Message channel.
func (b *Bus) SubscribeFastlane(topic string, sink SubscriberSink) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][id] = &subscriber{id: id, sink: sink}

	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers msg to every plain-message subscriber of topic.
// Fastlane-only subscribers (no Messages channel) are skipped here —
// producers that have a pre-encoded frame should call PublishFrame
// instead so fastlane subscribers get it without a decode/re-encode
// round trip.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := b.topics[topic]
	snapshot := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range snapshot {
		if s.ch == nil {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// PublishFrame delivers a pre-encoded frame to every fastlane
// subscriber of topic, and the same frame as an opaque payload to
// plain subscribers so both paths observe the same publish.
func (b *Bus) PublishFrame(topic string, frame []byte) {
	b.mu.RLock()
	subs := b.topics[topic]
	snapshot := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.sink != nil {
			s.sink.PushFrame(frame)
			continue
		}
		if s.ch == nil {
			continue
		}
		select {
		case s.ch <- Message{Topic: topic, Payload: frame}:
		default:
		}
	}
}

// BroadcastOnce publishes payload to topic and immediately closes no
// subscriptions — it is a convenience for one-shot local events like
// the registry's "ready" signal (spec.md §4.1).
func (b *Bus) BroadcastOnce(topic string, payload interface{}) {
	b.Publish(topic, payload)
}
