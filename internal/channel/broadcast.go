package channel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutdb/realtime/internal/authz"
	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/ratecounter"
)

// BroadcastPayload is the inbound payload BroadcastHandler.Handle
// gates and, on success, fans out.
type BroadcastPayload struct {
	Topic   string
	Event   string
	Payload map[string]interface{}
}

// Envelope mirrors the Broadcast envelope shape of spec.md §4.3 step
// 2, reused here so sessions and the Replication Ingester publish the
// identical wire shape.
type Envelope struct {
	Event   string                 `json:"event"`
	Topic   string                 `json:"topic"`
	Ref     interface{}            `json:"ref"`
	Payload EnvelopeInner          `json:"payload"`
}

// EnvelopeInner is the inner "payload" object of Envelope.
type EnvelopeInner struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// BroadcastHandler implements spec.md §4.5's BroadcastHandler.handle.
type BroadcastHandler struct {
	Engine *authz.Engine
	Bus    *bus.Bus
}

// Handle gates payload against session's current write capability,
// probing once when unknown, then publishes on success. Every
// successful publish credits the tenant's events_per_second counter
// (spec.md §4.5 "Rate limiting").
func (h *BroadcastHandler) Handle(ctx context.Context, pool *pgxpool.Pool, payload BroadcastPayload, session *Session) (Result, error) {
	if !session.Private {
		h.publish(session, payload)
		return h.ackResult(session), nil
	}

	switch session.Policies.Broadcast.Write {
	case authz.True:
		h.publish(session, payload)
		return h.ackResult(session), nil

	case authz.False:
		return NoReply, nil

	default: // authz.Unknown
		probed, err := h.Engine.Probe(ctx, pool, session.AuthzCtx, authz.Write)
		if err != nil {
			session.Policies.MergeFrom(probed, authz.Write)
			return NoReply, fmt.Errorf("channel: broadcast write probe: %w", err)
		}
		session.Policies.MergeFrom(probed, authz.Write)

		// Retry against the now-resolved capability.
		switch session.Policies.Broadcast.Write {
		case authz.True:
			h.publish(session, payload)
			return h.ackResult(session), nil
		default:
			return NoReply, nil
		}
	}
}

func (h *BroadcastHandler) publish(session *Session, payload BroadcastPayload) {
	envelope := Envelope{
		Event: "broadcast",
		Topic: payload.Topic,
		Ref:   nil,
		Payload: EnvelopeInner{
			Type:    "broadcast",
			Event:   payload.Event,
			Payload: payload.Payload,
		},
	}
	h.Bus.Publish(session.TenantTopic, envelope)
	if session.Counters != nil {
		session.Counters.Add(ratecounter.EventsPerSecond, 1)
	}
}

func (h *BroadcastHandler) ackResult(session *Session) Result {
	if session.AckBroadcast {
		return ReplyOK
	}
	return NoReply
}
