package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutdb/realtime/internal/authz"
	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/ratecounter"
	"github.com/fanoutdb/realtime/pkg/logger"
)

// PresencePayload is the inbound presence message PresenceHandler.Handle
// gates (spec.md §4.5 "Recognized events: track, untrack").
type PresencePayload struct {
	Event string // "track" | "untrack"
	Meta  map[string]interface{}
}

// PresenceState is the channel-wide join table, keyed by presence key
// (other_examples/burggraf-sblite__channel.go's PresenceState shape).
type PresenceState struct {
	mu      sync.Mutex
	members map[string]map[string]interface{}
}

// NewPresenceState builds an empty presence table for one channel.
func NewPresenceState() *PresenceState {
	return &PresenceState{members: make(map[string]map[string]interface{})}
}

func (p *PresenceState) track(key string, meta map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[key] = meta
}

// untrack removes key and returns the metadata it held, so the caller
// can report it as the presence_diff leave entry.
func (p *PresenceState) untrack(key string) (meta map[string]interface{}, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	meta, ok = p.members[key]
	delete(p.members, key)
	return meta, ok
}

// PresenceHandler implements spec.md §4.5's PresenceHandler.handle.
type PresenceHandler struct {
	Engine *authz.Engine
	Bus    *bus.Bus
	State  *PresenceState
	Logger *logger.Logger
}

// Handle gates and applies a track/untrack event, publishing a
// presence_diff broadcast on success (spec.md §4.5). A no-op, OK reply
// is returned whenever session.PresenceEnabled is false.
func (h *PresenceHandler) Handle(ctx context.Context, pool *pgxpool.Pool, payload PresencePayload, session *Session) (Result, error) {
	if !session.PresenceEnabled {
		return ReplyOK, nil
	}

	switch payload.Event {
	case "track", "untrack":
		// fall through to gating below
	default:
		if h.Logger != nil {
			h.Logger.Warnf("UnknownPresenceEvent: tenant %s topic %s event %s", session.TenantID, session.TenantTopic, payload.Event)
		}
		return ReplyError, nil
	}

	allowed, err := h.gate(ctx, pool, session)
	if err != nil {
		return NoReply, fmt.Errorf("channel: presence write probe: %w", err)
	}
	if !allowed {
		return NoReply, nil
	}

	switch payload.Event {
	case "track":
		h.State.track(session.PresenceKey, payload.Meta)
		if session.Counters != nil {
			session.Counters.Add(ratecounter.JoinsPerSecond, 1)
		}
		h.publishDiff(session,
			map[string]map[string]interface{}{session.PresenceKey: payload.Meta},
			map[string]map[string]interface{}{})
	case "untrack":
		priorMeta, _ := h.State.untrack(session.PresenceKey)
		h.publishDiff(session,
			map[string]map[string]interface{}{},
			map[string]map[string]interface{}{session.PresenceKey: priorMeta})
	}

	return h.ackResult(session), nil
}

// gate mirrors broadcast write gating: public always allowed, private
// true/false short-circuit, unknown triggers exactly one probe.
func (h *PresenceHandler) gate(ctx context.Context, pool *pgxpool.Pool, session *Session) (bool, error) {
	if !session.Private {
		return true, nil
	}

	switch session.Policies.Presence.Write {
	case authz.True:
		return true, nil
	case authz.False:
		return false, nil
	default:
		probed, err := h.Engine.Probe(ctx, pool, session.AuthzCtx, authz.Write)
		session.Policies.MergeFrom(probed, authz.Write)
		if err != nil {
			return false, err
		}
		return session.Policies.Presence.Write == authz.True, nil
	}
}

// PresenceDiffEnvelope is the wire shape spec.md §6 mandates for
// presence changes: {"event":"presence_diff","payload":{"joins":{...},"leaves":{...}}}.
type PresenceDiffEnvelope struct {
	Event   string              `json:"event"`
	Payload PresenceDiffPayload `json:"payload"`
}

// PresenceDiffPayload carries the joined/left presence_key -> meta
// entries for one presence_diff broadcast.
type PresenceDiffPayload struct {
	Joins  map[string]map[string]interface{} `json:"joins"`
	Leaves map[string]map[string]interface{} `json:"leaves"`
}

func (h *PresenceHandler) publishDiff(session *Session, joins, leaves map[string]map[string]interface{}) {
	envelope := PresenceDiffEnvelope{
		Event: "presence_diff",
		Payload: PresenceDiffPayload{
			Joins:  joins,
			Leaves: leaves,
		},
	}
	h.Bus.Publish(session.TenantTopic, envelope)
	if session.Counters != nil {
		session.Counters.Add(ratecounter.EventsPerSecond, 1)
	}
}

func (h *PresenceHandler) ackResult(session *Session) Result {
	if session.AckBroadcast {
		return ReplyOK
	}
	return NoReply
}
