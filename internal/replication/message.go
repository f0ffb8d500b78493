package replication

import "time"

// Row is one decoded INSERT into the tenant's message table (spec.md
// §3 "Message").
type Row struct {
	ID          interface{}
	Topic       string
	Private     bool
	Event       *string
	Extension   string
	Payload     map[string]interface{}
	InsertedAt  time.Time
	CommittedAt time.Time
}

// isBroadcastable reports whether Row should fan out, per spec.md §3's
// invariant: non-null event and extension="broadcast".
func (r Row) isBroadcastable() bool {
	return r.Event != nil && r.Extension == "broadcast"
}

// mergeID returns payload with "id" set from id, but never overriding
// an existing key (spec.md §4.3 step 2 "id added if absent; never
// overridden").
func mergeID(payload map[string]interface{}, id interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, exists := out["id"]; !exists {
		out["id"] = id
	}
	return out
}

// Envelope is the Broadcast envelope constructed for every
// broadcastable row (spec.md §4.3 step 2).
type Envelope struct {
	Event string                 `json:"event"`
	Topic string                 `json:"topic"`
	Ref   interface{}            `json:"ref"`
	Payload EnvelopePayload      `json:"payload"`
}

// EnvelopePayload is the inner "payload" object of Envelope.
type EnvelopePayload struct {
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// buildEnvelope composes the Broadcast envelope for row, per spec.md
// §4.3 step 2.
func buildEnvelope(row Row) Envelope {
	event := ""
	if row.Event != nil {
		event = *row.Event
	}
	return Envelope{
		Event: "broadcast",
		Topic: row.Topic,
		Ref:   nil,
		Payload: EnvelopePayload{
			Type:    "broadcast",
			Event:   event,
			Payload: mergeID(row.Payload, row.ID),
		},
	}
}
