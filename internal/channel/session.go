// Package channel implements the Broadcast and Presence channel
// handlers (spec.md §4.5), grounded on the subscriber/presence shape
// of other_examples/burggraf-sblite__channel.go, adapted so capability
// state lives on the Session rather than the channel (spec.md §3:
// Policies are part of the Session, not a channel-wide structure).
package channel

import (
	"github.com/google/uuid"

	"github.com/fanoutdb/realtime/internal/authz"
	"github.com/fanoutdb/realtime/internal/ratecounter"
)

// Session is the per-socket, per-topic state spec.md §3 calls "Session
// (socket assigns)".
type Session struct {
	ID              string // correlation id for logging, assigned by NewSession
	TenantID        string
	TenantTopic     string
	Private         bool
	SelfBroadcast   bool
	AckBroadcast    bool
	PresenceKey     string
	PresenceEnabled bool

	Policies authz.Policies
	AuthzCtx authz.Context

	Counters *ratecounter.Set
}

// NewSession builds a Session with a fresh correlation id, mirroring
// the teacher's practice of tagging every long-lived unit of work
// (service_manager.go's instance ids) with a uuid for log correlation.
func NewSession(tenantID, tenantTopic string, private bool) *Session {
	return &Session{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		TenantTopic: tenantTopic,
		Private:     private,
	}
}

// Result is the outcome a handler returns to its caller — the
// websocket framing layer outside this core decides how to render it
// on the wire.
type Result int

const (
	NoReply Result = iota
	ReplyOK
	ReplyError
)
