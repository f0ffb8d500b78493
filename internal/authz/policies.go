package authz

// BroadcastPolicies carries the broadcast read/write capability for a
// session, per spec.md §3.
type BroadcastPolicies struct {
	Read  Tri
	Write Tri
}

// PresencePolicies mirrors BroadcastPolicies for presence capabilities.
// Per SPEC_FULL.md §9 Open Question (b), Write commonly stays Unknown
// when only a read probe ran — gating code must treat Unknown as
// "needs a probe", never as False.
type PresencePolicies struct {
	Read  Tri
	Write Tri
}

// Policies is the capability record attached to a Session (spec.md §3).
type Policies struct {
	Broadcast BroadcastPolicies
	Presence  PresencePolicies
}

// Direction selects which half of a probe ran, per spec.md §4.4.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// MergeFrom overlays a freshly-probed Policies onto p, touching only
// the fields the probed direction actually set and leaving the
// opposite direction untouched (spec.md §4.4 "Merging"). Tri.Set
// enforces the once-boolean invariant per field.
func (p *Policies) MergeFrom(probed Policies, dir Direction) {
	switch dir {
	case Read:
		p.Broadcast.Read = p.Broadcast.Read.Set(probed.Broadcast.Read)
		p.Presence.Read = p.Presence.Read.Set(probed.Presence.Read)
	case Write:
		p.Broadcast.Write = p.Broadcast.Write.Set(probed.Broadcast.Write)
		p.Presence.Write = p.Presence.Write.Set(probed.Presence.Write)
	}
}

// LatchFalse forces both capabilities for dir to False — used when a
// probe query itself raises (spec.md §4.4 "A probe query raises").
// Unlike MergeFrom this does bypass the once-boolean invariant in the
// direction of True->False is never attempted: a broken-RLS failure
// can only occur before a direction has been latched True (callers
// only invoke LatchFalse from the probe-error path, which short-
// circuits before any True is ever merged in).
func (p *Policies) LatchFalse(dir Direction) {
	switch dir {
	case Read:
		p.Broadcast.Read = False
		p.Presence.Read = False
	case Write:
		p.Broadcast.Write = False
		p.Presence.Write = False
	}
}

// PublicPolicies returns the fixed capability set for a non-private
// channel: writes always allowed without a DB call, reads unused by
// any handler today (spec.md §4.4 "Public-vs-private semantics").
func PublicPolicies() Policies {
	return Policies{
		Broadcast: BroadcastPolicies{Read: Unknown, Write: True},
		Presence:  PresencePolicies{Read: Unknown, Write: True},
	}
}

// Context is the immutable per-session AuthorizationContext (spec.md §3),
// passed by value to every probe.
type Context struct {
	TenantID string
	Topic    string
	JWT      string
	Claims   map[string]interface{}
	Headers  map[string]string
	Role     string
}
