package ratecounter

// QuotaSnapshot merges live sliding averages with a tenant's configured
// limits for an external admission-control layer to consult
// (SPEC_FULL.md §11). This package makes no admission decision itself.
type QuotaSnapshot struct {
	EventsPerSecond   Snapshot
	JoinsPerSecond    Snapshot
	ChannelsPerClient Snapshot
	RequestsPerSecond Snapshot
	MaxEventsPerSecond int
}

// Snapshot returns a QuotaSnapshot for this Set given the tenant's
// configured events/sec limit (0 means unlimited/unset).
func (s *Set) Snapshot(maxEventsPerSecond int) QuotaSnapshot {
	return QuotaSnapshot{
		EventsPerSecond:    s.Get(EventsPerSecond),
		JoinsPerSecond:     s.Get(JoinsPerSecond),
		ChannelsPerClient:  s.Get(ChannelsPerClient),
		RequestsPerSecond:  s.Get(RequestsPerSecond),
		MaxEventsPerSecond: maxEventsPerSecond,
	}
}
