// Package connect implements the Connect Supervisor (spec.md §4.2):
// the per-tenant state machine that owns a tenant's DB pool and
// Replication Ingester, runs the startup pipeline, and answers
// lookup_or_start_connection. Grounded on the teacher's
// cmd/supervisor/internal/manager/service_manager.go registration and
// lifecycle bookkeeping, and the ctx/cancel/ticker monitor-loop shape
// of services/anchor/internal/watcher/resource_status_monitor.go,
// applied per tenant instead of per service instance.
package connect

// State is one of the Connect Supervisor's five lifecycle states
// (spec.md §4.2 "Initializing -> Migrating -> Replicating -> Serving
// -> ShuttingDown").
type State int

const (
	StateInitializing State = iota
	StateMigrating
	StateReplicating
	StateServing
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateMigrating:
		return "migrating"
	case StateReplicating:
		return "replicating"
	case StateServing:
		return "serving"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
