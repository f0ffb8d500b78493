// Package registry implements the Cluster Registry (spec.md §4.1): a
// cluster-wide name registry over two scopes, Connect (per tenant) and
// RegionNodes (node membership by region tag), with split-brain-style
// conflict resolution grounded on the teacher's
// services/core/internal/mesh/consensus.go checker.
package registry

import (
	"context"
	"time"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/cluster"
	"github.com/fanoutdb/realtime/pkg/logger"
)

// Scope is one of the two registry namespaces spec.md §4.1 names.
type Scope string

const (
	ScopeConnect     Scope = "connect"
	ScopeRegionNodes Scope = "region_nodes"
)

// Process is a claimant that the registry can stop when it loses a
// conflict (spec.md §4.1 "the losing pid is stopped with a graceful
// shutdown").
type Process interface {
	// ID uniquely identifies this claimant within its scope.
	ID() string
	// Node is the cluster node this claimant runs on, used to compute
	// which claimant belongs to the winning platform_region.
	Node() cluster.Node
	// Stop requests a graceful shutdown, honoring ctx's deadline.
	Stop(ctx context.Context) error
}

// Meta is the claim metadata. Region drives conflict resolution; Conn
// is an opaque live handle (e.g. a DB pool) whose presence triggers the
// ready broadcast.
type Meta struct {
	Region string
	Conn   interface{}
}

// ReadyPayload is the message published on connect:<tenant_id> when a
// Connect claim's metadata starts carrying a live DB handle (spec.md
// §4.1 "Ready broadcast").
type ReadyPayload struct {
	Conn interface{}
}

// claim is one registered name binding.
type claim struct {
	proc      Process
	meta      Meta
	timestamp time.Time
}

// gracePeriod bounds how long a losing claimant gets to shut down
// before the registry considers it resolved (spec.md §4.1 "up to 30s").
const gracePeriod = 30 * time.Second

// Registry is the cluster-wide name registry for one node's view.
// Conflict resolution assumes register calls for the same name that
// race are observed here (single-node deployments, and a node's own
// half of a real cluster registry's replicated view).
type Registry struct {
	nodes  cluster.Nodes
	bus    *bus.Bus
	logger *logger.Logger

	mu      chan struct{} // binary semaphore; guards entries
	entries map[Scope]map[string]*claim
}

// New builds a Registry that resolves platform_region membership via
// nodes and broadcasts ready/<scope>_down events on b.
func New(nodes cluster.Nodes, b *bus.Bus, log *logger.Logger) *Registry {
	r := &Registry{
		nodes:   nodes,
		bus:     b,
		logger:  log,
		mu:      make(chan struct{}, 1),
		entries: make(map[Scope]map[string]*claim),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

func (r *Registry) scopeMap(scope Scope) map[string]*claim {
	m, ok := r.entries[scope]
	if !ok {
		m = make(map[string]*claim)
		r.entries[scope] = m
	}
	return m
}

// Register binds name to proc within scope. If name is already taken,
// conflict resolution runs: the loser is stopped and Register returns
// the winner's error status — ErrLost if proc lost, nil if proc won
// (including the degenerate case where proc was already the sole
// claimant).
func (r *Registry) Register(ctx context.Context, scope Scope, name string, proc Process, meta Meta) error {
	r.lock()
	m := r.scopeMap(scope)
	existing, taken := m[name]
	now := time.Now()

	if !taken {
		m[name] = &claim{proc: proc, meta: meta, timestamp: now}
		r.unlock()
		return nil
	}
	r.unlock()

	winner, loser := r.resolve(ctx, existing, &claim{proc: proc, meta: meta, timestamp: now})

	r.lock()
	m = r.scopeMap(scope)
	m[name] = winner
	r.unlock()

	r.stopLoser(ctx, scope, loser)

	if loser.proc.ID() == proc.ID() {
		return ErrLost
	}
	return nil
}

// ErrLost is returned by Register when proc lost conflict resolution.
var ErrLost = lostError{}

type lostError struct{}

func (lostError) Error() string { return "registry: claim lost conflict resolution" }

// resolve applies spec.md §4.1's conflict resolution rule and returns
// (winner, loser).
func (r *Registry) resolve(ctx context.Context, a, b *claim) (winner, loser *claim) {
	nodes, err := r.nodes.List(ctx)
	if err != nil {
		r.logger.Warnf("registry: conflict resolution could not list nodes, falling back to timestamp: %v", err)
		return r.resolveByTimestamp(a, b)
	}

	aInRegion := nodeInRegion(nodes, a.proc.Node(), a.meta.Region)
	bInRegion := nodeInRegion(nodes, b.proc.Node(), b.meta.Region)

	switch {
	case aInRegion && !bInRegion:
		return a, b
	case bInRegion && !aInRegion:
		return b, a
	default:
		// Neither or both match platform_region: smaller timestamp wins.
		return r.resolveByTimestamp(a, b)
	}
}

func (r *Registry) resolveByTimestamp(a, b *claim) (winner, loser *claim) {
	if a.timestamp.Before(b.timestamp) {
		return a, b
	}
	return b, a
}

func nodeInRegion(nodes []cluster.Node, target cluster.Node, region string) bool {
	for _, n := range nodes {
		if n.ID == target.ID && n.Region == region {
			return true
		}
	}
	return false
}

func (r *Registry) stopLoser(ctx context.Context, scope Scope, loser *claim) {
	stopCtx, cancel := context.WithTimeout(ctx, gracePeriod)
	defer cancel()

	if err := loser.proc.Stop(stopCtx); err != nil {
		r.logger.Warnf("registry: graceful stop of losing claim %s in scope %s failed: %v", loser.proc.ID(), scope, err)
	}
	r.bus.Publish(string(scope)+"_down", []byte(loser.proc.ID()))
}

// Lookup returns the current claim for name in scope, if any.
func (r *Registry) Lookup(scope Scope, name string) (Process, Meta, bool) {
	r.lock()
	defer r.unlock()
	c, ok := r.scopeMap(scope)[name]
	if !ok {
		return nil, Meta{}, false
	}
	return c.proc, c.meta, true
}

// Update replaces name's metadata and emits process_updated, firing
// the ready broadcast on connect:<name> when the new metadata carries
// a live Conn (spec.md §4.1 "Ready broadcast").
func (r *Registry) Update(scope Scope, name string, meta Meta) {
	r.lock()
	m := r.scopeMap(scope)
	c, ok := m[name]
	if !ok {
		r.unlock()
		return
	}
	c.meta = meta
	r.unlock()

	r.bus.Publish("process_updated:"+string(scope), []byte(name))

	if scope == ScopeConnect && meta.Conn != nil {
		r.bus.Publish("connect:"+name, ReadyPayload{Conn: meta.Conn})
	}
}

// Members returns the ids of claimants within scope whose metadata
// Region equals tag.
func (r *Registry) Members(scope Scope, tag string) []string {
	r.lock()
	defer r.unlock()
	m := r.scopeMap(scope)
	out := make([]string, 0, len(m))
	for name, c := range m {
		if c.meta.Region == tag {
			out = append(out, name)
		}
	}
	return out
}

// Unregister removes name from scope without conflict resolution,
// used when a claimant shuts down on its own (not as a conflict loser).
func (r *Registry) Unregister(scope Scope, name string) {
	r.lock()
	defer r.unlock()
	delete(r.scopeMap(scope), name)
}
