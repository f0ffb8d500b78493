// Package cluster is the seam between the core and the cluster
// messaging/membership substrate, which spec.md §1 treats as an
// opaque external capability. It exists so lookup_or_start_connection
// (spec.md §4.2) and registry conflict resolution (spec.md §4.1) have
// something concrete to call, while letting a real deployment swap in
// gossip membership and gRPC dispatch without touching the core logic
// (SPEC_FULL.md §10).
package cluster

import (
	"context"
	"errors"
	"fmt"
)

// Node is one member of the cluster.
type Node struct {
	ID     string
	Region string
}

// Nodes resolves cluster membership.
type Nodes interface {
	// Self returns the node this process runs on.
	Self() Node
	// List returns the currently reachable cluster nodes, mirroring
	// the source's Node.list() snapshot used by the region-rebalance
	// watchdog (spec.md §4.2).
	List(ctx context.Context) ([]Node, error)
}

// ErrRPCTimeout is returned by RPC.Call when the call does not
// complete before ctx's deadline (spec.md §7 "rpc_error(reason)").
var ErrRPCTimeout = errors.New("rpc_error: timeout")

// RPCError wraps a remote failure reason so callers can distinguish
// categories, per spec.md §4.2 "Timeouts or suspended tenants
// propagate verbatim".
type RPCError struct {
	Reason string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc_error: %s", e.Reason) }

// RPC performs a cross-node procedure call. lookup_or_start_connection
// uses it to start a Connect Supervisor on a tenant's preferred node.
// Registry conflict resolution does not call it: a losing claim is
// stopped through its registry.Process.Stop method.
type RPC interface {
	// Call invokes method on node with args, tagged with tenantID for
	// correlated logging (spec.md §4.2 "must carry a tenant-id tag").
	Call(ctx context.Context, node Node, tenantID, method string, args interface{}) (interface{}, error)
}

// LocalNodes is the single-node default: every lookup resolves to the
// process's own node. Suitable for standalone deployments and tests.
type LocalNodes struct {
	self Node
}

// NewLocalNodes builds a single-node Nodes backed by self.
func NewLocalNodes(self Node) *LocalNodes {
	return &LocalNodes{self: self}
}

func (n *LocalNodes) Self() Node { return n.self }

func (n *LocalNodes) List(ctx context.Context) ([]Node, error) {
	return []Node{n.self}, nil
}

// LocalRPC dispatches Call in-process via a registered method table —
// the loopback used in single-node deployments and the test suite
// (SPEC_FULL.md §10).
type LocalRPC struct {
	handlers map[string]func(ctx context.Context, tenantID string, args interface{}) (interface{}, error)
}

// NewLocalRPC builds an empty in-process RPC dispatcher.
func NewLocalRPC() *LocalRPC {
	return &LocalRPC{handlers: make(map[string]func(context.Context, string, interface{}) (interface{}, error))}
}

// Handle registers fn to serve method.
func (r *LocalRPC) Handle(method string, fn func(ctx context.Context, tenantID string, args interface{}) (interface{}, error)) {
	r.handlers[method] = fn
}

func (r *LocalRPC) Call(ctx context.Context, node Node, tenantID, method string, args interface{}) (interface{}, error) {
	fn, ok := r.handlers[method]
	if !ok {
		return nil, &RPCError{Reason: "unknown_method:" + method}
	}
	type result struct {
		val interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx, tenantID, args)
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ErrRPCTimeout
	case r := <-done:
		return r.val, r.err
	}
}
