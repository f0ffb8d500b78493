package connect

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutdb/realtime/internal/cluster"
	"github.com/fanoutdb/realtime/internal/registry"
	"github.com/fanoutdb/realtime/internal/tenant"
)

// LookupOrStartConnection implements spec.md §4.2's
// lookup_or_start_connection: return a live pool handle, wait for one
// to become ready, or dispatch a remote start and propagate its
// result verbatim.
func (m *Manager) LookupOrStartConnection(ctx context.Context, tenantExternalID string) (*pgxpool.Pool, error) {
	proc, meta, ok := m.Registry.Lookup(registry.ScopeConnect, tenantExternalID)
	if ok {
		if meta.Conn != nil {
			pool, _ := meta.Conn.(*pgxpool.Pool)
			return pool, nil
		}
		return m.awaitReady(ctx, tenantExternalID)
	}
	_ = proc

	return m.startRemote(ctx, tenantExternalID)
}

// awaitReady subscribes to connect:<tenant_id> before re-checking the
// registry, closing the lost-wakeup race spec.md §4.1's Ready
// broadcast note calls out explicitly, then waits up to 5s.
func (m *Manager) awaitReady(ctx context.Context, tenantExternalID string) (*pgxpool.Pool, error) {
	topic := tenant.ReadyTopic(tenantExternalID)
	sub := m.Bus.Subscribe(topic)
	defer sub.Unsubscribe()

	// Re-check after subscribing: the conn may have become ready
	// between the first Lookup and this Subscribe call.
	if _, meta, ok := m.Registry.Lookup(registry.ScopeConnect, tenantExternalID); ok && meta.Conn != nil {
		pool, _ := meta.Conn.(*pgxpool.Pool)
		return pool, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case msg := <-sub.Messages():
		if ready, ok := msg.Payload.(registry.ReadyPayload); ok {
			pool, _ := ready.Conn.(*pgxpool.Pool)
			return pool, nil
		}
		return nil, ErrInitializing
	case <-waitCtx.Done():
		return nil, ErrInitializing
	}
}

// startRemote resolves the tenant's preferred node and dispatches a
// "connect" RPC there, tagging the call with the tenant id for
// correlated logging (spec.md §4.2 step 3 "must carry a tenant-id
// tag"). Timeouts and suspended-tenant errors propagate verbatim.
func (m *Manager) startRemote(ctx context.Context, tenantExternalID string) (*pgxpool.Pool, error) {
	t, err := m.Tenants.Get(ctx, tenantExternalID)
	if err != nil {
		return nil, ErrTenantNotFound
	}

	target := m.preferredNode(ctx, t.Region)

	if target.ID == m.Self.ID {
		return m.StartSupervisor(ctx, tenantExternalID)
	}

	timeout := 30 * time.Second
	if m.Config != nil {
		timeout = m.Config.ERPCTimeout()
	}
	rpcCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := m.RPC.Call(rpcCtx, target, tenantExternalID, "connect", tenantExternalID)
	if err != nil {
		if err == cluster.ErrRPCTimeout {
			return nil, err
		}
		return nil, fmt.Errorf("rpc_error: %w", err)
	}
	pool, _ := result.(*pgxpool.Pool)
	return pool, nil
}

func (m *Manager) preferredNode(ctx context.Context, region string) cluster.Node {
	nodes, err := m.Nodes.List(ctx)
	if err != nil {
		return m.Self
	}
	for _, n := range nodes {
		if n.Region == region {
			return n
		}
	}
	return m.Self
}

// ShutdownTenant sends a graceful stop to tenantExternalID's supervisor,
// if one is running on this node (spec.md §4.2 "shutdown(tenant_id)").
// Distinct from Manager.Shutdown, which drains every supervisor at once
// on process exit.
func (m *Manager) ShutdownTenant(ctx context.Context, tenantExternalID string) error {
	m.mu.Lock()
	s, ok := m.supervisors[tenantExternalID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Stop(ctx)
}
