// Package operations is the Tenant Operations Bus (spec.md §4.7): a
// thin, idempotent publisher over the per-tenant topic the Connect
// Supervisor's watchOperations watchdog consumes
// (internal/connect/watchdogs.go).
package operations

import (
	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/tenant"
)

// Operation names spec.md §4.7 carries on realtime:operations:<tenant_id>.
const (
	SuspendTenant   = "suspend_tenant"
	UnsuspendTenant = "unsuspend_tenant"
	Disconnect      = "disconnect"
)

// Bus publishes operator events scoped to one tenant, derived from the
// topic rather than carried in the payload (spec.md §4.7 "the target
// tenant is derived from the topic").
type Bus struct {
	b *bus.Bus
}

// New wraps b as an operations publisher.
func New(b *bus.Bus) *Bus {
	return &Bus{b: b}
}

// Suspend publishes suspend_tenant for tenantExternalID.
func (o *Bus) Suspend(tenantExternalID string) {
	o.b.Publish(tenant.OperationsTopic(tenantExternalID), SuspendTenant)
}

// Unsuspend publishes unsuspend_tenant for tenantExternalID.
func (o *Bus) Unsuspend(tenantExternalID string) {
	o.b.Publish(tenant.OperationsTopic(tenantExternalID), UnsuspendTenant)
}

// Disconnect publishes disconnect for tenantExternalID.
func (o *Bus) Disconnect(tenantExternalID string) {
	o.b.Publish(tenant.OperationsTopic(tenantExternalID), Disconnect)
}
