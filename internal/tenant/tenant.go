// Package tenant models the per-tenant configuration record and the
// short-TTL cache the Connect Supervisor reads it through.
package tenant

import "time"

// Extension describes the tenant's DB connection material. Field names
// follow the teacher's database-config convention in
// services/anchor/internal/database/common.DatabaseConfig.
// Extension describes the tenant's DB connection material. Password
// arrives from the Loader still encrypted; Cache.Get decrypts it once
// per cache miss and stores the plaintext back into this same field so
// cache hits never re-decrypt.
type Extension struct {
	Host         string
	Port         int
	Username     string
	Password     string
	DatabaseName string
	PollInterval time.Duration
	SSLEnforced  bool
}

// Tenant is the read-mostly configuration record described in spec.md §3.
type Tenant struct {
	ExternalID   string
	Region       string
	Suspended    bool
	JWTSecret    string // decrypted at load time by the cache, see Cache.Get
	JWKSURL      string
	Migrations   int
	DB           Extension

	// MaxEventsPerSecond and MaxConcurrentUsers are quota hints
	// consumed by an external admission-control layer; the core never
	// enforces them itself (spec.md §4.5 "handlers do not themselves
	// decide on overload", SPEC_FULL.md §3).
	MaxEventsPerSecond int
	MaxConcurrentUsers int
}

// TenantTopic computes the fan-out topic string scoped to this tenant,
// per spec.md §4.3 step 1. private is accepted to match the spec's
// tenant_topic(external_id, topic, private) signature; it does not
// change the topic string itself — it only ever gates authorization
// (§4.4), never addressing.
func TenantTopic(externalID, topic string, private bool) string {
	_ = private
	return "realtime:" + externalID + ":" + topic
}

// OperationsTopic is the operator-event bus topic for this tenant
// (spec.md §4.7).
func OperationsTopic(externalID string) string {
	return "realtime:operations:" + externalID
}

// ReadyTopic is the local bus topic the registry broadcasts "ready" on
// once the tenant's DB pool is live (spec.md §4.1 "Ready broadcast").
func ReadyTopic(externalID string) string {
	return "connect:" + externalID
}
