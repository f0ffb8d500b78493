package connect

import "errors"

// Startup and runtime failure reasons, per spec.md §4.2 "Failure
// semantics" and the startup pipeline's per-step categorized errors.
// Kept as flat sentinel values rather than a custom error-struct
// hierarchy, matching the teacher's plain-error style throughout
// services/anchor/internal/database/postgres.
var (
	ErrTenantNotFound           = errors.New("tenant_not_found")
	ErrTooManyConnections       = errors.New("tenant_db_too_many_connections")
	ErrDatabaseUnavailable      = errors.New("tenant_database_unavailable")
	ErrTenantSuspended          = errors.New("tenant_suspended")
	ErrInitializing             = errors.New("initializing")
	ErrMaxWalSendersReached     = errors.New("max_wal_senders_reached")
	ErrWrongRegion              = errors.New("wrong_region")
	ErrRebalancing              = errors.New("rebalancing")
	ErrShutdownNoConnectedUsers = errors.New("shutdown_no_connected_users")
	ErrMigrationFailed          = errors.New("migration_failed")
	ErrRegisterConflict         = errors.New("register_conflict")
	ErrShutdown                 = errors.New("shutdown")
)
