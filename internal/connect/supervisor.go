package connect

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/cluster"
	"github.com/fanoutdb/realtime/internal/ratecounter"
	"github.com/fanoutdb/realtime/internal/registry"
	"github.com/fanoutdb/realtime/internal/replication"
	"github.com/fanoutdb/realtime/internal/telemetry"
	"github.com/fanoutdb/realtime/internal/tenant"
	"github.com/fanoutdb/realtime/pkg/config"
	"github.com/fanoutdb/realtime/pkg/logger"
)

// Migrator runs the tenant's pending message-table partition
// migrations (spec.md §4.2 step 5 "delegate to the migrations
// collaborator"). The core only invokes it at this one defined point;
// migration *design* is out of scope (SPEC_FULL.md §1 Non-goals).
type Migrator interface {
	Run(ctx context.Context, tenantExternalID string, pool *pgxpool.Pool) error
}

// NoopMigrator satisfies Migrator for deployments/tests with no
// partition migrations to run.
type NoopMigrator struct{}

func (NoopMigrator) Run(ctx context.Context, tenantExternalID string, pool *pgxpool.Pool) error {
	return nil
}

// ConnectedUsersFunc reports the current connected-user count for a
// tenant. The websocket session registry that actually tracks
// connections lives outside this core (spec.md §1 "HTTP/WebSocket
// framing... out of scope"); Manager calls this hook instead.
type ConnectedUsersFunc func(tenantExternalID string) int

const connectedUsersBucketLen = 6

// Supervisor is the per-tenant state machine (spec.md §4.2). It
// satisfies registry.Process so the Cluster Registry's conflict
// resolution can stop a losing claim.
type Supervisor struct {
	tenantExternalID string
	node             cluster.Node
	region           string

	mgr *Manager

	mu    sync.Mutex
	state State
	pool  *pgxpool.Pool

	ingester    *replication.Ingester
	counters    *ratecounter.Set
	cancel      context.CancelFunc
	stopped     chan struct{}
	stopOnce    sync.Once

	bucketMu sync.Mutex
	bucket   []int
}

// ID satisfies registry.Process.
func (s *Supervisor) ID() string { return s.tenantExternalID }

// Node satisfies registry.Process.
func (s *Supervisor) Node() cluster.Node { return s.node }

// Stop satisfies registry.Process: a graceful shutdown honoring ctx's
// deadline (spec.md §4.1 "stopped with a graceful shutdown").
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.setState(StateShuttingDown)
		if s.cancel != nil {
			s.cancel()
		}
	})
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager owns every tenant's Supervisor plus the shared collaborators
// the startup pipeline needs (tenant cache, registry, bus, rate
// counters, cluster seam). One Manager runs per cluster node.
type Manager struct {
	Self cluster.Node

	Tenants   *tenant.Cache
	Registry  *registry.Registry
	Bus       *bus.Bus
	Counters  *ratecounter.Registry
	Telemetry *telemetry.Bus
	Nodes     cluster.Nodes
	RPC       cluster.RPC
	Config    *config.Config
	Migrator  Migrator
	Logger    *logger.Logger

	ConnectedUsers ConnectedUsersFunc

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewManager builds a Manager. Migrator and ConnectedUsers default to
// no-ops when nil.
func NewManager(self cluster.Node, tenants *tenant.Cache, reg *registry.Registry, b *bus.Bus, counters *ratecounter.Registry, tel *telemetry.Bus, nodes cluster.Nodes, rpc cluster.RPC, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		Self:        self,
		Tenants:     tenants,
		Registry:    reg,
		Bus:         b,
		Counters:    counters,
		Telemetry:   tel,
		Nodes:       nodes,
		RPC:         rpc,
		Config:      cfg,
		Migrator:    NoopMigrator{},
		Logger:      log,
		ConnectedUsers: func(string) int { return 0 },
		supervisors: make(map[string]*Supervisor),
	}
}

// StartSupervisor runs the startup pipeline for tenantExternalID
// (spec.md §4.2's eight ordered steps), registers it in supervisors,
// and launches its watchdogs. It returns the live *pgxpool.Pool on
// success, or one of the categorized errors in errors.go on failure.
func (m *Manager) StartSupervisor(ctx context.Context, tenantExternalID string) (*pgxpool.Pool, error) {
	// Step 1: GetTenant.
	t, err := m.Tenants.Get(ctx, tenantExternalID)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Warnf("connect: tenant %s not found: %v", tenantExternalID, err)
		}
		return nil, ErrTenantNotFound
	}
	if t.Suspended {
		return nil, ErrTenantSuspended
	}

	s := &Supervisor{
		tenantExternalID: tenantExternalID,
		node:             m.Self,
		region:           t.Region,
		mgr:              m,
		state:            StateInitializing,
		stopped:          make(chan struct{}),
		bucket:           make([]int, 0, connectedUsersBucketLen),
	}

	// Step 2: CheckConnection — a small pool against the tenant DB
	// (spec.md §4.2 step 2 "small DB pool", sized by
	// TENANT_DB_POOL_MAX_CONNS).
	pool, err := m.openTenantPool(ctx, t)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	// Step 3: StartCounters.
	s.counters = m.Counters.ForTenant(tenantExternalID)

	// Step 4: RegisterProcess — losing a conflict here is fatal.
	if err := m.Registry.Register(ctx, registry.ScopeConnect, tenantExternalID, s, registry.Meta{Region: t.Region}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect: %w: %v", ErrRegisterConflict, err)
	}

	// Step 5: run migrations.
	s.setState(StateMigrating)
	if err := m.Migrator.Run(ctx, tenantExternalID, pool); err != nil {
		m.teardown(s, ErrMigrationFailed)
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	// Step 6: start replication.
	s.setState(StateReplicating)
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ingester, err := m.startIngester(streamCtx, t)
	if err != nil {
		cancel()
		m.teardown(s, err)
		return nil, err
	}
	s.ingester = ingester

	go func() {
		if err := ingester.Start(streamCtx); err != nil && m.Logger != nil {
			m.Logger.Errorf("connect: replication ingester for tenant %s exited: %v", tenantExternalID, err)
		}
		m.handleIngesterDown(s)
	}()

	// Step 7: publish ready.
	s.setState(StateServing)
	m.Registry.Update(registry.ScopeConnect, tenantExternalID, registry.Meta{Region: t.Region, Conn: pool})

	// Step 8: setup watchdogs.
	m.mu.Lock()
	m.supervisors[tenantExternalID] = s
	m.mu.Unlock()

	opsTopic := tenant.OperationsTopic(tenantExternalID)
	opsSub := m.Bus.Subscribe(opsTopic)
	go m.watchOperations(streamCtx, s, opsSub)
	go m.watchIdleShutdown(streamCtx, s)
	go m.watchRegionRebalance(streamCtx, s)

	go func() {
		<-streamCtx.Done()
		opsSub.Unsubscribe()
		m.finalize(s)
	}()

	return pool, nil
}

// Shutdown stops every supervisor this Manager currently owns,
// concurrently, waiting for each to finish or ctx to expire — the
// process-level counterpart to Shutdown(tenant_id) (spec.md §4.2),
// used by cmd/realtimed on SIGTERM.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		supervisors = append(supervisors, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range supervisors {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil && m.Logger != nil {
				m.Logger.Warnf("connect: tenant %s did not stop cleanly: %v", s.tenantExternalID, err)
			}
		}(s)
	}
	wg.Wait()
}

// ActiveTenants returns the external ids of every tenant this Manager
// currently supervises, for collaborators that report per-tenant
// metrics on a timer (e.g. cmd/realtimed's gauge-reporting loop)
// rather than on each event.
func (m *Manager) ActiveTenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) teardown(s *Supervisor, reason error) {
	s.setState(StateShuttingDown)
	if s.pool != nil {
		s.pool.Close()
	}
	m.Registry.Unregister(registry.ScopeConnect, s.tenantExternalID)
	m.Counters.Remove(s.tenantExternalID)
	if m.Logger != nil {
		m.Logger.Warnf("connect: tenant %s shut down during startup: %v", s.tenantExternalID, reason)
	}
	close(s.stopped)
}

// finalize tears down a fully-started supervisor (spec.md §4.2
// "Lifecycle & ownership": the supervisor exclusively owns its pool
// and ingester; termination of either is fatal to the other).
func (m *Manager) finalize(s *Supervisor) {
	s.setState(StateShuttingDown)
	if s.pool != nil {
		s.pool.Close()
	}
	m.Registry.Unregister(registry.ScopeConnect, s.tenantExternalID)
	m.Counters.Remove(s.tenantExternalID)

	m.mu.Lock()
	if m.supervisors[s.tenantExternalID] == s {
		delete(m.supervisors, s.tenantExternalID)
	}
	m.mu.Unlock()

	s.stopOnce.Do(func() {})
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

// handleIngesterDown terminates the supervisor when its Replication
// Ingester exits while the supervisor is not already shutting down.
// Only the ingester is watched this way; nothing watches the DB pool
// for a failure of its own.
func (m *Manager) handleIngesterDown(s *Supervisor) {
	if s.State() == StateShuttingDown {
		return
	}
	if m.Logger != nil {
		m.Logger.Warnf("connect: replication ingester down for tenant %s, shutting down supervisor", s.tenantExternalID)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (m *Manager) openTenantPool(ctx context.Context, t *tenant.Tenant) (*pgxpool.Pool, error) {
	maxConns := int32(5)
	if m.Config != nil {
		maxConns = int32(m.Config.TenantDBPoolMaxConns())
	}

	sslMode := "disable"
	if t.DB.SSLEnforced {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		t.DB.Username, url.QueryEscape(t.DB.Password), t.DB.Host, t.DB.Port, t.DB.DatabaseName, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	poolConfig.MaxConns = maxConns

	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(acquireCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}

	if err := pool.Ping(acquireCtx); err != nil {
		pool.Close()
		if isTooManyConnections(err) {
			return nil, ErrTooManyConnections
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}

	return pool, nil
}

func isTooManyConnections(err error) bool {
	var pgErr interface{ SQLState() string }
	if asPgErr(err, &pgErr) {
		// 53300 = too_many_connections per the Postgres error catalog.
		return pgErr.SQLState() == "53300"
	}
	return false
}

func asPgErr(err error, target *interface{ SQLState() string }) bool {
	for err != nil {
		if pe, ok := err.(interface{ SQLState() string }); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (m *Manager) startIngester(ctx context.Context, t *tenant.Tenant) (*replication.Ingester, error) {
	slotName := replication.SlotName(m.envSuffix())
	pubName := "realtime_messages_publication"

	sslMode := "disable"
	if t.DB.SSLEnforced {
		sslMode = "require"
	}
	connString := fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		t.DB.Username, url.QueryEscape(t.DB.Password), t.DB.Host, t.DB.Port, t.DB.DatabaseName, sslMode)

	ddlPool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	defer ddlPool.Close()

	if err := replication.EnsurePublication(ctx, ddlPool, pubName, "realtime.messages"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	if err := replication.EnsureSlot(ctx, ddlPool, slotName); err != nil {
		if isMaxWalSenders(err) {
			return nil, ErrMaxWalSendersReached
		}
		return nil, err
	}

	replConfig, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	replConfig.RuntimeParams["replication"] = "database"

	ingester := &replication.Ingester{
		TenantExternalID: t.ExternalID,
		SlotName:         slotName,
		PublicationName:  pubName,
		MessageTable:     "realtime.messages",
		Bus:              m.Bus,
		Telemetry:        m.Telemetry,
		Logger:           m.Logger,
	}
	if err := ingester.Connect(ctx, replConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	return ingester, nil
}

func isMaxWalSenders(err error) bool {
	var pgErr interface{ SQLState() string }
	// 53400 = configuration_limit_exceeded, the bucket
	// max_wal_senders exhaustion falls into.
	return asPgErr(err, &pgErr) && pgErr.SQLState() == "53400"
}

func (m *Manager) envSuffix() string {
	if m.Config == nil {
		return ""
	}
	return m.Config.SlotNameSuffix()
}
