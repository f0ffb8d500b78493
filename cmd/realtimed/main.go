// Command realtimed runs one cluster node of the realtime fan-out
// core: it wires the Cluster Registry, Pub/Sub Bus, Rate Counters,
// Tenant Cache and Connect Supervisor into a single process, following
// the teacher's pattern of one daemon binary per service under cmd/
// (SPEC_FULL.md §2 "Process shape") — collapsed here to one process
// since every component above is a cooperating goroutine rather than a
// separate gRPC service. The Authorization Engine and Channel Handlers
// are constructed per-session by the websocket transport, which is out
// of scope (spec.md §1) and so has no entry point here; they are
// exercised by their package tests instead.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/cluster"
	"github.com/fanoutdb/realtime/internal/connect"
	"github.com/fanoutdb/realtime/internal/metrics"
	"github.com/fanoutdb/realtime/internal/operations"
	"github.com/fanoutdb/realtime/internal/ratecounter"
	"github.com/fanoutdb/realtime/internal/registry"
	"github.com/fanoutdb/realtime/internal/telemetry"
	"github.com/fanoutdb/realtime/internal/tenant"
	"github.com/fanoutdb/realtime/pkg/config"
	"github.com/fanoutdb/realtime/pkg/health"
	"github.com/fanoutdb/realtime/pkg/logger"
)

var (
	nodeID      = flag.String("node-id", envOrFlag("NODE_ID", "node-1"), "This cluster node's id")
	nodeRegion  = flag.String("region", envOrFlag("PLATFORM_REGION", "local"), "This cluster node's platform region")
	tenantTTLMs = flag.Int("tenant-cache-ttl-ms", 5000, "Tenant record cache TTL in milliseconds")
	healthEvery = flag.Int("health-check-interval-ms", 10000, "Interval between background health checks")
)

func envOrFlag(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()

	log := logger.New("realtimed")
	cfg := config.New()
	checker := health.NewChecker()

	b := bus.New()
	tel := telemetry.New()
	metricsReg := metrics.New()

	self := cluster.Node{ID: *nodeID, Region: *nodeRegion}
	nodes := cluster.NewLocalNodes(self)
	rpc := cluster.NewLocalRPC()

	reg := registry.New(nodes, b, log.Named("registry"))
	counters := ratecounter.NewRegistry()

	tenants := tenant.NewCache(tenant.EnvLoader{}, time.Duration(*tenantTTLMs)*time.Millisecond, log.Named("tenant"))

	mgr := connect.NewManager(self, tenants, reg, b, counters, tel, nodes, rpc, cfg, log.Named("connect"))

	ops := operations.New(b)
	registerOperatorRPCs(rpc, mgr, ops)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reportMetrics(ctx, tel, metricsReg, self)
	go reportTenantGauges(ctx, mgr, counters, metricsReg, self, cfg.CheckConnectedUserInterval())
	go runHealthLoop(ctx, checker, nodes, time.Duration(*healthEvery)*time.Millisecond, log.Named("health"))

	log.Infof("realtimed: node %s region %s started", self.ID, self.Region)
	<-ctx.Done()

	log.Info("realtimed: shutting down, draining tenant supervisors")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(drainCtx)

	if drainCtx.Err() == context.DeadlineExceeded {
		log.Errorf("realtimed: shutdown timed out draining supervisors")
	}
}

// registerOperatorRPCs exposes the Connect Supervisor's start path and
// the Tenant Operations Bus over the same cluster.RPC dispatch table
// lookup_or_start_connection uses, so a remote node (or an operator
// tool built against cluster.RPC) can drive either with one mechanism
// (spec.md §4.2 step 3, §4.7).
func registerOperatorRPCs(rpc *cluster.LocalRPC, mgr *connect.Manager, ops *operations.Bus) {
	rpc.Handle("connect", func(ctx context.Context, tenantID string, _ interface{}) (interface{}, error) {
		return mgr.StartSupervisor(ctx, tenantID)
	})
	rpc.Handle(operations.SuspendTenant, func(_ context.Context, tenantID string, _ interface{}) (interface{}, error) {
		ops.Suspend(tenantID)
		return nil, nil
	})
	rpc.Handle(operations.UnsuspendTenant, func(_ context.Context, tenantID string, _ interface{}) (interface{}, error) {
		ops.Unsuspend(tenantID)
		return nil, nil
	})
	rpc.Handle(operations.Disconnect, func(_ context.Context, tenantID string, _ interface{}) (interface{}, error) {
		ops.Disconnect(tenantID)
		return nil, nil
	})
}

// reportMetrics mirrors broadcast_from_database telemetry events into
// the Prometheus replication-lag gauge (spec.md §6, SPEC_FULL.md §6).
// The two authorization-check events have no gauge of their own to
// drive here: Engine probes only ever happen inside a session's
// gated handler call, which the out-of-scope socket transport
// constructs (see this file's header comment), so this process never
// observes them.
func reportMetrics(ctx context.Context, tel *telemetry.Bus, m *metrics.Metrics, self cluster.Node) {
	sub := tel.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			if ev.Name != telemetry.BroadcastFromDatabase {
				continue
			}
			lag, _ := ev.Fields["latency_committed_at"].(float64)
			m.SetReplicationLag(self.ID, self.Region, ev.TenantID, lag)
		}
	}
}

// reportTenantGauges polls every actively-supervised tenant's rate
// counters and connected-user hook on interval, driving the
// events_per_second and connected_users gauges spec.md §6 names
// (SPEC_FULL.md §6). Unlike reportMetrics this is poll- rather than
// event-driven, since spec.md §4.6's counters are rolling averages
// with no natural "changed" event to subscribe to.
func reportTenantGauges(ctx context.Context, mgr *connect.Manager, counters *ratecounter.Registry, m *metrics.Metrics, self cluster.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range mgr.ActiveTenants() {
				eps := counters.ForTenant(tenantID).Get(ratecounter.EventsPerSecond)
				m.SetEventsPerSecond(self.ID, self.Region, tenantID, eps.Avg)
				m.SetConnectedUsers(self.ID, self.Region, tenantID, float64(mgr.ConnectedUsers(tenantID)))
			}
		}
	}
}

// runHealthLoop periodically records cluster-membership reachability,
// the one dependency cmd/realtimed can check without a live tenant.
func runHealthLoop(ctx context.Context, checker *health.Checker, nodes cluster.Nodes, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checker.RunCheck("cluster_nodes", func() error {
				_, err := nodes.List(ctx)
				return err
			})
			if checker.Overall() != health.StatusHealthy {
				log.Warn("realtimed: health check degraded")
			}
		}
	}
}
