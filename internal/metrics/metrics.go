// Package metrics instruments the counters and gauges spec.md §6
// names (events_per_second, connected_users, replication_lag_seconds)
// using github.com/prometheus/client_golang, following the
// namespace/collector-struct style of DrBlury-protoflow's
// internal/runtime/dlq_metrics.go — the only example repo in the pack
// that wires Prometheus end to end. Only the text-format dump and its
// compression are in scope here; the HTTP endpoint serving them lives
// outside this core (SPEC_FULL.md §6).
package metrics

import (
	"bytes"
	"compress/gzip"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics is the collector set for one cluster node.
type Metrics struct {
	eventsPerSecond     *prometheus.GaugeVec
	connectedUsers      *prometheus.GaugeVec
	replicationLagSecs  *prometheus.GaugeVec

	registry *prometheus.Registry
}

const (
	namespace = "realtime"
)

// New builds a Metrics collector registered against a private
// registry, labelled by host, region, tenant_id (SPEC_FULL.md §6).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	labels := []string{"host", "region", "tenant_id"}

	m := &Metrics{
		registry: reg,
		eventsPerSecond: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_per_second",
			Help:      "Rolling average of broadcast/presence events per second for a tenant.",
		}, labels),
		connectedUsers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Current connected user count for a tenant.",
		}, labels),
		replicationLagSecs: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_lag_seconds",
			Help:      "Seconds between a row's commit and its broadcast from the Replication Ingester.",
		}, labels),
	}
	return m
}

// SetEventsPerSecond records the current rolling average for tenant.
func (m *Metrics) SetEventsPerSecond(host, region, tenantID string, v float64) {
	m.eventsPerSecond.WithLabelValues(host, region, tenantID).Set(v)
}

// SetConnectedUsers records the current connected-user count for tenant.
func (m *Metrics) SetConnectedUsers(host, region, tenantID string, v float64) {
	m.connectedUsers.WithLabelValues(host, region, tenantID).Set(v)
}

// SetReplicationLag records the current replication lag for tenant.
func (m *Metrics) SetReplicationLag(host, region, tenantID string, v float64) {
	m.replicationLagSecs.WithLabelValues(host, region, tenantID).Set(v)
}

// GetMetrics renders the current state in Prometheus text exposition
// format (spec.md §6 "get_metrics()").
func (m *Metrics) GetMetrics() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// GetCompressedMetrics gzips the text-exposition payload (spec.md §6
// "get_compressed_metrics()").
func (m *Metrics) GetCompressedMetrics() ([]byte, error) {
	raw, err := m.GetMetrics()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("metrics: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("metrics: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
