package connect

import (
	"context"
	"time"

	"github.com/fanoutdb/realtime/internal/bus"
	"github.com/fanoutdb/realtime/internal/cluster"
)

// watchOperations handles the operator events spec.md §4.2 step 8
// subscribes to on realtime:operations:<tenant_id>: suspend_tenant,
// unsuspend_tenant, disconnect.
func (m *Manager) watchOperations(ctx context.Context, s *Supervisor, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			op, _ := msg.Payload.(string)
			switch op {
			case "suspend_tenant":
				m.Tenants.Invalidate(s.tenantExternalID)
				if s.cancel != nil {
					s.cancel()
				}
			case "disconnect":
				if s.cancel != nil {
					s.cancel()
				}
			case "unsuspend_tenant":
				m.Tenants.Invalidate(s.tenantExternalID)
			}
		}
	}
}

// watchIdleShutdown implements the idle-shutdown watchdog (spec.md
// §4.2 "Idle shutdown"): every check_connected_user_interval, append
// the connected-user count to a bounded, drop-oldest bucket of length
// 6; an all-zero bucket schedules shutdown_no_connected_users after
// one more interval.
func (m *Manager) watchIdleShutdown(ctx context.Context, s *Supervisor) {
	interval := 50 * time.Second
	if m.Config != nil {
		interval = m.Config.CheckConnectedUserInterval()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pendingShutdown := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := 0
			if m.ConnectedUsers != nil {
				count = m.ConnectedUsers(s.tenantExternalID)
			}

			allZero := s.pushConnectedUsers(count)

			if pendingShutdown {
				if m.Logger != nil {
					m.Logger.Infof("connect: shutdown_no_connected_users for tenant %s", s.tenantExternalID)
				}
				if s.cancel != nil {
					s.cancel()
				}
				return
			}
			if allZero {
				pendingShutdown = true
			}
		}
	}
}

// pushConnectedUsers appends count to the bucket, dropping the oldest
// entry once it reaches connectedUsersBucketLen, and reports whether
// the bucket is now exactly [0,0,0,0,0,0].
func (s *Supervisor) pushConnectedUsers(count int) bool {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	s.bucket = append(s.bucket, count)
	if len(s.bucket) > connectedUsersBucketLen {
		s.bucket = s.bucket[len(s.bucket)-connectedUsersBucketLen:]
	}
	if len(s.bucket) < connectedUsersBucketLen {
		return false
	}
	for _, c := range s.bucket {
		if c != 0 {
			return false
		}
	}
	return true
}

// watchRegionRebalance implements the region-rebalance watchdog
// (spec.md §4.2 "Region rebalance"): every interval, snapshot
// Node.list(); if membership changed and the tenant's preferred region
// now contains a node that is not this one, shut down with
// "rebalancing" (callers restart the supervisor on the preferred node).
func (m *Manager) watchRegionRebalance(ctx context.Context, s *Supervisor) {
	interval := 30 * time.Second
	if m.Config != nil {
		interval = m.Config.RebalanceCheckInterval()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastNodeIDs map[string]struct{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nodes, err := m.Nodes.List(ctx)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Warnf("connect: region rebalance check for tenant %s could not list nodes: %v", s.tenantExternalID, err)
				}
				continue
			}

			nodeIDs := nodeIDSet(nodes)
			changed := lastNodeIDs != nil && !sameNodeIDSet(lastNodeIDs, nodeIDs)
			lastNodeIDs = nodeIDs
			if !changed {
				continue
			}

			if preferredRegionHasOtherNode(nodes, s.region, m.Self.ID) {
				if m.Logger != nil {
					m.Logger.Infof("connect: tenant %s rebalancing away from node %s", s.tenantExternalID, m.Self.ID)
				}
				if s.cancel != nil {
					s.cancel()
				}
				return
			}
		}
	}
}

// nodeIDSet reduces a node list to the set of ids present, so
// membership changes can be detected even when the total count is
// unchanged (e.g. a simultaneous join and leave).
func nodeIDSet(nodes []cluster.Node) map[string]struct{} {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n.ID] = struct{}{}
	}
	return set
}

func sameNodeIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func preferredRegionHasOtherNode(nodes []cluster.Node, region, selfID string) bool {
	for _, n := range nodes {
		if n.Region == region && n.ID != selfID {
			return true
		}
	}
	return false
}
